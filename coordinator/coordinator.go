// Package coordinator owns the ring manager, probe installer, and
// sampling profiler for the lifetime of one capture and drives the
// idle -> preparing -> capturing -> draining -> processing -> done
// state machine.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"orbitsampler"
	"orbitsampler/attach"
	"orbitsampler/perfring"
	"orbitsampler/probe"
	"orbitsampler/procinspect"
	"orbitsampler/sampler"
)

// State is one state of the CaptureCoordinator state machine.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateCapturing
	StateDraining
	StateProcessing
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateCapturing:
		return "capturing"
	case StateDraining:
		return "draining"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Result is returned by Start/Stop.
type Result struct {
	State State
	Err   error
}

// Report is the immutable handle returned by Snapshot.
type Report struct {
	Threads map[orbitsampler.ThreadID]*orbitsampler.ThreadSampleData
	Health  orbitsampler.HealthCounters
	Modules []orbitsampler.Module
}

// Pprof renders the report as an in-memory pprof profile, one sample per
// distinct resolved function per thread, valued by inclusive count.
func (r *Report) Pprof() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Mapping:    make([]*profile.Mapping, 0, len(r.Modules)),
	}
	fnByName := map[string]*profile.Function{}
	var fnID, locID, mapID uint64

	for _, m := range r.Modules {
		mapID++
		mapping := *m.Mapping
		mapping.ID = mapID
		mapping.File = m.FullPath
		p.Mapping = append(p.Mapping, &mapping)
	}

	internFn := func(name string) *profile.Function {
		if fn, ok := fnByName[name]; ok {
			return fn
		}
		fnID++
		fn := &profile.Function{ID: fnID, Name: name, SystemName: name}
		fnByName[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	for tid, data := range r.Threads {
		for _, sf := range data.Report {
			name := sf.Function.DemangledName
			if name == "" {
				name = fmt.Sprintf("%#x", sf.Address)
			}
			fn := internFn(name)
			locID++
			loc := &profile.Location{
				ID:   locID,
				Line: []profile.Line{{Function: fn}},
			}
			p.Location = append(p.Location, loc)
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{int64(sf.InclusiveCount)},
				Label:    map[string][]string{"thread": {fmt.Sprint(tid)}},
			})
		}
	}
	return p
}

// Coordinator implements CaptureCoordinator: it owns PerfRingManager,
// ProbeInstaller, and SamplingProfiler exclusively for the lifetime of one
// capture.
type Coordinator struct {
	symbolProvider orbitsampler.SymbolProvider
	statusSink     orbitsampler.StatusSink
	refreshSink    orbitsampler.RefreshSink
	timerSink      orbitsampler.TimerSink
	log            *slog.Logger

	mu        sync.Mutex
	state     State
	pid       int
	opts      orbitsampler.Options
	inspector *procinspect.Inspector

	ringMgr     *perfring.Manager
	tracerProbe *probe.TracerInstaller
	profiler    *sampler.Profiler

	cancel context.CancelFunc
	group  *errgroup.Group

	report *Report
}

// New returns an idle Coordinator. statusSink/refreshSink may be nil.
func New(symbolProvider orbitsampler.SymbolProvider, statusSink orbitsampler.StatusSink, refreshSink orbitsampler.RefreshSink) *Coordinator {
	return &Coordinator{
		symbolProvider: symbolProvider,
		statusSink:     statusSink,
		refreshSink:    refreshSink,
		inspector:      procinspect.NewInspector(),
		state:          StateIdle,
		log:            slog.Default(),
	}
}

// WithTimerSink plugs a TimerSink that receives every completed
// entry/exit timer as it closes. Must be called before Start.
func (c *Coordinator) WithTimerSink(sink orbitsampler.TimerSink) *Coordinator {
	c.timerSink = sink
	return c
}

// WithLogger overrides the structured logger (default slog.Default()).
// Must be called before Start.
func (c *Coordinator) WithLogger(log *slog.Logger) *Coordinator {
	c.log = log
	return c
}

// IsCapturing reports whether the coordinator is capturing or draining:
// true from the end of a successful Start until Stop enters Processing.
func (c *Coordinator) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCapturing || c.state == StateDraining
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start validates pid, snapshots its modules, stops every thread long
// enough to install probes race-free, configures the ring buffers and
// probe installer, and transitions into Sampling.
func (c *Coordinator) Start(ctx context.Context, pid int, selected []probe.SelectedFunction, opts orbitsampler.Options) Result {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Result{State: c.state, Err: orbitsampler.NewError("Start", orbitsampler.ErrUnknown, nil, "coordinator busy in state %s", c.state)}
	}
	c.state = StatePreparing
	c.pid = pid
	c.opts = opts
	c.mu.Unlock()

	modules, err := c.symbolProvider.Modules(pid)
	if err != nil {
		return c.fail("Start", err)
	}

	attachCtrl := attach.New(c.inspector).WithTimeout(opts.AttachTimeout)
	stopped, err := attachCtrl.AttachAndStop(ctx, pid)
	if err != nil {
		return c.fail("Start", err)
	}

	cpus, err := c.inspector.Cpuset(pid)
	if err != nil {
		_ = attachCtrl.DetachAndResume(stopped)
		return c.fail("Start", err)
	}

	ringMgr, err := perfring.NewManager(opts, len(selected))
	if err != nil {
		_ = attachCtrl.DetachAndResume(stopped)
		return c.fail("Start", err)
	}
	if err := ringMgr.ConfigureTaskTrackingRings(pid, cpus); err != nil {
		_ = attachCtrl.DetachAndResume(stopped)
		ringMgr.CloseAll()
		return c.fail("Start", err)
	}
	if opts.ContextSwitches {
		if err := ringMgr.ConfigureContextSwitchRings(pid, cpus); err != nil {
			c.log.Warn("context-switch rings disabled", "kind", orbitsampler.KindOf(err), "err", err)
			c.status().Error("context switches", err.Error())
		}
	}
	if err := ringMgr.ConfigureSamplingRings(pid, cpus); err != nil {
		_ = attachCtrl.DetachAndResume(stopped)
		ringMgr.CloseAll()
		return c.fail("Start", err)
	}

	mode := orbitsampler.ResolveProbeMode(opts.ProbeMode, readKernelVersion())
	var tracerProbe *probe.TracerInstaller
	if mode == orbitsampler.ProbeModeKernel {
		kernelProbes, kerr := probe.NewKernelInstaller()
		if kerr != nil {
			c.log.Warn("kernel uprobes unavailable, falling back to tracer", "kind", orbitsampler.KindOf(kerr), "err", kerr)
			c.status().Error("kernel uprobes unavailable, falling back to tracer", kerr.Error())
			mode = orbitsampler.ProbeModeTracer
		} else {
			for _, fn := range selected {
				for _, cpu := range cpus {
					if err := ringMgr.OpenProbeRing(kernelProbes.PMUType, fn.ModulePath, fn.ModuleOffset, uint64(fn.Address), false, pid, cpu); err != nil {
						c.log.Warn("open entry uprobe", "addr", uint64(fn.Address), "cpu", cpu, "err", err)
						c.status().Error("open entry uprobe", err.Error())
					}
					if err := ringMgr.OpenProbeRing(kernelProbes.PMUType, fn.ModulePath, fn.ModuleOffset, uint64(fn.Address), true, pid, cpu); err != nil {
						c.log.Warn("open return uprobe", "addr", uint64(fn.Address), "cpu", cpu, "err", err)
						c.status().Error("open return uprobe", err.Error())
					}
				}
			}
		}
	}
	if mode == orbitsampler.ProbeModeTracer {
		tracerProbe, err = probe.NewTracerInstaller(opts.ScriptBasePath, selected)
		if err != nil {
			_ = attachCtrl.DetachAndResume(stopped)
			ringMgr.CloseAll()
			return c.fail("Start", err)
		}
	}

	// Every ring so far was opened with PerfBitDisabled set; enable them
	// all while the target is still stopped, so no sample or probe
	// crossing is missed once the target resumes running.
	if err := ringMgr.EnableAll(); err != nil {
		_ = attachCtrl.DetachAndResume(stopped)
		ringMgr.CloseAll()
		return c.fail("Start", err)
	}

	sink := c.timerSink
	if sink == nil {
		sink = orbitsampler.TimerSinkFunc(func(orbitsampler.Timer) {})
	}
	profiler := sampler.New(c.symbolProvider, sink, opts.GenerateSummary)
	profiler.Begin()

	if err := attachCtrl.DetachAndResume(stopped); err != nil {
		c.log.Warn("detach", "err", err)
		c.status().Error("detach", err.Error())
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	c.mu.Lock()
	c.ringMgr = ringMgr
	c.tracerProbe = tracerProbe
	c.profiler = profiler
	c.cancel = cancel
	c.group = group
	c.report = &Report{Modules: modules}
	c.state = StateCapturing
	c.mu.Unlock()

	group.Go(func() error {
		return ringMgr.Consume(gctx, int(opts.RingPollTimeout.Milliseconds()), func(_ int, rec perfring.Record) {
			c.handleRingRecord(rec)
		})
	})

	if tracerProbe != nil {
		group.Go(func() error {
			return tracerProbe.Start(gctx, func(ev probe.Event) {
				if ev.Begin {
					profiler.AddProbeBegin(ev.ThreadID, ev.Address, ev.TimeNs)
				} else {
					profiler.AddProbeEnd(ev.ThreadID, ev.Address, ev.TimeNs)
				}
			})
		})
	}

	group.Go(func() error {
		return c.trackThreadUsage(gctx, pid, profiler, opts)
	})

	c.log.Info("capture started", "pid", pid, "cpus", len(cpus), "probes", len(selected), "mode", mode.String())
	return Result{State: StateCapturing}
}

// handleRingRecord dispatches one decoded ring record to the profiler or
// to the coordinator's own module view: SAMPLE feeds the sampling stream,
// PROBE_ENTRY/RETURN feed the probe stream exactly like the
// tracer-subprocess path does, MMAP refreshes the live module list so
// libraries loaded mid-capture still resolve, LOST is counted, and of
// FORK/EXIT/CONTEXT_SWITCH only EXIT changes profiler state (discarding
// that thread's still-open timers, the per-thread analogue of the
// capture-end truncation BeginStop performs for every thread).
func (c *Coordinator) handleRingRecord(rec perfring.Record) {
	switch rec.Kind {
	case perfring.RecordSample:
		stack := make(orbitsampler.CallStack, len(rec.Stack))
		for i, a := range rec.Stack {
			stack[i] = orbitsampler.Address(a)
		}
		c.profiler.AddCallStack(orbitsampler.ThreadID(rec.Tid), rec.TimeNs, stack)
	case perfring.RecordProbeEntry:
		c.profiler.AddProbeBegin(orbitsampler.ThreadID(rec.Tid), orbitsampler.Address(rec.Addr), rec.TimeNs)
	case perfring.RecordProbeReturn:
		c.profiler.AddProbeEnd(orbitsampler.ThreadID(rec.Tid), orbitsampler.Address(rec.Addr), rec.TimeNs)
	case perfring.RecordLost:
		c.profiler.RecordLost(rec.LostCount)
	case perfring.RecordMmap:
		c.refreshModule(rec)
	case perfring.RecordExit:
		c.profiler.DiscardThread(orbitsampler.ThreadID(rec.Tid))
	case perfring.RecordFork, perfring.RecordContextSwitch:
		// Neither carries information the aggregation model needs: a
		// forked tid's first sample/probe event lazily creates its
		// ThreadSampleData, and context switches are consumed only to
		// keep their ring drained.
	}
}

// refreshModule folds one MMAP/MMAP2 record into the coordinator's module
// list: widening an already-known module's mapped range, or appending a
// new module for a library loaded after Start's initial snapshot. Held
// under c.mu since this runs on the ring-consumer goroutine concurrently
// with Snapshot/Stop reads of c.report.
func (c *Coordinator) refreshModule(rec perfring.Record) {
	if rec.Filename == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report == nil {
		return
	}
	for i, m := range c.report.Modules {
		if m.FullPath != rec.Filename {
			continue
		}
		if m.Mapping == nil {
			continue
		}
		if rec.Addr < m.Mapping.Start {
			c.report.Modules[i].Mapping.Start = rec.Addr
		}
		if rec.Addr+rec.Len > m.Mapping.Limit {
			c.report.Modules[i].Mapping.Limit = rec.Addr + rec.Len
		}
		return
	}
	c.report.Modules = append(c.report.Modules, orbitsampler.Module{
		Name:     moduleBaseName(rec.Filename),
		FullPath: rec.Filename,
		Mapping: &profile.Mapping{
			Start:  rec.Addr,
			Limit:  rec.Addr + rec.Len,
			Offset: rec.PgOff,
			File:   rec.Filename,
		},
	})
}

func moduleBaseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// clockTicksHz is the assumed USER_HZ value used to convert
// /proc/<tid>/stat's utime/stime fields (in clock ticks) to seconds. 100
// is the near-universal value on Linux/x86 and arm64 distros; a host with
// a different CONFIG_HZ would skew AverageThreadUsage without changing
// any other invariant.
const clockTicksHz = 100

// trackThreadUsage derives per-thread cpu usage: every SamplePeriodMs it
// snapshots each thread's accumulated cpu time from the kernel and
// appends a rolling usage fraction to that thread's series.
func (c *Coordinator) trackThreadUsage(ctx context.Context, pid int, profiler *sampler.Profiler, opts orbitsampler.Options) error {
	period := time.Duration(opts.SamplePeriodMs) * time.Millisecond
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	prevTicks := map[orbitsampler.ThreadID]uint64{}
	prevWall := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tids, err := c.inspector.ListThreads(pid)
			if err != nil {
				continue
			}
			wallDelta := now.Sub(prevWall).Seconds()
			prevWall = now
			for _, tid := range tids {
				ticks, ok := c.inspector.ThreadCPUTimeTicks(tid)
				if !ok {
					continue
				}
				if last, seen := prevTicks[tid]; seen && wallDelta > 0 {
					deltaSeconds := float64(ticks-last) / clockTicksHz
					profiler.AddUsageSample(tid, deltaSeconds/wallDelta)
				}
				prevTicks[tid] = ticks
			}
		}
	}
}

func (c *Coordinator) status() orbitsampler.StatusSink {
	if c.statusSink == nil {
		return discardStatus{}
	}
	return c.statusSink
}

type discardStatus struct{}

func (discardStatus) Info(string, string)  {}
func (discardStatus) Error(string, string) {}
func (discardStatus) Progress(string)      {}

func (c *Coordinator) fail(op string, err error) Result {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.log.Error(op, "kind", orbitsampler.KindOf(err), "err", err)
	c.status().Error(op, err.Error())
	return Result{State: StateIdle, Err: err}
}

// Stop disables every ring and probe, drains remaining events, runs
// Processing, and transitions to DoneProcessing.
func (c *Coordinator) Stop() Result {
	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		return Result{State: c.state, Err: orbitsampler.NewError("Stop", orbitsampler.ErrUnknown, nil, "not capturing")}
	}
	c.state = StateDraining
	profiler := c.profiler
	ringMgr := c.ringMgr
	tracerProbe := c.tracerProbe
	cancel := c.cancel
	group := c.group
	opts := c.opts
	c.mu.Unlock()

	// Disable event delivery first, then retire the readers. The profiler
	// stays in Sampling through the whole drain window so records still
	// sitting in the rings or the tracer's stdout are aggregated rather
	// than dropped by the post-Sampling no-op guards.
	ringMgr.DisableAll()
	if tracerProbe != nil {
		_ = tracerProbe.Stop(opts.TracerStopTimeout)
	}
	cancel()

	done := make(chan struct{})
	go func() { _ = group.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		// A reader overran the cancellation bound: closing the rings
		// unblocks any straggling poll by EOF.
		ringMgr.CloseAll()
		<-done
	}

	// Final synchronous pass over the rings, after every reader has
	// exited (so no Data_tail race): whatever the consumer goroutine had
	// not pulled before cancellation is handed to the profiler now.
	for _, r := range ringMgr.Rings() {
		recs, _ := r.Read()
		for _, rec := range recs {
			c.handleRingRecord(rec)
		}
	}

	profiler.BeginStop()
	ringMgr.CloseAll()

	c.mu.Lock()
	c.state = StateProcessing
	c.mu.Unlock()

	profiler.Process()
	threads, _ := profiler.Snapshot()

	c.mu.Lock()
	c.report.Threads = threads
	c.report.Health = profiler.Health()
	health := c.report.Health
	c.state = StateDone
	c.mu.Unlock()

	c.log.Info("capture processed", "threads", len(threads),
		"timerMismatches", health.TimerMismatches, "lost", health.LostRecords,
		"drops", health.Drops, "symbolMisses", health.SymbolMisses)
	if c.refreshSink != nil {
		c.refreshSink.OnDataChanged("capture")
	}
	return Result{State: StateDone}
}

// Snapshot returns the finished capture report. Callable only once Stop has
// completed processing.
func (c *Coordinator) Snapshot() (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDone {
		return nil, false
	}
	return c.report, true
}

// readKernelVersion reads the running kernel release via uname(2) and
// encodes it major<<16|minor<<8|patch, in the style of Linux's
// KERNEL_VERSION macro, for comparison against the uprobe cutoff.
func readKernelVersion() int {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0
	}
	release := cString(uts.Release[:])
	var major, minor, patch int
	fmt.Sscanf(release, "%d.%d.%d", &major, &minor, &patch)
	return major<<16 | minor<<8 | patch
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
