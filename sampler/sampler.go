// Package sampler merges the sample stream (raw call stacks from the
// ring buffers) with the probe stream (entry/exit timers), and reduces
// both into per-thread reports once capture stops.
package sampler

import (
	"sync"

	"orbitsampler"
	"orbitsampler/callstack"
)

// State is one state of the SamplingProfiler state machine.
type State int

const (
	Idle State = iota
	Sampling
	PendingStop
	Processing
	DoneProcessing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sampling:
		return "Sampling"
	case PendingStop:
		return "PendingStop"
	case Processing:
		return "Processing"
	case DoneProcessing:
		return "DoneProcessing"
	default:
		return "Unknown"
	}
}

// threadState is the per-thread mutable state during Sampling: an open
// timer stack (one writer, the probe consumer for that tid) and the
// buffered sample events (one writer, the sample consumer for that tid).
type threadState struct {
	timers     []orbitsampler.Timer
	events     []orbitsampler.CallstackEvent
	usage      []float64
	timerCount map[orbitsampler.Address]uint64
}

// Profiler implements the SamplingProfiler component. Every exported
// method is safe to call from its documented producer (one sample
// consumer, one probe consumer, and the coordinator for state
// transitions); it is not a general-purpose concurrent map.
type Profiler struct {
	mu       sync.Mutex
	state    State
	interner *callstack.Interner
	resolve  orbitsampler.SymbolProvider
	sink     orbitsampler.TimerSink

	byTid map[orbitsampler.ThreadID]*threadState

	generateSummary bool

	health orbitsampler.HealthCounters

	results map[orbitsampler.ThreadID]*orbitsampler.ThreadSampleData
}

// New returns a Profiler in the Idle state.
func New(resolve orbitsampler.SymbolProvider, sink orbitsampler.TimerSink, generateSummary bool) *Profiler {
	return &Profiler{
		state:           Idle,
		interner:        callstack.New(),
		resolve:         resolve,
		sink:            sink,
		byTid:           map[orbitsampler.ThreadID]*threadState{},
		generateSummary: generateSummary,
	}
}

// Begin transitions Idle -> Sampling.
func (p *Profiler) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Sampling
}

// State returns the current state.
func (p *Profiler) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Profiler) thread(tid orbitsampler.ThreadID) *threadState {
	t, ok := p.byTid[tid]
	if !ok {
		t = &threadState{}
		p.byTid[tid] = t
	}
	return t
}

// AddCallStack interns rawStack and buffers a CallstackEvent for tid. A
// no-op in any state other than Sampling.
func (p *Profiler) AddCallStack(tid orbitsampler.ThreadID, timeNs int64, rawStack orbitsampler.CallStack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Sampling {
		return
	}
	id := p.interner.Intern(rawStack)
	t := p.thread(tid)
	t.events = append(t.events, orbitsampler.CallstackEvent{TimeNs: timeNs, CallstackID: id, ThreadID: tid})
}

// AddProbeBegin pushes a new open Timer for (tid, addr), depth set to the
// number of timers currently open on tid. A no-op outside Sampling.
func (p *Profiler) AddProbeBegin(tid orbitsampler.ThreadID, addr orbitsampler.Address, timeNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Sampling {
		return
	}
	t := p.thread(tid)
	t.timers = append(t.timers, orbitsampler.Timer{
		ThreadID:        tid,
		FunctionAddress: addr,
		TStartNs:        timeNs,
		Depth:           len(t.timers),
	})
}

// AddProbeEnd closes the most recently opened timer on tid if it matches
// addr, emitting it to the TimerSink. If the stack is empty or the top
// timer's function does not match, the event is dropped and the
// TimerMismatch counter is incremented; the state machine is otherwise
// unaffected. A no-op outside Sampling.
func (p *Profiler) AddProbeEnd(tid orbitsampler.ThreadID, addr orbitsampler.Address, timeNs int64) {
	p.mu.Lock()
	if p.state != Sampling {
		p.mu.Unlock()
		return
	}
	t := p.thread(tid)
	n := len(t.timers)
	if n == 0 || t.timers[n-1].FunctionAddress != addr {
		p.health.TimerMismatches++
		p.mu.Unlock()
		return
	}
	timer := t.timers[n-1]
	t.timers = t.timers[:n-1]
	timer.TEndNs = timeNs
	if t.timerCount == nil {
		t.timerCount = map[orbitsampler.Address]uint64{}
	}
	t.timerCount[addr]++
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.OnTimer(timer)
	}
}

// AddUsageSample records one rolling-fraction thread-usage observation,
// taken by the coordinator every period_ms during Sampling.
func (p *Profiler) AddUsageSample(tid orbitsampler.ThreadID, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Sampling {
		return
	}
	t := p.thread(tid)
	t.usage = append(t.usage, fraction)
}

// RecordDrop increments the queue-overrun drop counter, one total shared
// by all streams.
func (p *Profiler) RecordDrop(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.Drops += n
}

// RecordLost increments the kernel LOST-record counter.
func (p *Profiler) RecordLost(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.LostRecords += n
}

// RecordTracerFailure increments the tracer-subprocess failure counter.
func (p *Profiler) RecordTracerFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.TracerFailures++
}

// BeginStop transitions Sampling -> PendingStop. Unclosed timers on any
// thread are discarded (capture-end truncation), not escalated.
func (p *Profiler) BeginStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PendingStop
	for _, t := range p.byTid {
		t.timers = nil
	}
}

// DiscardThread drops tid's still-open timers without emitting them,
// the same truncation BeginStop applies to every thread at capture end,
// but scoped to a single thread that exited mid-capture (an EXIT ring
// record). Already-closed timers counted in timerCount are unaffected.
// A no-op outside Sampling.
func (p *Profiler) DiscardThread(tid orbitsampler.ThreadID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Sampling {
		return
	}
	if t, ok := p.byTid[tid]; ok {
		t.timers = nil
	}
}

// Process runs the Processing step: resolves every buffered
// CallstackEvent, credits exclusive/inclusive counts, and builds the
// sorted per-thread report. It is idempotent: calling it twice without
// any AddCallStack in between produces byte-identical results, since it
// only reads byTid and the interner (both frozen by the time Processing
// runs) and overwrites p.results from scratch each time.
func (p *Profiler) Process() {
	p.mu.Lock()
	p.state = Processing
	p.interner.Freeze()

	results := make(map[orbitsampler.ThreadID]*orbitsampler.ThreadSampleData, len(p.byTid))
	union := &orbitsampler.ThreadSampleData{
		ThreadID:       orbitsampler.SummaryThreadID,
		CallstackCount: map[orbitsampler.CallstackID]uint64{},
		InclusiveCount: map[orbitsampler.Address]uint64{},
		ExclusiveCount: map[orbitsampler.Address]uint64{},
		TimerCount:     map[orbitsampler.Address]uint64{},
	}

	for tid, ts := range p.byTid {
		data := &orbitsampler.ThreadSampleData{
			ThreadID:       tid,
			CallstackCount: map[orbitsampler.CallstackID]uint64{},
			InclusiveCount: map[orbitsampler.Address]uint64{},
			ExclusiveCount: map[orbitsampler.Address]uint64{},
			TimerCount:     map[orbitsampler.Address]uint64{},
		}

		for _, ev := range ts.events {
			data.TotalSamples++
			union.TotalSamples++
			data.CallstackCount[ev.CallstackID]++
			union.CallstackCount[ev.CallstackID]++

			resolvedID := p.interner.Resolve(ev.CallstackID, p.resolveFunc)
			stack, _ := p.interner.Raw(resolvedID)
			if len(stack) == 0 {
				continue
			}

			leaf := stack[0]
			data.ExclusiveCount[leaf]++
			union.ExclusiveCount[leaf]++

			seen := map[orbitsampler.Address]bool{}
			for _, addr := range stack {
				if seen[addr] {
					continue
				}
				seen[addr] = true
				data.InclusiveCount[addr]++
				union.InclusiveCount[addr]++
			}
		}

		for addr, n := range ts.timerCount {
			data.TimerCount[addr] += n
			union.TimerCount[addr] += n
		}

		data.ThreadUsage = append([]float64(nil), ts.usage...)
		data.AverageThreadUsage = mean(ts.usage)
		data.BuildReport(p.resolveForReport)
		results[tid] = data
	}

	if p.generateSummary {
		union.BuildReport(p.resolveForReport)
		results[orbitsampler.SummaryThreadID] = union
	}

	p.results = results
	p.state = DoneProcessing
	p.mu.Unlock()
}

// resolveFunc is the counting resolver used while resolving raw stacks:
// every miss increments the SymbolMisses health counter exactly once,
// since the interner memoizes the outcome per raw stack.
func (p *Profiler) resolveFunc(addr orbitsampler.Address) (orbitsampler.Function, bool) {
	fn, ok := p.lookup(addr)
	if !ok {
		p.health.SymbolMisses++
	}
	return fn, ok
}

// resolveForReport is the non-counting resolver used by BuildReport, which
// re-runs on every Process call; counting here would make reprocessing
// inflate the miss counter.
func (p *Profiler) resolveForReport(addr orbitsampler.Address) orbitsampler.Function {
	fn, ok := p.lookup(addr)
	if !ok {
		return orbitsampler.Function{ModuleRelativeAddress: addr}
	}
	return fn
}

func (p *Profiler) lookup(addr orbitsampler.Address) (orbitsampler.Function, bool) {
	if p.resolve == nil {
		return orbitsampler.Function{}, false
	}
	fn, err := p.resolve.Resolve(addr)
	if err != nil || fn == nil {
		return orbitsampler.Function{}, false
	}
	return *fn, true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Snapshot returns the per-thread reports. Callable only once Process has
// run (state DoneProcessing); returns nil, false otherwise.
func (p *Profiler) Snapshot() (map[orbitsampler.ThreadID]*orbitsampler.ThreadSampleData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != DoneProcessing {
		return nil, false
	}
	return p.results, true
}

// Health returns a copy of the accumulated non-fatal error counters.
func (p *Profiler) Health() orbitsampler.HealthCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}
