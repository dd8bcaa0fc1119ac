// Package probe installs and removes entry/return instrumentation on
// selected functions, in one of two modes: kernel uprobes delivered
// through perf_event_open (ProbeModeKernel), or a tracer subprocess that
// emits "b"/"e" text lines on stdout (ProbeModeTracer), for kernels too
// old to support perf uprobes.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"orbitsampler"
)

// SelectedFunction names a function to instrument: its module's absolute
// path, its module-relative address (used for offset computation), and
// the probe specifier bpftrace/perf understands (module:function or
// module:offset).
type SelectedFunction struct {
	ModulePath     string
	ModuleOffset   uint64
	ProbeSpecifier string
	Address        orbitsampler.Address
}

// Event is one entry or return crossing reported by either probe mode.
type Event struct {
	Begin    bool
	Address  orbitsampler.Address
	ThreadID orbitsampler.ThreadID
	TimeNs   int64
}

// uprobeTypePath is where the kernel publishes the uprobe PMU's dynamic
// perf_event_attr.type, resolved at runtime rather than hardcoded since
// the assigned value differs across kernels.
const uprobeTypePath = "/sys/bus/event_source/devices/uprobe/type"

// ReadUprobePMUType reads the dynamically assigned PMU type for uprobes.
// Returns ErrKernelUnsupported if the uprobe PMU is not registered (too
// old a kernel, or uprobe_events tracefs not mounted).
func ReadUprobePMUType() (uint32, error) {
	data, err := os.ReadFile(uprobeTypePath)
	if err != nil {
		return 0, orbitsampler.NewError("ReadUprobePMUType", orbitsampler.ErrKernelUnsupported, err, "read %s", uprobeTypePath)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, orbitsampler.NewError("ReadUprobePMUType", orbitsampler.ErrKernelUnsupported, err, "parse %s", uprobeTypePath)
	}
	return uint32(n), nil
}

// KernelInstaller resolves the uprobe PMU type that perfring.Manager
// needs to open real entry/return uprobe rings through
// Manager.OpenProbeRing. Kernel-uprobe mode attaches via perf_event_open
// directly, so the fds/rings themselves are owned by perfring.Manager
// alongside every other ring, not by this type.
type KernelInstaller struct {
	PMUType uint32
}

// NewKernelInstaller resolves the uprobe PMU type once, up front, so the
// coordinator can pass it to every Manager.OpenProbeRing call for this
// capture.
func NewKernelInstaller() (*KernelInstaller, error) {
	t, err := ReadUprobePMUType()
	if err != nil {
		return nil, err
	}
	return &KernelInstaller{PMUType: t}, nil
}

// TracerInstaller drives a bpftrace subprocess emitting "b"/"e" lines for
// every selected function, per BpfTrace.cpp's WriteBpfScript/
// CommandCallback. Used as the ProbeModeTracer fallback on kernels
// without perf uprobe support.
type TracerInstaller struct {
	scriptPath string
	cmd        *exec.Cmd
	done       chan struct{}
}

// NewTracerInstaller writes a bpftrace script for fns at scriptPath. The
// coordinator passes Options.ScriptBasePath unchanged, with no
// capture-instance id added, so captures sharing a base path write the
// same file.
func NewTracerInstaller(scriptPath string, fns []SelectedFunction) (*TracerInstaller, error) {
	if err := writeScript(scriptPath, fns); err != nil {
		return nil, err
	}
	return &TracerInstaller{scriptPath: scriptPath, done: make(chan struct{})}, nil
}

func writeScript(path string, fns []SelectedFunction) error {
	var b strings.Builder
	for _, fn := range fns {
		fmt.Fprintf(&b, "uprobe:%s { printf(\"b %d %%u %%lld\\n\", tid, nsecs); }\n", fn.ProbeSpecifier, fn.Address)
		fmt.Fprintf(&b, "uretprobe:%s { printf(\"e %d %%u %%lld\\n\", tid, nsecs); }\n", fn.ProbeSpecifier, fn.Address)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return orbitsampler.NewError("writeScript", orbitsampler.ErrUnknown, err, "write %s", path)
	}
	return nil
}

// Start launches bpftrace against the generated script and streams parsed
// Events to onEvent until ctx is cancelled or the subprocess exits.
func (t *TracerInstaller) Start(ctx context.Context, onEvent func(Event)) error {
	defer close(t.done)
	t.cmd = exec.CommandContext(ctx, "bpftrace", t.scriptPath)
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return orbitsampler.NewError("Start", orbitsampler.ErrTracerFailed, err, "stdout pipe")
	}
	if err := t.cmd.Start(); err != nil {
		return orbitsampler.NewError("Start", orbitsampler.ErrTracerFailed, err, "start bpftrace")
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		ev, ok := t.parseLine(scanner.Text())
		if ok {
			onEvent(ev)
		}
	}
	return nil
}

// Stop terminates the bpftrace subprocess: SIGTERM first, escalating to
// SIGKILL if the reader has not drained within timeout.
func (t *TracerInstaller) Stop(timeout time.Duration) error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return t.cmd.Process.Kill()
	}
}

// parseLine tokenizes one bpftrace output line: "<b|e> <addr> <tid>
// <nsecs>", mirroring BpfTrace::CommandCallback's Tokenize/atoi/stoull
// sequence.
func (t *TracerInstaller) parseLine(line string) (Event, bool) {
	tokens := strings.Fields(line)
	if len(tokens) != 4 {
		return Event{}, false
	}
	mode, addrTok, tidTok, nsTok := tokens[0], tokens[1], tokens[2], tokens[3]
	if mode != "b" && mode != "e" {
		return Event{}, false
	}
	addr, err := strconv.ParseUint(addrTok, 10, 64)
	if err != nil {
		return Event{}, false
	}
	tid, err := strconv.Atoi(tidTok)
	if err != nil {
		return Event{}, false
	}
	ns, err := strconv.ParseInt(nsTok, 10, 64)
	if err != nil {
		return Event{}, false
	}
	return Event{
		Begin:    mode == "b",
		Address:  orbitsampler.Address(addr),
		ThreadID: orbitsampler.ThreadID(tid),
		TimeNs:   ns,
	}, true
}
