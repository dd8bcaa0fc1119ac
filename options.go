package orbitsampler

import "time"

// ProbeMode selects how ProbeInstaller instruments the selected-function
// set.
type ProbeMode int

const (
	// ProbeModeAuto selects ProbeModeKernel when the running kernel is
	// >= 4.17, otherwise falls back to ProbeModeTracer.
	ProbeModeAuto ProbeMode = iota
	// ProbeModeKernel attaches uprobes directly through perf_event_open.
	ProbeModeKernel
	// ProbeModeTracer shells out to a bpftrace-style tracer subprocess.
	ProbeModeTracer
)

func (m ProbeMode) String() string {
	switch m {
	case ProbeModeKernel:
		return "kernel"
	case ProbeModeTracer:
		return "tracer"
	default:
		return "auto"
	}
}

// uprobeKernelCutoff is the kernel version (major<<16|minor<<8|patch, in the
// style of Linux's KERNEL_VERSION macro) at or above which kernel-uprobe
// mode is selected by ProbeModeAuto.
const uprobeKernelCutoff = 4<<16 | 17<<8

// Options configures a capture. Every field has a spec-mandated default;
// use the With* functional options to override individual fields on top of
// DefaultOptions().
type Options struct {
	SamplePeriodMs    int
	GenerateSummary   bool
	CollectUserStacks bool
	ContextSwitches   bool
	FindFileAndLine   bool
	ProbeMode         ProbeMode
	ScriptBasePath    string
	AttachTimeout     time.Duration
	RingPollTimeout   time.Duration
	TracerStopTimeout time.Duration
}

// DefaultOptions returns the default capture options.
func DefaultOptions() Options {
	return Options{
		SamplePeriodMs:    1,
		GenerateSummary:   true,
		CollectUserStacks: true,
		ContextSwitches:   true,
		FindFileAndLine:   true,
		ProbeMode:         ProbeModeAuto,
		ScriptBasePath:    "orbit.bt",
		AttachTimeout:     1000 * time.Millisecond,
		RingPollTimeout:   100 * time.Millisecond,
		TracerStopTimeout: 2000 * time.Millisecond,
	}
}

// Option mutates an Options value.
type Option func(*Options)

// WithSamplePeriod overrides SamplePeriodMs.
func WithSamplePeriod(ms int) Option {
	return func(o *Options) { o.SamplePeriodMs = ms }
}

// WithGenerateSummary overrides GenerateSummary.
func WithGenerateSummary(v bool) Option {
	return func(o *Options) { o.GenerateSummary = v }
}

// WithCollectUserStacks overrides CollectUserStacks.
func WithCollectUserStacks(v bool) Option {
	return func(o *Options) { o.CollectUserStacks = v }
}

// WithContextSwitches overrides ContextSwitches.
func WithContextSwitches(v bool) Option {
	return func(o *Options) { o.ContextSwitches = v }
}

// WithFindFileAndLine overrides FindFileAndLine.
func WithFindFileAndLine(v bool) Option {
	return func(o *Options) { o.FindFileAndLine = v }
}

// WithProbeMode overrides ProbeMode.
func WithProbeMode(m ProbeMode) Option {
	return func(o *Options) { o.ProbeMode = m }
}

// WithScriptBasePath overrides ScriptBasePath, the path the tracer-mode
// probe script is written to.
func WithScriptBasePath(path string) Option {
	return func(o *Options) { o.ScriptBasePath = path }
}

// NewOptions returns DefaultOptions with opts applied in order.
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ResolveProbeMode turns ProbeModeAuto into a concrete mode given the
// running kernel version, encoded as major<<16|minor<<8|patch. Exported
// for callers outside this package (the capture coordinator) that need to
// resolve the mode ahead of installing probes.
func ResolveProbeMode(mode ProbeMode, kernelVersion int) ProbeMode {
	if mode != ProbeModeAuto {
		return mode
	}
	if kernelVersion >= uprobeKernelCutoff {
		return ProbeModeKernel
	}
	return ProbeModeTracer
}
