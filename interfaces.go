package orbitsampler

// SymbolProvider resolves modules and functions for a target process. It is
// shared by reference and treated as read-only during a capture; any
// asynchronous symbol loads the implementation performs must complete and
// publish atomically (double-buffered module symbol tables) since
// SamplingProfiler may call Resolve concurrently with a load in flight.
type SymbolProvider interface {
	// Modules returns the modules currently loaded into pid.
	Modules(pid int) ([]Module, error)
	// Functions returns the function table for a module, keyed by the
	// module's own address space.
	Functions(module Module) ([]Function, error)
	// Resolve maps a raw address to the function that contains it. A nil
	// result (with a nil error) means the address did not resolve; callers
	// must keep the address verbatim rather than treat this as fatal.
	Resolve(addr Address) (*Function, error)
	// LineInfo returns best-effort file/line information for addr.
	LineInfo(addr Address) (file string, line int, ok bool)
}

// TimerSink receives completed entry/exit timers as they are emitted by the
// sampling profiler. Implementations may be called concurrently from
// multiple probe consumers (the ring consumer and the tracer-subprocess
// reader) and must be safe for concurrent use.
type TimerSink interface {
	OnTimer(t Timer)
}

// TimerSinkFunc adapts a function to TimerSink.
type TimerSinkFunc func(Timer)

// OnTimer implements TimerSink.
func (f TimerSinkFunc) OnTimer(t Timer) { f(t) }

// StatusSink receives human-facing status notifications. Calls are
// main-thread-affine: the coordinator invokes them only from the goroutine
// that called Start or Stop, never from a reader goroutine.
type StatusSink interface {
	Info(title, msg string)
	Error(title, msg string)
	Progress(msg string)
}

// RefreshSink is notified when a capture's data has changed in a way a UI
// view should re-pull. Calls are main-thread-affine, like StatusSink.
type RefreshSink interface {
	OnDataChanged(viewKind string)
}
