package orbitsampler

import (
	"errors"
	"fmt"
)

// ErrorKind tags the taxonomy of failures a capture can encounter. Most
// kinds are recoverable locally; see ErrorKind.Fatal for which ones
// abort a capture outright.
type ErrorKind int

const (
	// ErrUnknown is the zero value. It tags failures outside the taxonomy
	// below (e.g. Start on a busy coordinator) and is what KindOf reports
	// for an error that carries no CaptureError.
	ErrUnknown ErrorKind = iota
	// ErrProcessGone means the target vanished mid-operation.
	ErrProcessGone
	// ErrPermissionDenied means the caller lacks ptrace/perf capability.
	ErrPermissionDenied
	// ErrKernelUnsupported means a required kernel feature is unavailable.
	ErrKernelUnsupported
	// ErrResourceExhausted means an open-file or memory ceiling was hit.
	ErrResourceExhausted
	// ErrTracerFailed means the probe subprocess exited non-zero or emitted
	// unparsable output.
	ErrTracerFailed
	// ErrSymbolMiss means an address did not resolve to a function.
	ErrSymbolMiss
	// ErrTimerMismatch means an 'e' token arrived without a matching 'b'.
	ErrTimerMismatch
	// ErrDrop means a queue overrun or a kernel LOST record was observed.
	ErrDrop
)

func (k ErrorKind) String() string {
	switch k {
	case ErrProcessGone:
		return "ProcessGone"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrKernelUnsupported:
		return "KernelUnsupported"
	case ErrResourceExhausted:
		return "ResourceExhausted"
	case ErrTracerFailed:
		return "TracerFailed"
	case ErrSymbolMiss:
		return "SymbolMiss"
	case ErrTimerMismatch:
		return "TimerMismatch"
	case ErrDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error of this kind aborts the capture that
// raised it, per the propagation policy in the capture pipeline's design:
// only ProcessGone (during start), PermissionDenied, and an unrecovered
// ResourceExhausted are fatal. Every other kind is counted and surfaced in
// the report's health block.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrProcessGone, ErrPermissionDenied, ErrResourceExhausted:
		return true
	default:
		return false
	}
}

// CaptureError is the single error type propagated from every operation in
// this module. It carries a Kind from the taxonomy above plus an optional
// wrapped cause.
type CaptureError struct {
	Kind    ErrorKind
	Op      string
	Cause   error
	Message string
}

func (e *CaptureError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *CaptureError) Unwrap() error { return e.Cause }

// NewError builds a CaptureError, wrapping cause if non-nil.
func NewError(op string, kind ErrorKind, cause error, format string, args ...any) *CaptureError {
	return &CaptureError{
		Op:      op,
		Kind:    kind,
		Cause:   cause,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf extracts the ErrorKind of err, walking the wrap chain. Returns
// ErrUnknown if err is nil or carries no CaptureError.
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}
