// Package attach stops and resumes every thread of a target process
// atomically enough that no probe install races a fork, tolerating
// threads that appear mid-attach or vanish mid-detach.
package attach

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"orbitsampler"
)

// ThreadLister enumerates the threads of a pid. procinspect.Inspector
// satisfies this; tests supply a fake.
type ThreadLister interface {
	ListThreads(pid int) ([]orbitsampler.ThreadID, error)
}

// Ptracer is the subset of ptrace operations AttachController needs,
// seamed out for testing without real kernel privileges.
type Ptracer interface {
	Attach(tid int) error
	Detach(tid int) error
	Wait(tid int) error
}

// unixPtracer implements Ptracer against the real kernel via
// golang.org/x/sys/unix.
type unixPtracer struct{}

func (unixPtracer) Attach(tid int) error { return unix.PtraceAttach(tid) }
func (unixPtracer) Detach(tid int) error { return unix.PtraceDetach(tid) }
func (unixPtracer) Wait(tid int) error {
	var ws unix.WaitStatus
	_, err := unix.Wait4(tid, &ws, 0, nil)
	return err
}

// Controller stops and resumes every thread of a target process.
type Controller struct {
	lister  ThreadLister
	ptrace  Ptracer
	timeout time.Duration
}

// New returns a Controller using the real kernel ptrace/proc interfaces.
func New(lister ThreadLister) *Controller {
	return &Controller{lister: lister, ptrace: unixPtracer{}, timeout: 1000 * time.Millisecond}
}

// newForTest builds a Controller over a fake Ptracer, used by tests that
// cannot actually ptrace a process.
func newForTest(lister ThreadLister, ptracer Ptracer) *Controller {
	return &Controller{lister: lister, ptrace: ptracer, timeout: 1000 * time.Millisecond}
}

// WithTimeout overrides the per-thread attach timeout (default 1000ms).
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	c.timeout = d
	return c
}

// AttachAndStop leaves every thread of pid in a ptrace-stopped state. It
// repeats full enumerate-and-attach passes until one pass finds zero new
// tids, since the target may spawn threads while being stopped. Any
// non-disappearance error on any thread aborts the whole attach; any
// thread already stopped by this call is resumed before returning the
// error.
func (c *Controller) AttachAndStop(ctx context.Context, pid int) (stopped []orbitsampler.ThreadID, err error) {
	done := make(map[orbitsampler.ThreadID]bool)
	for {
		tids, lerr := c.lister.ListThreads(pid)
		if lerr != nil {
			c.resumeAll(done)
			return nil, orbitsampler.NewError("AttachAndStop", orbitsampler.ErrProcessGone, lerr, "list threads of %d", pid)
		}

		newFound := false
		for _, tid := range tids {
			if done[tid] {
				continue
			}
			newFound = true
			if aerr := c.attachOne(ctx, tid); aerr != nil {
				if orbitsampler.KindOf(aerr) == orbitsampler.ErrProcessGone {
					// Thread disappeared before or during attach: not an
					// error, simply not part of the halted set.
					continue
				}
				c.resumeAll(done)
				return nil, aerr
			}
			done[tid] = true
		}

		if !newFound {
			break
		}
	}

	stopped = make([]orbitsampler.ThreadID, 0, len(done))
	for tid := range done {
		stopped = append(stopped, tid)
	}
	return stopped, nil
}

func (c *Controller) attachOne(ctx context.Context, tid orbitsampler.ThreadID) error {
	deadline := time.Now().Add(c.timeout)
	err := c.ptrace.Attach(int(tid))
	if err != nil {
		if threadGone(err) {
			return orbitsampler.NewError("attach", orbitsampler.ErrProcessGone, err, "tid %d gone", tid)
		}
		return orbitsampler.NewError("attach", orbitsampler.ErrPermissionDenied, err, "ptrace attach tid %d", tid)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.ptrace.Wait(int(tid)) }()

	select {
	case err := <-waitErr:
		if err != nil {
			if threadGone(err) {
				return orbitsampler.NewError("attach", orbitsampler.ErrProcessGone, err, "tid %d gone while waiting", tid)
			}
			return orbitsampler.NewError("attach", orbitsampler.ErrPermissionDenied, err, "waitpid tid %d", tid)
		}
		return nil
	case <-ctx.Done():
		return orbitsampler.NewError("attach", orbitsampler.ErrPermissionDenied, ctx.Err(), "tid %d attach cancelled", tid)
	case <-time.After(time.Until(deadline)):
		return orbitsampler.NewError("attach", orbitsampler.ErrPermissionDenied, nil, "tid %d attach stop timed out after %s", tid, c.timeout)
	}
}

// DetachAndResume inverts AttachAndStop: every tid is detached (which also
// resumes it). Tolerates tids that have already exited.
func (c *Controller) DetachAndResume(tids []orbitsampler.ThreadID) error {
	var firstErr error
	for _, tid := range tids {
		if err := c.ptrace.Detach(int(tid)); err != nil && !threadGone(err) && firstErr == nil {
			firstErr = orbitsampler.NewError("DetachAndResume", orbitsampler.ErrPermissionDenied, err, "detach tid %d", tid)
		}
	}
	return firstErr
}

func (c *Controller) resumeAll(done map[orbitsampler.ThreadID]bool) {
	tids := make([]orbitsampler.ThreadID, 0, len(done))
	for tid := range done {
		tids = append(tids, tid)
	}
	_ = c.DetachAndResume(tids)
}

// threadGone reports whether err indicates the thread simply no longer
// exists (ESRCH), which AttachAndStop/DetachAndResume treat as success
// rather than failure.
func threadGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
