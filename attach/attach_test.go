package attach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"orbitsampler"
)

// fakeLister simulates a process whose thread set changes across
// successive ListThreads calls: threads {A,B} at
// first enumeration, thread C spawned and A exited by the second.
type fakeLister struct {
	mu    sync.Mutex
	calls [][]orbitsampler.ThreadID
	idx   int
}

func (f *fakeLister) ListThreads(int) ([]orbitsampler.ThreadID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.calls) {
		return f.calls[len(f.calls)-1], nil
	}
	r := f.calls[f.idx]
	f.idx++
	return r, nil
}

type fakePtracer struct {
	mu       sync.Mutex
	attached map[int]bool
	detached map[int]bool
	gone     map[int]bool
}

func newFakePtracer(gone ...int) *fakePtracer {
	p := &fakePtracer{attached: map[int]bool{}, detached: map[int]bool{}, gone: map[int]bool{}}
	for _, tid := range gone {
		p.gone[tid] = true
	}
	return p
}

func (p *fakePtracer) Attach(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[tid] {
		return unix.ESRCH
	}
	p.attached[tid] = true
	return nil
}

func (p *fakePtracer) Detach(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[tid] {
		return unix.ESRCH
	}
	p.detached[tid] = true
	return nil
}

func (p *fakePtracer) Wait(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[tid] {
		return unix.ESRCH
	}
	return nil
}

func TestAttachFixedPointRace(t *testing.T) {
	// Pass 1: {A=1, B=2}. Pass 2 (and after): {B=2, C=3} -- A exited, C
	// spawned during the attach loop.
	lister := &fakeLister{calls: [][]orbitsampler.ThreadID{
		{1, 2},
		{2, 3},
		{2, 3},
	}}
	ptracer := newFakePtracer(1) // tid 1 (A) has already exited by the time we attach it
	ctrl := newForTest(lister, ptracer)

	stopped, err := ctrl.AttachAndStop(context.Background(), 99)
	require.NoError(t, err)

	got := map[orbitsampler.ThreadID]bool{}
	for _, tid := range stopped {
		got[tid] = true
	}
	assert.True(t, got[2], "B must be in the halted set")
	assert.True(t, got[3], "C must be in the halted set")
	assert.False(t, got[1], "A disappeared and must not be in the halted set")

	// Detach tolerates A's absence.
	err = ctrl.DetachAndResume(stopped)
	assert.NoError(t, err)
}

func TestAttachPermissionDeniedAbortsAndResumes(t *testing.T) {
	lister := &fakeLister{calls: [][]orbitsampler.ThreadID{{1, 2}}}
	ptracer := newFakePtracer()
	failing := &failOnTid{Ptracer: ptracer, failTid: 2}
	ctrl := newForTest(lister, failing)

	_, err := ctrl.AttachAndStop(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, orbitsampler.ErrPermissionDenied, orbitsampler.KindOf(err))
	assert.True(t, ptracer.detached[1], "tid 1 was stopped before the failure and must be resumed")
}

type failOnTid struct {
	Ptracer
	failTid int
}

func (f *failOnTid) Attach(tid int) error {
	if tid == f.failTid {
		return errors.New("operation not permitted")
	}
	return f.Ptracer.Attach(tid)
}

func TestAttachTimeout(t *testing.T) {
	lister := &fakeLister{calls: [][]orbitsampler.ThreadID{{1}}}
	ptracer := &blockingWaitPtracer{}
	ctrl := newForTest(lister, ptracer).WithTimeout(10 * time.Millisecond)

	_, err := ctrl.AttachAndStop(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, orbitsampler.ErrPermissionDenied, orbitsampler.KindOf(err))
}

type blockingWaitPtracer struct{}

func (blockingWaitPtracer) Attach(int) error { return nil }
func (blockingWaitPtracer) Detach(int) error { return nil }
func (blockingWaitPtracer) Wait(int) error {
	time.Sleep(time.Hour)
	return nil
}
