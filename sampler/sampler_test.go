package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitsampler"
)

type recordingSink struct {
	timers []orbitsampler.Timer
}

func (s *recordingSink) OnTimer(t orbitsampler.Timer) { s.timers = append(s.timers, t) }

// TestSingleFunctionSingleThread: two clean b/e pairs for the same
// (tid, addr), no samples.
func TestSingleFunctionSingleThread(t *testing.T) {
	sink := &recordingSink{}
	p := New(nil, sink, false)
	p.Begin()

	p.AddProbeBegin(4242, 0xDEAD, 1000)
	p.AddProbeEnd(4242, 0xDEAD, 1500)
	p.AddProbeBegin(4242, 0xDEAD, 2000)
	p.AddProbeEnd(4242, 0xDEAD, 2100)

	require.Len(t, sink.timers, 2)
	assert.Equal(t, orbitsampler.Timer{ThreadID: 4242, FunctionAddress: 0xDEAD, TStartNs: 1000, TEndNs: 1500, Depth: 0}, sink.timers[0])
	assert.Equal(t, orbitsampler.Timer{ThreadID: 4242, FunctionAddress: 0xDEAD, TStartNs: 2000, TEndNs: 2100, Depth: 0}, sink.timers[1])
	assert.Zero(t, p.Health().TimerMismatches)

	p.BeginStop()
	p.Process()
	reports, ok := p.Snapshot()
	require.True(t, ok)
	data := reports[4242]
	require.NotNil(t, data)
	assert.Zero(t, data.TotalSamples)
	assert.EqualValues(t, 2, data.TimerCount[0xDEAD])
}

// TestNestedRecursion: b A / b B / b A / e A / e B / e A, expecting
// depths 0,1,2 and strict LIFO popping.
func TestNestedRecursion(t *testing.T) {
	sink := &recordingSink{}
	p := New(nil, sink, false)
	p.Begin()

	const A, B orbitsampler.Address = 0xA, 0xB
	p.AddProbeBegin(1, A, 10)
	p.AddProbeBegin(1, B, 20)
	p.AddProbeBegin(1, A, 30)
	p.AddProbeEnd(1, A, 40)
	p.AddProbeEnd(1, B, 50)
	p.AddProbeEnd(1, A, 60)

	require.Len(t, sink.timers, 3)
	// Innermost A (depth 2) closes first.
	assert.Equal(t, 2, sink.timers[0].Depth)
	assert.Equal(t, A, sink.timers[0].FunctionAddress)
	assert.Equal(t, int64(30), sink.timers[0].TStartNs)
	assert.Equal(t, int64(40), sink.timers[0].TEndNs)

	assert.Equal(t, 1, sink.timers[1].Depth)
	assert.Equal(t, B, sink.timers[1].FunctionAddress)

	assert.Equal(t, 0, sink.timers[2].Depth)
	assert.Equal(t, A, sink.timers[2].FunctionAddress)
	assert.Equal(t, int64(10), sink.timers[2].TStartNs)
	assert.Equal(t, int64(60), sink.timers[2].TEndNs)
}

// TestMismatchedExit: a lone "e" with no matching open timer must be
// dropped and counted, with no timer emitted.
func TestMismatchedExit(t *testing.T) {
	sink := &recordingSink{}
	p := New(nil, sink, false)
	p.Begin()

	p.AddProbeEnd(1, 0xBEEF, 100)

	assert.Empty(t, sink.timers)
	assert.EqualValues(t, 1, p.Health().TimerMismatches)
	assert.Equal(t, Sampling, p.State())
}

type fakeResolver struct{}

func (fakeResolver) Modules(pid int) ([]orbitsampler.Module, error) { return nil, nil }
func (fakeResolver) Functions(m orbitsampler.Module) ([]orbitsampler.Function, error) {
	return nil, nil
}
func (fakeResolver) Resolve(addr orbitsampler.Address) (*orbitsampler.Function, error) {
	// Map anything in [0x100,0x200) to function 0x100, and [0x200,0x300) to
	// 0x200 -- used to test inclusive-count dedup across recursive frames.
	switch {
	case addr >= 0x100 && addr < 0x200:
		f := orbitsampler.Function{ModuleRelativeAddress: 0x100}
		return &f, nil
	case addr >= 0x200 && addr < 0x300:
		f := orbitsampler.Function{ModuleRelativeAddress: 0x200}
		return &f, nil
	default:
		f := orbitsampler.Function{ModuleRelativeAddress: addr}
		return &f, nil
	}
}
func (fakeResolver) LineInfo(addr orbitsampler.Address) (string, int, bool) { return "", 0, false }

// TestProcessingExclusiveInclusiveInvariant: exclusive counts sum to
// the thread total, and inclusive(f) >= exclusive(f).
func TestProcessingExclusiveInclusiveInvariant(t *testing.T) {
	p := New(fakeResolver{}, nil, false)
	p.Begin()

	// Two samples: a recursive stack [leaf=0x105 [->0x100], 0x105 again
	// [->0x100], 0x210 [->0x200]] and a plain [0x105, 0x210]:
	// inclusive(0x100) must count once per sample despite two frames of
	// the first stack mapping to it.
	p.AddCallStack(7, 1, orbitsampler.CallStack{0x105, 0x105, 0x210})
	p.AddCallStack(7, 2, orbitsampler.CallStack{0x105, 0x210})

	p.BeginStop()
	p.Process()
	reports, ok := p.Snapshot()
	require.True(t, ok)
	data := reports[7]
	require.NotNil(t, data)

	assert.EqualValues(t, 2, data.TotalSamples)

	var exclusiveSum uint64
	for _, c := range data.ExclusiveCount {
		exclusiveSum += c
	}
	assert.Equal(t, data.TotalSamples, exclusiveSum)

	for addr, incl := range data.InclusiveCount {
		assert.GreaterOrEqual(t, incl, data.ExclusiveCount[addr])
	}
	// 0x100 appears twice in the first stack but counts once per sample.
	assert.EqualValues(t, 2, data.InclusiveCount[0x100])
}

// TestProcessingIdempotent: running Process twice without new input
// yields identical reports.
func TestProcessingIdempotent(t *testing.T) {
	p := New(fakeResolver{}, nil, true)
	p.Begin()
	p.AddCallStack(1, 1, orbitsampler.CallStack{0x105, 0x210})
	p.AddProbeBegin(1, 0x105, 5)
	p.AddProbeEnd(1, 0x105, 9)
	p.BeginStop()

	p.Process()
	first, ok := p.Snapshot()
	require.True(t, ok)

	p.Process()
	second, ok := p.Snapshot()
	require.True(t, ok)

	require.Equal(t, len(first), len(second))
	for tid, d1 := range first {
		d2 := second[tid]
		require.NotNil(t, d2)
		assert.Equal(t, d1.Report, d2.Report)
		assert.Equal(t, d1.TotalSamples, d2.TotalSamples)
	}
}

func TestAddCallStackNoopOutsideSampling(t *testing.T) {
	p := New(fakeResolver{}, nil, false)
	// Still Idle: AddCallStack must be a no-op.
	p.AddCallStack(1, 1, orbitsampler.CallStack{0x100})
	p.Begin()
	p.BeginStop()
	p.Process()
	reports, ok := p.Snapshot()
	require.True(t, ok)
	assert.Empty(t, reports)
}
