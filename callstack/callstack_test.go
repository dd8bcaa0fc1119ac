package callstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitsampler"
)

func TestInternDeterministic(t *testing.T) {
	in := New()
	a := orbitsampler.CallStack{0x1000, 0x2000, 0x3000}
	b := orbitsampler.CallStack{0x1000, 0x2000, 0x3000}
	c := orbitsampler.CallStack{0x3000, 0x2000, 0x1000} // reversed: must differ

	idA := in.Intern(a)
	idB := in.Intern(b)
	idC := in.Intern(c)

	assert.Equal(t, idA, idB, "identical stacks intern to the same ID")
	assert.NotEqual(t, idA, idC, "order matters")
	assert.Equal(t, 2, in.Count())
}

// TestInternConcurrentSameStack: many goroutines interning the same
// stack concurrently must all observe one ID and one stored raw stack.
func TestInternConcurrentSameStack(t *testing.T) {
	in := New()
	stack := orbitsampler.CallStack{0x1000, 0x2000, 0x3000, 0x4000}

	const n = 64
	ids := make([]orbitsampler.CallstackID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			ids[i] = in.Intern(stack)
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, in.Count())
}

func TestResolveCollapsesInlinedFrames(t *testing.T) {
	in := New()
	// Two raw stacks whose addresses fall within the same two functions
	// at different offsets (e.g. two call sites inlined into the same
	// caller) must resolve to the same resolved ID.
	s1 := orbitsampler.CallStack{0x1005, 0x2010}
	s2 := orbitsampler.CallStack{0x1008, 0x2030}

	id1 := in.Intern(s1)
	id2 := in.Intern(s2)
	require.NotEqual(t, id1, id2, "raw stacks differ")

	resolve := func(addr orbitsampler.Address) (orbitsampler.Function, bool) {
		switch {
		case addr >= 0x1000 && addr < 0x2000:
			return orbitsampler.Function{ModuleRelativeAddress: 0x1000, MangledName: "foo"}, true
		case addr >= 0x2000 && addr < 0x3000:
			return orbitsampler.Function{ModuleRelativeAddress: 0x2000, MangledName: "bar"}, true
		default:
			return orbitsampler.Function{}, false
		}
	}

	r1 := in.Resolve(id1, resolve)
	r2 := in.Resolve(id2, resolve)
	assert.Equal(t, r1, r2, "both stacks resolve to [foo,bar] and must collapse")
}

func TestResolveMemoizesCallCount(t *testing.T) {
	in := New()
	stack := orbitsampler.CallStack{0x1000}
	id := in.Intern(stack)

	calls := 0
	resolve := func(addr orbitsampler.Address) (orbitsampler.Function, bool) {
		calls++
		return orbitsampler.Function{ModuleRelativeAddress: addr}, true
	}

	in.Resolve(id, resolve)
	in.Resolve(id, resolve)
	in.Resolve(id, resolve)

	assert.Equal(t, 1, calls, "resolution must be memoized per callstack ID")
}

func TestInternPanicsAfterFreeze(t *testing.T) {
	in := New()
	in.Intern(orbitsampler.CallStack{0x1})
	in.Freeze()

	assert.Panics(t, func() {
		in.Intern(orbitsampler.CallStack{0x2})
	})
}

func TestResolveUnknownIDIsIdentity(t *testing.T) {
	in := New()
	unknown := orbitsampler.CallstackID(0xdeadbeef)
	got := in.Resolve(unknown, func(orbitsampler.Address) (orbitsampler.Function, bool) {
		t.Fatal("resolver must not be called for an unknown ID")
		return orbitsampler.Function{}, false
	})
	assert.Equal(t, unknown, got)
}
