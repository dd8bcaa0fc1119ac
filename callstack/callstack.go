// Package callstack interns raw call stacks captured during Sampling and
// resolves them against symbol information once Processing begins.
// Interning is concurrency-safe and content-addressed, so two identical
// stacks sampled from different CPUs collapse to the same ID; resolution
// is memoized so repeated resolve calls for the same ID do symbol lookup
// once.
package callstack

import (
	"hash/fnv"
	"sync"

	"orbitsampler"
)

// Interner assigns a stable CallstackID to every distinct raw address
// sequence seen during a capture, and later resolves those IDs to
// function-level stacks via a caller-supplied symbolizer.
type Interner struct {
	mu       sync.Mutex
	byID     map[orbitsampler.CallstackID]orbitsampler.CallStack
	resolved map[orbitsampler.CallstackID]orbitsampler.CallstackID
	frozen   bool
}

// New returns an empty Interner.
func New() *Interner {
	return &Interner{
		byID:     map[orbitsampler.CallstackID]orbitsampler.CallStack{},
		resolved: map[orbitsampler.CallstackID]orbitsampler.CallstackID{},
	}
}

// Intern returns the CallstackID for stack, assigning a new one on first
// sight. Two calls with equal stacks (same addresses, same order) always
// return the same ID, regardless of goroutine or CPU. Panics if called
// after Freeze, since Processing assumes the interned set is immutable.
func (in *Interner) Intern(stack orbitsampler.CallStack) orbitsampler.CallstackID {
	id := hashStack(stack)

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.frozen {
		panic("callstack: Intern called after Freeze")
	}
	if _, ok := in.byID[id]; !ok {
		cp := make(orbitsampler.CallStack, len(stack))
		copy(cp, stack)
		in.byID[id] = cp
	}
	return id
}

// Freeze forbids further Intern calls, marking the transition into
// Processing.
func (in *Interner) Freeze() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.frozen = true
}

// Raw returns the raw address stack for id, and whether id was known.
func (in *Interner) Raw(id orbitsampler.CallstackID) (orbitsampler.CallStack, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.byID[id]
	return s, ok
}

// Count returns the number of distinct raw stacks interned.
func (in *Interner) Count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.byID)
}

// Resolver maps a raw address to a resolved symbol; sampler.Profiler
// adapts an orbitsampler.SymbolProvider's Resolve to this shape.
type Resolver func(addr orbitsampler.Address) (orbitsampler.Function, bool)

// Resolve maps id's raw stack to a resolved stack of function entry
// addresses, memoizing the outcome so repeated resolution of samples
// sharing a stack does symbol lookup exactly once. Two raw stacks that
// resolve to the same sequence of functions (e.g. differing only by
// inlined-frame addresses within the same function) collapse to the same
// resolved ID, which is what ThreadSampleData counts against.
func (in *Interner) Resolve(id orbitsampler.CallstackID, resolve Resolver) orbitsampler.CallstackID {
	in.mu.Lock()
	if rid, ok := in.resolved[id]; ok {
		in.mu.Unlock()
		return rid
	}
	raw, ok := in.byID[id]
	in.mu.Unlock()
	if !ok {
		return id
	}

	resolvedStack := make(orbitsampler.CallStack, 0, len(raw))
	for _, addr := range raw {
		fn, ok := resolve(addr)
		if !ok {
			resolvedStack = append(resolvedStack, addr)
			continue
		}
		resolvedStack = append(resolvedStack, fn.ModuleRelativeAddress)
	}
	rid := hashStack(resolvedStack)

	in.mu.Lock()
	in.resolved[id] = rid
	if _, ok := in.byID[rid]; !ok {
		in.byID[rid] = resolvedStack
	}
	in.mu.Unlock()
	return rid
}

// hashStack computes a deterministic, order-sensitive ID for a raw
// address sequence. FNV-1a is used purely as a compact fingerprint, not
// for any cryptographic property; accidental collisions are assumed
// negligible at realistic stack-depth/sample-count scales.
func hashStack(stack orbitsampler.CallStack) orbitsampler.CallstackID {
	h := fnv.New64a()
	var buf [8]byte
	for _, addr := range stack {
		putUint64(buf[:], uint64(addr))
		h.Write(buf[:])
	}
	return orbitsampler.CallstackID(h.Sum64())
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
