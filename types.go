// Package orbitsampler implements the capture pipeline of a user-space
// sampling and tracing profiler: attach to a process, configure kernel
// perf-event ring buffers and user-level probes, and reduce the resulting
// event streams into per-thread call-stack profiles.
package orbitsampler

import (
	"sort"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
)

// ThreadID identifies a kernel task (Linux tid).
type ThreadID int32

// Address is a raw or resolved instruction pointer.
type Address uint64

// CallstackID is a stable identifier for an interned call stack sequence.
// Two stacks with identical instruction pointer sequences share an id.
type CallstackID uint64

// SummaryThreadID is the synthetic thread id carrying the process-wide
// aggregate, present only when Options.GenerateSummary is set.
const SummaryThreadID ThreadID = 0

// Function is an immutable record describing one resolved function. The
// pair (Module, ModuleRelativeAddress) is unique within a single capture.
type Function struct {
	Module                string
	ModuleRelativeAddress Address
	MangledName           string
	DemangledName         string
	// ProbeName is set only for functions the probe tool reported as
	// instrumentable (i.e. selected-function candidates).
	ProbeName string
	File      string
	Line      int
}

// NewFunction builds a Function, best-effort demangling MangledName. A
// demangle failure is not an error: DemangledName falls back to the
// mangled name verbatim.
func NewFunction(module string, addr Address, mangled string) Function {
	f := Function{
		Module:                module,
		ModuleRelativeAddress: addr,
		MangledName:           mangled,
		DemangledName:         mangled,
	}
	if name, err := demangle.ToString(mangled); err == nil && name != "" {
		f.DemangledName = name
	}
	return f
}

// Module describes one loaded module (executable or shared object) of the
// target process. Its address range mirrors the kernel's view via a pprof
// Mapping so capture reports can be handed to pprof-shaped consumers
// without a second address-range model.
type Module struct {
	Name          string
	FullPath      string
	Mapping       *profile.Mapping
	BuildID       string
	SymbolsLoaded bool
}

// Start returns the module's lowest mapped address.
func (m Module) Start() Address { return Address(m.Mapping.Start) }

// Limit returns the module's exclusive upper mapped address.
func (m Module) Limit() Address { return Address(m.Mapping.Limit) }

// Contains reports whether addr falls within [Start, Limit).
func (m Module) Contains(addr Address) bool {
	return uint64(addr) >= m.Mapping.Start && uint64(addr) < m.Mapping.Limit
}

// Timer is an entry/exit pair recorded by a user-level probe.
//
// Invariants: TStartNs <= TEndNs; Depth equals the number of timers open on
// the same thread at TStartNs; timers for one thread nest strictly (a LIFO
// close order).
type Timer struct {
	ThreadID        ThreadID
	FunctionAddress Address
	TStartNs        int64
	TEndNs          int64
	Depth           int
}

// CallStack is an ordered, leaf-first sequence of instruction pointers.
type CallStack []Address

// LineInfo is best-effort file/line information for a resolved address.
type LineInfo struct {
	File         string
	Line         uint32
	Address      Address
	FileNameHash uint64
}

// CallstackEvent records one sampling-ring stack sample.
type CallstackEvent struct {
	TimeNs      int64
	CallstackID CallstackID
	ThreadID    ThreadID
}

// SampledFunction is one row of a per-thread sample report: a function with
// its inclusive/exclusive sample counts and percentages relative to the
// owning thread's total samples.
type SampledFunction struct {
	Function       Function
	Address        Address
	InclusiveCount uint64
	ExclusiveCount uint64
	InclusivePct   float64
	ExclusivePct   float64
	TimerCount     uint64
}

// ThreadSampleData is the per-thread (or, for SummaryThreadID, process-wide)
// aggregation produced by Processing.
type ThreadSampleData struct {
	ThreadID           ThreadID
	CallstackCount     map[CallstackID]uint64
	InclusiveCount     map[Address]uint64
	ExclusiveCount     map[Address]uint64
	TimerCount         map[Address]uint64
	TotalSamples       uint64
	Report             []SampledFunction
	ThreadUsage        []float64
	AverageThreadUsage float64
}

// BuildReport builds the Report field: sorted by exclusive count
// descending, ties broken by address ascending, matching the Processing
// algorithm's ordering requirement.
func (t *ThreadSampleData) BuildReport(resolve func(Address) Function) {
	addrs := make(map[Address]struct{}, len(t.InclusiveCount)+len(t.ExclusiveCount))
	for a := range t.InclusiveCount {
		addrs[a] = struct{}{}
	}
	for a := range t.ExclusiveCount {
		addrs[a] = struct{}{}
	}
	report := make([]SampledFunction, 0, len(addrs))
	for a := range addrs {
		incl := t.InclusiveCount[a]
		excl := t.ExclusiveCount[a]
		var inclPct, exclPct float64
		if t.TotalSamples > 0 {
			inclPct = 100 * float64(incl) / float64(t.TotalSamples)
			exclPct = 100 * float64(excl) / float64(t.TotalSamples)
		}
		report = append(report, SampledFunction{
			Function:       resolve(a),
			Address:        a,
			InclusiveCount: incl,
			ExclusiveCount: excl,
			InclusivePct:   inclPct,
			ExclusivePct:   exclPct,
			TimerCount:     t.TimerCount[a],
		})
	}
	sort.Slice(report, func(i, j int) bool {
		if report[i].ExclusiveCount != report[j].ExclusiveCount {
			return report[i].ExclusiveCount > report[j].ExclusiveCount
		}
		return report[i].Address < report[j].Address
	})
	t.Report = report
}

// HealthCounters collects the non-fatal error counts surfaced in a capture
// report. Each counter is one total across all streams; counts are not
// kept per stream.
type HealthCounters struct {
	TimerMismatches uint64
	Drops           uint64
	SymbolMisses    uint64
	TracerFailures  uint64
	LostRecords     uint64
}
