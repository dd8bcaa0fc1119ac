// Package elfsym is the default SymbolProvider: it resolves addresses
// against a target process's loaded ELF modules by binary-searching each
// module's .symtab, the same technique as a standalone address-to-function
// resolver, generalized here to a full SymbolProvider serving every module
// of a live process rather than a single offline ELF file.
package elfsym

import (
	"debug/dwarf"
	"debug/elf"
	"sort"
	"sync"

	"orbitsampler"
	"orbitsampler/procinspect"
)

// symtab is one module's sorted, binary-searchable symbol table plus the
// PT_LOAD segment bookkeeping needed to map a runtime address back into
// file-relative address space for PIE binaries.
type symtab struct {
	module        orbitsampler.Module
	symbols       []elf.Symbol
	segmentOffset uint64
	isPIE         bool
	dwarfData     *dwarf.Data
}

// Provider resolves addresses across every module of one target process.
// A Provider is read-only once constructed for a given module set; module
// symbol tables are loaded lazily on first Resolve/LineInfo against them
// and cached thereafter.
type Provider struct {
	pid       int
	inspector *procinspect.Inspector

	mu      sync.RWMutex
	tables  map[string]*symtab // keyed by module FullPath
	modules []orbitsampler.Module
}

// New returns a Provider bound to pid. Call Modules once to snapshot the
// process's current module list before resolving.
func New(pid int) *Provider {
	return &Provider{
		pid:       pid,
		inspector: procinspect.NewInspector(),
		tables:    map[string]*symtab{},
	}
}

// Modules implements orbitsampler.SymbolProvider: snapshots /proc/<pid>/maps
// into a module list, caching it for subsequent Resolve calls.
func (p *Provider) Modules(pid int) ([]orbitsampler.Module, error) {
	modules, err := p.inspector.ReadModules(pid)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.modules = modules
	p.mu.Unlock()
	return modules, nil
}

// Functions implements orbitsampler.SymbolProvider: returns every symbol
// defined in module's .symtab as a Function, loading and caching the
// module's symbol table on first call.
func (p *Provider) Functions(module orbitsampler.Module) ([]orbitsampler.Function, error) {
	tab, err := p.loadSymtab(module)
	if err != nil {
		return nil, err
	}
	fns := make([]orbitsampler.Function, 0, len(tab.symbols))
	for _, sym := range tab.symbols {
		if sym.Value == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		fns = append(fns, orbitsampler.NewFunction(module.Name, orbitsampler.Address(sym.Value), sym.Name))
	}
	return fns, nil
}

// Resolve implements orbitsampler.SymbolProvider: finds the module
// containing addr and binary-searches its symbol table for the containing
// function, the same search used by a standalone ELF address resolver.
func (p *Provider) Resolve(addr orbitsampler.Address) (*orbitsampler.Function, error) {
	module, ok := p.moduleFor(addr)
	if !ok {
		return nil, orbitsampler.NewError("Resolve", orbitsampler.ErrSymbolMiss, nil, "no module contains %#x", addr)
	}
	tab, err := p.loadSymtab(module)
	if err != nil {
		return nil, err
	}

	fileAddr := uint64(addr)
	if tab.isPIE {
		start := module.Start()
		if addr < start {
			return nil, orbitsampler.NewError("Resolve", orbitsampler.ErrSymbolMiss, nil, "%#x below module start", addr)
		}
		fileAddr = tab.segmentOffset + (uint64(addr) - uint64(start))
	}

	sym, ok := tab.search(fileAddr)
	if !ok {
		return nil, orbitsampler.NewError("Resolve", orbitsampler.ErrSymbolMiss, nil, "%#x unresolved in %s", addr, module.Name)
	}
	fn := orbitsampler.NewFunction(module.Name, orbitsampler.Address(sym.Value), sym.Name)
	return &fn, nil
}

// LineInfo implements orbitsampler.SymbolProvider: best-effort file/line
// lookup via the module's DWARF line table, when present.
func (p *Provider) LineInfo(addr orbitsampler.Address) (string, int, bool) {
	module, ok := p.moduleFor(addr)
	if !ok {
		return "", 0, false
	}
	tab, err := p.loadSymtab(module)
	if err != nil || tab.dwarfData == nil {
		return "", 0, false
	}

	fileAddr := uint64(addr)
	if tab.isPIE {
		fileAddr = tab.segmentOffset + (uint64(addr) - uint64(module.Start()))
	}

	reader := tab.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := tab.dwarfData.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		var best *dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if le.Address <= fileAddr {
				cp := le
				best = &cp
			} else if best != nil {
				return best.File.Name, best.Line, true
			}
		}
	}
	return "", 0, false
}

func (p *Provider) moduleFor(addr orbitsampler.Address) (orbitsampler.Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return orbitsampler.Module{}, false
}

func (p *Provider) loadSymtab(module orbitsampler.Module) (*symtab, error) {
	p.mu.RLock()
	if tab, ok := p.tables[module.FullPath]; ok {
		p.mu.RUnlock()
		return tab, nil
	}
	p.mu.RUnlock()

	f, err := elf.Open(module.FullPath)
	if err != nil {
		return nil, orbitsampler.NewError("loadSymtab", orbitsampler.ErrSymbolMiss, err, "open %s", module.FullPath)
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return nil, orbitsampler.NewError("loadSymtab", orbitsampler.ErrSymbolMiss, err, "symbols in %s", module.FullPath)
	}
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Value < symbols[j].Value })

	// For ET_DYN (PIE or shared object) binaries, symbol values are
	// file-relative: runtime addresses must be rebased against the module's
	// mapped start plus the first loadable segment's link-time address.
	var segOff uint64
	isPIE := f.Type == elf.ET_DYN
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			segOff = prog.Vaddr
			break
		}
	}

	dwarfData, _ := f.DWARF() // best-effort; absence is not an error

	tab := &symtab{
		module:        module,
		symbols:       symbols,
		segmentOffset: segOff,
		isPIE:         isPIE,
		dwarfData:     dwarfData,
	}

	p.mu.Lock()
	p.tables[module.FullPath] = tab
	p.mu.Unlock()
	return tab, nil
}

// search binary-searches the sorted symbol table for the function
// containing fileAddr, falling back to the nearest preceding symbol when
// no exact match exists.
func (t *symtab) search(fileAddr uint64) (elf.Symbol, bool) {
	i := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].Value >= fileAddr
	})
	if i < len(t.symbols) && t.symbols[i].Value == fileAddr {
		return t.symbols[i], true
	}
	if i >= 1 && t.symbols[i-1].Value > 0 {
		return t.symbols[i-1], true
	}
	return elf.Symbol{}, false
}
