//go:build linux

/*
Program orbitsampler is a sampling and tracing profiler for a single
running process. It takes a PID and, optionally, a set of functions to
instrument with entry/exit probes, captures for a fixed duration, and
prints a per-thread report. It also writes a pprof profile alongside the
text report.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"orbitsampler"
	"orbitsampler/coordinator"
	"orbitsampler/internal/elfsym"
	"orbitsampler/probe"
)

func main() {
	// By default an exit code is set to indicate a failure since
	// there are more failure scenarios to begin with.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	pid := flag.Int("pid", 0, "PID to sample and trace")
	wait := flag.Duration("wait", 10*time.Second, "capture duration")
	filename := flag.String("profile", "orbitsampler.pprof", "pprof profile filename where samples will be stored")
	funcsFlag := flag.String("funcs", "", "comma-separated module:function pairs to instrument with entry/exit probes")
	probeMode := flag.String("probe-mode", "auto", "probe installation mode: auto, kernel, or tracer")
	flag.Parse()

	if *pid == 0 {
		log.Print("missing -pid")
		return
	}

	provider := elfsym.New(*pid)
	modules, err := provider.Modules(*pid)
	if err != nil {
		log.Printf("failed to read modules: %v", err)
		exitCode = exitCodeFor(err)
		return
	}
	for _, m := range modules {
		fmt.Printf("start=%#x limit=%#x %s\n", m.Start(), m.Limit(), m.FullPath)
	}

	selected, err := resolveSelectedFunctions(provider, modules, *funcsFlag)
	if err != nil {
		log.Printf("failed to resolve probe functions: %v", err)
		return
	}

	opts := orbitsampler.NewOptions(orbitsampler.WithProbeMode(parseProbeMode(*probeMode)))

	coord := coordinator.New(provider, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if res := coord.Start(ctx, *pid, selected, opts); res.Err != nil {
		log.Printf("failed to start capture: %v", res.Err)
		exitCode = exitCodeFor(res.Err)
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}

	if res := coord.Stop(); res.Err != nil {
		log.Printf("failed to stop capture: %v", res.Err)
		return
	}

	report, ok := coord.Snapshot()
	if !ok {
		log.Print("capture produced no report")
		return
	}

	printReport(report)

	f, err := os.Create(*filename)
	if err != nil {
		log.Printf("failed to create profile file: %v", err)
		return
	}
	defer f.Close()
	if err := report.Pprof().Write(f); err != nil {
		log.Printf("failed to write pprof profile: %v", err)
		return
	}

	exitCode = 0
}

// exitCodeFor maps an error kind to the process exit code: 1 target not
// found, 2 permission denied, 3 kernel too old, 4 resource exhaustion.
func exitCodeFor(err error) int {
	switch orbitsampler.KindOf(err) {
	case orbitsampler.ErrProcessGone:
		return 1
	case orbitsampler.ErrPermissionDenied:
		return 2
	case orbitsampler.ErrKernelUnsupported:
		return 3
	case orbitsampler.ErrResourceExhausted:
		return 4
	default:
		return 1
	}
}

func parseProbeMode(s string) orbitsampler.ProbeMode {
	switch s {
	case "kernel":
		return orbitsampler.ProbeModeKernel
	case "tracer":
		return orbitsampler.ProbeModeTracer
	default:
		return orbitsampler.ProbeModeAuto
	}
}

// resolveSelectedFunctions turns "module:function" pairs from -funcs into
// probe.SelectedFunction values by looking each function up in its
// module's symbol table.
func resolveSelectedFunctions(provider *elfsym.Provider, modules []orbitsampler.Module, spec string) ([]probe.SelectedFunction, error) {
	if spec == "" {
		return nil, nil
	}
	byName := map[string]orbitsampler.Module{}
	for _, m := range modules {
		byName[m.Name] = m
	}

	var selected []probe.SelectedFunction
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid module:function pair %q", pair)
		}
		moduleName, fnName := parts[0], parts[1]
		module, ok := byName[moduleName]
		if !ok {
			return nil, fmt.Errorf("module %q not found in process maps", moduleName)
		}
		fns, err := provider.Functions(module)
		if err != nil {
			return nil, fmt.Errorf("reading functions for %s: %w", moduleName, err)
		}
		var fn orbitsampler.Function
		var found bool
		for _, f := range fns {
			if f.MangledName == fnName || f.DemangledName == fnName {
				fn = f
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("function %q not found in %s", fnName, moduleName)
		}
		selected = append(selected, probe.SelectedFunction{
			ModulePath:     module.FullPath,
			ModuleOffset:   uint64(fn.ModuleRelativeAddress),
			ProbeSpecifier: fmt.Sprintf("%s:%s", module.FullPath, fn.MangledName),
			Address:        fn.ModuleRelativeAddress,
		})
	}
	return selected, nil
}

func printReport(report *coordinator.Report) {
	tids := make([]int, 0, len(report.Threads))
	for tid := range report.Threads {
		tids = append(tids, int(tid))
	}
	sort.Ints(tids)

	for _, tid := range tids {
		data := report.Threads[orbitsampler.ThreadID(tid)]
		if orbitsampler.ThreadID(tid) == orbitsampler.SummaryThreadID {
			fmt.Println("summary:")
		} else {
			fmt.Printf("thread %d:\n", tid)
		}
		fmt.Printf("  samples=%d\n", data.TotalSamples)
		for _, sf := range data.Report {
			name := sf.Function.DemangledName
			if name == "" {
				name = fmt.Sprintf("%#x", sf.Address)
			}
			fmt.Printf("  %-40s excl=%d (%.1f%%) incl=%d (%.1f%%)\n",
				name, sf.ExclusiveCount, sf.ExclusivePct, sf.InclusiveCount, sf.InclusivePct)
		}
	}
	fmt.Printf("health: %+v\n", report.Health)
}
