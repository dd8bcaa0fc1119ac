// Package procinspect provides read-only queries over kernel-exposed
// process state: thread enumeration, memory maps, thread names/states, and
// cpuset resolution. All results are point-in-time snapshots; callers must
// assume threads can appear or vanish between calls.
package procinspect

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"

	"orbitsampler"
)

// ProcRoot is the root of the proc filesystem; overridable for tests.
var ProcRoot = "/proc"

// SysFsCgroupRoot is the root under which cpuset cgroups are mounted;
// overridable for tests.
var SysFsCgroupRoot = "/sys/fs/cgroup"

// Inspector reads process state under ProcRoot/SysFsCgroupRoot.
type Inspector struct{}

// NewInspector returns an Inspector.
func NewInspector() *Inspector { return &Inspector{} }

// ListThreads enumerates the task entries under /proc/<pid>/task. Returns
// ErrProcessGone if the directory cannot be opened.
func (i *Inspector) ListThreads(pid int) ([]orbitsampler.ThreadID, error) {
	dir := fmt.Sprintf("%s/%d/task", ProcRoot, pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, orbitsampler.NewError("ListThreads", orbitsampler.ErrProcessGone, err, "open %s", dir)
	}
	tids := make([]orbitsampler.ThreadID, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil || tid <= 0 {
			continue
		}
		tids = append(tids, orbitsampler.ThreadID(tid))
	}
	return tids, nil
}

// MapEntry is one parsed line of /proc/<pid>/maps.
type MapEntry struct {
	Start, Limit uint64
	Offset       uint64
	Perms        string
	Path         string
}

// ReadMaps parses the process memory map into MapEntry records via
// pprof's ParseProcMaps.
func (i *Inspector) ReadMaps(pid int) ([]MapEntry, error) {
	path := fmt.Sprintf("%s/%d/maps", ProcRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, orbitsampler.NewError("ReadMaps", orbitsampler.ErrProcessGone, err, "open %s", path)
	}
	defer f.Close()

	mappings, err := profile.ParseProcMaps(f)
	if err != nil {
		return nil, orbitsampler.NewError("ReadMaps", orbitsampler.ErrProcessGone, err, "parse %s", path)
	}
	entries := make([]MapEntry, 0, len(mappings))
	for _, m := range mappings {
		entries = append(entries, MapEntry{
			Start:  m.Start,
			Limit:  m.Limit,
			Offset: m.Offset,
			Path:   m.File,
		})
	}
	return entries, nil
}

// ReadModules is like ReadMaps but returns orbitsampler.Module records with
// an embedded pprof Mapping, one per file-backed mapping; mappings that
// share a backing file are not merged.
func (i *Inspector) ReadModules(pid int) ([]orbitsampler.Module, error) {
	path := fmt.Sprintf("%s/%d/maps", ProcRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, orbitsampler.NewError("ReadModules", orbitsampler.ErrProcessGone, err, "open %s", path)
	}
	defer f.Close()

	mappings, err := profile.ParseProcMaps(f)
	if err != nil {
		return nil, orbitsampler.NewError("ReadModules", orbitsampler.ErrProcessGone, err, "parse %s", path)
	}

	modules := make([]orbitsampler.Module, 0, len(mappings))
	for _, m := range mappings {
		if m.File == "" {
			continue
		}
		modules = append(modules, orbitsampler.Module{
			Name:     moduleName(m.File),
			FullPath: m.File,
			Mapping:  m,
		})
	}
	return modules, nil
}

func moduleName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ThreadName best-effort reads /proc/<tid>/comm, trimming the trailing
// newline. Returns "" (not an error) if the thread has disappeared.
func (i *Inspector) ThreadName(tid orbitsampler.ThreadID) string {
	path := fmt.Sprintf("%s/%d/comm", ProcRoot, tid)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(data), "\n")
}

// ThreadState best-effort reads the state character from /proc/<tid>/stat.
// Returns (0, false) if the thread has disappeared.
func (i *Inspector) ThreadState(tid orbitsampler.ThreadID) (byte, bool) {
	path := fmt.Sprintf("%s/%d/stat", ProcRoot, tid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	line := string(data)
	// Fields up to and including comm are skipped, since comm is
	// parenthesized and may itself contain spaces.
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 || closeParen+2 >= len(line) {
		return 0, false
	}
	rest := strings.Fields(line[closeParen+1:])
	if len(rest) == 0 || len(rest[0]) == 0 {
		return 0, false
	}
	return rest[0][0], true
}

// ThreadCPUTimeTicks best-effort reads the accumulated utime+stime (fields
// 14 and 15 of /proc/<tid>/stat) in clock ticks. Returns (0, false) if the
// thread has disappeared.
func (i *Inspector) ThreadCPUTimeTicks(tid orbitsampler.ThreadID) (uint64, bool) {
	path := fmt.Sprintf("%s/%d/stat", ProcRoot, tid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	line := string(data)
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 || closeParen+2 >= len(line) {
		return 0, false
	}
	rest := strings.Fields(line[closeParen+1:])
	if len(rest) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(rest[11], 10, 64)
	stime, err2 := strconv.ParseUint(rest[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// Cpuset resolves the process's control-group cpuset. If the group is
// absent, or its cpuset.cpus file is empty, the full set [0, NumCPU) is
// returned.
func (i *Inspector) Cpuset(pid int) ([]int, error) {
	cgroupPath := fmt.Sprintf("%s/%d/cgroup", ProcRoot, pid)
	content, err := os.ReadFile(cgroupPath)
	if err != nil {
		return fullCpuRange(), nil
	}

	group, ok := ExtractCpusetFromCgroup(string(content))
	if !ok {
		return fullCpuRange(), nil
	}

	cpusPath := cpusetCpusPath(group)
	cpusContent, err := os.ReadFile(cpusPath)
	if err != nil || len(cpusContent) == 0 {
		return fullCpuRange(), nil
	}

	cpus := ParseCpusetCpus(strings.TrimSpace(string(cpusContent)))
	if len(cpus) == 0 {
		return fullCpuRange(), nil
	}
	return cpus, nil
}

func cpusetCpusPath(group string) string {
	if group == "/" {
		return SysFsCgroupRoot + "/cpuset/cpuset.cpus"
	}
	return SysFsCgroupRoot + "/cpuset" + group + "/cpuset.cpus"
}

func fullCpuRange() []int {
	n := runtime.NumCPU()
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// ExtractCpusetFromCgroup extracts the cpuset entry from the content of
// /proc/<pid>/cgroup, e.g. "12:cpuset:/game\n8:memory:/\n" -> ("/game",
// true). Lines may list multiple co-mounted controllers, e.g.
// "5:cpuacct,cpu,cpuset:/daemons".
func ExtractCpusetFromCgroup(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		if !strings.Contains(line, "cpuset:") && !strings.Contains(line, "cpuset,") {
			continue
		}
		if idx := strings.LastIndexByte(line, ':'); idx >= 0 {
			return line[idx+1:], true
		}
	}
	return "", false
}

// ParseCpusetCpus parses a cpuset.cpus-formatted CPU list, e.g.
// "0-2,7,12-14" -> [0,1,2,7,12,13,14].
func ParseCpusetCpus(content string) []int {
	var cpus []int
	for _, part := range strings.Split(content, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			cpus = append(cpus, c)
		}
	}
	return cpus
}

// FormatCpusetCpus is the inverse of ParseCpusetCpus for a sorted,
// deduplicated input, collapsing runs into ranges: [0,1,2,7,12,13,14] ->
// "0-2,7,12-14".
func FormatCpusetCpus(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	var b strings.Builder
	start := cpus[0]
	prev := cpus[0]
	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}
	for _, c := range cpus[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		flush(prev)
		start, prev = c, c
	}
	flush(prev)
	return b.String()
}
