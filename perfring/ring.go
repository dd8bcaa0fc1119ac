// Package perfring owns the kernel perf-event file descriptors and the
// memory-mapped ring buffers through which the kernel delivers samples and
// metadata records: one task-tracking, one context-switch and one sampling
// ring per CPU, plus, in kernel-uprobe mode, one entry/return ring pair per
// (selected function, CPU).
package perfring

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"orbitsampler"
)

// RecordKind tags the decoded shape of one ring record.
type RecordKind int

const (
	RecordUnknown RecordKind = iota
	RecordSample
	RecordMmap
	RecordFork
	RecordExit
	RecordContextSwitch
	RecordLost
	// RecordProbeEntry/RecordProbeReturn tag a record read off a ring
	// opened by Manager.OpenProbeRing: at the perf ABI level these still
	// arrive as PERF_RECORD_SAMPLE, but Ring.Read retags them using the
	// ring's own overrideKind since the ring they came from pins them to
	// one selected function and one of entry/return.
	RecordProbeEntry
	RecordProbeReturn
)

// Record is one decoded ring buffer entry. Only the fields relevant to
// Kind are populated.
type Record struct {
	Kind     RecordKind
	TimeNs   int64
	Pid, Tid int32
	// Sample fields.
	Stack []uint64
	// Mmap fields. Addr doubles as the instrumented function's address
	// for RecordProbeEntry/RecordProbeReturn (set by Ring.Read from the
	// owning ring's probeAddr, since a probe sample's body carries no
	// address of its own).
	Addr, Len, PgOff uint64
	Filename         string
	// Lost fields.
	LostCount uint64
}

// perf_event_open constants not exposed by golang.org/x/sys/unix at the
// generality this package needs.
const (
	perfRecordSample        = 9
	perfRecordMmap          = 1
	perfRecordMmap2         = 10
	perfRecordFork          = 7
	perfRecordExit          = 4
	perfRecordLost          = 2
	perfRecordSwitch        = 12
	perfRecordSwitchCPUWide = 13

	perfSampleTID       = 1 << 1
	perfSampleTime      = 1 << 2
	perfSampleCallchain = 1 << 3

	ringPages = 64 // power-of-two data pages, excludes the metadata page

	// perfContextBase is the lowest PERF_CONTEXT_* sentinel value. The
	// kernel interleaves these markers (PERF_CONTEXT_USER = -512 and
	// friends, encoded as huge unsigned IPs) into callchains to tag which
	// side of the kernel/user boundary the following frames belong to;
	// they are not instruction pointers and must never reach a stack.
	perfContextBase = 0xfffffffffffff000

	// maxMappedBytes caps the total ring memory this manager may map.
	// Exceeding it is a hard error surfaced to the coordinator, which skips
	// a probe ring that fails this way and fails Start for the task-tracking
	// and sampling rings; nothing is retried.
	maxMappedBytes = 64 << 20
)

// genericAttr returns the perf_event_attr shared shape used by every ring
// in this package: sample_period=1, CLOCK_MONOTONIC, sample_id_all, opened
// disabled. Sampling rings add their callchain payload on top of this.
func genericAttr() unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Size:    uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:  1,
		Bits:    unix.PerfBitDisabled | unix.PerfBitUseClockID | unix.PerfBitSampleIDAll,
		Clockid: int32(unix.CLOCK_MONOTONIC),
	}
}

// Ring owns one kernel event source and its mapped ring buffer.
type Ring struct {
	fd       int
	data     []byte
	meta     *unix.PerfEventMmapPage
	pageSize int

	// overrideKind, when non-zero, replaces the Kind decode() assigns to
	// every record read off this ring; probeAddr is the function address
	// carried alongside it. Used by probe rings opened through
	// Manager.OpenProbeRing, where the raw perf ABI record type is always
	// PERF_RECORD_SAMPLE but the ring itself identifies one function and
	// one of entry/return.
	overrideKind RecordKind
	probeAddr    uint64
}

// openRing performs perf_event_open + mmap for attr, returning a Ring
// ready for Enable/Read/Disable/Close.
func openRing(attr *unix.PerfEventAttr, pid, cpu, groupFd int, flags int) (*Ring, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFd, flags)
	if err != nil {
		return nil, orbitsampler.NewError("openRing", classifyOpenErr(err), err, "perf_event_open pid=%d cpu=%d", pid, cpu)
	}

	pageSize := unix.Getpagesize()
	mapLen := (ringPages + 1) * pageSize
	data, err := unix.Mmap(fd, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, orbitsampler.NewError("openRing", orbitsampler.ErrResourceExhausted, err, "mmap %d bytes", mapLen)
	}

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&data[0]))
	return &Ring{fd: fd, data: data, meta: meta, pageSize: pageSize}, nil
}

func classifyOpenErr(err error) orbitsampler.ErrorKind {
	switch err {
	case unix.EACCES, unix.EPERM:
		return orbitsampler.ErrPermissionDenied
	case unix.ENODEV, unix.EINVAL, unix.ENOSYS:
		return orbitsampler.ErrKernelUnsupported
	case unix.EMFILE, unix.ENFILE, unix.ENOMEM:
		return orbitsampler.ErrResourceExhausted
	default:
		return orbitsampler.ErrUnknown
	}
}

// Enable starts event delivery.
func (r *Ring) Enable() error {
	return unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable stops event delivery without releasing resources.
func (r *Ring) Disable() error {
	return unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Close unmaps the ring and closes the underlying file descriptor.
func (r *Ring) Close() error {
	_ = unix.Munmap(r.data)
	return unix.Close(r.fd)
}

// FD exposes the underlying file descriptor, for poll-based readiness
// waits and for use as a group leader.
func (r *Ring) FD() int { return r.fd }

// dataPages returns the ring's data region, excluding the metadata page.
func (r *Ring) dataPages() []byte {
	return r.data[r.pageSize:]
}

// Read drains every complete record currently available in the ring,
// advancing the user tail once all of them have been copied out. Records that
// straddle the wrap point are reassembled into a contiguous local buffer
// before being decoded.
func (r *Ring) Read() ([]Record, error) {
	dataSize := uint64(len(r.dataPages()))
	tail := r.meta.Data_tail
	head := atomic.LoadUint64(&r.meta.Data_head)
	// Data_head is published with a read memory barrier on Linux perf
	// ring semantics; Go's runtime/atomic load is sufficient here since we
	// only need "head as of now", not a stronger ordering guarantee.

	var records []Record
	for tail < head {
		hdr, hdrErr := r.peekHeader(tail, dataSize)
		if hdrErr != nil {
			break
		}
		if hdr.size == 0 {
			break
		}
		buf := r.copyOut(tail, uint64(hdr.size), dataSize)
		tail += uint64(hdr.size)

		rec, ok := decode(hdr.typ, buf[8:])
		if ok {
			if r.overrideKind != RecordUnknown {
				rec.Kind = r.overrideKind
				rec.Addr = r.probeAddr
			}
			records = append(records, rec)
		}
	}

	r.meta.Data_tail = tail
	return records, nil
}

type recordHeader struct {
	typ  uint32
	misc uint16
	size uint16
}

func (r *Ring) peekHeader(tail, dataSize uint64) (recordHeader, error) {
	buf := r.copyOut(tail, 8, dataSize)
	if len(buf) < 8 {
		return recordHeader{}, fmt.Errorf("short header")
	}
	return recordHeader{
		typ:  binary.LittleEndian.Uint32(buf[0:4]),
		size: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// copyOut copies n bytes starting at ring offset start (mod dataSize) into
// a contiguous local buffer, reassembling records that straddle the
// wrap-around point.
func (r *Ring) copyOut(start, n, dataSize uint64) []byte {
	data := r.dataPages()
	off := start % dataSize
	buf := make([]byte, n)
	if off+n <= dataSize {
		copy(buf, data[off:off+n])
		return buf
	}
	first := dataSize - off
	copy(buf[:first], data[off:])
	copy(buf[first:], data[:n-first])
	return buf
}

func decode(typ uint32, body []byte) (Record, bool) {
	switch typ {
	case perfRecordSample:
		return decodeSample(body)
	case perfRecordMmap, perfRecordMmap2:
		return decodeMmap(typ, body)
	case perfRecordFork:
		return decodeForkExit(RecordFork, body)
	case perfRecordExit:
		return decodeForkExit(RecordExit, body)
	case perfRecordLost:
		return decodeLost(body)
	case perfRecordSwitch, perfRecordSwitchCPUWide:
		return decodeSwitch(body)
	default:
		return Record{}, false
	}
}

func decodeSample(body []byte) (Record, bool) {
	// Layout driven by sample_type bits this package requests: PID/TID,
	// TIME, then a variable-length callchain (nr uint64 followed by nr
	// u64 instruction pointers).
	if len(body) < 16 {
		return Record{}, false
	}
	pid := int32(binary.LittleEndian.Uint32(body[0:4]))
	tid := int32(binary.LittleEndian.Uint32(body[4:8]))
	timeNs := int64(binary.LittleEndian.Uint64(body[8:16]))
	rest := body[16:]
	if len(rest) < 8 {
		return Record{Kind: RecordSample, Pid: pid, Tid: tid, TimeNs: timeNs}, true
	}
	nr := binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	stack := make([]uint64, 0, nr)
	for i := uint64(0); i < nr && len(rest) >= 8; i++ {
		ip := binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
		if ip >= perfContextBase {
			// PERF_CONTEXT_* boundary marker, not a frame. Even with
			// exclude_callchain_kernel set the chain still leads with
			// PERF_CONTEXT_USER, which would otherwise become the leaf.
			continue
		}
		stack = append(stack, ip)
	}
	return Record{Kind: RecordSample, Pid: pid, Tid: tid, TimeNs: timeNs, Stack: stack}, true
}

func decodeMmap(typ uint32, body []byte) (Record, bool) {
	if len(body) < 24 {
		return Record{}, false
	}
	pid := int32(binary.LittleEndian.Uint32(body[0:4]))
	tid := int32(binary.LittleEndian.Uint32(body[4:8]))
	addr := binary.LittleEndian.Uint64(body[8:16])
	length := binary.LittleEndian.Uint64(body[16:24])
	rest := body[24:]
	var pgoff uint64
	if len(rest) >= 8 {
		pgoff = binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
	}
	skip := 0
	if typ == perfRecordMmap2 {
		// MMAP2 adds maj/min/ino/ino_generation/prot/flags before the
		// filename; skip them since this package only needs the address
		// range and path.
		skip = 32
	}
	if len(rest) > skip {
		rest = rest[skip:]
	}
	name := cString(rest)
	return Record{Kind: RecordMmap, Pid: pid, Tid: tid, Addr: addr, Len: length, PgOff: pgoff, Filename: name}, true
}

func decodeForkExit(kind RecordKind, body []byte) (Record, bool) {
	if len(body) < 24 {
		return Record{}, false
	}
	pid := int32(binary.LittleEndian.Uint32(body[0:4]))
	tid := int32(binary.LittleEndian.Uint32(body[8:12]))
	timeNs := int64(binary.LittleEndian.Uint64(body[16:24]))
	return Record{Kind: kind, Pid: pid, Tid: tid, TimeNs: timeNs}, true
}

func decodeLost(body []byte) (Record, bool) {
	if len(body) < 16 {
		return Record{}, false
	}
	count := binary.LittleEndian.Uint64(body[8:16])
	return Record{Kind: RecordLost, LostCount: count}, true
}

func decodeSwitch(body []byte) (Record, bool) {
	var pid, tid int32
	if len(body) >= 8 {
		pid = int32(binary.LittleEndian.Uint32(body[0:4]))
		tid = int32(binary.LittleEndian.Uint32(body[4:8]))
	}
	return Record{Kind: RecordContextSwitch, Pid: pid, Tid: tid}, true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Manager owns a fleet of rings: one task-tracking and one context-switch
// ring per CPU, plus one sampling ring per CPU for the target pid.
type Manager struct {
	mu          sync.Mutex
	rings       []*Ring
	mappedBytes int
	opts        orbitsampler.Options
}

// NewManager bumps RLIMIT_MEMLOCK via cilium/ebpf/rlimit (ring pages must
// be mlock-able) and raises the open-file soft limit toward the hard
// limit, then returns an empty Manager ready for
// ConfigureSamplingRings/ConfigureContextSwitchRings.
func NewManager(opts orbitsampler.Options, numProbes int) (*Manager, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, orbitsampler.NewError("NewManager", orbitsampler.ErrResourceExhausted, err, "remove memlock limit")
	}
	if err := raiseFileLimit(runtime.NumCPU(), numProbes); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

// raiseFileLimit raises RLIMIT_NOFILE's soft limit toward the hard limit.
// If the hard limit cannot cover numCPUs*(2+numProbes*2) descriptors, it
// returns ErrResourceExhausted reporting the shortfall, and NewManager
// returns that error; probe coverage is not reduced automatically, so
// Coordinator.Start fails the capture.
func raiseFileLimit(numCPUs, numProbes int) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return orbitsampler.NewError("raiseFileLimit", orbitsampler.ErrResourceExhausted, err, "getrlimit NOFILE")
	}

	need := uint64(numCPUs * (2 + numProbes*2))
	newSoft := limit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: newSoft, Max: limit.Max}); err != nil {
		return orbitsampler.NewError("raiseFileLimit", orbitsampler.ErrResourceExhausted, err, "setrlimit NOFILE to %d", newSoft)
	}
	if newSoft < need {
		return orbitsampler.NewError("raiseFileLimit", orbitsampler.ErrResourceExhausted, nil,
			"hard limit %d insufficient for %d needed descriptors; reduce probe coverage", limit.Max, need)
	}
	return nil
}

// ConfigureTaskTrackingRings opens one task-tracking ring per CPU in
// cpus, tracking fork/exit and module loads (MMAP/MMAP2, so libraries
// dlopen'd mid-capture surface as records) for the target pid.
func (m *Manager) ConfigureTaskTrackingRings(pid int, cpus []int) error {
	for _, cpu := range cpus {
		attr := genericAttr()
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_DUMMY
		attr.Bits |= unix.PerfBitTask | unix.PerfBitMmap | unix.PerfBitMmap2
		ring, err := openRing(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return err
		}
		if err := m.add(ring); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureContextSwitchRings opens one context-switch ring per CPU.
func (m *Manager) ConfigureContextSwitchRings(pid int, cpus []int) error {
	for _, cpu := range cpus {
		attr := genericAttr()
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_DUMMY
		attr.Bits |= unix.PerfBitContextSwitch
		ring, err := openRing(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			if orbitsampler.KindOf(err) == orbitsampler.ErrKernelUnsupported {
				// Context-switch tracking is optional: the caller
				// surfaces a warning rather than failing the capture.
				continue
			}
			return err
		}
		if err := m.add(ring); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureSamplingRings opens one sampling ring per CPU: period of one
// sample, monotonic clock, callchain payload, sample-id-all so that
// dropped-event records are still timestamped.
func (m *Manager) ConfigureSamplingRings(pid int, cpus []int) error {
	for _, cpu := range cpus {
		attr := genericAttr()
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
		attr.Sample_type = perfSampleTID | perfSampleTime | perfSampleCallchain
		if m.opts.CollectUserStacks {
			attr.Bits |= unix.PerfBitExcludeCallchainKernel
		}
		ring, err := openRing(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return err
		}
		if err := m.add(ring); err != nil {
			return err
		}
	}
	return nil
}

// OpenProbeRing opens one uprobe/uretprobe ring for one (function, CPU)
// pair, keyed by (modulePath, moduleOffset): pmuType is the uprobe PMU's
// dynamic perf_event_attr.type (resolved via probe.ReadUprobePMUType),
// config 0 selects entry and config 1 selects return. Records read off
// the returned ring arrive at the perf ABI level as PERF_RECORD_SAMPLE
// and are retagged RecordProbeEntry/RecordProbeReturn carrying probeAddr,
// since this ring is pinned to exactly one function and one of
// entry/return.
func (m *Manager) OpenProbeRing(pmuType uint32, modulePath string, moduleOffset, probeAddr uint64, isReturn bool, pid, cpu int) error {
	pathBytes, err := unix.BytePtrFromString(modulePath)
	if err != nil {
		return orbitsampler.NewError("OpenProbeRing", orbitsampler.ErrUnknown, err, "module path %q", modulePath)
	}

	config := uint64(0)
	if isReturn {
		config = 1
	}
	attr := genericAttr()
	attr.Type = pmuType
	attr.Config = config
	attr.Ext1 = uint64(uintptr(unsafe.Pointer(pathBytes)))
	attr.Ext2 = moduleOffset
	attr.Sample_type = perfSampleTID | perfSampleTime

	ring, err := openRing(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	runtime.KeepAlive(pathBytes)
	if err != nil {
		return err
	}

	ring.overrideKind = RecordProbeEntry
	if isReturn {
		ring.overrideKind = RecordProbeReturn
	}
	ring.probeAddr = probeAddr
	return m.add(ring)
}

// add registers a ring, enforcing the total mapped-memory ceiling. On a
// ceiling breach the ring is closed and ErrResourceExhausted returned.
func (m *Manager) add(r *Ring) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mappedBytes+len(r.data) > maxMappedBytes {
		_ = r.Close()
		return orbitsampler.NewError("add", orbitsampler.ErrResourceExhausted, nil,
			"ring memory budget exceeded: %d + %d > %d mapped bytes", m.mappedBytes, len(r.data), maxMappedBytes)
	}
	m.mappedBytes += len(r.data)
	m.rings = append(m.rings, r)
	return nil
}

// EnableAll enables every configured ring.
func (m *Manager) EnableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rings {
		if err := r.Enable(); err != nil {
			return orbitsampler.NewError("EnableAll", orbitsampler.ErrUnknown, err, "enable ring fd=%d", r.FD())
		}
	}
	return nil
}

// DisableAll disables every configured ring without releasing resources.
func (m *Manager) DisableAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rings {
		_ = r.Disable()
	}
}

// CloseAll disables, unmaps, and closes every ring.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rings {
		_ = r.Disable()
		_ = r.Close()
	}
	m.rings = nil
	m.mappedBytes = 0
}

// Rings returns the currently configured rings, for callers that need to
// poll them directly (e.g. the coordinator's fan-in loop).
func (m *Manager) Rings() []*Ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Ring, len(m.rings))
	copy(out, m.rings)
	return out
}

// Consume polls every ring until ctx is cancelled, invoking onRecord for
// every decoded record with the owning ring's index. Each poll waits up
// to pollTimeout for readiness, so cancellation is observed within one
// poll interval.
func (m *Manager) Consume(ctx context.Context, pollTimeout int, onRecord func(ringIdx int, rec Record)) error {
	rings := m.Rings()
	if len(rings) == 0 {
		return nil
	}
	pfds := make([]unix.PollFd, len(rings))
	for i, r := range rings {
		pfds[i] = unix.PollFd{Fd: int32(r.FD()), Events: unix.POLLIN}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.Poll(pfds, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return orbitsampler.NewError("Consume", orbitsampler.ErrUnknown, err, "poll")
		}
		if n == 0 {
			continue
		}
		for i, pfd := range pfds {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			recs, _ := rings[i].Read()
			for _, rec := range recs {
				onRecord(i, rec)
			}
		}
	}
}

