package perfring

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"orbitsampler"
)

func TestDecodeSample(t *testing.T) {
	body := make([]byte, 0, 32)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 42)
	body = append(body, buf...) // pid
	binary.LittleEndian.PutUint32(buf, 7)
	body = append(body, buf...) // tid
	t8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(t8, 123456789)
	body = append(body, t8...) // time
	binary.LittleEndian.PutUint64(t8, 2)
	body = append(body, t8...) // nr
	binary.LittleEndian.PutUint64(t8, 0xdeadbeef)
	body = append(body, t8...)
	binary.LittleEndian.PutUint64(t8, 0xcafef00d)
	body = append(body, t8...)

	rec, ok := decodeSample(body)
	require.True(t, ok)
	assert.Equal(t, RecordSample, rec.Kind)
	assert.EqualValues(t, 42, rec.Pid)
	assert.EqualValues(t, 7, rec.Tid)
	assert.EqualValues(t, 123456789, rec.TimeNs)
	require.Len(t, rec.Stack, 2)
	assert.EqualValues(t, 0xdeadbeef, rec.Stack[0])
	assert.EqualValues(t, 0xcafef00d, rec.Stack[1])
}

func TestDecodeMmap2(t *testing.T) {
	body := make([]byte, 0, 64)
	u4 := make([]byte, 4)
	u8 := make([]byte, 8)
	binary.LittleEndian.PutUint32(u4, 10)
	body = append(body, u4...) // pid
	binary.LittleEndian.PutUint32(u4, 11)
	body = append(body, u4...) // tid
	binary.LittleEndian.PutUint64(u8, 0x400000)
	body = append(body, u8...) // addr
	binary.LittleEndian.PutUint64(u8, 0x1000)
	body = append(body, u8...) // len
	binary.LittleEndian.PutUint64(u8, 0)
	body = append(body, u8...)        // pgoff
	body = append(body, make([]byte, 32)...) // maj/min/ino/gen/prot/flags
	body = append(body, []byte("/usr/bin/foo\x00\x00\x00")...)

	rec, ok := decodeMmap(perfRecordMmap2, body)
	require.True(t, ok)
	assert.Equal(t, RecordMmap, rec.Kind)
	assert.EqualValues(t, 0x400000, rec.Addr)
	assert.EqualValues(t, 0x1000, rec.Len)
	assert.Equal(t, "/usr/bin/foo", rec.Filename)
}

func TestDecodeLost(t *testing.T) {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[8:16], 5)
	rec, ok := decodeLost(body)
	require.True(t, ok)
	assert.Equal(t, RecordLost, rec.Kind)
	assert.EqualValues(t, 5, rec.LostCount)
}

func TestDecodeSwitch(t *testing.T) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 3)
	binary.LittleEndian.PutUint32(body[4:8], 4)
	rec, ok := decodeSwitch(body)
	require.True(t, ok)
	assert.Equal(t, RecordContextSwitch, rec.Kind)
	assert.EqualValues(t, 3, rec.Pid)
	assert.EqualValues(t, 4, rec.Tid)
}

func TestCString(t *testing.T) {
	assert.Equal(t, "foo", cString([]byte("foo\x00\x00")))
	assert.Equal(t, "bar", cString([]byte("bar")))
}

// TestRingCopyOutWrapAround exercises the wrap-around reassembly path
// directly against a Ring whose data region is small enough to force a
// record to straddle the end of the buffer.
func TestRingCopyOutWrapAround(t *testing.T) {
	pageSize := unix.Getpagesize()
	dataSize := uint64(pageSize) // single data page
	r := &Ring{
		data:     make([]byte, pageSize*2),
		pageSize: pageSize,
	}

	// Write a 16-byte record straddling the wrap point: its first 8 bytes
	// at the end of the buffer, its last 8 bytes wrapped to the start.
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	data := r.dataPages()
	copy(data[dataSize-8:], want[:8])
	copy(data[:8], want[8:])

	got := r.copyOut(dataSize-8, 16, dataSize)
	assert.Equal(t, want, got)
}

func TestDecodeUnknownType(t *testing.T) {
	_, ok := decode(0xffff, nil)
	assert.False(t, ok)
}

// TestAddEnforcesMemoryBudget checks that registering rings past the
// mapped-memory ceiling fails with ResourceExhausted instead of mapping
// unbounded kernel buffers.
func TestAddEnforcesMemoryBudget(t *testing.T) {
	m := &Manager{}
	r := &Ring{fd: -1, data: make([]byte, maxMappedBytes+1)}
	err := m.add(r)
	require.Error(t, err)
	assert.Equal(t, orbitsampler.ErrResourceExhausted, orbitsampler.KindOf(err))
	assert.Empty(t, m.Rings())
}

// TestDecodeSampleStripsContextMarkers: the kernel leads callchains with
// PERF_CONTEXT_* boundary markers (PERF_CONTEXT_USER even on a user-only
// chain); those must never surface as stack frames, or the marker would
// take the leaf position and soak up all exclusive credit downstream.
func TestDecodeSampleStripsContextMarkers(t *testing.T) {
	const perfContextUser = 0xfffffffffffffe00

	body := make([]byte, 0, 48)
	u4 := make([]byte, 4)
	u8 := make([]byte, 8)
	binary.LittleEndian.PutUint32(u4, 42)
	body = append(body, u4...) // pid
	binary.LittleEndian.PutUint32(u4, 7)
	body = append(body, u4...) // tid
	binary.LittleEndian.PutUint64(u8, 5000)
	body = append(body, u8...) // time
	binary.LittleEndian.PutUint64(u8, 3)
	body = append(body, u8...) // nr
	binary.LittleEndian.PutUint64(u8, perfContextUser)
	body = append(body, u8...)
	binary.LittleEndian.PutUint64(u8, 0x401126)
	body = append(body, u8...)
	binary.LittleEndian.PutUint64(u8, 0x40115a)
	body = append(body, u8...)

	rec, ok := decodeSample(body)
	require.True(t, ok)
	require.Len(t, rec.Stack, 2)
	assert.EqualValues(t, 0x401126, rec.Stack[0], "real leaf, not the context marker")
	assert.EqualValues(t, 0x40115a, rec.Stack[1])
}
