package procinspect

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCpusetFromCgroup(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{
			name:    "game cgroup wins over memory",
			content: "12:cpuset:/game\n8:memory:/\n",
			want:    "/game",
			ok:      true,
		},
		{
			name:    "root cpuset",
			content: "8:cpuset:/\n",
			want:    "/",
			ok:      true,
		},
		{
			name:    "co-mounted controllers",
			content: "5:cpuacct,cpu,cpuset:/daemons\n",
			want:    "/daemons",
			ok:      true,
		},
		{
			name:    "no cpuset entry",
			content: "8:memory:/\n",
			want:    "",
			ok:      false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ExtractCpusetFromCgroup(c.content)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestParseCpusetCpus(t *testing.T) {
	got := ParseCpusetCpus("0-2,7,12-14")
	assert.Equal(t, []int{0, 1, 2, 7, 12, 13, 14}, got)
}

func TestParseCpusetCpusRoundTrip(t *testing.T) {
	inputs := [][]int{
		{0, 1, 2, 7, 12, 13, 14},
		{0},
		{3, 4, 5},
		{0, 2, 4, 6},
	}
	for _, in := range inputs {
		formatted := FormatCpusetCpus(in)
		got := ParseCpusetCpus(formatted)
		require.Equal(t, in, got, "round trip through %q", formatted)
	}
}

func TestParseCpusetCpusEmpty(t *testing.T) {
	assert.Nil(t, ParseCpusetCpus(""))
}

func TestThreadCPUTimeTicks(t *testing.T) {
	dir := t.TempDir()
	oldRoot := ProcRoot
	ProcRoot = dir
	defer func() { ProcRoot = oldRoot }()

	require.NoError(t, os.MkdirAll(dir+"/4242", 0o755))
	stat := "4242 (orbit worker) S 1 4242 4242 0 -1 4194304 100 0 0 0 321 87 0 0 20 0 4 0 999 0 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0\n"
	require.NoError(t, os.WriteFile(dir+"/4242/stat", []byte(stat), 0o644))

	ticks, ok := NewInspector().ThreadCPUTimeTicks(4242)
	require.True(t, ok)
	assert.EqualValues(t, 408, ticks)

	_, ok = NewInspector().ThreadCPUTimeTicks(9999)
	assert.False(t, ok)
}
