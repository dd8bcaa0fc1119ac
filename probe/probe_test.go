package probe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteScript(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/orbit-99-1.bt"
	fns := []SelectedFunction{
		{ProbeSpecifier: "/bin/foo:DoWork", Address: 0x1000},
		{ProbeSpecifier: "/bin/foo:Helper", Address: 0x2000},
	}
	require.NoError(t, writeScript(path, fns))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	data := string(raw)
	assert.Contains(t, data, "uprobe:/bin/foo:DoWork")
	assert.Contains(t, data, "uretprobe:/bin/foo:DoWork")
	assert.Contains(t, data, `printf("b 4096 %u %lld\n", tid, nsecs)`)
	assert.Contains(t, data, `printf("e 4096 %u %lld\n", tid, nsecs)`)
}

func TestParseLine(t *testing.T) {
	tr := &TracerInstaller{}

	ev, ok := tr.parseLine("b 4096 17 123456789")
	require.True(t, ok)
	assert.True(t, ev.Begin)
	assert.EqualValues(t, 4096, ev.Address)
	assert.EqualValues(t, 17, ev.ThreadID)
	assert.EqualValues(t, 123456789, ev.TimeNs)

	ev, ok = tr.parseLine("e 4096 17 123456999")
	require.True(t, ok)
	assert.False(t, ev.Begin)

	_, ok = tr.parseLine("garbage line")
	assert.False(t, ok)

	_, ok = tr.parseLine("x 1 2 3")
	assert.False(t, ok)
}
