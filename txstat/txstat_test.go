package txstat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type source map[string]*Counters

func (s source) Counters() map[string]*Counters { return s }

func TestSnapshotSince(t *testing.T) {
	assert := require.New(t)

	src := source{"q0": new(Counters), "q1": new(Counters)}
	src["q0"].Add(Queued, 10)
	src["q1"].Inc(Retries)

	old := Snapshot(src)
	assert.Len(old, 2)
	assert.Equal(uint64(10), old["q0"][Queued])
	assert.Len(old["q0"], int(NumCounters))

	src["q0"].Add(Queued, 5)
	src["q0"].Add(Delivered, 15)
	now := Snapshot(src, Queued, Delivered)
	d := now.Since(old)
	assert.Equal(uint64(5), d["q0"][Queued])
	assert.Equal(uint64(15), d["q0"][Delivered])
	assert.Equal(uint64(0), d["q1"][Queued])
	assert.Equal(uint64(15), now.Total(Queued))
}

func TestPrint(t *testing.T) {
	src := source{"q2": new(Counters)}
	src["q2"].Add(Queued, 1234)
	src["q2"].Add(QueuedBytes, 2_000_000)
	src["q2"].Add(Delivered, 1200)

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, Snapshot(src), map[string]string{"q2": "video"}))
	out := buf.String()
	require.Contains(t, out, "q2 (video):")
	require.Contains(t, out, "2.0 MB")
	require.Contains(t, out, "1,200")
}
