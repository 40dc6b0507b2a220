package baw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/seqno"
)

// send reserves and marks n sequence numbers, using the sequence number
// as the buffer handle.
func send(t *testing.T, w *Window, n int) []seqno.Seq {
	t.Helper()
	var out []seqno.Seq
	for i := 0; i < n; i++ {
		s, err := w.Reserve()
		require.NoError(t, err)
		require.NoError(t, w.MarkSent(s, descring.Handle(s)))
		out = append(out, s)
	}
	require.NoError(t, w.Check())
	return out
}

func TestReserveUntilFull(t *testing.T) {
	assert := require.New(t)
	w := New(10, 4)

	send(t, w, 4)
	_, err := w.Reserve()
	assert.ErrorIs(err, ErrWindowFull)
	assert.Equal(Open, w.State())
	assert.Equal(4, w.Len())
}

func TestSizeIsClamped(t *testing.T) {
	require.Equal(t, MaxSize, New(0, 1000).Size())
	require.Equal(t, 1, New(0, 0).Size())
}

func TestMarkSentOutsideWindow(t *testing.T) {
	w := New(100, 8)
	require.ErrorIs(t, w.MarkSent(108, 1), ErrOutsideWindow)
	require.ErrorIs(t, w.MarkSent(99, 1), ErrOutsideWindow)
}

func TestPartialAck(t *testing.T) {
	assert := require.New(t)
	w := New(100, 64)
	send(t, w, 5) // 100..104

	retired := w.Acknowledge(100, seqno.BitmapOf(100, 100, 102))
	assert.Equal([]descring.Handle{100}, retired)
	assert.Equal(seqno.Seq(101), w.Start())

	assert.True(w.IsOutstanding(101))
	assert.True(w.IsOutstanding(102))
	assert.True(w.IsAcked(102))
	assert.False(w.IsAcked(101))
	assert.NoError(w.Check())

	// 101 arrives late; 101 and 102 retire in order, 103 blocks.
	retired = w.Acknowledge(101, seqno.BitmapOf(101, 101))
	assert.Equal([]descring.Handle{101, 102}, retired)
	assert.Equal(seqno.Seq(103), w.Start())
	assert.Equal(2, w.Len())
}

func TestRoundTripRetire(t *testing.T) {
	assert := require.New(t)
	w := New(4090, 64)
	seqs := send(t, w, 20)

	retired := w.Acknowledge(4090, seqno.BitmapOf(4090, seqs...))
	assert.Len(retired, 20)
	for i, h := range retired {
		assert.Equal(descring.Handle(seqs[i]), h)
	}
	assert.True(w.Empty())
	assert.Equal(Idle, w.State())
	assert.Equal(seqno.Seq(4090).Add(20), w.Start())
	assert.Equal(w.Start(), w.Next())
	assert.NoError(w.Check())
}

func TestRetireDroppedFrame(t *testing.T) {
	assert := require.New(t)
	w := New(0, 8)
	send(t, w, 3)

	assert.True(w.Ack(1))
	assert.False(w.Ack(1))
	assert.Empty(w.Sweep())

	// Dropping 0 unblocks the acked 1; 2 stays outstanding.
	retired := w.Retire(0)
	assert.Equal([]descring.Handle{1}, retired)
	assert.Equal(seqno.Seq(2), w.Start())
	assert.True(w.Holds(2, 2))
	assert.False(w.Holds(2, 3))
	assert.NoError(w.Check())
}

func TestAckIgnoresOutOfWindow(t *testing.T) {
	assert := require.New(t)
	w := New(200, 8)
	send(t, w, 2)

	// The bitmap start lies behind the window; only 200 and 201 count.
	retired := w.Acknowledge(150, seqno.Bitmap(^uint64(0)))
	assert.Equal([]descring.Handle{200, 201}, retired)
	assert.True(w.Empty())
}

func TestWindowInvariantUnderRandomAcks(t *testing.T) {
	assert := require.New(t)
	w := New(4000, 64)

	for round := 0; round < 200; round++ {
		for {
			s, err := w.Reserve()
			if err != nil {
				assert.ErrorIs(err, ErrWindowFull)
				break
			}
			assert.NoError(w.MarkSent(s, descring.Handle(s)))
		}
		assert.NoError(w.Check())
		assert.LessOrEqual(w.Len(), w.Size())

		// Ack every third outstanding frame, then retire the head.
		var bm seqno.Bitmap
		for i := round % 3; i < w.Len(); i += 3 {
			bm = bm.Set(i)
		}
		w.Acknowledge(w.Start(), bm)
		assert.NoError(w.Check())
		w.Retire(w.Start())
		assert.NoError(w.Check())
	}
}

func TestAssignLegacy(t *testing.T) {
	assert := require.New(t)
	w := New(4095, 64)

	s, err := w.AssignLegacy()
	assert.NoError(err)
	assert.Equal(seqno.Seq(4095), s)
	assert.Equal(seqno.Seq(0), w.Start())
	assert.Equal(seqno.Seq(0), w.Next())

	send(t, w, 1)
	_, err = w.AssignLegacy()
	assert.ErrorIs(err, ErrWindowOpen)
	assert.ErrorIs(w.Reset(0, 32), ErrWindowOpen)
}

func TestDrain(t *testing.T) {
	assert := require.New(t)
	w := New(50, 16)
	send(t, w, 5)
	w.Retire(50)

	w.Drain()
	assert.True(w.Empty())
	assert.Equal(seqno.Seq(51), w.Start())
	assert.Equal(w.Start(), w.Next())
	assert.NoError(w.Check())
	assert.NoError(w.Reset(w.Start(), 8))
}
