//go:build linux

package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/xmit"
)

type sinkFunc func(xmit.Completion)

func (f sinkFunc) Complete(c xmit.Completion) { f(c) }

func newTestRadio(t *testing.T) *Radio {
	t.Helper()
	conf := RadioConfig{Logger: zaptest.NewLogger(t), Head: headAddr}
	require.NoError(t, conf.ValidateAndSetDefaults())
	return newRadio(conf, hostAddr)
}

func TestRadioConfigDefaults(t *testing.T) {
	assert := require.New(t)

	var c RadioConfig
	assert.Error(c.ValidateAndSetDefaults())

	c = RadioConfig{Head: headAddr}
	assert.NoError(c.ValidateAndSetDefaults())
	assert.Equal(DefaultRadioQueues, c.Queues)
	assert.Equal(DefaultRadioQueueLimit, c.QueueLimit)
	assert.Equal(uint32(DefaultNumFrames), c.Socket.NumFrames)

	c = RadioConfig{Head: headAddr, Queues: 256}
	assert.Error(c.ValidateAndSetDefaults())
}

func TestRadioCompletions(t *testing.T) {
	assert := require.New(t)
	r := newTestRadio(t)

	id := xmit.DescID{Handle: 3, Gen: 1}
	r.inflight[1][id] = struct{}{}

	ba := frame.BlockAck{
		RA:     hostAddr,
		TA:     peerAddr,
		TID:    5,
		Start:  100,
		Bitmap: seqno.BitmapOf(100, 100, 102),
	}.Marshal()

	var out rxBatch
	r.handleLocked(encode(t, headAddr, hostAddr, Header{
		Type:  MsgCompletion,
		Queue: 1,
		ID:    id,
		Flags: uint8(xmit.TxOK),
	}, ba), &out)
	r.handleLocked(encode(t, headAddr, hostAddr, Header{
		Type:  MsgCompletion,
		Queue: 0,
		ID:    xmit.DescID{Handle: 9, Gen: 2},
		Flags: uint8(xmit.TxFailed),
	}, nil), &out)

	assert.Len(out.completions, 2)
	c := out.completions[0]
	assert.Equal(1, c.Queue)
	assert.Equal(id, c.ID)
	assert.Equal(xmit.TxOK, c.Status)
	assert.NotNil(c.BlockAck)
	assert.Equal(seqno.Seq(100), c.BlockAck.Start)
	assert.Equal(2, c.BlockAck.Bitmap.Count())
	assert.Nil(out.completions[1].BlockAck)
	assert.Equal(xmit.TxFailed, out.completions[1].Status)
	assert.Zero(r.Pending())

	var got []xmit.Completion
	r.Attach(sinkFunc(func(c xmit.Completion) { got = append(got, c) }))
	r.deliver(&out)
	assert.Equal(out.completions, got)
}

func TestRadioSeparateBlockAck(t *testing.T) {
	assert := require.New(t)
	r := newTestRadio(t)

	var peer xmit.PeerID
	var tid uint8
	var start seqno.Seq
	r.SetBlockAckHandler(func(p xmit.PeerID, n uint8, s seqno.Seq, _ seqno.Bitmap) {
		peer, tid, start = p, n, s
	})
	r.Attach(sinkFunc(func(xmit.Completion) {}))

	b := encode(t, headAddr, hostAddr, Header{Type: MsgBlockAck}, frame.BlockAck{
		RA: hostAddr, TA: peerAddr, TID: 2, Start: 7, Bitmap: 1,
	}.Marshal())

	var out rxBatch
	r.handleLocked(b, &out)
	// The handler must not see the receive buffer.
	clear(b)
	r.deliver(&out)

	assert.Equal(peerAddr.String(), peer.HardwareAddr().String())
	assert.Equal(uint8(2), tid)
	assert.Equal(seqno.Seq(7), start)
	assert.Equal(uint64(1), r.Stats().BlockAcks)
}

func TestRadioIgnoresForeignAndMalformed(t *testing.T) {
	assert := require.New(t)
	r := newTestRadio(t)

	var out rxBatch
	r.handleLocked(encode(t, peerAddr, hostAddr, Header{Type: MsgCompletion}, nil), &out)
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgCompletion, Flags: 9}, nil), &out)
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgCompletion, Queue: 200}, nil), &out)
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgBlockAck}, []byte{1, 2}), &out)
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgSubframe}, nil), &out)

	ipv4 := encode(t, headAddr, hostAddr, Header{}, nil)
	ipv4[12], ipv4[13] = 0x08, 0x00
	r.handleLocked(ipv4, &out)

	assert.Empty(out.completions)
	assert.Empty(out.acks)
	st := r.Stats()
	assert.Equal(uint64(2), st.Foreign)
	assert.Equal(uint64(4), st.Malformed)
}

func TestRadioAddbaResponse(t *testing.T) {
	assert := require.New(t)
	r := newTestRadio(t)

	ch := make(chan frame.AddbaResponse, 1)
	r.waiters[4] = ch

	resp, err := frame.Action(hostAddr, peerAddr, frame.AddbaResponse{
		Token:   4,
		Status:  frame.StatusSuccess,
		TID:     1,
		BufSize: 32,
	}.Body())
	assert.NoError(err)

	var out rxBatch
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgActionResponse}, resp), &out)
	// A duplicate response is dropped.
	r.handleLocked(encode(t, headAddr, hostAddr, Header{Type: MsgActionResponse}, resp), &out)

	got := <-ch
	assert.Equal(32, got.BufSize)
	assert.Equal(uint8(1), got.TID)
	assert.Equal(uint64(2), r.Stats().ActionResponses)
}
