package frame

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/ampdu-go/seqno"
)

var (
	addrA = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	addrB = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
)

func TestQoSDataRoundTrip(t *testing.T) {
	assert := require.New(t)

	b, err := QoSData(addrB, addrA, 5, []byte("hello"))
	assert.NoError(err)
	assert.Len(b, QoSHeaderLen+5+FCSLen)
	assert.Equal(byte(0x88), b[0])
	assert.True(FCSValid(b))

	assert.NoError(SetSeq(b, 1234))
	h, err := Parse(b)
	assert.NoError(err)
	assert.Equal(KindQoSData, h.Kind)
	assert.Equal(uint8(5), h.TID)
	assert.Equal(seqno.Seq(1234), h.Seq)
	assert.False(h.Retry)
	assert.Equal(addrB, h.Addr1)
	assert.Equal(addrA, h.Addr2)

	SetRetry(b)
	h, err = Parse(b)
	assert.NoError(err)
	assert.True(h.Retry)
	assert.Equal(seqno.Seq(1234), h.Seq)
}

func TestParseRejectsCorruption(t *testing.T) {
	assert := require.New(t)

	b, err := Data(addrB, addrA, []byte{1, 2, 3})
	assert.NoError(err)
	h, err := Parse(b)
	assert.NoError(err)
	assert.Equal(KindData, h.Kind)

	b[HeaderLen] ^= 0xFF
	_, err = Parse(b)
	assert.ErrorIs(err, ErrBadFCS)

	_, err = Parse(b[:HeaderLen])
	assert.ErrorIs(err, ErrTruncated)
	_, err = Parse(nil)
	assert.ErrorIs(err, ErrTruncated)
}

func TestActionIsMgmt(t *testing.T) {
	b, err := Action(addrB, addrA, []byte{3, 0})
	require.NoError(t, err)
	h, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, KindMgmt, h.Kind)
	require.True(t, h.HasSeq())
}

func TestBlockAck(t *testing.T) {
	assert := require.New(t)

	ba := BlockAck{
		RA:     addrA,
		TA:     addrB,
		TID:    6,
		Start:  4090,
		Bitmap: seqno.BitmapOf(4090, 4090, 4095, 3),
	}
	b := ba.Marshal()
	assert.Len(b, BlockAckLen)
	assert.Equal(byte(0x94), b[0])

	h, err := Parse(b)
	assert.NoError(err)
	assert.Equal(KindCtrl, h.Kind)
	assert.False(h.HasSeq())

	got, err := ParseBlockAck(b)
	assert.NoError(err)
	assert.Equal(ba, got)

	_, err = ParseBlockAckReq(b)
	assert.ErrorIs(err, ErrNotBlockAck)
	assert.ErrorIs(SetSeq(b, 1), ErrNoSeq)
}

func TestBlockAckReq(t *testing.T) {
	assert := require.New(t)

	r := BlockAckReq{RA: addrB, TA: addrA, TID: 2, Start: 77}
	b := r.Marshal()
	assert.Equal(byte(0x84), b[0])

	got, err := ParseBlockAckReq(b)
	assert.NoError(err)
	assert.Equal(r, got)
}
