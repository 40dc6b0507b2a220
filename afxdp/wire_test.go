package afxdp

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/xmit"
)

var (
	hostAddr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	headAddr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	peerAddr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x03}
)

func encode(t *testing.T, src, dst net.HardwareAddr, h Header, body []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, AppendMessage(buf, src, dst, h, body))
	return append([]byte(nil), buf.Bytes()...)
}

func TestMessageRoundTrip(t *testing.T) {
	assert := require.New(t)

	id := xmit.DescID{Handle: 513, Gen: 70000}
	b := encode(t, hostAddr, headAddr, Header{
		Type:      MsgSubframe,
		Queue:     2,
		Index:     1,
		Count:     3,
		ID:        id,
		Flags:     FlagAggregate,
		PadDelims: 4,
	}, []byte{1, 2, 3})

	// Short bodies are padded to the Ethernet minimum.
	assert.Len(b, 60)

	m, err := ParseMessage(b)
	assert.NoError(err)
	assert.Equal(headAddr, m.Dst)
	assert.Equal(hostAddr, m.Src)
	assert.Equal(MsgSubframe, m.Type)
	assert.Equal(uint8(2), m.Queue)
	assert.Equal(uint8(1), m.Index)
	assert.Equal(uint8(3), m.Count)
	assert.Equal(id, m.ID)
	assert.Equal(uint8(FlagAggregate), m.Flags)
	assert.Equal(uint8(4), m.PadDelims)
	assert.Equal([]byte{1, 2, 3}, m.Body)
}

func TestParseMessageRejects(t *testing.T) {
	assert := require.New(t)

	b := encode(t, hostAddr, headAddr, Header{Type: MsgResetQueue}, nil)

	other := append([]byte(nil), b...)
	other[12], other[13] = 0x08, 0x00
	_, err := ParseMessage(other)
	assert.ErrorIs(err, ErrNotRadioHead)

	_, err = ParseMessage(b[:14+HeaderLen-1])
	assert.ErrorIs(err, ErrShortMessage)

	long := append([]byte(nil), b...)
	long[14+14], long[14+15] = 0xff, 0xff
	_, err = ParseMessage(long)
	assert.ErrorIs(err, ErrShortMessage)
}

func TestGopacketDecodesRadioHead(t *testing.T) {
	assert := require.New(t)

	b := encode(t, headAddr, hostAddr, Header{Type: MsgCompletion, Queue: 1}, nil)
	p := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Default)
	l := p.Layer(LayerTypeRadioHead)
	assert.NotNil(l)
	h := l.(*Header)
	assert.Equal(MsgCompletion, h.Type)
	assert.Equal(uint8(1), h.Queue)
}

func TestSubframeMessages(t *testing.T) {
	assert := require.New(t)

	var subs []xmit.Subframe
	var want []frame.Subframe
	for i := range 3 {
		mpdu, err := frame.QoSData(peerAddr, hostAddr, 0, make([]byte, 100+i))
		assert.NoError(err)
		subs = append(subs, xmit.Subframe{MPDU: mpdu, PadDelims: i})
		want = append(want, frame.Subframe{MPDU: mpdu, PadDelims: i})
	}
	d := &xmit.Descriptor{
		ID:        xmit.DescID{Handle: 4, Gen: 9},
		Queue:     1,
		Aggregate: true,
		Subframes: subs,
	}

	var got [][]byte
	buf := gopacket.NewSerializeBuffer()
	err := SubframeMessages(buf, hostAddr, headAddr, d, func(b []byte) error {
		got = append(got, append([]byte(nil), b...))
		return nil
	})
	assert.NoError(err)
	assert.Len(got, 3)

	// The radio head rebuilds the A-MPDU from the bodies.
	var ampdu []byte
	for i, b := range got {
		m, err := ParseMessage(b)
		assert.NoError(err)
		assert.Equal(MsgSubframe, m.Type)
		assert.Equal(d.ID, m.ID)
		assert.Equal(uint8(i), m.Index)
		assert.Equal(uint8(3), m.Count)
		assert.Equal(uint8(FlagAggregate), m.Flags)

		ampdu = append(ampdu, m.Body...)
		if i == len(got)-1 {
			break
		}
		ampdu = append(ampdu, make([]byte, frame.PadBytes(len(m.Body)))...)
		for range m.PadDelims {
			ampdu = frame.AppendDelimiter(ampdu, frame.Delimiter{})
		}
	}
	encoded, err := frame.AppendAMPDU(nil, want)
	assert.NoError(err)
	assert.Equal(encoded, ampdu)
	assert.Equal(frame.EncodedLen(want), len(ampdu))

	mpdus, err := frame.SplitAMPDU(ampdu)
	assert.NoError(err)
	assert.Len(mpdus, 3)
	for i := range mpdus {
		assert.Equal(subs[i].MPDU, mpdus[i])
	}
}
