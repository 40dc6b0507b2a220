package afxdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/xmit"
)

// EtherType carries radio head messages. It is the IEEE local
// experimental ethertype 1.
const EtherType layers.EthernetType = 0x88B5

var (
	ErrNotRadioHead   = errors.New("not a radio head message")
	ErrShortMessage   = errors.New("radio head message truncated")
	ErrUnknownMessage = errors.New("unknown radio head message")
)

// MsgType identifies a radio head message.
type MsgType uint8

const (
	// Host to radio head.
	MsgSubframe    MsgType = 0x01
	MsgBlockAckReq MsgType = 0x02
	MsgResetQueue  MsgType = 0x03
	MsgAction      MsgType = 0x04

	// Radio head to host.
	MsgCompletion     MsgType = 0x81
	MsgBlockAck       MsgType = 0x82
	MsgActionResponse MsgType = 0x83
)

func (t MsgType) String() string {
	switch t {
	case MsgSubframe:
		return "subframe"
	case MsgBlockAckReq:
		return "block-ack-req"
	case MsgResetQueue:
		return "reset-queue"
	case MsgAction:
		return "action"
	case MsgCompletion:
		return "completion"
	case MsgBlockAck:
		return "block-ack"
	case MsgActionResponse:
		return "action-response"
	}
	return fmt.Sprintf("msg(%#x)", uint8(t))
}

// FlagAggregate marks a subframe that belongs to an A-MPDU.
const FlagAggregate = 1

// HeaderLen is the encoded size of Header.
const HeaderLen = 16

// LayerTypeRadioHead is the gopacket layer type of Header.
var LayerTypeRadioHead = gopacket.RegisterLayerType(1788, gopacket.LayerTypeMetadata{
	Name:    "RadioHead",
	Decoder: gopacket.DecodeFunc(decodeRadioHead),
})

// Header prefixes every radio head message.
//
//	0      type
//	1      hardware queue
//	2      subframe index
//	3      subframe count
//	4..7   descriptor handle
//	8..11  descriptor generation
//	12     flags or completion status
//	13     pad delimiters
//	14..15 body length
//
// For subframes the body is the A-MPDU delimiter followed by the MPDU, so
// the radio head rebuilds the aggregate by concatenating the bodies in
// index order, each but the last followed by alignment padding and its
// pad delimiters. Completions optionally
// carry a compressed block-ack frame. Every other message carries one
// 802.11 frame: a block-ack request, a block-ack or an action frame.
type Header struct {
	layers.BaseLayer

	Type      MsgType
	Queue     uint8
	Index     uint8
	Count     uint8
	ID        xmit.DescID
	Flags     uint8
	PadDelims uint8
	Length    uint16
}

func (h *Header) LayerType() gopacket.LayerType { return LayerTypeRadioHead }

func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if opts.FixLengths {
		h.Length = uint16(len(b.Bytes()))
	}
	p, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	p[0], p[1], p[2], p[3] = byte(h.Type), h.Queue, h.Index, h.Count
	binary.BigEndian.PutUint32(p[4:], uint32(h.ID.Handle))
	binary.BigEndian.PutUint32(p[8:], h.ID.Gen)
	p[12], p[13] = h.Flags, h.PadDelims
	binary.BigEndian.PutUint16(p[14:], h.Length)
	return nil
}

func (h *Header) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return ErrShortMessage
	}
	h.Type = MsgType(data[0])
	h.Queue, h.Index, h.Count = data[1], data[2], data[3]
	h.ID.Handle = descring.Handle(binary.BigEndian.Uint32(data[4:]))
	h.ID.Gen = binary.BigEndian.Uint32(data[8:])
	h.Flags, h.PadDelims = data[12], data[13]
	h.Length = binary.BigEndian.Uint16(data[14:])

	body := data[HeaderLen:]
	if int(h.Length) > len(body) {
		df.SetTruncated()
		return ErrShortMessage
	}
	// Bodies shorter than the Ethernet minimum are followed by padding.
	h.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLen], Payload: body[:h.Length]}
	return nil
}

func (h *Header) CanDecode() gopacket.LayerClass    { return LayerTypeRadioHead }
func (h *Header) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func decodeRadioHead(data []byte, p gopacket.PacketBuilder) error {
	h := &Header{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(h.NextLayerType())
}

func init() {
	layers.EthernetTypeMetadata[EtherType] = layers.EnumMetadata{
		DecodeWith: LayerTypeRadioHead,
		Name:       "RadioHead",
		LayerType:  LayerTypeRadioHead,
	}
}

// Message is one decoded radio head message. Body aliases the buffer it
// was decoded from.
type Message struct {
	Src, Dst net.HardwareAddr
	Header
	Body []byte
}

// AppendMessage serializes one message addressed from src to dst.
func AppendMessage(
	buf gopacket.SerializeBuffer, src, dst net.HardwareAddr, h Header, body []byte,
) error {
	return gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: EtherType},
		&h,
		gopacket.Payload(body),
	)
}

// ParseMessage decodes an Ethernet frame carrying a radio head message.
func ParseMessage(b []byte) (Message, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrNotRadioHead, err)
	}
	if eth.EthernetType != EtherType {
		return Message{}, ErrNotRadioHead
	}
	m := Message{Src: eth.SrcMAC, Dst: eth.DstMAC}
	if err := m.Header.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return Message{}, err
	}
	m.Body = m.Header.Payload
	return m, nil
}

// SubframeMessages encodes one message per subframe of d into buf,
// calling emit after each one. buf is cleared before every message.
func SubframeMessages(
	buf gopacket.SerializeBuffer, src, dst net.HardwareAddr, d *xmit.Descriptor,
	emit func([]byte) error,
) error {
	if len(d.Subframes) > 255 {
		return fmt.Errorf("descriptor %s has %d subframes", d.ID, len(d.Subframes))
	}
	var flags uint8
	if d.Aggregate {
		flags |= FlagAggregate
	}
	body := make([]byte, 0, frame.DelimLen+frame.MaxSubframeLen)
	for i, s := range d.Subframes {
		body = frame.AppendDelimiter(body[:0], frame.Delimiter{Length: len(s.MPDU)})
		body = append(body, s.MPDU...)
		if err := buf.Clear(); err != nil {
			return err
		}
		err := AppendMessage(buf, src, dst, Header{
			Type:      MsgSubframe,
			Queue:     uint8(d.Queue),
			Index:     uint8(i),
			Count:     uint8(len(d.Subframes)),
			ID:        d.ID,
			Flags:     flags,
			PadDelims: uint8(s.PadDelims),
		}, body)
		if err != nil {
			return fmt.Errorf("encoding subframe %d of %s: %w", i, d.ID, err)
		}
		if err := emit(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
