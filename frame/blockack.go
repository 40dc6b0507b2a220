package frame

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"

	"github.com/romshark/ampdu-go/seqno"
)

const (
	// BlockAckLen is the length of a compressed block-ack frame.
	BlockAckLen = 32
	// BlockAckReqLen is the length of a compressed block-ack request.
	BlockAckReqLen = 24

	baCtlOffset    = 16
	baSSCOffset    = 18
	baBitmapOffset = 20

	baCtlMultiTID   = 0x0002
	baCtlCompressed = 0x0004
	baCtlTIDShift   = 12
)

// BlockAck is a compressed block-ack: the peer acknowledges Start+n for
// every bit n set in Bitmap.
type BlockAck struct {
	RA     net.HardwareAddr
	TA     net.HardwareAddr
	TID    uint8
	Start  seqno.Seq
	Bitmap seqno.Bitmap
}

// BlockAckReq asks the peer to move its reorder window to Start.
type BlockAckReq struct {
	RA    net.HardwareAddr
	TA    net.HardwareAddr
	TID   uint8
	Start seqno.Seq
}

func putCtrlHeader(b []byte, t layers.Dot11Type, ra, ta net.HardwareAddr, tid uint8) {
	b[0] = byte(t) << 2
	copy(b[4:10], ra)
	copy(b[10:16], ta)
	binary.LittleEndian.PutUint16(b[baCtlOffset:],
		baCtlCompressed|uint16(tid&0x0F)<<baCtlTIDShift)
}

// Marshal encodes ba including its FCS.
// The serializer in gopacket always emits a 24-byte header, which is
// wrong for control frames, so the header is written here.
func (ba BlockAck) Marshal() []byte {
	b := make([]byte, BlockAckLen)
	putCtrlHeader(b, layers.Dot11TypeCtrlBlockAck, ba.RA, ba.TA, ba.TID)
	binary.LittleEndian.PutUint16(b[baSSCOffset:], ba.Start.Control())
	binary.LittleEndian.PutUint64(b[baBitmapOffset:], uint64(ba.Bitmap))
	UpdateFCS(b)
	return b
}

// Marshal encodes r including its FCS.
func (r BlockAckReq) Marshal() []byte {
	b := make([]byte, BlockAckReqLen)
	putCtrlHeader(b, layers.Dot11TypeCtrlBlockAckReq, r.RA, r.TA, r.TID)
	binary.LittleEndian.PutUint16(b[baSSCOffset:], r.Start.Control())
	UpdateFCS(b)
	return b
}

func parseCtrl(b []byte, want layers.Dot11Type, length int) (Header, uint16, error) {
	h, err := Parse(b)
	if err != nil {
		return h, 0, err
	}
	if h.Type != want {
		return h, 0, fmt.Errorf("%w: type %v", ErrNotBlockAck, h.Type)
	}
	if len(b) < length {
		return h, 0, ErrTruncated
	}
	ctl := binary.LittleEndian.Uint16(b[baCtlOffset:])
	if ctl&baCtlCompressed == 0 || ctl&baCtlMultiTID != 0 {
		return h, 0, fmt.Errorf("%w: control 0x%04x", ErrNotBlockAck, ctl)
	}
	return h, ctl, nil
}

// ParseBlockAck decodes a compressed block-ack frame.
func ParseBlockAck(b []byte) (BlockAck, error) {
	h, ctl, err := parseCtrl(b, layers.Dot11TypeCtrlBlockAck, BlockAckLen)
	if err != nil {
		return BlockAck{}, err
	}
	return BlockAck{
		RA:     h.Addr1,
		TA:     h.Addr2,
		TID:    uint8(ctl >> baCtlTIDShift),
		Start:  seqno.FromControl(binary.LittleEndian.Uint16(b[baSSCOffset:])),
		Bitmap: seqno.Bitmap(binary.LittleEndian.Uint64(b[baBitmapOffset:])),
	}, nil
}

// ParseBlockAckReq decodes a compressed block-ack request.
func ParseBlockAckReq(b []byte) (BlockAckReq, error) {
	h, ctl, err := parseCtrl(b, layers.Dot11TypeCtrlBlockAckReq, BlockAckReqLen)
	if err != nil {
		return BlockAckReq{}, err
	}
	return BlockAckReq{
		RA:    h.Addr1,
		TA:    h.Addr2,
		TID:   uint8(ctl >> baCtlTIDShift),
		Start: seqno.FromControl(binary.LittleEndian.Uint16(b[baSSCOffset:])),
	}, nil
}
