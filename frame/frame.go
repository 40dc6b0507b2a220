// Package frame reads and patches the 802.11 MAC frames the transmit
// path handles: QoS data subframes, block-ack and block-ack request
// control frames, and A-MPDU delimiters.
//
// Every frame carries its trailing 4-byte FCS. Functions that modify a
// header field recompute the FCS.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/ampdu-go/seqno"
)

var (
	ErrTruncated   = errors.New("frame truncated")
	ErrBadFCS      = errors.New("frame check sequence mismatch")
	ErrNoSeq       = errors.New("frame has no sequence control field")
	ErrNotBlockAck = errors.New("not a compressed block-ack frame")
)

const (
	FCSLen       = 4
	HeaderLen    = 24 // three-address header
	QoSHeaderLen = HeaderLen + 2

	seqCtlOffset = 22
	flagsOffset  = 1
)

// Kind classifies a frame for the transmit path.
type Kind int

const (
	KindMgmt Kind = iota
	KindCtrl
	KindData
	KindQoSData
)

func (k Kind) String() string {
	switch k {
	case KindMgmt:
		return "mgmt"
	case KindCtrl:
		return "ctrl"
	case KindData:
		return "data"
	case KindQoSData:
		return "qos-data"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Header is the subset of the MAC header the engine cares about.
type Header struct {
	Kind      Kind
	Type      layers.Dot11Type
	TID       uint8
	Seq       seqno.Seq
	Retry     bool
	Protected bool
	Addr1     net.HardwareAddr
	Addr2     net.HardwareAddr
}

// HasSeq reports whether the frame carries a sequence control field.
func (h Header) HasSeq() bool { return h.Kind != KindCtrl }

// minLen returns the smallest length a frame starting with fc0, fc1 can
// have without the decoder reading past the end.
func minLen(fc0, fc1 byte) int {
	t := layers.Dot11Type((fc0 & 0xFC) >> 2)
	flags := layers.Dot11Flags(fc1)
	n := 10
	switch t.MainType() {
	case layers.Dot11TypeCtrl:
		if t == layers.Dot11TypeCtrlBlockAck || t == layers.Dot11TypeCtrlBlockAckReq {
			n = 16
		}
	case layers.Dot11TypeMgmt, layers.Dot11TypeData:
		n = HeaderLen
		if t.MainType() == layers.Dot11TypeData && flags.ToDS() && flags.FromDS() {
			n += 6
		}
	}
	if t.QOS() {
		n += 2
	}
	if flags.Order() && (t.QOS() || t.MainType() == layers.Dot11TypeMgmt) {
		n += 4
	}
	return n + FCSLen
}

// Parse decodes the MAC header of b and verifies the FCS.
func Parse(b []byte) (Header, error) {
	if len(b) < 2 || len(b) < minLen(b[0], b[1]) {
		return Header{}, ErrTruncated
	}
	var d layers.Dot11
	if err := d.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return Header{}, fmt.Errorf("decoding 802.11 header: %w", err)
	}
	if !d.ChecksumValid() {
		return Header{}, ErrBadFCS
	}

	h := Header{
		Type:      d.Type,
		Seq:       seqno.Seq(d.SequenceNumber),
		Retry:     d.Flags.Retry(),
		Protected: d.Flags.WEP(),
		Addr1:     d.Address1,
		Addr2:     d.Address2,
	}
	switch d.Type.MainType() {
	case layers.Dot11TypeMgmt:
		h.Kind = KindMgmt
	case layers.Dot11TypeCtrl:
		h.Kind = KindCtrl
		h.Addr2 = net.HardwareAddr(b[10:16])
	default:
		h.Kind = KindData
		if d.QOS != nil {
			h.Kind = KindQoSData
			h.TID = d.QOS.TID
		}
	}
	return h, nil
}

// UpdateFCS recomputes the trailing FCS of b.
func UpdateFCS(b []byte) {
	n := len(b) - FCSLen
	binary.LittleEndian.PutUint32(b[n:], crc32.ChecksumIEEE(b[:n]))
}

// FCSValid reports whether the trailing FCS of b matches its contents.
func FCSValid(b []byte) bool {
	if len(b) < FCSLen {
		return false
	}
	n := len(b) - FCSLen
	return binary.LittleEndian.Uint32(b[n:]) == crc32.ChecksumIEEE(b[:n])
}

func hasSeqCtl(b []byte) bool {
	if len(b) < HeaderLen+FCSLen {
		return false
	}
	return layers.Dot11Type((b[0]&0xFC)>>2).MainType() != layers.Dot11TypeCtrl
}

// SetSeq writes s into the sequence control field of b.
func SetSeq(b []byte, s seqno.Seq) error {
	if !hasSeqCtl(b) {
		return ErrNoSeq
	}
	ctl := binary.LittleEndian.Uint16(b[seqCtlOffset:])
	binary.LittleEndian.PutUint16(b[seqCtlOffset:], s.Control()|ctl&0x000F)
	UpdateFCS(b)
	return nil
}

// SetRetry sets the Retry flag of b.
func SetRetry(b []byte) {
	if len(b) < 2+FCSLen {
		return
	}
	b[flagsOffset] |= byte(layers.Dot11FlagsRetry)
	UpdateFCS(b)
}
