package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"

	"github.com/romshark/ampdu-go/seqno"
)

var ErrNotAddba = errors.New("not an ADDBA action frame")

const (
	CategoryBlockAck    = 3
	ActionAddbaRequest  = 0
	ActionAddbaResponse = 1

	StatusSuccess = 0
	// StatusRequestDeclined is the status a peer answers with when it
	// refuses to set up a block-ack agreement.
	StatusRequestDeclined = 37

	addbaRequestLen  = 9
	addbaResponseLen = 9

	paramImmediate    = 1 << 1
	paramTIDShift     = 2
	paramBufSizeShift = 6
)

func encodeParams(tid uint8, bufSize int) uint16 {
	return paramImmediate | uint16(tid&0x0F)<<paramTIDShift | uint16(bufSize)<<paramBufSizeShift
}

func decodeParams(p uint16) (tid uint8, bufSize int) {
	return uint8(p>>paramTIDShift) & 0x0F, int(p >> paramBufSizeShift)
}

// AddbaRequest is the body of an ADDBA request action frame.
type AddbaRequest struct {
	Token   uint8
	TID     uint8
	BufSize int
	Timeout uint16
	SSN     seqno.Seq
}

// Body encodes r as an action frame body.
func (r AddbaRequest) Body() []byte {
	b := make([]byte, addbaRequestLen)
	b[0], b[1], b[2] = CategoryBlockAck, ActionAddbaRequest, r.Token
	binary.LittleEndian.PutUint16(b[3:], encodeParams(r.TID, r.BufSize))
	binary.LittleEndian.PutUint16(b[5:], r.Timeout)
	binary.LittleEndian.PutUint16(b[7:], r.SSN.Control())
	return b
}

// AddbaResponse is the body of an ADDBA response action frame.
type AddbaResponse struct {
	Token   uint8
	Status  uint16
	TID     uint8
	BufSize int
	Timeout uint16
}

func (r AddbaResponse) Body() []byte {
	b := make([]byte, addbaResponseLen)
	b[0], b[1], b[2] = CategoryBlockAck, ActionAddbaResponse, r.Token
	binary.LittleEndian.PutUint16(b[3:], r.Status)
	binary.LittleEndian.PutUint16(b[5:], encodeParams(r.TID, r.BufSize))
	binary.LittleEndian.PutUint16(b[7:], r.Timeout)
	return b
}

// ActionBody returns the body of the action frame b after verifying its
// header and FCS.
func ActionBody(b []byte) ([]byte, error) {
	h, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if h.Type != layers.Dot11TypeMgmtAction || len(b) < HeaderLen+FCSLen+2 {
		return nil, ErrNotAddba
	}
	return b[HeaderLen : len(b)-FCSLen], nil
}

func addbaBody(b []byte, action uint8, length int) ([]byte, error) {
	body, err := ActionBody(b)
	if err != nil {
		return nil, err
	}
	if body[0] != CategoryBlockAck || body[1] != action {
		return nil, ErrNotAddba
	}
	if len(body) < length {
		return nil, fmt.Errorf("%w: ADDBA body is %d bytes", ErrTruncated, len(body))
	}
	return body, nil
}

// ParseAddbaRequest decodes an ADDBA request action frame.
func ParseAddbaRequest(b []byte) (AddbaRequest, error) {
	body, err := addbaBody(b, ActionAddbaRequest, addbaRequestLen)
	if err != nil {
		return AddbaRequest{}, err
	}
	r := AddbaRequest{
		Token:   body[2],
		Timeout: binary.LittleEndian.Uint16(body[5:]),
		SSN:     seqno.FromControl(binary.LittleEndian.Uint16(body[7:])),
	}
	r.TID, r.BufSize = decodeParams(binary.LittleEndian.Uint16(body[3:]))
	return r, nil
}

// ParseAddbaResponse decodes an ADDBA response action frame.
func ParseAddbaResponse(b []byte) (AddbaResponse, error) {
	body, err := addbaBody(b, ActionAddbaResponse, addbaResponseLen)
	if err != nil {
		return AddbaResponse{}, err
	}
	r := AddbaResponse{
		Token:   body[2],
		Status:  binary.LittleEndian.Uint16(body[3:]),
		Timeout: binary.LittleEndian.Uint16(body[7:]),
	}
	r.TID, r.BufSize = decodeParams(binary.LittleEndian.Uint16(body[5:]))
	return r, nil
}
