package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBadDelimiter = errors.New("invalid A-MPDU delimiter")
	ErrSubframeLen  = errors.New("subframe too long for A-MPDU delimiter")
)

const (
	// DelimLen is the size of one MPDU delimiter (ATH_AGGR_DELIM_SZ).
	DelimLen = 4
	// MinPacketLen is the shortest subframe the receiver can keep up
	// with without extra pad delimiters (ATH_AGGR_MINPLEN).
	MinPacketLen = 256
	// EncryptDelims is the number of extra pad delimiters required in
	// front of encrypted subframes (ATH_AGGR_ENCRYPTDELIM).
	EncryptDelims = 10
	// MaxSubframeLen is the largest length a delimiter can encode.
	MaxSubframeLen = 1<<14 - 1

	delimSignature = 0x4E
)

// NumDelims returns the number of zero-length pad delimiters that must
// follow a subframe of frameLen bytes (ATH_AGGR_GET_NDELIM).
func NumDelims(frameLen int, encrypted bool) int {
	n := 0
	if frameLen+DelimLen < MinPacketLen {
		n = (MinPacketLen - frameLen - DelimLen) >> 2
	}
	if encrypted {
		n += EncryptDelims
	}
	return n
}

// PadBytes returns the padding that aligns l to 4 bytes.
func PadBytes(l int) int { return (4 - l%4) % 4 }

// crc8 is the delimiter CRC: polynomial x^8+x^2+x+1, initial value 0xFF,
// complemented output.
func crc8(b []byte) byte {
	c := byte(0xFF)
	for _, v := range b {
		c ^= v
		for range 8 {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x07
			} else {
				c <<= 1
			}
		}
	}
	return ^c
}

// Delimiter precedes every subframe of an A-MPDU.
type Delimiter struct {
	Length int
	EOF    bool
}

// AppendDelimiter appends the encoding of d to dst.
func AppendDelimiter(dst []byte, d Delimiter) []byte {
	v := uint16(d.Length&MaxSubframeLen) << 2
	if d.EOF {
		v |= 1
	}
	var b [DelimLen]byte
	binary.LittleEndian.PutUint16(b[:], v)
	b[2] = crc8(b[:2])
	b[3] = delimSignature
	return append(dst, b[:]...)
}

// ParseDelimiter decodes the delimiter at the start of b.
func ParseDelimiter(b []byte) (Delimiter, error) {
	if len(b) < DelimLen {
		return Delimiter{}, ErrTruncated
	}
	if b[3] != delimSignature || crc8(b[:2]) != b[2] {
		return Delimiter{}, ErrBadDelimiter
	}
	v := binary.LittleEndian.Uint16(b)
	return Delimiter{Length: int(v >> 2), EOF: v&1 != 0}, nil
}

// Subframe is one MPDU of an aggregate and the number of pad delimiters
// that follow it.
type Subframe struct {
	MPDU      []byte
	PadDelims int
}

// EncodedLen returns the on-air length of subs as AppendAMPDU writes it.
func EncodedLen(subs []Subframe) int {
	n := 0
	for i, s := range subs {
		n += DelimLen + len(s.MPDU)
		if i < len(subs)-1 {
			n += PadBytes(DelimLen+len(s.MPDU)) + s.PadDelims*DelimLen
		}
	}
	return n
}

// AppendAMPDU appends the A-MPDU made of subs to dst. Every subframe but
// the last is followed by alignment padding and its pad delimiters.
func AppendAMPDU(dst []byte, subs []Subframe) ([]byte, error) {
	for i, s := range subs {
		if len(s.MPDU) > MaxSubframeLen {
			return dst, fmt.Errorf("%w: %d", ErrSubframeLen, len(s.MPDU))
		}
		dst = AppendDelimiter(dst, Delimiter{Length: len(s.MPDU)})
		dst = append(dst, s.MPDU...)
		if i == len(subs)-1 {
			break
		}
		for range PadBytes(DelimLen + len(s.MPDU)) {
			dst = append(dst, 0)
		}
		for range s.PadDelims {
			dst = AppendDelimiter(dst, Delimiter{})
		}
	}
	return dst, nil
}

// SplitAMPDU returns the MPDUs of an A-MPDU, skipping pad delimiters.
// The returned slices alias b.
func SplitAMPDU(b []byte) ([][]byte, error) {
	var out [][]byte
	for pos := 0; pos+DelimLen <= len(b); {
		d, err := ParseDelimiter(b[pos:])
		if err != nil {
			return out, fmt.Errorf("at offset %d: %w", pos, err)
		}
		pos += DelimLen
		if d.Length == 0 {
			continue
		}
		if pos+d.Length > len(b) {
			return out, fmt.Errorf("at offset %d: %w", pos, ErrTruncated)
		}
		out = append(out, b[pos:pos+d.Length])
		pos += d.Length
		pos += PadBytes(pos)
	}
	return out, nil
}
