// Package seqno implements 802.11 sequence-number arithmetic.
//
// Sequence numbers are 12-bit values that wrap at 4096. All comparisons
// are done relative to a window start, never by plain integer ordering.
package seqno

import (
	"math/bits"
	"strconv"
)

const (
	// Max is the size of the sequence space (IEEE80211_SEQ_MAX).
	Max = 4096

	// Shift is the position of the sequence number inside the
	// sequence control field; the low 4 bits carry the fragment number.
	Shift = 4

	// BitmapSize is the number of sequence numbers covered by a
	// compressed block-ack bitmap (WME_BA_BMP_SIZE).
	BitmapSize = 64

	mask = Max - 1
)

// Seq is a sequence number in [0, Max).
type Seq uint16

// Add returns s+n modulo Max.
func (s Seq) Add(n int) Seq { return Seq((int(s) + n) & mask) }

// Next returns s+1 modulo Max.
func (s Seq) Next() Seq { return s.Add(1) }

// Sub returns the forward distance from o to s modulo Max.
func (s Seq) Sub(o Seq) int { return int((uint16(s) - uint16(o)) & mask) }

func (s Seq) String() string { return strconv.Itoa(int(s)) }

// Within reports whether s falls inside the window of size starting at
// start (BAW_WITHIN).
func Within(start Seq, size int, s Seq) bool {
	return s.Sub(start) < size
}

// BAIndex returns the bitmap index of s relative to the block-ack
// starting sequence number st (ATH_BA_INDEX).
func BAIndex(st, s Seq) int { return s.Sub(st) }

// FromControl extracts the sequence number from a sequence control field.
func FromControl(ctl uint16) Seq { return Seq(ctl>>Shift) & mask }

// Control builds a sequence control field for s with fragment number 0.
func (s Seq) Control() uint16 { return uint16(s&mask) << Shift }

// Bitmap is a compressed block-ack bitmap. Bit n acknowledges the
// sequence number start+n.
type Bitmap uint64

// IsSet reports whether index n is acknowledged (ATH_BA_ISSET).
// Indices outside the bitmap are never set.
func (b Bitmap) IsSet(n int) bool {
	return n >= 0 && n < BitmapSize && b&(1<<uint(n)) != 0
}

// Set returns b with index n set. Out-of-range indices are ignored.
func (b Bitmap) Set(n int) Bitmap {
	if n < 0 || n >= BitmapSize {
		return b
	}
	return b | 1<<uint(n)
}

// Count returns the number of acknowledged indices.
func (b Bitmap) Count() int { return bits.OnesCount64(uint64(b)) }

// BitmapOf builds a bitmap acknowledging each of seqs relative to start.
func BitmapOf(start Seq, seqs ...Seq) Bitmap {
	var b Bitmap
	for _, s := range seqs {
		b = b.Set(BAIndex(start, s))
	}
	return b
}
