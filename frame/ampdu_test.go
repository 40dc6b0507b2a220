package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumDelims(t *testing.T) {
	assert := require.New(t)

	assert.Equal(0, NumDelims(1500, false))
	assert.Equal(0, NumDelims(MinPacketLen-DelimLen, false))
	assert.Equal(63, NumDelims(0, false))
	assert.Equal((MinPacketLen-100-DelimLen)>>2, NumDelims(100, false))
	assert.Equal(EncryptDelims, NumDelims(1500, true))

	assert.Equal(0, PadBytes(8))
	assert.Equal(3, PadBytes(9))
	assert.Equal(1, PadBytes(107))
}

func TestDelimiter(t *testing.T) {
	assert := require.New(t)

	b := AppendDelimiter(nil, Delimiter{Length: 1538})
	assert.Len(b, DelimLen)
	assert.Equal(byte(delimSignature), b[3])

	d, err := ParseDelimiter(b)
	assert.NoError(err)
	assert.Equal(Delimiter{Length: 1538}, d)

	b[0] ^= 0x04
	_, err = ParseDelimiter(b)
	assert.ErrorIs(err, ErrBadDelimiter)
}

func TestAMPDU(t *testing.T) {
	assert := require.New(t)

	subs := []Subframe{
		{MPDU: bytes.Repeat([]byte{1}, 101), PadDelims: NumDelims(101, false)},
		{MPDU: bytes.Repeat([]byte{2}, 1500), PadDelims: NumDelims(1500, true)},
		{MPDU: bytes.Repeat([]byte{3}, 30), PadDelims: NumDelims(30, false)},
	}
	b, err := AppendAMPDU(nil, subs)
	assert.NoError(err)
	assert.Equal(EncodedLen(subs), len(b))

	got, err := SplitAMPDU(b)
	assert.NoError(err)
	assert.Len(got, len(subs))
	for i := range subs {
		assert.Equal(subs[i].MPDU, got[i])
	}

	_, err = AppendAMPDU(nil, []Subframe{{MPDU: make([]byte, MaxSubframeLen+1)}})
	assert.ErrorIs(err, ErrSubframeLen)

	_, err = SplitAMPDU(b[:len(b)-1])
	assert.ErrorIs(err, ErrTruncated)
}
