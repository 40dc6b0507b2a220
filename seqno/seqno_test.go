package seqno

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmeticWraps(t *testing.T) {
	assert := require.New(t)

	assert.Equal(Seq(0), Seq(4095).Next())
	assert.Equal(Seq(10), Seq(4090).Add(16))
	assert.Equal(16, Seq(10).Sub(4090))
	assert.Equal(4095, Seq(0).Sub(1))
}

func TestWithin(t *testing.T) {
	for _, tc := range []struct {
		start Seq
		size  int
		s     Seq
		want  bool
	}{
		{0, 64, 0, true},
		{0, 64, 63, true},
		{0, 64, 64, false},
		{4080, 64, 5, true},
		{4080, 64, 4079, false},
		{100, 0, 100, false},
	} {
		require.Equal(t, tc.want, Within(tc.start, tc.size, tc.s),
			"start=%d size=%d s=%d", tc.start, tc.size, tc.s)
	}
}

func TestControl(t *testing.T) {
	assert := require.New(t)

	ctl := Seq(1234).Control()
	assert.Equal(uint16(1234<<4), ctl)
	assert.Equal(Seq(1234), FromControl(ctl|0x3))
}

func TestBitmap(t *testing.T) {
	assert := require.New(t)

	b := BitmapOf(4094, 4094, 0, 1)
	assert.True(b.IsSet(0))
	assert.False(b.IsSet(1))
	assert.True(b.IsSet(2))
	assert.True(b.IsSet(3))
	assert.Equal(3, b.Count())

	assert.False(b.IsSet(-1))
	assert.False(b.IsSet(BitmapSize))
	assert.Equal(b, b.Set(BitmapSize+3))
}
