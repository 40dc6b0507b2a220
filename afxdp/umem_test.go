package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUMEMPool(t *testing.T) {
	assert := require.New(t)
	u := newUMEM(make([]byte, 8*2048), 2048, 4)

	assert.Equal(4, u.available())
	var got []uint64
	for {
		a, ok := u.get()
		if !ok {
			break
		}
		assert.False(u.isRX(a))
		got = append(got, a)
	}
	assert.Equal([]uint64{4 * 2048, 5 * 2048, 6 * 2048, 7 * 2048}, got)

	u.put(got[2] + 100)
	a, ok := u.get()
	assert.True(ok)
	assert.Equal(got[2], a, "returned addresses are rounded to the frame")
}

func TestUMEMPutIgnoresForeignFrames(t *testing.T) {
	assert := require.New(t)
	u := newUMEM(make([]byte, 8*2048), 2048, 4)

	u.put(0)
	u.put(3*2048 + 256)
	u.put(8 * 2048)
	assert.Equal(4, u.available())

	a, _ := u.get()
	u.put(a)
	u.put(a + 2048)
	assert.Equal(4, u.available(), "the pool never exceeds its frames")
}

func TestUMEMSlice(t *testing.T) {
	assert := require.New(t)
	u := newUMEM(make([]byte, 4*2048), 2048, 2)

	b, ok := u.slice(2048+256, 100)
	assert.True(ok)
	assert.Len(b, 100)
	assert.Equal(uint64(2048), u.base(2048+256))

	_, ok = u.slice(2048+2000, 100)
	assert.False(ok, "crosses a frame boundary")
	_, ok = u.slice(4*2048, 1)
	assert.False(ok)

	assert.Len(u.frame(u.addr(3)), 2048)
}
