package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// ringPair returns a producer and a consumer view of the same memory.
func ringPair(size int) (p, c *ring[uint64], flags *uint32) {
	var prod, cons, fl uint32
	entries := make([]uint64, size)
	return newRing(&prod, &cons, &fl, entries), newRing(&prod, &cons, &fl, entries), &fl
}

func TestRingProduceConsume(t *testing.T) {
	assert := require.New(t)
	p, c, _ := ringPair(4)

	idx, n := c.peek(4)
	assert.Zero(n)

	i, ok := p.reserve(3)
	assert.True(ok)
	for k := range uint32(3) {
		*p.at(i + k) = uint64(10 + k)
	}
	idx, n = c.peek(4)
	assert.Zero(n, "unpublished entries are invisible")

	p.publish()
	idx, n = c.peek(2)
	assert.Equal(uint32(2), n)
	assert.Equal(uint64(10), *c.at(idx))
	assert.Equal(uint64(11), *c.at(idx+1))
	c.release(n)

	idx, n = c.peek(4)
	assert.Equal(uint32(1), n)
	assert.Equal(uint64(12), *c.at(idx))
	c.release(n)
}

func TestRingFull(t *testing.T) {
	assert := require.New(t)
	p, c, _ := ringPair(4)

	_, ok := p.reserve(4)
	assert.True(ok)
	p.publish()
	_, ok = p.reserve(1)
	assert.False(ok)

	_, n := c.peek(1)
	c.release(n)
	_, ok = p.reserve(1)
	assert.True(ok, "consumer release makes room")
	_, ok = p.reserve(1)
	assert.False(ok)
}

func TestRingWraparound(t *testing.T) {
	assert := require.New(t)
	p, c, _ := ringPair(4)

	for v := range uint64(11) {
		i, ok := p.reserve(1)
		assert.True(ok)
		*p.at(i) = v
		p.publish()

		idx, n := c.peek(4)
		assert.Equal(uint32(1), n)
		assert.Equal(v, *c.at(idx))
		c.release(n)
	}
	assert.Equal(uint32(4), p.room())
}

func TestRingCancel(t *testing.T) {
	assert := require.New(t)
	p, c, _ := ringPair(4)

	i, ok := p.reserve(2)
	assert.True(ok)
	*p.at(i) = 1
	p.cancel(2)
	p.publish()
	_, n := c.peek(4)
	assert.Zero(n)

	i, ok = p.reserve(4)
	assert.True(ok, "cancelled slots are reusable")
	assert.Equal(uint32(0), i)
}

func TestRingNeedsWakeup(t *testing.T) {
	assert := require.New(t)
	p, _, flags := ringPair(4)

	assert.False(p.needsWakeup())
	*flags = ringNeedWakeup
	assert.True(p.needsWakeup())

	var prod, cons uint32
	assert.True(newRing(&prod, &cons, nil, make([]uint64, 2)).needsWakeup())
}
