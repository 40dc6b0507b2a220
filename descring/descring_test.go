package descring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newRing(t *testing.T, n uint32) *Ring {
	t.Helper()
	r, err := New(Config{
		Purpose:        PurposeTX,
		NumBuffers:     n,
		BufferSize:     256,
		DescriptorSize: 32,
		BaseAddr:       0x1000,
	})
	require.NoError(t, err)
	return r
}

func TestConfigDefaults(t *testing.T) {
	assert := require.New(t)

	var c Config
	assert.NoError(c.ValidateAndSetDefaults())
	assert.Equal("tx", c.Name)
	assert.Equal(uint32(DefaultNumBuffers), c.NumBuffers)
	assert.Equal(uint32(DefaultBufferSize), c.BufferSize)
	assert.Equal(uint32(DefaultDescriptorSize), c.DescriptorSize)

	c = Config{BufferSize: 1001}
	assert.ErrorIs(c.ValidateAndSetDefaults(), ErrBufferSizeUnaligned)

	c = Config{NumBuffers: MaxBuffers + 1}
	assert.ErrorIs(c.ValidateAndSetDefaults(), ErrTooManyBuffers)
}

func TestAddressesAreContiguous(t *testing.T) {
	assert := require.New(t)
	r := newRing(t, 4)

	for i := 0; i < 4; i++ {
		b := r.Buffer(Handle(i))
		assert.Equal(Addr(0x1000+i*32), b.DescAddr())
		assert.Equal(Addr(0x1000+4*32+i*256), b.Addr())
		assert.Len(b.Bytes(), 256)
		assert.Len(b.Descriptor(), 32)
	}
}

func TestAcquireRelease(t *testing.T) {
	assert := require.New(t)
	r := newRing(t, 3)

	var hs []Handle
	for i := 0; i < 3; i++ {
		h, err := r.Acquire()
		assert.NoError(err)
		assert.Equal(Handle(i), h)
		assert.Equal(OwnerPending, r.Owner(h))
		hs = append(hs, h)
	}
	assert.Equal(0, r.Free())

	_, err := r.Acquire()
	assert.ErrorIs(err, ErrOutOfBuffers)

	b := r.Buffer(hs[1])
	b.State.FrameLen = 10
	b.State.Retries = 3
	b.State.IsAMPDU = true
	b.Status = 7
	gen := b.Gen()

	assert.NoError(r.Release(hs[1]))
	assert.Equal(BufferState{}, b.State)
	assert.Zero(b.Status)
	assert.Equal(OwnerFree, r.Owner(hs[1]))
	assert.Equal(1, r.Free())

	err = r.Release(hs[1])
	assert.True(errors.Is(err, ErrDoubleRelease))

	assert.ErrorIs(r.Release(Handle(99)), ErrInvalidHandle)

	h, err := r.Acquire()
	assert.NoError(err)
	assert.Equal(hs[1], h)
	assert.Equal(gen+1, r.Buffer(h).Gen())
}

func TestDoubleReleaseIsLogged(t *testing.T) {
	assert := require.New(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	r, err := New(Config{Logger: zap.New(core), Name: "test", NumBuffers: 2})
	assert.NoError(err)

	h, err := r.Acquire()
	assert.NoError(err)
	assert.NoError(r.Release(h))
	assert.Zero(logs.Len())

	assert.ErrorIs(r.Release(h), ErrDoubleRelease)
	entries := logs.FilterMessage("buffer released twice").All()
	assert.Len(entries, 1)
	assert.Equal("test", entries[0].ContextMap()["ring"])
	assert.EqualValues(h, entries[0].ContextMap()["handle"])
}

func TestOwners(t *testing.T) {
	assert := require.New(t)
	r := newRing(t, 4)

	h0, _ := r.Acquire()
	h1, _ := r.Acquire()
	r.SetOwner(h1, OwnerHardware)
	_ = h0

	m := r.Owners()
	assert.Equal(2, m[OwnerFree])
	assert.Equal(1, m[OwnerPending])
	assert.Equal(1, m[OwnerHardware])
	assert.Equal(r.Free(), m[OwnerFree])
}
