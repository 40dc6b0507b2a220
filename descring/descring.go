// Package descring manages fixed pools of DMA-describable buffers.
//
// A Ring owns two contiguous memory regions: one for hardware descriptors
// and one for frame data. Every buffer pairs one descriptor with one data
// slot and is addressed by a stable integer Handle. Device-visible
// addresses are opaque offsets from the ring's base address; the ring never
// interprets descriptor contents.
//
// Terminology mapping:
//
//   - free list: buffers available to Acquire.
//   - pending: buffer holds a frame queued on a TID, not yet submitted.
//   - hardware: buffer is part of a descriptor chain owned by a hw queue.
//   - parked: transmitted as part of an aggregate, awaiting a block-ack.
package descring

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/seqno"
)

var (
	ErrOutOfBuffers        = errors.New("out of buffers")
	ErrDoubleRelease       = errors.New("buffer released twice")
	ErrInvalidHandle       = errors.New("invalid buffer handle")
	ErrTooManyBuffers      = errors.New("NumBuffers exceeds MaxBuffers")
	ErrBufferSizeUnaligned = errors.New("BufferSize must be a multiple of 4")
)

const (
	DefaultNumBuffers     = 512 // ATH_TXBUF
	DefaultBufferSize     = 4096
	DefaultDescriptorSize = 64
	MaxBuffers            = 1 << 20
)

// Purpose names what a ring feeds.
type Purpose int

const (
	PurposeTX Purpose = iota
	PurposeRX
	PurposeBeacon
)

func (p Purpose) String() string {
	switch p {
	case PurposeTX:
		return "tx"
	case PurposeRX:
		return "rx"
	case PurposeBeacon:
		return "beacon"
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// Addr is an opaque device-visible address.
type Addr uint64

// Handle identifies a buffer within its ring.
type Handle uint32

// Owner records which structure currently references a buffer.
type Owner uint8

const (
	OwnerFree Owner = iota
	OwnerPending
	OwnerHardware
	OwnerParked
)

func (o Owner) String() string {
	switch o {
	case OwnerFree:
		return "free"
	case OwnerPending:
		return "pending"
	case OwnerHardware:
		return "hardware"
	case OwnerParked:
		return "parked"
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// KeyType is the cipher a frame is sent with.
type KeyType uint8

const (
	KeyClear KeyType = iota
	KeyWEP
	KeyAES
	KeyTKIP
)

// BufferState is the mutable per-transmission state of a buffer.
// The zero value is the state of a free buffer.
type BufferState struct {
	// NFrames and AggrLen are only meaningful on the first buffer
	// of an aggregate.
	NFrames int
	AggrLen int

	FrameLen int
	Seq      seqno.Seq
	HasSeq   bool
	TID      uint8
	Retries  int
	KeyIndex uint32
	KeyType  KeyType

	IsHT                 bool
	IsAMPDU              bool
	IsAggregable         bool
	IsRetried            bool
	IsExcessivelyRetried bool
}

// Buffer is one transmit or receive unit.
// It is not safe for concurrent use; only the current owner may touch it.
type Buffer struct {
	State  BufferState
	Status uint32

	desc     []byte
	descAddr Addr
	data     []byte
	dataAddr Addr
	gen      uint32
	owner    Owner
}

// Frame returns the frame bytes currently stored in the buffer.
func (b *Buffer) Frame() []byte { return b.data[:b.State.FrameLen] }

// Bytes returns the whole data slot.
func (b *Buffer) Bytes() []byte { return b.data }

// Descriptor returns the raw descriptor memory of this buffer.
func (b *Buffer) Descriptor() []byte { return b.desc }

func (b *Buffer) Addr() Addr     { return b.dataAddr }
func (b *Buffer) DescAddr() Addr { return b.descAddr }

// Gen is incremented each time the buffer is acquired. Together with the
// handle it identifies one use of the buffer.
func (b *Buffer) Gen() uint32 { return b.gen }

type Config struct {
	Logger *zap.Logger

	Name    string
	Purpose Purpose
	// NumBuffers is the number of buffers (and descriptors) in the ring.
	NumBuffers uint32
	// BufferSize is the size of each data slot in bytes.
	BufferSize uint32
	// DescriptorSize is the size of each hardware descriptor in bytes.
	DescriptorSize uint32
	// BaseAddr is the device-visible address of the descriptor region.
	// The data region follows it.
	BaseAddr Addr
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Name == "" {
		c.Name = c.Purpose.String()
	}
	if c.NumBuffers == 0 {
		c.NumBuffers = DefaultNumBuffers
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.DescriptorSize == 0 {
		c.DescriptorSize = DefaultDescriptorSize
	}
	if c.NumBuffers > MaxBuffers {
		return ErrTooManyBuffers
	}
	if c.BufferSize%4 != 0 {
		return ErrBufferSizeUnaligned
	}
	return nil
}

// Ring is a fixed pool of buffers. It is safe for concurrent use.
type Ring struct {
	conf Config
	log  *zap.Logger

	descMem []byte
	dataMem []byte
	bufs    []Buffer

	lock      sync.Mutex
	free      []Handle
	freeCount uint32
}

// New allocates the descriptor and data regions and puts every buffer
// on the free list.
func New(conf Config) (*Ring, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	n := conf.NumBuffers
	descLen := uint64(n) * uint64(conf.DescriptorSize)
	r := &Ring{
		conf:      conf,
		log:       conf.Logger.With(zap.String("ring", conf.Name)),
		descMem:   make([]byte, descLen),
		dataMem:   make([]byte, uint64(n)*uint64(conf.BufferSize)),
		bufs:      make([]Buffer, n),
		free:      make([]Handle, n),
		freeCount: n,
	}

	for i := uint32(0); i < n; i++ {
		ds, bs := uint64(i)*uint64(conf.DescriptorSize), uint64(i)*uint64(conf.BufferSize)
		b := &r.bufs[i]
		b.desc = r.descMem[ds : ds+uint64(conf.DescriptorSize) : ds+uint64(conf.DescriptorSize)]
		b.descAddr = conf.BaseAddr + Addr(ds)
		b.data = r.dataMem[bs : bs+uint64(conf.BufferSize) : bs+uint64(conf.BufferSize)]
		b.dataAddr = conf.BaseAddr + Addr(descLen+bs)

		// Hand out low handles first.
		r.free[n-1-i] = Handle(i)
	}
	r.log.Debug("ring allocated",
		zap.Stringer("purpose", conf.Purpose),
		zap.Uint32("buffers", n),
		zap.Uint64("desc_bytes", descLen),
	)
	return r, nil
}

func (r *Ring) Name() string     { return r.conf.Name }
func (r *Ring) Purpose() Purpose { return r.conf.Purpose }

// Cap returns the total number of buffers.
func (r *Ring) Cap() int { return len(r.bufs) }

// BufferSize returns the size of each data slot.
func (r *Ring) BufferSize() int { return int(r.conf.BufferSize) }

// Free returns the number of buffers on the free list.
func (r *Ring) Free() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return int(r.freeCount)
}

// Acquire takes a buffer off the free list. The buffer is handed out
// with a zero BufferState and owned by OwnerPending.
func (r *Ring) Acquire() (Handle, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.freeCount == 0 {
		return 0, ErrOutOfBuffers
	}
	r.freeCount--
	h := r.free[r.freeCount]

	b := &r.bufs[h]
	b.gen++
	b.owner = OwnerPending
	return h, nil
}

// Release resets the buffer and returns it to the free list.
func (r *Ring) Release(h Handle) error {
	if int(h) >= len(r.bufs) {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	b := &r.bufs[h]
	if b.owner == OwnerFree {
		r.log.Error("buffer released twice", zap.Uint32("handle", uint32(h)))
		return fmt.Errorf("%w: %d", ErrDoubleRelease, h)
	}
	b.owner = OwnerFree
	b.State = BufferState{}
	b.Status = 0
	clear(b.desc)

	r.free[r.freeCount] = h
	r.freeCount++
	return nil
}

// Buffer returns the buffer behind h. The caller must own h.
func (r *Ring) Buffer(h Handle) *Buffer { return &r.bufs[h] }

// SetOwner moves h to a new owner. Use Release to return it to the
// free list.
func (r *Ring) SetOwner(h Handle, o Owner) {
	r.lock.Lock()
	r.bufs[h].owner = o
	r.lock.Unlock()
}

// Owner returns the current owner of h.
func (r *Ring) Owner(h Handle) Owner {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.bufs[h].owner
}

// Owners returns the number of buffers per owner.
func (r *Ring) Owners() map[Owner]int {
	r.lock.Lock()
	defer r.lock.Unlock()
	m := make(map[Owner]int, 4)
	for i := range r.bufs {
		m[r.bufs[i].owner]++
	}
	return m
}
