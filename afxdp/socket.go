//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"math/bits"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be at least RxSize + TxSize")
	ErrRingSize          = errors.New("ring sizes must be powers of two")
	ErrFrameSize         = errors.New("FrameSize must be a power of two in [2048, 4096]")
	ErrTXRingFull        = errors.New("tx ring full")
	ErrNoFreeFrames      = errors.New("no free UMEM frames")
	ErrMessageTooLarge   = errors.New("message exceeds UMEM frame")
	ErrBatchMismatch     = errors.New("emitted message count differs from reservation")
	ErrFillRingFull      = errors.New("fill ring full")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
	DefaultBatchSize = 64
)

type SocketConfig struct {
	// QueueID is the NIC queue the radio head traffic arrives on.
	QueueID uint32
	// NumFrames is the number of UMEM frames. RxSize of them are kept
	// for reception, the rest carry outgoing messages.
	NumFrames uint32
	// FrameSize is the size of one UMEM frame and bounds the size of one
	// message.
	FrameSize uint32
	RxSize    uint32
	TxSize    uint32
	CqSize    uint32
	// BatchSize bounds the number of frames handled per Receive.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	for _, v := range []*uint32{&c.RxSize, &c.TxSize, &c.CqSize} {
		if *v == 0 {
			*v = DefaultRingSize
		}
		if bits.OnesCount32(*v) != 1 {
			return fmt.Errorf("%w: %d", ErrRingSize, *v)
		}
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FrameSize < 2048 || c.FrameSize > 4096 || bits.OnesCount32(c.FrameSize) != 1 {
		return fmt.Errorf("%w: %d", ErrFrameSize, c.FrameSize)
	}
	if c.NumFrames < c.RxSize+c.TxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Socket is an AF_XDP socket carrying radio head messages, one message
// per UMEM frame.
//
// Socket is not safe for concurrent use.
type Socket struct {
	conf     SocketConfig
	iface    *Interface
	fd       int
	zerocopy bool

	umem *umem
	rx   *ring[unix.XDPDesc]
	tx   *ring[unix.XDPDesc]
	fill *ring[uint64]
	comp *ring[uint64]

	// maps holds the ring mappings.
	maps [][]byte
}

// Open binds a socket to conf.QueueID and registers it with the XDP
// program so that radio head frames arriving on that queue reach it.
func (i *Interface) Open(conf SocketConfig) (s *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s = &Socket{conf: conf, fd: fd}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	mem, err := unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mapping UMEM: %w", err)
	}
	s.umem = newUMEM(mem, conf.FrameSize, conf.RxSize)

	reg := unix.XDPUmemReg{
		Addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Len:  uint64(len(mem)),
		Size: conf.FrameSize,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG, &reg); err != nil {
		return nil, fmt.Errorf("registering UMEM: %w", err)
	}
	for _, r := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"fill", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"completion", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"RX", unix.XDP_RX_RING, conf.RxSize},
		{"TX", unix.XDP_TX_RING, conf.TxSize},
	} {
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, r.opt, int(r.size)); err != nil {
			return nil, fmt.Errorf("sizing %s ring: %w", r.name, err)
		}
	}

	var off unix.XDPMmapOffsets
	if err := getsockopt(fd, unix.XDP_MMAP_OFFSETS, &off); err != nil {
		return nil, fmt.Errorf("reading ring offsets: %w", err)
	}
	if s.rx, err = mapRing[unix.XDPDesc](s, off.Rx, conf.RxSize, unix.XDP_PGOFF_RX_RING); err != nil {
		return nil, fmt.Errorf("mapping RX ring: %w", err)
	}
	if s.tx, err = mapRing[unix.XDPDesc](s, off.Tx, conf.TxSize, unix.XDP_PGOFF_TX_RING); err != nil {
		return nil, fmt.Errorf("mapping TX ring: %w", err)
	}
	if s.fill, err = mapRing[uint64](s, off.Fr, conf.RxSize, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return nil, fmt.Errorf("mapping fill ring: %w", err)
	}
	if s.comp, err = mapRing[uint64](s, off.Cr, conf.CqSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
		return nil, fmt.Errorf("mapping completion ring: %w", err)
	}

	// Every RX frame starts out on the fill ring.
	idx, _ := s.fill.reserve(conf.RxSize)
	for f := range conf.RxSize {
		*s.fill.at(idx + f) = s.umem.addr(f)
	}
	s.fill.publish()

	if s.zerocopy, err = i.bind(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("binding to queue %d: %w", conf.QueueID, err)
	}
	if err := i.register(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering socket: %w", err)
	}
	s.iface = i
	return s, nil
}

func mapRing[T any](s *Socket, off unix.XDPRingOffset, size uint32, pgoff int64) (*ring[T], error) {
	var zero T
	n := int(off.Desc) + int(size)*int(unsafe.Sizeof(zero))
	m, err := unix.Mmap(s.fd, pgoff, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	s.maps = append(s.maps, m)
	base := unsafe.Pointer(&m[0])
	return newRing(
		(*uint32)(unsafe.Add(base, off.Producer)),
		(*uint32)(unsafe.Add(base, off.Consumer)),
		(*uint32)(unsafe.Add(base, off.Flags)),
		unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	), nil
}

func setsockopt[T any](fd, opt int, v *T) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(opt),
		uintptr(unsafe.Pointer(v)), unsafe.Sizeof(*v), 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt[T any](fd, opt int, v *T) error {
	l := uint32(unsafe.Sizeof(*v))
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(opt),
		uintptr(unsafe.Pointer(v)), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

// IsZerocopy reports whether the kernel accepted zero-copy mode for the
// queue.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

// Send reserves n TX descriptors and n UMEM frames, then lets fill emit
// exactly n messages into them and publishes them together. If the
// frames or descriptors are short, or fill fails, nothing is sent.
// Messages passed to emit are copied and may be reused afterwards.
func (s *Socket) Send(n int, fill func(emit func([]byte) error) error) error {
	if n <= 0 {
		return nil
	}
	if s.umem.available() < n {
		s.reclaim()
		if s.umem.available() < n {
			return ErrNoFreeFrames
		}
	}
	idx, ok := s.tx.reserve(uint32(n))
	if !ok {
		return ErrTXRingFull
	}

	used := uint32(0)
	err := fill(func(b []byte) error {
		if used == uint32(n) {
			return ErrBatchMismatch
		}
		addr, _ := s.umem.get()
		f := s.umem.frame(addr)
		if len(b) > len(f) {
			s.umem.put(addr)
			return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(b), len(f))
		}
		*s.tx.at(idx + used) = unix.XDPDesc{Addr: addr, Len: uint32(copy(f, b))}
		used++
		return nil
	})
	if err == nil && used != uint32(n) {
		err = ErrBatchMismatch
	}
	if err != nil {
		for k := range used {
			s.umem.put(s.tx.at(idx + k).Addr)
		}
		s.tx.cancel(uint32(n))
		return err
	}
	s.tx.publish()
	return s.kick()
}

// kick tells the kernel to process the TX ring. In copy mode the kernel
// transmits only from sendto.
func (s *Socket) kick() error {
	if s.zerocopy && !s.tx.needsWakeup() {
		return nil
	}
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	if err == nil || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ENOBUFS) {
		return nil
	}
	return fmt.Errorf("waking TX: %w", err)
}

// Receive passes up to BatchSize received frames to fn, refills the
// fill ring with their memory and reclaims completed TX frames.
// b is only valid during fn. Descriptors pointing outside UMEM are
// skipped.
func (s *Socket) Receive(fn func(b []byte)) (int, error) {
	idx, n := s.rx.peek(s.conf.BatchSize)
	if n > 0 {
		fi, ok := s.fill.reserve(n)
		if !ok {
			return 0, ErrFillRingFull
		}
		for k := range n {
			d := *s.rx.at(idx + k)
			if b, ok := s.umem.slice(d.Addr, d.Len); ok {
				fn(b)
			}
			*s.fill.at(fi + k) = s.umem.base(d.Addr)
		}
		s.rx.release(n)
		s.fill.publish()
	}
	s.reclaim()
	return int(n), nil
}

// reclaim returns frames the kernel finished sending to the pool.
func (s *Socket) reclaim() {
	idx, n := s.comp.peek(s.comp.size())
	if n == 0 {
		return
	}
	for k := range n {
		s.umem.put(*s.comp.at(idx + k))
	}
	s.comp.release(n)
}

// Wait blocks until a frame is received or timeout passes.
func (s *Socket) Wait(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, int(max(timeout.Milliseconds(), 1)))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// KernelStats returns the kernel's drop counters of the socket.
func (s *Socket) KernelStats() (unix.XDPStatistics, error) {
	var st unix.XDPStatistics
	err := getsockopt(s.fd, unix.XDP_STATISTICS, &st)
	return st, err
}

// Close unregisters the socket and releases its memory.
func (s *Socket) Close() error {
	var errs []error
	if s.iface != nil {
		if err := s.iface.unregister(s.conf.QueueID); err != nil {
			errs = append(errs, fmt.Errorf("unregistering socket: %w", err))
		}
		s.iface = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		s.fd = -1
	}
	for _, m := range s.maps {
		if err := unix.Munmap(m); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.maps = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}
