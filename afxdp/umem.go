package afxdp

// umem is the packet memory registered with the kernel, cut into frames
// of frameSize bytes. The first rxFrames frames circulate between the
// fill and RX rings. The others form the pool outgoing messages are
// written into; they return to it through the completion ring.
type umem struct {
	mem       []byte
	frameSize uint32
	rxFrames  uint32
	pool      []uint64
}

// newUMEM splits mem. frameSize must be a power of two and mem must
// hold more than rxFrames frames.
func newUMEM(mem []byte, frameSize, rxFrames uint32) *umem {
	u := &umem{mem: mem, frameSize: frameSize, rxFrames: rxFrames}
	total := uint32(len(mem)) / frameSize
	u.pool = make([]uint64, 0, total-rxFrames)
	// Low addresses are handed out first.
	for i := total; i > rxFrames; i-- {
		u.pool = append(u.pool, u.addr(i-1))
	}
	return u
}

func (u *umem) addr(frame uint32) uint64 { return uint64(frame) * uint64(u.frameSize) }

// base strips the headroom offset the kernel adds to received addresses.
func (u *umem) base(addr uint64) uint64 { return addr &^ uint64(u.frameSize-1) }

func (u *umem) isRX(addr uint64) bool { return u.base(addr) < u.addr(u.rxFrames) }

// frame returns the whole frame starting at addr.
func (u *umem) frame(addr uint64) []byte {
	end := addr + uint64(u.frameSize)
	return u.mem[addr:end:end]
}

// slice returns n bytes at addr if they lie within one frame.
func (u *umem) slice(addr uint64, n uint32) ([]byte, bool) {
	end := addr + uint64(n)
	if end > uint64(len(u.mem)) || end > u.base(addr)+uint64(u.frameSize) {
		return nil, false
	}
	return u.mem[addr:end:end], true
}

func (u *umem) available() int { return len(u.pool) }

func (u *umem) get() (uint64, bool) {
	if len(u.pool) == 0 {
		return 0, false
	}
	a := u.pool[len(u.pool)-1]
	u.pool = u.pool[:len(u.pool)-1]
	return a, true
}

// put returns a pool frame. Addresses of RX frames and surplus returns
// are ignored.
func (u *umem) put(addr uint64) {
	addr = u.base(addr)
	if u.isRX(addr) || addr >= uint64(len(u.mem)) || len(u.pool) == cap(u.pool) {
		return
	}
	u.pool = append(u.pool, addr)
}
