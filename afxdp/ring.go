package afxdp

import "sync/atomic"

// ring is a single-producer single-consumer ring shared with the kernel.
// The process produces into the fill and TX rings and consumes from the
// RX and completion rings. Positions run freely and are masked on
// access. head is the producer position and tail the consumer position;
// the side the process does not own is a cached copy that is reloaded
// only when it limits progress.
type ring[T any] struct {
	prod    *uint32
	cons    *uint32
	flags   *uint32
	entries []T
	mask    uint32

	head uint32
	tail uint32
}

// newRing wraps shared ring memory. len(entries) must be a power of two.
// flags may be nil.
func newRing[T any](prod, cons, flags *uint32, entries []T) *ring[T] {
	return &ring[T]{
		prod:    prod,
		cons:    cons,
		flags:   flags,
		entries: entries,
		mask:    uint32(len(entries) - 1),
		head:    atomic.LoadUint32(prod),
		tail:    atomic.LoadUint32(cons),
	}
}

func (r *ring[T]) size() uint32 { return r.mask + 1 }

func (r *ring[T]) at(i uint32) *T { return &r.entries[i&r.mask] }

// room returns the number of slots the producer can reserve.
func (r *ring[T]) room() uint32 {
	r.tail = atomic.LoadUint32(r.cons)
	return r.size() - (r.head - r.tail)
}

// reserve claims n producer slots and returns the position of the
// first one.
func (r *ring[T]) reserve(n uint32) (uint32, bool) {
	if r.size()-(r.head-r.tail) < n && r.room() < n {
		return 0, false
	}
	i := r.head
	r.head += n
	return i, true
}

// cancel gives back the last n reserved, unpublished slots.
func (r *ring[T]) cancel(n uint32) { r.head -= n }

// publish makes every reserved slot visible to the consumer.
func (r *ring[T]) publish() { atomic.StoreUint32(r.prod, r.head) }

// peek returns the position of the first filled slot and the number of
// filled slots, at most limit.
func (r *ring[T]) peek(limit uint32) (uint32, uint32) {
	n := r.head - r.tail
	if n == 0 {
		r.head = atomic.LoadUint32(r.prod)
		n = r.head - r.tail
	}
	return r.tail, min(n, limit)
}

// release hands n consumed slots back to the producer.
func (r *ring[T]) release(n uint32) {
	r.tail += n
	atomic.StoreUint32(r.cons, r.tail)
}

// needsWakeup reports whether the kernel asked to be notified of new
// entries.
func (r *ring[T]) needsWakeup() bool {
	return r.flags == nil || atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

// ringNeedWakeup is XDP_RING_NEED_WAKEUP.
const ringNeedWakeup = 1
