// Package baw tracks the 802.11n block-ack window of one traffic
// identifier.
//
// The window is a ring of MaxBufs slots indexed relative to baw_head.
// Slot i holds the frame with sequence number Start()+i. A slot is
// either empty (retired), outstanding (sent, unacknowledged) or acked
// (acknowledged, waiting for every earlier slot to retire). The head only
// ever advances through the contiguous run of acked or empty slots, so
// frames are retired in sequence order even when the peer acknowledges
// them out of order.
package baw

import (
	"errors"
	"fmt"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/seqno"
)

var (
	ErrWindowFull    = errors.New("block-ack window full")
	ErrOutsideWindow = errors.New("sequence number outside block-ack window")
	ErrWindowOpen    = errors.New("block-ack window has outstanding frames")
)

const (
	// MaxSize is the largest negotiable window (WME_MAX_BA).
	MaxSize = seqno.BitmapSize
	// MaxBufs is the number of slots (ATH_TID_MAX_BUFS).
	MaxBufs = 2 * MaxSize

	slotMask = MaxBufs - 1
)

// State is the coarse state of a window.
type State int

const (
	// Idle means no frames are outstanding.
	Idle State = iota
	// Open means one or more sequence numbers are in flight.
	Open
)

func (s State) String() string {
	if s == Idle {
		return "idle"
	}
	return "open"
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotOutstanding
	slotAcked
)

type slot struct {
	state slotState
	h     descring.Handle
}

// Window is not safe for concurrent use.
type Window struct {
	slots [MaxBufs]slot

	start seqno.Seq // seq_start
	next  seqno.Seq // seq_next
	head  int       // baw_head, first unretired slot
	tail  int       // baw_tail, next unused slot
	size  int       // baw_size
}

// New returns an idle window starting at ssn. size is clamped to
// [1, MaxSize].
func New(ssn seqno.Seq, size int) *Window {
	w := &Window{}
	w.reset(ssn, size)
	return w
}

func (w *Window) reset(ssn seqno.Seq, size int) {
	w.slots = [MaxBufs]slot{}
	w.start, w.next = ssn, ssn
	w.head, w.tail = 0, 0
	w.size = min(max(size, 1), MaxSize)
}

// Reset restarts an idle window at ssn with a new size.
func (w *Window) Reset(ssn seqno.Seq, size int) error {
	if !w.Empty() {
		return ErrWindowOpen
	}
	w.reset(ssn, size)
	return nil
}

func (w *Window) Start() seqno.Seq { return w.start }
func (w *Window) Next() seqno.Seq  { return w.next }
func (w *Window) Size() int        { return w.size }
func (w *Window) Head() int        { return w.head }
func (w *Window) Tail() int        { return w.tail }

// Len returns the number of slots between head and tail.
func (w *Window) Len() int { return (w.tail - w.head) & slotMask }

// Empty reports whether head and tail meet.
func (w *Window) Empty() bool { return w.head == w.tail }

func (w *Window) State() State {
	if w.Empty() {
		return Idle
	}
	return Open
}

// Reserve hands out seq_next if it still fits the window.
func (w *Window) Reserve() (seqno.Seq, error) {
	if w.next.Sub(w.start) >= w.size {
		return 0, ErrWindowFull
	}
	s := w.next
	w.next = w.next.Next()
	return s, nil
}

// AssignLegacy hands out a sequence number for a frame that is not
// tracked by the window. The window must be empty; it slides along so
// that a later session starts right after the last legacy frame.
func (w *Window) AssignLegacy() (seqno.Seq, error) {
	if !w.Empty() {
		return 0, ErrWindowOpen
	}
	s := w.next
	w.next = w.next.Next()
	w.start = w.next
	return s, nil
}

func (w *Window) slotOf(s seqno.Seq) (*slot, int, bool) {
	i := seqno.BAIndex(w.start, s)
	if i >= w.size {
		return nil, i, false
	}
	return &w.slots[(w.head+i)&slotMask], i, true
}

// MarkSent records s as outstanding with buffer h and moves baw_tail past
// it when needed (ath_tx_addto_baw).
func (w *Window) MarkSent(s seqno.Seq, h descring.Handle) error {
	sl, i, ok := w.slotOf(s)
	if !ok {
		return fmt.Errorf("%w: %d not in [%d,+%d)", ErrOutsideWindow, s, w.start, w.size)
	}
	*sl = slot{state: slotOutstanding, h: h}
	if i >= w.Len() {
		w.tail = (w.head + i + 1) & slotMask
	}
	return nil
}

// Holds reports whether s is tracked by the window with buffer h.
func (w *Window) Holds(s seqno.Seq, h descring.Handle) bool {
	sl, i, ok := w.slotOf(s)
	return ok && i < w.Len() && sl.state != slotEmpty && sl.h == h
}

// IsOutstanding reports whether s still occupies the window, either
// unacknowledged or acknowledged but not yet retired.
func (w *Window) IsOutstanding(s seqno.Seq) bool {
	sl, i, ok := w.slotOf(s)
	return ok && i < w.Len() && sl.state != slotEmpty
}

// IsAcked reports whether s was acknowledged and awaits retirement.
func (w *Window) IsAcked(s seqno.Seq) bool {
	sl, i, ok := w.slotOf(s)
	return ok && i < w.Len() && sl.state == slotAcked
}

// Ack marks s acknowledged. It returns false if s is not outstanding.
// Ack never retires anything; call Sweep afterwards.
func (w *Window) Ack(s seqno.Seq) bool {
	sl, i, ok := w.slotOf(s)
	if !ok || i >= w.Len() || sl.state != slotOutstanding {
		return false
	}
	sl.state = slotAcked
	return true
}

// Acknowledge applies a peer block-ack bitmap relative to start and
// retires the acknowledged prefix of the window. The retired buffers are
// returned in sequence order.
func (w *Window) Acknowledge(start seqno.Seq, bm seqno.Bitmap) []descring.Handle {
	for i, n := 0, w.Len(); i < n; i++ {
		s := w.start.Add(i)
		if bm.IsSet(seqno.BAIndex(start, s)) {
			w.Ack(s)
		}
	}
	return w.Sweep()
}

// Retire empties the slot of s, typically because the frame was dropped,
// and sweeps the head (ath_tx_update_baw). The handle of s itself is not
// part of the result.
func (w *Window) Retire(s seqno.Seq) []descring.Handle {
	if sl, i, ok := w.slotOf(s); ok && i < w.Len() {
		*sl = slot{}
	}
	return w.Sweep()
}

// Sweep advances baw_head and seq_start past every leading acked or empty
// slot and returns the acked buffers it passed.
func (w *Window) Sweep() (retired []descring.Handle) {
	for w.head != w.tail {
		sl := &w.slots[w.head]
		switch sl.state {
		case slotOutstanding:
			return retired
		case slotAcked:
			retired = append(retired, sl.h)
		}
		*sl = slot{}
		w.head = (w.head + 1) & slotMask
		w.start = w.start.Next()
	}
	return retired
}

// Drain forgets every tracked frame and rewinds seq_next to seq_start
// (ath_tid_drain). Callers must already have reclaimed the buffers.
func (w *Window) Drain() {
	w.slots = [MaxBufs]slot{}
	w.next = w.start
	w.tail = w.head
}

// Check verifies the window invariants.
func (w *Window) Check() error {
	if n := w.Len(); n > w.size {
		return fmt.Errorf("window span %d exceeds size %d", n, w.size)
	}
	if d := w.next.Sub(w.start); d > w.size {
		return fmt.Errorf("seq_next %d is %d past seq_start %d (size %d)",
			w.next, d, w.start, w.size)
	}
	if d := w.next.Sub(w.start); d < w.Len() {
		return fmt.Errorf("tail slot beyond seq_next")
	}
	for i := w.Len(); i < MaxBufs; i++ {
		if w.slots[(w.head+i)&slotMask].state != slotEmpty {
			return fmt.Errorf("slot %d outside window is occupied", (w.head+i)&slotMask)
		}
	}
	if !w.Empty() && w.slots[w.head].state == slotEmpty {
		return fmt.Errorf("head slot %d is retired but not swept", w.head)
	}
	return nil
}

// Handles returns the buffers of every occupied slot in sequence order.
func (w *Window) Handles() []descring.Handle {
	var out []descring.Handle
	for i, n := 0, w.Len(); i < n; i++ {
		if sl := w.slots[(w.head+i)&slotMask]; sl.state != slotEmpty {
			out = append(out, sl.h)
		}
	}
	return out
}
