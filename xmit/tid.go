package xmit

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
)

// SessionState is the block-ack session state of a TID.
type SessionState int

const (
	// SessionIdle: no session, frames are sent as legacy frames.
	SessionIdle SessionState = iota
	// SessionPending: ADDBA exchange in progress, the TID is paused.
	SessionPending
	// SessionActive: frames are aggregated under the block-ack window.
	SessionActive
	// SessionCleanup: the session is being torn down; the TID stays
	// paused until the window is empty (AGGR_CLEANUP).
	SessionCleanup
	// SessionFallback: ADDBA failed, frames are sent as legacy frames.
	SessionFallback
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionCleanup:
		return "cleanup"
	case SessionFallback:
		return "fallback"
	}
	return fmt.Sprintf("session(%d)", int(s))
}

// bufMeta is the engine's bookkeeping for a buffer in use. It is guarded
// by the mutex of the TID the buffer belongs to.
type bufMeta struct {
	tid     *tid
	class   baw.Class
	tracked bool // buffer occupies a block-ack window slot
}

// parkedAggr is an aggregate that left the hardware without a block-ack.
type parkedAggr struct {
	bufs     []descring.Handle
	deadline time.Time
}

// tid is the per traffic identifier queue (ath_atx_tid).
type tid struct {
	node *Node
	num  uint8
	mgmt bool
	ac   *ac

	// sched is guarded by the hardware queue mutex.
	sched bool

	mu       sync.Mutex
	pending  deque.Deque[descring.Handle]
	win      *baw.Window
	session  SessionState
	paused   int
	closed   bool
	attempts int
	inHW     int
	parked   deque.Deque[*parkedAggr]
	earlyBA  *BlockAck
}

// ac is the per access category state of a node (ath_atx_ac).
// All fields are guarded by the mutex of q.
type ac struct {
	num   AC
	q     *txq
	sched bool
	tids  deque.Deque[*tid]
}

func (t *tid) String() string {
	if t.mgmt {
		return t.node.peer.String() + "/mgmt"
	}
	return fmt.Sprintf("%s/%d", t.node.peer, t.num)
}

// schedulableLocked reports whether the scheduler may pull frames.
func (t *tid) schedulableLocked() bool {
	return t.paused == 0 && !t.closed && t.pending.Len() > 0
}

// aggregatingLocked reports whether fresh frames go through the window.
func (t *tid) aggregatingLocked() bool {
	return !t.mgmt && t.node.ht && t.session == SessionActive
}
