package xmit

import (
	"time"

	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/txstat"
)

func (e *Engine) handleCompletion(c Completion) {
	if c.Queue < 0 || c.Queue >= len(e.queues) {
		e.stale(c)
		return
	}
	q := e.queues[c.Queue]

	var b batch
	q.mu.Lock()
	f := q.take(c.ID)
	if f == nil {
		q.mu.Unlock()
		e.stale(c)
		return
	}
	t := f.tid

	t.mu.Lock()
	t.inHW -= len(f.bufs)
	switch {
	case f.aggr && c.Status == TxOK && c.BlockAck == nil && !t.closed:
		e.parkLocked(t, f.bufs, &b)
	case c.Status == TxOK:
		e.completeLocked(t, f.bufs, c.BlockAck, TxOK, &b)
	default:
		e.completeLocked(t, f.bufs, nil, c.Status, &b)
	}
	t.mu.Unlock()

	e.requeueLocked(q, t)
	e.scheduleLocked(q)
	q.mu.Unlock()

	e.dispatch(&b)
}

func (e *Engine) stale(c Completion) {
	e.stats.Inc(txstat.StaleCompletions)
	e.log.Debug("ignoring stale completion",
		zap.Int("queue", c.Queue),
		zap.Stringer("desc", c.ID),
		zap.Stringer("status", c.Status),
	)
}

// parkLocked holds an aggregate that was sent but whose block-ack has
// not been seen yet. A block-ack that arrived before the completion is
// applied right away.
func (e *Engine) parkLocked(t *tid, bufs []descring.Handle, b *batch) {
	if ba := t.earlyBA; ba != nil && e.coversLocked(ba, bufs) {
		t.earlyBA = nil
		e.completeLocked(t, bufs, ba, TxOK, b)
		return
	}
	for _, h := range bufs {
		e.ring.SetOwner(h, descring.OwnerParked)
	}
	t.parked.PushBack(&parkedAggr{
		bufs:     bufs,
		deadline: time.Now().Add(e.conf.BlockAckTimeout),
	})
}

// coversLocked reports whether ba refers to any frame of bufs.
func (e *Engine) coversLocked(ba *BlockAck, bufs []descring.Handle) bool {
	for _, h := range bufs {
		if seqno.Within(ba.Start, seqno.BitmapSize, e.ring.Buffer(h).State.Seq) {
			return true
		}
	}
	return false
}

// completeLocked applies the outcome of one descriptor chain to its
// frames (ath_tx_complete_aggr). With status TxOK a single frame counts
// as acknowledged; frames of an aggregate are acknowledged by ba. Frames
// that are not acknowledged are retried at the head of the pending list
// or dropped at their retry ceiling. Acknowledged frames tracked by the
// window are retired in sequence order as the window head advances.
// t.mu must be held.
func (e *Engine) completeLocked(
	t *tid, bufs []descring.Handle, ba *BlockAck, status CompletionStatus, b *batch,
) {
	retry := make([]descring.Handle, 0, len(bufs))
	needBAR := false

	for _, h := range bufs {
		buf := e.ring.Buffer(h)
		m := &e.meta[h]

		acked := status == TxOK
		if acked && len(bufs) > 1 {
			acked = ba != nil && ba.Bitmap.IsSet(seqno.BAIndex(ba.Start, buf.State.Seq))
		}

		switch {
		case acked && m.tracked:
			if !t.win.Ack(buf.State.Seq) && !t.win.Holds(buf.State.Seq, h) {
				e.finishLocked(t, h, nil, b)
				continue
			}
			e.ring.SetOwner(h, descring.OwnerParked)
			continue
		case acked:
			e.finishLocked(t, h, nil, b)
			continue
		}

		if t.closed || (m.tracked && t.session == SessionCleanup) {
			needBAR = e.dropLocked(t, h, ErrCancelled, b) || needBAR
			continue
		}
		if status == TxAborted {
			retry = append(retry, h)
			continue
		}
		if baw.RetryOrDrop(&buf.State, m.class.RetryLimit()) == baw.Drop {
			needBAR = e.dropLocked(t, h, ErrExcessiveRetries, b) || needBAR
			continue
		}
		frame.SetRetry(buf.Frame())
		t.ac.q.stats.Inc(txstat.Retries)
		retry = append(retry, h)
	}

	for _, h := range t.win.Sweep() {
		e.finishLocked(t, h, nil, b)
	}
	for i := len(retry) - 1; i >= 0; i-- {
		e.ring.SetOwner(retry[i], descring.OwnerPending)
		t.pending.PushFront(retry[i])
	}
	if needBAR && !t.closed {
		b.bars = append(b.bars, barReq{peer: t.node.peer, tid: t.num, start: t.win.Start()})
	}
	e.finishCleanupLocked(t)
}

// dropLocked gives up on h and reports err for it. When h is tracked the
// window skips its slot, and the caller must send a block-ack request
// so that the peer moves its window too (ath_tx_update_baw).
func (e *Engine) dropLocked(t *tid, h descring.Handle, err error, b *batch) (needBAR bool) {
	m := e.meta[h]
	if m.tracked {
		for _, r := range t.win.Retire(e.ring.Buffer(h).State.Seq) {
			e.finishLocked(t, r, nil, b)
		}
	}
	e.finishLocked(t, h, err, b)
	return m.tracked
}

// finishLocked reports the final outcome of h and returns the buffer to
// the ring.
func (e *Engine) finishLocked(t *tid, h descring.Handle, err error, b *batch) {
	buf := e.ring.Buffer(h)
	b.reports = append(b.reports, Report{
		Peer:    t.node.peer,
		TID:     buf.State.TID,
		Seq:     buf.State.Seq,
		Retries: buf.State.Retries,
		Err:     err,
	})

	stats := t.ac.q.stats
	switch err {
	case nil:
		stats.Inc(txstat.Delivered)
	case ErrExcessiveRetries:
		stats.Inc(txstat.ExcessiveRetries)
	case ErrStuckQueue:
		stats.Inc(txstat.StuckDrops)
	default:
		stats.Inc(txstat.Cancelled)
	}

	e.meta[h] = bufMeta{}
	if rerr := e.ring.Release(h); rerr != nil {
		e.log.Error("releasing buffer", zap.Uint32("handle", uint32(h)), zap.Error(rerr))
	}
}

// finishCleanupLocked ends the cleanup state once the window is empty.
// The TID is resumed in legacy mode.
func (e *Engine) finishCleanupLocked(t *tid) {
	if t.session != SessionCleanup || !t.win.Empty() {
		return
	}
	t.session = SessionIdle
	t.paused--
	e.log.Debug("block-ack session cleaned up", zap.Stringer("tid", t))
}

// OnBlockAck applies a block-ack received from the peer to the
// aggregates of tid that are waiting for it. Frames still owned by the
// hardware are not affected.
func (e *Engine) OnBlockAck(n *Node, tidNum uint8, start seqno.Seq, bitmap seqno.Bitmap) {
	if int(tidNum) >= NumTIDs {
		return
	}
	t := n.tids[tidNum]
	q := t.ac.q
	ba := &BlockAck{Start: start, Bitmap: bitmap}

	var b batch
	matched := false
	q.mu.Lock()
	t.mu.Lock()
	for i := 0; i < t.parked.Len(); {
		p := t.parked.At(i)
		if !e.coversLocked(ba, p.bufs) {
			i++
			continue
		}
		t.parked.Remove(i)
		e.completeLocked(t, p.bufs, ba, TxOK, &b)
		matched = true
	}
	if !matched {
		t.earlyBA = ba
	}
	t.mu.Unlock()

	e.requeueLocked(q, t)
	e.scheduleLocked(q)
	q.mu.Unlock()

	if !matched {
		e.log.Debug("block-ack without parked aggregate",
			zap.Stringer("tid", t), zap.Stringer("start", start))
	}
	e.dispatch(&b)
}

// expireParked treats aggregates that waited longer than
// BlockAckTimeout as not acknowledged.
func (e *Engine) expireParked(now time.Time) {
	for _, n := range e.nodeList() {
		for _, t := range n.tids {
			e.expireParkedTID(t, now)
		}
	}
}

func (e *Engine) expireParkedTID(t *tid, now time.Time) {
	q := t.ac.q
	var b batch
	q.mu.Lock()
	t.mu.Lock()
	expired := 0
	for t.parked.Len() > 0 && !now.Before(t.parked.Front().deadline) {
		p := t.parked.PopFront()
		e.completeLocked(t, p.bufs, nil, TxFailed, &b)
		expired++
	}
	t.mu.Unlock()
	if expired > 0 {
		e.requeueLocked(q, t)
		e.scheduleLocked(q)
	}
	q.mu.Unlock()

	if expired > 0 {
		e.log.Debug("block-ack timeout", zap.Stringer("tid", t), zap.Int("aggregates", expired))
	}
	e.dispatch(&b)
}
