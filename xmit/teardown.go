package xmit

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/txstat"
)

const (
	drainPollMin = time.Millisecond
	drainPollMax = 50 * time.Millisecond
)

// DestroyNode tears down every TID of n. The TIDs are paused at once;
// DestroyNode then waits until the hardware has returned every frame of
// n, polling completions, and finally cancels the frames still queued.
// If the hardware did not drain within drainTimeout (StuckThreshold when
// zero) or ctx ends first, the hardware queues holding frames of n are
// reset and the returned error wraps ErrStuckQueue. The node is removed
// in either case.
func (e *Engine) DestroyNode(ctx context.Context, n *Node, drainTimeout time.Duration) error {
	if !n.destroyed.CompareAndSwap(false, true) {
		return ErrNodeGone
	}
	if drainTimeout <= 0 {
		drainTimeout = e.conf.StuckThreshold
	}
	log := e.log.With(zap.Stringer("peer", n.peer))

	var b batch
	for _, t := range n.tids {
		q := t.ac.q
		q.mu.Lock()
		t.mu.Lock()
		t.closed = true
		t.paused++
		for t.parked.Len() > 0 {
			e.completeLocked(t, t.parked.PopFront().bufs, nil, TxFailed, &b)
		}
		t.earlyBA = nil
		t.mu.Unlock()
		q.mu.Unlock()
	}
	e.dispatch(&b)

	var err error
	if derr := e.drainNode(ctx, n, drainTimeout); derr != nil {
		busy := n.busyQueues()
		log.Warn("node did not drain, resetting hardware queues",
			zap.Duration("timeout", drainTimeout),
			zap.Ints("queues", busy),
			zap.Error(derr),
		)
		for _, qn := range busy {
			e.resetQueue(e.queues[qn])
		}
		err = fmt.Errorf("%w: draining %s: %w", ErrStuckQueue, n.peer, derr)
	}

	b = batch{}
	cancelled := 0
	for _, t := range n.tids {
		q := t.ac.q
		q.mu.Lock()
		t.mu.Lock()
		for t.pending.Len() > 0 {
			e.dropLocked(t, t.pending.PopFront(), ErrCancelled, &b)
			cancelled++
		}
		for _, h := range t.win.Handles() {
			e.finishLocked(t, h, ErrCancelled, &b)
			cancelled++
		}
		t.win.Drain()
		t.mu.Unlock()
		q.forget(n)
		q.mu.Unlock()
	}

	e.nodesLock.Lock()
	if e.nodes[n.peer] == n {
		delete(e.nodes, n.peer)
	}
	e.nodesLock.Unlock()

	e.dispatch(&b)
	log.Info("node destroyed", zap.Int("cancelled", cancelled))
	return err
}

// drainNode polls completions until no frame of n is owned by the
// hardware.
func (e *Engine) drainNode(ctx context.Context, n *Node, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := &backoff.Backoff{Min: drainPollMin, Max: drainPollMax, Factor: 2}
	for {
		e.ProcessCompletions()
		if n.inHW() == 0 {
			return nil
		}
		if err := sleep(ctx, poll.Duration()); err != nil {
			return err
		}
	}
}

func (n *Node) inHW() int {
	total := 0
	for _, t := range n.tids {
		t.mu.Lock()
		total += t.inHW
		t.mu.Unlock()
	}
	return total
}

// busyQueues lists the hardware queues that still hold frames of n.
func (n *Node) busyQueues() []int {
	var out []int
	seen := make(map[int]bool, NumACs)
	for _, t := range n.tids {
		t.mu.Lock()
		busy := t.inHW > 0
		t.mu.Unlock()
		if qn := t.ac.q.num; busy && !seen[qn] {
			seen[qn] = true
			out = append(out, qn)
		}
	}
	return out
}

func (e *Engine) resetQueue(q *txq) {
	var b batch
	q.mu.Lock()
	e.resetQueueLocked(q, &b)
	e.scheduleLocked(q)
	q.mu.Unlock()
	e.dispatch(&b)
}

// resetQueueLocked drains hardware queue q (ath_draintxq). Every
// descriptor still owned by q is aborted: frames of closed TIDs are
// dropped with ErrStuckQueue, all others go back to the head of their
// TID without a retry penalty. Completions that arrive later for the
// aborted descriptors no longer match and are ignored.
func (e *Engine) resetQueueLocked(q *txq, b *batch) {
	if err := e.hw.ResetQueue(q.num); err != nil {
		e.log.Error("resetting hardware queue", zap.Int("queue", q.num), zap.Error(err))
	}
	q.resets++
	q.stats.Inc(txstat.Resets)

	aborted := 0
	touched := make([]*tid, 0, q.fifo.Len())
	for q.fifo.Len() > 0 {
		f := q.fifo.PopFront()
		t := f.tid
		aborted += len(f.bufs)

		t.mu.Lock()
		t.inHW -= len(f.bufs)
		if t.closed {
			for _, h := range f.bufs {
				e.dropLocked(t, h, ErrStuckQueue, b)
			}
		} else {
			e.completeLocked(t, f.bufs, nil, TxAborted, b)
		}
		t.mu.Unlock()
		touched = append(touched, t)
	}
	q.depth, q.aggrDepth = 0, 0

	for _, t := range touched {
		e.requeueLocked(q, t)
	}
	e.log.Warn("hardware queue reset",
		zap.Int("queue", q.num),
		zap.Int("aborted", aborted),
		zap.Uint64("resets", q.resets),
	)
}

// Watchdog resets every hardware queue whose oldest descriptor was
// submitted more than StuckThreshold before now, and treats aggregates
// that waited longer than BlockAckTimeout for their block-ack as not
// acknowledged. Run calls it periodically; hosts driving
// ProcessCompletions themselves call it on their own schedule.
func (e *Engine) Watchdog(now time.Time) {
	for _, q := range e.queues {
		var b batch
		q.mu.Lock()
		if q.fifo.Len() > 0 {
			if age := now.Sub(q.fifo.Front().submitted); age > e.conf.StuckThreshold {
				e.log.Warn("hardware queue stuck",
					zap.Int("queue", q.num),
					zap.Duration("age", age),
					zap.Int("depth", q.depth),
				)
				e.resetQueueLocked(q, &b)
				e.scheduleLocked(q)
			}
		}
		q.mu.Unlock()
		e.dispatch(&b)
	}
	e.expireParked(now)
}
