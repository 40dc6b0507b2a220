package xmit

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/txstat"
)

// queueTIDLocked appends t to its AC and the AC to q, unless they are
// already enrolled (ath_tx_queue_tid). q.mu must be held.
func (e *Engine) queueTIDLocked(q *txq, t *tid) {
	if t.sched {
		return
	}
	t.sched = true
	a := t.ac
	a.tids.PushBack(t)
	if a.sched {
		return
	}
	a.sched = true
	q.acs.PushBack(a)
}

// requeueLocked enrolls t if it has work. q.mu must be held, t.mu not.
func (e *Engine) requeueLocked(q *txq, t *tid) {
	t.mu.Lock()
	ok := t.schedulableLocked()
	t.mu.Unlock()
	if ok {
		e.queueTIDLocked(q, t)
	}
}

// scheduleLocked fills q up to its configured depth (ath_txq_schedule).
// q.mu must be held.
func (e *Engine) scheduleLocked(q *txq) {
	for q.depth < e.conf.QueueDepth {
		if !e.scheduleOnce(q) {
			return
		}
	}
}

// scheduleOnce serves ACs and their TIDs round robin until one TID
// submits a descriptor or every enrolled TID was visited once. Visited
// TIDs that still have work go back to the tail of their AC; TIDs that
// are paused or empty drop off the lists.
func (e *Engine) scheduleOnce(q *txq) bool {
	budget := q.enrolled()
	for budget > 0 && q.acs.Len() > 0 {
		a := q.acs.PopFront()
		a.sched = false

		sent, full := false, false
		for a.tids.Len() > 0 && budget > 0 && !sent && !full {
			t := a.tids.PopFront()
			t.sched = false
			budget--

			t.mu.Lock()
			if !t.schedulableLocked() {
				t.mu.Unlock()
				continue
			}
			var err error
			sent, err = e.sendLocked(q, t)
			more := t.schedulableLocked()
			t.mu.Unlock()

			if err != nil {
				full = true
				if !errors.Is(err, ErrQueueFull) {
					e.log.Error("submitting to hardware",
						zap.Int("queue", q.num),
						zap.Stringer("tid", t),
						zap.Error(err),
					)
				}
			}
			if more {
				e.queueTIDLocked(q, t)
			}
		}

		if a.tids.Len() > 0 && !a.sched {
			a.sched = true
			q.acs.PushBack(a)
		}
		if sent {
			return true
		}
		if full {
			return false
		}
	}
	return false
}

// sendLocked pulls frames from t into q. t.mu must be held.
func (e *Engine) sendLocked(q *txq, t *tid) (sent bool, err error) {
	if t.aggregatingLocked() {
		return e.sendAggrLocked(q, t)
	}
	return e.sendSingleLocked(q, t)
}

// sendSingleLocked submits the head of t as a single legacy frame.
func (e *Engine) sendSingleLocked(q *txq, t *tid) (bool, error) {
	h := t.pending.Front()
	buf := e.ring.Buffer(h)
	if !buf.State.HasSeq {
		s, err := t.win.AssignLegacy()
		if err != nil {
			// Window still drains a previous session.
			return false, nil
		}
		e.setSeq(buf, s)
	}
	if err := e.submitLocked(q, t, []descring.Handle{h}, nil, false, 0); err != nil {
		return false, err
	}
	t.pending.PopFront()
	return true, nil
}

// sendAggrLocked forms and submits aggregates from t while the window
// is open and q has room for more aggregates (ath_tx_sched_aggr).
func (e *Engine) sendAggrLocked(q *txq, t *tid) (sent bool, err error) {
	for t.pending.Len() > 0 {
		if q.aggrDepth >= e.conf.AggrQueueDepth || q.depth >= e.conf.QueueDepth {
			return sent, nil
		}

		a := e.formAggrLocked(t)
		if a.status == aggrLegacyHead {
			ok, err := e.sendSingleLocked(q, t)
			if !ok || err != nil {
				return sent, err
			}
			sent = true
			continue
		}
		if len(a.bufs) == 0 {
			return sent, nil
		}

		isAggr := len(a.bufs) > 1
		if !isAggr {
			a.aggrLen, a.pads = 0, nil
		}
		if err := e.submitLocked(q, t, a.bufs, a.pads, isAggr, a.aggrLen); err != nil {
			return sent, err
		}
		for range a.bufs {
			t.pending.PopFront()
		}
		sent = true
		if a.status == aggrBawClosed {
			return sent, nil
		}
	}
	return sent, nil
}

// submitLocked hands bufs to the hardware as one descriptor chain.
func (e *Engine) submitLocked(
	q *txq, t *tid, bufs []descring.Handle, pads []int, isAggr bool, aggrLen int,
) error {
	d := &Descriptor{
		ID:        DescID{Handle: bufs[0], Gen: e.subGen.Add(1)},
		Queue:     q.num,
		Peer:      t.node.peer,
		TID:       e.ring.Buffer(bufs[0]).State.TID,
		Aggregate: isAggr,
		AggrLen:   aggrLen,
		Subframes: make([]Subframe, len(bufs)),
	}
	for i, h := range bufs {
		buf := e.ring.Buffer(h)
		d.Subframes[i] = Subframe{
			Addr:     buf.Addr(),
			DescAddr: buf.DescAddr(),
			Seq:      buf.State.Seq,
			MPDU:     buf.Frame(),
		}
		if pads != nil {
			d.Subframes[i].PadDelims = pads[i]
		}
	}
	if err := e.hw.Submit(q.num, d); err != nil {
		return err
	}

	first := e.ring.Buffer(bufs[0])
	first.State.NFrames = len(bufs)
	first.State.AggrLen = aggrLen
	for _, h := range bufs {
		e.ring.Buffer(h).State.IsAMPDU = isAggr
		e.ring.SetOwner(h, descring.OwnerHardware)
	}
	q.fifo.PushBack(&inflight{
		id:        d.ID,
		tid:       t,
		bufs:      bufs,
		aggr:      isAggr,
		submitted: time.Now(),
	})
	q.depth++
	q.queued += uint64(len(bufs))
	t.inHW += len(bufs)
	if isAggr {
		q.aggrDepth++
		q.stats.Inc(txstat.Aggregates)
		q.stats.Add(txstat.Subframes, uint64(len(bufs)))
		e.metrics.observeAggregate(len(bufs), aggrLen)
	} else {
		q.stats.Inc(txstat.Singles)
	}
	return nil
}
