package xmit

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/txstat"
)

func (e *Engine) qosTID(n *Node, tidNum uint8) (*tid, error) {
	if int(tidNum) >= NumTIDs {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTID, tidNum)
	}
	if n.destroyed.Load() {
		return nil, ErrNodeGone
	}
	return n.tids[tidNum], nil
}

// resume undoes one pause of t and schedules its queue.
func (e *Engine) resume(t *tid) {
	q := t.ac.q
	q.mu.Lock()
	t.mu.Lock()
	t.paused--
	t.mu.Unlock()
	e.requeueLocked(q, t)
	e.scheduleLocked(q)
	q.mu.Unlock()
}

// BeginAggregationSession negotiates a block-ack session for tid
// (ath_tx_aggr_start). The TID is paused while the ADDBA exchange runs.
// Up to AddbaAttempts requests are made with a growing cooldown between
// them. When every attempt failed the TID falls back to legacy
// transmission and ErrAddbaFailed is returned; frames keep flowing.
func (e *Engine) BeginAggregationSession(ctx context.Context, n *Node, tidNum uint8) error {
	t, err := e.qosTID(n, tidNum)
	if err != nil {
		return err
	}
	if !n.ht {
		return ErrNotHT
	}
	if e.neg == nil {
		return ErrNoNegotiator
	}

	t.mu.Lock()
	switch t.session {
	case SessionActive:
		t.mu.Unlock()
		return nil
	case SessionPending, SessionCleanup:
		t.mu.Unlock()
		return ErrSessionBusy
	}
	t.session = SessionPending
	t.paused++
	t.attempts = 0
	ssn := t.win.Next()
	t.mu.Unlock()

	log := e.log.With(zap.Stringer("tid", t), zap.Stringer("ssn", ssn))
	cooldown := &backoff.Backoff{
		Min:    e.conf.AddbaCooldown,
		Max:    e.conf.AddbaMaxCooldown,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= e.conf.AddbaAttempts; attempt++ {
		size, err := e.neg.RequestAggregation(ctx, n.peer, tidNum, ssn)
		if err == nil {
			return e.activate(t, ssn, size, log)
		}
		lastErr = err

		t.mu.Lock()
		t.attempts = attempt
		t.mu.Unlock()
		log.Debug("ADDBA attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == e.conf.AddbaAttempts {
			break
		}
		if err := sleep(ctx, cooldown.Duration()); err != nil {
			e.endPending(t, SessionIdle)
			return fmt.Errorf("%w: %w", ErrAddbaFailed, err)
		}
	}

	e.stats.Inc(txstat.AddbaFailures)
	e.endPending(t, SessionFallback)
	log.Warn("ADDBA failed, falling back to legacy transmission",
		zap.Int("attempts", e.conf.AddbaAttempts), zap.Error(lastErr))
	return fmt.Errorf("%w after %d attempts: %w", ErrAddbaFailed, e.conf.AddbaAttempts, lastErr)
}

func (e *Engine) activate(t *tid, ssn seqno.Seq, size int, log *zap.Logger) error {
	size = min(size, e.conf.MaxWindow)

	t.mu.Lock()
	err := t.win.Reset(ssn, size)
	if err == nil {
		t.session = SessionActive
	} else {
		t.session = SessionFallback
	}
	t.mu.Unlock()
	e.resume(t)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddbaFailed, err)
	}
	log.Info("block-ack session established", zap.Int("baw_size", size))
	return nil
}

func (e *Engine) endPending(t *tid, s SessionState) {
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
	e.resume(t)
}

func sleep(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

// EndAggregationSession tears down the block-ack session of tid
// (ath_tx_aggr_stop). Frames waiting for a retransmission under the
// window are cancelled; frames still in flight complete without further
// retries. The TID stays paused in the cleanup state until the window is
// empty and then resumes with legacy transmission. Fresh frames are kept.
func (e *Engine) EndAggregationSession(n *Node, tidNum uint8) error {
	t, err := e.qosTID(n, tidNum)
	if err != nil {
		return err
	}
	q := t.ac.q

	var b batch
	q.mu.Lock()
	t.mu.Lock()
	switch t.session {
	case SessionActive:
	case SessionPending, SessionCleanup:
		t.mu.Unlock()
		q.mu.Unlock()
		return ErrSessionBusy
	default:
		t.mu.Unlock()
		q.mu.Unlock()
		return nil
	}

	t.session = SessionCleanup
	t.paused++
	// Legacy retries may sit in front of window frames; keep them in order.
	cancelled := 0
	for range t.pending.Len() {
		h := t.pending.PopFront()
		if !e.meta[h].tracked {
			t.pending.PushBack(h)
			continue
		}
		e.dropLocked(t, h, ErrCancelled, &b)
		cancelled++
	}
	if cancelled > 0 {
		b.bars = append(b.bars, barReq{peer: n.peer, tid: t.num, start: t.win.Start()})
	}
	e.finishCleanupLocked(t)
	state := t.session
	t.mu.Unlock()

	e.requeueLocked(q, t)
	e.scheduleLocked(q)
	q.mu.Unlock()

	e.log.Info("block-ack session stopped",
		zap.Stringer("tid", t),
		zap.Int("cancelled", cancelled),
		zap.Stringer("state", state),
	)
	e.dispatch(&b)
	return nil
}
