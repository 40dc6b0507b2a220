// Package xmit implements the 802.11n transmit path: per-TID queues,
// access-category scheduling, A-MPDU formation under the block-ack
// window, hardware queue bookkeeping and completion processing.
//
// Lock order: txq.mu, then tid.mu, then the descriptor ring lock.
// Node.keyLock and Engine.seqLock are leaves. Reports and block-ack
// requests are dispatched after every lock is released.
package xmit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/txstat"
)

// Engine is safe for concurrent use.
type Engine struct {
	conf Config
	log  *zap.Logger
	hw   Hardware
	neg  Negotiator
	bar  BarSender
	ring *descring.Ring

	// meta is indexed by buffer handle.
	meta   []bufMeta
	queues []*txq
	stats  txstat.Counters
	subGen atomic.Uint32

	metrics *Metrics

	nodesLock sync.RWMutex
	nodes     map[PeerID]*Node

	// seqLock guards the sequence counter of non-QoS frames.
	seqLock sync.Mutex
	seq     seqno.Seq

	compLock   sync.Mutex
	compQ      deque.Deque[Completion]
	compNotify chan struct{}
	consumer   sync.Mutex

	closed atomic.Bool
}

// New creates an engine on top of hw and attaches itself as the
// completion sink of hw.
func New(hw Hardware, conf Config) (*Engine, error) {
	if err := conf.ValidateAndSetDefaults(hw.NumQueues()); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	ring, err := descring.New(conf.Ring)
	if err != nil {
		return nil, fmt.Errorf("allocating descriptor ring: %w", err)
	}

	e := &Engine{
		conf:       conf,
		log:        conf.Logger,
		hw:         hw,
		neg:        conf.Negotiator,
		ring:       ring,
		meta:       make([]bufMeta, ring.Cap()),
		queues:     make([]*txq, hw.NumQueues()),
		nodes:      make(map[PeerID]*Node),
		compNotify: make(chan struct{}, 1),
	}
	if e.neg == nil {
		e.neg, _ = hw.(Negotiator)
	}
	e.bar, _ = hw.(BarSender)
	for i := range e.queues {
		e.queues[i] = &txq{num: i, stats: new(txstat.Counters)}
	}
	e.metrics = newMetrics(e)

	hw.Attach(e)
	e.log.Info("engine started",
		zap.Int("hw_queues", len(e.queues)),
		zap.Int("buffers", ring.Cap()),
		zap.Int("queue_depth", conf.QueueDepth),
		zap.Int("max_subframes", conf.MaxSubframes),
	)
	return e, nil
}

// Ring returns the transmit descriptor ring.
func (e *Engine) Ring() *descring.Ring { return e.ring }

// Counters implements txstat.Source: one counter set per hardware queue
// plus the engine-wide set.
func (e *Engine) Counters() map[string]*txstat.Counters {
	m := make(map[string]*txstat.Counters, len(e.queues)+1)
	for _, q := range e.queues {
		m["q"+strconv.Itoa(q.num)] = q.stats
	}
	m["engine"] = &e.stats
	return m
}

// Close makes Transmit fail with ErrEngineClosed. Frames already queued
// stay queued; destroy the nodes to reclaim them.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// nextSeq hands out sequence numbers for management and non-QoS frames.
func (e *Engine) nextSeq() seqno.Seq {
	e.seqLock.Lock()
	defer e.seqLock.Unlock()
	s := e.seq
	e.seq = e.seq.Next()
	return s
}

// Transmit queues a frame for node on tid. QoS data frames are queued on
// their TID; management and non-QoS data frames are sent in order on the
// voice queue of the node. The frame is copied into a ring buffer.
func (e *Engine) Transmit(n *Node, tidNum uint8, data []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if n.destroyed.Load() {
		return ErrNodeGone
	}
	if int(tidNum) >= NumTIDs {
		return fmt.Errorf("%w: %d", ErrInvalidTID, tidNum)
	}
	hdr, err := frame.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if hdr.Kind == frame.KindCtrl {
		return fmt.Errorf("%w: control frame", ErrInvalidFrame)
	}
	if hdr.Kind == frame.KindQoSData && hdr.TID != tidNum {
		return fmt.Errorf("%w: QoS TID %d queued on TID %d", ErrInvalidFrame, hdr.TID, tidNum)
	}
	if len(data) > e.ring.BufferSize() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), e.ring.BufferSize())
	}

	h, err := e.ring.Acquire()
	if err != nil {
		e.stats.Inc(txstat.Backpressure)
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	}

	buf := e.ring.Buffer(h)
	copy(buf.Bytes(), data)
	key, keyIndex := n.keyInfo()
	buf.State = descring.BufferState{
		FrameLen: len(data),
		TID:      tidNum,
		KeyType:  key,
		KeyIndex: keyIndex,
		IsHT:     n.ht,
	}

	t := n.tids[tidNum]
	m := bufMeta{tid: t, class: baw.ClassLegacy}
	global := false
	switch hdr.Kind {
	case frame.KindQoSData:
		buf.State.IsAggregable = n.ht
	case frame.KindMgmt:
		m.class = baw.ClassMgmt
		fallthrough
	default:
		t = n.tids[mgmtTID]
		m.tid = t
		global = true
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = e.ring.Release(h)
		return ErrNodeGone
	}
	if global {
		e.setSeq(buf, e.nextSeq())
	}
	e.meta[h] = m
	t.pending.PushBack(h)
	t.mu.Unlock()

	q := t.ac.q
	q.stats.Inc(txstat.Queued)
	q.stats.Add(txstat.QueuedBytes, uint64(len(data)))

	q.mu.Lock()
	e.requeueLocked(q, t)
	e.scheduleLocked(q)
	q.mu.Unlock()
	return nil
}

func (e *Engine) setSeq(buf *descring.Buffer, s seqno.Seq) {
	buf.State.Seq, buf.State.HasSeq = s, true
	if err := frame.SetSeq(buf.Frame(), s); err != nil {
		e.log.Error("writing sequence number", zap.Error(err))
	}
}

// Complete implements CompletionSink. It never blocks.
func (e *Engine) Complete(c Completion) {
	e.compLock.Lock()
	e.compQ.PushBack(c)
	e.compLock.Unlock()
	select {
	case e.compNotify <- struct{}{}:
	default:
	}
}

// ProcessCompletions handles every posted completion and returns how
// many were handled. Only one caller processes at a time.
func (e *Engine) ProcessCompletions() int {
	e.consumer.Lock()
	defer e.consumer.Unlock()

	n := 0
	for {
		e.compLock.Lock()
		if e.compQ.Len() == 0 {
			e.compLock.Unlock()
			return n
		}
		c := e.compQ.PopFront()
		e.compLock.Unlock()

		e.handleCompletion(c)
		n++
	}
}

// Run processes completions and runs the stuck-queue and block-ack
// timeout watchdog until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.conf.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.compNotify:
			e.ProcessCompletions()
		case now := <-ticker.C:
			e.ProcessCompletions()
			e.Watchdog(now)
		}
	}
}

// batch collects the side effects of one locked operation.
type batch struct {
	reports []Report
	bars    []barReq
}

type barReq struct {
	peer  PeerID
	tid   uint8
	start seqno.Seq
}

func (e *Engine) dispatch(b *batch) {
	for _, r := range b.reports {
		e.conf.Reporter.Report(r)
	}
	for _, r := range b.bars {
		if e.bar == nil {
			break
		}
		if err := e.bar.SendBlockAckReq(r.peer, r.tid, r.start); err != nil {
			e.log.Warn("sending block-ack request",
				zap.Stringer("peer", r.peer),
				zap.Uint8("tid", r.tid),
				zap.Error(err),
			)
			continue
		}
		e.stats.Inc(txstat.BlockAckReqs)
	}
}
