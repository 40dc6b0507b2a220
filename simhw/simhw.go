// Package simhw is a software radio for the transmit engine.
//
// A Radio implements xmit.Hardware, xmit.Negotiator and xmit.BarSender.
// Every descriptor handed to Submit is put on air as the hardware would:
// aggregates are encoded as A-MPDUs, split again on the receiving side
// and every MPDU is checked. A seeded loss model decides which MPDUs
// reach the peer, and the peer answers with a compressed block-ack.
package simhw

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/xmit"
)

var (
	ErrNoAddbaResponse = errors.New("peer did not answer the ADDBA request")
	ErrAddbaDeclined   = errors.New("peer declined the ADDBA request")
	ErrRadioClosed     = errors.New("radio closed")
)

const (
	DefaultQueues     = 4
	DefaultQueueLimit = 16
	DefaultAirtime    = time.Millisecond
)

type Config struct {
	Logger *zap.Logger

	// Addr is the address of the simulated radio.
	Addr net.HardwareAddr
	// Queues is the number of hardware queues.
	Queues int
	// QueueLimit is the number of descriptors a queue holds before
	// Submit fails with xmit.ErrQueueFull.
	QueueLimit int

	// Seed seeds the loss model.
	Seed int64
	// LossRate is the probability that one MPDU is lost.
	LossRate float64
	// AddbaFailRate is the probability that one ADDBA request is not
	// answered.
	AddbaFailRate float64
	// WindowSize is the block-ack window the peers accept.
	WindowSize int

	// SeparateBlockAck delivers block-acks through the handler set with
	// SetBlockAckHandler instead of attaching them to the completion.
	SeparateBlockAck bool
	// Airtime is the time one descriptor occupies the medium in Run.
	Airtime time.Duration
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Addr == nil {
		c.Addr = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	}
	if len(c.Addr) != 6 {
		return fmt.Errorf("radio address %s is not an EUI-48 address", c.Addr)
	}
	if c.Queues <= 0 {
		c.Queues = DefaultQueues
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.LossRate < 0 || c.LossRate > 1 {
		return fmt.Errorf("LossRate %v out of range [0,1]", c.LossRate)
	}
	if c.AddbaFailRate < 0 || c.AddbaFailRate > 1 {
		return fmt.Errorf("AddbaFailRate %v out of range [0,1]", c.AddbaFailRate)
	}
	if c.WindowSize <= 0 || c.WindowSize > seqno.BitmapSize {
		c.WindowSize = seqno.BitmapSize
	}
	if c.Airtime <= 0 {
		c.Airtime = DefaultAirtime
	}
	return nil
}

// BlockAckHandler receives block-acks in SeparateBlockAck mode.
type BlockAckHandler func(peer xmit.PeerID, tid uint8, start seqno.Seq, bitmap seqno.Bitmap)

// Stats counts what happened on air.
type Stats struct {
	Descriptors   uint64
	Aggregates    uint64
	MPDUs         uint64
	Lost          uint64
	Malformed     uint64
	BlockAcks     uint64
	BlockAckReqs  uint64
	AddbaRequests uint64
	AddbaRefused  uint64
	Resets        uint64
}

type Radio struct {
	conf Config
	log  *zap.Logger

	sink  xmit.CompletionSink
	onBA  BlockAckHandler
	mu    sync.Mutex
	rnd   *rand.Rand
	queue []deque.Deque[*xmit.Descriptor]
	stats Stats
	bars  []frame.BlockAckReq
	token uint8

	closed bool
}

func New(conf Config) (*Radio, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Radio{
		conf:  conf,
		log:   conf.Logger,
		rnd:   rand.New(rand.NewSource(conf.Seed)),
		queue: make([]deque.Deque[*xmit.Descriptor], conf.Queues),
	}, nil
}

func (r *Radio) Attach(s xmit.CompletionSink) { r.sink = s }
func (r *Radio) NumQueues() int               { return r.conf.Queues }

// SetBlockAckHandler sets the receiver of block-acks in
// SeparateBlockAck mode. It must be called before the first Step.
func (r *Radio) SetBlockAckHandler(h BlockAckHandler) { r.onBA = h }

func (r *Radio) Submit(q int, d *xmit.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRadioClosed
	}
	if q < 0 || q >= len(r.queue) {
		return fmt.Errorf("%w: %d", xmit.ErrInvalidQueue, q)
	}
	if r.queue[q].Len() >= r.conf.QueueLimit {
		return xmit.ErrQueueFull
	}
	r.queue[q].PushBack(d)
	return nil
}

func (r *Radio) ResetQueue(q int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q < 0 || q >= len(r.queue) {
		return fmt.Errorf("%w: %d", xmit.ErrInvalidQueue, q)
	}
	r.queue[q].Clear()
	r.stats.Resets++
	return nil
}

// RequestAggregation sends an ADDBA request to peer. The peer accepts
// with the configured window unless the loss model drops the exchange.
func (r *Radio) RequestAggregation(
	ctx context.Context, peer xmit.PeerID, tid uint8, ssn seqno.Seq,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.token++
	r.stats.AddbaRequests++

	req, err := frame.Action(peer.HardwareAddr(), r.conf.Addr, frame.AddbaRequest{
		Token:   r.token,
		TID:     tid,
		BufSize: seqno.BitmapSize,
		SSN:     ssn,
	}.Body())
	if err != nil {
		return 0, fmt.Errorf("building ADDBA request: %w", err)
	}
	resp, err := r.answerAddba(req)
	if err != nil {
		return 0, err
	}
	if resp.Status != frame.StatusSuccess {
		r.stats.AddbaRefused++
		return 0, fmt.Errorf("%w: status %d", ErrAddbaDeclined, resp.Status)
	}
	return resp.BufSize, nil
}

// answerAddba plays the peer side of the ADDBA exchange.
func (r *Radio) answerAddba(b []byte) (frame.AddbaResponse, error) {
	req, err := frame.ParseAddbaRequest(b)
	if err != nil {
		return frame.AddbaResponse{}, fmt.Errorf("ADDBA request: %w", err)
	}
	if r.rnd.Float64() < r.conf.AddbaFailRate {
		r.stats.AddbaRefused++
		return frame.AddbaResponse{}, ErrNoAddbaResponse
	}
	h, _ := frame.Parse(b)
	resp, err := frame.Action(h.Addr2, h.Addr1, frame.AddbaResponse{
		Token:   req.Token,
		Status:  frame.StatusSuccess,
		TID:     req.TID,
		BufSize: min(req.BufSize, r.conf.WindowSize),
		Timeout: req.Timeout,
	}.Body())
	if err != nil {
		return frame.AddbaResponse{}, fmt.Errorf("building ADDBA response: %w", err)
	}
	return frame.ParseAddbaResponse(resp)
}

func (r *Radio) SendBlockAckReq(peer xmit.PeerID, tid uint8, start seqno.Seq) error {
	b := frame.BlockAckReq{
		RA:    peer.HardwareAddr(),
		TA:    r.conf.Addr,
		TID:   tid,
		Start: start,
	}.Marshal()
	bar, err := frame.ParseBlockAckReq(b)
	if err != nil {
		return fmt.Errorf("block-ack request: %w", err)
	}

	r.mu.Lock()
	r.stats.BlockAckReqs++
	r.bars = append(r.bars, bar)
	r.mu.Unlock()
	return nil
}

// BlockAckReqs returns the block-ack requests sent so far.
func (r *Radio) BlockAckReqs() []frame.BlockAckReq {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.BlockAckReq(nil), r.bars...)
}

func (r *Radio) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Pending returns the number of descriptors waiting for air time.
func (r *Radio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.queue {
		n += r.queue[i].Len()
	}
	return n
}

type outcome struct {
	c    xmit.Completion
	peer xmit.PeerID
	tid  uint8
	ba   *xmit.BlockAck
}

// Step transmits the head descriptor of every non-empty queue and posts
// the completions. It returns the number of descriptors transmitted.
func (r *Radio) Step() int {
	r.mu.Lock()
	var done []outcome
	for q := range r.queue {
		if r.queue[q].Len() == 0 {
			continue
		}
		d := r.queue[q].PopFront()
		done = append(done, r.transmitLocked(q, d))
	}
	r.mu.Unlock()

	for _, o := range done {
		if o.ba != nil && r.conf.SeparateBlockAck && r.onBA != nil {
			r.sink.Complete(o.c)
			r.onBA(o.peer, o.tid, o.ba.Start, o.ba.Bitmap)
			continue
		}
		o.c.BlockAck = o.ba
		r.sink.Complete(o.c)
	}
	return len(done)
}

// Run steps the radio once per Airtime until ctx ends.
func (r *Radio) Run(ctx context.Context) error {
	t := time.NewTicker(r.conf.Airtime)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Step()
		}
	}
}

// Close makes Submit fail. Descriptors still queued are never completed.
func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) transmitLocked(q int, d *xmit.Descriptor) outcome {
	o := outcome{
		c:    xmit.Completion{Queue: q, ID: d.ID, Status: xmit.TxFailed},
		peer: d.Peer,
		tid:  d.TID,
	}
	r.stats.Descriptors++

	mpdus, err := r.air(d)
	if err != nil {
		r.stats.Malformed++
		r.log.Error("malformed descriptor",
			zap.Int("queue", q),
			zap.Stringer("desc", d.ID),
			zap.Error(err),
		)
		return o
	}

	var received []seqno.Seq
	for i, m := range mpdus {
		r.stats.MPDUs++
		h, err := frame.Parse(m)
		if err != nil || h.Seq != d.Subframes[i].Seq {
			r.stats.Malformed++
			r.log.Error("corrupt MPDU on air",
				zap.Stringer("desc", d.ID),
				zap.Int("subframe", i),
				zap.Error(err),
			)
			continue
		}
		if r.rnd.Float64() < r.conf.LossRate {
			r.stats.Lost++
			continue
		}
		received = append(received, h.Seq)
	}

	if !d.Aggregate {
		if len(received) == 1 {
			o.c.Status = xmit.TxOK
		}
		return o
	}
	if len(received) == 0 {
		// No block-ack without a single received subframe.
		return o
	}

	ba, err := r.blockAck(d, received)
	if err != nil {
		r.stats.Malformed++
		r.log.Error("block-ack", zap.Stringer("desc", d.ID), zap.Error(err))
		return o
	}
	r.stats.BlockAcks++
	o.c.Status = xmit.TxOK
	o.ba = &xmit.BlockAck{Start: ba.Start, Bitmap: ba.Bitmap}
	return o
}

// air encodes d the way it is sent and returns the MPDUs the receiver
// recovers from it.
func (r *Radio) air(d *xmit.Descriptor) ([][]byte, error) {
	if len(d.Subframes) == 0 {
		return nil, errors.New("empty descriptor")
	}
	if !d.Aggregate {
		if len(d.Subframes) != 1 {
			return nil, fmt.Errorf("%d subframes in a single-frame descriptor", len(d.Subframes))
		}
		return [][]byte{d.Subframes[0].MPDU}, nil
	}

	subs := make([]frame.Subframe, len(d.Subframes))
	for i, s := range d.Subframes {
		subs[i] = frame.Subframe{MPDU: s.MPDU, PadDelims: s.PadDelims}
	}
	if n := frame.EncodedLen(subs); n != d.AggrLen {
		return nil, fmt.Errorf("aggregate length %d, descriptor says %d", n, d.AggrLen)
	}
	ampdu, err := frame.AppendAMPDU(make([]byte, 0, d.AggrLen), subs)
	if err != nil {
		return nil, err
	}
	r.stats.Aggregates++

	mpdus, err := frame.SplitAMPDU(ampdu)
	if err != nil {
		return nil, err
	}
	if len(mpdus) != len(subs) {
		return nil, fmt.Errorf("receiver found %d of %d subframes", len(mpdus), len(subs))
	}
	return mpdus, nil
}

// blockAck builds the compressed block-ack the peer answers with and
// decodes it again on the transmitter side.
func (r *Radio) blockAck(d *xmit.Descriptor, received []seqno.Seq) (frame.BlockAck, error) {
	start := d.Subframes[0].Seq
	for _, s := range d.Subframes {
		if start.Sub(s.Seq) < seqno.BitmapSize {
			start = s.Seq
		}
	}
	b := frame.BlockAck{
		RA:     r.conf.Addr,
		TA:     d.Peer.HardwareAddr(),
		TID:    d.TID,
		Start:  start,
		Bitmap: seqno.BitmapOf(start, received...),
	}.Marshal()
	return frame.ParseBlockAck(b)
}
