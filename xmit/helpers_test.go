package xmit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
)

var (
	testAP   = PeerID{0x02, 0xAA, 0, 0, 0, 1}
	testPeer = PeerID{0x02, 0xBB, 0, 0, 0, 2}
)

type fakeBAR struct {
	peer  PeerID
	tid   uint8
	start seqno.Seq
}

// fakeHW records submitted descriptors until the test completes them.
type fakeHW struct {
	mu      sync.Mutex
	sink    CompletionSink
	queues  int
	full    bool
	out     []*Descriptor
	resets  []int
	bars    []fakeBAR
	addbaOK int // attempt that succeeds, 0 for never
	addbaN  int
	bawSize int
}

func newFakeHW(queues int) *fakeHW {
	return &fakeHW{queues: queues, addbaOK: 1, bawSize: baw.MaxSize}
}

func (h *fakeHW) Attach(s CompletionSink) { h.sink = s }
func (h *fakeHW) NumQueues() int          { return h.queues }

func (h *fakeHW) Submit(q int, d *Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return ErrQueueFull
	}
	h.out = append(h.out, d)
	return nil
}

func (h *fakeHW) ResetQueue(q int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, q)
	h.out = slices.DeleteFunc(h.out, func(d *Descriptor) bool { return d.Queue == q })
	return nil
}

func (h *fakeHW) SendBlockAckReq(peer PeerID, tid uint8, start seqno.Seq) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bars = append(h.bars, fakeBAR{peer: peer, tid: tid, start: start})
	return nil
}

func (h *fakeHW) RequestAggregation(
	ctx context.Context, peer PeerID, tid uint8, ssn seqno.Seq,
) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addbaN++
	if h.addbaOK > 0 && h.addbaN >= h.addbaOK {
		return h.bawSize, nil
	}
	return 0, errors.New("no ADDBA response")
}

func (h *fakeHW) setFull(full bool) {
	h.mu.Lock()
	h.full = full
	h.mu.Unlock()
}

func (h *fakeHW) outstanding() []*Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.out)
}

// last returns the most recently submitted outstanding descriptor.
func (h *fakeHW) last(t *testing.T) *Descriptor {
	t.Helper()
	out := h.outstanding()
	require.NotEmpty(t, out, "no outstanding descriptor")
	return out[len(out)-1]
}

func (h *fakeHW) barList() []fakeBAR {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.bars)
}

// complete posts the outcome of d and processes it.
func (h *fakeHW) complete(e *Engine, d *Descriptor, st CompletionStatus, ba *BlockAck) {
	h.mu.Lock()
	h.out = slices.DeleteFunc(h.out, func(o *Descriptor) bool { return o == d })
	h.mu.Unlock()
	h.sink.Complete(Completion{Queue: d.Queue, ID: d.ID, Status: st, BlockAck: ba})
	e.ProcessCompletions()
}

// fullBA acknowledges every subframe of d.
func fullBA(d *Descriptor) *BlockAck {
	return baOf(d, func(int) bool { return true })
}

// baOf builds the block-ack a peer sends for d. Retried subframes may
// precede fresh ones, so the start is the lowest sequence number.
func baOf(d *Descriptor, acked func(i int) bool) *BlockAck {
	ba := &BlockAck{Start: d.Subframes[0].Seq}
	for _, s := range d.Subframes {
		if ba.Start.Sub(s.Seq) < seqno.BitmapSize {
			ba.Start = s.Seq
		}
	}
	for i, s := range d.Subframes {
		if acked(i) {
			ba.Bitmap = ba.Bitmap.Set(seqno.BAIndex(ba.Start, s.Seq))
		}
	}
	return ba
}

func seqsOf(d *Descriptor) []seqno.Seq {
	out := make([]seqno.Seq, len(d.Subframes))
	for i, s := range d.Subframes {
		out[i] = s.Seq
	}
	return out
}

type reports struct {
	mu   sync.Mutex
	list []Report
}

func (r *reports) Report(rep Report) {
	r.mu.Lock()
	r.list = append(r.list, rep)
	r.mu.Unlock()
}

func (r *reports) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.list)
}

// count returns the number of reports whose error matches target;
// a nil target counts deliveries.
func (r *reports) count(target error) int {
	n := 0
	for _, rep := range r.all() {
		if (target == nil && rep.Err == nil) || (target != nil && errors.Is(rep.Err, target)) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, hw *fakeHW, conf Config) (*Engine, *reports) {
	t.Helper()
	rep := &reports{}
	conf.Logger = zaptest.NewLogger(t)
	conf.Reporter = rep
	e, err := New(hw, conf)
	require.NoError(t, err)
	return e, rep
}

func newTestNode(t *testing.T, e *Engine, conf NodeConfig) *Node {
	t.Helper()
	n, err := e.CreateNode(testPeer, conf)
	require.NoError(t, err)
	return n
}

func qosFrame(t *testing.T, tid uint8, payload int) []byte {
	t.Helper()
	b, err := frame.QoSData(testPeer.HardwareAddr(), testAP.HardwareAddr(), tid, make([]byte, payload))
	require.NoError(t, err)
	return b
}

func transmitN(t *testing.T, e *Engine, n *Node, tid uint8, count, payload int) {
	t.Helper()
	for range count {
		require.NoError(t, e.Transmit(n, tid, qosFrame(t, tid, payload)))
	}
}

// kick runs the scheduler of every hardware queue.
func kick(e *Engine) {
	for _, q := range e.queues {
		q.mu.Lock()
		e.scheduleLocked(q)
		q.mu.Unlock()
	}
}

// checkOwnership verifies that every buffer in use is referenced by
// exactly one structure and that the ring agrees on its owner.
func checkOwnership(t *testing.T, e *Engine) {
	t.Helper()
	seen := make(map[descring.Handle]descring.Owner)
	claim := func(h descring.Handle, o descring.Owner) {
		prev, dup := seen[h]
		require.False(t, dup, "buffer %d owned by %s and %s", h, prev, o)
		require.Equal(t, o, e.ring.Owner(h), "owner of buffer %d", h)
		seen[h] = o
	}

	for _, q := range e.queues {
		q.mu.Lock()
		for i := range q.fifo.Len() {
			for _, h := range q.fifo.At(i).bufs {
				claim(h, descring.OwnerHardware)
			}
		}
		q.mu.Unlock()
	}
	for _, n := range e.nodeList() {
		for _, td := range n.tids {
			td.mu.Lock()
			for i := range td.pending.Len() {
				claim(td.pending.At(i), descring.OwnerPending)
			}
			for i := range td.parked.Len() {
				for _, h := range td.parked.At(i).bufs {
					claim(h, descring.OwnerParked)
				}
			}
			for _, h := range td.win.Handles() {
				if _, ok := seen[h]; !ok {
					// Acknowledged, waiting for the window head.
					claim(h, descring.OwnerParked)
				}
			}
			require.NoError(t, td.win.Check(), "window of %s", td)
			td.mu.Unlock()
		}
	}
	require.Equal(t, e.ring.Cap()-e.ring.Free(), len(seen))
}
