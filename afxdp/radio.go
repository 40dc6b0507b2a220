//go:build linux

package afxdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/xmit"
)

var (
	ErrNoActionResponse = errors.New("radio head did not answer the action frame")
	ErrAddbaDeclined    = errors.New("peer declined the ADDBA request")
)

const (
	DefaultRadioQueues     = 4
	DefaultRadioQueueLimit = 16
	DefaultWaitTimeout     = time.Millisecond
	DefaultActionTimeout   = 100 * time.Millisecond
)

type RadioConfig struct {
	Logger *zap.Logger

	// Head is the MAC address of the radio head.
	Head net.HardwareAddr
	// Queues is the number of hardware queues of the radio head.
	Queues int
	// QueueLimit is the number of descriptors in flight per queue before
	// Submit fails with xmit.ErrQueueFull.
	QueueLimit int
	// WaitTimeout bounds one wait for received frames in Run.
	WaitTimeout time.Duration
	// ActionTimeout bounds the wait for an ADDBA response.
	ActionTimeout time.Duration

	Socket SocketConfig
}

func (c *RadioConfig) ValidateAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if len(c.Head) != 6 {
		return fmt.Errorf("radio head address %q is not an EUI-48 address", c.Head)
	}
	if c.Queues <= 0 {
		c.Queues = DefaultRadioQueues
	}
	if c.Queues > 255 {
		return fmt.Errorf("%d queues exceed the radio head protocol", c.Queues)
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultRadioQueueLimit
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	return c.Socket.ValidateAndSetDefaults()
}

// BlockAckHandler receives block-acks the radio head reports separately
// from completions.
type BlockAckHandler func(peer xmit.PeerID, tid uint8, start seqno.Seq, bitmap seqno.Bitmap)

type RadioStats struct {
	Descriptors     uint64
	Subframes       uint64
	Completions     uint64
	BlockAcks       uint64
	ActionResponses uint64
	// Foreign counts received frames not sent by the radio head.
	Foreign   uint64
	Malformed uint64
}

// Radio implements xmit.Hardware, xmit.BarSender and xmit.Negotiator on
// top of a radio head reachable through one AF_XDP socket.
type Radio struct {
	conf RadioConfig
	log  *zap.Logger
	src  net.HardwareAddr

	sink xmit.CompletionSink
	onBA BlockAckHandler

	// mu guards the socket and everything below it.
	mu       sync.Mutex
	sock     *Socket
	buf      gopacket.SerializeBuffer
	inflight []map[xmit.DescID]struct{}
	token    uint8
	waiters  map[uint8]chan frame.AddbaResponse
	stats    RadioStats
}

// OpenRadio opens a socket on conf.Socket.QueueID and returns a Radio
// speaking to the radio head at conf.Head.
func (i *Interface) OpenRadio(conf RadioConfig) (*Radio, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	sock, err := i.Open(conf.Socket)
	if err != nil {
		return nil, fmt.Errorf("opening socket: %w", err)
	}
	r := newRadio(conf, i.HardwareAddr())
	r.sock = sock
	r.log.Info("radio head attached",
		zap.String("iface", i.name),
		zap.Uint32("queue", conf.Socket.QueueID),
		zap.Stringer("head", conf.Head),
		zap.Bool("zerocopy", sock.IsZerocopy()))
	return r, nil
}

func newRadio(conf RadioConfig, src net.HardwareAddr) *Radio {
	r := &Radio{
		conf:     conf,
		log:      conf.Logger,
		src:      src,
		buf:      gopacket.NewSerializeBuffer(),
		inflight: make([]map[xmit.DescID]struct{}, conf.Queues),
		waiters:  make(map[uint8]chan frame.AddbaResponse),
	}
	for q := range r.inflight {
		r.inflight[q] = make(map[xmit.DescID]struct{})
	}
	return r
}

func (r *Radio) Attach(s xmit.CompletionSink) { r.sink = s }
func (r *Radio) NumQueues() int               { return r.conf.Queues }

// SetBlockAckHandler must be called before Run.
func (r *Radio) SetBlockAckHandler(h BlockAckHandler) { r.onBA = h }

// Submit sends one message per subframe of d and publishes them to the
// TX ring at once.
func (r *Radio) Submit(q int, d *xmit.Descriptor) error {
	if q < 0 || q >= r.conf.Queues {
		return fmt.Errorf("%w: %d", xmit.ErrInvalidQueue, q)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.inflight[q]) >= r.conf.QueueLimit {
		return xmit.ErrQueueFull
	}
	n := len(d.Subframes)
	err := r.sock.Send(n, func(emit func([]byte) error) error {
		return SubframeMessages(r.buf, r.src, r.conf.Head, d, emit)
	})
	if err != nil {
		return sendError(err)
	}

	r.inflight[q][d.ID] = struct{}{}
	r.stats.Descriptors++
	r.stats.Subframes += uint64(n)
	return nil
}

// sendLocked publishes a single message.
func (r *Radio) sendLocked(h Header, body []byte) error {
	if err := r.buf.Clear(); err != nil {
		return err
	}
	if err := AppendMessage(r.buf, r.src, r.conf.Head, h, body); err != nil {
		return fmt.Errorf("encoding %s: %w", h.Type, err)
	}
	err := r.sock.Send(1, func(emit func([]byte) error) error {
		return emit(r.buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("sending %s: %w", h.Type, sendError(err))
	}
	return nil
}

// sendError maps socket exhaustion onto the engine's backpressure errors.
func sendError(err error) error {
	switch {
	case errors.Is(err, ErrTXRingFull), errors.Is(err, ErrNoFreeFrames):
		return fmt.Errorf("%w: %w", xmit.ErrQueueFull, err)
	case errors.Is(err, ErrMessageTooLarge):
		return fmt.Errorf("%w: %w", xmit.ErrFrameTooLarge, err)
	}
	return err
}

// ResetQueue tells the radio head to flush q.
func (r *Radio) ResetQueue(q int) error {
	if q < 0 || q >= r.conf.Queues {
		return fmt.Errorf("%w: %d", xmit.ErrInvalidQueue, q)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sendLocked(Header{Type: MsgResetQueue, Queue: uint8(q)}, nil); err != nil {
		return err
	}
	clear(r.inflight[q])
	return nil
}

func (r *Radio) SendBlockAckReq(peer xmit.PeerID, tid uint8, start seqno.Seq) error {
	bar := frame.BlockAckReq{
		RA:    peer.HardwareAddr(),
		TA:    r.src,
		TID:   tid,
		Start: start,
	}.Marshal()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendLocked(Header{Type: MsgBlockAckReq}, bar)
}

// RequestAggregation sends an ADDBA request through the radio head and
// waits for the peer's response.
func (r *Radio) RequestAggregation(
	ctx context.Context, peer xmit.PeerID, tid uint8, ssn seqno.Seq,
) (int, error) {
	r.mu.Lock()
	r.token++
	tok := r.token
	ch := make(chan frame.AddbaResponse, 1)
	r.waiters[tok] = ch
	req, err := frame.Action(peer.HardwareAddr(), r.src, frame.AddbaRequest{
		Token:   tok,
		TID:     tid,
		BufSize: seqno.BitmapSize,
		SSN:     ssn,
	}.Body())
	if err == nil {
		err = r.sendLocked(Header{Type: MsgAction}, req)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, tok)
		r.mu.Unlock()
	}()
	if err != nil {
		return 0, fmt.Errorf("sending ADDBA request: %w", err)
	}

	t := time.NewTimer(r.conf.ActionTimeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		if resp.Status != frame.StatusSuccess {
			return 0, fmt.Errorf("%w: status %d", ErrAddbaDeclined, resp.Status)
		}
		return resp.BufSize, nil
	case <-t.C:
		return 0, ErrNoActionResponse
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type blockAckEvent struct {
	peer   xmit.PeerID
	tid    uint8
	start  seqno.Seq
	bitmap seqno.Bitmap
}

type rxBatch struct {
	completions []xmit.Completion
	acks        []blockAckEvent
}

func (b *rxBatch) reset() {
	b.completions = b.completions[:0]
	b.acks = b.acks[:0]
}

// Run receives radio head messages until ctx is canceled. Completions
// are posted to the attached sink and separate block-acks to the handler.
func (r *Radio) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var out rxBatch
	for ctx.Err() == nil {
		out.reset()

		r.mu.Lock()
		n, err := r.sock.Receive(func(b []byte) { r.handleLocked(b, &out) })
		r.mu.Unlock()
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}

		r.deliver(&out)

		if n == 0 {
			if err := r.sock.Wait(r.conf.WaitTimeout); err != nil {
				return fmt.Errorf("waiting for RX: %w", err)
			}
		}
	}
	return ctx.Err()
}

// handleLocked decodes one received frame. Nothing in out aliases b.
func (r *Radio) handleLocked(b []byte, out *rxBatch) {
	m, err := ParseMessage(b)
	if errors.Is(err, ErrNotRadioHead) {
		r.stats.Foreign++
		return
	}
	if err != nil {
		r.stats.Malformed++
		r.log.Debug("malformed radio head message", zap.Error(err))
		return
	}
	if !bytes.Equal(m.Src, r.conf.Head) {
		r.stats.Foreign++
		return
	}

	switch m.Type {
	case MsgCompletion:
		st := xmit.CompletionStatus(m.Flags)
		if st > xmit.TxAborted || int(m.Queue) >= len(r.inflight) {
			r.stats.Malformed++
			return
		}
		c := xmit.Completion{Queue: int(m.Queue), ID: m.ID, Status: st}
		if len(m.Body) > 0 {
			ba, err := frame.ParseBlockAck(m.Body)
			if err != nil {
				r.stats.Malformed++
				r.log.Debug("completion with malformed block-ack",
					zap.Stringer("desc", m.ID), zap.Error(err))
				return
			}
			c.BlockAck = &xmit.BlockAck{Start: ba.Start, Bitmap: ba.Bitmap}
		}
		delete(r.inflight[m.Queue], m.ID)
		r.stats.Completions++
		out.completions = append(out.completions, c)

	case MsgBlockAck:
		ba, err := frame.ParseBlockAck(m.Body)
		if err != nil {
			r.stats.Malformed++
			return
		}
		ev := blockAckEvent{tid: ba.TID, start: ba.Start, bitmap: ba.Bitmap}
		copy(ev.peer[:], ba.TA)
		r.stats.BlockAcks++
		out.acks = append(out.acks, ev)

	case MsgActionResponse:
		resp, err := frame.ParseAddbaResponse(m.Body)
		if err != nil {
			r.stats.Malformed++
			return
		}
		r.stats.ActionResponses++
		if ch, ok := r.waiters[resp.Token]; ok {
			select {
			case ch <- resp:
			default:
			}
		}

	default:
		r.stats.Malformed++
	}
}

func (r *Radio) deliver(out *rxBatch) {
	for _, c := range out.completions {
		r.sink.Complete(c)
	}
	if r.onBA == nil {
		return
	}
	for _, a := range out.acks {
		r.onBA(a.peer, a.tid, a.start, a.bitmap)
	}
}

// Pending returns the number of descriptors submitted and not completed.
func (r *Radio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.inflight {
		n += len(m)
	}
	return n
}

func (r *Radio) Stats() RadioStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// KernelStats returns the socket's kernel drop counters.
func (r *Radio) KernelStats() (unix.XDPStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock.KernelStats()
}

// Close closes the socket. The Interface stays attached.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil
	return err
}
