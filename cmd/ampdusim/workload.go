package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/ratelimit"
	"github.com/romshark/ampdu-go/seqno"
	"github.com/romshark/ampdu-go/xmit"
)

// radio is a transmit engine backend that runs its own receive loop.
type radio interface {
	xmit.Hardware
	Run(ctx context.Context) error
}

// blockAckHandler routes separately reported block-acks to e.
func blockAckHandler(e *xmit.Engine) func(xmit.PeerID, uint8, seqno.Seq, seqno.Bitmap) {
	return func(peer xmit.PeerID, tid uint8, start seqno.Seq, bitmap seqno.Bitmap) {
		if n, ok := e.Node(peer); ok {
			e.OnBlockAck(n, tid, start, bitmap)
		}
	}
}

// outcome counts frame reports.
type outcome struct {
	delivered atomic.Uint64
	retries   atomic.Uint64

	mu     sync.Mutex
	failed map[string]uint64
}

func (o *outcome) Report(r xmit.Report) {
	o.retries.Add(uint64(r.Retries))
	if r.Err == nil {
		o.delivered.Add(1)
		return
	}
	key := r.Err.Error()
	switch {
	case errors.Is(r.Err, xmit.ErrExcessiveRetries):
		key = "excessive retries"
	case errors.Is(r.Err, xmit.ErrCancelled):
		key = "cancelled"
	case errors.Is(r.Err, xmit.ErrStuckQueue):
		key = "stuck queue"
	}
	o.mu.Lock()
	o.failed[key]++
	o.mu.Unlock()
}

func (o *outcome) done() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.delivered.Load()
	for _, v := range o.failed {
		n += v
	}
	return n
}

type result struct {
	sent     uint64
	bytes    uint64
	elapsed  time.Duration
	outcome  *outcome
	engine   *xmit.Engine
	sessions map[string]xmit.SessionState
}

// workload drives the engine: it creates the configured peers, opens a
// block-ack session per HT peer and TID, sends Frames frames on each of
// them, waits for every report and destroys the peers.
type workload struct {
	conf *Config
	log  *zap.Logger
	hw   radio
	// level is served next to the metrics so it can be changed at runtime.
	level zap.AtomicLevel
	// bind is called once the engine exists and before hw runs.
	bind func(e *xmit.Engine)
}

func (w *workload) run(ctx context.Context) (*result, error) {
	out := &outcome{failed: make(map[string]uint64)}
	ec := w.conf.engineConfig()
	ec.Logger = w.log.Named("xmit")
	ec.Reporter = out

	e, err := xmit.New(w.hw, ec)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	defer e.Close()
	if w.bind != nil {
		w.bind(e)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := e.Metrics().Register(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	bg, bgCtx := errgroup.WithContext(runCtx)
	bg.Go(func() error { return ignoreCanceled(e.Run(bgCtx)) })
	bg.Go(func() error { return ignoreCanceled(w.hw.Run(bgCtx)) })
	if w.conf.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/log/level", w.level)
		srv := &http.Server{
			Addr:              w.conf.Metrics,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		bg.Go(func() error {
			w.log.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		bg.Go(func() error {
			<-bgCtx.Done()
			return srv.Close()
		})
	}

	nodes, err := w.createNodes(e)
	if err != nil {
		stop()
		_ = bg.Wait()
		return nil, err
	}

	res := &result{outcome: out, engine: e, sessions: make(map[string]xmit.SessionState)}
	start := time.Now()
	go w.progress(bgCtx, out, start)

	prod, prodCtx := errgroup.WithContext(bgCtx)
	var sent, sentBytes atomic.Uint64
	for i, n := range nodes {
		for _, tid := range w.conf.Peers[i].TIDs {
			prod.Go(func() error {
				return w.produce(prodCtx, e, n, w.conf.Peers[i].HT, tid, &sent, &sentBytes)
			})
		}
	}
	prodErr := prod.Wait()
	res.sent, res.bytes = sent.Load(), sentBytes.Load()

	w.awaitReports(bgCtx, out, res.sent)
	res.elapsed = time.Since(start)

	for i, n := range nodes {
		for _, tid := range w.conf.Peers[i].TIDs {
			res.sessions[fmt.Sprintf("%s/%d", n.Peer(), tid)] = n.Session(tid)
		}
		if err := e.DestroyNode(bgCtx, n, w.conf.DrainTimeout); err != nil {
			w.log.Warn("destroying node", zap.Stringer("peer", n.Peer()), zap.Error(err))
		}
	}

	stop()
	if err := bg.Wait(); err != nil {
		return res, err
	}
	if prodErr != nil && !errors.Is(prodErr, context.Canceled) {
		return res, prodErr
	}
	return res, ctx.Err()
}

func (w *workload) createNodes(e *xmit.Engine) ([]*xmit.Node, error) {
	nodes := make([]*xmit.Node, 0, len(w.conf.Peers))
	for _, p := range w.conf.Peers {
		id, _ := xmit.ParsePeerID(p.Addr)
		key, _ := parseKey(p.Key)
		n, err := e.CreateNode(id, xmit.NodeConfig{
			HT:             p.HT,
			MaxAMPDUFactor: p.MaxAMPDUFactor,
			Key:            key,
		})
		if err != nil {
			return nil, fmt.Errorf("creating node %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// produce opens the block-ack session of n on tid, if n is HT, and sends
// Frames frames paced to Rate.
func (w *workload) produce(
	ctx context.Context, e *xmit.Engine, n *xmit.Node, ht bool, tid uint8,
	sent, sentBytes *atomic.Uint64,
) error {
	log := w.log.With(zap.Stringer("peer", n.Peer()), zap.Uint8("tid", tid))
	if ht {
		if err := e.BeginAggregationSession(ctx, n, tid); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("sending without aggregation", zap.Error(err))
		}
	}

	ta, _ := net.ParseMAC(w.conf.Addr)
	payload := make([]byte, w.conf.FrameSize)
	pacer := ratelimit.New(w.conf.Rate)
	b := backoff.Backoff{Min: 50 * time.Microsecond, Max: 10 * time.Millisecond, Factor: 2}

	for i := uint64(0); i < w.conf.Frames; i++ {
		if err := pacer.Wait(ctx, 1); err != nil {
			return err
		}
		payload[0], payload[1] = byte(i), byte(i>>8)
		f, err := frame.QoSData(n.Peer().HardwareAddr(), ta, tid, payload)
		if err != nil {
			return fmt.Errorf("building frame: %w", err)
		}
		for {
			err = e.Transmit(n, tid, f)
			if !errors.Is(err, xmit.ErrBackpressure) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		if err != nil {
			return fmt.Errorf("transmitting to %s: %w", n.Peer(), err)
		}
		b.Reset()
		sent.Add(1)
		sentBytes.Add(uint64(len(f)))
	}
	log.Debug("producer done", zap.Uint64("frames", w.conf.Frames))
	return nil
}

// awaitReports waits until every sent frame was reported or the drain
// timeout passes without progress.
func (w *workload) awaitReports(ctx context.Context, out *outcome, sent uint64) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	last, lastChange := out.done(), time.Now()
	for last < sent {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if d := out.done(); d != last {
				last, lastChange = d, now
			} else if now.Sub(lastChange) > w.conf.DrainTimeout {
				w.log.Warn("frames still outstanding",
					zap.Uint64("sent", sent), zap.Uint64("reported", d))
				return
			}
		}
	}
}

func (w *workload) progress(ctx context.Context, out *outcome, start time.Time) {
	t := time.NewTicker(w.conf.Interval)
	defer t.Stop()
	var lastDelivered uint64
	lastTime := start
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			d := out.delivered.Load()
			dt := now.Sub(lastTime).Seconds()
			w.log.Info("progress",
				zap.Uint64("delivered", d),
				zap.Uint64("fps", uint64(float64(d-lastDelivered)/dt)),
				zap.Uint64("retries", out.retries.Load()),
			)
			lastDelivered, lastTime = d, now
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
