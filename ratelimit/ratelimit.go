// Package ratelimit paces frame producers to a target frame rate.
package ratelimit

import (
	"context"
	"time"
)

// Pacer limits a producer to fps frames per second on average.
// Not safe for concurrent use.
type Pacer struct {
	nsPerFrame int64
	framesSent uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a pacer for fps frames per second.
// If fps == 0, pacing is disabled and New returns nil.
func New(fps uint64) *Pacer {
	if fps == 0 {
		return nil
	}
	return &Pacer{
		nsPerFrame: int64(time.Second) / int64(fps),
		startTime:  time.Now(),

		// Check time every ~10ms of frames to balance accuracy vs overhead.
		// At least every 8 frames. At most every 1024 frames.
		checkEvery: min(max(fps/100, 8), 1024),
	}
}

// Wait accounts n frames and blocks until they are allowed or ctx ends.
// It does not "catch up" by allowing faster sends after being delayed.
func (p *Pacer) Wait(ctx context.Context, n uint64) error {
	if p == nil || n == 0 {
		return ctx.Err()
	}

	before := p.framesSent / p.checkEvery
	p.framesSent += n
	if p.framesSent/p.checkEvery == before {
		return nil // Fast path: only check time periodically.
	}

	expected := p.startTime.Add(time.Duration(int64(p.framesSent) * p.nsPerFrame))
	d := time.Until(expected)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sent returns the number of frames accounted so far.
func (p *Pacer) Sent() uint64 {
	if p == nil {
		return 0
	}
	return p.framesSent
}
