// Package txstat keeps and prints per-queue transmit counters.
package txstat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	Queued Counter = iota
	QueuedBytes
	Aggregates
	Subframes
	Singles
	Delivered
	Retries
	ExcessiveRetries
	Cancelled
	StuckDrops
	Resets
	StaleCompletions
	BlockAckReqs
	Backpressure
	AddbaFailures

	NumCounters
)

func (c Counter) String() string {
	switch c {
	case Queued:
		return "tx_queued"
	case QueuedBytes:
		return "tx_queued_bytes"
	case Aggregates:
		return "tx_aggregates"
	case Subframes:
		return "tx_subframes"
	case Singles:
		return "tx_singles"
	case Delivered:
		return "tx_delivered"
	case Retries:
		return "tx_retries"
	case ExcessiveRetries:
		return "tx_excessive_retries"
	case Cancelled:
		return "tx_cancelled"
	case StuckDrops:
		return "tx_stuck_drops"
	case Resets:
		return "tx_queue_resets"
	case StaleCompletions:
		return "tx_stale_completions"
	case BlockAckReqs:
		return "tx_block_ack_reqs"
	case Backpressure:
		return "tx_backpressure"
	case AddbaFailures:
		return "tx_addba_failures"
	}
	return ""
}

// Counters is a set of monotonic counters. It is safe for concurrent use.
type Counters struct {
	v [NumCounters]atomic.Uint64
}

func (c *Counters) Add(ctr Counter, n uint64) { c.v[ctr].Add(n) }
func (c *Counters) Inc(ctr Counter)           { c.v[ctr].Add(1) }
func (c *Counters) Load(ctr Counter) uint64   { return c.v[ctr].Load() }

// Per-queue values.
type QueueStats map[Counter]uint64

// Multi-queue stats.
type Stats map[string]QueueStats

// Source exposes named counter sets, typically one per hardware queue.
type Source interface {
	Counters() map[string]*Counters
}

// Snapshot reads the given counters (all counters if none are given) of
// every set src exposes.
func Snapshot(src Source, counters ...Counter) Stats {
	if len(counters) == 0 {
		for c := range NumCounters {
			counters = append(counters, c)
		}
	}
	s := make(Stats)
	for name, cs := range src.Counters() {
		vals := make(QueueStats, len(counters))
		for _, ctr := range counters {
			vals[ctr] = cs.Load(ctr)
		}
		s[name] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for q, now := range s {
		prev := old[q]
		diff := make(QueueStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[q] = diff
	}
	return out
}

// Total sums ctr over all queues.
func (s Stats) Total(ctr Counter) uint64 {
	var t uint64
	for _, q := range s {
		t += q[ctr]
	}
	return t
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	queues := make([]string, 0, len(s))
	for q := range s {
		queues = append(queues, q)
	}
	slices.Sort(queues)

	for _, q := range queues {
		stats := s[q]

		if alias, ok := aliases[q]; ok {
			fmt.Fprintf(w, "%s (%s):\n", q, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", q)
		}

		bytes := stats[QueuedBytes]
		fmt.Fprintf(w, "  queued      %-12d  ≈ %-8s (%s)\n",
			stats[Queued], humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
		)
		fmt.Fprintf(w, "  delivered   %-12s  aggregates %s (%s subframes), singles %s\n",
			humanize.Comma(int64(stats[Delivered])),
			humanize.Comma(int64(stats[Aggregates])),
			humanize.Comma(int64(stats[Subframes])),
			humanize.Comma(int64(stats[Singles])),
		)
		fmt.Fprintf(w, "  retries     %-12s  dropped %s, cancelled %s\n",
			humanize.Comma(int64(stats[Retries])),
			humanize.Comma(int64(stats[ExcessiveRetries]+stats[StuckDrops])),
			humanize.Comma(int64(stats[Cancelled])),
		)
		if v := stats[Resets] + stats[StaleCompletions] + stats[BlockAckReqs]; v > 0 {
			fmt.Fprintf(w, "  resets %d  stale %d  bars %d\n",
				stats[Resets], stats[StaleCompletions], stats[BlockAckReqs])
		}
		if v := stats[Backpressure] + stats[AddbaFailures]; v > 0 {
			fmt.Fprintf(w, "  backpressure %d  addba failures %d\n",
				stats[Backpressure], stats[AddbaFailures])
		}
	}

	return nil
}
