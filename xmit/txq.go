package xmit

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/txstat"
)

// inflight is a descriptor chain owned by a hardware queue.
type inflight struct {
	id        DescID
	tid       *tid
	bufs      []descring.Handle
	aggr      bool
	submitted time.Time
}

// txq is the software view of one hardware queue (ath_txq).
type txq struct {
	num   int
	stats *txstat.Counters

	mu        sync.Mutex
	fifo      deque.Deque[*inflight]
	depth     int
	aggrDepth int
	queued    uint64
	resets    uint64
	acs       deque.Deque[*ac]
}

// take removes the descriptor chain id from the queue.
func (q *txq) take(id DescID) *inflight {
	i := q.fifo.Index(func(f *inflight) bool { return f.id == id })
	if i < 0 {
		return nil
	}
	f := q.fifo.Remove(i)
	q.depth--
	if f.aggr {
		q.aggrDepth--
	}
	return f
}

// enrolled returns the number of TIDs on the scheduling lists.
func (q *txq) enrolled() int {
	n := 0
	for i := range q.acs.Len() {
		n += q.acs.At(i).tids.Len()
	}
	return n
}

// forget removes every TID of node from the scheduling lists.
func (q *txq) forget(n *Node) {
	for i := 0; i < q.acs.Len(); {
		a := q.acs.At(i)
		for j := 0; j < a.tids.Len(); {
			if t := a.tids.At(j); t.node == n {
				t.sched = false
				a.tids.Remove(j)
				continue
			}
			j++
		}
		if a.tids.Len() == 0 {
			a.sched = false
			q.acs.Remove(i)
			continue
		}
		i++
	}
}

// QueueStats describes the state of one hardware queue.
type QueueStats struct {
	Queue     int
	Depth     int
	AggrDepth int
	Queued    uint64
	Resets    uint64
}

// QueueStats returns the state of every hardware queue.
func (e *Engine) QueueStats() []QueueStats {
	out := make([]QueueStats, len(e.queues))
	for i, q := range e.queues {
		q.mu.Lock()
		out[i] = QueueStats{
			Queue:     q.num,
			Depth:     q.depth,
			AggrDepth: q.aggrDepth,
			Queued:    q.queued,
			Resets:    q.resets,
		}
		q.mu.Unlock()
	}
	return out
}
