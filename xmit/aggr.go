package xmit

import (
	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/frame"
	"github.com/romshark/ampdu-go/seqno"
)

type aggrStatus int

const (
	// aggrDone: the pending list ran out or the next frame cannot join.
	aggrDone aggrStatus = iota
	// aggrBawClosed: the next frame falls outside the block-ack window.
	aggrBawClosed
	// aggrLimited: a length or subframe limit was reached.
	aggrLimited
	// aggrLegacyHead: the head frame is not tracked by the window and
	// must be sent on its own.
	aggrLegacyHead
)

func (s aggrStatus) String() string {
	switch s {
	case aggrDone:
		return "done"
	case aggrBawClosed:
		return "baw-closed"
	case aggrLimited:
		return "limited"
	case aggrLegacyHead:
		return "legacy-head"
	}
	return "unknown"
}

type aggregate struct {
	bufs    []descring.Handle
	pads    []int
	aggrLen int
	status  aggrStatus
}

// formAggrLocked selects frames from the head of t for one A-MPDU
// (ath_tx_form_aggr). Fresh frames get their sequence number here and
// every selected frame is recorded in the window. Selected frames stay
// on the pending list until the caller submitted them. t.mu must be held.
func (e *Engine) formAggrLocked(t *tid) (a aggregate) {
	limit := min(e.conf.MaxAggrLen, t.node.maxAMPDU)
	key, _ := t.node.keyInfo()
	encrypted := key != descring.KeyClear

	al, bpad := 0, 0
	for i := range t.pending.Len() {
		h := t.pending.At(i)
		buf := e.ring.Buffer(h)
		m := &e.meta[h]

		if buf.State.HasSeq {
			if !m.tracked {
				if i == 0 {
					a.status = aggrLegacyHead
				} else {
					a.status = aggrDone
				}
				break
			}
			if !seqno.Within(t.win.Start(), t.win.Size(), buf.State.Seq) {
				a.status = aggrBawClosed
				break
			}
		} else if t.win.Next().Sub(t.win.Start()) >= t.win.Size() {
			a.status = aggrBawClosed
			break
		}

		delta := frame.DelimLen + buf.State.FrameLen
		if i > 0 && al+bpad+delta > limit {
			a.status = aggrLimited
			break
		}
		if i >= e.conf.MaxSubframes {
			a.status = aggrLimited
			break
		}

		if !buf.State.HasSeq {
			s, err := t.win.Reserve()
			if err != nil {
				a.status = aggrBawClosed
				break
			}
			e.setSeq(buf, s)
		}
		if err := t.win.MarkSent(buf.State.Seq, h); err != nil {
			a.status = aggrBawClosed
			break
		}
		m.tracked = true
		m.class = baw.ClassAggregate

		al += bpad + delta
		ndelim := frame.NumDelims(buf.State.FrameLen, encrypted)
		bpad = frame.PadBytes(delta) + ndelim*frame.DelimLen

		a.bufs = append(a.bufs, h)
		a.pads = append(a.pads, ndelim)
	}
	a.aggrLen = al
	return a
}
