package xmit

import (
	"context"
	"fmt"

	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/seqno"
)

// Hardware is the capability set of one radio generation.
//
// Submit hands a composed descriptor chain to hardware queue q. The
// subframe memory stays valid until the engine receives the matching
// Completion. Submit must not block and must not call back into the
// Engine synchronously; completions are posted through the
// CompletionSink passed to Attach.
type Hardware interface {
	Attach(CompletionSink)
	NumQueues() int
	Submit(q int, d *Descriptor) error
	// ResetQueue drops every descriptor of q. Completions for dropped
	// descriptors may still arrive and are ignored.
	ResetQueue(q int) error
}

// BarSender is implemented by hardware that can emit block-ack requests.
type BarSender interface {
	SendBlockAckReq(peer PeerID, tid uint8, start seqno.Seq) error
}

// Negotiator performs the ADDBA exchange with a peer. On success it
// returns the block-ack window size the peer accepted.
type Negotiator interface {
	RequestAggregation(ctx context.Context, peer PeerID, tid uint8, ssn seqno.Seq) (bawSize int, err error)
}

// CompletionSink receives hardware completions.
type CompletionSink interface {
	Complete(Completion)
}

// DescID identifies one submitted descriptor chain: the handle of its
// first buffer and the buffer generation at submission.
type DescID struct {
	Handle descring.Handle
	Gen    uint32
}

func (id DescID) String() string { return fmt.Sprintf("%d.%d", id.Handle, id.Gen) }

// Subframe is one MPDU of a descriptor chain.
type Subframe struct {
	Addr      descring.Addr
	DescAddr  descring.Addr
	Seq       seqno.Seq
	MPDU      []byte
	PadDelims int
}

// Descriptor is a chain of one or more subframes for one peer and TID.
type Descriptor struct {
	ID        DescID
	Queue     int
	Peer      PeerID
	TID       uint8
	Aggregate bool
	// AggrLen is the on-air A-MPDU length including delimiters and
	// padding. Zero for single frames.
	AggrLen   int
	Subframes []Subframe
}

// CompletionStatus is the outcome the hardware reports for a descriptor.
type CompletionStatus int

const (
	// TxOK: single frames were acknowledged; aggregates were sent and
	// the block-ack is either attached or delivered via OnBlockAck.
	TxOK CompletionStatus = iota
	// TxFailed: no acknowledgement after the hardware retries.
	TxFailed
	// TxAborted: the hardware flushed the descriptor without sending it.
	TxAborted
)

func (s CompletionStatus) String() string {
	switch s {
	case TxOK:
		return "ok"
	case TxFailed:
		return "failed"
	case TxAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// BlockAck is the content of a compressed block-ack frame.
type BlockAck struct {
	Start  seqno.Seq
	Bitmap seqno.Bitmap
}

// Completion reports the outcome of a submitted descriptor.
type Completion struct {
	Queue    int
	ID       DescID
	Status   CompletionStatus
	BlockAck *BlockAck
}
