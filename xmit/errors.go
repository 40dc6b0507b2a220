package xmit

import (
	"errors"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
)

var (
	// ErrOutOfBuffers is returned by Transmit, wrapped in ErrBackpressure,
	// when the descriptor ring is exhausted.
	ErrOutOfBuffers = descring.ErrOutOfBuffers
	// ErrWindowFull is a scheduling signal and never reaches callers.
	ErrWindowFull = baw.ErrWindowFull

	ErrBackpressure     = errors.New("transmit backpressure")
	ErrQueueFull        = errors.New("hardware queue full")
	ErrAddbaFailed      = errors.New("ADDBA negotiation failed")
	ErrExcessiveRetries = errors.New("excessive retries")
	ErrStuckQueue       = errors.New("hardware queue stuck")
	ErrCancelled        = errors.New("frame cancelled")

	ErrNodeExists    = errors.New("node already exists")
	ErrNodeGone      = errors.New("node destroyed")
	ErrInvalidTID    = errors.New("invalid TID")
	ErrInvalidFrame  = errors.New("invalid frame")
	ErrFrameTooLarge = errors.New("frame exceeds buffer size")
	ErrSessionBusy   = errors.New("block-ack session negotiation or cleanup in progress")
	ErrNotHT         = errors.New("peer does not support HT aggregation")
	ErrNoNegotiator  = errors.New("no ADDBA negotiator configured")
	ErrEngineClosed  = errors.New("engine closed")
	ErrInvalidQueue  = errors.New("invalid hardware queue")
	ErrNoQueues      = errors.New("hardware exposes no queues")
)
