package baw

import "github.com/romshark/ampdu-go/descring"

// Class selects the retry ceiling of a frame.
type Class int

const (
	// ClassLegacy is a frame sent outside a block-ack session.
	ClassLegacy Class = iota
	// ClassAggregate is a frame sent inside a block-ack session.
	ClassAggregate
	// ClassMgmt is a management frame.
	ClassMgmt
)

const (
	RetryLimitLegacy    = 13 // ATH_TXMAXTRY
	RetryLimitAggregate = 10 // ATH_11N_TXMAXTRY
	RetryLimitMgmt      = 4  // ATH_MGT_TXMAXTRY
)

func (c Class) String() string {
	switch c {
	case ClassLegacy:
		return "legacy"
	case ClassAggregate:
		return "aggregate"
	case ClassMgmt:
		return "mgmt"
	}
	return "unknown"
}

// RetryLimit returns the retry ceiling of the class.
func (c Class) RetryLimit() int {
	switch c {
	case ClassAggregate:
		return RetryLimitAggregate
	case ClassMgmt:
		return RetryLimitMgmt
	}
	return RetryLimitLegacy
}

// Verdict is the outcome of RetryOrDrop.
type Verdict int

const (
	Retry Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Retry {
		return "retry"
	}
	return "drop"
}

// RetryOrDrop accounts one failed transmission of a frame. The retry
// counter is incremented; once it reaches limit the frame is marked
// excessively retried and must be dropped, otherwise it is marked retried
// and must be queued again ahead of fresh frames.
func RetryOrDrop(st *descring.BufferState, limit int) Verdict {
	st.Retries++
	if st.Retries >= limit {
		st.IsExcessivelyRetried = true
		return Drop
	}
	st.IsRetried = true
	return Retry
}
