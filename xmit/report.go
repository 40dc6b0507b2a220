package xmit

import (
	"github.com/romshark/ampdu-go/seqno"
)

// Report is the final outcome of one frame passed to Transmit.
// Err is nil when the frame was delivered.
type Report struct {
	Peer    PeerID
	TID     uint8
	Seq     seqno.Seq
	Retries int
	Err     error
}

// Reporter receives frame reports. Report is called without any engine
// lock held, from the goroutine that processed the event.
type Reporter interface {
	Report(Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Report)

func (f ReporterFunc) Report(r Report) { f(r) }

type nopReporter struct{}

func (nopReporter) Report(Report) {}
