package main

import (
	"io"
	"maps"
	"slices"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/ampdu-go/txstat"
)

func printReport(w io.Writer, res *result) error {
	p := message.NewPrinter(language.English)

	elapsed := res.elapsed.Seconds()
	delivered := res.outcome.delivered.Load()
	failed := res.sent - min(delivered, res.sent)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " Sent:              %d frames\n", res.sent)
	p.Fprintf(w, " Delivered:         %d frames\n", delivered)
	p.Fprintf(w, " Avg FPS:           %d\n", uint64(float64(delivered)/elapsed))
	p.Fprintf(w, " Avg rate:          %.1f Mbps\n", float64(res.bytes*8)/1e6/elapsed)
	p.Fprintf(w, " Retries:           %d\n", res.outcome.retries.Load())
	if res.sent > 0 {
		p.Fprintf(w, " Failed:            %d (%.4f%%)\n",
			failed, float64(failed)/float64(res.sent)*100)
	}
	res.outcome.mu.Lock()
	for _, k := range slices.Sorted(maps.Keys(res.outcome.failed)) {
		p.Fprintf(w, "   %-16s %d\n", k+":", res.outcome.failed[k])
	}
	res.outcome.mu.Unlock()

	p.Fprint(w, "\nSESSIONS\n")
	for _, k := range slices.Sorted(maps.Keys(res.sessions)) {
		p.Fprintf(w, " %-22s %s\n", k, res.sessions[k])
	}

	p.Fprint(w, "\nQUEUES\n")
	return txstat.Print(w, txstat.Snapshot(res.engine), map[string]string{
		"q0":     "background",
		"q1":     "best effort",
		"q2":     "video",
		"q3":     "voice",
		"engine": "all queues",
	})
}
