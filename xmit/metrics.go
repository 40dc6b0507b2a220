package xmit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/ampdu-go/txstat"
)

const metricsNamespace = "ampdu"

// Metrics exposes engine state to Prometheus. Counters are read from the
// txstat counter sets at scrape time.
type Metrics struct {
	e *Engine

	counters  []*prometheus.Desc
	freeBufs  *prometheus.Desc
	depth     *prometheus.Desc
	aggrDepth *prometheus.Desc

	subframes prometheus.Histogram
	aggrBytes prometheus.Histogram
}

func newMetrics(e *Engine) *Metrics {
	m := &Metrics{
		e:        e,
		counters: make([]*prometheus.Desc, txstat.NumCounters),
		freeBufs: prometheus.NewDesc(
			metricsNamespace+"_free_buffers",
			"Number of descriptor ring buffers on the free list.",
			nil, nil),
		depth: prometheus.NewDesc(
			metricsNamespace+"_queue_depth",
			"Number of descriptor chains owned by a hardware queue.",
			[]string{"queue"}, nil),
		aggrDepth: prometheus.NewDesc(
			metricsNamespace+"_queue_aggr_depth",
			"Number of aggregates owned by a hardware queue.",
			[]string{"queue"}, nil),
	}
	for c := range txstat.NumCounters {
		m.counters[c] = prometheus.NewDesc(
			metricsNamespace+"_"+c.String()+"_total",
			"Transmit path counter "+c.String()+", by counter set.",
			[]string{"set"}, nil)
	}
	m.subframes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "aggregate_subframes",
		Help:      "Number of subframes per transmitted A-MPDU.",
		Buckets:   []float64{2, 4, 8, 16, 32, 48, 64},
	})
	m.aggrBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "aggregate_bytes",
		Help:      "On-air length of transmitted A-MPDUs in bytes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 2, 7),
	})
	return m
}

// Metrics returns the Prometheus collector of the engine.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Register registers m with r.
func (m *Metrics) Register(r prometheus.Registerer) error { return r.Register(m) }

func (m *Metrics) observeAggregate(subframes, aggrLen int) {
	m.subframes.Observe(float64(subframes))
	m.aggrBytes.Observe(float64(aggrLen))
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range m.counters {
		ch <- d
	}
	ch <- m.freeBufs
	ch <- m.depth
	ch <- m.aggrDepth
	m.subframes.Describe(ch)
	m.aggrBytes.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for set, cs := range m.e.Counters() {
		for c := range txstat.NumCounters {
			ch <- prometheus.MustNewConstMetric(
				m.counters[c], prometheus.CounterValue, float64(cs.Load(c)), set)
		}
	}
	ch <- prometheus.MustNewConstMetric(
		m.freeBufs, prometheus.GaugeValue, float64(m.e.ring.Free()))
	for _, s := range m.e.QueueStats() {
		q := strconv.Itoa(s.Queue)
		ch <- prometheus.MustNewConstMetric(m.depth, prometheus.GaugeValue, float64(s.Depth), q)
		ch <- prometheus.MustNewConstMetric(m.aggrDepth, prometheus.GaugeValue, float64(s.AggrDepth), q)
	}
	m.subframes.Collect(ch)
	m.aggrBytes.Collect(ch)
}
