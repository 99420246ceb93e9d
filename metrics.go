package agentmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the Orchestrator's record counts on every scrape.
// Register it with a prometheus.Registerer.
type Collector struct {
	o        *Orchestrator
	byKind   *prometheus.Desc
	byStatus *prometheus.Desc
	total    *prometheus.Desc
}

// NewCollector creates a Collector reading from o
func NewCollector(o *Orchestrator) *Collector {
	return &Collector{
		o: o,
		byKind: prometheus.NewDesc(
			"agentmgr_components_by_kind",
			"Registered components grouped by kind",
			[]string{"kind"}, nil,
		),
		byStatus: prometheus.NewDesc(
			"agentmgr_components_by_status",
			"Registered components grouped by status",
			[]string{"status"}, nil,
		),
		total: prometheus.NewDesc(
			"agentmgr_components",
			"Registered components",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byKind
	ch <- c.byStatus
	ch <- c.total
}

// Collect implements prometheus.Collector. Every kind and status is reported,
// zero counts included.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.o.Stats()
	for _, k := range Kinds {
		ch <- prometheus.MustNewConstMetric(c.byKind, prometheus.GaugeValue, float64(st.ByKind[k]), k.String())
	}
	for _, s := range Statuses {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(st.ByStatus[s]), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total))
}

// QueueMetrics records QueueWorker activity. A nil *QueueMetrics records nothing.
type QueueMetrics struct {
	Items    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Depth    prometheus.Gauge
}

// NewQueueMetrics creates the queue metrics for the worker named queue and
// registers them with reg
func NewQueueMetrics(reg prometheus.Registerer, queue string) (*QueueMetrics, error) {
	labels := prometheus.Labels{"queue": queue}
	m := &QueueMetrics{
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "agentmgr_queue_items_total",
			Help:        "Work items processed by outcome",
			ConstLabels: labels,
		}, []string{"type", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "agentmgr_queue_item_duration_seconds",
			Help:        "Work item execution time",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"type"}),
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "agentmgr_queue_depth",
			Help:        "Work items waiting to run",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.Items, m.Duration, m.Depth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *QueueMetrics) observe(typ string, status WorkStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(typ, string(status)).Inc()
	m.Duration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *QueueMetrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.Depth.Set(float64(n))
}
