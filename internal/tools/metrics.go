package tools

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	loaded   *prometheus.CounterVec
	omitted  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "tools",
			Name:      "loaded_total",
			Help:      "Tools loaded by source (bespoke, constructor, remote).",
		}, []string{"source"}),
		omitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "tools",
			Name:      "omitted_total",
			Help:      "Requested tools that were not loaded, by reason.",
		}, []string{"reason"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "intentrouter",
			Subsystem: "tools",
			Name:      "load_duration_seconds",
			Help:      "Wall time of a tool load.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observe(loaded map[source]int, omitted []Omission, elapsed time.Duration) {
	if m == nil {
		return
	}
	for src, n := range loaded {
		m.loaded.WithLabelValues(string(src)).Add(float64(n))
	}
	for _, o := range omitted {
		m.omitted.WithLabelValues(string(o.Reason)).Inc()
	}
	m.duration.Observe(elapsed.Seconds())
}
