package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router's Prometheus collectors.
type Metrics struct {
	decisions        *prometheus.CounterVec
	confidence       prometheus.Histogram
	costDelta        prometheus.Histogram
	fallbackFailures prometheus.Counter
	toolFloor        prometheus.Counter
	classifierTokens *prometheus.CounterVec
	classifierCost   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by classification path and tier.",
		}, []string{"path", "tier"}),
		confidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "intentrouter",
			Subsystem: "router",
			Name:      "decision_confidence",
			Help:      "Confidence reported on routing decisions.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		costDelta: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "intentrouter",
			Subsystem: "router",
			Name:      "estimated_cost_delta_dollars",
			Help:      "Estimated cost of the routed model minus the caller's current model.",
			Buckets:   []float64{-0.1, -0.01, -0.001, 0, 0.001, 0.01, 0.1},
		}),
		fallbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "router",
			Name:      "fallback_failures_total",
			Help:      "Fallback classifications that failed and degraded to regex.",
		}),
		toolFloor: f.NewCounter(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "router",
			Name:      "tool_floor_applied_total",
			Help:      "Decisions raised to the minimum tier for tool use.",
		}),
		classifierTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "classifier",
			Name:      "tokens_total",
			Help:      "Estimated classifier tokens by direction.",
		}, []string{"direction"}),
		classifierCost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "intentrouter",
			Subsystem: "classifier",
			Name:      "cost_dollars_total",
			Help:      "Estimated classifier spend.",
		}),
	}
}

func (m *Metrics) observe(d RoutingDecision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Path), d.TierName).Inc()
	m.confidence.Observe(d.Confidence)
	m.costDelta.Observe(d.EstimatedCostDelta)
	if d.Path == PathFallbackFailed {
		m.fallbackFailures.Inc()
	}
	if d.ToolFloorApplied {
		m.toolFloor.Inc()
	}
	if d.Usage != nil {
		m.classifierTokens.WithLabelValues("input").Add(float64(d.Usage.InputTokens))
		m.classifierTokens.WithLabelValues("output").Add(float64(d.Usage.OutputTokens))
		m.classifierCost.Add(d.Usage.EstimatedCost)
	}
}
