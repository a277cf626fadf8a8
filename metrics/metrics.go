// Package metrics exposes the relay's Prometheus instrumentation. A Registry
// owns its own prometheus.Registry so tests and multiple relays in one
// process never collide on global state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Decision outcomes recorded by ObserveDecision.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Lifecycle phases recorded by ObservePhase.
const (
	PhaseAccept     = "accept"
	PhasePreSettle  = "pre_settle"
	PhasePostSettle = "post_settle"
)

// Registry holds every relay metric.
type Registry struct {
	reg *prometheus.Registry

	Decisions      *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	PhaseErrors    *prometheus.CounterVec
	PrechargeToken prometheus.Histogram
	RefundToken    prometheus.Histogram
	ReplayConsumed prometheus.Counter
	Pending        prometheus.Gauge
	RPCRequests    *prometheus.CounterVec
}

// tokenBuckets spans dust amounts up to 1e24 base units (1M tokens at 18
// decimals).
var tokenBuckets = prometheus.ExponentialBuckets(1e6, 100, 10)

// NewRegistry creates a Registry with all relay metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_seconds",
			Help:      "Wall-clock duration of lifecycle phases.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		PhaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_errors_total",
			Help:      "Lifecycle phase failures by failure class.",
		}, []string{"phase", "class"}),
		PrechargeToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "precharge_tokens",
			Help:      "Fee-token amounts reserved before execution.",
			Buckets:   tokenBuckets,
		}),
		RefundToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refund_tokens",
			Help:      "Fee-token amounts refunded after reconciliation.",
			Buckets:   tokenBuckets,
		}),
		ReplayConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_consumed_total",
			Help:      "Proof-of-work digests consumed.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_pending",
			Help:      "Sessions reserved but not yet settled.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result code.",
		}, []string{"method", "code"}),
	}
	r.reg.MustRegister(
		r.Decisions, r.PhaseDuration, r.PhaseErrors, r.PrechargeToken,
		r.RefundToken, r.ReplayConsumed, r.Pending, r.RPCRequests,
	)
	return r
}

// ObserveDecision counts one admission decision.
func (r *Registry) ObserveDecision(strategy, outcome string) {
	if r == nil {
		return
	}
	r.Decisions.WithLabelValues(strategy, outcome).Inc()
}

// ObservePhase records the duration of a phase started at start and, when
// class is non-empty, counts a failure of that class.
func (r *Registry) ObservePhase(phase string, start time.Time, class string) {
	if r == nil {
		return
	}
	r.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	if class != "" {
		r.PhaseErrors.WithLabelValues(phase, class).Inc()
	}
}

// Gatherer returns the underlying registry for custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
