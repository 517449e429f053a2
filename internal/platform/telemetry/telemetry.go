// Package telemetry holds the Prometheus collectors for the submission
// pipeline and the HTTP surface.
//
// Label sets are bounded: submission kind and status come from fixed enums,
// HTTP paths use the registered route rather than the raw URL.
package telemetry

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submissions    *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	DispatchCycles *prometheus.CounterVec
	DispatchItems  *prometheus.CounterVec
	ReconcileItems *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPLatency    *prometheus.HistogramVec
	HTTPInflight   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimsgw_submission_outcomes_total",
			Help: "Submission attempts by kind and resulting status.",
		}, []string{"kind", "status"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimsgw_gateway_request_duration_seconds",
			Help:    "Duration of gateway calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "outcome"}),
		DispatchCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimsgw_dispatch_cycles_total",
			Help: "Batch dispatcher cycles by result.",
		}, []string{"result"}),
		DispatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimsgw_dispatch_items_total",
			Help: "Submissions attempted by the batch dispatcher.",
		}, []string{"result"}),
		ReconcileItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimsgw_reconcile_items_total",
			Help: "Feedback items folded into claims by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		}),
	}
	reg.MustRegister(
		m.Submissions, m.GatewayLatency, m.DispatchCycles, m.DispatchItems,
		m.ReconcileItems, m.HTTPRequests, m.HTTPLatency, m.HTTPInflight,
	)
	return m
}

// SubmissionOutcome counts one persisted attempt outcome.
func (m *Metrics) SubmissionOutcome(kind, status string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, status).Inc()
}

// GatewayCall observes one gateway round trip.
func (m *Metrics) GatewayCall(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayLatency.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// DispatchCycle counts a dispatcher cycle and its per-item results.
func (m *Metrics) DispatchCycle(result string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.DispatchCycles.WithLabelValues(result).Inc()
	if succeeded > 0 {
		m.DispatchItems.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		m.DispatchItems.WithLabelValues("failure").Add(float64(failed))
	}
}

// ReconcileItem counts one feedback item outcome.
func (m *Metrics) ReconcileItem(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileItems.WithLabelValues(outcome).Inc()
}

// Handler exposes the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
