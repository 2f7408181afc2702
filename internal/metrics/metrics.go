// Package metrics holds the gateway's Prometheus instruments. The registry
// is constructed once at startup and threaded through as an explicit
// dependency; nothing registers on the global default.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Rejection reason label values.
const (
	ReasonOperator     = "operator"
	ReasonSlippage     = "slippage"
	ReasonTimeout      = "timeout"
	ReasonGuardianLock = "guardian_lock"
	ReasonHashMismatch = "hash_mismatch"
)

// Registry holds all gateway metrics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal     prometheus.Counter
	ApprovalsTotal    prometheus.Counter
	RejectionsTotal   *prometheus.CounterVec
	TimeoutsTotal     prometheus.Counter
	BlockedByGuardian prometheus.Counter
	ResponseLatency   prometheus.Histogram
	PendingGauge      prometheus.Gauge
}

// NewRegistry creates and registers all gateway metrics on a fresh
// prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hitl_requests_total",
		Help: "Total approval requests created",
	})
	r.ApprovalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hitl_approvals_total",
		Help: "Total approvals accepted by an operator",
	})
	r.RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hitl_rejections_total",
		Help: "Total rejections by reason",
	}, []string{"reason"})
	r.TimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hitl_rejections_timeout_total",
		Help: "Total approvals auto-rejected on expiry",
	})
	r.BlockedByGuardian = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocked_by_guardian_total",
		Help: "Total creates blocked while the Guardian was locked",
	})
	r.ResponseLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hitl_response_latency_seconds",
		Help:    "Time from request creation to decision",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
	r.PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hitl_pending_approvals",
		Help: "Approvals currently awaiting a decision",
	})

	r.reg.MustRegister(
		r.RequestsTotal, r.ApprovalsTotal, r.RejectionsTotal,
		r.TimeoutsTotal, r.BlockedByGuardian, r.ResponseLatency,
		r.PendingGauge,
	)
	return r
}

// Gatherer exposes the underlying registry for the /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RejectReason maps a decision reason string onto a bounded label value so
// free-text operator reasons cannot explode label cardinality.
func RejectReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "SLIPPAGE_EXCEEDED":
		return ReasonSlippage
	case "HITL_TIMEOUT":
		return ReasonTimeout
	case "GUARDIAN_LOCK":
		return ReasonGuardianLock
	case "HASH_MISMATCH":
		return ReasonHashMismatch
	default:
		return ReasonOperator
	}
}
