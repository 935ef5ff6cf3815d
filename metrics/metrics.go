// Package metrics exposes Prometheus collectors for the verification
// pipeline. Every method is safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	verifications        *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	queueRetries         prometheus.Counter
	jobsDropped          prometheus.Counter
	transfersRejected    *prometheus.CounterVec
	rewardDistributions  *prometheus.CounterVec
}

// New builds collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_verifications_total",
			Help: "Transactions moved to a terminal status, by status and failure reason.",
		}, []string{"status", "reason"}),
		verificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_verification_duration_seconds",
			Help:    "Time from job pickup to terminal status, including lock wait.",
			Buckets: prometheus.DefBuckets,
		}),
		queueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_queue_retries_total",
			Help: "Verification jobs redelivered after a handler error.",
		}),
		jobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_queue_jobs_dropped_total",
			Help: "Verification jobs abandoned after exhausting their attempts.",
		}),
		transfersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_rejected_total",
			Help: "Transfers refused by the pre-check, by reason.",
		}, []string{"reason"}),
		rewardDistributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reward_distributions_total",
			Help: "Placement distributions attempted, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.verifications,
		m.verificationDuration,
		m.queueRetries,
		m.jobsDropped,
		m.transfersRejected,
		m.rewardDistributions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) VerificationCompleted(status, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(status, reason).Inc()
	m.verificationDuration.Observe(duration.Seconds())
}

func (m *Metrics) JobRetried() {
	if m == nil {
		return
	}
	m.queueRetries.Inc()
}

func (m *Metrics) JobDropped() {
	if m == nil {
		return
	}
	m.jobsDropped.Inc()
}

func (m *Metrics) TransferRejected(reason string) {
	if m == nil {
		return
	}
	m.transfersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RewardDistribution(result string) {
	if m == nil {
		return
	}
	m.rewardDistributions.WithLabelValues(result).Inc()
}
