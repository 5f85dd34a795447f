// metrics.go - Prometheus metrics for transfer proving and verification.
//
// Every method is safe on a nil *Metrics, so components can run without instrumentation.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerproof"

// Predefined metric names
const (
	MetricTransfers           = "transfers_total"
	MetricProofGenerationTime = "proof_generation_seconds"
	MetricProofVerifyTime     = "proof_verification_seconds"
	MetricCircuitCompileTime  = "circuit_compile_seconds"
	MetricCommits             = "commits_total"
	MetricCommitRetries       = "commit_retries_total"
	MetricErrorCount          = "errors_total"
	MetricLedgerVersion       = "ledger_version"
)

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	transfers     *prometheus.CounterVec
	proveTime     prometheus.Histogram
	verifyTime    *prometheus.HistogramVec
	compileTime   prometheus.Histogram
	commits       prometheus.Counter
	commitRetries prometheus.Counter
	errors        *prometheus.CounterVec
	ledgerVersion prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricTransfers,
			Help:      "Transfers processed by the consistency oracle, by terminal state and reason.",
		}, []string{"state", "reason"}),
		proveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricProofGenerationTime,
			Help:      "Time spent executing and proving one transfer.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		verifyTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricProofVerifyTime,
			Help:      "Time spent verifying one proof, by result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"result"}),
		compileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricCircuitCompileTime,
			Help:      "Time spent compiling the transfer circuit and its keys.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCommits,
			Help:      "Accepted transfers committed to the ledger state.",
		}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCommitRetries,
			Help:      "Transfers re-run because their snapshot went stale before commit.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricErrorCount,
			Help:      "Errors by type.",
		}, []string{"type"}),
		ledgerVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricLedgerVersion,
			Help:      "Number of commits applied to the current ledger state.",
		}),
	}
	reg.MustRegister(
		m.transfers, m.proveTime, m.verifyTime, m.compileTime,
		m.commits, m.commitRetries, m.errors, m.ledgerVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordTransfer(state, reason string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) RecordProofGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.proveTime.Observe(d.Seconds())
}

func (m *Metrics) RecordVerification(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "accept"
	if !ok {
		result = "reject"
	}
	m.verifyTime.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) RecordCircuitCompile(d time.Duration) {
	if m == nil {
		return
	}
	m.compileTime.Observe(d.Seconds())
}

func (m *Metrics) RecordCommit(version uint64) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.ledgerVersion.Set(float64(version))
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
