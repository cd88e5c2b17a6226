package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	payouts      *prometheus.CounterVec
	volume       *prometheus.CounterVec
	legFailures  *prometheus.CounterVec
	openContract prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily registered escrow engine metrics.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "workescrow",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "settlement",
				Name:      "legs_total",
				Help:      "Settled transfer legs by plan and leg label.",
			}, []string{"plan", "leg"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "settlement",
				Name:      "volume_total",
				Help:      "Settled value in base units by plan and leg label.",
			}, []string{"plan", "leg"}),
			legFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "settlement",
				Name:      "leg_failures_total",
				Help:      "Settlement plans interrupted by a failing ledger leg.",
			}, []string{"plan"}),
			openContract: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "workescrow",
				Subsystem: "engine",
				Name:      "open_contracts",
				Help:      "Contracts created but not yet finalized by this process.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.payouts,
			escrowRegistry.volume,
			escrowRegistry.legFailures,
			escrowRegistry.openContract,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *EscrowMetrics) ObservePayout(plan, leg string, amount uint64) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(plan, leg).Inc()
	m.volume.WithLabelValues(plan, leg).Add(float64(amount))
}

func (m *EscrowMetrics) IncLegFailure(plan string) {
	if m == nil {
		return
	}
	if plan == "" {
		plan = "unknown"
	}
	m.legFailures.WithLabelValues(plan).Inc()
}

func (m *EscrowMetrics) ContractOpened() {
	if m == nil {
		return
	}
	m.openContract.Inc()
}

func (m *EscrowMetrics) ContractFinalized() {
	if m == nil {
		return
	}
	m.openContract.Dec()
}
