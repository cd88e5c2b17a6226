package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	journaled *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the audit journal.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			journaled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Escrow events written to the audit journal segmented by type.",
			}, []string{"type"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workescrow",
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Escrow events the audit journal failed to persist.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.journaled, eventRegistry.failures)
	})
	return eventRegistry
}

// RecordJournaled increments the journal counter for the supplied event type.
func (m *eventMetrics) RecordJournaled(eventType string) {
	if m == nil {
		return
	}
	m.journaled.WithLabelValues(normalizeEventType(eventType)).Inc()
}

// RecordFailure counts an event that could not be persisted.
func (m *eventMetrics) RecordFailure(eventType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeEventType(eventType)).Inc()
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
