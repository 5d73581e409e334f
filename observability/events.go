package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"onloan/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	lastSeq prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events. It
// doubles as an events.Emitter.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onloan",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "onloan",
				Subsystem: "events",
				Name:      "last_sequence",
				Help:      "Sequence number of the latest committed event.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.lastSeq)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(ev events.Event) {
	if m == nil || ev == nil {
		return
	}
	typ := strings.TrimSpace(ev.EventType())
	if typ == "" {
		typ = "unknown"
	}
	m.emitted.WithLabelValues(typ).Inc()
	if rec, ok := ev.(events.Record); ok {
		m.lastSeq.Set(float64(rec.Seq))
	}
}
