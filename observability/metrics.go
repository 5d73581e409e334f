package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"onloan/native/lending"
)

type lendingMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
	oracle     *prometheus.CounterVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *lendingMetrics
)

// Lending returns the lazily-initialised registry recording ledger
// operations as served by the API.
func Lending() *lendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &lendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onloan",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "onloan",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onloan",
				Subsystem: "lending",
				Name:      "throttles_total",
				Help:      "Requests rejected by quota or rate limiting.",
			}, []string{"reason"}),
			oracle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onloan",
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Price reads segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.throttles,
			lendingRegistry.oracle,
		)
	})
	return lendingRegistry
}

// Observe records the outcome of one operation.
func (m *lendingMetrics) Observe(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *lendingMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RecordOracleRead counts a price read.
func (m *lendingMetrics) RecordOracleRead(err error) {
	if m == nil {
		return
	}
	m.oracle.WithLabelValues(Outcome(err)).Inc()
}

// Outcome maps an operation error onto a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, lending.ErrPaused):
		return "paused"
	case errors.Is(err, lending.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, lending.ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, lending.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidDuration),
		errors.Is(err, lending.ErrInvalidCategory),
		errors.Is(err, lending.ErrInvalidCollateralKind):
		return "invalid"
	case errors.Is(err, lending.ErrInsufficientScore),
		errors.Is(err, lending.ErrLoanAlreadyActive),
		errors.Is(err, lending.ErrInsufficientPoolLiquidity),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrBorrowLimitExceeded),
		errors.Is(err, lending.ErrNoActiveLoan):
		return "rejected"
	default:
		return "error"
	}
}
