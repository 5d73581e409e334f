package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"onloan/core/amount"
	"onloan/core/events"
	"onloan/native/lending"
)

func TestOutcomeLabels(t *testing.T) {
	cases := map[string]error{
		"success":            nil,
		"paused":             lending.ErrPaused,
		"unauthorized":       fmt.Errorf("liquidate: %w", lending.ErrUnauthorized),
		"oracle_unavailable": lending.ErrOracleUnavailable,
		"invalid":            lending.ErrInvalidCategory,
		"rejected":           lending.ErrLoanNotDue,
		"error":              errors.New("disk on fire"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestEventMetricsCountTypes(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.emitted.WithLabelValues(lending.TypeDepositToPool))
	m.Emit(events.Record{Seq: 41, Type: lending.TypeDepositToPool})
	m.Emit(events.Record{Seq: 42, Type: lending.TypeDepositToPool})
	if got := testutil.ToFloat64(m.emitted.WithLabelValues(lending.TypeDepositToPool)) - before; got != 2 {
		t.Fatalf("expected 2 deposits counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSeq); got != 42 {
		t.Fatalf("expected last sequence 42, got %v", got)
	}
}

func TestLendingObserve(t *testing.T) {
	m := Lending()
	before := testutil.ToFloat64(m.operations.WithLabelValues("borrow", "rejected"))
	m.Observe("borrow", lending.ErrInsufficientCollateral, 3*time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("borrow", "rejected")) - before; got != 1 {
		t.Fatalf("expected one rejected borrow, got %v", got)
	}
}

func TestStableUnits(t *testing.T) {
	if got := StableUnits(amount.MustParse[amount.Stable]("1234.5")); got != 1234.5 {
		t.Fatalf("expected 1234.5, got %v", got)
	}
}
