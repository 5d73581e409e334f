package lending

import (
	"testing"
	"time"

	"onloan/core/amount"
)

func TestDueAmountOneYear(t *testing.T) {
	due, err := DueAmount(stable("100"), 800, SecondsPerYear)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due.String() != "108" {
		t.Fatalf("expected 108, got %s", due)
	}
}

func TestDueAmountFloorsInterest(t *testing.T) {
	// 1 USDT at 8% for one second accrues 0.0000000025 USDT, below one
	// minor unit.
	due, err := DueAmount(stable("1"), 800, 1)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due.String() != "1" {
		t.Fatalf("expected interest floored away, got %s", due)
	}
	due, err = DueAmount(stable("100"), 800, 30*24*60*60)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	// 100 * 0.08 * 30/365 = 0.657534246...
	if due.String() != "100.657534" {
		t.Fatalf("expected 100.657534, got %s", due)
	}
}

func TestDueAmountZeroInputs(t *testing.T) {
	if due, _ := DueAmount(amount.StableAmount{}, 800, SecondsPerYear); !due.IsZero() {
		t.Fatalf("expected zero principal to stay zero, got %s", due)
	}
	if due, _ := DueAmount(stable("5"), 0, SecondsPerYear); due.String() != "5" {
		t.Fatalf("expected zero rate to return principal, got %s", due)
	}
}

func TestElapsedSecondsClampsNegative(t *testing.T) {
	start := time.Unix(1000, 0)
	if got := elapsedSeconds(start, start.Add(-time.Hour)); got != 0 {
		t.Fatalf("expected 0 for a clock behind the start, got %d", got)
	}
	if got := elapsedSeconds(start, start.Add(90*time.Second+500*time.Millisecond)); got != 90 {
		t.Fatalf("expected whole seconds, got %d", got)
	}
}

func TestCategoryRates(t *testing.T) {
	cfg := DefaultConfig()
	want := map[Category]uint64{
		CategoryPersonal: 800,
		CategoryHome:     500,
		CategoryBusiness: 700,
		CategoryAuto:     600,
	}
	for category, bps := range want {
		got, err := cfg.RateBps(category)
		if err != nil {
			t.Fatalf("%s: %v", category, err)
		}
		if got != bps {
			t.Fatalf("%s: expected %d bps, got %d", category, bps, got)
		}
	}
	if _, err := cfg.RateBps(Category(4)); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}
