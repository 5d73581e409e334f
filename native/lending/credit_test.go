package lending

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBorrowLimitForIsMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.BorrowLimitFor(99).IsZero() {
		t.Fatalf("expected zero limit below the minimum score")
	}
	if got := cfg.BorrowLimitFor(100); got.String() != "10" {
		t.Fatalf("expected base limit at the minimum score, got %s", got)
	}
	prev := cfg.BorrowLimitFor(0)
	for score := uint64(0); score <= cfg.MaxScore; score += 50 {
		limit := cfg.BorrowLimitFor(score)
		if limit.Lt(prev) {
			t.Fatalf("limit decreased at score %d: %s < %s", score, limit, prev)
		}
		prev = limit
	}
}

func TestScoreCapsAtMaximum(t *testing.T) {
	f := newFixture(t)
	var profile CreditProfile
	for i := 0; i < 15; i++ {
		var err error
		profile, err = f.engine.SetCreditScore(context.Background(), ownerAddr, borrowerAddr, true)
		if err != nil {
			t.Fatalf("improve: %v", err)
		}
	}
	if profile.Score != DefaultMaxScore {
		t.Fatalf("expected score capped at %d, got %d", DefaultMaxScore, profile.Score)
	}
	if profile.BorrowLimit.String() != "100" {
		t.Fatalf("expected limit 100 at max score, got %s", profile.BorrowLimit)
	}

	profile, err := f.engine.SetCreditScore(context.Background(), ownerAddr, borrowerAddr, false)
	if err != nil {
		t.Fatalf("penalise: %v", err)
	}
	if profile.Score != DefaultFailingScore || !profile.BorrowLimit.IsZero() {
		t.Fatalf("expected failing score and zero limit, got %+v", profile)
	}
}

func TestCreditAdminRequiresOwner(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.SetCreditScore(context.Background(), strangerAddr, borrowerAddr, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.engine.RefreshBorrowLimit(context.Background(), strangerAddr, borrowerAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := f.engine.CreditProfile(borrowerAddr); got.Score != 0 {
		t.Fatalf("rejected update must not register a score, got %d", got.Score)
	}
}

func TestRefreshBorrowLimitFollowsScore(t *testing.T) {
	f := newFixture(t)
	f.register(borrowerAddr)
	f.register(borrowerAddr)
	profile, err := f.engine.RefreshBorrowLimit(context.Background(), ownerAddr, borrowerAddr)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if profile.Score != 200 || profile.BorrowLimit.String() != "20" {
		t.Fatalf("expected limit derived from score 200, got %+v", profile)
	}
	if got := f.engine.BorrowLimit(borrowerAddr); !got.Eq(profile.BorrowLimit) {
		t.Fatalf("query disagrees with refresh: %s vs %s", got, profile.BorrowLimit)
	}
}

func TestConfigValidation(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"ratio below par", func(c *Config) { c.CollateralRatioBps = 9_000 }, "CollateralRatioBps"},
		{"threshold above ratio", func(c *Config) { c.LiquidationThresholdBps = 20_000 }, "LiquidationThresholdBps"},
		{"failing score eligible", func(c *Config) { c.FailingScore = 100 }, "FailingScore"},
		{"max below min", func(c *Config) { c.MaxScore = 50 }, "MaxScore"},
		{"unknown rate", func(c *Config) { c.Rates["yacht"] = 900 }, "rates"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.edit(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConfigRateOverridesNormalise(t *testing.T) {
	cfg := Config{Rates: map[string]uint64{" Personal ": 900, "1": 450}}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if bps, _ := cfg.RateBps(CategoryPersonal); bps != 900 {
		t.Fatalf("expected personal override 900, got %d", bps)
	}
	if bps, _ := cfg.RateBps(CategoryHome); bps != 450 {
		t.Fatalf("expected ordinal override for home, got %d", bps)
	}
	if bps, _ := cfg.RateBps(CategoryAuto); bps != 600 {
		t.Fatalf("expected default auto rate, got %d", bps)
	}
}
