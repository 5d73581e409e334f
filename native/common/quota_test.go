package common

import (
	"errors"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequests: 10}
	prev := QuotaUsage{Window: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Requests != 10 {
		t.Fatalf("unexpected request count: %d", next.Requests)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after window rollover: %v", err)
	}
	if rollover.Window != 2 || rollover.Requests != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolume: 1000}
	next, err := CheckQuota(q, 5, QuotaUsage{Window: 5}, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckQuota(q, 5, next, 0, 1); !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
}

func TestQuotaTrackerPerCaller(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequests: 1, WindowSeconds: 60})
	now := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return now })

	alice := ethcommon.HexToAddress("0x01")
	bob := ethcommon.HexToAddress("0x02")
	if err := tracker.Consume(alice, 0); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := tracker.Consume(alice, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected second request denied, got %v", err)
	}
	if err := tracker.Consume(bob, 0); err != nil {
		t.Fatalf("other caller should have its own allowance: %v", err)
	}
	now = now.Add(time.Minute)
	if err := tracker.Consume(alice, 0); err != nil {
		t.Fatalf("expected allowance after window rollover: %v", err)
	}
}

func TestOwnerGateAuthorization(t *testing.T) {
	owner := ethcommon.HexToAddress("0xaa")
	keeper := ethcommon.HexToAddress("0xbb")
	stranger := ethcommon.HexToAddress("0xcc")
	gate := NewOwnerGate(owner, keeper)

	if err := gate.Authorize(owner, ActionAdmin); err != nil {
		t.Fatalf("owner should be admin: %v", err)
	}
	if err := gate.Authorize(keeper, ActionAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("keeper must not be admin, got %v", err)
	}
	if err := gate.Authorize(keeper, ActionLiquidate); err != nil {
		t.Fatalf("keeper should liquidate: %v", err)
	}
	if err := gate.Authorize(stranger, ActionLiquidate); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger must not liquidate, got %v", err)
	}
	gate.SetOpenLiquidations(true)
	if err := gate.Authorize(stranger, ActionLiquidate); err != nil {
		t.Fatalf("open liquidations should admit anyone: %v", err)
	}
}

func TestGuardHonoursPauseFlags(t *testing.T) {
	gate := NewOwnerGate(ethcommon.HexToAddress("0xaa"))
	if err := Guard(gate, "lending"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gate.SetPaused("lending", true)
	if err := Guard(gate, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(gate, "other"); err != nil {
		t.Fatalf("pause must be per module: %v", err)
	}
	gate.SetPaused("lending", false)
	if gate.IsPaused("lending") {
		t.Fatalf("expected module unpaused")
	}
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view never blocks: %v", err)
	}
}

func TestQuotaTrackerRefund(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequests: 1, MaxVolume: 100, WindowSeconds: 60})
	now := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return now })
	alice := ethcommon.HexToAddress("0x01")

	charge, err := tracker.Reserve(alice, 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tracker.Consume(alice, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected allowance spent, got %v", err)
	}
	tracker.Refund(charge)
	if err := tracker.Consume(alice, 100); err != nil {
		t.Fatalf("expected refunded allowance: %v", err)
	}

	stale, err := tracker.Reserve(ethcommon.HexToAddress("0x02"), 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(time.Minute)
	if err := tracker.Consume(stale.Caller, 100); err != nil {
		t.Fatalf("new window: %v", err)
	}
	tracker.Refund(stale)
	if err := tracker.Consume(stale.Caller, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("refund from an elapsed window must not restore allowance, got %v", err)
	}
}
