package common

import (
	"errors"
	"math"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaVolumeExceeded   = errors.New("quota volume exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaUsage captures the counters consumed by an identity in one window.
type QuotaUsage struct {
	Requests uint32
	Volume   uint64
	Window   uint64
}

// Quota bounds how many mutations, and how much stable volume in minor
// units, an identity may push through a module per window. Zero disables a
// limit.
type Quota struct {
	MaxRequests   uint32 `yaml:"max_requests"`
	MaxVolume     uint64 `yaml:"max_volume_minor"`
	WindowSeconds uint32 `yaml:"window_seconds"`
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequests > 0 || q.MaxVolume > 0
}

// WindowFor maps a timestamp onto the quota window index.
func (q Quota) WindowFor(now time.Time) uint64 {
	seconds := q.WindowSeconds
	if seconds == 0 {
		seconds = 60
	}
	unix := now.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(seconds)
}

// CheckQuota verifies whether the additional request and volume fit within
// the configured quota. The returned usage reflects the updated counters when
// the quota is not exceeded; on denial the previous usage is returned.
func CheckQuota(q Quota, window uint64, prev QuotaUsage, addReq uint32, addVolume uint64) (QuotaUsage, error) {
	next := prev
	if prev.Window != window {
		next = QuotaUsage{Window: window}
	}

	if addReq > 0 {
		if next.Requests > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += addReq
	}
	if q.MaxRequests > 0 && next.Requests > q.MaxRequests {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolume > 0 && next.Volume > q.MaxVolume {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}

// QuotaTracker applies a Quota per identity.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[ethcommon.Address]QuotaUsage
	now   func() time.Time
}

// NewQuotaTracker returns a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[ethcommon.Address]QuotaUsage), now: time.Now}
}

// SetClock overrides the time source.
func (t *QuotaTracker) SetClock(now func() time.Time) {
	if t == nil || now == nil {
		return
	}
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// QuotaCharge identifies usage taken by Reserve so it can be refunded.
type QuotaCharge struct {
	Caller ethcommon.Address
	Window uint64
	Volume uint64
	valid  bool
}

// Consume charges one request plus volume against caller's allowance.
func (t *QuotaTracker) Consume(caller ethcommon.Address, volume uint64) error {
	_, err := t.Reserve(caller, volume)
	return err
}

// Reserve charges like Consume and returns the charge for a later Refund.
func (t *QuotaTracker) Reserve(caller ethcommon.Address, volume uint64) (QuotaCharge, error) {
	if t == nil || !t.quota.Enabled() {
		return QuotaCharge{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.quota.WindowFor(t.now())
	next, err := CheckQuota(t.quota, window, t.usage[caller], 1, volume)
	if err != nil {
		return QuotaCharge{}, err
	}
	t.usage[caller] = next
	return QuotaCharge{Caller: caller, Window: window, Volume: volume, valid: true}, nil
}

// Refund returns a reserved charge. Charges from an elapsed window are
// ignored since that window's usage has already been reset.
func (t *QuotaTracker) Refund(charge QuotaCharge) {
	if t == nil || !charge.valid {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage, ok := t.usage[charge.Caller]
	if !ok || usage.Window != charge.Window {
		return
	}
	if usage.Requests > 0 {
		usage.Requests--
	}
	if usage.Volume >= charge.Volume {
		usage.Volume -= charge.Volume
	} else {
		usage.Volume = 0
	}
	t.usage[charge.Caller] = usage
}
