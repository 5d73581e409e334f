package common

import (
	"errors"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorized = errors.New("unauthorized caller")

// Action names a privileged capability checked by an Authorizer.
type Action string

const (
	// ActionAdmin covers pausing and unpausing modules.
	ActionAdmin Action = "admin"
	// ActionLiquidate covers triggering liquidations.
	ActionLiquidate Action = "liquidate"
)

// Authorizer decides whether a caller may perform a privileged action.
type Authorizer interface {
	Authorize(caller ethcommon.Address, action Action) error
}

// Gate combines pause state with authorization. Implementations must be safe
// for concurrent use.
type Gate interface {
	PauseView
	Authorizer
	SetPaused(module string, paused bool)
}

// OwnerGate is the in-process Gate: a single owner holds every capability and
// an optional keeper set may additionally liquidate. When OpenLiquidations is
// set anyone may liquidate.
type OwnerGate struct {
	mu               sync.RWMutex
	owner            ethcommon.Address
	keepers          map[ethcommon.Address]struct{}
	openLiquidations bool
	paused           map[string]bool
}

// NewOwnerGate returns a gate owned by owner with nothing paused.
func NewOwnerGate(owner ethcommon.Address, keepers ...ethcommon.Address) *OwnerGate {
	g := &OwnerGate{
		owner:   owner,
		keepers: make(map[ethcommon.Address]struct{}, len(keepers)),
		paused:  make(map[string]bool),
	}
	for _, k := range keepers {
		g.keepers[k] = struct{}{}
	}
	return g
}

// Owner returns the owning identity.
func (g *OwnerGate) Owner() ethcommon.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// SetOpenLiquidations toggles whether liquidation is permissionless.
func (g *OwnerGate) SetOpenLiquidations(open bool) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.openLiquidations = open
	g.mu.Unlock()
}

// AddKeeper grants the liquidation capability to addr.
func (g *OwnerGate) AddKeeper(addr ethcommon.Address) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.keepers[addr] = struct{}{}
	g.mu.Unlock()
}

// Authorize implements Authorizer.
func (g *OwnerGate) Authorize(caller ethcommon.Address, action Action) error {
	if g == nil {
		return ErrUnauthorized
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if caller == g.owner && caller != (ethcommon.Address{}) {
		return nil
	}
	if action == ActionLiquidate {
		if g.openLiquidations {
			return nil
		}
		if _, ok := g.keepers[caller]; ok {
			return nil
		}
	}
	return ErrUnauthorized
}

// IsPaused implements PauseView.
func (g *OwnerGate) IsPaused(module string) bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused[module]
}

// SetPaused records the pause flag for module.
func (g *OwnerGate) SetPaused(module string, paused bool) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if paused {
		g.paused[module] = true
		return
	}
	delete(g.paused, module)
}
