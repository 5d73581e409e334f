package bank

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"onloan/core/amount"
)

type balanceKey struct {
	addr  common.Address
	asset Asset
}

// Ledger is an in-process custody Provider holding balances in memory. Batches
// are applied all-or-nothing and replays of an already applied reference are
// acknowledged without moving funds again.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]uint256.Int
	applied  map[string]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]uint256.Int),
		applied:  make(map[string]struct{}),
	}
}

// MintStable mints stable tokens to addr.
func (l *Ledger) MintStable(addr common.Address, amt amount.StableAmount) {
	l.credit(balanceKey{addr, AssetStable}, amt.Minor())
}

// MintNative mints native asset to addr.
func (l *Ledger) MintNative(addr common.Address, amt amount.NativeAmount) {
	l.credit(balanceKey{addr, AssetNative}, amt.Minor())
}

func (l *Ledger) credit(key balanceKey, minor *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[key]
	bal.Add(&bal, minor)
	l.balances[key] = bal
}

// StableBalance reports addr's stable balance.
func (l *Ledger) StableBalance(addr common.Address) amount.StableAmount {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[balanceKey{addr, AssetStable}]
	return amount.FromUint256[amount.Stable](&bal)
}

// NativeBalance reports addr's native balance.
func (l *Ledger) NativeBalance(addr common.Address) amount.NativeAmount {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[balanceKey{addr, AssetNative}]
	return amount.FromUint256[amount.Native](&bal)
}

// Execute implements Provider.
func (l *Ledger) Execute(ctx context.Context, ref string, batch []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref == "" {
		return ErrEmptyReference
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.applied[ref]; ok {
		return nil
	}

	staged := make(map[balanceKey]uint256.Int)
	balance := func(key balanceKey) uint256.Int {
		if v, ok := staged[key]; ok {
			return v
		}
		return l.balances[key]
	}
	for i, t := range batch {
		if t.Asset != AssetStable && t.Asset != AssetNative {
			return fmt.Errorf("transfer %d: %w", i, ErrUnknownAsset)
		}
		fromKey := balanceKey{t.From, t.Asset}
		toKey := balanceKey{t.To, t.Asset}
		from := balance(fromKey)
		if from.Lt(&t.Minor) {
			return fmt.Errorf("transfer %d (%s %s from %s): %w", i, t.Display(), t.Asset, t.From.Hex(), ErrInsufficientFunds)
		}
		from.Sub(&from, &t.Minor)
		staged[fromKey] = from
		to := balance(toKey)
		to.Add(&to, &t.Minor)
		staged[toKey] = to
	}
	for key, v := range staged {
		l.balances[key] = v
	}
	l.applied[ref] = struct{}{}
	return nil
}
