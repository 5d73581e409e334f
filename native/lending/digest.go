package lending

import (
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"

	"onloan/core/amount"
)

// StateDigest hashes the canonical JSON encoding of the committed state.
// encoding/json sorts map keys, so equal states always hash equally.
func (e *Engine) StateDigest() ([32]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	data, err := json.Marshal(e.state)
	if err != nil {
		return [32]byte{}, fmt.Errorf("lending: encode state: %w", err)
	}
	return blake3.Sum256(data), nil
}

// CheckInvariants verifies the pool aggregates agree with the per-account
// records.
func (e *Engine) CheckInvariants() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var deposits amount.StableAmount
	for addr, acc := range e.state.Lenders {
		sum, err := deposits.Add(acc.Balance)
		if err != nil {
			return fmt.Errorf("lending invariant: deposits overflow at %s: %w", addr.Hex(), err)
		}
		deposits = sum
	}
	if !deposits.Eq(e.state.Pool.TotalDeposits) {
		return fmt.Errorf("lending invariant: total deposits %s != sum of balances %s", e.state.Pool.TotalDeposits, deposits)
	}
	var principal amount.StableAmount
	var active uint64
	for addr, loan := range e.state.Loans {
		if addr != loan.Borrower {
			return fmt.Errorf("lending invariant: loan for %s keyed under %s", loan.Borrower.Hex(), addr.Hex())
		}
		if !loan.Active() {
			return fmt.Errorf("lending invariant: closed loan %s still in active set", loan.ID)
		}
		sum, err := principal.Add(loan.Principal)
		if err != nil {
			return fmt.Errorf("lending invariant: principal overflow: %w", err)
		}
		principal = sum
		active++
	}
	if !principal.Eq(e.state.Pool.OutstandingPrincipal) {
		return fmt.Errorf("lending invariant: outstanding principal %s != sum of active loans %s", e.state.Pool.OutstandingPrincipal, principal)
	}
	if active != e.state.Pool.ActiveLoans {
		return fmt.Errorf("lending invariant: active loan count %d != %d", e.state.Pool.ActiveLoans, active)
	}
	return nil
}
