package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
	"onloan/native/bank"
)

// Deposit moves amt stable from lender into pool custody and credits the
// lender's balance.
func (e *Engine) Deposit(ctx context.Context, lender common.Address, amt amount.StableAmount) error {
	return e.mutate(ctx, "deposit", func(txn *ledgerTxn) error {
		if amt.IsZero() {
			return ErrInvalidAmount
		}
		acc := txn.lender(lender)
		balance, err := acc.Balance.Add(amt)
		if err != nil {
			return err
		}
		total, err := txn.pool.TotalDeposits.Add(amt)
		if err != nil {
			return err
		}
		liquidity, err := txn.pool.Liquidity.Add(amt)
		if err != nil {
			return err
		}
		acc.Balance = balance
		txn.putLender(acc)
		txn.pool.TotalDeposits = total
		txn.pool.Liquidity = liquidity
		txn.transfer(bank.Stable(lender, e.poolAddress, amt))
		txn.emit(DepositToPool{Lender: lender, Amount: amt})
		return nil
	})
}

// Withdraw releases amt stable from pool custody back to lender. Funds that
// are lent out cannot be withdrawn until repaid.
func (e *Engine) Withdraw(ctx context.Context, lender common.Address, amt amount.StableAmount) error {
	return e.mutate(ctx, "withdraw", func(txn *ledgerTxn) error {
		acc := txn.lender(lender)
		if amt.IsZero() || amt.Gt(acc.Balance) {
			return ErrInvalidAmount
		}
		if amt.Gt(txn.pool.Liquidity) {
			return ErrInsufficientPoolLiquidity
		}
		balance, err := acc.Balance.Sub(amt)
		if err != nil {
			return err
		}
		total, err := txn.pool.TotalDeposits.Sub(amt)
		if err != nil {
			return err
		}
		liquidity, err := txn.pool.Liquidity.Sub(amt)
		if err != nil {
			return err
		}
		acc.Balance = balance
		txn.putLender(acc)
		txn.pool.TotalDeposits = total
		txn.pool.Liquidity = liquidity
		txn.transfer(bank.Stable(e.poolAddress, lender, amt))
		txn.emit(WithdrawalFromPool{Lender: lender, Amount: amt})
		return nil
	})
}

// LenderBalance returns lender's current claim on the pool.
func (e *Engine) LenderBalance(lender common.Address) amount.StableAmount {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Lenders[lender].Balance
}

// Pool returns a snapshot of the pool aggregates.
func (e *Engine) Pool() PoolState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Pool
}
