package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
	nativecommon "onloan/native/common"
)

// Liquidate seizes borrower's collateral when its value no longer covers the
// amount due at the liquidation threshold. A healthy or absent loan is a
// no-op that reports Liquidated=false and emits nothing.
func (e *Engine) Liquidate(ctx context.Context, caller, borrower common.Address) (LiquidationResult, error) {
	var result LiquidationResult
	err := e.mutate(ctx, "liquidate", func(txn *ledgerTxn) error {
		if err := e.authorize(caller, nativecommon.ActionLiquidate); err != nil {
			return err
		}
		loan, ok := txn.activeLoan(borrower)
		if !ok {
			return nil
		}
		due, err := dueFor(loan, txn.now)
		if err != nil {
			return err
		}
		var quote *Quote
		if loan.Collateral.Kind == CollateralNative {
			q, err := e.currentQuote(ctx)
			if err != nil {
				return err
			}
			quote = &q
		}
		value, err := collateralValue(loan.Collateral, quote)
		if err != nil {
			return err
		}
		result.Due = due
		result.CollateralValue = value
		if collateralCovers(value, due, e.cfg.LiquidationThresholdBps) {
			return nil
		}

		recipient := e.seizeRecipient
		var recovered amount.StableAmount
		if loan.Collateral.Kind == CollateralStable && recipient == e.poolAddress {
			recovered = loan.Collateral.Stable
			liquidity, err := txn.pool.Liquidity.Add(recovered)
			if err != nil {
				return err
			}
			txn.pool.Liquidity = liquidity
		}
		loss := loan.Principal.SaturatingSub(loan.RepaidAmount).SaturatingSub(recovered)
		losses, err := txn.pool.Losses.Add(loss)
		if err != nil {
			return err
		}
		loan.Status = LoanLiquidated
		loan.ClosedAt = txn.now
		txn.pool.OutstandingPrincipal = txn.pool.OutstandingPrincipal.SaturatingSub(loan.Principal)
		txn.pool.Losses = losses
		txn.pool.ActiveLoans--
		txn.transfer(collateralTransfer(e.collateralAddress, recipient, loan.Collateral))
		txn.closeLoan(loan)
		txn.emit(Liquidated{
			Borrower:  borrower,
			LoanID:    loan.ID,
			Seized:    loan.Collateral,
			Due:       due,
			Recipient: recipient,
		})
		e.refreshScore(txn, borrower, false)
		result.Liquidated = true
		result.Seized = loan.Collateral
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	return result, nil
}
