package lending

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"onloan/core/amount"
	"onloan/native/bank"
)

var loanNamespace = uuid.MustParse("5f1d0c2e-7b8a-4e39-9a41-0c6d2f8e3b17")

// loanID derives a stable identifier from the borrower and the ledger
// sequence at origination so replays produce identical state.
func loanID(borrower common.Address, seq uint64) string {
	return uuid.NewSHA1(loanNamespace, []byte(fmt.Sprintf("%s/%d", borrower.Hex(), seq))).String()
}

func collateralTransfer(from, to common.Address, c Collateral) bank.Transfer {
	if c.Kind == CollateralNative {
		return bank.Native(from, to, c.Native)
	}
	return bank.Stable(from, to, c.Stable)
}

// checkCollateral verifies the pledge covers principal at the policy's
// collateral ratio, pricing native collateral at the current quote.
func (e *Engine) checkCollateral(ctx context.Context, c Collateral, principal amount.StableAmount) error {
	var quote *Quote
	if c.Kind == CollateralNative {
		q, err := e.currentQuote(ctx)
		if err != nil {
			return err
		}
		quote = &q
	}
	value, err := collateralValue(c, quote)
	if err != nil {
		return err
	}
	if !collateralCovers(value, principal, e.cfg.CollateralRatioBps) {
		return ErrInsufficientCollateral
	}
	return nil
}

// Borrow opens a loan. Checks run in a fixed order so the reported error is
// deterministic: request shape, score, existing loan, pool liquidity, the
// optional limit, and finally collateral.
func (e *Engine) Borrow(ctx context.Context, req BorrowRequest) (Loan, error) {
	var created Loan
	err := e.mutate(ctx, "borrow", func(txn *ledgerTxn) error {
		if req.Amount.IsZero() {
			return ErrInvalidAmount
		}
		if req.DurationSeconds == 0 {
			return ErrInvalidDuration
		}
		rate, err := e.cfg.RateBps(req.Category)
		if err != nil {
			return err
		}
		if !req.Collateral.Kind.Valid() {
			return ErrInvalidCollateralKind
		}
		profile, _ := txn.profile(req.Borrower)
		if profile.Score < e.cfg.MinScore {
			return ErrInsufficientScore
		}
		if _, active := txn.activeLoan(req.Borrower); active {
			return ErrLoanAlreadyActive
		}
		if req.Amount.Gt(txn.pool.Liquidity) {
			return ErrInsufficientPoolLiquidity
		}
		if e.cfg.EnforceBorrowLimit && req.Amount.Gt(profile.BorrowLimit) {
			return ErrBorrowLimitExceeded
		}
		if err := e.checkCollateral(ctx, req.Collateral, req.Amount); err != nil {
			return err
		}

		liquidity, err := txn.pool.Liquidity.Sub(req.Amount)
		if err != nil {
			return err
		}
		outstanding, err := txn.pool.OutstandingPrincipal.Add(req.Amount)
		if err != nil {
			return err
		}
		collateral := req.Collateral
		if collateral.Kind == CollateralNative {
			collateral.Stable = amount.StableAmount{}
		} else {
			collateral.Native = amount.NativeAmount{}
		}
		loan := Loan{
			ID:              loanID(req.Borrower, txn.base.Seq),
			Borrower:        req.Borrower,
			Principal:       req.Amount,
			Collateral:      collateral,
			Category:        req.Category,
			RateBps:         rate,
			StartTime:       txn.now,
			DurationSeconds: req.DurationSeconds,
			Status:          LoanActive,
		}
		txn.pool.Liquidity = liquidity
		txn.pool.OutstandingPrincipal = outstanding
		txn.pool.ActiveLoans++
		txn.putLoan(loan)
		txn.transfer(collateralTransfer(req.Borrower, e.collateralAddress, collateral))
		txn.transfer(bank.Stable(e.poolAddress, req.Borrower, req.Amount))
		txn.emit(LoanCreated{
			Borrower:        req.Borrower,
			LoanID:          loan.ID,
			Amount:          req.Amount,
			DurationSeconds: req.DurationSeconds,
			Category:        req.Category,
			Collateral:      collateral,
		})
		created = loan
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	return created, nil
}

// Repay applies amt towards borrower's active loan. Once cumulative
// repayments reach the amount due the loan closes, collateral is released in
// its original kind and the borrower's score improves. Overpayment is kept by
// the pool.
func (e *Engine) Repay(ctx context.Context, borrower common.Address, amt amount.StableAmount) (Loan, error) {
	var out Loan
	err := e.mutate(ctx, "repay", func(txn *ledgerTxn) error {
		if amt.IsZero() {
			return ErrInvalidAmount
		}
		loan, ok := txn.activeLoan(borrower)
		if !ok {
			return ErrLoanNotDue
		}
		due, err := dueFor(loan, txn.now)
		if err != nil {
			return err
		}
		repaid, err := loan.RepaidAmount.Add(amt)
		if err != nil {
			return err
		}
		liquidity, err := txn.pool.Liquidity.Add(amt)
		if err != nil {
			return err
		}
		loan.RepaidAmount = repaid
		txn.pool.Liquidity = liquidity
		txn.transfer(bank.Stable(borrower, e.poolAddress, amt))
		txn.emit(RepaymentMade{Borrower: borrower, LoanID: loan.ID, Amount: amt})

		if repaid.Lt(due) {
			txn.putLoan(loan)
			out = loan
			return nil
		}

		interest, err := txn.pool.InterestCollected.Add(repaid.SaturatingSub(loan.Principal))
		if err != nil {
			return err
		}
		loan.Status = LoanRepaid
		loan.ClosedAt = txn.now
		txn.pool.OutstandingPrincipal = txn.pool.OutstandingPrincipal.SaturatingSub(loan.Principal)
		txn.pool.InterestCollected = interest
		txn.pool.ActiveLoans--
		txn.transfer(collateralTransfer(e.collateralAddress, borrower, loan.Collateral))
		txn.closeLoan(loan)
		txn.emit(LoanClosed{Borrower: borrower, LoanID: loan.ID, Repaid: repaid})
		e.refreshScore(txn, borrower, true)
		out = loan
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	return out, nil
}

// CalculateDueAmount returns what borrower owes right now, or zero when they
// have no active loan.
func (e *Engine) CalculateDueAmount(borrower common.Address) (amount.StableAmount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, ok := e.state.Loans[borrower]
	if !ok || !loan.Active() {
		return amount.StableAmount{}, nil
	}
	return dueFor(loan, e.now())
}

// Loan returns borrower's active loan.
func (e *Engine) Loan(borrower common.Address) (Loan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, ok := e.state.Loans[borrower]
	return loan, ok && loan.Active()
}

// LoanHistory returns borrower's closed loans, oldest first.
func (e *Engine) LoanHistory(borrower common.Address) []Loan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.state.History[borrower]
	out := make([]Loan, len(history))
	copy(out, history)
	return out
}

// ActiveLoans lists every open loan ordered by borrower address.
func (e *Engine) ActiveLoans() []Loan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Loan, 0, len(e.state.Loans))
	for _, loan := range e.state.Loans {
		if loan.Active() {
			out = append(out, loan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Borrower.Bytes(), out[j].Borrower.Bytes()) < 0
	})
	return out
}

// RequiredCollateral reports the minimum pledge of kind needed to borrow
// principal under the current policy and price.
func (e *Engine) RequiredCollateral(ctx context.Context, principal amount.StableAmount, kind CollateralKind) (Collateral, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	required, err := requiredCollateral(principal, e.cfg.CollateralRatioBps)
	if err != nil {
		return Collateral{}, err
	}
	switch kind {
	case CollateralStable:
		return StableCollateral(required), nil
	case CollateralNative:
		quote, err := e.currentQuote(ctx)
		if err != nil {
			return Collateral{}, err
		}
		native, err := amount.StableToNativeCeil(required, quote.Price)
		if err != nil {
			return Collateral{}, err
		}
		return NativeCollateral(native), nil
	default:
		return Collateral{}, ErrInvalidCollateralKind
	}
}
