package lending

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
	"onloan/core/events"
)

const (
	TypeDepositToPool      = "lending.depositToPool"
	TypeWithdrawalFromPool = "lending.withdrawalFromPool"
	TypeLoanCreated        = "lending.loanCreated"
	TypeRepaymentMade      = "lending.repaymentMade"
	TypeLoanClosed         = "lending.loanClosed"
	TypeLiquidated         = "lending.liquidated"
	TypeCreditScoreUpdated = "lending.creditScoreUpdated"
	TypeBorrowLimitUpdated = "lending.borrowLimitUpdated"
	TypePaused             = "lending.paused"
	TypeUnpaused           = "lending.unpaused"
)

// DepositToPool is emitted when a lender adds funds.
type DepositToPool struct {
	Lender common.Address
	Amount amount.StableAmount
}

func (DepositToPool) EventType() string { return TypeDepositToPool }
func (e DepositToPool) Subject() string { return e.Lender.Hex() }

func (e DepositToPool) Payload() events.Payload {
	return events.Payload{Type: TypeDepositToPool, Attributes: map[string]string{
		"lender": e.Lender.Hex(),
		"amount": e.Amount.String(),
	}}
}

// WithdrawalFromPool is emitted when a lender takes funds out.
type WithdrawalFromPool struct {
	Lender common.Address
	Amount amount.StableAmount
}

func (WithdrawalFromPool) EventType() string { return TypeWithdrawalFromPool }
func (e WithdrawalFromPool) Subject() string { return e.Lender.Hex() }

func (e WithdrawalFromPool) Payload() events.Payload {
	return events.Payload{Type: TypeWithdrawalFromPool, Attributes: map[string]string{
		"lender": e.Lender.Hex(),
		"amount": e.Amount.String(),
	}}
}

// LoanCreated is emitted when a borrow succeeds.
type LoanCreated struct {
	Borrower        common.Address
	LoanID          string
	Amount          amount.StableAmount
	DurationSeconds uint64
	Category        Category
	Collateral      Collateral
}

func (LoanCreated) EventType() string { return TypeLoanCreated }
func (e LoanCreated) Subject() string { return e.Borrower.Hex() }

func (e LoanCreated) Payload() events.Payload {
	return events.Payload{Type: TypeLoanCreated, Attributes: map[string]string{
		"borrower":        e.Borrower.Hex(),
		"loanId":          e.LoanID,
		"amount":          e.Amount.String(),
		"durationSeconds": strconv.FormatUint(e.DurationSeconds, 10),
		"category":        e.Category.String(),
		"collateral":      e.Collateral.String(),
	}}
}

// RepaymentMade is emitted for every accepted repayment.
type RepaymentMade struct {
	Borrower common.Address
	LoanID   string
	Amount   amount.StableAmount
}

func (RepaymentMade) EventType() string { return TypeRepaymentMade }
func (e RepaymentMade) Subject() string { return e.Borrower.Hex() }

func (e RepaymentMade) Payload() events.Payload {
	return events.Payload{Type: TypeRepaymentMade, Attributes: map[string]string{
		"borrower": e.Borrower.Hex(),
		"loanId":   e.LoanID,
		"amount":   e.Amount.String(),
	}}
}

// LoanClosed is emitted when repayments settle a loan.
type LoanClosed struct {
	Borrower common.Address
	LoanID   string
	Repaid   amount.StableAmount
}

func (LoanClosed) EventType() string { return TypeLoanClosed }
func (e LoanClosed) Subject() string { return e.Borrower.Hex() }

func (e LoanClosed) Payload() events.Payload {
	return events.Payload{Type: TypeLoanClosed, Attributes: map[string]string{
		"borrower": e.Borrower.Hex(),
		"loanId":   e.LoanID,
		"repaid":   e.Repaid.String(),
	}}
}

// Liquidated is emitted when undercollateralised collateral is seized.
type Liquidated struct {
	Borrower  common.Address
	LoanID    string
	Seized    Collateral
	Due       amount.StableAmount
	Recipient common.Address
}

func (Liquidated) EventType() string { return TypeLiquidated }
func (e Liquidated) Subject() string { return e.Borrower.Hex() }

func (e Liquidated) Payload() events.Payload {
	return events.Payload{Type: TypeLiquidated, Attributes: map[string]string{
		"borrower":  e.Borrower.Hex(),
		"loanId":    e.LoanID,
		"seized":    e.Seized.String(),
		"due":       e.Due.String(),
		"recipient": e.Recipient.Hex(),
	}}
}

// CreditScoreUpdated is emitted whenever a borrower's score changes or is
// first registered.
type CreditScoreUpdated struct {
	Borrower common.Address
	Previous uint64
	Score    uint64
}

func (CreditScoreUpdated) EventType() string { return TypeCreditScoreUpdated }
func (e CreditScoreUpdated) Subject() string { return e.Borrower.Hex() }

func (e CreditScoreUpdated) Payload() events.Payload {
	return events.Payload{Type: TypeCreditScoreUpdated, Attributes: map[string]string{
		"borrower": e.Borrower.Hex(),
		"previous": strconv.FormatUint(e.Previous, 10),
		"score":    strconv.FormatUint(e.Score, 10),
	}}
}

// BorrowLimitUpdated is emitted whenever a borrower's limit is recomputed.
type BorrowLimitUpdated struct {
	Borrower common.Address
	Limit    amount.StableAmount
}

func (BorrowLimitUpdated) EventType() string { return TypeBorrowLimitUpdated }
func (e BorrowLimitUpdated) Subject() string { return e.Borrower.Hex() }

func (e BorrowLimitUpdated) Payload() events.Payload {
	return events.Payload{Type: TypeBorrowLimitUpdated, Attributes: map[string]string{
		"borrower": e.Borrower.Hex(),
		"limit":    e.Limit.String(),
	}}
}

// PauseChanged is emitted when the module is paused or resumed.
type PauseChanged struct {
	By     common.Address
	Paused bool
}

func (e PauseChanged) EventType() string {
	if e.Paused {
		return TypePaused
	}
	return TypeUnpaused
}

func (e PauseChanged) Subject() string { return e.By.Hex() }

func (e PauseChanged) Payload() events.Payload {
	return events.Payload{Type: e.EventType(), Attributes: map[string]string{
		"by": e.By.Hex(),
	}}
}
