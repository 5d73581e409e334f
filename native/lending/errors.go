package lending

import (
	"errors"

	nativecommon "onloan/native/common"
)

var (
	ErrInvalidAmount             = errors.New("lending: amount must be positive and within balance")
	ErrInvalidDuration           = errors.New("lending: loan duration must be positive")
	ErrInvalidCategory           = errors.New("lending: unknown loan category")
	ErrInvalidCollateralKind     = errors.New("lending: unknown collateral kind")
	ErrInsufficientScore         = errors.New("lending: credit score below minimum")
	ErrLoanAlreadyActive         = errors.New("lending: borrower already has an active loan")
	ErrInsufficientPoolLiquidity = errors.New("lending: insufficient pool liquidity")
	ErrInsufficientCollateral    = errors.New("lending: insufficient collateral")
	ErrBorrowLimitExceeded       = errors.New("lending: amount exceeds borrow limit")
	ErrOracleUnavailable         = errors.New("lending: price oracle unavailable")
	ErrTransferFailed            = errors.New("lending: transfer failed")

	// ErrNoActiveLoan reports that the borrower has nothing to repay.
	ErrNoActiveLoan = errors.New("lending: no active loan")
	// ErrLoanNotDue is the repayment-facing name of ErrNoActiveLoan.
	ErrLoanNotDue = ErrNoActiveLoan

	ErrPaused       = nativecommon.ErrModulePaused
	ErrUnauthorized = nativecommon.ErrUnauthorized
)
