package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
)

// Category classifies a loan and selects its interest rate.
type Category uint8

const (
	CategoryPersonal Category = iota
	CategoryHome
	CategoryBusiness
	CategoryAuto
)

var categoryNames = [...]string{"personal", "home", "business", "auto"}

// Categories lists every known loan category.
func Categories() []Category {
	return []Category{CategoryPersonal, CategoryHome, CategoryBusiness, CategoryAuto}
}

func (c Category) Valid() bool { return int(c) < len(categoryNames) }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", uint8(c))
	}
	return categoryNames[c]
}

// ParseCategory accepts a category name (case-insensitive) or its ordinal.
func ParseCategory(s string) (Category, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	for i, name := range categoryNames {
		if trimmed == name || trimmed == fmt.Sprint(i) {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrInvalidCategory
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CollateralKind selects which asset secures a loan.
type CollateralKind uint8

const (
	CollateralStable CollateralKind = iota
	CollateralNative
)

func (k CollateralKind) Valid() bool { return k == CollateralStable || k == CollateralNative }

func (k CollateralKind) String() string {
	switch k {
	case CollateralStable:
		return "stable"
	case CollateralNative:
		return "native"
	default:
		return fmt.Sprintf("collateral(%d)", uint8(k))
	}
}

// ParseCollateralKind maps "stable"/"native" (or the asset symbols) onto a kind.
func ParseCollateralKind(s string) (CollateralKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "usdt":
		return CollateralStable, nil
	case "native", "eth":
		return CollateralNative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCollateralKind, s)
	}
}

func (k CollateralKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, ErrInvalidCollateralKind
	}
	return []byte(k.String()), nil
}

func (k *CollateralKind) UnmarshalText(text []byte) error {
	parsed, err := ParseCollateralKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Collateral is the pledge backing a loan. Exactly one of the amounts is
// meaningful, selected by Kind.
type Collateral struct {
	Kind   CollateralKind      `json:"kind"`
	Stable amount.StableAmount `json:"stable"`
	Native amount.NativeAmount `json:"native"`
}

// StableCollateral pledges stable tokens.
func StableCollateral(v amount.StableAmount) Collateral {
	return Collateral{Kind: CollateralStable, Stable: v}
}

// NativeCollateral pledges the native asset.
func NativeCollateral(v amount.NativeAmount) Collateral {
	return Collateral{Kind: CollateralNative, Native: v}
}

// IsZero reports whether the pledged amount of the selected kind is zero.
func (c Collateral) IsZero() bool {
	if c.Kind == CollateralNative {
		return c.Native.IsZero()
	}
	return c.Stable.IsZero()
}

// String renders the pledge with its asset symbol, e.g. "0.075 ETH".
func (c Collateral) String() string {
	if c.Kind == CollateralNative {
		return c.Native.String() + " " + c.Native.Symbol()
	}
	return c.Stable.String() + " " + c.Stable.Symbol()
}

// LenderAccount tracks a lender's claim on the pool.
type LenderAccount struct {
	Lender  common.Address      `json:"lender"`
	Balance amount.StableAmount `json:"balance"`
}

// PoolState captures the aggregate accounting of the pool.
type PoolState struct {
	// TotalDeposits always equals the sum of lender balances.
	TotalDeposits amount.StableAmount `json:"totalDeposits"`
	// Liquidity is the stable amount currently held by the pool and available
	// to lend or withdraw.
	Liquidity amount.StableAmount `json:"liquidity"`
	// OutstandingPrincipal is the sum of principal across active loans.
	OutstandingPrincipal amount.StableAmount `json:"outstandingPrincipal"`
	// InterestCollected accumulates repayments above principal on closed loans.
	InterestCollected amount.StableAmount `json:"interestCollected"`
	// Losses accumulates unrecovered principal on liquidated loans.
	Losses      amount.StableAmount `json:"losses"`
	ActiveLoans uint64              `json:"activeLoans"`
}

// CreditProfile is a borrower's score and derived limit.
type CreditProfile struct {
	Borrower    common.Address      `json:"borrower"`
	Score       uint64              `json:"score"`
	BorrowLimit amount.StableAmount `json:"borrowLimit"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// LoanStatus is the lifecycle position of a loan.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota + 1
	LoanRepaid
	LoanLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanLiquidated:
		return "liquidated"
	default:
		return "none"
	}
}

func (s LoanStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LoanStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = LoanActive
	case "repaid":
		*s = LoanRepaid
	case "liquidated":
		*s = LoanLiquidated
	default:
		return fmt.Errorf("lending: unknown loan status %q", text)
	}
	return nil
}

// Loan is a borrower's position. Closed loans are never mutated again.
type Loan struct {
	ID              string              `json:"id"`
	Borrower        common.Address      `json:"borrower"`
	Principal       amount.StableAmount `json:"principal"`
	Collateral      Collateral          `json:"collateral"`
	Category        Category            `json:"category"`
	RateBps         uint64              `json:"rateBps"`
	StartTime       time.Time           `json:"startTime"`
	DurationSeconds uint64              `json:"durationSeconds"`
	RepaidAmount    amount.StableAmount `json:"repaidAmount"`
	Status          LoanStatus          `json:"status"`
	ClosedAt        time.Time           `json:"closedAt,omitempty"`
}

// Active reports whether the loan is still open.
func (l Loan) Active() bool { return l.Status == LoanActive }

// Maturity is the nominal end of the loan term. It is informational only;
// liquidation is driven by collateral value, not by maturity.
func (l Loan) Maturity() time.Time {
	return l.StartTime.Add(time.Duration(l.DurationSeconds) * time.Second)
}

// Overdue reports whether now is past the loan's maturity.
func (l Loan) Overdue(now time.Time) bool {
	return l.Active() && now.After(l.Maturity())
}

// BorrowRequest captures the inputs of a borrow.
type BorrowRequest struct {
	Borrower        common.Address
	Amount          amount.StableAmount
	DurationSeconds uint64
	Category        Category
	Collateral      Collateral
}

// LiquidationResult reports the outcome of a liquidation attempt.
type LiquidationResult struct {
	Liquidated      bool                `json:"liquidated"`
	Seized          Collateral          `json:"seized"`
	Due             amount.StableAmount `json:"due"`
	CollateralValue amount.StableAmount `json:"collateralValue"`
}

// Quote is a price observation from the oracle: stable units per one native
// unit at Price scale.
type Quote struct {
	Price  amount.PriceAmount `json:"price"`
	AsOf   time.Time          `json:"asOf"`
	Source string             `json:"source"`
}
