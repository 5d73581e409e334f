package lending

import (
	"time"

	"github.com/holiman/uint256"

	"onloan/core/amount"
)

// SecondsPerYear is the fixed 365 day year used for simple interest.
const SecondsPerYear = 31_536_000

var interestDenominator = uint256.NewInt(basisPointsDenominator * SecondsPerYear)

// DueAmount returns principal plus simple interest at rateBps per year over
// elapsedSeconds, rounding the interest down to a whole minor unit.
func DueAmount(principal amount.StableAmount, rateBps, elapsedSeconds uint64) (amount.StableAmount, error) {
	if principal.IsZero() || rateBps == 0 || elapsedSeconds == 0 {
		return principal, nil
	}
	factor := new(uint256.Int).Mul(uint256.NewInt(rateBps), uint256.NewInt(elapsedSeconds))
	interest, err := principal.MulDiv(factor, interestDenominator)
	if err != nil {
		return amount.StableAmount{}, err
	}
	return principal.Add(interest)
}

// elapsedSeconds measures whole seconds from start to now, clamped at zero.
func elapsedSeconds(start, now time.Time) uint64 {
	if !now.After(start) {
		return 0
	}
	return uint64(now.Sub(start) / time.Second)
}

// dueFor computes the amount owed on loan at now using the rate fixed at
// origination.
func dueFor(loan Loan, now time.Time) (amount.StableAmount, error) {
	return DueAmount(loan.Principal, loan.RateBps, elapsedSeconds(loan.StartTime, now))
}
