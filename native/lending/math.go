package lending

import (
	"github.com/holiman/uint256"

	"onloan/core/amount"
)

const basisPointsDenominator = 10_000

// collateralCovers reports whether value satisfies obligation scaled by bps,
// i.e. value*10000 >= obligation*bps, compared exactly.
func collateralCovers(value, obligation amount.StableAmount, bps uint64) bool {
	return amount.ScaledCmp(value, basisPointsDenominator, obligation, bps) >= 0
}

// requiredCollateral is the stable-denominated collateral needed for a
// principal at the given ratio, rounded up.
func requiredCollateral(principal amount.StableAmount, ratioBps uint64) (amount.StableAmount, error) {
	return principal.MulBpsCeil(ratioBps)
}

// collateralValue prices a pledge in stable units. Native collateral is
// converted at quote with floor rounding.
func collateralValue(c Collateral, quote *Quote) (amount.StableAmount, error) {
	switch c.Kind {
	case CollateralStable:
		return c.Stable, nil
	case CollateralNative:
		if quote == nil {
			return amount.StableAmount{}, ErrOracleUnavailable
		}
		return amount.NativeToStable(c.Native, quote.Price)
	default:
		return amount.StableAmount{}, ErrInvalidCollateralKind
	}
}

// borrowLimitFor derives the borrow limit from a score: zero below minScore,
// otherwise base scaled linearly by score/minScore.
func borrowLimitFor(score, minScore uint64, base amount.StableAmount) amount.StableAmount {
	if minScore == 0 || score < minScore {
		return amount.StableAmount{}
	}
	limit, err := base.MulDiv(uint256.NewInt(score), uint256.NewInt(minScore))
	if err != nil {
		return amount.FromUint256[amount.Stable](new(uint256.Int).SetAllOne())
	}
	return limit
}
