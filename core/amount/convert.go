package amount

import "github.com/holiman/uint256"

// conversionDenominator returns 10^(native + price - stable), the factor that
// maps native*price products onto stable minor units.
func conversionDenominator() *uint256.Int {
	exp := int(Native{}.Decimals()) + int(Price{}.Decimals()) - int(Stable{}.Decimals())
	return &pow10[exp]
}

// NativeToStable values a native quantity at the given price, rounding down.
// Rounding down never overstates collateral value.
func NativeToStable(n NativeAmount, price PriceAmount) (StableAmount, error) {
	out, err := mulDiv(&n.v, &price.v, conversionDenominator(), false)
	if err != nil {
		return StableAmount{}, err
	}
	return StableAmount{v: *out}, nil
}

// StableToNativeCeil returns the smallest native quantity whose value at the
// given price is at least s.
func StableToNativeCeil(s StableAmount, price PriceAmount) (NativeAmount, error) {
	if price.IsZero() {
		return NativeAmount{}, ErrDivisionByZero
	}
	out, err := mulDiv(&s.v, conversionDenominator(), &price.v, true)
	if err != nil {
		return NativeAmount{}, err
	}
	return NativeAmount{v: *out}, nil
}
