package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("amount: arithmetic overflow")
	ErrUnderflow      = errors.New("amount: arithmetic underflow")
	ErrDivisionByZero = errors.New("amount: division by zero")
	ErrInvalidFormat  = errors.New("amount: invalid decimal format")
	ErrNegative       = errors.New("amount: negative value")
)

// Scale fixes the number of fractional digits carried by an Amount. Amounts of
// different scales are distinct types and cannot be mixed without an explicit
// conversion.
type Scale interface {
	Decimals() uint8
	Symbol() string
}

// Stable is the 6 decimal scale of the lending pool's stable token.
type Stable struct{}

func (Stable) Decimals() uint8 { return 6 }
func (Stable) Symbol() string  { return "USDT" }

// Native is the 18 decimal scale of the native collateral asset.
type Native struct{}

func (Native) Decimals() uint8 { return 18 }
func (Native) Symbol() string  { return "ETH" }

// Price is the 8 decimal scale used by the stable-per-native price feed.
type Price struct{}

func (Price) Decimals() uint8 { return 8 }
func (Price) Symbol() string  { return "USD" }

// Amount is an unsigned fixed-point quantity expressed in minor units of its
// scale. The zero value is a valid zero amount.
type Amount[S Scale] struct {
	v uint256.Int
}

type (
	StableAmount = Amount[Stable]
	NativeAmount = Amount[Native]
	PriceAmount  = Amount[Price]
)

var pow10 [78]uint256.Int

func init() {
	pow10[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

func decimalsOf[S Scale]() uint8 {
	var s S
	return s.Decimals()
}

// Zero returns the zero amount of the scale.
func Zero[S Scale]() Amount[S] { return Amount[S]{} }

// FromMinor wraps a raw minor-unit quantity.
func FromMinor[S Scale](minor uint64) Amount[S] {
	var a Amount[S]
	a.v.SetUint64(minor)
	return a
}

// FromUint256 wraps a raw minor-unit quantity held in a uint256.
func FromUint256[S Scale](minor *uint256.Int) Amount[S] {
	var a Amount[S]
	if minor != nil {
		a.v.Set(minor)
	}
	return a
}

// FromBig converts a big integer of minor units, rejecting negative values and
// values beyond 256 bits.
func FromBig[S Scale](minor *big.Int) (Amount[S], error) {
	var a Amount[S]
	if minor == nil {
		return a, nil
	}
	if minor.Sign() < 0 {
		return a, ErrNegative
	}
	if a.v.SetFromBig(minor) {
		return Amount[S]{}, ErrOverflow
	}
	return a, nil
}

// FromUnits converts whole units (e.g. 100 USDT) into minor units.
func FromUnits[S Scale](units uint64) (Amount[S], error) {
	var a Amount[S]
	_, overflow := a.v.MulOverflow(uint256.NewInt(units), &pow10[decimalsOf[S]()])
	if overflow {
		return Amount[S]{}, ErrOverflow
	}
	return a, nil
}

// Parse reads a decimal string such as "150" or "0.075". Fractional digits
// beyond the scale's precision are rejected rather than rounded.
func Parse[S Scale](s string) (Amount[S], error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount[S]{}, ErrInvalidFormat
	}
	if strings.HasPrefix(s, "-") {
		return Amount[S]{}, ErrNegative
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return Amount[S]{}, ErrInvalidFormat
	}
	if whole == "" {
		whole = "0"
	}
	decimals := int(decimalsOf[S]())
	if len(frac) > decimals {
		return Amount[S]{}, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidFormat, decimals)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return Amount[S]{}, ErrInvalidFormat
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", decimals-len(frac)), "0")
	if digits == "" {
		return Amount[S]{}, nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return Amount[S]{}, ErrOverflow
	}
	return Amount[S]{v: *v}, nil
}

// MustParse is Parse for constants and tests; it panics on malformed input.
func MustParse[S Scale](s string) Amount[S] {
	a, err := Parse[S](s)
	if err != nil {
		panic(fmt.Sprintf("amount: parse %q: %v", s, err))
	}
	return a
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Decimals reports the fractional precision of the amount's scale.
func (a Amount[S]) Decimals() uint8 { return decimalsOf[S]() }

// Symbol reports the asset symbol of the amount's scale.
func (a Amount[S]) Symbol() string {
	var s S
	return s.Symbol()
}

// Minor returns a copy of the raw minor-unit value.
func (a Amount[S]) Minor() *uint256.Int { return a.v.Clone() }

// Big returns the raw minor-unit value as a big integer.
func (a Amount[S]) Big() *big.Int { return a.v.ToBig() }

func (a Amount[S]) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount[S]) Cmp(b Amount[S]) int { return a.v.Cmp(&b.v) }

func (a Amount[S]) Lt(b Amount[S]) bool { return a.v.Lt(&b.v) }
func (a Amount[S]) Gt(b Amount[S]) bool { return a.v.Gt(&b.v) }
func (a Amount[S]) Eq(b Amount[S]) bool { return a.v.Eq(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount[S]) Add(b Amount[S]) (Amount[S], error) {
	var out Amount[S]
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount[S]{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow when b exceeds a.
func (a Amount[S]) Sub(b Amount[S]) (Amount[S], error) {
	if a.v.Lt(&b.v) {
		return Amount[S]{}, ErrUnderflow
	}
	var out Amount[S]
	out.v.Sub(&a.v, &b.v)
	return out, nil
}

// SaturatingSub returns a-b, or zero when b exceeds a.
func (a Amount[S]) SaturatingSub(b Amount[S]) Amount[S] {
	out, err := a.Sub(b)
	if err != nil {
		return Amount[S]{}
	}
	return out
}

// Min returns the smaller of a and b.
func (a Amount[S]) Min(b Amount[S]) Amount[S] {
	if b.Lt(a) {
		return b
	}
	return a
}

// MulDiv returns floor(a*num/den) computed with a 512-bit intermediate.
func (a Amount[S]) MulDiv(num, den *uint256.Int) (Amount[S], error) {
	return a.mulDiv(num, den, false)
}

// MulDivCeil returns ceil(a*num/den).
func (a Amount[S]) MulDivCeil(num, den *uint256.Int) (Amount[S], error) {
	return a.mulDiv(num, den, true)
}

// MulBps scales a by bps/10000, rounding down.
func (a Amount[S]) MulBps(bps uint64) (Amount[S], error) {
	return a.mulDiv(uint256.NewInt(bps), uint256.NewInt(10_000), false)
}

// MulBpsCeil scales a by bps/10000, rounding up.
func (a Amount[S]) MulBpsCeil(bps uint64) (Amount[S], error) {
	return a.mulDiv(uint256.NewInt(bps), uint256.NewInt(10_000), true)
}

func (a Amount[S]) mulDiv(num, den *uint256.Int, roundUp bool) (Amount[S], error) {
	out, err := mulDiv(&a.v, num, den, roundUp)
	if err != nil {
		return Amount[S]{}, err
	}
	return Amount[S]{v: *out}, nil
}

func mulDiv(x, y, d *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if roundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

// ScaledCmp compares a*x against b*y without rounding.
func ScaledCmp[S Scale](a Amount[S], x uint64, b Amount[S], y uint64) int {
	left, lo := new(uint256.Int).MulOverflow(&a.v, uint256.NewInt(x))
	right, ro := new(uint256.Int).MulOverflow(&b.v, uint256.NewInt(y))
	switch {
	case lo && !ro:
		return 1
	case ro && !lo:
		return -1
	case lo && ro:
		// Both products exceed 256 bits; fall back to arbitrary precision.
		l := new(big.Int).Mul(a.v.ToBig(), new(big.Int).SetUint64(x))
		r := new(big.Int).Mul(b.v.ToBig(), new(big.Int).SetUint64(y))
		return l.Cmp(r)
	}
	return left.Cmp(right)
}

// String renders the amount as a decimal with trailing fractional zeros
// trimmed, e.g. "0.075" or "100".
func (a Amount[S]) String() string {
	decimals := int(decimalsOf[S]())
	digits := a.v.Dec()
	if decimals == 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (a Amount[S]) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Amount[S]) UnmarshalText(text []byte) error {
	parsed, err := Parse[S](string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON encodes the amount as a quoted decimal string so precision is
// never lost in JSON number handling.
func (a Amount[S]) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (a *Amount[S]) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount[S]{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	return a.UnmarshalText([]byte(raw))
}

// Sign returns 0 for zero and 1 otherwise.
func (a Amount[S]) Sign() int {
	if a.v.IsZero() {
		return 0
	}
	return 1
}
