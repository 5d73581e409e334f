package amount

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseAndString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"100", "100"},
		{"0.075", "0.075"},
		{"108.000000", "108"},
		{".5", "0.5"},
		{"000012.340", "12.34"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got, err := Parse[Stable](tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	if _, err := Parse[Stable]("1.0000001"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat for excess precision, got %v", err)
	}
	if _, err := Parse[Stable]("-1"); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected ErrNegative, got %v", err)
	}
	for _, in := range []string{"", "abc", "1.", "1e6", "1.2.3"} {
		if _, err := Parse[Stable](in); err == nil {
			t.Fatalf("expected error parsing %q", in)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	usdt := MustParse[Stable]("150")
	if usdt.Minor().Uint64() != 150_000_000 {
		t.Fatalf("expected 150000000 minor units, got %s", usdt.Minor())
	}
	eth := MustParse[Native]("0.075")
	if eth.Big().Cmp(big.NewInt(75_000_000_000_000_000)) != 0 {
		t.Fatalf("expected 75e15 wei, got %s", eth.Big())
	}
	units, err := FromUnits[Price](2000)
	if err != nil {
		t.Fatalf("from units: %v", err)
	}
	if units.Minor().Uint64() != 200_000_000_000 {
		t.Fatalf("expected 2000 * 1e8, got %s", units.Minor())
	}
}

func TestCheckedArithmetic(t *testing.T) {
	a := FromMinor[Stable](5)
	b := FromMinor[Stable](7)
	if _, err := a.Sub(b); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if got := a.SaturatingSub(b); !got.IsZero() {
		t.Fatalf("expected saturating sub to floor at zero, got %s", got)
	}
	max := FromUint256[Stable](new(uint256.Int).SetAllOne())
	if _, err := max.Add(FromMinor[Stable](1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := a.MulDiv(uint256.NewInt(1), uint256.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestMulBpsRounding(t *testing.T) {
	v := FromMinor[Stable](3)
	floor, err := v.MulBps(15_000)
	if err != nil {
		t.Fatalf("mul bps: %v", err)
	}
	ceil, err := v.MulBpsCeil(15_000)
	if err != nil {
		t.Fatalf("mul bps ceil: %v", err)
	}
	if floor.Minor().Uint64() != 4 || ceil.Minor().Uint64() != 5 {
		t.Fatalf("expected floor 4 / ceil 5, got %s / %s", floor.Minor(), ceil.Minor())
	}
}

func TestNativeStableConversion(t *testing.T) {
	price := MustParse[Price]("2000")
	value, err := NativeToStable(MustParse[Native]("0.075"), price)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !value.Eq(MustParse[Stable]("150")) {
		t.Fatalf("expected 150 USDT, got %s", value)
	}

	justUnder := FromUint256[Native](uint256.NewInt(75_000_000_000_000_000 - 1))
	value, err = NativeToStable(justUnder, price)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !value.Lt(MustParse[Stable]("150")) {
		t.Fatalf("expected value below 150 after flooring, got %s", value)
	}

	needed, err := StableToNativeCeil(MustParse[Stable]("150"), price)
	if err != nil {
		t.Fatalf("convert back: %v", err)
	}
	if !needed.Eq(MustParse[Native]("0.075")) {
		t.Fatalf("expected 0.075 ETH, got %s", needed)
	}

	needed, err = StableToNativeCeil(FromMinor[Stable](1), MustParse[Price]("3"))
	if err != nil {
		t.Fatalf("convert back: %v", err)
	}
	// 1e-6 USDT at 3 USDT/ETH is 333333333333.33 wei, rounded up.
	if needed.Minor().Uint64() != 333_333_333_334 {
		t.Fatalf("expected ceil rounding, got %s", needed.Minor())
	}

	if _, err := StableToNativeCeil(FromMinor[Stable](1), PriceAmount{}); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero for zero price, got %v", err)
	}
}

func TestScaledCmp(t *testing.T) {
	value := MustParse[Stable]("150")
	due := MustParse[Stable]("100")
	if ScaledCmp(value, 10_000, due, 15_000) != 0 {
		t.Fatalf("expected 150*10000 == 100*15000")
	}
	if ScaledCmp(value.SaturatingSub(FromMinor[Stable](1)), 10_000, due, 15_000) >= 0 {
		t.Fatalf("expected one minor unit short to compare lower")
	}
}

func TestJSONRoundTripKeepsPrecision(t *testing.T) {
	type payload struct {
		Collateral NativeAmount `json:"collateral"`
	}
	in := payload{Collateral: MustParse[Native]("1.000000000000000001")}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"collateral":"1.000000000000000001"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var out payload
	if err := json.Unmarshal([]byte(`{"collateral":0.5}`), &out); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if out.Collateral.String() != "0.5" {
		t.Fatalf("expected 0.5, got %s", out.Collateral)
	}
}
