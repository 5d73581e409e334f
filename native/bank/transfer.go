package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"onloan/core/amount"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrUnknownAsset      = errors.New("bank: unknown asset")
	ErrEmptyReference    = errors.New("bank: batch reference required")
)

// Asset identifies which token a transfer moves.
type Asset uint8

const (
	AssetStable Asset = iota + 1
	AssetNative
)

func (a Asset) String() string {
	switch a {
	case AssetStable:
		return "stable"
	case AssetNative:
		return "native"
	default:
		return "unknown"
	}
}

// ParseAsset maps the textual asset name back onto an Asset.
func ParseAsset(s string) (Asset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "usdt":
		return AssetStable, nil
	case "native", "eth":
		return AssetNative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, s)
	}
}

func (a Asset) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Transfer moves Minor units of Asset from one custody account to another.
type Transfer struct {
	From  common.Address
	To    common.Address
	Asset Asset
	Minor uint256.Int
}

// Stable builds a stable token transfer.
func Stable(from, to common.Address, amt amount.StableAmount) Transfer {
	return Transfer{From: from, To: to, Asset: AssetStable, Minor: *amt.Minor()}
}

// Native builds a native asset transfer.
func Native(from, to common.Address, amt amount.NativeAmount) Transfer {
	return Transfer{From: from, To: to, Asset: AssetNative, Minor: *amt.Minor()}
}

// Reverse returns the compensating transfer.
func (t Transfer) Reverse() Transfer {
	return Transfer{From: t.To, To: t.From, Asset: t.Asset, Minor: t.Minor}
}

// Display renders the amount in the asset's decimal notation.
func (t Transfer) Display() string {
	switch t.Asset {
	case AssetNative:
		return amount.FromUint256[amount.Native](&t.Minor).String()
	default:
		return amount.FromUint256[amount.Stable](&t.Minor).String()
	}
}

type transferJSON struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Asset  Asset          `json:"asset"`
	Amount string         `json:"amount"`
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{From: t.From, To: t.To, Asset: t.Asset, Amount: t.Display()})
}

func (t *Transfer) UnmarshalJSON(data []byte) error {
	var raw transferJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var minor *uint256.Int
	switch raw.Asset {
	case AssetStable:
		v, err := amount.Parse[amount.Stable](raw.Amount)
		if err != nil {
			return err
		}
		minor = v.Minor()
	case AssetNative:
		v, err := amount.Parse[amount.Native](raw.Amount)
		if err != nil {
			return err
		}
		minor = v.Minor()
	default:
		return ErrUnknownAsset
	}
	*t = Transfer{From: raw.From, To: raw.To, Asset: raw.Asset, Minor: *minor}
	return nil
}

// ReverseBatch returns the compensating batch, undoing transfers in reverse
// order.
func ReverseBatch(batch []Transfer) []Transfer {
	out := make([]Transfer, len(batch))
	for i, t := range batch {
		out[len(batch)-1-i] = t.Reverse()
	}
	return out
}

// Provider executes a batch of transfers atomically: either every transfer
// lands or none does. The reference identifies the batch so providers can
// deduplicate retries.
type Provider interface {
	Execute(ctx context.Context, ref string, batch []Transfer) error
}
