package bank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	pool  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestLedgerBatchIsAllOrNothing(t *testing.T) {
	ledger := NewLedger()
	ledger.MintStable(alice, amount.MustParse[amount.Stable]("100"))
	ledger.MintNative(alice, amount.MustParse[amount.Native]("0.05"))

	batch := []Transfer{
		Stable(alice, pool, amount.MustParse[amount.Stable]("60")),
		Native(alice, vault, amount.MustParse[amount.Native]("0.075")),
	}
	err := ledger.Execute(context.Background(), "ref-1", batch)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := ledger.StableBalance(alice); got.String() != "100" {
		t.Fatalf("expected stable balance untouched, got %s", got)
	}
	if got := ledger.StableBalance(pool); !got.IsZero() {
		t.Fatalf("expected pool untouched, got %s", got)
	}
}

func TestLedgerReplaysAreIdempotent(t *testing.T) {
	ledger := NewLedger()
	ledger.MintStable(alice, amount.MustParse[amount.Stable]("100"))
	batch := []Transfer{Stable(alice, pool, amount.MustParse[amount.Stable]("40"))}

	for i := 0; i < 2; i++ {
		if err := ledger.Execute(context.Background(), "ref-1", batch); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if got := ledger.StableBalance(pool); got.String() != "40" {
		t.Fatalf("expected a single application, pool holds %s", got)
	}
	if err := ledger.Execute(context.Background(), "", batch); !errors.Is(err, ErrEmptyReference) {
		t.Fatalf("expected ErrEmptyReference, got %v", err)
	}
}

func TestReverseBatchUndoes(t *testing.T) {
	ledger := NewLedger()
	ledger.MintStable(alice, amount.MustParse[amount.Stable]("10"))
	ledger.MintNative(alice, amount.MustParse[amount.Native]("1"))
	batch := []Transfer{
		Native(alice, vault, amount.MustParse[amount.Native]("1")),
		Stable(alice, pool, amount.MustParse[amount.Stable]("10")),
	}
	if err := ledger.Execute(context.Background(), "fwd", batch); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := ledger.Execute(context.Background(), "rev", ReverseBatch(batch)); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if ledger.StableBalance(alice).String() != "10" || ledger.NativeBalance(alice).String() != "1" {
		t.Fatalf("expected balances restored, got %s / %s", ledger.StableBalance(alice), ledger.NativeBalance(alice))
	}
}

func TestTransferJSONUsesDecimalAmounts(t *testing.T) {
	in := Native(alice, vault, amount.MustParse[amount.Native]("0.075"))
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["asset"] != "native" || raw["amount"] != "0.075" {
		t.Fatalf("unexpected encoding %s", data)
	}
	var out Transfer
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestRemoteProviderSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(gotBody.Transfers) == 2 {
			http.Error(w, "balance too low", http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	provider := NewRemoteProvider(srv.URL+"/", "secret", nil)
	batch := []Transfer{Stable(alice, pool, amount.MustParse[amount.Stable]("1.5"))}
	if err := provider.Execute(context.Background(), "ref-9", batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotKey != "ref-9" || gotAuth != "Bearer secret" {
		t.Fatalf("unexpected headers key=%q auth=%q", gotKey, gotAuth)
	}
	if gotBody.Reference != "ref-9" || gotBody.Transfers[0].Display() != "1.5" {
		t.Fatalf("unexpected body %+v", gotBody)
	}

	batch = append(batch, Stable(alice, pool, amount.MustParse[amount.Stable]("1")))
	if err := provider.Execute(context.Background(), "ref-10", batch); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
