package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"onloan/native/lending"
)

func TestLoadPolicyParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	contents := `[lending]
CollateralRatioBps = 16000
LiquidationThresholdBps = 11000
BaseBorrowLimit = "25"
EnforceBorrowLimit = true

[lending.rates]
Personal = 900
business = 650

[access]
Owner = "0x00000000000000000000000000000000000000aa"
Keepers = ["0x00000000000000000000000000000000000000bb"]
OpenLiquidations = false
SeizeRecipient = "0x00000000000000000000000000000000000000cc"

[pauses]
Lending = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	cfg := policy.Lending
	if cfg.CollateralRatioBps != 16000 || cfg.LiquidationThresholdBps != 11000 {
		t.Fatalf("unexpected ratios: %+v", cfg)
	}
	if cfg.BaseBorrowLimit.String() != "25" || !cfg.EnforceBorrowLimit {
		t.Fatalf("unexpected limit policy: %s %v", cfg.BaseBorrowLimit, cfg.EnforceBorrowLimit)
	}
	if cfg.MinScore != lending.DefaultMinScore || cfg.MaxScore != lending.DefaultMaxScore {
		t.Fatalf("expected score defaults, got %+v", cfg)
	}
	if bps, _ := cfg.RateBps(lending.CategoryPersonal); bps != 900 {
		t.Fatalf("expected personal override, got %d", bps)
	}
	if bps, _ := cfg.RateBps(lending.CategoryBusiness); bps != 650 {
		t.Fatalf("expected business override, got %d", bps)
	}
	if bps, _ := cfg.RateBps(lending.CategoryHome); bps != 500 {
		t.Fatalf("expected default home rate, got %d", bps)
	}

	if got := policy.Access.OwnerAddress(); got != common.HexToAddress("0xaa") {
		t.Fatalf("unexpected owner %s", got.Hex())
	}
	if keepers := policy.Access.KeeperAddresses(); len(keepers) != 1 || keepers[0] != common.HexToAddress("0xbb") {
		t.Fatalf("unexpected keepers %v", keepers)
	}
	if recipient, ok := policy.Access.SeizeRecipientAddress(); !ok || recipient != common.HexToAddress("0xcc") {
		t.Fatalf("unexpected seize recipient %s", recipient.Hex())
	}
	if !policy.Pauses.Lending {
		t.Fatalf("expected lending to start paused")
	}
}

func TestLoadPolicyCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.toml")
	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.Lending.CollateralRatioBps != lending.DefaultCollateralRatioBps {
		t.Fatalf("expected default ratio, got %d", policy.Lending.CollateralRatioBps)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default policy persisted: %v", err)
	}

	reloaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("reload persisted policy: %v", err)
	}
	if reloaded.Lending.BaseBorrowLimit.String() != "10" {
		t.Fatalf("unexpected base limit after reload: %s", reloaded.Lending.BaseBorrowLimit)
	}
	if _, ok := reloaded.Access.SeizeRecipientAddress(); ok {
		t.Fatalf("default policy must not set a seize recipient")
	}
}

func TestLoadPolicyRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("[lending]\nCollateralRatio = 150\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	_, err := LoadPolicy(path)
	if err == nil || !strings.Contains(err.Error(), "lending.CollateralRatio") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidatePolicy(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Policy)
		want string
	}{
		{"bad owner", func(p *Policy) { p.Access.Owner = "alice" }, "Owner"},
		{"bad keeper", func(p *Policy) { p.Access.Keepers = []string{"0x12"} }, "keeper"},
		{"bad recipient", func(p *Policy) { p.Access.SeizeRecipient = "treasury" }, "SeizeRecipient"},
		{"bad ratio", func(p *Policy) { p.Lending.CollateralRatioBps = 5000 }, "CollateralRatioBps"},
	}
	for _, tc := range cases {
		policy := DefaultPolicy()
		tc.edit(policy)
		err := ValidatePolicy(policy)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %s, got %v", tc.name, tc.want, err)
		}
	}
	if err := ValidatePolicy(DefaultPolicy()); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}
