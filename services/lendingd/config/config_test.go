package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseConfig = `
listen: " :6000 "
env: dev
tls:
  allow_insecure: true
pool_address: "0x00000000000000000000000000000000000000b0"
collateral_address: "0x00000000000000000000000000000000000000c0"
oracle:
  sources:
    - name: seed
      type: " Static "
      price: "2000"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.Path != "data/ledger" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Bank.Mode != "dev" || cfg.Idempotency.TTL != 24*time.Hour {
		t.Fatalf("unexpected defaults: bank=%+v idempotency=%+v", cfg.Bank, cfg.Idempotency)
	}
	if cfg.Oracle.MaxAge != 2*time.Minute || cfg.Oracle.MinFeeds != 1 {
		t.Fatalf("unexpected oracle defaults: %+v", cfg.Oracle)
	}
	if cfg.Oracle.Sources[0].Type != "static" {
		t.Fatalf("expected normalised source type, got %q", cfg.Oracle.Sources[0].Type)
	}
	if cfg.PolicyPath != "policy.toml" || cfg.Telemetry.ServiceName != "lendingd" {
		t.Fatalf("unexpected policy/telemetry defaults: %q %q", cfg.PolicyPath, cfg.Telemetry.ServiceName)
	}
	if cfg.Pool() == cfg.Collateral() {
		t.Fatalf("expected distinct addresses")
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig+`
idempotency:
  path: data/idem.db
  ttl: 90m
auth:
  clock_skew: 30s
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Idempotency.TTL != 90*time.Minute || cfg.Auth.ClockSkew != 30*time.Second {
		t.Fatalf("durations not decoded: %+v / %s", cfg.Idempotency, cfg.Auth.ClockSkew)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", baseConfig + "bogus: 1\n", "decode config"},
		{"same addresses", strings.Replace(baseConfig, "c0\"", "b0\"", 1), "must differ"},
		{"bad backend", baseConfig + "storage:\n  backend: redis\n", "unknown backend"},
		{"remote without endpoint", baseConfig + "bank:\n  mode: remote\n", "endpoint required"},
		{"remote faucet", baseConfig + "bank:\n  mode: remote\n  endpoint: http://bank\n  faucet: true\n", "faucet"},
		{"min feeds", baseConfig + "  min_feeds: 2\n", "min_feeds"},
		{"webhook without secret", baseConfig + "webhook:\n  endpoint: http://hooks\n", "webhook"},
		{"keeper bad address", baseConfig + "keepers:\n  keys:\n    - id: bot\n      secret: s\n      address: nope\n", "keepers.keys[0].address"},
		{"keeper without secret", baseConfig + "keepers:\n  keys:\n    - id: bot\n      address: \"0x00000000000000000000000000000000000000ee\"\n", "id and secret"},
		{"auth without secret", baseConfig + "auth:\n  enabled: true\n", "hmac_secret"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadConfigRequiresAuthOutsideDev(t *testing.T) {
	body := strings.Replace(baseConfig, "env: dev", "env: prod", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error when auth is disabled outside dev")
	}
	t.Setenv("LENDINGD_AUTH_ENABLED", "true")
	t.Setenv("LENDINGD_JWT_SECRET", "s3cret")
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("env overrides should satisfy auth: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.HMACSecret != "s3cret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Auth)
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	body := strings.Replace(baseConfig, "  allow_insecure: true", "  cert: server.crt", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error when key is missing")
	}
}

func TestSanitizedMasksSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig+`
journal:
  dsn: postgres://app:hunter2@db:5432/onloan
bank:
  mode: remote
  endpoint: http://bank
  token: tok
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Auth.HMACSecret = "secret"
	clean := cfg.Sanitized()
	if clean.Auth.HMACSecret == "secret" || clean.Bank.Token == "tok" {
		t.Fatalf("secrets leaked: %+v", clean)
	}
	if strings.Contains(clean.Journal.DSN, "hunter2") || !strings.HasSuffix(clean.Journal.DSN, "@db:5432/onloan") {
		t.Fatalf("unexpected dsn mask: %q", clean.Journal.DSN)
	}
	if cfg.Bank.Token != "tok" {
		t.Fatalf("sanitize must not modify the original")
	}
}

func TestLoadConfigWebhook(t *testing.T) {
	body := baseConfig + `
webhook:
  endpoint: " http://hooks.local/ledger "
  types: ["lending.liquidated, lending.withdrawalFromPool", ""]
  min_backoff: 1s
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected missing secret error")
	}
	t.Setenv("LENDINGD_WEBHOOK_SECRET", "whsec")
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Webhook.Enabled() || cfg.Webhook.Endpoint != "http://hooks.local/ledger" {
		t.Fatalf("unexpected webhook endpoint %q", cfg.Webhook.Endpoint)
	}
	if len(cfg.Webhook.Types) != 2 || cfg.Webhook.Types[1] != "lending.withdrawalFromPool" {
		t.Fatalf("unexpected webhook types %v", cfg.Webhook.Types)
	}
	if cfg.Webhook.MinBackoff != time.Second {
		t.Fatalf("unexpected backoff %s", cfg.Webhook.MinBackoff)
	}
	if cfg.Sanitized().Webhook.Secret == "whsec" {
		t.Fatalf("webhook secret leaked")
	}
}
