package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"onloan/gateway/middleware"
	nativecommon "onloan/native/common"
	"onloan/observability/logging"
	telemetry "onloan/observability/otel"
)

const (
	defaultListen         = ":8080"
	defaultDataDir        = "data"
	defaultPolicyPath     = "policy.toml"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultOracleMaxAge   = 2 * time.Minute
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress     string                          `yaml:"listen"`
	Env               string                          `yaml:"env"`
	TLS               TLSConfig                       `yaml:"tls"`
	PolicyPath        string                          `yaml:"policy"`
	PoolAddress       string                          `yaml:"pool_address"`
	CollateralAddress string                          `yaml:"collateral_address"`
	Storage           StorageConfig                   `yaml:"storage"`
	Journal           JournalConfig                   `yaml:"journal"`
	Idempotency       IdempotencyConfig               `yaml:"idempotency"`
	Bank              BankConfig                      `yaml:"bank"`
	Oracle            OracleConfig                    `yaml:"oracle"`
	Webhook           WebhookConfig                   `yaml:"webhook"`
	Auth              middleware.AuthConfig           `yaml:"auth"`
	Keepers           middleware.SignedRequestConfig  `yaml:"keepers"`
	RateLimits        map[string]middleware.RateLimit `yaml:"rate_limits"`
	Quota             nativecommon.Quota              `yaml:"quota"`
	CORS              middleware.CORSConfig           `yaml:"cors"`
	Telemetry         telemetry.Config                `yaml:"telemetry"`
	LogFile           logging.FileConfig              `yaml:"log_file"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// StorageConfig selects where committed ledger state lives.
type StorageConfig struct {
	// Backend is "leveldb" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig points at the event journal. An empty DSN disables it.
type JournalConfig struct {
	DSN           string `yaml:"dsn"`
	RecordSamples bool   `yaml:"record_samples"`
}

type IdempotencyConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// BankConfig selects the transfer provider.
type BankConfig struct {
	// Mode is "dev" for the in-process ledger or "remote".
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	// Faucet exposes POST /v1/dev/mint. Only honoured in dev mode.
	Faucet bool `yaml:"faucet"`
}

type OracleConfig struct {
	MaxAge   time.Duration  `yaml:"max_age"`
	MinFeeds int            `yaml:"min_feeds"`
	Sources  []OracleSource `yaml:"sources"`
}

// OracleSource configures one price feed.
type OracleSource struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// Price seeds a static source.
	Price string `yaml:"price"`
}

// WebhookConfig forwards committed ledger events to an HTTP endpoint. An
// empty endpoint disables delivery.
type WebhookConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Secret      string        `yaml:"secret"`
	Types       []string      `yaml:"types"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Enabled reports whether webhook delivery is configured.
func (cfg WebhookConfig) Enabled() bool { return cfg.Endpoint != "" }

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	cfg.ListenAddress = stringFromEnv("LENDINGD_LISTEN", cfg.ListenAddress)
	cfg.Env = stringFromEnv("LENDINGD_ENV", cfg.Env)
	cfg.PolicyPath = stringFromEnv("LENDINGD_POLICY", cfg.PolicyPath)
	cfg.Journal.DSN = stringFromEnv("LENDINGD_JOURNAL_DSN", cfg.Journal.DSN)
	cfg.Bank.Token = stringFromEnv("LENDINGD_BANK_TOKEN", cfg.Bank.Token)
	cfg.Auth.HMACSecret = stringFromEnv("LENDINGD_JWT_SECRET", cfg.Auth.HMACSecret)
	cfg.Auth.Enabled = boolFromEnv("LENDINGD_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Webhook.Secret = stringFromEnv("LENDINGD_WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.TLS.AllowInsecure = boolFromEnv("LENDINGD_ALLOW_INSECURE", cfg.TLS.AllowInsecure)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.PolicyPath = strings.TrimSpace(cfg.PolicyPath)
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultPolicyPath
	}
	cfg.PoolAddress = strings.TrimSpace(cfg.PoolAddress)
	cfg.CollateralAddress = strings.TrimSpace(cfg.CollateralAddress)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultDataDir + "/ledger"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = defaultIdempotencyTTL
	}

	cfg.Bank.Mode = strings.ToLower(strings.TrimSpace(cfg.Bank.Mode))
	if cfg.Bank.Mode == "" {
		cfg.Bank.Mode = "dev"
	}
	cfg.Bank.Endpoint = strings.TrimSpace(cfg.Bank.Endpoint)
	cfg.Bank.Token = strings.TrimSpace(cfg.Bank.Token)
	if cfg.Bank.Timeout <= 0 {
		cfg.Bank.Timeout = 10 * time.Second
	}

	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = defaultOracleMaxAge
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	sources := make([]OracleSource, 0, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		src.Name = strings.TrimSpace(src.Name)
		src.Type = strings.ToLower(strings.TrimSpace(src.Type))
		src.Endpoint = strings.TrimSpace(src.Endpoint)
		src.APIKey = strings.TrimSpace(src.APIKey)
		src.Price = strings.TrimSpace(src.Price)
		sources = append(sources, src)
	}
	cfg.Oracle.Sources = sources

	cfg.Webhook.Endpoint = strings.TrimSpace(cfg.Webhook.Endpoint)
	cfg.Webhook.Secret = strings.TrimSpace(cfg.Webhook.Secret)
	cfg.Webhook.Types = splitAndTrim(strings.Join(cfg.Webhook.Types, ","))

	cfg.Keepers.NoncePath = strings.TrimSpace(cfg.Keepers.NoncePath)
	for i := range cfg.Keepers.Keys {
		cfg.Keepers.Keys[i].ID = strings.TrimSpace(cfg.Keepers.Keys[i].ID)
		cfg.Keepers.Keys[i].Secret = strings.TrimSpace(cfg.Keepers.Keys[i].Secret)
		cfg.Keepers.Keys[i].Address = strings.TrimSpace(cfg.Keepers.Keys[i].Address)
	}

	cfg.CORS.AllowedOrigins = splitAndTrim(strings.Join(cfg.CORS.AllowedOrigins, ","))
	cfg.Telemetry.ServiceName = "lendingd"
	cfg.Telemetry.Environment = cfg.Env
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	pool, err := parseAddress("pool_address", cfg.PoolAddress)
	if err != nil {
		return err
	}
	collateral, err := parseAddress("collateral_address", cfg.CollateralAddress)
	if err != nil {
		return err
	}
	if pool == collateral {
		return fmt.Errorf("pool_address and collateral_address must differ")
	}
	switch cfg.Storage.Backend {
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Bank.Mode {
	case "dev":
	case "remote":
		if cfg.Bank.Endpoint == "" {
			return fmt.Errorf("bank: endpoint required in remote mode")
		}
		if cfg.Bank.Faucet {
			return fmt.Errorf("bank: faucet is only available in dev mode")
		}
	default:
		return fmt.Errorf("bank: unknown mode %q", cfg.Bank.Mode)
	}
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("oracle: at least one source must be configured")
	}
	if cfg.Oracle.MinFeeds > len(cfg.Oracle.Sources) {
		return fmt.Errorf("oracle: min_feeds %d exceeds %d sources", cfg.Oracle.MinFeeds, len(cfg.Oracle.Sources))
	}
	for i, src := range cfg.Oracle.Sources {
		switch src.Type {
		case "static":
			if src.Price == "" {
				return fmt.Errorf("oracle: source %d: static source requires price", i)
			}
		case "http", "chainlink":
			if src.Endpoint == "" {
				return fmt.Errorf("oracle: source %d: endpoint required", i)
			}
		default:
			return fmt.Errorf("oracle: source %d: unknown type %q", i, src.Type)
		}
	}
	if cfg.Webhook.Enabled() && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret required when endpoint is set")
	}
	for i, key := range cfg.Keepers.Keys {
		if key.ID == "" || key.Secret == "" {
			return fmt.Errorf("keepers: key %d: id and secret required", i)
		}
		if _, err := parseAddress(fmt.Sprintf("keepers.keys[%d].address", i), key.Address); err != nil {
			return err
		}
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac_secret required when auth is enabled")
	}
	if !cfg.Auth.Enabled && !cfg.IsDev() {
		return fmt.Errorf("auth: disabling authentication is restricted to env=dev")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the listener should serve TLS.
func (cfg TLSConfig) Enabled() bool { return cfg.CertPath != "" && cfg.KeyPath != "" }

// IsDev reports whether the daemon runs in the development environment.
func (cfg Config) IsDev() bool { return cfg.Env == "dev" }

// Pool returns the validated pool address.
func (cfg Config) Pool() common.Address { return common.HexToAddress(cfg.PoolAddress) }

// Collateral returns the validated collateral custody address.
func (cfg Config) Collateral() common.Address { return common.HexToAddress(cfg.CollateralAddress) }

// FaucetEnabled reports whether the dev mint route should be mounted.
func (cfg Config) FaucetEnabled() bool { return cfg.Bank.Mode == "dev" && cfg.Bank.Faucet }

// Sanitized returns a copy safe to log.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.HMACSecret = logging.MaskValue(cfg.Auth.HMACSecret)
	clone.Bank.Token = logging.MaskValue(cfg.Bank.Token)
	clone.Journal.DSN = maskDSN(cfg.Journal.DSN)
	clone.Webhook.Secret = logging.MaskValue(cfg.Webhook.Secret)
	clone.Keepers.Keys = make([]middleware.KeeperKey, len(cfg.Keepers.Keys))
	for i, key := range cfg.Keepers.Keys {
		key.Secret = logging.MaskValue(key.Secret)
		clone.Keepers.Keys[i] = key
	}
	clone.Oracle.Sources = make([]OracleSource, len(cfg.Oracle.Sources))
	for i, src := range cfg.Oracle.Sources {
		src.APIKey = logging.MaskValue(src.APIKey)
		clone.Oracle.Sources[i] = src
	}
	return clone
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}

// maskDSN hides credentials in postgres URLs.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + logging.RedactedValue + dsn[at:]
}

func stringFromEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func boolFromEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
