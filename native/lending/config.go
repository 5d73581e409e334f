package lending

import (
	"fmt"
	"strings"

	"onloan/core/amount"
)

const (
	DefaultCollateralRatioBps      = 15_000
	DefaultLiquidationThresholdBps = 10_000
	DefaultMinScore                = 100
	DefaultScoreIncrement          = 100
	DefaultMaxScore                = 1_000
	DefaultFailingScore            = 0
)

// DefaultBaseBorrowLimit is the limit granted at exactly MinScore.
var DefaultBaseBorrowLimit = amount.MustParse[amount.Stable]("10")

// DefaultRates are the annual interest rates per category in basis points.
var DefaultRates = map[Category]uint64{
	CategoryPersonal: 800,
	CategoryHome:     500,
	CategoryBusiness: 700,
	CategoryAuto:     600,
}

// Config captures the risk policy for the lending module.
type Config struct {
	CollateralRatioBps      uint64              `toml:"CollateralRatioBps"`
	LiquidationThresholdBps uint64              `toml:"LiquidationThresholdBps"`
	MinScore                uint64              `toml:"MinScore"`
	ScoreIncrement          uint64              `toml:"ScoreIncrement"`
	MaxScore                uint64              `toml:"MaxScore"`
	FailingScore            uint64              `toml:"FailingScore"`
	BaseBorrowLimit         amount.StableAmount `toml:"BaseBorrowLimit"`
	EnforceBorrowLimit      bool                `toml:"EnforceBorrowLimit"`
	// Rates maps category names to annual basis points.
	Rates map[string]uint64 `toml:"rates"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults fills unset fields with the stock policy.
func (c *Config) EnsureDefaults() {
	if c.CollateralRatioBps == 0 {
		c.CollateralRatioBps = DefaultCollateralRatioBps
	}
	if c.LiquidationThresholdBps == 0 {
		c.LiquidationThresholdBps = DefaultLiquidationThresholdBps
	}
	if c.MinScore == 0 {
		c.MinScore = DefaultMinScore
	}
	if c.ScoreIncrement == 0 {
		c.ScoreIncrement = DefaultScoreIncrement
	}
	if c.MaxScore == 0 {
		c.MaxScore = DefaultMaxScore
	}
	if c.BaseBorrowLimit.IsZero() {
		c.BaseBorrowLimit = DefaultBaseBorrowLimit
	}
	if c.Rates == nil {
		c.Rates = make(map[string]uint64, len(DefaultRates))
	}
	normalised := make(map[string]uint64, len(c.Rates))
	for name, bps := range c.Rates {
		key := strings.ToLower(strings.TrimSpace(name))
		if category, err := ParseCategory(key); err == nil {
			key = category.String()
		}
		normalised[key] = bps
	}
	c.Rates = normalised
	for category, bps := range DefaultRates {
		if _, ok := c.Rates[category.String()]; !ok {
			c.Rates[category.String()] = bps
		}
	}
}

// Validate checks the policy for internal consistency.
func (c Config) Validate() error {
	if c.CollateralRatioBps < 10_000 {
		return fmt.Errorf("lending config: CollateralRatioBps must be at least 10000, got %d", c.CollateralRatioBps)
	}
	if c.LiquidationThresholdBps == 0 || c.LiquidationThresholdBps > c.CollateralRatioBps {
		return fmt.Errorf("lending config: LiquidationThresholdBps must be in (0, %d], got %d", c.CollateralRatioBps, c.LiquidationThresholdBps)
	}
	if c.MinScore == 0 {
		return fmt.Errorf("lending config: MinScore must be positive")
	}
	if c.FailingScore >= c.MinScore {
		return fmt.Errorf("lending config: FailingScore %d must be below MinScore %d", c.FailingScore, c.MinScore)
	}
	if c.MaxScore < c.MinScore {
		return fmt.Errorf("lending config: MaxScore %d below MinScore %d", c.MaxScore, c.MinScore)
	}
	if c.ScoreIncrement == 0 {
		return fmt.Errorf("lending config: ScoreIncrement must be positive")
	}
	for name := range c.Rates {
		if _, err := ParseCategory(name); err != nil {
			return fmt.Errorf("lending config: rates: %w", err)
		}
	}
	for _, category := range Categories() {
		if _, ok := c.Rates[category.String()]; !ok {
			return fmt.Errorf("lending config: no rate for category %s", category)
		}
	}
	return nil
}

// RateBps returns the annual rate for category.
func (c Config) RateBps(category Category) (uint64, error) {
	if !category.Valid() {
		return 0, ErrInvalidCategory
	}
	bps, ok := c.Rates[category.String()]
	if !ok {
		return 0, fmt.Errorf("%w: no rate configured for %s", ErrInvalidCategory, category)
	}
	return bps, nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	if c.Rates != nil {
		clone.Rates = make(map[string]uint64, len(c.Rates))
		for k, v := range c.Rates {
			clone.Rates[k] = v
		}
	}
	return clone
}
