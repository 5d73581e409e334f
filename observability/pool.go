package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"onloan/core/amount"
	"onloan/native/lending"
)

var poolGaugesOnce sync.Once

// RegisterPoolGauges exposes the pool totals, read through snapshot at scrape
// time. Only the first call registers.
func RegisterPoolGauges(snapshot func() lending.PoolState) {
	if snapshot == nil {
		return
	}
	poolGaugesOnce.Do(func() {
		gauge := func(name, help string, read func(lending.PoolState) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "onloan",
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, func() float64 { return read(snapshot()) })
		}
		prometheus.MustRegister(
			gauge("total_deposits", "Sum of lender balances in stable units.", func(p lending.PoolState) float64 { return StableUnits(p.TotalDeposits) }),
			gauge("liquidity", "Stable funds available to lend or withdraw.", func(p lending.PoolState) float64 { return StableUnits(p.Liquidity) }),
			gauge("outstanding_principal", "Principal of active loans.", func(p lending.PoolState) float64 { return StableUnits(p.OutstandingPrincipal) }),
			gauge("interest_collected", "Interest collected on settled loans.", func(p lending.PoolState) float64 { return StableUnits(p.InterestCollected) }),
			gauge("losses", "Principal written off by liquidations.", func(p lending.PoolState) float64 { return StableUnits(p.Losses) }),
			gauge("active_loans", "Number of active loans.", func(p lending.PoolState) float64 { return float64(p.ActiveLoans) }),
		)
	})
}

// StableUnits converts an amount to float units for display only.
func StableUnits(a amount.StableAmount) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals())), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(a.Big()), scale).Float64()
	return f
}
