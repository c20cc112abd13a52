package loyalty

import "github.com/prometheus/client_golang/prometheus"

var (
	accrualsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_accruals_total",
		Help: "Accrual requests by outcome.",
	}, []string{"outcome"})
	pointsAccrued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_points_accrued_total",
	})
	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_redemptions_total",
		Help: "Redemption attempts by outcome.",
	}, []string{"outcome"})
	pointsRedeemed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_points_redeemed_total",
	})
	writeConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_account_write_conflicts_total",
		Help: "Optimistic version conflicts on account writes.",
	})
	tierUpgrades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_tier_changes_total",
	}, []string{"to_tier", "automatic"})
	ledgerDrift = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_ledger_drift_total",
		Help: "Accounts whose cached balance disagrees with the ledger.",
	})
	catalogCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_reward_cache_hits_total"})
	catalogCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_reward_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(
		accrualsTotal,
		pointsAccrued,
		redemptionsTotal,
		pointsRedeemed,
		writeConflicts,
		tierUpgrades,
		ledgerDrift,
		catalogCacheHits,
		catalogCacheMiss,
	)
}
