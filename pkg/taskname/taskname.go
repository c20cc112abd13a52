package taskname

const (
	// Notification tasks
	LoyaltyPointsRedeemed = "loyalty:notify:points_redeemed"
	LoyaltyTierUpgraded   = "loyalty:notify:tier_upgraded"

	// Maintenance tasks
	LoyaltyRedemptionExpire = "loyalty:redemption:expire"
	LoyaltyPointsExpire     = "loyalty:points:expire"
	LoyaltyLedgerReconcile  = "loyalty:ledger:reconcile"
)
