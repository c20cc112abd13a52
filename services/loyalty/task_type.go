package loyalty

import "time"

type EventType string

var (
	EventPointsRedeemed EventType = "PointsRedeemed"
	EventTierUpgraded   EventType = "TierUpgraded"
)

// Event is published after a mutation commits.
type Event struct {
	Type       EventType `json:"type"`
	CustomerID string    `json:"customer_id"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`

	// PointsRedeemed
	RedemptionCode string     `json:"redemption_code,omitempty"`
	RewardID       string     `json:"reward_id,omitempty"`
	PointsCost     int64      `json:"points_cost,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	// TierUpgraded
	FromTier string `json:"from_tier,omitempty"`
	ToTier   string `json:"to_tier,omitempty"`
}

type ExpireRedemptionsPayload struct {
	Before  time.Time `json:"before"`
	TraceID string    `json:"trace_id,omitempty"`
}

type ExpirePointsPayload struct {
	AsOf    time.Time `json:"as_of"`
	TraceID string    `json:"trace_id,omitempty"`
}

type ReconcilePayload struct {
	TraceID string `json:"trace_id,omitempty"`
}
