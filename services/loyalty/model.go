package loyalty

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LoyaltyAccount caches the ledger projection of one customer.
// Version guards every write; see accountWriter.
type LoyaltyAccount struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	CustomerID     string       `gorm:"column:customer_id;type:varchar(64);not null;uniqueIndex" json:"customer_id"`
	Tier           string       `gorm:"column:tier;type:varchar(32);not null" json:"tier"`
	CurrentPoints  int64        `gorm:"column:current_points;not null;default:0;check:chk_loyalty_accounts_current_points,current_points >= 0" json:"current_points"`
	LifetimePoints int64        `gorm:"column:lifetime_points;not null;default:0" json:"lifetime_points"`
	Version        int64        `gorm:"column:version;not null;default:0" json:"version"`
	LastEntryHash  string       `gorm:"column:last_entry_hash;type:varchar(64);not null" json:"-"`
	MemberSince    time.Time    `gorm:"column:member_since;not null" json:"member_since"`
	TierAchievedAt time.Time    `gorm:"column:tier_achieved_at;not null" json:"tier_achieved_at"`
	LastActivityAt *time.Time   `gorm:"column:last_activity_at" json:"last_activity_at,omitempty"`
	CreatedAt      time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (LoyaltyAccount) TableName() string {
	return "loyalty_accounts"
}

type RedemptionStatus string

var (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionConfirmed RedemptionStatus = "confirmed"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
	RedemptionFailed    RedemptionStatus = "failed"
	RedemptionExpired   RedemptionStatus = "expired"
)

func (s RedemptionStatus) String() string {
	switch s {
	case RedemptionPending, RedemptionConfirmed, RedemptionFulfilled, RedemptionFailed, RedemptionExpired:
		return string(s)
	default:
		return ""
	}
}

type Redemption struct {
	ID            snowflake.ID     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AccountID     snowflake.ID     `gorm:"column:account_id;not null;index;uniqueIndex:idx_redemptions_dedupe,priority:1" json:"account_id"`
	CustomerID    string           `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	RewardID      string           `gorm:"column:reward_id;type:varchar(64);not null" json:"reward_id"`
	RewardName    string           `gorm:"column:reward_name;type:varchar(255)" json:"reward_name"`
	Code          string           `gorm:"column:code;type:varchar(64);not null;uniqueIndex" json:"code"`
	Status        RedemptionStatus `gorm:"column:status;type:varchar(20);not null;index:idx_redemptions_status_expires,priority:1" json:"status"`
	PointsCost    int64            `gorm:"column:points_cost;not null" json:"points_cost"`
	LedgerEntryID snowflake.ID     `gorm:"column:ledger_entry_id;not null" json:"ledger_entry_id"`
	DedupeKey     *string          `gorm:"column:dedupe_key;type:varchar(128);uniqueIndex:idx_redemptions_dedupe,priority:2" json:"dedupe_key,omitempty"`
	ExpiresAt     time.Time        `gorm:"column:expires_at;not null;index:idx_redemptions_status_expires,priority:2" json:"expires_at"`
	FulfilledAt   *time.Time       `gorm:"column:fulfilled_at" json:"fulfilled_at,omitempty"`
	CreatedAt     time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Redemption) TableName() string {
	return "redemptions"
}

// TierChange is the audit trail of tier transitions.
type TierChange struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AccountID snowflake.ID `gorm:"column:account_id;not null;index" json:"account_id"`
	FromTier  string       `gorm:"column:from_tier;type:varchar(32);not null" json:"from_tier"`
	ToTier    string       `gorm:"column:to_tier;type:varchar(32);not null" json:"to_tier"`
	Reason    string       `gorm:"column:reason;type:text" json:"reason"`
	Actor     string       `gorm:"column:actor;type:varchar(128)" json:"actor"`
	Automatic bool         `gorm:"column:automatic;not null" json:"automatic"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (TierChange) TableName() string {
	return "tier_changes"
}

// Reward is a row of the local rewards catalog.
type Reward struct {
	ID              string    `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	Name            string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description     string    `gorm:"column:description;type:text" json:"description"`
	Category        string    `gorm:"column:category;type:varchar(32)" json:"category"`
	PointsCost      int64     `gorm:"column:points_cost;not null" json:"points_cost"`
	MinTier         string    `gorm:"column:min_tier;type:varchar(32)" json:"min_tier,omitempty"`
	ValidityDays    int       `gorm:"column:validity_days;not null;default:0" json:"validity_days"`
	EligibilityExpr string    `gorm:"column:eligibility_expr;type:text" json:"eligibility_expr,omitempty"`
	Active          bool      `gorm:"column:active;not null" json:"active"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Reward) TableName() string {
	return "rewards"
}

// Models lists the tables owned by the loyalty service.
func Models() []any {
	return []any{&LoyaltyAccount{}, &Redemption{}, &TierChange{}, &Reward{}}
}
