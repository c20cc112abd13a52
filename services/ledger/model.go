package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// GenesisHash is the previous hash of the first entry of every account.
const GenesisHash = "GENESIS"

type EntryKind string

var (
	KindAccrual         EntryKind = "accrual"
	KindRedemption      EntryKind = "redemption"
	KindAdminAdjustment EntryKind = "admin_adjustment"
	KindExpiration      EntryKind = "expiration"
)

func (k EntryKind) String() string {
	switch k {
	case KindAccrual, KindRedemption, KindAdminAdjustment, KindExpiration:
		return string(k)
	default:
		return ""
	}
}

func (k EntryKind) Valid() bool {
	return k.String() != ""
}

// LedgerEntry is an immutable movement of points on one account.
type LedgerEntry struct {
	ID               snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AccountID        snowflake.ID   `gorm:"column:account_id;not null;index:idx_ledger_account_occurred,priority:1;uniqueIndex:idx_ledger_idempotency,priority:1" json:"account_id"`
	Kind             EntryKind      `gorm:"column:kind;type:varchar(32);not null;uniqueIndex:idx_ledger_idempotency,priority:4" json:"kind"`
	PointsDelta      int64          `gorm:"column:points_delta;not null" json:"points_delta"`
	LifetimeDelta    int64          `gorm:"column:lifetime_delta;not null;default:0" json:"lifetime_delta"`
	Source           string         `gorm:"column:source;type:varchar(64);not null;uniqueIndex:idx_ledger_idempotency,priority:2" json:"source"`
	ReferenceID      string         `gorm:"column:reference_id;type:varchar(160);not null;uniqueIndex:idx_ledger_idempotency,priority:3" json:"reference_id"`
	Description      string         `gorm:"column:description;type:text" json:"description"`
	OccurredAt       time.Time      `gorm:"column:occurred_at;not null;index:idx_ledger_account_occurred,priority:2" json:"occurred_at"`
	ResultingBalance int64          `gorm:"column:resulting_balance;not null" json:"resulting_balance"`
	PreviousHash     string         `gorm:"column:previous_hash;type:varchar(64);not null" json:"previous_hash"`
	Hash             string         `gorm:"column:hash;type:varchar(64);not null;uniqueIndex" json:"hash"`
	Metadata         datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":                m.ID.String(),
		"account_id":        m.AccountID.String(),
		"kind":              string(m.Kind),
		"points_delta":      fmt.Sprintf("%d", m.PointsDelta),
		"lifetime_delta":    fmt.Sprintf("%d", m.LifetimeDelta),
		"source":            m.Source,
		"reference_id":      m.ReferenceID,
		"description":       m.Description,
		"occurred_at":       m.OccurredAt.UTC().Format(time.RFC3339Nano),
		"resulting_balance": fmt.Sprintf("%d", m.ResultingBalance),
		"previous_hash":     m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// IsCredit reports whether the entry added points.
func (m *LedgerEntry) IsCredit() bool {
	return m.PointsDelta > 0
}
