package ledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Projection is the balance derived from the ledger alone.
type Projection struct {
	AccountID snowflake.ID `json:"account_id"`
	Current   int64        `json:"current"`
	Lifetime  int64        `json:"lifetime"`
	Entries   int64        `json:"entries"`
}

// Snapshot is the cached balance stored next to the account.
type Snapshot struct {
	AccountID snowflake.ID
	Current   int64
	Lifetime  int64
	Head      string
}

// Drift describes a mismatch between a Snapshot and the ledger.
type Drift struct {
	AccountID       snowflake.ID `json:"account_id"`
	CachedCurrent   int64        `json:"cached_current"`
	LedgerCurrent   int64        `json:"ledger_current"`
	CachedLifetime  int64        `json:"cached_lifetime"`
	LedgerLifetime  int64        `json:"ledger_lifetime"`
	ChainValid      bool         `json:"chain_valid"`
	ChainBrokenAt   snowflake.ID `json:"chain_broken_at,omitempty"`
	ChainFailReason string       `json:"chain_fail_reason,omitempty"`
}

func (d Drift) HasDrift() bool {
	return d.CachedCurrent != d.LedgerCurrent || d.CachedLifetime != d.LedgerLifetime || !d.ChainValid
}

// Project sums every entry of the account.
func (l *Ledger) Project(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (Projection, error) {
	if tx == nil {
		tx = l.db
	}

	var row struct {
		CurrentPoints  int64
		LifetimePoints int64
		EntryCount     int64
	}
	err := tx.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(points_delta), 0) AS current_points, COALESCE(SUM(lifetime_delta), 0) AS lifetime_points, COUNT(*) AS entry_count").
		Where("account_id = ?", accountID).
		Scan(&row).Error
	if err != nil {
		return Projection{}, err
	}

	return Projection{
		AccountID: accountID,
		Current:   row.CurrentPoints,
		Lifetime:  row.LifetimePoints,
		Entries:   row.EntryCount,
	}, nil
}

// Reconcile compares a cached snapshot against the ledger. It only reports.
func (l *Ledger) Reconcile(ctx context.Context, s Snapshot) (Drift, error) {
	p, err := l.Project(ctx, nil, s.AccountID)
	if err != nil {
		return Drift{}, err
	}

	report, err := l.VerifyChain(ctx, s.AccountID, s.Head)
	if err != nil {
		return Drift{}, err
	}

	return Drift{
		AccountID:       s.AccountID,
		CachedCurrent:   s.Current,
		LedgerCurrent:   p.Current,
		CachedLifetime:  s.Lifetime,
		LedgerLifetime:  p.Lifetime,
		ChainValid:      report.Valid,
		ChainBrokenAt:   report.BrokenAt,
		ChainFailReason: report.Reason,
	}, nil
}

// ExpirablePoints returns the points still unspent from credits that occurred
// before cutoff, consuming credits oldest first.
func (l *Ledger) ExpirablePoints(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, cutoff time.Time) (int64, error) {
	if tx == nil {
		tx = l.db
	}

	var row struct {
		OldCredits int64
		Debits     int64
	}
	err := tx.WithContext(ctx).Model(&LedgerEntry{}).
		Select(`COALESCE(SUM(CASE WHEN points_delta > 0 AND occurred_at < ? THEN points_delta ELSE 0 END), 0) AS old_credits,
			COALESCE(SUM(CASE WHEN points_delta < 0 THEN -points_delta ELSE 0 END), 0) AS debits`, cutoff.UTC()).
		Where("account_id = ?", accountID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}

	return max(row.OldCredits-row.Debits, 0), nil
}
