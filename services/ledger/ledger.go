package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/db/option"
	"dms-loyalty/pkg/db/pagination"
	"dms-loyalty/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger is the only writer of ledger_entries. Entries are appended inside the
// caller's transaction and never updated or deleted.
type Ledger struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   clock.Clock
	entries repository.Repository[LedgerEntry]
}

type Params struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
}

func NewLedger(p Params) *Ledger {
	return &Ledger{
		db:      p.DB,
		node:    p.Node,
		clock:   p.Clock,
		entries: repository.ProvideStore[LedgerEntry](p.DB),
	}
}

type AppendParams struct {
	AccountID     snowflake.ID
	Kind          EntryKind
	PointsDelta   int64
	LifetimeDelta int64
	Source        string
	ReferenceID   string
	Description   string
	OccurredAt    time.Time
	Metadata      map[string]any

	// Chain head of the account as read by the caller.
	PreviousBalance int64
	PreviousHash    string
}

func (p AppendParams) validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, p.Kind)
	}
	if p.AccountID == 0 {
		return fmt.Errorf("%w: account id is required", ErrInvalidEntry)
	}
	if p.Source == "" || p.ReferenceID == "" {
		return fmt.Errorf("%w: source and reference id are required", ErrInvalidEntry)
	}
	if p.LifetimeDelta < 0 || p.LifetimeDelta > max(p.PointsDelta, 0) {
		return fmt.Errorf("%w: lifetime delta %d out of range", ErrInvalidEntry, p.LifetimeDelta)
	}

	switch p.Kind {
	case KindAccrual:
		if p.PointsDelta < 0 {
			return fmt.Errorf("%w: accrual must not be negative", ErrInvalidEntry)
		}
	case KindRedemption, KindExpiration:
		if p.PointsDelta >= 0 {
			return fmt.Errorf("%w: %s must be negative", ErrInvalidEntry, p.Kind)
		}
	case KindAdminAdjustment:
		if p.PointsDelta == 0 {
			return fmt.Errorf("%w: adjustment must not be zero", ErrInvalidEntry)
		}
	}

	if p.PointsDelta > 0 && p.PreviousBalance > math.MaxInt64-p.PointsDelta {
		return ErrBalanceOverflow
	}
	if p.PreviousBalance+p.PointsDelta < 0 {
		return ErrNegativeBalance
	}
	return nil
}

// Find returns the entry recorded for (account, source, reference, kind), or nil.
func (l *Ledger) Find(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, kind EntryKind, source, referenceID string) (*LedgerEntry, error) {
	return l.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{
		AccountID:   accountID,
		Kind:        kind,
		Source:      source,
		ReferenceID: referenceID,
	})
}

// Append records a new entry chained to p.PreviousHash. A second append for
// the same idempotency key fails with ErrDuplicateEntry.
func (l *Ledger) Append(ctx context.Context, tx *gorm.DB, p AppendParams) (*LedgerEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.clock.Now()
	}

	previousHash := p.PreviousHash
	if previousHash == "" {
		previousHash = GenesisHash
	}

	var metadata datatypes.JSON
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidEntry, err)
		}
		metadata = datatypes.JSON(b)
	}

	entry := &LedgerEntry{
		ID:               l.node.Generate(),
		AccountID:        p.AccountID,
		Kind:             p.Kind,
		PointsDelta:      p.PointsDelta,
		LifetimeDelta:    p.LifetimeDelta,
		Source:           p.Source,
		ReferenceID:      p.ReferenceID,
		Description:      p.Description,
		OccurredAt:       occurredAt.UTC().Truncate(time.Microsecond),
		ResultingBalance: p.PreviousBalance + p.PointsDelta,
		PreviousHash:     previousHash,
		Metadata:         metadata,
	}
	entry.Hash = entry.GenerateHash()

	if err := l.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEntry
		}
		return nil, err
	}

	return entry, nil
}

// History lists the entries of an account newest first.
func (l *Ledger) History(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	page = page.Normalize()

	entries, err := l.entries.Find(ctx, &LedgerEntry{AccountID: accountID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}

	return pagination.BuildCursorPage(entries, page.Limit, func(e *LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
}

// Entries returns every entry of an account in insertion order.
func (l *Ledger) Entries(ctx context.Context, accountID snowflake.ID) ([]*LedgerEntry, error) {
	return l.entries.Find(ctx, &LedgerEntry{AccountID: accountID}, option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}))
}
