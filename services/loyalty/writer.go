package loyalty

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/errutil"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/repository"
	"dms-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errVersionConflict = errors.New("account version changed")

// mutateFunc changes acc inside tx. Returning an error rolls the attempt back.
// Leaving the balance fields untouched skips the account update.
type mutateFunc func(tx *gorm.DB, acc *LoyaltyAccount) error

// accountWriter is the only path that changes a LoyaltyAccount. Every write
// is conditioned on the version read in the same transaction.
type accountWriter struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      clock.Clock
	tiers      *TierEngine
	accounts   repository.Repository[LoyaltyAccount]
	maxRetries int
	backoff    time.Duration
}

func newAccountWriter(db *gorm.DB, node *snowflake.Node, clk clock.Clock, tiers *TierEngine, maxRetries int) *accountWriter {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &accountWriter{
		db:         db,
		node:       node,
		clock:      clk,
		tiers:      tiers,
		accounts:   repository.ProvideStore[LoyaltyAccount](db),
		maxRetries: maxRetries,
		backoff:    5 * time.Millisecond,
	}
}

// find returns the account of customerID or nil.
func (w *accountWriter) find(ctx context.Context, tx *gorm.DB, customerID string) (*LoyaltyAccount, error) {
	return w.accounts.WithTrx(tx).FindOne(ctx, &LoyaltyAccount{CustomerID: customerID})
}

// ensureAccount returns the account of customerID, creating it at the lowest
// tier when missing.
func (w *accountWriter) ensureAccount(ctx context.Context, customerID string) (*LoyaltyAccount, error) {
	acc, err := w.find(ctx, nil, customerID)
	if err != nil || acc != nil {
		return acc, err
	}

	now := w.clock.Now()
	acc = &LoyaltyAccount{
		ID:             w.node.Generate(),
		CustomerID:     customerID,
		Tier:           w.tiers.Table().Lowest().Name,
		LastEntryHash:  ledger.GenesisHash,
		MemberSince:    now,
		TierAchievedAt: now,
	}
	err = w.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "customer_id"}}, DoNothing: true}).
		Create(acc).Error
	if err != nil {
		return nil, err
	}

	// another request may have won the insert
	acc, err = w.find(ctx, nil, customerID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}

	logger.FromContext(ctx).Info("loyalty account created",
		zap.String("customer_id", customerID),
		zap.String("account_id", acc.ID.String()),
		zap.String("tier", acc.Tier),
	)
	return acc, nil
}

// write runs fn against a fresh copy of the account and stores the result.
// Version conflicts, idempotency races and lock timeouts are retried up to
// maxRetries.
func (w *accountWriter) write(ctx context.Context, customerID string, fn mutateFunc) (*LoyaltyAccount, error) {
	log := logger.FromContext(ctx)

	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		var written *LoyaltyAccount
		err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acc, err := w.find(ctx, tx, customerID)
			if err != nil {
				return err
			}
			if acc == nil {
				return ErrAccountNotFound
			}

			before := *acc
			if err := fn(tx, acc); err != nil {
				return err
			}

			if !changed(before, *acc) {
				written = acc
				return nil
			}

			now := w.clock.Now()
			res := tx.Model(&LoyaltyAccount{}).
				Where("id = ? AND version = ?", before.ID, before.Version).
				Updates(map[string]any{
					"tier":             acc.Tier,
					"current_points":   acc.CurrentPoints,
					"lifetime_points":  acc.LifetimePoints,
					"last_entry_hash":  acc.LastEntryHash,
					"tier_achieved_at": acc.TierAchievedAt,
					"last_activity_at": now,
					"version":          before.Version + 1,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}

			acc.Version = before.Version + 1
			acc.LastActivityAt = &now
			acc.UpdatedAt = now
			written = acc
			return nil
		})
		if err == nil {
			return written, nil
		}
		if !retryable(err) {
			return nil, err
		}

		writeConflicts.Inc()
		log.Debug("retrying account write",
			zap.String("customer_id", customerID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if err := w.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}

	log.Warn("account write gave up after retries",
		zap.String("customer_id", customerID),
		zap.Int("retries", w.maxRetries),
	)
	return nil, errutil.Conflict("account is busy, retry the request", ErrConcurrencyConflict)
}

func (w *accountWriter) sleep(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*w.backoff + rand.N(w.backoff+1)
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryable(err error) bool {
	return errors.Is(err, errVersionConflict) ||
		errors.Is(err, ledger.ErrDuplicateEntry) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		db.IsTransient(err)
}

func changed(before, after LoyaltyAccount) bool {
	return before.Tier != after.Tier ||
		before.CurrentPoints != after.CurrentPoints ||
		before.LifetimePoints != after.LifetimePoints ||
		before.LastEntryHash != after.LastEntryHash
}
