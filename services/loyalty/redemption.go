package loyalty

import (
	"context"
	"errors"
	"strings"
	"time"

	"dms-loyalty/pkg/celengine"
	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/db/option"
	"dms-loyalty/pkg/db/pagination"
	"dms-loyalty/pkg/errutil"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/repository"
	"dms-loyalty/pkg/sequence"
	"dms-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	redemptionSource = "redemption"
	// dedupePrefix keeps client keys apart from generated codes in reference_id.
	dedupePrefix = "dedupe:"
)

type FailureKind string

var (
	FailureInsufficientPoints FailureKind = "insufficient_points"
	FailureRewardNotEligible  FailureKind = "reward_not_eligible"
	FailureRewardNotFound     FailureKind = "reward_not_found"
	FailureCatalogTimeout     FailureKind = "catalog_timeout"
	FailureCatalogUnavailable FailureKind = "catalog_unavailable"
)

// Err maps the failure onto its sentinel error.
func (k FailureKind) Err() error {
	switch k {
	case FailureInsufficientPoints:
		return ErrInsufficientPoints
	case FailureRewardNotEligible:
		return ErrRewardNotEligible
	case FailureRewardNotFound:
		return ErrRewardNotFound
	case FailureCatalogTimeout:
		return ErrCatalogTimeout
	case FailureCatalogUnavailable:
		return ErrCatalogUnavailable
	default:
		return nil
	}
}

func (k FailureKind) Reason() string {
	switch k {
	case FailureInsufficientPoints:
		return "Insufficient points"
	case FailureRewardNotEligible:
		return "Reward is not available for this account"
	case FailureRewardNotFound:
		return "Reward not found"
	case FailureCatalogTimeout:
		return "Reward catalog did not respond in time"
	case FailureCatalogUnavailable:
		return "Reward catalog is unavailable"
	default:
		return ""
	}
}

func failureOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrRewardNotFound):
		return FailureRewardNotFound
	case errors.Is(err, ErrCatalogTimeout):
		return FailureCatalogTimeout
	default:
		return FailureCatalogUnavailable
	}
}

type RedeemRequest struct {
	CustomerID string `json:"customer_id"`
	RewardID   string `json:"reward_id"`
	// DedupeKey makes the request idempotent per account when set.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// RedemptionResult is the outcome of one redemption attempt. Business
// failures are reported here, not as errors.
type RedemptionResult struct {
	Success    bool        `json:"success"`
	Code       string      `json:"code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Failure    FailureKind `json:"failure,omitempty"`
	Redemption *Redemption `json:"redemption,omitempty"`
	Balance    int64       `json:"balance"`
	Replayed   bool        `json:"replayed,omitempty"`
}

func failed(kind FailureKind, balance int64) RedemptionResult {
	return RedemptionResult{Failure: kind, Reason: kind.Reason(), Balance: balance}
}

func succeeded(r *Redemption, balance int64, replayed bool) RedemptionResult {
	return RedemptionResult{Success: true, Code: r.Code, Redemption: r, Balance: balance, Replayed: replayed}
}

// eligibilityAttrs declares the variables visible to reward eligibility expressions.
var eligibilityAttrs = map[string]any{
	"tier":            "",
	"current_points":  int64(0),
	"lifetime_points": int64(0),
	"member_days":     int64(0),
	"reward_id":       "",
	"points_cost":     int64(0),
}

// RedemptionCoordinator debits rewards against an account balance. The
// debit, the ledger entry and the redemption row commit together or not at all.
type RedemptionCoordinator struct {
	writer      *accountWriter
	ledger      *ledger.Ledger
	catalog     RewardCatalog
	tiers       *TierEngine
	codes       sequence.Generator
	fallback    sequence.Generator
	eligibility *celengine.Engine
	redemptions repository.Repository[Redemption]
	node        *snowflake.Node
	clock       clock.Clock
	notifier    Notifier

	catalogTimeout time.Duration
	validity       time.Duration
}

type coordinatorDeps struct {
	writer         *accountWriter
	ledger         *ledger.Ledger
	catalog        RewardCatalog
	tiers          *TierEngine
	codes          sequence.Generator
	codePrefix     string
	db             *gorm.DB
	node           *snowflake.Node
	clock          clock.Clock
	notifier       Notifier
	catalogTimeout time.Duration
	validity       time.Duration
}

func newRedemptionCoordinator(d coordinatorDeps) (*RedemptionCoordinator, error) {
	engine, err := celengine.NewEngine(eligibilityAttrs)
	if err != nil {
		return nil, err
	}

	validity := d.validity
	if validity <= 0 {
		validity = 30 * 24 * time.Hour
	}

	return &RedemptionCoordinator{
		writer:         d.writer,
		ledger:         d.ledger,
		catalog:        d.catalog,
		tiers:          d.tiers,
		codes:          d.codes,
		fallback:       sequence.NewRandomGenerator(d.codePrefix),
		eligibility:    engine,
		redemptions:    repository.ProvideStore[Redemption](d.db),
		node:           d.node,
		clock:          d.clock,
		notifier:       d.notifier,
		catalogTimeout: d.catalogTimeout,
		validity:       validity,
	}, nil
}

func (c *RedemptionCoordinator) Redeem(ctx context.Context, req RedeemRequest) (RedemptionResult, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.RewardID = strings.TrimSpace(req.RewardID)
	req.DedupeKey = strings.TrimSpace(req.DedupeKey)
	if err := req.validate(); err != nil {
		return RedemptionResult{}, err
	}

	log := logger.FromContext(ctx).With(
		zap.String("customer_id", req.CustomerID),
		zap.String("reward_id", req.RewardID),
	)

	acc, err := c.writer.ensureAccount(ctx, req.CustomerID)
	if err != nil {
		return RedemptionResult{}, err
	}

	if req.DedupeKey != "" {
		existing, err := c.findByDedupeKey(ctx, nil, acc.ID, req.DedupeKey)
		if err != nil {
			return RedemptionResult{}, err
		}
		if existing != nil {
			if err := sameReward(existing, req); err != nil {
				return RedemptionResult{}, err
			}
			redemptionsTotal.WithLabelValues("replayed").Inc()
			return succeeded(existing, acc.CurrentPoints, true), nil
		}
	}

	reward, err := lookupReward(ctx, c.catalog, req.RewardID, c.catalogTimeout)
	if err != nil {
		kind := failureOf(err)
		log.Warn("reward lookup failed", zap.String("failure", string(kind)), zap.Error(err))
		redemptionsTotal.WithLabelValues(string(kind)).Inc()
		return failed(kind, acc.CurrentPoints), nil
	}
	if !reward.Active || reward.PointsCost <= 0 {
		redemptionsTotal.WithLabelValues(string(FailureRewardNotEligible)).Inc()
		return failed(FailureRewardNotEligible, acc.CurrentPoints), nil
	}

	code, err := c.nextCode(ctx)
	if err != nil {
		return RedemptionResult{}, err
	}

	var result RedemptionResult
	_, err = c.writer.write(ctx, req.CustomerID, func(tx *gorm.DB, acc *LoyaltyAccount) error {
		result = RedemptionResult{}

		if req.DedupeKey != "" {
			existing, err := c.findByDedupeKey(ctx, tx, acc.ID, req.DedupeKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if err := sameReward(existing, req); err != nil {
					return err
				}
				result = succeeded(existing, acc.CurrentPoints, true)
				return nil
			}
		}

		if kind, ok := c.check(ctx, acc, reward); !ok {
			result = failed(kind, acc.CurrentPoints)
			return nil
		}

		reference := code
		if req.DedupeKey != "" {
			reference = dedupePrefix + req.DedupeKey
		}

		entry, err := c.ledger.Append(ctx, tx, ledger.AppendParams{
			AccountID:   acc.ID,
			Kind:        ledger.KindRedemption,
			PointsDelta: -reward.PointsCost,
			Source:      redemptionSource,
			ReferenceID: reference,
			Description: "Redeemed " + reward.Name,
			Metadata: map[string]any{
				"reward_id": reward.ID,
				"code":      code,
			},
			PreviousBalance: acc.CurrentPoints,
			PreviousHash:    acc.LastEntryHash,
		})
		if err != nil {
			return err
		}

		redemption := &Redemption{
			ID:            c.node.Generate(),
			AccountID:     acc.ID,
			CustomerID:    acc.CustomerID,
			RewardID:      reward.ID,
			RewardName:    reward.Name,
			Code:          code,
			Status:        RedemptionConfirmed,
			PointsCost:    reward.PointsCost,
			LedgerEntryID: entry.ID,
			ExpiresAt:     entry.OccurredAt.Add(c.validityOf(reward)),
		}
		if req.DedupeKey != "" {
			redemption.DedupeKey = &req.DedupeKey
		}
		if err := c.redemptions.WithTrx(tx).Create(ctx, redemption); err != nil {
			return err
		}

		acc.CurrentPoints = entry.ResultingBalance
		acc.LastEntryHash = entry.Hash
		result = succeeded(redemption, acc.CurrentPoints, false)
		return nil
	})
	if err != nil {
		redemptionsTotal.WithLabelValues("error").Inc()
		return RedemptionResult{}, err
	}

	switch {
	case !result.Success:
		log.Info("redemption rejected", zap.String("failure", string(result.Failure)), zap.Int64("balance", result.Balance))
		redemptionsTotal.WithLabelValues(string(result.Failure)).Inc()
	case result.Replayed:
		redemptionsTotal.WithLabelValues("replayed").Inc()
	default:
		r := result.Redemption
		log.Info("points redeemed",
			zap.String("code", r.Code),
			zap.Int64("points_cost", r.PointsCost),
			zap.Int64("balance", result.Balance),
		)
		redemptionsTotal.WithLabelValues("success").Inc()
		pointsRedeemed.Add(float64(r.PointsCost))

		expiresAt := r.ExpiresAt
		publish(ctx, c.notifier, Event{
			Type:           EventPointsRedeemed,
			CustomerID:     r.CustomerID,
			AccountID:      r.AccountID.String(),
			OccurredAt:     r.CreatedAt,
			TraceID:        traceID(ctx),
			RedemptionCode: r.Code,
			RewardID:       r.RewardID,
			PointsCost:     r.PointsCost,
			ExpiresAt:      &expiresAt,
		})
	}

	return result, nil
}

func (r RedeemRequest) validate() error {
	var details []errutil.Detail
	if r.CustomerID == "" {
		details = append(details, errutil.Detail{Field: "customer_id", Message: "is required"})
	}
	if r.RewardID == "" {
		details = append(details, errutil.Detail{Field: "reward_id", Message: "is required"})
	}
	if len(r.DedupeKey) > 128 {
		details = append(details, errutil.Detail{Field: "dedupe_key", Message: "must be at most 128 characters"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid redemption", nil, errutil.WithDetails(details...))
	}
	return nil
}

// check applies the tier restriction, the eligibility expression and the
// balance rule, in that order.
func (c *RedemptionCoordinator) check(ctx context.Context, acc *LoyaltyAccount, reward *Reward) (FailureKind, bool) {
	if !c.tiers.Eligible(acc.Tier, reward.MinTier) {
		return FailureRewardNotEligible, false
	}

	if expr := strings.TrimSpace(reward.EligibilityExpr); expr != "" {
		ok, err := c.eligibility.Evaluate(expr, map[string]any{
			"tier":            acc.Tier,
			"current_points":  acc.CurrentPoints,
			"lifetime_points": acc.LifetimePoints,
			"member_days":     int64(c.clock.Now().Sub(acc.MemberSince) / (24 * time.Hour)),
			"reward_id":       reward.ID,
			"points_cost":     reward.PointsCost,
		})
		if err != nil {
			logger.FromContext(ctx).Warn("reward eligibility expression failed",
				zap.String("reward_id", reward.ID),
				zap.Error(err),
			)
			return FailureRewardNotEligible, false
		}
		if !ok {
			return FailureRewardNotEligible, false
		}
	}

	if acc.CurrentPoints < reward.PointsCost {
		return FailureInsufficientPoints, false
	}
	return "", true
}

func (c *RedemptionCoordinator) validityOf(reward *Reward) time.Duration {
	if reward.ValidityDays > 0 {
		return time.Duration(reward.ValidityDays) * 24 * time.Hour
	}
	return c.validity
}

func (c *RedemptionCoordinator) nextCode(ctx context.Context) (string, error) {
	if c.codes != nil {
		code, err := c.codes.NextRedemptionCode(ctx)
		if err == nil {
			return code, nil
		}
		logger.FromContext(ctx).Warn("redemption code sequence unavailable, using random code", zap.Error(err))
	}
	return c.fallback.NextRedemptionCode(ctx)
}

// sameReward rejects a dedupe key reused for a different reward.
func sameReward(existing *Redemption, req RedeemRequest) error {
	if existing.RewardID == req.RewardID {
		return nil
	}
	return errutil.ValidationFailed("dedupe key already used for another reward", nil,
		errutil.WithDetails(errutil.Detail{Field: "dedupe_key", Message: "already used for reward " + existing.RewardID}))
}

func (c *RedemptionCoordinator) findByDedupeKey(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, key string) (*Redemption, error) {
	return c.redemptions.WithTrx(tx).FindOne(ctx, &Redemption{AccountID: accountID, DedupeKey: &key})
}

// Fulfill marks a confirmed, unexpired redemption as used.
func (c *RedemptionCoordinator) Fulfill(ctx context.Context, code string) (*Redemption, error) {
	r, err := c.redemptions.FindOne(ctx, &Redemption{Code: strings.TrimSpace(code)})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errutil.NotFound("redemption not found", ErrRedemptionNotFound)
	}

	now := c.clock.Now()
	if r.Status != RedemptionConfirmed || !now.Before(r.ExpiresAt) {
		return nil, errutil.UnprocessableEntity("redemption can no longer be fulfilled", ErrRedemptionState,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(r.Status)}))
	}

	result := c.db().WithContext(ctx).Model(&Redemption{}).
		Where("id = ? AND status = ?", r.ID, RedemptionConfirmed).
		Updates(map[string]any{"status": RedemptionFulfilled, "fulfilled_at": now, "updated_at": now})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errutil.UnprocessableEntity("redemption can no longer be fulfilled", ErrRedemptionState)
	}

	r.Status = RedemptionFulfilled
	r.FulfilledAt = &now
	r.UpdatedAt = now

	logger.FromContext(ctx).Info("redemption fulfilled", zap.String("code", r.Code), zap.String("customer_id", r.CustomerID))
	return r, nil
}

func (c *RedemptionCoordinator) db() *gorm.DB {
	return c.writer.db
}

// ExpireStale moves confirmed redemptions past their expiry to expired.
// Spent points are not returned.
func (c *RedemptionCoordinator) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	result := c.db().WithContext(ctx).Model(&Redemption{}).
		Where("status = ? AND expires_at <= ?", RedemptionConfirmed, before.UTC()).
		Updates(map[string]any{"status": RedemptionExpired, "updated_at": c.clock.Now()})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// List returns the redemptions of an account newest first.
func (c *RedemptionCoordinator) List(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) ([]*Redemption, *pagination.PageInfo, error) {
	page = page.Normalize()
	items, err := c.redemptions.Find(ctx, &Redemption{AccountID: accountID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildCursorPage(items, page.Limit, func(r *Redemption) pagination.Cursor {
		return pagination.Cursor{ID: r.ID.String()}
	})
}
