package loyalty

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db/option"
	"dms-loyalty/pkg/db/pagination"
	"dms-loyalty/pkg/errutil"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/repository"
	"dms-loyalty/pkg/sequence"
	"dms-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	adjustmentSource = "admin"
	expirySource     = "expiry"
)

type Service struct {
	node    *snowflake.Node
	clock   clock.Clock
	cfg     config.Loyalty
	ledger  *ledger.Ledger
	tiers   *TierEngine
	earning *EarningCalculator
	catalog RewardCatalog

	writer      *accountWriter
	redemptions *RedemptionCoordinator
	accounts    repository.Repository[LoyaltyAccount]
	tierChanges repository.Repository[TierChange]
	notifier    Notifier
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Clock   clock.Clock
	Config  *config.Config
	Ledger  *ledger.Ledger
	Tiers   *TierEngine
	Earning *EarningCalculator
	Catalog RewardCatalog

	Codes    sequence.Generator `optional:"true"`
	Notifier Notifier           `optional:"true"`
}

func NewService(p Params) (*Service, error) {
	cfg := p.Config.Loyalty

	notifier := p.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	writer := newAccountWriter(p.DB, p.Node, p.Clock, p.Tiers, cfg.MaxWriteRetries)
	coordinator, err := newRedemptionCoordinator(coordinatorDeps{
		writer:         writer,
		ledger:         p.Ledger,
		catalog:        p.Catalog,
		tiers:          p.Tiers,
		codes:          p.Codes,
		codePrefix:     cfg.RedemptionCodePrefix,
		db:             p.DB,
		node:           p.Node,
		clock:          p.Clock,
		notifier:       notifier,
		catalogTimeout: cfg.CatalogTimeout,
		validity:       cfg.RedemptionValidity,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		node:        p.Node,
		clock:       p.Clock,
		cfg:         cfg,
		ledger:      p.Ledger,
		tiers:       p.Tiers,
		earning:     p.Earning,
		catalog:     p.Catalog,
		writer:      writer,
		redemptions: coordinator,
		accounts:    repository.ProvideStore[LoyaltyAccount](p.DB),
		tierChanges: repository.ProvideStore[TierChange](p.DB),
		notifier:    notifier,
	}, nil
}

type AccrueRequest struct {
	CustomerID  string          `json:"customer_id"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	ReferenceID string          `json:"reference_id"`
	Description string          `json:"description,omitempty"`
}

func (r *AccrueRequest) normalize() error {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.Source = strings.TrimSpace(r.Source)
	r.ReferenceID = strings.TrimSpace(r.ReferenceID)
	if r.Source == "" {
		r.Source = ParseCategory(r.Category).String()
	}

	var details []errutil.Detail
	if r.CustomerID == "" {
		details = append(details, errutil.Detail{Field: "customer_id", Message: "is required"})
	}
	if r.ReferenceID == "" {
		details = append(details, errutil.Detail{Field: "reference_id", Message: "is required"})
	}
	if r.Amount.IsNegative() {
		details = append(details, errutil.Detail{Field: "amount", Message: "must not be negative"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid accrual", nil, errutil.WithDetails(details...))
	}
	return nil
}

// AccrualResult reports the state of the account after an accrual or adjustment.
type AccrualResult struct {
	Entry          *ledger.LedgerEntry `json:"entry"`
	PointsEarned   int64               `json:"points_earned"`
	Balance        int64               `json:"balance"`
	LifetimePoints int64               `json:"lifetime_points"`
	Tier           string              `json:"tier"`
	PreviousTier   string              `json:"previous_tier,omitempty"`
	TierUpgraded   bool                `json:"tier_upgraded"`
	Replayed       bool                `json:"replayed"`
}

// AccrueTransaction awards points for a purchase. Replaying the same source
// and reference returns the original entry without changing the balance.
func (s *Service) AccrueTransaction(ctx context.Context, req AccrueRequest) (AccrualResult, error) {
	if err := req.normalize(); err != nil {
		accrualsTotal.WithLabelValues("invalid").Inc()
		return AccrualResult{}, err
	}

	category := ParseCategory(req.Category)
	description := req.Description
	if description == "" {
		description = "Purchase " + req.ReferenceID
	}

	result, err := s.credit(ctx, creditRequest{
		customerID:  req.CustomerID,
		kind:        ledger.KindAccrual,
		source:      req.Source,
		referenceID: req.ReferenceID,
		description: description,
		metadata: map[string]any{
			"category": category.String(),
			"amount":   req.Amount.String(),
		},
		points: func(tier TierDefinition) (int64, error) {
			return s.earning.Calculate(category, req.Amount, tier)
		},
		field:  "amount",
		reason: "lifetime points reached tier threshold",
	})
	if err != nil {
		accrualsTotal.WithLabelValues("error").Inc()
		return AccrualResult{}, err
	}

	if result.Replayed {
		accrualsTotal.WithLabelValues("replayed").Inc()
	} else {
		accrualsTotal.WithLabelValues("success").Inc()
		pointsAccrued.Add(float64(result.PointsEarned))
	}

	logger.FromContext(ctx).Info("points accrued",
		zap.String("customer_id", req.CustomerID),
		zap.String("category", category.String()),
		zap.String("reference_id", req.ReferenceID),
		zap.Int64("points", result.PointsEarned),
		zap.Int64("balance", result.Balance),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

type AdjustRequest struct {
	CustomerID  string `json:"customer_id"`
	Points      int64  `json:"points"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
	Actor       string `json:"actor"`
}

func (r *AdjustRequest) normalize() error {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.Reason = strings.TrimSpace(r.Reason)
	r.ReferenceID = strings.TrimSpace(r.ReferenceID)
	r.Actor = strings.TrimSpace(r.Actor)

	var details []errutil.Detail
	if r.CustomerID == "" {
		details = append(details, errutil.Detail{Field: "customer_id", Message: "is required"})
	}
	if r.Points == 0 {
		details = append(details, errutil.Detail{Field: "points", Message: "must not be zero"})
	}
	if r.Reason == "" {
		details = append(details, errutil.Detail{Field: "reason", Message: "is required"})
	}
	if r.ReferenceID == "" {
		details = append(details, errutil.Detail{Field: "reference_id", Message: "is required"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid adjustment", nil, errutil.WithDetails(details...))
	}
	return nil
}

// AdjustPoints records an administrative correction. Positive adjustments
// count toward lifetime points and tier; negative ones never overdraw.
func (s *Service) AdjustPoints(ctx context.Context, req AdjustRequest) (AccrualResult, error) {
	if err := req.normalize(); err != nil {
		return AccrualResult{}, err
	}

	result, err := s.credit(ctx, creditRequest{
		customerID:  req.CustomerID,
		kind:        ledger.KindAdminAdjustment,
		source:      adjustmentSource,
		referenceID: req.ReferenceID,
		description: req.Reason,
		metadata:    map[string]any{"actor": req.Actor},
		points: func(TierDefinition) (int64, error) {
			return req.Points, nil
		},
		field:  "points",
		reason: "adjustment by " + req.Actor,
		actor:  req.Actor,
	})
	if err != nil {
		return AccrualResult{}, err
	}

	logger.FromContext(ctx).Info("points adjusted",
		zap.String("customer_id", req.CustomerID),
		zap.String("actor", req.Actor),
		zap.Int64("points", req.Points),
		zap.Int64("balance", result.Balance),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

type creditRequest struct {
	customerID  string
	kind        ledger.EntryKind
	source      string
	referenceID string
	description string
	metadata    map[string]any
	points      func(tier TierDefinition) (int64, error)
	field       string
	reason      string
	actor       string
}

// credit appends one entry and re-evaluates the tier in the same write.
// Multipliers use the tier held before the entry.
func (s *Service) credit(ctx context.Context, req creditRequest) (AccrualResult, error) {
	acc, err := s.writer.ensureAccount(ctx, req.customerID)
	if err != nil {
		return AccrualResult{}, err
	}

	if existing, err := s.ledger.Find(ctx, nil, acc.ID, req.kind, req.source, req.referenceID); err != nil {
		return AccrualResult{}, err
	} else if existing != nil {
		return replayedResult(existing, acc), nil
	}

	var (
		result AccrualResult
		change *TierChange
	)
	_, err = s.writer.write(ctx, req.customerID, func(tx *gorm.DB, acc *LoyaltyAccount) error {
		result, change = AccrualResult{}, nil

		existing, err := s.ledger.Find(ctx, tx, acc.ID, req.kind, req.source, req.referenceID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = replayedResult(existing, acc)
			return nil
		}

		points, err := req.points(s.tiers.Effective(acc))
		if err != nil {
			return err
		}
		if points > 0 && max(acc.CurrentPoints, acc.LifetimePoints) > math.MaxInt64-points {
			return errutil.ValidationFailed("points out of range", ledger.ErrBalanceOverflow,
				errutil.WithDetails(errutil.Detail{Field: req.field, Message: "would overflow the account balance"}))
		}
		if acc.CurrentPoints+points < 0 {
			return errutil.UnprocessableEntity("adjustment would make the balance negative", ledger.ErrNegativeBalance,
				errutil.WithDetails(errutil.Detail{Field: "points", Message: "exceeds current balance"}))
		}

		entry, err := s.ledger.Append(ctx, tx, ledger.AppendParams{
			AccountID:       acc.ID,
			Kind:            req.kind,
			PointsDelta:     points,
			LifetimeDelta:   max(points, 0),
			Source:          req.source,
			ReferenceID:     req.referenceID,
			Description:     req.description,
			Metadata:        req.metadata,
			PreviousBalance: acc.CurrentPoints,
			PreviousHash:    acc.LastEntryHash,
		})
		if err != nil {
			return err
		}

		previousTier := acc.Tier
		acc.CurrentPoints = entry.ResultingBalance
		acc.LifetimePoints += entry.LifetimeDelta
		acc.LastEntryHash = entry.Hash

		if next, upgraded := s.tiers.Evaluate(acc.Tier, acc.LifetimePoints); upgraded {
			acc.Tier = next.Name
			acc.TierAchievedAt = entry.OccurredAt
			change = &TierChange{
				ID:        s.node.Generate(),
				AccountID: acc.ID,
				FromTier:  previousTier,
				ToTier:    next.Name,
				Reason:    req.reason,
				Actor:     req.actor,
				Automatic: true,
			}
			if err := s.tierChanges.WithTrx(tx).Create(ctx, change); err != nil {
				return err
			}
		}

		result = AccrualResult{
			Entry:          entry,
			PointsEarned:   points,
			Balance:        acc.CurrentPoints,
			LifetimePoints: acc.LifetimePoints,
			Tier:           acc.Tier,
			PreviousTier:   previousTier,
			TierUpgraded:   change != nil,
		}
		return nil
	})
	if err != nil {
		return AccrualResult{}, err
	}

	if change != nil {
		s.tierChanged(ctx, req.customerID, change)
	}
	return result, nil
}

func replayedResult(entry *ledger.LedgerEntry, acc *LoyaltyAccount) AccrualResult {
	return AccrualResult{
		Entry:          entry,
		PointsEarned:   entry.PointsDelta,
		Balance:        acc.CurrentPoints,
		LifetimePoints: acc.LifetimePoints,
		Tier:           acc.Tier,
		Replayed:       true,
	}
}

func (s *Service) tierChanged(ctx context.Context, customerID string, change *TierChange) {
	tierUpgrades.WithLabelValues(change.ToTier, boolLabel(change.Automatic)).Inc()

	logger.FromContext(ctx).Info("tier changed",
		zap.String("customer_id", customerID),
		zap.String("from_tier", change.FromTier),
		zap.String("to_tier", change.ToTier),
		zap.Bool("automatic", change.Automatic),
	)

	if s.tiers.Table().Rank(change.ToTier) <= s.tiers.Table().Rank(change.FromTier) {
		return
	}
	publish(ctx, s.notifier, Event{
		Type:       EventTierUpgraded,
		CustomerID: customerID,
		AccountID:  change.AccountID.String(),
		OccurredAt: change.CreatedAt,
		TraceID:    traceID(ctx),
		FromTier:   change.FromTier,
		ToTier:     change.ToTier,
	})
}

// RedeemPoints spends points on a reward. Insufficient balance and
// eligibility failures come back in the result with a nil error.
func (s *Service) RedeemPoints(ctx context.Context, req RedeemRequest) (RedemptionResult, error) {
	return s.redemptions.Redeem(ctx, req)
}

type Status struct {
	CustomerID        string          `json:"customer_id"`
	AccountID         string          `json:"account_id"`
	Tier              string          `json:"tier"`
	CurrentPoints     int64           `json:"current_points"`
	LifetimePoints    int64           `json:"lifetime_points"`
	MemberSince       time.Time       `json:"member_since"`
	TierAchievedAt    time.Time       `json:"tier_achieved_at"`
	EarningMultiplier decimal.Decimal `json:"earning_multiplier"`
	NextTier          string          `json:"next_tier,omitempty"`
	PointsToNextTier  int64           `json:"points_to_next_tier,omitempty"`
	ExpiringPoints    int64           `json:"expiring_points"`
	ExpiringBy        *time.Time      `json:"expiring_by,omitempty"`
}

// GetLoyaltyStatus returns the cached projection of the account, creating
// the account on first touch.
func (s *Service) GetLoyaltyStatus(ctx context.Context, customerID string) (Status, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Status{}, errutil.ValidationFailed("invalid customer", nil, errutil.WithDetails(errutil.Detail{Field: "customer_id", Message: "is required"}))
	}

	acc, err := s.writer.ensureAccount(ctx, customerID)
	if err != nil {
		return Status{}, err
	}
	return s.status(ctx, acc)
}

func (s *Service) status(ctx context.Context, acc *LoyaltyAccount) (Status, error) {
	tier := s.tiers.Effective(acc)
	st := Status{
		CustomerID:        acc.CustomerID,
		AccountID:         acc.ID.String(),
		Tier:              acc.Tier,
		CurrentPoints:     acc.CurrentPoints,
		LifetimePoints:    acc.LifetimePoints,
		MemberSince:       acc.MemberSince,
		TierAchievedAt:    acc.TierAchievedAt,
		EarningMultiplier: tier.EarningMultiplier,
	}

	if next, ok := s.tiers.Table().Next(tier.Name); ok {
		st.NextTier = next.Name
		st.PointsToNextTier = max(next.MinLifetimePoints-acc.LifetimePoints, 0)
	}

	if s.cfg.PointExpiry > 0 && acc.CurrentPoints > 0 {
		by := s.clock.Now().Add(s.cfg.ExpiringSoonWindow)
		expiring, err := s.ledger.ExpirablePoints(ctx, nil, acc.ID, by.Add(-s.cfg.PointExpiry))
		if err != nil {
			return Status{}, err
		}
		st.ExpiringPoints = min(expiring, acc.CurrentPoints)
		if st.ExpiringPoints > 0 {
			st.ExpiringBy = &by
		}
	}
	return st, nil
}

type UpdateTierRequest struct {
	CustomerID string `json:"customer_id"`
	Tier       string `json:"tier"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

// UpdateTier overrides the tier of an account. Lifetime points stay as they
// are and the change is audited.
func (s *Service) UpdateTier(ctx context.Context, req UpdateTierRequest) (Status, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.Actor = strings.TrimSpace(req.Actor)

	var details []errutil.Detail
	if req.CustomerID == "" {
		details = append(details, errutil.Detail{Field: "customer_id", Message: "is required"})
	}
	if req.Reason == "" {
		details = append(details, errutil.Detail{Field: "reason", Message: "is required"})
	}
	var cause error
	def, ok := s.tiers.Table().Lookup(req.Tier)
	if !ok {
		cause = ErrUnknownTier
		details = append(details, errutil.Detail{Field: "tier", Message: "unknown tier"})
	}
	if len(details) > 0 {
		return Status{}, errutil.ValidationFailed("invalid tier update", cause, errutil.WithDetails(details...))
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	if _, err := s.writer.ensureAccount(ctx, req.CustomerID); err != nil {
		return Status{}, err
	}

	var change *TierChange
	acc, err := s.writer.write(ctx, req.CustomerID, func(tx *gorm.DB, acc *LoyaltyAccount) error {
		change = nil
		if acc.Tier == def.Name {
			return nil
		}

		change = &TierChange{
			ID:        s.node.Generate(),
			AccountID: acc.ID,
			FromTier:  acc.Tier,
			ToTier:    def.Name,
			Reason:    req.Reason,
			Actor:     req.Actor,
		}
		if err := s.tierChanges.WithTrx(tx).Create(ctx, change); err != nil {
			return err
		}

		acc.Tier = def.Name
		acc.TierAchievedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	if change != nil {
		s.tierChanged(ctx, req.CustomerID, change)
	}
	return s.status(ctx, acc)
}

// TierHistory lists the tier changes of an account, newest first.
func (s *Service) TierHistory(ctx context.Context, customerID string) ([]*TierChange, error) {
	acc, err := s.account(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return s.tierChanges.Find(ctx, &TierChange{AccountID: acc.ID}, option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}))
}

type HistoryPage struct {
	Entries  []*ledger.LedgerEntry `json:"entries"`
	PageInfo *pagination.PageInfo  `json:"page_info"`
}

// GetPointsHistory pages through the ledger of an account newest first.
func (s *Service) GetPointsHistory(ctx context.Context, customerID string, page pagination.Pagination) (HistoryPage, error) {
	acc, err := s.account(ctx, customerID)
	if err != nil {
		return HistoryPage{}, err
	}

	if page.Limit <= 0 {
		page.Limit = s.cfg.HistoryPageSize
	}
	entries, info, err := s.ledger.History(ctx, acc.ID, page)
	if err != nil {
		return HistoryPage{}, errutil.BadRequest("invalid history request", err)
	}
	return HistoryPage{Entries: entries, PageInfo: info}, nil
}

type RedemptionPage struct {
	Redemptions []*Redemption        `json:"redemptions"`
	PageInfo    *pagination.PageInfo `json:"page_info"`
}

func (s *Service) ListRedemptions(ctx context.Context, customerID string, page pagination.Pagination) (RedemptionPage, error) {
	acc, err := s.account(ctx, customerID)
	if err != nil {
		return RedemptionPage{}, err
	}

	items, info, err := s.redemptions.List(ctx, acc.ID, page)
	if err != nil {
		return RedemptionPage{}, errutil.BadRequest("invalid redemption list request", err)
	}
	return RedemptionPage{Redemptions: items, PageInfo: info}, nil
}

func (s *Service) FulfillRedemption(ctx context.Context, code string) (*Redemption, error) {
	return s.redemptions.Fulfill(ctx, code)
}

// ListRewards returns the active rewards, cheapest first. A non-empty tier
// keeps only the rewards that tier may redeem.
func (s *Service) ListRewards(ctx context.Context, tier string) ([]*Reward, error) {
	var def TierDefinition
	if strings.TrimSpace(tier) != "" {
		var ok bool
		if def, ok = s.tiers.Table().Lookup(tier); !ok {
			return nil, errutil.ValidationFailed("invalid reward filter", ErrUnknownTier,
				errutil.WithDetails(errutil.Detail{Field: "tier", Message: "unknown tier"}))
		}
	}

	rewards, err := s.catalog.ListRewards(ctx, true)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		return rewards, nil
	}

	out := make([]*Reward, 0, len(rewards))
	for _, r := range rewards {
		if s.tiers.Eligible(def.Name, r.MinTier) {
			out = append(out, r)
		}
	}
	return out, nil
}

type EarningPreview struct {
	Category       string          `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	Tier           string          `json:"tier"`
	CategoryRate   decimal.Decimal `json:"category_rate"`
	TierMultiplier decimal.Decimal `json:"tier_multiplier"`
	Points         int64           `json:"points"`
}

// PreviewEarning computes what an accrual would earn without touching any
// account. An empty tier means the lowest tier.
func (s *Service) PreviewEarning(category string, amount decimal.Decimal, tier string) (EarningPreview, error) {
	def := s.tiers.Table().Lowest()
	if strings.TrimSpace(tier) != "" {
		var ok bool
		if def, ok = s.tiers.Table().Lookup(tier); !ok {
			return EarningPreview{}, errutil.ValidationFailed("invalid earning preview", ErrUnknownTier,
				errutil.WithDetails(errutil.Detail{Field: "tier", Message: "unknown tier"}))
		}
	}

	c := ParseCategory(category)
	points, err := s.earning.Calculate(c, amount, def)
	if err != nil {
		return EarningPreview{}, err
	}
	return EarningPreview{
		Category:       c.String(),
		Amount:         amount,
		Tier:           def.Name,
		CategoryRate:   s.earning.Rate(c),
		TierMultiplier: def.EarningMultiplier,
		Points:         points,
	}, nil
}

// ExpireRedemptions marks confirmed redemptions past their expiry as expired.
func (s *Service) ExpireRedemptions(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.redemptions.ExpireStale(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.FromContext(ctx).Info("redemptions expired", zap.Int64("count", n), zap.Time("before", now))
	}
	return n, nil
}

type ExpirySummary struct {
	Cutoff   time.Time `json:"cutoff"`
	Accounts int       `json:"accounts"`
	Points   int64     `json:"points"`
}

// ExpirePoints removes points earned before asOf minus the expiry period,
// oldest credits first. Running it twice on the same day is a no-op.
func (s *Service) ExpirePoints(ctx context.Context, asOf time.Time) (ExpirySummary, error) {
	summary := ExpirySummary{}
	if s.cfg.PointExpiry <= 0 {
		return summary, nil
	}
	summary.Cutoff = asOf.UTC().Add(-s.cfg.PointExpiry).Truncate(24 * time.Hour)

	err := s.eachAccount(ctx, func(acc *LoyaltyAccount) error {
		if acc.CurrentPoints <= 0 {
			return nil
		}
		expired, err := s.expireAccount(ctx, acc.CustomerID, summary.Cutoff)
		if err != nil {
			return err
		}
		if expired > 0 {
			summary.Accounts++
			summary.Points += expired
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	logger.FromContext(ctx).Info("points expired",
		zap.Time("cutoff", summary.Cutoff),
		zap.Int("accounts", summary.Accounts),
		zap.Int64("points", summary.Points),
	)
	return summary, nil
}

func (s *Service) expireAccount(ctx context.Context, customerID string, cutoff time.Time) (int64, error) {
	reference := cutoff.Format(time.DateOnly)

	var expired int64
	_, err := s.writer.write(ctx, customerID, func(tx *gorm.DB, acc *LoyaltyAccount) error {
		expired = 0

		existing, err := s.ledger.Find(ctx, tx, acc.ID, ledger.KindExpiration, expirySource, reference)
		if err != nil || existing != nil {
			return err
		}

		points, err := s.ledger.ExpirablePoints(ctx, tx, acc.ID, cutoff)
		if err != nil {
			return err
		}
		points = min(points, acc.CurrentPoints)
		if points <= 0 {
			return nil
		}

		entry, err := s.ledger.Append(ctx, tx, ledger.AppendParams{
			AccountID:       acc.ID,
			Kind:            ledger.KindExpiration,
			PointsDelta:     -points,
			Source:          expirySource,
			ReferenceID:     reference,
			Description:     "Points earned before " + reference + " expired",
			PreviousBalance: acc.CurrentPoints,
			PreviousHash:    acc.LastEntryHash,
		})
		if err != nil {
			return err
		}

		acc.CurrentPoints = entry.ResultingBalance
		acc.LastEntryHash = entry.Hash
		expired = points
		return nil
	})
	return expired, err
}

type ReconcileSummary struct {
	Accounts int            `json:"accounts"`
	Drifted  int            `json:"drifted"`
	Drifts   []ledger.Drift `json:"drifts,omitempty"`
}

// Reconcile compares one cached account with its ledger. Drift is reported,
// never corrected.
func (s *Service) Reconcile(ctx context.Context, customerID string) (ledger.Drift, error) {
	acc, err := s.account(ctx, customerID)
	if err != nil {
		return ledger.Drift{}, err
	}
	return s.reconcile(ctx, acc)
}

func (s *Service) reconcile(ctx context.Context, acc *LoyaltyAccount) (ledger.Drift, error) {
	drift, err := s.ledger.Reconcile(ctx, ledger.Snapshot{
		AccountID: acc.ID,
		Current:   acc.CurrentPoints,
		Lifetime:  acc.LifetimePoints,
		Head:      acc.LastEntryHash,
	})
	if err != nil {
		return ledger.Drift{}, err
	}

	if drift.HasDrift() {
		ledgerDrift.Inc()
		logger.FromContext(ctx).Error("ledger drift detected",
			zap.String("customer_id", acc.CustomerID),
			zap.Int64("cached_current", drift.CachedCurrent),
			zap.Int64("ledger_current", drift.LedgerCurrent),
			zap.Int64("cached_lifetime", drift.CachedLifetime),
			zap.Int64("ledger_lifetime", drift.LedgerLifetime),
			zap.Bool("chain_valid", drift.ChainValid),
			zap.String("chain_fail_reason", drift.ChainFailReason),
		)
	}
	return drift, nil
}

// ReconcileAll checks every account with bounded parallelism and rate.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var (
		mu      sync.Mutex
		summary ReconcileSummary
	)

	concurrency := max(s.cfg.Reconcile.Concurrency, 1)
	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.Reconcile.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Reconcile.RatePerSecond), concurrency)
	}

	err := s.eachAccountBatch(ctx, func(batch []*LoyaltyAccount) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		for _, acc := range batch {
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				drift, err := s.reconcile(gctx, acc)
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				summary.Accounts++
				if drift.HasDrift() {
					summary.Drifted++
					summary.Drifts = append(summary.Drifts, drift)
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return summary, err
	}

	logger.FromContext(ctx).Info("ledger reconciliation finished",
		zap.Int("accounts", summary.Accounts),
		zap.Int("drifted", summary.Drifted),
	)
	return summary, nil
}

func (s *Service) VerifyChain(ctx context.Context, customerID string) (ledger.ChainReport, error) {
	acc, err := s.account(ctx, customerID)
	if err != nil {
		return ledger.ChainReport{}, err
	}
	return s.ledger.VerifyChain(ctx, acc.ID, acc.LastEntryHash)
}

func (s *Service) account(ctx context.Context, customerID string) (*LoyaltyAccount, error) {
	acc, err := s.writer.find(ctx, nil, strings.TrimSpace(customerID))
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errutil.NotFound("loyalty account not found", ErrAccountNotFound)
	}
	return acc, nil
}

func (s *Service) eachAccount(ctx context.Context, fn func(*LoyaltyAccount) error) error {
	return s.eachAccountBatch(ctx, func(batch []*LoyaltyAccount) error {
		for _, acc := range batch {
			if err := fn(acc); err != nil {
				return err
			}
		}
		return nil
	})
}

// eachAccountBatch walks accounts by ascending id.
func (s *Service) eachAccountBatch(ctx context.Context, fn func([]*LoyaltyAccount) error) error {
	size := s.cfg.Reconcile.BatchSize
	if size <= 0 {
		size = 200
	}

	var last snowflake.ID
	for {
		batch, err := s.accounts.Find(ctx, nil,
			option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: last}),
			option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}),
			option.WithLimit(size),
		)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		last = batch[len(batch)-1].ID
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
