package loyalty

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db/pagination"
	"dms-loyalty/pkg/errutil"
	"dms-loyalty/services/ledger"
	"dms-loyalty/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) ofType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *testutil.Clock
	ledger   *ledger.Ledger
	notifier *recordingNotifier
}

type fixtureOption func(cfg *config.Config, f *fixtureDeps)

type fixtureDeps struct {
	catalog RewardCatalog
}

func withCatalog(c RewardCatalog) fixtureOption {
	return func(_ *config.Config, d *fixtureDeps) { d.catalog = c }
}

func withConfig(fn func(cfg *config.Config)) fixtureOption {
	return func(cfg *config.Config, _ *fixtureDeps) { fn(cfg) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, append(ledger.Models(), Models()...)...)
	clk := testutil.NewClock(start)
	node := testutil.NewNode(t)

	cfg := config.Default()
	deps := &fixtureDeps{}
	for _, opt := range opts {
		opt(cfg, deps)
	}
	if deps.catalog == nil {
		deps.catalog = NewGormCatalog(db)
	}

	table, err := NewTierTable(cfg.Loyalty.Tiers)
	require.NoError(t, err)

	l := ledger.NewLedger(ledger.Params{DB: db, Node: node, Clock: clk})
	notifier := &recordingNotifier{}

	svc, err := NewService(Params{
		DB:       db,
		Node:     node,
		Clock:    clk,
		Config:   cfg,
		Ledger:   l,
		Tiers:    NewTierEngine(table),
		Earning:  NewEarningCalculator(cfg.Loyalty.CategoryRates),
		Catalog:  deps.catalog,
		Notifier: notifier,
	})
	require.NoError(t, err)
	svc.writer.backoff = time.Microsecond

	return &fixture{svc: svc, db: db, clock: clk, ledger: l, notifier: notifier}
}

// seedRewards loads a small catalog.
func (f *fixture) seedRewards(t *testing.T) {
	t.Helper()

	rewards := []*Reward{
		{ID: "oil-change", Name: "Free Oil Change", PointsCost: 500, ValidityDays: 90, Active: true},
		{ID: "inspection", Name: "Free Vehicle Inspection", PointsCost: 300, ValidityDays: 60, Active: true},
		{ID: "air-filter", Name: "Free Air Filter", PointsCost: 200, ValidityDays: 120, Active: true},
		{ID: "service-discount", Name: "10% Off Service", PointsCost: 750, ValidityDays: 30, Active: true},
		{ID: "gold-lounge", Name: "Lounge Access", PointsCost: 100, MinTier: "Gold", Active: true},
		{ID: "anniversary", Name: "Anniversary Wash", PointsCost: 50, EligibilityExpr: "member_days >= 365", Active: true},
		{ID: "broken-rule", Name: "Broken Rule", PointsCost: 50, EligibilityExpr: "member_days >= ", Active: true},
		{ID: "retired", Name: "Retired Reward", PointsCost: 10, Active: false},
		{ID: "no-expiry", Name: "Default Validity", PointsCost: 10, Active: true},
	}
	require.NoError(t, f.db.Create(&rewards).Error)
}

func (f *fixture) accrue(t *testing.T, customerID, category string, amount int64, ref string) AccrualResult {
	t.Helper()

	res, err := f.svc.AccrueTransaction(context.Background(), AccrueRequest{
		CustomerID:  customerID,
		Category:    category,
		Amount:      decimal.NewFromInt(amount),
		Source:      "pos",
		ReferenceID: ref,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, customerID string) Status {
	t.Helper()

	st, err := f.svc.GetLoyaltyStatus(context.Background(), customerID)
	require.NoError(t, err)
	return st
}

func (f *fixture) entryCount(t *testing.T) int64 {
	t.Helper()

	var n int64
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).Count(&n).Error)
	return n
}

func TestScenarioNewAccountAccrual(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.AccrueTransaction(context.Background(), AccrueRequest{
		CustomerID:  "cust-1",
		Amount:      decimal.NewFromInt(100),
		Source:      "Test Purchase",
		ReferenceID: "order-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Balance)
	require.Equal(t, int64(100), res.LifetimePoints)
	require.Equal(t, "Bronze", res.Tier)
	require.False(t, res.Replayed)

	st := f.status(t, "cust-1")
	require.Equal(t, int64(100), st.CurrentPoints)
	require.Equal(t, int64(100), st.LifetimePoints)
	require.Equal(t, "Bronze", st.Tier)
	require.Equal(t, start, st.MemberSince.UTC())
	require.Equal(t, "Silver", st.NextTier)
	require.Equal(t, int64(900), st.PointsToNextTier)
}

func TestScenarioAdminUpgradeThenAccrue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "", 100, "order-1")

	st, err := f.svc.UpdateTier(ctx, UpdateTierRequest{
		CustomerID: "cust-1",
		Tier:       "silver",
		Reason:     "loyal customer",
		Actor:      "manager@dealer",
	})
	require.NoError(t, err)
	require.Equal(t, "Silver", st.Tier)
	require.Equal(t, int64(100), st.LifetimePoints)
	require.True(t, st.EarningMultiplier.Equal(decimal.NewFromFloat(1.25)))

	res := f.accrue(t, "cust-1", "", 100, "order-2")
	require.Equal(t, int64(125), res.PointsEarned)
	require.Equal(t, int64(225), res.Balance)
	require.Equal(t, "Silver", res.Tier)
	require.False(t, res.TierUpgraded)

	changes, err := f.svc.TierHistory(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "Bronze", changes[0].FromTier)
	require.Equal(t, "Silver", changes[0].ToTier)
	require.Equal(t, "loyal customer", changes[0].Reason)
	require.Equal(t, "manager@dealer", changes[0].Actor)
	require.False(t, changes[0].Automatic)
}

func TestScenarioRedeemWithinBalance(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	acc := f.accrue(t, "cust-1", "regular", 1000, "order-1")
	require.Equal(t, int64(1000), acc.Balance)
	require.True(t, acc.TierUpgraded)
	require.Equal(t, "Silver", acc.Tier)

	res, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "oil-change"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.Code)
	require.Empty(t, res.Reason)
	require.Equal(t, int64(500), res.Balance)
	require.Equal(t, RedemptionConfirmed, res.Redemption.Status)
	require.True(t, res.Redemption.ExpiresAt.After(f.clock.Now()))
	require.Equal(t, start.Add(90*24*time.Hour), res.Redemption.ExpiresAt.UTC())

	st := f.status(t, "cust-1")
	require.Equal(t, int64(500), st.CurrentPoints)
	require.Equal(t, int64(1000), st.LifetimePoints)
	require.Equal(t, "Silver", st.Tier)

	require.Len(t, f.notifier.ofType(EventTierUpgraded), 1)
	redeemed := f.notifier.ofType(EventPointsRedeemed)
	require.Len(t, redeemed, 1)
	require.Equal(t, res.Code, redeemed[0].RedemptionCode)
}

func TestScenarioRedeemInsufficientPoints(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "", 100, "order-1")
	_, err := f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Silver", Reason: "promo"})
	require.NoError(t, err)
	f.accrue(t, "cust-1", "", 100, "order-2")

	rewards, err := f.svc.ListRewards(ctx, f.status(t, "cust-1").Tier)
	require.NoError(t, err)
	mostExpensive := rewards[len(rewards)-1]
	require.Equal(t, "service-discount", mostExpensive.ID)

	entries := f.entryCount(t)

	res, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: mostExpensive.ID})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Reason, "Insufficient points")
	require.Equal(t, FailureInsufficientPoints, res.Failure)
	require.ErrorIs(t, res.Failure.Err(), ErrInsufficientPoints)
	require.Empty(t, res.Code)
	require.Equal(t, int64(225), res.Balance)

	require.Equal(t, int64(225), f.status(t, "cust-1").CurrentPoints)
	require.Equal(t, entries, f.entryCount(t))

	var redemptions int64
	require.NoError(t, f.db.Model(&Redemption{}).Count(&redemptions).Error)
	require.Zero(t, redemptions)
	require.Empty(t, f.notifier.ofType(EventPointsRedeemed))
}

func TestListRewardsByTier(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	all, err := f.svc.ListRewards(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 8)
	for i := 1; i < len(all); i++ {
		require.LessOrEqual(t, all[i-1].PointsCost, all[i].PointsCost)
	}

	bronze, err := f.svc.ListRewards(ctx, "Bronze")
	require.NoError(t, err)
	require.Len(t, bronze, 7)
	for _, r := range bronze {
		require.NotEqual(t, "gold-lounge", r.ID)
	}

	diamond, err := f.svc.ListRewards(ctx, "diamond")
	require.NoError(t, err)
	require.Len(t, diamond, 8)

	_, err = f.svc.ListRewards(ctx, "Titanium")
	require.ErrorIs(t, err, ErrUnknownTier)
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
}

func TestPreviewEarningWritesNothing(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.PreviewEarning("parts", decimal.NewFromInt(100), "")
	require.NoError(t, err)
	require.Equal(t, int64(120), p.Points)
	require.Equal(t, "Bronze", p.Tier)
	require.True(t, p.CategoryRate.Equal(decimal.NewFromFloat(1.2)))

	p, err = f.svc.PreviewEarning("service", decimal.NewFromInt(100), "Platinum")
	require.NoError(t, err)
	require.Equal(t, int64(300), p.Points)
	require.True(t, p.TierMultiplier.Equal(decimal.NewFromInt(2)))

	p, err = f.svc.PreviewEarning("tyres", decimal.NewFromInt(100), "Silver")
	require.NoError(t, err)
	require.Equal(t, "other", p.Category)
	require.Equal(t, int64(125), p.Points)

	_, err = f.svc.PreviewEarning("parts", decimal.NewFromInt(-1), "")
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	_, err = f.svc.PreviewEarning("parts", decimal.NewFromInt(1), "Titanium")
	require.ErrorIs(t, err, ErrUnknownTier)

	var accounts int64
	require.NoError(t, f.db.Model(&LoyaltyAccount{}).Count(&accounts).Error)
	require.Zero(t, accounts)
	require.Zero(t, f.entryCount(t))
}

func TestAccrualIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.accrue(t, "cust-1", "service", 100, "ro-77")
	second := f.accrue(t, "cust-1", "service", 100, "ro-77")

	require.False(t, first.Replayed)
	require.True(t, second.Replayed)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	require.Equal(t, int64(150), second.Balance)
	require.Equal(t, int64(1), f.entryCount(t))

	// same reference from another source is a different purchase
	res, err := f.svc.AccrueTransaction(context.Background(), AccrueRequest{
		CustomerID:  "cust-1",
		Category:    "service",
		Amount:      decimal.NewFromInt(100),
		Source:      "web",
		ReferenceID: "ro-77",
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, int64(300), res.Balance)
}

func TestAccrualValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AccrueTransaction(context.Background(), AccrueRequest{
		CustomerID:  "cust-1",
		Category:    "parts",
		Amount:      decimal.NewFromInt(-5),
		ReferenceID: "inv-1",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Details, 1)
	require.Equal(t, "amount", be.Details[0].Field)

	_, err = f.svc.AccrueTransaction(context.Background(), AccrueRequest{CustomerID: "cust-1", Amount: decimal.NewFromInt(5)})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	require.Zero(t, f.entryCount(t))
}

func TestAccrualRejectsOutOfRangeAmount(t *testing.T) {
	f := newFixture(t)
	f.accrue(t, "cust-1", "regular", 100, "inv-1")

	_, err := f.svc.AccrueTransaction(context.Background(), AccrueRequest{
		CustomerID:  "cust-1",
		Category:    "regular",
		Amount:      decimal.RequireFromString("18446744073709551716"),
		ReferenceID: "inv-2",
	})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "amount", be.Details[0].Field)

	st := f.status(t, "cust-1")
	require.Equal(t, int64(100), st.CurrentPoints)
	require.Equal(t, int64(100), st.LifetimePoints)
	require.Equal(t, int64(1), f.entryCount(t))
}

func TestAccrualRejectsBalanceOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AdjustPoints(ctx, AdjustRequest{
		CustomerID: "cust-1", Points: math.MaxInt64 - 10, Reason: "migration", ReferenceID: "adj-1", Actor: "ops",
	})
	require.NoError(t, err)

	_, err = f.svc.AccrueTransaction(ctx, AccrueRequest{
		CustomerID: "cust-1", Category: "regular", Amount: decimal.NewFromInt(11), ReferenceID: "inv-1",
	})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)

	_, err = f.svc.AdjustPoints(ctx, AdjustRequest{
		CustomerID: "cust-1", Points: 11, Reason: "bonus", ReferenceID: "adj-2", Actor: "ops",
	})
	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "points", be.Details[0].Field)

	require.Equal(t, int64(math.MaxInt64-10), f.status(t, "cust-1").CurrentPoints)
}

func TestAccrualUsesTierBeforeEntry(t *testing.T) {
	f := newFixture(t)

	// 990 Bronze points, then 20 more crosses Silver but earns at 1.0
	f.accrue(t, "cust-1", "regular", 990, "a")
	res := f.accrue(t, "cust-1", "regular", 20, "b")
	require.Equal(t, int64(20), res.PointsEarned)
	require.True(t, res.TierUpgraded)
	require.Equal(t, "Bronze", res.PreviousTier)
	require.Equal(t, "Silver", res.Tier)

	res = f.accrue(t, "cust-1", "regular", 100, "c")
	require.Equal(t, int64(125), res.PointsEarned)
}

func TestTierNeverDecreasesThroughAccrualsAndSpend(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()
	table := f.svc.tiers.Table()

	lastRank := 0
	for i, amount := range []int64{400, 700, 900, 1500, 3000, 6000} {
		res := f.accrue(t, "cust-1", "regular", amount, string(rune('a'+i)))
		rank := table.Rank(res.Tier)
		require.GreaterOrEqual(t, rank, lastRank)
		lastRank = rank

		_, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "service-discount"})
		require.NoError(t, err)
		require.Equal(t, rank, table.Rank(f.status(t, "cust-1").Tier))
	}
	require.Equal(t, "Diamond", f.status(t, "cust-1").Tier)
}

func TestConcurrentRedemptionsDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)

	f.accrue(t, "cust-1", "regular", 600, "order-1")

	const attempts = 8
	var (
		wg      sync.WaitGroup
		results = make([]RedemptionResult, attempts)
		errs    = make([]error, attempts)
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.RedeemPoints(context.Background(), RedeemRequest{CustomerID: "cust-1", RewardID: "oil-change"})
		}(i)
	}
	wg.Wait()

	var success, insufficient int
	for i := range results {
		require.NoError(t, errs[i])
		switch {
		case results[i].Success:
			success++
		case results[i].Failure == FailureInsufficientPoints:
			insufficient++
		}
	}
	require.Equal(t, 1, success)
	require.Equal(t, attempts-1, insufficient)

	require.Equal(t, int64(100), f.status(t, "cust-1").CurrentPoints)

	report, err := f.svc.VerifyChain(context.Background(), "cust-1")
	require.NoError(t, err)
	require.True(t, report.Valid, report.Reason)
	require.Equal(t, 2, report.Entries)
}

func TestRedemptionEligibility(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 800, "order-1")

	cases := []struct {
		reward string
		want   FailureKind
	}{
		{"missing", FailureRewardNotFound},
		{"retired", FailureRewardNotEligible},
		{"gold-lounge", FailureRewardNotEligible},
		{"anniversary", FailureRewardNotEligible},
		{"broken-rule", FailureRewardNotEligible},
	}
	for _, tc := range cases {
		res, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: tc.reward})
		require.NoError(t, err, tc.reward)
		require.False(t, res.Success, tc.reward)
		require.Equal(t, tc.want, res.Failure, tc.reward)
		require.NotEmpty(t, res.Reason, tc.reward)
	}
	require.Equal(t, int64(800), f.status(t, "cust-1").CurrentPoints)

	_, err := f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Gold", Reason: "fleet account"})
	require.NoError(t, err)
	res, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "gold-lounge"})
	require.NoError(t, err)
	require.True(t, res.Success)

	f.clock.Advance(400 * 24 * time.Hour)
	res, err = f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "anniversary"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(650), res.Balance)
}

func TestRedeemValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RedeemPoints(context.Background(), RedeemRequest{CustomerID: "cust-1"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
}

func TestRedeemWithDedupeKeyReplays(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 1000, "order-1")

	req := RedeemRequest{CustomerID: "cust-1", RewardID: "inspection", DedupeKey: "checkout-42"}
	first, err := f.svc.RedeemPoints(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.Replayed)

	second, err := f.svc.RedeemPoints(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.Replayed)
	require.Equal(t, first.Code, second.Code)

	require.Equal(t, int64(700), f.status(t, "cust-1").CurrentPoints)
	require.Len(t, f.notifier.ofType(EventPointsRedeemed), 1)

	// without a key every call is a new spend
	third, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "inspection"})
	require.NoError(t, err)
	require.True(t, third.Success)
	require.NotEqual(t, first.Code, third.Code)
	require.Equal(t, int64(400), third.Balance)
}

func TestRedeemDedupeKeyIsBoundToReward(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 1000, "order-1")

	first, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "inspection", DedupeKey: "checkout-42"})
	require.NoError(t, err)
	require.True(t, first.Success)

	_, err = f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "air-filter", DedupeKey: "checkout-42"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "dedupe_key", be.Details[0].Field)
	require.Equal(t, int64(700), f.status(t, "cust-1").CurrentPoints)
}

func TestRedeemDedupeKeyMayEqualAGeneratedCode(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 1000, "order-1")

	plain, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "air-filter"})
	require.NoError(t, err)
	require.True(t, plain.Success)

	keyed, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "air-filter", DedupeKey: plain.Code})
	require.NoError(t, err)
	require.True(t, keyed.Success)
	require.False(t, keyed.Replayed)
	require.NotEqual(t, plain.Code, keyed.Code)
	require.Equal(t, int64(600), keyed.Balance)

	var refs []string
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).
		Where("kind = ?", ledger.KindRedemption).Order("id").Pluck("reference_id", &refs).Error)
	require.Equal(t, []string{plain.Code, "dedupe:" + plain.Code}, refs)
}

func TestRedemptionDefaultValidity(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)

	f.accrue(t, "cust-1", "regular", 100, "order-1")
	res, err := f.svc.RedeemPoints(context.Background(), RedeemRequest{CustomerID: "cust-1", RewardID: "no-expiry"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, start.Add(30*24*time.Hour), res.Redemption.ExpiresAt.UTC())
}

func TestUpdateTierValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Obsidian", Reason: "typo"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Gold"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))

	// same tier is acknowledged without an audit row
	st, err := f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Bronze", Reason: "noop"})
	require.NoError(t, err)
	require.Equal(t, "Bronze", st.Tier)

	changes, err := f.svc.TierHistory(ctx, "cust-1")
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestUpdateTierDowngradeKeepsLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 3000, "order-1")
	require.Equal(t, "Gold", f.status(t, "cust-1").Tier)

	st, err := f.svc.UpdateTier(ctx, UpdateTierRequest{CustomerID: "cust-1", Tier: "Bronze", Reason: "chargeback review", Actor: "risk"})
	require.NoError(t, err)
	require.Equal(t, "Bronze", st.Tier)
	require.Equal(t, int64(3000), st.LifetimePoints)
	require.Len(t, f.notifier.ofType(EventTierUpgraded), 1)

	// the next accrual re-resolves from lifetime points
	res := f.accrue(t, "cust-1", "regular", 10, "order-2")
	require.Equal(t, int64(10), res.PointsEarned)
	require.Equal(t, "Gold", res.Tier)
	require.True(t, res.TierUpgraded)
}

func TestAdjustPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.AdjustPoints(ctx, AdjustRequest{CustomerID: "cust-1", Points: 2500, Reason: "migration", ReferenceID: "legacy-1", Actor: "ops"})
	require.NoError(t, err)
	require.Equal(t, int64(2500), res.Balance)
	require.Equal(t, int64(2500), res.LifetimePoints)
	require.Equal(t, "Gold", res.Tier)
	require.Equal(t, ledger.KindAdminAdjustment, res.Entry.Kind)

	_, err = f.svc.AdjustPoints(ctx, AdjustRequest{CustomerID: "cust-1", Points: -3000, Reason: "fraud", ReferenceID: "fix-1", Actor: "ops"})
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.Status(err))
	require.ErrorIs(t, err, ledger.ErrNegativeBalance)

	res, err = f.svc.AdjustPoints(ctx, AdjustRequest{CustomerID: "cust-1", Points: -500, Reason: "duplicate import", ReferenceID: "fix-2", Actor: "ops"})
	require.NoError(t, err)
	require.Equal(t, int64(2000), res.Balance)
	require.Equal(t, int64(2500), res.LifetimePoints)
	require.Equal(t, "Gold", res.Tier)

	res, err = f.svc.AdjustPoints(ctx, AdjustRequest{CustomerID: "cust-1", Points: -500, Reason: "duplicate import", ReferenceID: "fix-2", Actor: "ops"})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, int64(2000), res.Balance)

	_, err = f.svc.AdjustPoints(ctx, AdjustRequest{CustomerID: "cust-1", Reason: "zero", ReferenceID: "z"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
}

func TestPointsHistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, ref := range []string{"r1", "r2", "r3", "r4", "r5"} {
		f.clock.Advance(time.Minute)
		f.accrue(t, "cust-1", "regular", int64(10*(i+1)), ref)
	}

	page, err := f.svc.GetPointsHistory(ctx, "cust-1", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "r5", page.Entries[0].ReferenceID)
	require.Equal(t, "r4", page.Entries[1].ReferenceID)
	require.True(t, page.PageInfo.HasMore)

	page, err = f.svc.GetPointsHistory(ctx, "cust-1", pagination.Pagination{Limit: 2, Cursor: page.PageInfo.NextCursor})
	require.NoError(t, err)
	require.Equal(t, "r3", page.Entries[0].ReferenceID)

	page, err = f.svc.GetPointsHistory(ctx, "cust-1", pagination.Pagination{Limit: 2, Cursor: page.PageInfo.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "r1", page.Entries[0].ReferenceID)
	require.False(t, page.PageInfo.HasMore)

	_, err = f.svc.GetPointsHistory(ctx, "nobody", pagination.Pagination{})
	require.Equal(t, errutil.StatusNotFound, errutil.Status(err))
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = f.svc.GetPointsHistory(ctx, "cust-1", pagination.Pagination{Cursor: "%%%"})
	require.Equal(t, errutil.StatusBadRequest, errutil.Status(err))
}

func TestRedemptionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 1000, "order-1")

	used, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "inspection"})
	require.NoError(t, err)
	stale, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "oil-change"})
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)
	fulfilled, err := f.svc.FulfillRedemption(ctx, used.Code)
	require.NoError(t, err)
	require.Equal(t, RedemptionFulfilled, fulfilled.Status)
	require.NotNil(t, fulfilled.FulfilledAt)

	_, err = f.svc.FulfillRedemption(ctx, used.Code)
	require.ErrorIs(t, err, ErrRedemptionState)

	_, err = f.svc.FulfillRedemption(ctx, "RDM-UNKNOWN")
	require.Equal(t, errutil.StatusNotFound, errutil.Status(err))

	n, err := f.svc.ExpireRedemptions(ctx, start.Add(91*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	f.clock.Current = start.Add(91 * 24 * time.Hour)
	_, err = f.svc.FulfillRedemption(ctx, stale.Code)
	require.ErrorIs(t, err, ErrRedemptionState)

	page, err := f.svc.ListRedemptions(ctx, "cust-1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Redemptions, 2)
	require.Equal(t, stale.Code, page.Redemptions[0].Code)
	require.Equal(t, RedemptionExpired, page.Redemptions[0].Status)
	require.Equal(t, RedemptionFulfilled, page.Redemptions[1].Status)

	// expiry does not refund spent points
	require.Equal(t, int64(200), f.status(t, "cust-1").CurrentPoints)
}

func TestExpirePointsFIFO(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 300, "old")
	f.clock.Advance(200 * 24 * time.Hour)
	f.accrue(t, "cust-1", "regular", 200, "new")
	res, err := f.svc.RedeemPoints(ctx, RedeemRequest{CustomerID: "cust-1", RewardID: "no-expiry"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(490), res.Balance)

	f.clock.Current = start.Add(340 * 24 * time.Hour)
	st := f.status(t, "cust-1")
	require.Equal(t, int64(290), st.ExpiringPoints)
	require.NotNil(t, st.ExpiringBy)

	asOf := start.Add(366 * 24 * time.Hour)
	summary, err := f.svc.ExpirePoints(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Accounts)
	require.Equal(t, int64(290), summary.Points)
	require.Equal(t, int64(200), f.status(t, "cust-1").CurrentPoints)

	summary, err = f.svc.ExpirePoints(ctx, asOf.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, summary.Points)

	summary, err = f.svc.ExpirePoints(ctx, start.Add(566*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(200), summary.Points)

	st = f.status(t, "cust-1")
	require.Zero(t, st.CurrentPoints)
	require.Equal(t, int64(500), st.LifetimePoints)

	drift, err := f.svc.Reconcile(ctx, "cust-1")
	require.NoError(t, err)
	require.False(t, drift.HasDrift())
}

func TestReconcileReportsDriftWithoutCorrecting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.accrue(t, "cust-1", "regular", 100, "a")
	f.accrue(t, "cust-2", "service", 100, "b")
	f.accrue(t, "cust-3", "parts", 100, "c")

	summary, err := f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Accounts)
	require.Zero(t, summary.Drifted)

	require.NoError(t, f.db.Model(&LoyaltyAccount{}).Where("customer_id = ?", "cust-2").Update("current_points", 999).Error)

	summary, err = f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Drifted)
	require.Equal(t, int64(999), summary.Drifts[0].CachedCurrent)
	require.Equal(t, int64(150), summary.Drifts[0].LedgerCurrent)

	require.Equal(t, int64(999), f.status(t, "cust-2").CurrentPoints)

	_, err = f.svc.Reconcile(ctx, "nobody")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestStatusCreatesAccountLazily(t *testing.T) {
	f := newFixture(t)

	st := f.status(t, "walk-in")
	require.Equal(t, "Bronze", st.Tier)
	require.Zero(t, st.CurrentPoints)
	require.Zero(t, st.ExpiringPoints)
	require.Nil(t, st.ExpiringBy)

	again := f.status(t, "walk-in")
	require.Equal(t, st.AccountID, again.AccountID)

	_, err := f.svc.GetLoyaltyStatus(context.Background(), "  ")
	require.Equal(t, errutil.StatusValidationFailed, errutil.Status(err))
}

func TestNotifierFailureDoesNotFailRedemption(t *testing.T) {
	f := newFixture(t)
	f.seedRewards(t)
	f.svc.redemptions.notifier = failingNotifier{}

	f.accrue(t, "cust-1", "regular", 500, "order-1")
	res, err := f.svc.RedeemPoints(context.Background(), RedeemRequest{CustomerID: "cust-1", RewardID: "air-filter"})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestPublishIsBoundedAndDetached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := &blockingNotifier{}
	started := time.Now()
	publish(ctx, n, Event{Type: EventPointsRedeemed, CustomerID: "cust-1"}, Event{Type: EventTierUpgraded, CustomerID: "cust-1"})

	require.Less(t, time.Since(started), 2*time.Second)
	require.Len(t, n.errs, 2)
	for _, err := range n.errs {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

// blockingNotifier waits until its context ends, like an unreachable queue.
type blockingNotifier struct {
	errs []error
}

func (n *blockingNotifier) Notify(ctx context.Context, _ Event) error {
	<-ctx.Done()
	n.errs = append(n.errs, ctx.Err())
	return ctx.Err()
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("queue down")
}
