package loyalty

import (
	"fmt"
	"sort"
	"strings"

	"dms-loyalty/pkg/config"

	"github.com/shopspring/decimal"
)

type TierDefinition struct {
	Name              string          `json:"name"`
	MinLifetimePoints int64           `json:"min_lifetime_points"`
	EarningMultiplier decimal.Decimal `json:"earning_multiplier"`
}

// TierTable is an immutable, ascending list of tiers. The first tier starts at zero.
type TierTable struct {
	tiers  []TierDefinition
	byName map[string]int
}

func NewTierTable(defs []config.Tier) (*TierTable, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no tiers defined", ErrInvalidTierTable)
	}

	tiers := make([]TierDefinition, 0, len(defs))
	for _, d := range defs {
		tiers = append(tiers, TierDefinition{
			Name:              strings.TrimSpace(d.Name),
			MinLifetimePoints: d.MinLifetimePoints,
			EarningMultiplier: decimal.NewFromFloat(d.EarningMultiplier),
		})
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinLifetimePoints < tiers[j].MinLifetimePoints
	})

	if tiers[0].MinLifetimePoints != 0 {
		return nil, fmt.Errorf("%w: lowest tier must start at 0 points", ErrInvalidTierTable)
	}

	byName := make(map[string]int, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tier %d has no name", ErrInvalidTierTable, i)
		}
		key := strings.ToLower(t.Name)
		if _, dup := byName[key]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidTierTable, t.Name)
		}
		if i > 0 && t.MinLifetimePoints == tiers[i-1].MinLifetimePoints {
			return nil, fmt.Errorf("%w: tiers %q and %q share threshold %d", ErrInvalidTierTable, tiers[i-1].Name, t.Name, t.MinLifetimePoints)
		}
		if t.EarningMultiplier.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: tier %q multiplier below 1.0", ErrInvalidTierTable, t.Name)
		}
		byName[key] = i
	}

	return &TierTable{tiers: tiers, byName: byName}, nil
}

func (t *TierTable) Lowest() TierDefinition {
	return t.tiers[0]
}

func (t *TierTable) All() []TierDefinition {
	out := make([]TierDefinition, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Resolve returns the tier with the greatest threshold not above lifetime.
func (t *TierTable) Resolve(lifetime int64) TierDefinition {
	i := sort.Search(len(t.tiers), func(i int) bool {
		return t.tiers[i].MinLifetimePoints > lifetime
	})
	if i == 0 {
		return t.tiers[0]
	}
	return t.tiers[i-1]
}

// Lookup finds a tier by name, case-insensitively.
func (t *TierTable) Lookup(name string) (TierDefinition, bool) {
	i, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return TierDefinition{}, false
	}
	return t.tiers[i], true
}

// Rank is the position of the tier in the table, -1 when unknown.
func (t *TierTable) Rank(name string) int {
	i, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return -1
	}
	return i
}

// Next returns the tier above name, if any.
func (t *TierTable) Next(name string) (TierDefinition, bool) {
	r := t.Rank(name)
	if r < 0 || r+1 >= len(t.tiers) {
		return TierDefinition{}, false
	}
	return t.tiers[r+1], true
}

// TierEngine applies tier rules to accounts.
type TierEngine struct {
	table *TierTable
}

func NewTierEngine(table *TierTable) *TierEngine {
	return &TierEngine{table: table}
}

func (e *TierEngine) Table() *TierTable {
	return e.table
}

// Effective returns the definition of the account's tier. A tier name missing
// from the table falls back to the resolved tier.
func (e *TierEngine) Effective(acc *LoyaltyAccount) TierDefinition {
	if def, ok := e.table.Lookup(acc.Tier); ok {
		return def
	}
	return e.table.Resolve(acc.LifetimePoints)
}

// Evaluate returns the tier an account holds after its lifetime points reach
// lifetime. Tiers only move up here; downgrades happen through overrides.
func (e *TierEngine) Evaluate(current string, lifetime int64) (TierDefinition, bool) {
	resolved := e.table.Resolve(lifetime)
	if e.table.Rank(resolved.Name) > e.table.Rank(current) {
		return resolved, true
	}
	def, _ := e.table.Lookup(current)
	return def, false
}

// Eligible reports whether tier satisfies the minimum tier of a reward.
func (e *TierEngine) Eligible(tier, minTier string) bool {
	if strings.TrimSpace(minTier) == "" {
		return true
	}
	need := e.table.Rank(minTier)
	if need < 0 {
		return false
	}
	return e.table.Rank(tier) >= need
}
