package loyalty

import (
	"testing"

	"dms-loyalty/pkg/config"

	"github.com/stretchr/testify/require"
)

func defaultTable(t *testing.T) *TierTable {
	t.Helper()

	table, err := NewTierTable(config.Default().Loyalty.Tiers)
	require.NoError(t, err)
	return table
}

func TestTierTableResolve(t *testing.T) {
	table := defaultTable(t)

	cases := map[int64]string{
		0:      "Bronze",
		999:    "Bronze",
		1000:   "Silver",
		2499:   "Silver",
		2500:   "Gold",
		5000:   "Platinum",
		9999:   "Platinum",
		10000:  "Diamond",
		250000: "Diamond",
	}
	for lifetime, want := range cases {
		require.Equal(t, want, table.Resolve(lifetime).Name, "lifetime %d", lifetime)
	}
}

func TestTierTableRejectsBadDefinitions(t *testing.T) {
	cases := map[string][]config.Tier{
		"empty": nil,
		"no zero tier": {
			{Name: "Silver", MinLifetimePoints: 1000, EarningMultiplier: 1.25},
		},
		"duplicate name": {
			{Name: "Bronze", MinLifetimePoints: 0, EarningMultiplier: 1},
			{Name: "bronze", MinLifetimePoints: 10, EarningMultiplier: 1},
		},
		"shared threshold": {
			{Name: "Bronze", MinLifetimePoints: 0, EarningMultiplier: 1},
			{Name: "Silver", MinLifetimePoints: 100, EarningMultiplier: 1.1},
			{Name: "Gold", MinLifetimePoints: 100, EarningMultiplier: 1.2},
		},
		"multiplier below one": {
			{Name: "Bronze", MinLifetimePoints: 0, EarningMultiplier: 0.5},
		},
		"blank name": {
			{Name: " ", MinLifetimePoints: 0, EarningMultiplier: 1},
		},
	}
	for name, defs := range cases {
		_, err := NewTierTable(defs)
		require.ErrorIs(t, err, ErrInvalidTierTable, name)
	}
}

func TestTierTableSortsByThreshold(t *testing.T) {
	table, err := NewTierTable([]config.Tier{
		{Name: "Gold", MinLifetimePoints: 2500, EarningMultiplier: 1.5},
		{Name: "Bronze", MinLifetimePoints: 0, EarningMultiplier: 1},
		{Name: "Silver", MinLifetimePoints: 1000, EarningMultiplier: 1.25},
	})
	require.NoError(t, err)

	all := table.All()
	require.Equal(t, []string{"Bronze", "Silver", "Gold"}, []string{all[0].Name, all[1].Name, all[2].Name})
	require.Equal(t, "Bronze", table.Lowest().Name)

	next, ok := table.Next("silver")
	require.True(t, ok)
	require.Equal(t, "Gold", next.Name)
	_, ok = table.Next("Gold")
	require.False(t, ok)
	require.Equal(t, -1, table.Rank("Obsidian"))
}

func TestTierEngineEvaluateOnlyMovesUp(t *testing.T) {
	engine := NewTierEngine(defaultTable(t))

	next, upgraded := engine.Evaluate("Bronze", 1200)
	require.True(t, upgraded)
	require.Equal(t, "Silver", next.Name)

	next, upgraded = engine.Evaluate("Gold", 1200)
	require.False(t, upgraded)
	require.Equal(t, "Gold", next.Name)

	next, upgraded = engine.Evaluate("Silver", 12000)
	require.True(t, upgraded)
	require.Equal(t, "Diamond", next.Name)
}

func TestTierEngineEffectiveFallsBackToLifetime(t *testing.T) {
	engine := NewTierEngine(defaultTable(t))

	def := engine.Effective(&LoyaltyAccount{Tier: "Gold", LifetimePoints: 0})
	require.Equal(t, "Gold", def.Name)

	def = engine.Effective(&LoyaltyAccount{Tier: "Retired", LifetimePoints: 1500})
	require.Equal(t, "Silver", def.Name)
}

func TestTierEngineEligible(t *testing.T) {
	engine := NewTierEngine(defaultTable(t))

	require.True(t, engine.Eligible("Bronze", ""))
	require.True(t, engine.Eligible("Gold", "Silver"))
	require.True(t, engine.Eligible("Gold", "gold"))
	require.False(t, engine.Eligible("Silver", "Gold"))
	require.False(t, engine.Eligible("Diamond", "Obsidian"))
}
