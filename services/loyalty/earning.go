package loyalty

import (
	"math"
	"strings"

	"dms-loyalty/pkg/errutil"

	"github.com/shopspring/decimal"
)

// Category is the closed set of transaction categories that earn points.
type Category string

var (
	CategoryService Category = "service"
	CategoryParts   Category = "parts"
	CategorySales   Category = "sales"
	CategoryRegular Category = "regular"
	CategoryOther   Category = "other"
)

func (c Category) String() string {
	switch c {
	case CategoryService, CategoryParts, CategorySales, CategoryRegular, CategoryOther:
		return string(c)
	default:
		return ""
	}
}

// ParseCategory maps free text onto a Category. Unknown values become CategoryOther.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.String() == "" {
		return CategoryOther
	}
	return c
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// EarningCalculator converts a purchase amount into points. It is pure.
type EarningCalculator struct {
	rates map[Category]decimal.Decimal
}

// NewEarningCalculator builds a calculator from per-category rates. Categories
// without a rate earn at 1.0.
func NewEarningCalculator(rates map[string]float64) *EarningCalculator {
	out := make(map[Category]decimal.Decimal, len(rates))
	for name, rate := range rates {
		c := ParseCategory(name)
		if c == CategoryOther && !strings.EqualFold(name, string(CategoryOther)) {
			continue
		}
		out[c] = decimal.NewFromFloat(rate)
	}
	return &EarningCalculator{rates: out}
}

func (c *EarningCalculator) Rate(category Category) decimal.Decimal {
	if r, ok := c.rates[category]; ok {
		return r
	}
	return decimal.NewFromInt(1)
}

// Calculate returns round_half_up(amount * rate(category) * multiplier).
// Rounding happens once, on the final product.
func (c *EarningCalculator) Calculate(category Category, amount decimal.Decimal, tier TierDefinition) (int64, error) {
	if amount.IsNegative() {
		return 0, errutil.ValidationFailed("invalid accrual", nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: "must not be negative",
		}))
	}

	multiplier := tier.EarningMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	points := amount.Mul(c.Rate(category)).Mul(multiplier).Round(0)
	if points.GreaterThan(maxPoints) {
		return 0, errutil.ValidationFailed("invalid accrual", nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: "earns more points than an account can hold",
		}))
	}
	return points.IntPart(), nil
}
