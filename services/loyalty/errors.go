package loyalty

import "errors"

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrRewardNotFound      = errors.New("reward_not_found")
	ErrRewardNotEligible   = errors.New("reward_not_eligible")
	ErrInsufficientPoints  = errors.New("insufficient_points")
	ErrCatalogTimeout      = errors.New("catalog_timeout")
	ErrCatalogUnavailable  = errors.New("catalog_unavailable")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrRedemptionNotFound  = errors.New("redemption_not_found")
	ErrRedemptionState     = errors.New("redemption_invalid_state")
	ErrUnknownTier         = errors.New("unknown_tier")
	ErrInvalidTierTable    = errors.New("invalid_tier_table")
)
