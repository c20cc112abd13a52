package ledger

import "errors"

var (
	ErrInvalidEntry    = errors.New("invalid_ledger_entry")
	ErrNegativeBalance = errors.New("negative_balance")
	ErrBalanceOverflow = errors.New("balance_overflow")
	ErrDuplicateEntry  = errors.New("duplicate_ledger_entry")
	ErrChainBroken     = errors.New("ledger_chain_broken")
)
