package ledger

import "go.uber.org/fx"

var Module = fx.Module("ledger",
	fx.Provide(NewLedger),
)

// Models lists the tables owned by the ledger.
func Models() []any {
	return []any{&LedgerEntry{}}
}
