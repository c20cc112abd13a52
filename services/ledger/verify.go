package ledger

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type ChainReport struct {
	Valid    bool         `json:"valid"`
	Entries  int          `json:"entries"`
	Head     string       `json:"head"`
	BrokenAt snowflake.ID `json:"broken_at,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// VerifyChain walks the hash chain of an account from the genesis entry.
// When head is not empty the last hash must equal it.
func (l *Ledger) VerifyChain(ctx context.Context, accountID snowflake.ID, head string) (ChainReport, error) {
	entries, err := l.Entries(ctx, accountID)
	if err != nil {
		return ChainReport{}, err
	}

	byPrevious := make(map[string]*LedgerEntry, len(entries))
	for _, e := range entries {
		if expected := e.GenerateHash(); e.Hash != expected {
			return broken(e, len(entries), "hash mismatch"), nil
		}
		if _, dup := byPrevious[e.PreviousHash]; dup {
			return broken(e, len(entries), "fork on previous hash"), nil
		}
		byPrevious[e.PreviousHash] = e
	}

	var (
		lastHash = GenesisHash
		balance  int64
		visited  int
	)
	for {
		e, ok := byPrevious[lastHash]
		if !ok {
			break
		}
		balance += e.PointsDelta
		if e.ResultingBalance != balance {
			return broken(e, len(entries), fmt.Sprintf("resulting balance %d, expected %d", e.ResultingBalance, balance)), nil
		}
		lastHash = e.Hash
		visited++
	}

	if visited != len(entries) {
		return ChainReport{Entries: len(entries), Head: lastHash, Reason: fmt.Sprintf("%d entries unreachable from genesis", len(entries)-visited)}, nil
	}

	if head != "" && head != lastHash && !(len(entries) == 0 && head == GenesisHash) {
		return ChainReport{Entries: len(entries), Head: lastHash, Reason: "head does not match last entry"}, nil
	}

	return ChainReport{Valid: true, Entries: len(entries), Head: lastHash}, nil
}

func broken(e *LedgerEntry, n int, reason string) ChainReport {
	return ChainReport{Entries: n, BrokenAt: e.ID, Reason: reason}
}
