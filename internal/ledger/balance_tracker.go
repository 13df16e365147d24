package ledger

import (
	"errors"
	"fmt"

	fpmath "RewardPool/internal/math"
	"RewardPool/internal/token"
)

var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// BalanceTracker maintains in-memory token balances. Balances are unsigned;
// the issuance boundary keeps a per-asset issued total instead of going
// negative, so Σ balances(asset) == issued(asset) always holds.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Amount
	issued   map[string]fpmath.Amount
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Amount),
		issued:   make(map[string]fpmath.Amount),
	}
}

// ApplyBatch applies all journals in a batch, or none of them if any leg
// would overdraw an account.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]fpmath.Amount)
	stagedIssued := make(map[string]fpmath.Amount)
	get := func(k AccountKey) fpmath.Amount {
		if v, ok := staged[k]; ok {
			return v
		}
		return bt.balances[k]
	}
	getIssued := func(asset string) fpmath.Amount {
		if v, ok := stagedIssued[asset]; ok {
			return v
		}
		return bt.issued[asset]
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.Scope == AccountScopeExternal {
			issued, err := getIssued(j.Asset).CheckedAdd(j.Amount)
			if err != nil {
				return fmt.Errorf("journal %s issuance: %w", j.JournalID, err)
			}
			stagedIssued[j.Asset] = issued
		} else {
			from, err := get(j.CreditAccount).CheckedSub(j.Amount)
			if err != nil {
				return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds,
					j.CreditAccount.AccountPath(), get(j.CreditAccount), j.Amount)
			}
			staged[j.CreditAccount] = from
		}

		to, err := get(j.DebitAccount).CheckedAdd(j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s credit to %s: %w", j.JournalID, j.DebitAccount.AccountPath(), err)
		}
		staged[j.DebitAccount] = to
	}

	for k, v := range staged {
		bt.balances[k] = v
	}
	for a, v := range stagedIssued {
		bt.issued[a] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Amount {
	return bt.balances[key]
}

// BalanceOf answers token balance queries from the engine.
func (bt *BalanceTracker) BalanceOf(asset string, owner token.Address) (fpmath.Amount, error) {
	return bt.GetBalance(KeyForAddress(owner, asset)), nil
}

// Issued returns the total ever credited into the ledger for an asset
func (bt *BalanceTracker) Issued(asset string) fpmath.Amount {
	return bt.issued[asset]
}

// SetBalance overwrites one balance (used during snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance fpmath.Amount) {
	if balance.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}

// SetIssued overwrites the issued total of an asset (used during snapshot restore)
func (bt *BalanceTracker) SetIssued(asset string, issued fpmath.Amount) {
	bt.issued[asset] = issued
}

// ComputeSupply sums all account balances per asset
func (bt *BalanceTracker) ComputeSupply() (map[string]fpmath.Amount, error) {
	totals := make(map[string]fpmath.Amount)
	for key, balance := range bt.balances {
		sum, err := totals[key.Asset].CheckedAdd(balance)
		if err != nil {
			return nil, fmt.Errorf("supply of %s: %w", key.Asset, err)
		}
		totals[key.Asset] = sum
	}
	return totals, nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Amount {
	snapshot := make(map[AccountKey]fpmath.Amount, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// IssuedSnapshot returns a copy of the issued totals
func (bt *BalanceTracker) IssuedSnapshot() map[string]fpmath.Amount {
	snapshot := make(map[string]fpmath.Amount, len(bt.issued))
	for k, v := range bt.issued {
		snapshot[k] = v
	}
	return snapshot
}
