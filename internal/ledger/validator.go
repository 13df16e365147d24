package ledger

import (
	"fmt"

	fpmath "RewardPool/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCustodyCoversStake verifies a pool's custody holds at least the
// principal its accounts have staked.
func (v *InvariantValidator) ValidateCustodyCoversStake(poolID, stakeAsset string, staked fpmath.Amount) error {
	key := NewCustodyAccountKey(poolID, stakeAsset)
	held := v.tracker.GetBalance(key)
	if held.Lt(staked) {
		return fmt.Errorf("custody %s holds %s but %s is staked", key.AccountPath(), held, staked)
	}
	return nil
}

// ValidateSupply verifies that no tokens were created or destroyed: the sum
// of balances of every asset equals what was issued for it.
func (v *InvariantValidator) ValidateSupply() error {
	totals, err := v.tracker.ComputeSupply()
	if err != nil {
		return err
	}

	for asset, issued := range v.tracker.IssuedSnapshot() {
		if !totals[asset].Eq(issued) {
			return fmt.Errorf("supply of %s is %s, issued %s", asset, totals[asset], issued)
		}
		delete(totals, asset)
	}
	for asset, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("supply of %s is %s with nothing issued", asset, total)
		}
	}

	return nil
}
