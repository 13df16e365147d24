package projection

import (
	"RewardPool/internal/rewards"
)

// HistoryEntry is one row of an account's reward history
type HistoryEntry struct {
	Sequence  int64
	PoolID    string
	Account   string
	Action    rewards.Action
	Principal string
	Reward    string
	Timestamp int64 // command moment, seconds
}

// historyActions are the outcomes that move an account's tokens.
var historyActions = map[rewards.Action]bool{
	rewards.ActionDeposited: true,
	rewards.ActionWithdrawn: true,
	rewards.ActionClaimed:   true,
	rewards.ActionRefunded:  true,
}

// HistoryEntryFor returns the history row an outcome produces, if any.
func HistoryEntryFor(sequence int64, moment int64, out *rewards.Outcome) (HistoryEntry, bool) {
	if out == nil || out.Pool == "" || out.Account == "" || !historyActions[out.Action] {
		return HistoryEntry{}, false
	}
	return HistoryEntry{
		Sequence:  sequence,
		PoolID:    out.Pool,
		Account:   out.Account,
		Action:    out.Action,
		Principal: out.Principal.String(),
		Reward:    out.Reward.String(),
		Timestamp: moment,
	}, true
}
