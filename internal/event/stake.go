package event

import (
	fpmath "RewardPool/internal/math"

	"github.com/google/uuid"
)

type StakeDeposited struct {
	CommandID uuid.UUID     `json:"command_id"`
	Pool      string        `json:"pool_id"`
	Account   string        `json:"account"`
	Amount    fpmath.Amount `json:"amount"`
	At        uint64        `json:"moment"`
	Sequence  int64         `json:"sequence"`
}

func (e *StakeDeposited) IdempotencyKey() string { return e.CommandID.String() }
func (e *StakeDeposited) EventType() EventType { return EventTypeStakeDeposited }
func (e *StakeDeposited) PoolID() string { return e.Pool }
func (e *StakeDeposited) SourceSequence() int64 { return e.Sequence }
func (e *StakeDeposited) Moment() uint64 { return e.At }

// StakeWithdrawn asks for Amount back. On a closed pool the whole stake is
// returned whatever Amount says.
type StakeWithdrawn struct {
	CommandID uuid.UUID     `json:"command_id"`
	Pool      string        `json:"pool_id"`
	Account   string        `json:"account"`
	Amount    fpmath.Amount `json:"amount"`
	At        uint64        `json:"moment"`
	Sequence  int64         `json:"sequence"`
}

func (e *StakeWithdrawn) IdempotencyKey() string { return e.CommandID.String() }
func (e *StakeWithdrawn) EventType() EventType { return EventTypeStakeWithdrawn }
func (e *StakeWithdrawn) PoolID() string { return e.Pool }
func (e *StakeWithdrawn) SourceSequence() int64 { return e.Sequence }
func (e *StakeWithdrawn) Moment() uint64 { return e.At }

type RewardClaimed struct {
	CommandID uuid.UUID `json:"command_id"`
	Pool      string    `json:"pool_id"`
	Account   string    `json:"account"`
	At        uint64    `json:"moment"`
	Sequence  int64     `json:"sequence"`
}

func (e *RewardClaimed) IdempotencyKey() string { return e.CommandID.String() }
func (e *RewardClaimed) EventType() EventType { return EventTypeRewardClaimed }
func (e *RewardClaimed) PoolID() string { return e.Pool }
func (e *RewardClaimed) SourceSequence() int64 { return e.Sequence }
func (e *RewardClaimed) Moment() uint64 { return e.At }
