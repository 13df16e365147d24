package event

import "github.com/google/uuid"

// PoolCreated instantiates a pool. Admin and Timekeeper are the identities
// later admin commands are checked against.
type PoolCreated struct {
	CommandID      uuid.UUID `json:"command_id"`
	Pool           string    `json:"pool_id"`
	Admin          string    `json:"admin"`
	Timekeeper     string    `json:"timekeeper"`
	StakeToken     string    `json:"stake_token"`
	RewardToken    string    `json:"reward_token"`
	BondingSeconds uint64    `json:"bonding_seconds"`
	BondingPolicy  string    `json:"bonding_policy,omitempty"`
	At             uint64    `json:"moment"`
	Sequence       int64     `json:"sequence"`
}

func (e *PoolCreated) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolCreated) EventType() EventType { return EventTypePoolCreated }
func (e *PoolCreated) PoolID() string { return e.Pool }
func (e *PoolCreated) SourceSequence() int64 { return e.Sequence }
func (e *PoolCreated) Moment() uint64 { return e.At }

// PoolConfigured changes admin parameters. Nil fields are left as they are.
type PoolConfigured struct {
	CommandID      uuid.UUID `json:"command_id"`
	Pool           string    `json:"pool_id"`
	Caller         string    `json:"caller"`
	BondingSeconds *uint64   `json:"bonding_seconds,omitempty"`
	BondingPolicy  *string   `json:"bonding_policy,omitempty"`
	Timekeeper     *string   `json:"timekeeper,omitempty"`
	At             uint64    `json:"moment"`
	Sequence       int64     `json:"sequence"`
}

func (e *PoolConfigured) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolConfigured) EventType() EventType { return EventTypePoolConfigured }
func (e *PoolConfigured) PoolID() string { return e.Pool }
func (e *PoolConfigured) SourceSequence() int64 { return e.Sequence }
func (e *PoolConfigured) Moment() uint64 { return e.At }

type PoolClosed struct {
	CommandID uuid.UUID `json:"command_id"`
	Pool      string    `json:"pool_id"`
	Caller    string    `json:"caller"`
	Reason    string    `json:"reason"`
	At        uint64    `json:"moment"`
	Sequence  int64     `json:"sequence"`
}

func (e *PoolClosed) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolClosed) EventType() EventType { return EventTypePoolClosed }
func (e *PoolClosed) PoolID() string { return e.Pool }
func (e *PoolClosed) SourceSequence() int64 { return e.Sequence }
func (e *PoolClosed) Moment() uint64 { return e.At }

// EpochBegun is issued by the timekeeper to release the next reward tranche.
type EpochBegun struct {
	CommandID uuid.UUID `json:"command_id"`
	Pool      string    `json:"pool_id"`
	Caller    string    `json:"caller"`
	Epoch     uint64    `json:"epoch"`
	At        uint64    `json:"moment"`
	Sequence  int64     `json:"sequence"`
}

func (e *EpochBegun) IdempotencyKey() string { return e.CommandID.String() }
func (e *EpochBegun) EventType() EventType { return EventTypeEpochBegun }
func (e *EpochBegun) PoolID() string { return e.Pool }
func (e *EpochBegun) SourceSequence() int64 { return e.Sequence }
func (e *EpochBegun) Moment() uint64 { return e.At }
