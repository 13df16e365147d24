package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolCreated
	EventTypePoolConfigured
	EventTypeTokensCredited
	EventTypeStakeDeposited
	EventTypeStakeWithdrawn
	EventTypeRewardClaimed
	EventTypePoolClosed
	EventTypeEpochBegun
)

// Unsequenced marks a command that did not come from an ordered upstream
// stream (gRPC submissions). Sequence validation is skipped for it.
const Unsequenced int64 = -1

// MaxMoment is the last second of year 9999, the latest moment the event
// log's timestamp column holds.
const MaxMoment uint64 = 253402300799

// EventEnvelope wraps every applied or rejected command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Pool context (empty for token credits to plain accounts)
	PoolID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded outcome (transfers, refunds, closure tag)
	Result []byte

	// Rejection reason label; empty when the command was applied
	Rejection string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Rejected reports whether the command was refused by the engine.
func (e *EventEnvelope) Rejected() bool {
	return e.Rejection != ""
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PoolID returns the pool context ("" for global commands)
	PoolID() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Moment is the caller-supplied time the command executes at
	Moment() uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolCreated:
		return "PoolCreated"
	case EventTypePoolConfigured:
		return "PoolConfigured"
	case EventTypeTokensCredited:
		return "TokensCredited"
	case EventTypeStakeDeposited:
		return "StakeDeposited"
	case EventTypeStakeWithdrawn:
		return "StakeWithdrawn"
	case EventTypeRewardClaimed:
		return "RewardClaimed"
	case EventTypePoolClosed:
		return "PoolClosed"
	case EventTypeEpochBegun:
		return "EpochBegun"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypePoolCreated; et <= EventTypeEpochBegun; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
