package event

import (
	"encoding/json"
	"fmt"

	fpmath "RewardPool/internal/math"

	"github.com/google/uuid"
)

// TokensCredited mints Amount of Asset into an account, or into a pool's
// custody when Pool is set. This is how stakers get funds and how reward
// tranches are delivered.
type TokensCredited struct {
	CommandID uuid.UUID     `json:"command_id"`
	Asset     string        `json:"asset"`
	Account   string        `json:"account,omitempty"`
	Pool      string        `json:"pool_id,omitempty"`
	Amount    fpmath.Amount `json:"amount"`
	At        uint64        `json:"moment"`
	Sequence  int64         `json:"sequence"`
}

func (e *TokensCredited) IdempotencyKey() string { return e.CommandID.String() }
func (e *TokensCredited) EventType() EventType { return EventTypeTokensCredited }
func (e *TokensCredited) PoolID() string { return "" }
func (e *TokensCredited) SourceSequence() int64 { return e.Sequence }
func (e *TokensCredited) Moment() uint64 { return e.At }

// Decode rebuilds a command from its logged payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePoolCreated:
		evt = &PoolCreated{}
	case EventTypePoolConfigured:
		evt = &PoolConfigured{}
	case EventTypeTokensCredited:
		evt = &TokensCredited{}
	case EventTypeStakeDeposited:
		evt = &StakeDeposited{}
	case EventTypeStakeWithdrawn:
		evt = &StakeWithdrawn{}
	case EventTypeRewardClaimed:
		evt = &RewardClaimed{}
	case EventTypePoolClosed:
		evt = &PoolClosed{}
	case EventTypeEpochBegun:
		evt = &EpochBegun{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
