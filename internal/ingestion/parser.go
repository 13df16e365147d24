package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"RewardPool/internal/event"
	fpmath "RewardPool/internal/math"

	"github.com/google/uuid"
)

// ErrInvalidCommand marks a payload that can never be applied. Such
// messages are acked and dropped rather than redelivered.
var ErrInvalidCommand = errors.New("ingestion: invalid command")

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParseCommand(eventType, raw.Data)
}

// ParseCommand decodes one JSON command. eventType is an event.EventType
// name such as "StakeDeposited".
func ParseCommand(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypePoolCreated:
		return parsePoolCreated(data)
	case event.EventTypePoolConfigured:
		return parsePoolConfigured(data)
	case event.EventTypeTokensCredited:
		return parseTokensCredited(data)
	case event.EventTypeStakeDeposited:
		return parseStakeDeposited(data)
	case event.EventTypeStakeWithdrawn:
		return parseStakeWithdrawn(data)
	case event.EventTypeRewardClaimed:
		return parseRewardClaimed(data)
	case event.EventTypePoolClosed:
		return parsePoolClosed(data)
	case event.EventTypeEpochBegun:
		return parseEpochBegun(data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidCommand, eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings.

// commandJSON is the header every command carries.
type commandJSON struct {
	CommandID string  `json:"command_id"`
	Moment    *uint64 `json:"moment"`
	Sequence  *int64  `json:"sequence"`
}

type header struct {
	id       uuid.UUID
	moment   uint64
	sequence int64
}

// parse validates the header. A missing command_id gets a fresh one, which
// makes the command non-idempotent; a missing sequence marks it unsequenced.
func (c commandJSON) parse() (header, error) {
	h := header{sequence: event.Unsequenced}
	if c.CommandID == "" {
		h.id = uuid.New()
	} else {
		id, err := uuid.Parse(c.CommandID)
		if err != nil {
			return header{}, fmt.Errorf("%w: command_id: %v", ErrInvalidCommand, err)
		}
		h.id = id
	}
	if c.Moment == nil {
		return header{}, fmt.Errorf("%w: moment is required", ErrInvalidCommand)
	}
	if *c.Moment > event.MaxMoment {
		return header{}, fmt.Errorf("%w: moment %d past %d", ErrInvalidCommand, *c.Moment, event.MaxMoment)
	}
	h.moment = *c.Moment
	if c.Sequence != nil {
		if *c.Sequence < 0 {
			return header{}, fmt.Errorf("%w: negative sequence %d", ErrInvalidCommand, *c.Sequence)
		}
		h.sequence = *c.Sequence
	}
	return h, nil
}

func decode(name string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidCommand, name, err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, field)
	}
	return nil
}

func parseAmount(field, value string) (fpmath.Amount, error) {
	if err := required(field, value); err != nil {
		return fpmath.Amount{}, err
	}
	a, err := fpmath.ParseAmount(value)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, field, err)
	}
	return a, nil
}

type poolCreatedJSON struct {
	commandJSON
	PoolID         string `json:"pool_id"`
	Admin          string `json:"admin"`
	Timekeeper     string `json:"timekeeper"`
	StakeToken     string `json:"stake_token"`
	RewardToken    string `json:"reward_token"`
	BondingSeconds uint64 `json:"bonding_seconds"`
	BondingPolicy  string `json:"bonding_policy"`
}

func parsePoolCreated(data []byte) (*event.PoolCreated, error) {
	var j poolCreatedJSON
	if err := decode("PoolCreated", data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	for field, value := range map[string]string{
		"pool_id":      j.PoolID,
		"admin":        j.Admin,
		"stake_token":  j.StakeToken,
		"reward_token": j.RewardToken,
	} {
		if err := required(field, value); err != nil {
			return nil, err
		}
	}
	return &event.PoolCreated{
		CommandID:      h.id,
		Pool:           j.PoolID,
		Admin:          j.Admin,
		Timekeeper:     j.Timekeeper,
		StakeToken:     j.StakeToken,
		RewardToken:    j.RewardToken,
		BondingSeconds: j.BondingSeconds,
		BondingPolicy:  j.BondingPolicy,
		At:             h.moment,
		Sequence:       h.sequence,
	}, nil
}

type poolConfiguredJSON struct {
	commandJSON
	PoolID         string  `json:"pool_id"`
	Caller         string  `json:"caller"`
	BondingSeconds *uint64 `json:"bonding_seconds"`
	BondingPolicy  *string `json:"bonding_policy"`
	Timekeeper     *string `json:"timekeeper"`
}

func parsePoolConfigured(data []byte) (*event.PoolConfigured, error) {
	var j poolConfiguredJSON
	if err := decode("PoolConfigured", data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	if err := required("pool_id", j.PoolID); err != nil {
		return nil, err
	}
	if err := required("caller", j.Caller); err != nil {
		return nil, err
	}
	if j.BondingSeconds == nil && j.BondingPolicy == nil && j.Timekeeper == nil {
		return nil, fmt.Errorf("%w: PoolConfigured changes nothing", ErrInvalidCommand)
	}
	return &event.PoolConfigured{
		CommandID:      h.id,
		Pool:           j.PoolID,
		Caller:         j.Caller,
		BondingSeconds: j.BondingSeconds,
		BondingPolicy:  j.BondingPolicy,
		Timekeeper:     j.Timekeeper,
		At:             h.moment,
		Sequence:       h.sequence,
	}, nil
}

type tokensCreditedJSON struct {
	commandJSON
	Asset   string `json:"asset"`
	Account string `json:"account"`
	PoolID  string `json:"pool_id"`
	Amount  string `json:"amount"`
}

func parseTokensCredited(data []byte) (*event.TokensCredited, error) {
	var j tokensCreditedJSON
	if err := decode("TokensCredited", data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	if err := required("asset", j.Asset); err != nil {
		return nil, err
	}
	if (j.Account == "") == (j.PoolID == "") {
		return nil, fmt.Errorf("%w: exactly one of account and pool_id must be set", ErrInvalidCommand)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCommand)
	}
	return &event.TokensCredited{
		CommandID: h.id,
		Asset:     j.Asset,
		Account:   j.Account,
		Pool:      j.PoolID,
		Amount:    amount,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}

type stakeJSON struct {
	commandJSON
	PoolID  string `json:"pool_id"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (j stakeJSON) validate(withAmount bool) (header, fpmath.Amount, error) {
	h, err := j.parse()
	if err != nil {
		return header{}, fpmath.Amount{}, err
	}
	if err := required("pool_id", j.PoolID); err != nil {
		return header{}, fpmath.Amount{}, err
	}
	if err := required("account", j.Account); err != nil {
		return header{}, fpmath.Amount{}, err
	}
	if !withAmount {
		return h, fpmath.Amount{}, nil
	}
	amount, err := parseAmount("amount", j.Amount)
	return h, amount, err
}

// Zero amounts pass through: the engine owns that rule, and a withdrawal of
// zero from a closed pool is still a valid refund request.
func parseStakeDeposited(data []byte) (*event.StakeDeposited, error) {
	var j stakeJSON
	if err := decode("StakeDeposited", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.validate(true)
	if err != nil {
		return nil, err
	}
	return &event.StakeDeposited{
		CommandID: h.id,
		Pool:      j.PoolID,
		Account:   j.Account,
		Amount:    amount,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}

func parseStakeWithdrawn(data []byte) (*event.StakeWithdrawn, error) {
	var j stakeJSON
	if err := decode("StakeWithdrawn", data, &j); err != nil {
		return nil, err
	}
	h, amount, err := j.validate(true)
	if err != nil {
		return nil, err
	}
	return &event.StakeWithdrawn{
		CommandID: h.id,
		Pool:      j.PoolID,
		Account:   j.Account,
		Amount:    amount,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}

func parseRewardClaimed(data []byte) (*event.RewardClaimed, error) {
	var j stakeJSON
	if err := decode("RewardClaimed", data, &j); err != nil {
		return nil, err
	}
	h, _, err := j.validate(false)
	if err != nil {
		return nil, err
	}
	return &event.RewardClaimed{
		CommandID: h.id,
		Pool:      j.PoolID,
		Account:   j.Account,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}

type poolClosedJSON struct {
	commandJSON
	PoolID string `json:"pool_id"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

func parsePoolClosed(data []byte) (*event.PoolClosed, error) {
	var j poolClosedJSON
	if err := decode("PoolClosed", data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	if err := required("pool_id", j.PoolID); err != nil {
		return nil, err
	}
	if err := required("caller", j.Caller); err != nil {
		return nil, err
	}
	return &event.PoolClosed{
		CommandID: h.id,
		Pool:      j.PoolID,
		Caller:    j.Caller,
		Reason:    j.Reason,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}

type epochBegunJSON struct {
	commandJSON
	PoolID string  `json:"pool_id"`
	Caller string  `json:"caller"`
	Epoch  *uint64 `json:"epoch"`
}

func parseEpochBegun(data []byte) (*event.EpochBegun, error) {
	var j epochBegunJSON
	if err := decode("EpochBegun", data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	if err := required("pool_id", j.PoolID); err != nil {
		return nil, err
	}
	if err := required("caller", j.Caller); err != nil {
		return nil, err
	}
	if j.Epoch == nil {
		return nil, fmt.Errorf("%w: epoch is required", ErrInvalidCommand)
	}
	return &event.EpochBegun{
		CommandID: h.id,
		Pool:      j.PoolID,
		Caller:    j.Caller,
		Epoch:     *j.Epoch,
		At:        h.moment,
		Sequence:  h.sequence,
	}, nil
}
