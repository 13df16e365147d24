package state

import (
	"fmt"

	fpmath "RewardPool/internal/math"
)

// Moment is a caller-supplied timestamp in seconds. Duration is a span of seconds.
type (
	Moment   = uint64
	Duration = uint64
)

// BondingPolicy decides when a deposit restarts the bonding countdown.
type BondingPolicy string

const (
	// BondingResetOnFirstDeposit restarts the countdown only when the stake
	// goes from zero to non-zero. Topping up an aging position keeps its age.
	BondingResetOnFirstDeposit BondingPolicy = "reset_on_first_deposit"
	// BondingResetOnEveryDeposit restarts the countdown on every deposit.
	BondingResetOnEveryDeposit BondingPolicy = "reset_on_every_deposit"
)

func (bp BondingPolicy) Valid() bool {
	return bp == BondingResetOnFirstDeposit || bp == BondingResetOnEveryDeposit
}

// Closure records when and why a pool stopped accepting stake.
type Closure struct {
	Moment Moment        `json:"moment"`
	Reason string        `json:"reason"`
	Staked fpmath.Amount `json:"staked"` // pool stake at the moment of closing
}

// PoolConfig carries the parameters a pool is created with.
type PoolConfig struct {
	ID          string
	Admin       string
	Timekeeper  string
	StakeToken  string
	RewardToken string
	Bonding     Duration
	Policy      BondingPolicy
}

// PoolState is the shared accumulator every account of one pool reads and
// writes. volume is the integral of staked over time since launch.
type PoolState struct {
	ID          string        `json:"id"`
	Admin       string        `json:"admin"`
	Timekeeper  string        `json:"timekeeper"`
	StakeToken  string        `json:"stake_token"`
	RewardToken string        `json:"reward_token"`
	Launched    Moment        `json:"launched"`
	Bonding     Duration      `json:"bonding_default"`
	Policy      BondingPolicy `json:"bonding_policy"`

	LastUpdate Moment        `json:"last_update"`
	Staked     fpmath.Amount `json:"staked"`
	Volume     fpmath.Volume `json:"volume"`
	Claimed    fpmath.Amount `json:"claimed"`
	Clock      Clock         `json:"clock"`
	Closed     *Closure      `json:"closed,omitempty"`
}

// PoolStatus is a point-in-time view of the accumulator.
type PoolStatus struct {
	Staked     fpmath.Amount `json:"staked"`
	Volume     fpmath.Volume `json:"volume"`
	LastUpdate Moment        `json:"last_update"`
	Now        Moment        `json:"now"`
}

func NewPool(cfg PoolConfig, now Moment) *PoolState {
	policy := cfg.Policy
	if policy == "" {
		policy = BondingResetOnFirstDeposit
	}
	return &PoolState{
		ID:          cfg.ID,
		Admin:       cfg.Admin,
		Timekeeper:  cfg.Timekeeper,
		StakeToken:  cfg.StakeToken,
		RewardToken: cfg.RewardToken,
		Launched:    now,
		Bonding:     cfg.Bonding,
		Policy:      policy,
		LastUpdate:  now,
		Clock:       Clock{Started: now},
	}
}

func (p *PoolState) IsClosed() bool {
	return p.Closed != nil
}

// SharesRewardToken reports whether stake and rewards are the same asset, in
// which case custody holds both and staked principal is not part of the budget.
func (p *PoolState) SharesRewardToken() bool {
	return p.StakeToken == p.RewardToken
}

// volumeAt projects volume forward to now without touching state.
func (p *PoolState) volumeAt(now Moment) (fpmath.Volume, error) {
	if now < p.LastUpdate {
		return fpmath.Volume{}, fmt.Errorf("%w: pool=%s last_update=%d now=%d",
			ErrNoTimeTravel, p.ID, p.LastUpdate, now)
	}
	vol, err := p.Volume.CheckedAdd(p.Staked.Times(now - p.LastUpdate))
	if err != nil {
		return fpmath.Volume{}, fmt.Errorf("pool %s volume: %w", p.ID, err)
	}
	return vol, nil
}

// Update rolls volume forward to now. It must run before every change to
// Staked and before every read that depends on Volume. Closed pools still
// advance so the integral stays auditable.
func (p *PoolState) Update(now Moment) (fpmath.Amount, error) {
	vol, err := p.volumeAt(now)
	if err != nil {
		return fpmath.Amount{}, err
	}
	p.Volume = vol
	p.LastUpdate = now
	return p.Staked, nil
}

// Status is the read-only form of Update.
func (p *PoolState) Status(now Moment) (PoolStatus, error) {
	vol, err := p.volumeAt(now)
	if err != nil {
		return PoolStatus{}, err
	}
	return PoolStatus{
		Staked:     p.Staked,
		Volume:     vol,
		LastUpdate: p.LastUpdate,
		Now:        now,
	}, nil
}

// Budget is every reward ever made available: what has been paid out plus
// what custody still holds.
func (p *PoolState) Budget(rewardBalance fpmath.Amount) (fpmath.Amount, error) {
	budget, err := p.Claimed.CheckedAdd(rewardBalance)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("pool %s budget: %w", p.ID, err)
	}
	return budget, nil
}

// Close freezes the pool. Only the admin may close, and only once.
func (p *PoolState) Close(now Moment, caller, reason string) error {
	if caller != p.Admin {
		return fmt.Errorf("%w: close pool %s by %q", ErrUnauthorized, p.ID, caller)
	}
	if p.IsClosed() {
		return fmt.Errorf("%w: pool %s at %d", ErrAlreadyClosed, p.ID, p.Closed.Moment)
	}
	if _, err := p.Update(now); err != nil {
		return err
	}
	p.Closed = &Closure{Moment: now, Reason: reason, Staked: p.Staked}
	return nil
}

// Configure changes admin-controlled parameters of an open pool. Nil
// arguments leave the current value in place.
func (p *PoolState) Configure(caller string, bonding *Duration, policy *BondingPolicy, timekeeper *string) error {
	if caller != p.Admin {
		return fmt.Errorf("%w: configure pool %s by %q", ErrUnauthorized, p.ID, caller)
	}
	if p.IsClosed() {
		return fmt.Errorf("%w: configure pool %s", ErrPoolClosed, p.ID)
	}
	if policy != nil && !policy.Valid() {
		return fmt.Errorf("pool %s: unknown bonding policy %q", p.ID, *policy)
	}
	if bonding != nil {
		p.Bonding = *bonding
	}
	if policy != nil {
		p.Policy = *policy
	}
	if timekeeper != nil {
		p.Timekeeper = *timekeeper
	}
	return nil
}

func (p *PoolState) addStake(amount fpmath.Amount) error {
	staked, err := p.Staked.CheckedAdd(amount)
	if err != nil {
		return fmt.Errorf("pool %s staked: %w", p.ID, err)
	}
	p.Staked = staked
	return nil
}

func (p *PoolState) removeStake(amount fpmath.Amount) error {
	staked, err := p.Staked.CheckedSub(amount)
	if err != nil {
		return fmt.Errorf("pool %s staked: %w", p.ID, err)
	}
	p.Staked = staked
	return nil
}
