package state

import (
	"fmt"

	fpmath "RewardPool/internal/math"
)

// UserState is one account's slice of a pool. Volume integrates this
// account's stake over time the same way PoolState.Volume does for the pool,
// so Volume/PoolState.Volume is the account's lifetime share.
type UserState struct {
	Pool             string        `json:"pool"`
	Account          string        `json:"account"`
	Staked           fpmath.Amount `json:"staked"`
	Volume           fpmath.Volume `json:"volume"`
	LastUpdate       Moment        `json:"last_update"`
	Claimed          fpmath.Amount `json:"claimed"`
	BondingRemaining Duration      `json:"bonding_remaining"`
	FirstStaked      Moment        `json:"first_staked"`
}

// UserStatus is a read-only view of an account at Now.
type UserStatus struct {
	Staked           fpmath.Amount `json:"staked"`
	Volume           fpmath.Volume `json:"volume"`
	Claimed          fpmath.Amount `json:"claimed"`
	Claimable        fpmath.Amount `json:"claimable"`
	BondingRemaining Duration      `json:"bonding_remaining"`
	Age              Duration      `json:"age"`
	Share            fpmath.Ratio  `json:"share"`
	Now              Moment        `json:"now"`
}

func NewUser(pool *PoolState, account string, now Moment) *UserState {
	return &UserState{
		Pool:             pool.ID,
		Account:          account,
		LastUpdate:       now,
		BondingRemaining: pool.Bonding,
	}
}

// advance returns the volume and bonding countdown at now. Bonding only runs
// down while something is staked.
func (u *UserState) advance(now Moment) (fpmath.Volume, Duration, error) {
	if now < u.LastUpdate {
		return fpmath.Volume{}, 0, fmt.Errorf("%w: account=%s last_update=%d now=%d",
			ErrNoTimeTravel, u.Account, u.LastUpdate, now)
	}
	elapsed := now - u.LastUpdate
	vol, err := u.Volume.CheckedAdd(u.Staked.Times(elapsed))
	if err != nil {
		return fpmath.Volume{}, 0, fmt.Errorf("account %s volume: %w", u.Account, err)
	}
	bonding := u.BondingRemaining
	if !u.Staked.IsZero() {
		if elapsed >= bonding {
			bonding = 0
		} else {
			bonding -= elapsed
		}
	}
	return vol, bonding, nil
}

func (u *UserState) update(now Moment) error {
	vol, bonding, err := u.advance(now)
	if err != nil {
		return err
	}
	u.Volume = vol
	u.BondingRemaining = bonding
	u.LastUpdate = now
	return nil
}

// Lock adds amount to the account's stake. Pool and account are both brought
// up to now first. Both are left untouched on any error.
func (u *UserState) Lock(p *PoolState, now Moment, amount fpmath.Amount) (fpmath.Amount, error) {
	if p.IsClosed() {
		return fpmath.Amount{}, fmt.Errorf("%w: deposit into pool %s", ErrPoolClosed, p.ID)
	}
	if amount.IsZero() {
		return fpmath.Amount{}, fmt.Errorf("%w: deposit", ErrZeroAmount)
	}

	pn, un := *p, *u
	if _, err := pn.Update(now); err != nil {
		return fpmath.Amount{}, err
	}
	if err := un.update(now); err != nil {
		return fpmath.Amount{}, err
	}

	fresh := un.Staked.IsZero()
	staked, err := un.Staked.CheckedAdd(amount)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("account %s staked: %w", u.Account, err)
	}
	if err := pn.addStake(amount); err != nil {
		return fpmath.Amount{}, err
	}
	un.Staked = staked
	if fresh {
		un.FirstStaked = now
	}
	if fresh || p.Policy == BondingResetOnEveryDeposit {
		un.BondingRemaining = p.Bonding
	}

	*p, *u = pn, un
	return amount, nil
}

// Retrieve removes amount from the account's stake. Closed pools accept it;
// that is how forced refunds unwind positions.
func (u *UserState) Retrieve(p *PoolState, now Moment, amount fpmath.Amount) (fpmath.Amount, error) {
	if amount.Gt(u.Staked) {
		return fpmath.Amount{}, fmt.Errorf("%w: account=%s staked=%s requested=%s",
			ErrInsufficientBalance, u.Account, u.Staked, amount)
	}

	pn, un := *p, *u
	if _, err := pn.Update(now); err != nil {
		return fpmath.Amount{}, err
	}
	if err := un.update(now); err != nil {
		return fpmath.Amount{}, err
	}
	staked, err := un.Staked.CheckedSub(amount)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("account %s staked: %w", u.Account, err)
	}
	if err := pn.removeStake(amount); err != nil {
		return fpmath.Amount{}, err
	}
	un.Staked = staked

	*p, *u = pn, un
	return amount, nil
}

// unlocked is the account's lifetime share of budget.
func unlocked(budget fpmath.Amount, userVol, poolVol fpmath.Volume) (fpmath.Amount, error) {
	if poolVol.IsZero() {
		return fpmath.Amount{}, ErrEmptyPool
	}
	return fpmath.Diminish(budget, userVol, poolVol)
}

// Claimable is what Claim would pay at now ignoring the bonding gate. Pure read.
func (u *UserState) Claimable(p *PoolState, now Moment, budget fpmath.Amount) (fpmath.Amount, error) {
	poolVol, err := p.volumeAt(now)
	if err != nil {
		return fpmath.Amount{}, err
	}
	userVol, _, err := u.advance(now)
	if err != nil {
		return fpmath.Amount{}, err
	}
	share, err := unlocked(budget, userVol, poolVol)
	if err != nil {
		return fpmath.Amount{}, err
	}
	return share.SaturatingSub(u.Claimed), nil
}

// Claim pays out the account's unclaimed share of budget and restarts
// bonding. The payout never exceeds what custody still holds, which is
// budget minus everything the pool has already paid.
func (u *UserState) Claim(p *PoolState, now Moment, budget fpmath.Amount) (fpmath.Amount, error) {
	pn, un := *p, *u
	if _, err := pn.Update(now); err != nil {
		return fpmath.Amount{}, err
	}
	if err := un.update(now); err != nil {
		return fpmath.Amount{}, err
	}
	if un.BondingRemaining > 0 {
		return fpmath.Amount{}, fmt.Errorf("%w: account=%s remaining=%ds",
			ErrBondingNotElapsed, u.Account, un.BondingRemaining)
	}

	share, err := unlocked(budget, un.Volume, pn.Volume)
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("claim on pool %s: %w", p.ID, err)
	}
	if !share.Gt(un.Claimed) {
		if share.IsZero() && un.Claimed.IsZero() {
			return fpmath.Amount{}, fmt.Errorf("%w: account %s has not earned any rewards", ErrNothingToClaim, u.Account)
		}
		return fpmath.Amount{}, fmt.Errorf("%w: account %s already claimed %s", ErrNothingToClaim, u.Account, un.Claimed)
	}

	payable := share.SaturatingSub(un.Claimed).Min(budget.SaturatingSub(pn.Claimed))
	if payable.IsZero() {
		return fpmath.Amount{}, fmt.Errorf("%w: pool %s reward balance exhausted", ErrNothingToClaim, p.ID)
	}
	if un.Claimed, err = un.Claimed.CheckedAdd(payable); err != nil {
		return fpmath.Amount{}, fmt.Errorf("account %s claimed: %w", u.Account, err)
	}
	if pn.Claimed, err = pn.Claimed.CheckedAdd(payable); err != nil {
		return fpmath.Amount{}, fmt.Errorf("pool %s claimed: %w", p.ID, err)
	}
	un.BondingRemaining = p.Bonding

	*p, *u = pn, un
	return payable, nil
}

// Status reports the account at now without persisting anything. An empty
// pool reports zero claimable rather than an error.
func (u *UserState) Status(p *PoolState, now Moment, budget fpmath.Amount) (UserStatus, error) {
	poolVol, err := p.volumeAt(now)
	if err != nil {
		return UserStatus{}, err
	}
	userVol, bonding, err := u.advance(now)
	if err != nil {
		return UserStatus{}, err
	}

	var claimable fpmath.Amount
	if !poolVol.IsZero() {
		share, err := unlocked(budget, userVol, poolVol)
		if err != nil {
			return UserStatus{}, err
		}
		claimable = share.SaturatingSub(u.Claimed)
	}

	var age Duration
	if !u.Staked.IsZero() {
		age = now - u.FirstStaked
	}

	return UserStatus{
		Staked:           u.Staked,
		Volume:           userVol,
		Claimed:          u.Claimed,
		Claimable:        claimable,
		BondingRemaining: bonding,
		Age:              age,
		Share:            fpmath.Ratio{Num: userVol, Den: poolVol},
		Now:              now,
	}, nil
}
