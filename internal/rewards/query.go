package rewards

import (
	"errors"
	"fmt"

	fpmath "RewardPool/internal/math"
	"RewardPool/internal/state"
	"RewardPool/internal/store"
)

// PoolInfo is the read model of a pool at a moment.
type PoolInfo struct {
	Pool          *state.PoolState `json:"pool"`
	Status        state.PoolStatus `json:"status"`
	Clock         state.ClockView  `json:"clock"`
	Budget        fpmath.Amount    `json:"budget"`
	RewardBalance fpmath.Amount    `json:"reward_balance"`
}

// UserInfo is the read model of one account at a moment.
type UserInfo struct {
	Pool    string           `json:"pool_id"`
	Account string           `json:"account"`
	Status  state.UserStatus `json:"status"`
	Closure *state.Closure   `json:"closure,omitempty"`
}

// PoolInfo reports a pool without changing anything.
func (e *Engine) PoolInfo(poolID string, now state.Moment) (*PoolInfo, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	status, err := p.Status(now)
	if err != nil {
		return nil, err
	}
	clock, err := p.Epoch(now)
	if err != nil {
		return nil, err
	}
	budget, balance, err := e.budget(p)
	if err != nil {
		return nil, err
	}
	return &PoolInfo{Pool: p, Status: status, Clock: clock, Budget: budget, RewardBalance: balance}, nil
}

// UserInfo reports an account without changing anything. Closed pools pay
// no rewards, so claimable is zero there.
func (e *Engine) UserInfo(poolID, account string, now state.Moment) (*UserInfo, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	u, found, err := e.loadUser(p, account, now)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s in pool %s", state.ErrUnknownAccount, account, poolID)
	}
	budget, _, err := e.budget(p)
	if err != nil {
		return nil, err
	}
	status, err := u.Status(p, now, budget)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		status.Claimable = fpmath.Amount{}
	}
	return &UserInfo{Pool: p.ID, Account: account, Status: status, Closure: p.Closed}, nil
}

// Pools lists every stored pool in id order.
func (e *Engine) Pools() ([]*state.PoolState, error) {
	var pools []*state.PoolState
	err := e.kv.Iterate(state.PoolsPrefix(), func(_, value []byte) error {
		p, err := state.DecodePool(value)
		if err != nil {
			return err
		}
		pools = append(pools, p)
		return nil
	})
	return pools, err
}

// Users lists every account record of a pool in account order.
func (e *Engine) Users(poolID string) ([]*state.UserState, error) {
	if _, err := e.loadPool(poolID); err != nil {
		return nil, err
	}
	var users []*state.UserState
	err := e.kv.Iterate(state.UserPrefix(poolID), func(_, value []byte) error {
		u, err := state.DecodeUser(value)
		if err != nil {
			return err
		}
		users = append(users, u)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return users, nil
}
