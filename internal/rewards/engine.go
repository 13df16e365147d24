package rewards

import (
	"errors"
	"fmt"

	fpmath "RewardPool/internal/math"
	"RewardPool/internal/state"
	"RewardPool/internal/store"
	"RewardPool/internal/token"
)

// KV is the store view one command runs against. store.Tx satisfies it.
type KV interface {
	store.Reader
	Put(key, value []byte)
}

// Action names what a command did.
type Action string

const (
	ActionCreated    Action = "created"
	ActionConfigured Action = "configured"
	ActionDeposited  Action = "deposited"
	ActionWithdrawn  Action = "withdrawn"
	ActionClaimed    Action = "claimed"
	ActionRefunded   Action = "refunded"
	ActionClosed     Action = "closed"
	ActionEpoch      Action = "epoch"

	// ActionCredited is reported by the host for token credits, which never
	// pass through the engine.
	ActionCredited Action = "credited"
)

// Outcome is the result of one successful command.
type Outcome struct {
	Action    Action                      `json:"action"`
	Pool      string                      `json:"pool_id"`
	Account   string                      `json:"account,omitempty"`
	Principal fpmath.Amount               `json:"principal"`
	Reward    fpmath.Amount               `json:"reward"`
	Epoch     uint64                      `json:"epoch,omitempty"`
	Closure   *state.Closure              `json:"closure,omitempty"`
	Transfers []token.TransferInstruction `json:"transfers,omitempty"`

	// Records written by the command, for projections.
	PoolState *state.PoolState `json:"-"`
	UserState *state.UserState `json:"-"`
}

// Engine runs the deposit/withdraw/claim state machine over a KV view. It
// holds no state of its own; every record is loaded from and saved to kv.
type Engine struct {
	kv   KV
	bank token.Querier
}

func New(kv KV, bank token.Querier) *Engine {
	return &Engine{kv: kv, bank: bank}
}

func (e *Engine) loadPool(poolID string) (*state.PoolState, error) {
	data, err := e.kv.Get(state.PoolKey(poolID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolNotFound, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", poolID, err)
	}
	return state.DecodePool(data)
}

// loadUser returns the stored account, or a fresh one that is only
// persisted if the command goes on to save it.
func (e *Engine) loadUser(p *state.PoolState, account string, now state.Moment) (*state.UserState, bool, error) {
	data, err := e.kv.Get(state.UserKey(p.ID, account))
	if errors.Is(err, store.ErrNotFound) {
		return state.NewUser(p, account, now), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s/%s: %w", p.ID, account, err)
	}
	u, err := state.DecodeUser(data)
	return u, true, err
}

func (e *Engine) save(p *state.PoolState, u *state.UserState) error {
	data, err := state.EncodePool(p)
	if err != nil {
		return err
	}
	e.kv.Put(state.PoolKey(p.ID), data)
	if u == nil {
		return nil
	}
	data, err = state.EncodeUser(u)
	if err != nil {
		return err
	}
	e.kv.Put(state.UserKey(p.ID, u.Account), data)
	return nil
}

// rewardBalance is the part of custody that is reward rather than principal.
func (e *Engine) rewardBalance(p *state.PoolState) (fpmath.Amount, error) {
	held, err := e.bank.BalanceOf(p.RewardToken, token.Custody(p.ID))
	if err != nil {
		return fpmath.Amount{}, fmt.Errorf("balance of %s custody: %w", p.ID, err)
	}
	if p.SharesRewardToken() {
		return held.SaturatingSub(p.Staked), nil
	}
	return held, nil
}

func (e *Engine) budget(p *state.PoolState) (fpmath.Amount, fpmath.Amount, error) {
	balance, err := e.rewardBalance(p)
	if err != nil {
		return fpmath.Amount{}, fpmath.Amount{}, err
	}
	budget, err := p.Budget(balance)
	return budget, balance, err
}

// CreatePool stores a new open pool launched at now.
func (e *Engine) CreatePool(cfg state.PoolConfig, now state.Moment) (*Outcome, error) {
	if err := token.ValidateAccountID(cfg.ID); err != nil {
		return nil, fmt.Errorf("pool id: %w", err)
	}
	if cfg.Admin == "" || cfg.StakeToken == "" || cfg.RewardToken == "" {
		return nil, fmt.Errorf("pool %s: admin, stake token and reward token are required", cfg.ID)
	}
	if cfg.Policy != "" && !cfg.Policy.Valid() {
		return nil, fmt.Errorf("pool %s: unknown bonding policy %q", cfg.ID, cfg.Policy)
	}
	_, err := e.kv.Get(state.PoolKey(cfg.ID))
	if err == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolExists, cfg.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if cfg.Timekeeper == "" {
		cfg.Timekeeper = cfg.Admin
	}

	p := state.NewPool(cfg, now)
	if err := e.save(p, nil); err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionCreated, Pool: p.ID, PoolState: p}, nil
}

// Configure updates bonding and timekeeper settings of an open pool.
func (e *Engine) Configure(poolID, caller string, bonding *state.Duration, policy *state.BondingPolicy, timekeeper *string) (*Outcome, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if err := p.Configure(caller, bonding, policy, timekeeper); err != nil {
		return nil, err
	}
	if err := e.save(p, nil); err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionConfigured, Pool: p.ID, PoolState: p}, nil
}

// Deposit stakes amount for account and pulls it into custody.
func (e *Engine) Deposit(poolID, account string, amount fpmath.Amount, now state.Moment) (*Outcome, error) {
	if err := token.ValidateAccountID(account); err != nil {
		return nil, err
	}
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	u, _, err := e.loadUser(p, account, now)
	if err != nil {
		return nil, err
	}
	locked, err := u.Lock(p, now, amount)
	if err != nil {
		return nil, err
	}
	if err := e.save(p, u); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:    ActionDeposited,
		Pool:      p.ID,
		Account:   account,
		Principal: locked,
		Transfers: []token.TransferInstruction{
			token.TransferFrom(token.PurposeStake, p.StakeToken, token.Account(account), token.Custody(p.ID), locked),
		},
		PoolState: p,
		UserState: u,
	}, nil
}

// Withdraw returns amount of stake to account. On a closed pool it returns
// the whole stake instead.
func (e *Engine) Withdraw(poolID, account string, amount fpmath.Amount, now state.Moment) (*Outcome, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	u, _, err := e.loadUser(p, account, now)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		return e.forceRefund(p, u, now)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: withdraw", state.ErrZeroAmount)
	}

	retrieved, err := u.Retrieve(p, now, amount)
	if err != nil {
		return nil, err
	}
	if err := e.save(p, u); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:    ActionWithdrawn,
		Pool:      p.ID,
		Account:   account,
		Principal: retrieved,
		Transfers: []token.TransferInstruction{
			token.Transfer(token.PurposeUnstake, p.StakeToken, token.Custody(p.ID), token.Account(account), retrieved),
		},
		PoolState: p,
		UserState: u,
	}, nil
}

// Claim pays the account's accrued reward. On a closed pool it behaves like
// Withdraw: principal comes back and no reward is computed.
func (e *Engine) Claim(poolID, account string, now state.Moment) (*Outcome, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	u, _, err := e.loadUser(p, account, now)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		return e.forceRefund(p, u, now)
	}

	budget, _, err := e.budget(p)
	if err != nil {
		return nil, err
	}
	paid, err := u.Claim(p, now, budget)
	if err != nil {
		return nil, err
	}
	if err := e.save(p, u); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:  ActionClaimed,
		Pool:    p.ID,
		Account: account,
		Reward:  paid,
		Transfers: []token.TransferInstruction{
			token.Transfer(token.PurposeReward, p.RewardToken, token.Custody(p.ID), token.Account(account), paid),
		},
		PoolState: p,
		UserState: u,
	}, nil
}

func (e *Engine) forceRefund(p *state.PoolState, u *state.UserState, now state.Moment) (*Outcome, error) {
	refund := u.Staked
	if refund.IsZero() {
		// nothing to unwind, but the moment must still be valid
		if _, err := p.Update(now); err != nil {
			return nil, err
		}
		if err := e.save(p, nil); err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionRefunded, Pool: p.ID, Account: u.Account, Closure: p.Closed, PoolState: p}, nil
	}

	if _, err := u.Retrieve(p, now, refund); err != nil {
		return nil, err
	}
	if err := e.save(p, u); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:    ActionRefunded,
		Pool:      p.ID,
		Account:   u.Account,
		Principal: refund,
		Closure:   p.Closed,
		Transfers: []token.TransferInstruction{
			token.Transfer(token.PurposeRefund, p.StakeToken, token.Custody(p.ID), token.Account(u.Account), refund),
		},
		PoolState: p,
		UserState: u,
	}, nil
}

// Close permanently stops the pool. Only the admin may close it.
func (e *Engine) Close(poolID, caller, reason string, now state.Moment) (*Outcome, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if err := p.Close(now, caller, reason); err != nil {
		return nil, err
	}
	if err := e.save(p, nil); err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionClosed, Pool: p.ID, Closure: p.Closed, PoolState: p}, nil
}

// BeginEpoch advances the pool's epoch counter on behalf of the timekeeper.
func (e *Engine) BeginEpoch(poolID, caller string, next uint64, now state.Moment) (*Outcome, error) {
	p, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	if err := p.BeginEpoch(now, next, caller); err != nil {
		return nil, err
	}
	if err := e.save(p, nil); err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionEpoch, Pool: p.ID, Epoch: next, PoolState: p}, nil
}
