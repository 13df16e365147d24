package state

import (
	"errors"

	fpmath "RewardPool/internal/math"
)

// Rejection reasons. Every one of these aborts the enclosing command; callers
// match them with errors.Is.
var (
	ErrNoTimeTravel        = errors.New("rewards: moment precedes last update")
	ErrOverflow            = fpmath.ErrOverflow
	ErrUnderflow           = fpmath.ErrUnderflow
	ErrInsufficientBalance = errors.New("rewards: amount exceeds staked balance")
	ErrPoolClosed          = errors.New("rewards: pool is closed")
	ErrAlreadyClosed       = errors.New("rewards: pool already closed")
	ErrUnauthorized        = errors.New("rewards: caller lacks required role")
	ErrBondingNotElapsed   = errors.New("rewards: bonding period not elapsed")
	ErrEmptyPool           = errors.New("rewards: pool has accrued no volume")
	ErrNothingToClaim      = errors.New("rewards: nothing to claim")
	ErrInvalidEpoch        = errors.New("rewards: epoch must advance by exactly one")
	ErrZeroAmount          = errors.New("rewards: amount must be positive")
	ErrPoolNotFound        = errors.New("rewards: pool not found")
	ErrPoolExists          = errors.New("rewards: pool already exists")
	ErrUnknownAccount      = errors.New("rewards: account has no position")
)

// Reason maps an error onto a short stable label for metrics and
// rejection events.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoTimeTravel):
		return "no_time_travel"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrUnderflow):
		return "underflow"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBondingNotElapsed):
		return "bonding_not_elapsed"
	case errors.Is(err, ErrEmptyPool):
		return "empty_pool"
	case errors.Is(err, ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, ErrInvalidEpoch):
		return "invalid_epoch"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, ErrPoolExists):
		return "pool_exists"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, fpmath.ErrRatio):
		return "ratio"
	default:
		return "other"
	}
}
