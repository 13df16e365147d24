package state_test

import (
	"math/rand"
	"testing"

	fpmath "RewardPool/internal/math"
	"RewardPool/internal/state"

	"github.com/stretchr/testify/require"
)

func amt(x uint64) fpmath.Amount { return fpmath.NewAmount(x) }
func vol(x uint64) fpmath.Volume { return fpmath.NewVolume(x) }

func newTestPool(bonding state.Duration) *state.PoolState {
	return state.NewPool(state.PoolConfig{
		ID:          "pool-1",
		Admin:       "admin",
		Timekeeper:  "keeper",
		StakeToken:  "LP",
		RewardToken: "RWD",
		Bonding:     bonding,
	}, 0)
}

func mustLock(t *testing.T, p *state.PoolState, u *state.UserState, now state.Moment, amount uint64) {
	t.Helper()
	_, err := u.Lock(p, now, amt(amount))
	require.NoError(t, err)
}

func TestPool_LinearAccrual(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 100)

	st, err := p.Status(50)
	require.NoError(t, err)
	require.Equal(t, "5000", st.Volume.String())

	us, err := alice.Status(p, 50, amt(5000))
	require.NoError(t, err)
	require.Equal(t, "5000", us.Volume.String())
	require.Equal(t, "5000", us.Claimable.String())
	require.Zero(t, us.BondingRemaining)

	paid, err := alice.Claim(p, 50, amt(5000))
	require.NoError(t, err)
	require.Equal(t, "5000", paid.String())
}

func TestPool_ProportionalSplit(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	bob := state.NewUser(p, "bob", 0)
	mustLock(t, p, alice, 0, 100)
	mustLock(t, p, bob, 50, 100)

	_, err := p.Update(100)
	require.NoError(t, err)
	require.Equal(t, "15000", p.Volume.String())

	budget := amt(15000)
	a, err := alice.Claimable(p, 100, budget)
	require.NoError(t, err)
	b, err := bob.Claimable(p, 100, budget)
	require.NoError(t, err)
	require.Equal(t, "10000", a.String())
	require.Equal(t, "5000", b.String())

	sum, err := a.CheckedAdd(b)
	require.NoError(t, err)
	require.True(t, sum.Eq(budget))
}

func TestUser_BondingGate(t *testing.T) {
	p := newTestPool(86400)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 100)

	_, err := alice.Claim(p, 86399, amt(1000))
	require.ErrorIs(t, err, state.ErrBondingNotElapsed)
	require.Equal(t, state.Moment(0), alice.LastUpdate, "failed claim must not persist")

	paid, err := alice.Claim(p, 86400, amt(1000))
	require.NoError(t, err)
	require.Equal(t, "1000", paid.String())
	require.Equal(t, state.Duration(86400), alice.BondingRemaining, "claim restarts bonding")
}

func TestUser_BondingPolicyTopUp(t *testing.T) {
	p := newTestPool(100)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 10)
	mustLock(t, p, alice, 60, 10)
	require.Equal(t, state.Duration(40), alice.BondingRemaining, "top-up keeps age")

	every := state.BondingResetOnEveryDeposit
	require.NoError(t, p.Configure("admin", nil, &every, nil))
	mustLock(t, p, alice, 70, 10)
	require.Equal(t, state.Duration(100), alice.BondingRemaining)
}

func TestUser_BondingPausesWhileUnstaked(t *testing.T) {
	p := newTestPool(100)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 10)
	_, err := alice.Retrieve(p, 30, amt(10))
	require.NoError(t, err)

	us, err := alice.Status(p, 500, amt(0))
	require.NoError(t, err)
	require.Equal(t, state.Duration(70), us.BondingRemaining)

	// a fresh stake restarts the countdown
	mustLock(t, p, alice, 500, 5)
	require.Equal(t, state.Duration(100), alice.BondingRemaining)
}

func TestUser_RetrieveInsufficientBalance(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 100)
	before, beforeUser := *p, *alice

	_, err := alice.Retrieve(p, 10, amt(101))
	require.ErrorIs(t, err, state.ErrInsufficientBalance)
	require.Equal(t, before, *p)
	require.Equal(t, beforeUser, *alice)
}

func TestUser_LockZeroAndClosed(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)

	_, err := alice.Lock(p, 0, amt(0))
	require.ErrorIs(t, err, state.ErrZeroAmount)

	require.NoError(t, p.Close(5, "admin", "sunset"))
	_, err = alice.Lock(p, 6, amt(1))
	require.ErrorIs(t, err, state.ErrPoolClosed)
}

func TestNoTimeTravel(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 10, 100)
	before, beforeUser := *p, *alice

	_, err := p.Update(9)
	require.ErrorIs(t, err, state.ErrNoTimeTravel)
	_, err = p.Status(9)
	require.ErrorIs(t, err, state.ErrNoTimeTravel)
	_, err = alice.Lock(p, 9, amt(1))
	require.ErrorIs(t, err, state.ErrNoTimeTravel)
	_, err = alice.Retrieve(p, 9, amt(1))
	require.ErrorIs(t, err, state.ErrNoTimeTravel)
	_, err = alice.Claim(p, 9, amt(1))
	require.ErrorIs(t, err, state.ErrNoTimeTravel)

	require.Equal(t, before, *p)
	require.Equal(t, beforeUser, *alice)
}

func TestStatus_IsIdempotent(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 7)
	before := *p

	s1, err := p.Status(99)
	require.NoError(t, err)
	s2, err := p.Status(99)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
	require.Equal(t, before, *p)
}

func TestClaim_EmptyPoolAndNothingToClaim(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)

	_, err := alice.Claim(p, 0, amt(100))
	require.ErrorIs(t, err, state.ErrEmptyPool)

	mustLock(t, p, alice, 0, 10)
	_, err = alice.Claim(p, 10, amt(0))
	require.ErrorIs(t, err, state.ErrNothingToClaim)
	require.Contains(t, err.Error(), "not earned")

	_, err = alice.Claim(p, 10, amt(50))
	require.NoError(t, err)
	_, err = alice.Claim(p, 10, amt(50))
	require.ErrorIs(t, err, state.ErrNothingToClaim)
	require.Contains(t, err.Error(), "already claimed")
}

func TestClaim_NeverExceedsBudget(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	bob := state.NewUser(p, "bob", 0)

	mustLock(t, p, alice, 0, 100)
	paid, err := alice.Claim(p, 100, amt(1000))
	require.NoError(t, err)
	require.Equal(t, "1000", paid.String())

	mustLock(t, p, bob, 100, 100)
	// custody is empty: budget is just what was already paid
	budget, err := p.Budget(amt(0))
	require.NoError(t, err)
	_, err = bob.Claim(p, 200, budget)
	require.ErrorIs(t, err, state.ErrNothingToClaim)

	budget, err = p.Budget(amt(500))
	require.NoError(t, err)
	paid, err = bob.Claim(p, 200, budget)
	require.NoError(t, err)
	require.Equal(t, "500", paid.String())

	total, err := alice.Claimed.CheckedAdd(bob.Claimed)
	require.NoError(t, err)
	require.False(t, total.Gt(p.Claimed))
	require.False(t, p.Claimed.Gt(budget))
}

func TestAccumulator_ConservationAndMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := newTestPool(0)
	users := make([]*state.UserState, 5)
	for i := range users {
		users[i] = state.NewUser(p, string(rune('a'+i)), 0)
	}

	prevPool := p.Volume
	prevUser := make([]fpmath.Volume, len(users))
	now := state.Moment(0)
	for step := 0; step < 500; step++ {
		now += state.Moment(rng.Intn(20))
		u := users[rng.Intn(len(users))]
		if rng.Intn(2) == 0 {
			_, err := u.Lock(p, now, amt(uint64(rng.Intn(1000)+1)))
			require.NoError(t, err)
		} else if !u.Staked.IsZero() {
			_, err := u.Retrieve(p, now, amt(uint64(rng.Intn(int(u.Staked.Uint64()))+1)))
			require.NoError(t, err)
		}

		sum := fpmath.Amount{}
		for i, usr := range users {
			var err error
			sum, err = sum.CheckedAdd(usr.Staked)
			require.NoError(t, err)
			require.False(t, usr.Volume.Lt(prevUser[i]))
			prevUser[i] = usr.Volume
		}
		require.True(t, sum.Eq(p.Staked), "step %d", step)
		require.False(t, p.Volume.Lt(prevPool))
		prevPool = p.Volume
	}

	// the pool integral equals the sum of the account integrals once all are current
	_, err := p.Update(now)
	require.NoError(t, err)
	total := fpmath.Volume{}
	for _, u := range users {
		st, err := u.Status(p, now, amt(0))
		require.NoError(t, err)
		total, err = total.CheckedAdd(st.Volume)
		require.NoError(t, err)
	}
	require.True(t, total.Eq(p.Volume))
}

func TestClose_Authorization(t *testing.T) {
	p := newTestPool(0)
	require.ErrorIs(t, p.Close(1, "mallory", "x"), state.ErrUnauthorized)
	require.NoError(t, p.Close(1, "admin", "sunset"))
	require.ErrorIs(t, p.Close(2, "admin", "again"), state.ErrAlreadyClosed)
	require.Equal(t, "sunset", p.Closed.Reason)
	require.Equal(t, state.Moment(1), p.Closed.Moment)
}

func TestEpoch_Increment(t *testing.T) {
	p := newTestPool(0)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 10)

	require.ErrorIs(t, p.BeginEpoch(10, 1, "admin"), state.ErrUnauthorized)
	require.ErrorIs(t, p.BeginEpoch(10, 2, "keeper"), state.ErrInvalidEpoch)
	require.NoError(t, p.BeginEpoch(10, 1, "keeper"))

	view, err := p.Epoch(15)
	require.NoError(t, err)
	require.Equal(t, uint64(1), view.Number)
	require.Equal(t, state.Moment(10), view.Started)
	require.Equal(t, "100", view.Volume.String())
	require.Equal(t, "50", view.Elapsed.String())
	require.Equal(t, state.Moment(15), view.Now)
}

func TestCodec_RoundTrip(t *testing.T) {
	p := newTestPool(3600)
	alice := state.NewUser(p, "alice", 0)
	mustLock(t, p, alice, 0, 1<<62)
	mustLock(t, p, alice, 1<<40, 1<<62)
	require.NoError(t, p.Close(1<<41, "admin", "done"))

	data, err := state.EncodePool(p)
	require.NoError(t, err)
	gotPool, err := state.DecodePool(data)
	require.NoError(t, err)
	require.Equal(t, p, gotPool)

	data, err = state.EncodeUser(alice)
	require.NoError(t, err)
	gotUser, err := state.DecodeUser(data)
	require.NoError(t, err)
	require.Equal(t, alice, gotUser)
}

func TestReason(t *testing.T) {
	p := newTestPool(0)
	err := p.Close(1, "nobody", "")
	require.Equal(t, "unauthorized", state.Reason(err))
	require.Equal(t, "ratio", state.Reason(fpmath.ErrRatio))
	require.Equal(t, "", state.Reason(nil))
}
