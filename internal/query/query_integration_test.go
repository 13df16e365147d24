package query_test

import (
	"context"
	"errors"
	"testing"

	"RewardPool/internal/core"
	"RewardPool/internal/ingestion"
	"RewardPool/internal/persistence"
	"RewardPool/internal/projection"
	"RewardPool/internal/query"
	"RewardPool/internal/store"
	"RewardPool/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed runs a small pool lifecycle through a core and drains its outputs
// into the event log and the projections.
func seed(t *testing.T, ctx context.Context) *query.QueryService {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	persistChan := make(chan core.CoreOutput, 64)
	projectionChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(store.NewMemStore(), persistChan, projectionChan, core.Config{Logger: zerolog.Nop()})

	for _, cmd := range []struct{ typ, body string }{
		{"PoolCreated", `{"pool_id":"pool-1","admin":"alice","stake_token":"LP","reward_token":"RWD","moment":1}`},
		{"TokensCredited", `{"asset":"LP","account":"bob","amount":"1000","moment":1}`},
		{"TokensCredited", `{"asset":"RWD","pool_id":"pool-1","amount":"500","moment":1}`},
		{"StakeDeposited", `{"pool_id":"pool-1","account":"bob","amount":"100","moment":10}`},
		{"StakeWithdrawn", `{"pool_id":"pool-1","account":"bob","amount":"5000","moment":15}`},
		{"RewardClaimed", `{"pool_id":"pool-1","account":"bob","moment":20}`},
	} {
		evt, err := ingestion.ParseCommand(cmd.typ, []byte(cmd.body))
		require.NoError(t, err)
		_ = c.ProcessEvent(evt)
	}
	close(persistChan)
	close(projectionChan)

	require.NoError(t, persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{Logger: zerolog.Nop()}).Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, projectionChan, nil, zerolog.Nop()).Run(ctx))

	watermark, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	require.Equal(t, c.GetSequence()-1, watermark)

	return query.NewQueryService(db)
}

func TestQueryService_Projections(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	qs := seed(t, ctx)

	pool, err := qs.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, "100", pool.Staked)
	assert.Equal(t, "500", pool.Claimed)
	assert.False(t, pool.Closed)
	assert.Equal(t, int64(5), pool.AsOfSequence)

	_, err = qs.GetPool(ctx, "pool-2")
	assert.True(t, errors.Is(err, query.ErrNotFound))

	positions, err := qs.GetPositions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "100", positions[0].Staked)

	bal, err := qs.GetBalance(ctx, "bob", "LP")
	require.NoError(t, err)
	assert.Equal(t, "900", bal.Balance)
	assert.Equal(t, "100", bal.Staked)

	rwd, err := qs.GetBalance(ctx, "bob", "RWD")
	require.NoError(t, err)
	assert.Equal(t, "500", rwd.Balance)
}

func TestQueryService_HistoryAndIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	qs := seed(t, ctx)

	history, err := qs.GetRewardHistory(ctx, "pool-1", "bob", 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2, "the rejected withdrawal leaves no history")
	assert.Equal(t, "claimed", history[0].Action)
	assert.Equal(t, "500", history[0].Reward)
	assert.Equal(t, "deposited", history[1].Action)

	before := history[0].Sequence
	older, err := qs.GetRewardHistory(ctx, "pool-1", "bob", 10, &before)
	require.NoError(t, err)
	require.Len(t, older, 1)

	transfers, err := qs.GetTransferHistory(ctx, "bob", 10, nil)
	require.NoError(t, err)
	assert.Len(t, transfers, 3, "credit, stake and reward; the RWD credit went to custody")

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
}
