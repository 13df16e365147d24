package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/ingestion"
	"RewardPool/internal/persistence"
	"RewardPool/internal/store"
	"RewardPool/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCore(persistChan chan core.CoreOutput) *core.DeterministicCore {
	return core.NewDeterministicCore(store.NewMemStore(), persistChan, make(chan core.CoreOutput, 64), core.Config{
		LRUCapacity: 1024,
		Logger:      zerolog.Nop(),
	})
}

func submit(t *testing.T, c *core.DeterministicCore, eventType, body string) {
	t.Helper()
	evt, err := ingestion.ParseCommand(eventType, []byte(body))
	require.NoError(t, err)
	// rejections are logged and still consume a sequence
	_ = c.ProcessEvent(evt)
}

func TestPipeline_PersistReplayAndSnapshot(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persistChan := make(chan core.CoreOutput, 64)
	live := newCore(persistChan)

	submit(t, live, "PoolCreated", `{"pool_id":"pool-1","admin":"alice","stake_token":"LP","reward_token":"RWD","moment":1}`)
	submit(t, live, "TokensCredited", `{"asset":"LP","account":"bob","amount":"1000","moment":1}`)
	submit(t, live, "TokensCredited", `{"asset":"RWD","pool_id":"pool-1","amount":"500","moment":1}`)
	submit(t, live, "StakeDeposited", `{"pool_id":"pool-1","account":"bob","amount":"100","moment":10}`)
	submit(t, live, "StakeWithdrawn", `{"pool_id":"pool-1","account":"bob","amount":"5000","moment":15}`)
	submit(t, live, "RewardClaimed", `{"pool_id":"pool-1","account":"bob","moment":20}`)
	close(persistChan)

	worker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{
		BatchSize:    4,
		FlushTimeout: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, worker.Run(ctx))

	snapMgr := persistence.NewSnapshotManager(db, zerolog.Nop())
	last, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, live.GetSequence()-1, last)

	var transfers int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.transfers`).Scan(&transfers))
	assert.Positive(t, transfers)

	// replay the log into a fresh core
	rows, err := snapMgr.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, int(live.GetSequence()))
	replica := newCore(make(chan core.CoreOutput, 64))
	for _, row := range rows {
		env, err := row.Envelope()
		require.NoError(t, err)
		require.NoError(t, replica.Replay(env), fmt.Sprintf("sequence %d", row.Sequence))
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, live.GetSequence(), replica.GetSequence())

	// snapshot: unverified until checked against the log
	st, err := live.CreateSnapshotState()
	require.NoError(t, err)
	_, err = snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(st, time.Now().UTC()))
	require.NoError(t, err)

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loadable")

	verified, err := snapMgr.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, verified)

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	restoredState, err := loaded.State()
	require.NoError(t, err)

	restored := newCore(make(chan core.CoreOutput, 64))
	require.NoError(t, restored.RestoreFromSnapshot(restoredState))
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())

	info, err := restored.UserInfo("pool-1", "bob", 30)
	require.NoError(t, err)
	assert.Equal(t, "100", info.Status.Staked.String())
}

func TestIdempotencyChecker_SeesPersistedKeys(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persistChan := make(chan core.CoreOutput, 8)
	live := newCore(persistChan)
	evt, err := ingestion.ParseCommand("TokensCredited",
		[]byte(`{"command_id":"550e8400-e29b-41d4-a716-446655440000","asset":"LP","account":"bob","amount":"1","moment":1}`))
	require.NoError(t, err)
	require.NoError(t, live.ProcessEvent(evt))
	close(persistChan)

	worker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{Logger: zerolog.Nop()})
	require.NoError(t, worker.Run(ctx))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("TokensCredited", "550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.True(t, dup)

	keys, err := checker.LoadRecentKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{core.CompositeKey("TokensCredited", "550e8400-e29b-41d4-a716-446655440000")}, keys)
}
