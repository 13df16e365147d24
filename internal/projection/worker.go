package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/event"
	"RewardPool/internal/ledger"
	"RewardPool/internal/observability"
	"RewardPool/internal/rewards"
	"RewardPool/internal/state"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const watermarkID = "main"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates the read-model tables from core outputs. Its
// input is fed with non-blocking sends, so it may miss outputs; the tables
// are rebuilt from the event log and live state when they fall behind.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if seq, err := Watermark(ctx, pw.db); err == nil {
		pw.lastSeq = seq
	} else {
		pw.logger.Warn().Err(err).Msg("read projection watermark")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq != pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("sequence", seq).
					Msg("projection skipped outputs, rebuild required")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("rewards").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	env := output.Envelope
	if out := output.Outcome; out != nil && !env.Rejected() {
		if out.PoolState != nil {
			if err := upsertPool(ctx, tx, out.PoolState, env.Sequence); err != nil {
				return fmt.Errorf("pool projection: %w", err)
			}
		}
		if out.UserState != nil {
			if err := upsertUser(ctx, tx, out.UserState, env.Sequence); err != nil {
				return fmt.Errorf("user projection: %w", err)
			}
		}
		if h, ok := HistoryEntryFor(env.Sequence, env.Timestamp.Unix(), out); ok {
			if err := insertHistory(ctx, tx, h); err != nil {
				return fmt.Errorf("history projection: %w", err)
			}
		}
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, tx, j); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func upsertPool(ctx context.Context, db execer, p *state.PoolState, seq int64) error {
	var closedAt *int64
	var reason, closureStaked *string
	if p.Closed != nil {
		at := int64(p.Closed.Moment)
		staked := p.Closed.Staked.String()
		closedAt, reason, closureStaked = &at, &p.Closed.Reason, &staked
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.pools
			(pool_id, admin, timekeeper, stake_token, reward_token, launched, bonding_default,
			 bonding_policy, staked, volume, claimed, last_update, epoch, closed, closed_at,
			 closure_reason, closure_staked, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			admin = $2, timekeeper = $3, bonding_default = $7, bonding_policy = $8,
			staked = $9, volume = $10, claimed = $11, last_update = $12, epoch = $13,
			closed = $14, closed_at = $15, closure_reason = $16, closure_staked = $17,
			last_sequence = $18, updated_at = NOW()
	`, p.ID, p.Admin, p.Timekeeper, p.StakeToken, p.RewardToken, int64(p.Launched), int64(p.Bonding),
		string(p.Policy), p.Staked.String(), p.Volume.String(), p.Claimed.String(), int64(p.LastUpdate),
		int64(p.Clock.Number), p.Closed != nil, closedAt, reason, closureStaked, seq)
	return err
}

func upsertUser(ctx context.Context, db execer, u *state.UserState, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.user_positions
			(pool_id, account, staked, volume, claimed, last_update, bonding_remaining,
			 first_staked, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (pool_id, account) DO UPDATE SET
			staked = $3, volume = $4, claimed = $5, last_update = $6,
			bonding_remaining = $7, first_staked = $8, last_sequence = $9, updated_at = NOW()
	`, u.Pool, u.Account, u.Staked.String(), u.Volume.String(), u.Claimed.String(),
		int64(u.LastUpdate), int64(u.BondingRemaining), int64(u.FirstStaked), seq)
	return err
}

func insertHistory(ctx context.Context, db execer, h HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.reward_history
			(sequence, pool_id, account, action, principal, reward, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, h.Sequence, h.PoolID, h.Account, string(h.Action), h.Principal, h.Reward, h.Timestamp)
	return err
}

// applyJournal moves one journal's amount from the credit account to the
// debit account. The issuance account goes negative, so every asset's
// balances sum to zero.
func applyJournal(ctx context.Context, db execer, j ledger.Journal) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::NUMERIC, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $3::NUMERIC, last_sequence = $4, updated_at = NOW()
	`, j.CreditAccount.AccountPath(), j.Asset, j.Amount.String(), j.Sequence); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4, updated_at = NOW()
	`, j.DebitAccount.AccountPath(), j.Asset, j.Amount.String(), j.Sequence); err != nil {
		return err
	}
	return nil
}

func setWatermark(ctx context.Context, db execer, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, seq)
	return err
}

// Watermark returns the last projected sequence, or -1 if nothing has been
// projected yet.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, watermarkID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// StateSource is the live state the pool and account tables are rebuilt
// from. core.DeterministicCore satisfies it.
type StateSource interface {
	Pools() ([]*state.PoolState, error)
	Users(poolID string) ([]*state.UserState, error)
}

// RebuildProjections rebuilds every projection table. Pools and accounts come
// from src as of asOf; balances and history come from the event log, which
// must already hold every sequence up to asOf.
func RebuildProjections(ctx context.Context, db *sql.DB, src StateSource, asOf int64, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.user_positions`,
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.reward_history`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	pools, err := src.Pools()
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	users := 0
	for _, p := range pools {
		if err := upsertPool(ctx, tx, p, asOf); err != nil {
			return fmt.Errorf("rebuild pool %s: %w", p.ID, err)
		}
		accounts, err := src.Users(p.ID)
		if err != nil {
			return fmt.Errorf("list users of %s: %w", p.ID, err)
		}
		for _, u := range accounts {
			if err := upsertUser(ctx, tx, u, asOf); err != nil {
				return fmt.Errorf("rebuild user %s/%s: %w", p.ID, u.Account, err)
			}
		}
		users += len(accounts)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence
			FROM event_log.transfers WHERE sequence <= $1
			UNION ALL
			SELECT credit_account, asset, -amount, sequence
			FROM event_log.transfers WHERE sequence <= $1
		) moves
		GROUP BY account_path, asset
	`, asOf); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	history, err := loadHistory(ctx, tx, asOf)
	if err != nil {
		return fmt.Errorf("rebuild history: %w", err)
	}
	for _, h := range history {
		if err := insertHistory(ctx, tx, h); err != nil {
			return fmt.Errorf("rebuild history: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, asOf); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().
		Int64("as_of", asOf).
		Int("pools", len(pools)).
		Int("users", users).
		Int("history", len(history)).
		Msg("projection rebuild complete")
	return nil
}

func loadHistory(ctx context.Context, tx *sql.Tx, asOf int64) ([]HistoryEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, timestamp, result
		FROM event_log.events
		WHERE result IS NOT NULL AND sequence <= $1 AND event_type = ANY($2)
		ORDER BY sequence
	`, asOf, pq.Array([]string{
		event.EventTypeStakeDeposited.String(),
		event.EventTypeStakeWithdrawn.String(),
		event.EventTypeRewardClaimed.String(),
	}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var seq int64
		var ts time.Time
		var result []byte
		if err := rows.Scan(&seq, &ts, &result); err != nil {
			return nil, err
		}
		var out rewards.Outcome
		if err := json.Unmarshal(result, &out); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq, err)
		}
		if h, ok := HistoryEntryFor(seq, ts.Unix(), &out); ok {
			history = append(history, h)
		}
	}
	return history, rows.Err()
}
