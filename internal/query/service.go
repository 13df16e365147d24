package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"RewardPool/internal/ledger"
)

// ErrNotFound is returned when a projection has no row for the request.
var ErrNotFound = errors.New("query: not found")

// DefaultPageSize bounds history queries when the caller gives no limit.
const DefaultPageSize = 100

// QueryService provides read-only access to the projection tables and the
// transfer log. Every response carries the projection watermark so callers
// can judge freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPool returns a pool's projected state.
func (qs *QueryService) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := PoolResponse{AsOfSequence: asOfSeq}
	var closureStaked sql.NullString
	var closedAt sql.NullInt64
	var reason sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_id, admin, timekeeper, stake_token, reward_token, launched, bonding_default,
		       bonding_policy, staked::TEXT, volume::TEXT, claimed::TEXT, last_update, epoch,
		       closed, closed_at, closure_reason, closure_staked::TEXT, last_sequence
		FROM projections.pools
		WHERE pool_id = $1
	`, poolID).Scan(
		&p.PoolID, &p.Admin, &p.Timekeeper, &p.StakeToken, &p.RewardToken, &p.Launched, &p.BondingDefault,
		&p.BondingPolicy, &p.Staked, &p.Volume, &p.Claimed, &p.LastUpdate, &p.Epoch,
		&p.Closed, &closedAt, &reason, &closureStaked, &p.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Int64
	}
	if reason.Valid {
		p.ClosureReason = &reason.String
	}
	if closureStaked.Valid {
		p.ClosureStaked = &closureStaked.String
	}
	return &p, nil
}

// GetPosition returns one account's position in a pool.
func (qs *QueryService) GetPosition(ctx context.Context, poolID, account string) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PositionResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_id, account, staked::TEXT, volume::TEXT, claimed::TEXT, last_update,
		       bonding_remaining, first_staked, last_sequence
		FROM projections.user_positions
		WHERE pool_id = $1 AND account = $2
	`, poolID, account).Scan(
		&p.PoolID, &p.Account, &p.Staked, &p.Volume, &p.Claimed, &p.LastUpdate,
		&p.BondingRemaining, &p.FirstStaked, &p.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in pool %s", ErrNotFound, account, poolID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPositions returns every open position of an account.
func (qs *QueryService) GetPositions(ctx context.Context, account string) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, account, staked::TEXT, volume::TEXT, claimed::TEXT, last_update,
		       bonding_remaining, first_staked, last_sequence
		FROM projections.user_positions
		WHERE account = $1 AND staked > 0
		ORDER BY pool_id
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&p.PoolID, &p.Account, &p.Staked, &p.Volume, &p.Claimed, &p.LastUpdate,
			&p.BondingRemaining, &p.FirstStaked, &p.LastSequence,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetBalance returns an account's wallet balance for an asset and the stake
// it has locked in pools of that asset.
func (qs *QueryService) GetBalance(ctx context.Context, account, asset string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{Account: account, Asset: asset, AsOfSequence: asOfSeq}
	path := ledger.NewUserAccountKey(account, asset).AccountPath()
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT balance FROM projections.balances WHERE account_path = $1), 0)::TEXT
	`, path).Scan(&resp.Balance)
	if err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(u.staked), 0)::TEXT
		FROM projections.user_positions u
		JOIN projections.pools p ON p.pool_id = u.pool_id
		WHERE u.account = $1 AND p.stake_token = $2
	`, account, asset).Scan(&resp.Staked)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRewardHistory returns an account's deposits, withdrawals, claims and
// refunds in a pool, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetRewardHistory(
	ctx context.Context,
	poolID, account string,
	limit int,
	beforeSequence *int64,
) ([]RewardHistoryEntry, error) {
	query := `
		SELECT sequence, pool_id, account, action, principal::TEXT, reward::TEXT, timestamp
		FROM projections.reward_history
		WHERE pool_id = $1 AND account = $2
	`
	args := []interface{}{poolID, account}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []RewardHistoryEntry
	for rows.Next() {
		var h RewardHistoryEntry
		if err := rows.Scan(&h.Sequence, &h.PoolID, &h.Account, &h.Action, &h.Principal, &h.Reward, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetTransferHistory returns journals that touched any of an account's
// wallets, newest first.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]TransferHistoryEntry, error) {
	accountPrefix := "user:" + account + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.transfers
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TransferHistoryEntry
	for rows.Next() {
		var e TransferHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain and that every asset's
// projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultPageSize
	}
	return limit
}
