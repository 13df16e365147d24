package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/ledger"
	fpmath "RewardPool/internal/math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot is saved unverified; it becomes loadable once the event log
// holds the same state hash at the snapshot's sequence.
type SnapshotManager struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SnapshotData is the serialized form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                    `json:"sequence"`
	StateHash       []byte                   `json:"state_hash"`
	Records         map[string][]byte        `json:"records"`  // store key -> encoded record
	Balances        map[string]fpmath.Amount `json:"balances"` // account path -> balance
	Issued          map[string]fpmath.Amount `json:"issued"`   // asset -> issued supply
	SequenceState   map[string]int64         `json:"sequence_state"`
	IdempotencyKeys []string                 `json:"idempotency_keys"`
	CreatedAt       time.Time                `json:"created_at"`
}

// NewSnapshotData converts the core's captured state.
func NewSnapshotData(st *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]fpmath.Amount, len(st.Balances))
	for key, balance := range st.Balances {
		balances[key.AccountPath()] = balance
	}
	return &SnapshotData{
		Sequence:        st.Sequence,
		StateHash:       append([]byte(nil), st.StateHash[:]...),
		Records:         st.Records,
		Balances:        balances,
		Issued:          st.Issued,
		SequenceState:   st.SequenceState,
		IdempotencyKeys: st.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// State converts back into the form the core restores from.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	balances := make(map[ledger.AccountKey]fpmath.Amount, len(d.Balances))
	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = balance
	}
	st := &core.SnapshotState{
		Sequence:        d.Sequence,
		Records:         d.Records,
		Balances:        balances,
		Issued:          d.Issued,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(st.StateHash[:], d.StateHash)
	return st, nil
}

func NewSnapshotManager(db *sql.DB, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, logger: logger}
}

// SaveSnapshot persists an unverified snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyPending checks every unverified snapshot against the logged state
// hash at its sequence. Matching snapshots are marked verified; mismatching
// ones are deleted. Snapshots ahead of the durable log stay pending.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.state_hash, e.state_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.verified = FALSE
		ORDER BY s.sequence
	`)
	if err != nil {
		return 0, err
	}

	type pending struct {
		sequence int64
		ok       bool
	}
	var checked []pending
	for rows.Next() {
		var seq int64
		var snapHash, logHash []byte
		if err := rows.Scan(&seq, &snapHash, &logHash); err != nil {
			rows.Close()
			return 0, err
		}
		checked = append(checked, pending{sequence: seq, ok: bytes.Equal(snapHash, logHash)})
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	verified := 0
	for _, p := range checked {
		if !p.ok {
			sm.logger.Error().Int64("sequence", p.sequence).Msg("snapshot hash does not match event log, discarding")
			if _, err := sm.db.ExecContext(ctx, `DELETE FROM event_log.snapshots WHERE sequence = $1`, p.sequence); err != nil {
				return verified, err
			}
			continue
		}
		if err := sm.MarkVerified(ctx, p.sequence); err != nil {
			return verified, err
		}
		verified++
	}
	return verified, nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload, result, rejection,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var poolID, rejection sql.NullString
		var result []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &poolID, &e.Payload, &result, &rejection,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		if poolID.Valid {
			e.PoolID = &poolID.String
		}
		if rejection.Valid {
			e.Rejection = &rejection.String
		}
		e.Result = result
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
