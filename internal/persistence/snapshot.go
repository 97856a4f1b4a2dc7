package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const snapshotFormatVersion = 1 // v1: JSON-encoded SnapshotData

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds the ledger balances, the recent idempotency keys, the
// sequence and the chain tip at that sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        map[string]string `json:"balances"` // AccountPath -> decimal balance
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromState converts engine state to its stored form.
func FromState(s *core.SnapshotState, at time.Time) *SnapshotData {
	balances := make(map[string]string, len(s.Balances))
	for key, v := range s.Balances {
		balances[key.AccountPath()] = v.Dec()
	}
	hash := s.StateHash
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hash[:],
		Balances:        balances,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       at.UTC(),
	}
}

// ToState parses the stored form back into engine state.
func (d *SnapshotData) ToState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}

	balances := make(map[ledger.AccountKey]uint256.Int, len(d.Balances))
	for path, dec := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		v, err := uint256.FromDecimal(dec)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: balance of %s: %w", d.Sequence, path, err)
		}
		balances[key] = *v
	}

	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        balances,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SaveSnapshot persists an unverified snapshot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
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

// Verify marks the snapshot at sequence verified once the event log has
// reached it and the logged state hash matches. Reports whether it did.
func (sm *SnapshotManager) Verify(ctx context.Context, sequence int64) (bool, error) {
	var snapHash, logHash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT s.state_hash, e.state_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.sequence = $1
	`, sequence).Scan(&snapHash, &logHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // Not persisted yet
	}
	if err != nil {
		return false, fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	if !bytes.Equal(snapHash, logHash) {
		return false, fmt.Errorf("verify snapshot %d: state hash %x does not match event log %x",
			sequence, snapHash, logHash)
	}

	_, err = sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	if err != nil {
		return false, fmt.Errorf("mark snapshot %d verified: %w", sequence, err)
	}
	return true, nil
}

// PruneSnapshots keeps the newest keep verified snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE verified = TRUE AND sequence < (
			SELECT MIN(sequence) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	return err
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
