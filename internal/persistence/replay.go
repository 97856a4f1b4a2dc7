package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ReplayEntry is one logged command with the journal batch it committed.
type ReplayEntry struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch // nil when the command posted no journals
}

// LoadEntriesAfter reads up to limit logged commands with sequence >
// after, in order, and rebuilds their journal batches.
func (sm *SnapshotManager) LoadEntriesAfter(ctx context.Context, after int64, limit int) ([]ReplayEntry, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, user_id, payload, records,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("load events after %d: %w", after, err)
	}
	defer rows.Close()

	var entries []ReplayEntry
	bySeq := make(map[int64]*ReplayEntry)
	for rows.Next() {
		var (
			e                   EventRow
			stateHash, prevHash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.UserID,
			&e.Payload, &e.Records, &stateHash, &prevHash, &e.Timestamp); err != nil {
			return nil, err
		}
		env, err := envelopeFromRow(e, stateHash, prevHash)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ReplayEntry{Envelope: env})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	for i := range entries {
		bySeq[entries[i].Envelope.Sequence] = &entries[i]
	}

	last := entries[len(entries)-1].Envelope.Sequence
	if err := sm.loadJournals(ctx, after, last, bySeq); err != nil {
		return nil, err
	}
	return entries, nil
}

func envelopeFromRow(e EventRow, stateHash, prevHash []byte) (*event.Envelope, error) {
	ct, ok := event.ParseKind(e.CommandType)
	if !ok {
		return nil, fmt.Errorf("sequence %d: unknown command type %q", e.Sequence, e.CommandType)
	}
	user, err := uuid.Parse(e.UserID)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}
	records, err := event.DecodeRecords(e.Records)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}
	if len(stateHash) != 32 || len(prevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hashes", e.Sequence)
	}

	env := &event.Envelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		CommandType:    ct,
		UserID:         user,
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
		Records:        records,
	}
	copy(env.StateHash[:], stateHash)
	copy(env.PrevHash[:], prevHash)
	return env, nil
}

func (sm *SnapshotManager) loadJournals(ctx context.Context, after, last int64, bySeq map[int64]*ReplayEntry) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence > $1 AND sequence <= $2
		ORDER BY sequence ASC, position ASC
	`, after, last)
	if err != nil {
		return fmt.Errorf("load journals (%d, %d]: %w", after, last, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r JournalRow
		if err := rows.Scan(&r.JournalID, &r.BatchID, &r.EventRef, &r.Sequence,
			&r.DebitAccount, &r.CreditAccount, &r.Asset, &r.Amount, &r.JournalType, &r.Timestamp); err != nil {
			return err
		}
		entry, ok := bySeq[r.Sequence]
		if !ok {
			return fmt.Errorf("journal %s references unlogged sequence %d", r.JournalID, r.Sequence)
		}
		j, err := journalFromRow(r)
		if err != nil {
			return err
		}
		if entry.Batch == nil {
			entry.Batch = &ledger.Batch{
				BatchID:   j.BatchID,
				EventRef:  j.EventRef,
				Sequence:  j.Sequence,
				Timestamp: j.Timestamp,
			}
		}
		entry.Batch.Journals = append(entry.Batch.Journals, j)
	}
	return rows.Err()
}

func journalFromRow(r JournalRow) (ledger.Journal, error) {
	fail := func(err error) (ledger.Journal, error) {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", r.JournalID, err)
	}

	id, err := uuid.Parse(r.JournalID)
	if err != nil {
		return fail(err)
	}
	batchID, err := uuid.Parse(r.BatchID)
	if err != nil {
		return fail(err)
	}
	debit, err := ledger.ParseAccountPath(r.DebitAccount)
	if err != nil {
		return fail(err)
	}
	credit, err := ledger.ParseAccountPath(r.CreditAccount)
	if err != nil {
		return fail(err)
	}
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return fail(err)
	}

	return ledger.Journal{
		JournalID:     id,
		BatchID:       batchID,
		EventRef:      r.EventRef,
		Sequence:      r.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         r.Asset,
		Amount:        *amount,
		JournalType:   ledger.JournalType(r.JournalType),
		Timestamp:     r.Timestamp,
	}, nil
}

// Recovery rebuilds engine state on start: latest verified snapshot, then
// every logged batch after it, then the dedup cache warm-up.
type Recovery struct {
	snapshots *SnapshotManager
	keys      *PostgresIdempotencyChecker
	batchSize int
	warmKeys  int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRecovery(db *sql.DB, batchSize, warmKeys int, metrics *observability.Metrics, logger zerolog.Logger) *Recovery {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Recovery{
		snapshots: NewSnapshotManager(db),
		keys:      NewPostgresIdempotencyChecker(db),
		batchSize: batchSize,
		warmKeys:  warmKeys,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run restores engine. Returns the last replayed sequence.
func (r *Recovery) Run(ctx context.Context, engine *core.Engine) (int64, error) {
	start := time.Now()
	var from int64

	snap, err := r.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		state, err := snap.ToState()
		if err != nil {
			return 0, err
		}
		if err := engine.RestoreFromSnapshot(state); err != nil {
			return 0, err
		}
		from = snap.Sequence
		r.logger.Info().Int64("sequence", from).Int("accounts", len(snap.Balances)).
			Msg("restored snapshot")
	} else {
		r.logger.Info().Msg("no verified snapshot, replaying from genesis")
	}

	replayed := 0
	for {
		entries, err := r.snapshots.LoadEntriesAfter(ctx, from, r.batchSize)
		if err != nil {
			return from, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if err := engine.ReplayBatch(e.Envelope, e.Batch); err != nil {
				return from, err
			}
			from = e.Envelope.Sequence
		}
		replayed += len(entries)
		if r.metrics != nil {
			r.metrics.ReplayBatchesTotal.Add(float64(len(entries)))
		}
	}

	if r.warmKeys > 0 {
		keys, err := r.keys.LoadRecentKeys(ctx, r.warmKeys)
		if err != nil {
			return from, err
		}
		engine.WarmLRU(keys)
	}

	if r.metrics != nil {
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().Int64("sequence", from).Int("replayed", replayed).
		Dur("took", time.Since(start)).Msg("recovery complete")
	return from, nil
}

// Snapshotter periodically snapshots the engine and verifies earlier
// snapshots once persistence has caught up with them.
type Snapshotter struct {
	engine    *core.Engine
	snapshots *SnapshotManager
	interval  time.Duration
	keep      int
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq int64
	pending []int64
}

func NewSnapshotter(engine *core.Engine, db *sql.DB, interval time.Duration, keep int, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		engine:    engine,
		snapshots: NewSnapshotManager(db),
		interval:  interval,
		keep:      keep,
		metrics:   metrics,
		logger:    logger,
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot tick failed")
			}
		}
	}
}

// Tick verifies pending snapshots and takes a new one if the engine moved.
func (s *Snapshotter) Tick(ctx context.Context) error {
	remaining := s.pending[:0]
	for _, seq := range s.pending {
		ok, err := s.snapshots.Verify(ctx, seq)
		if err != nil {
			return err
		}
		if !ok {
			remaining = append(remaining, seq)
			continue
		}
		s.logger.Info().Int64("sequence", seq).Msg("snapshot verified")
	}
	s.pending = remaining
	if s.keep > 0 {
		if err := s.snapshots.PruneSnapshots(ctx, s.keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	start := time.Now()
	state := s.engine.CreateSnapshotState()
	if state.Sequence <= s.lastSeq {
		return nil
	}

	size, err := s.snapshots.SaveSnapshot(ctx, FromState(state, time.Now()))
	if err != nil {
		return err
	}
	s.lastSeq = state.Sequence
	s.pending = append(s.pending, state.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot taken")
	return nil
}
