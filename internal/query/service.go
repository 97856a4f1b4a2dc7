package query

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// QueryService provides read-only access to the event log tables and the
// live engine. History responses come from Postgres and lag the engine by
// at most one persistence batch.
type QueryService struct {
	db      *sql.DB
	engine  EngineView
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, engine EngineView, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, engine: engine, metrics: metrics}
}

// GetAccount returns a user's live position.
func (qs *QueryService) GetAccount(ctx context.Context, userID uuid.UUID) (resp *AccountResponse, err error) {
	defer qs.observe("account", time.Now(), &err)
	return BuildAccount(ctx, qs.engine, userID)
}

// GetJournalHistory returns journal entries touching any of a user's
// accounts, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID uuid.UUID, page Page) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	query, args = paginate(query, args, page, "sequence DESC, position DESC")

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e  JournalHistoryEntry
			jt int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLiquidationHistory returns liquidations where userID had the given
// role, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, userID uuid.UUID, role LiquidationRole, page Page) (entries []LiquidationHistoryEntry, err error) {
	defer qs.observe("liquidation_history", time.Now(), &err)

	column := "user_id"
	if role == RoleLiquidator {
		column = "liquidator"
	}
	query := `
		SELECT sequence, liquidator, user_id, asset, debt_covered::TEXT, collateral_seized::TEXT,
		       bonus::TEXT, health_factor_before::TEXT, health_factor_after::TEXT, timestamp
		FROM event_log.liquidations
		WHERE ` + column + ` = $1
	`
	args := []interface{}{userID}
	query, args = paginate(query, args, page, "sequence DESC")

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e LiquidationHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.Liquidator, &e.UserID, &e.Asset, &e.DebtCovered, &e.CollateralSeized,
			&e.Bonus, &e.HealthFactorBefore, &e.HealthFactorAfter, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCommandHistory returns committed commands whose subject is userID,
// newest first.
func (qs *QueryService) GetCommandHistory(ctx context.Context, userID uuid.UUID, page Page) (entries []CommandHistoryEntry, err error) {
	defer qs.observe("command_history", time.Now(), &err)

	query := `
		SELECT sequence, command_type, idempotency_key, records, timestamp
		FROM event_log.events
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	query, args = paginate(query, args, page, "sequence DESC")

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       CommandHistoryEntry
			records []byte
		)
		if err := rows.Scan(&e.Sequence, &e.CommandType, &e.IdempotencyKey, &records, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Records = records
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain: every prev_hash must
// equal its predecessor's state_hash (the genesis hash for sequence 1),
// sequences must be contiguous and every command must have journals.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)
	report = &IntegrityReport{}

	report.CheckedThrough, err = qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	genesis := core.GenesisHash()
	report.HashChainBreaks, err = qs.sequences(ctx, `
		SELECT e.sequence
		FROM event_log.events e
		LEFT JOIN event_log.events p ON p.sequence = e.sequence - 1
		WHERE (p.sequence IS NOT NULL AND e.prev_hash <> p.state_hash)
		   OR (e.sequence = 1 AND e.prev_hash <> $1)
		ORDER BY e.sequence
		LIMIT 100
	`, genesis[:])
	if err != nil {
		return nil, err
	}

	report.SequenceGaps, err = qs.sequences(ctx, `
		SELECT e.sequence
		FROM event_log.events e
		WHERE e.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events p WHERE p.sequence = e.sequence - 1)
		ORDER BY e.sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}

	report.EmptyBatches, err = qs.sequences(ctx, `
		SELECT e.sequence
		FROM event_log.events e
		WHERE NOT EXISTS (SELECT 1 FROM event_log.journal j WHERE j.sequence = e.sequence)
		ORDER BY e.sequence
		LIMIT 100
	`)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.EmptyBatches) == 0
	return report, nil
}

// --- helpers ---

func paginate(query string, args []interface{}, page Page, order string) (string, []interface{}) {
	if page.Before > 0 {
		args = append(args, page.Before)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(page.Limit))
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", order, len(args))
	return query, args
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

func (qs *QueryService) sequences(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil // Zero on an empty log
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, core.Classify(*errp).String()).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
