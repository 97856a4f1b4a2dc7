package persistence

import (
	"CDPLedger/internal/core"
	"context"
	"database/sql"
	"errors"
	"time"
)

const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the cold dedup tier behind the engine's LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

var _ core.DBIdempotencyChecker = (*PostgresIdempotencyChecker)(nil)

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the command exists in the Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, commandKind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, idempotencyLookupTimeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE command_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, commandKind, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadRecentKeys returns the composite keys of the newest limit commands,
// oldest first, for warming the LRU.
func (pic *PostgresIdempotencyChecker) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var kind, key string
		if err := rows.Scan(&kind, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(kind, key))
	}
	return keys, rows.Err()
}
