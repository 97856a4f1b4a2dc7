package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"` // Base units
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// LiquidationHistoryEntry is one committed liquidation. Amounts are base
// units; health factors are 1e18-scaled.
type LiquidationHistoryEntry struct {
	Sequence           int64     `json:"sequence"`
	Liquidator         uuid.UUID `json:"liquidator"`
	UserID             uuid.UUID `json:"user_id"`
	Asset              string    `json:"asset"`
	DebtCovered        string    `json:"debt_covered"`
	CollateralSeized   string    `json:"collateral_seized"`
	Bonus              string    `json:"bonus"`
	HealthFactorBefore string    `json:"health_factor_before"`
	HealthFactorAfter  string    `json:"health_factor_after"`
	Timestamp          time.Time `json:"timestamp"`
}

// CommandHistoryEntry is one committed command acting on a user.
type CommandHistoryEntry struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Records        json.RawMessage `json:"records"`
	Timestamp      time.Time       `json:"timestamp"`
}

// LiquidationRole selects which side of a liquidation a history query
// matches on.
type LiquidationRole int

const (
	RoleLiquidated LiquidationRole = iota
	RoleLiquidator
)

// Page bounds a history query. Before is an exclusive sequence cursor;
// zero means from the newest entry.
type Page struct {
	Limit  int
	Before int64
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedThrough  int64   `json:"checked_through"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	EmptyBatches    []int64 `json:"empty_batches,omitempty"` // Commands logged without journals
}
