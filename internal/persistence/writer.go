package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed commands, their journals and liquidation
// facts with multi-row INSERTs. Every statement is idempotent on its
// primary key, so a retried flush is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	UserID         string
	Payload        []byte // JSON-encoded command
	Records        []byte // JSON array of tagged records
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	Position      int // Order within the batch
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0) as a decimal string
	JournalType   int32
	Timestamp     int64
}

// LiquidationRow represents a row in event_log.liquidations
type LiquidationRow struct {
	Sequence           int64
	Liquidator         string
	UserID             string
	Asset              string
	DebtCovered        string
	CollateralSeized   string
	Bonus              string
	HealthFactorBefore string
	HealthFactorAfter  string
	Timestamp          time.Time
}

// Rows is one committed command in table form.
type Rows struct {
	Event        EventRow
	Journals     []JournalRow
	Liquidations []LiquidationRow
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// ToRows flattens a core output into table rows.
func ToRows(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	if env == nil {
		return Rows{}, fmt.Errorf("core output without envelope")
	}

	records, err := event.EncodeRecords(env.Records)
	if err != nil {
		return Rows{}, fmt.Errorf("sequence %d: %w", env.Sequence, err)
	}

	rows := Rows{Event: EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.Kind(),
		IdempotencyKey: env.IdempotencyKey,
		UserID:         env.UserID.String(),
		Payload:        env.Payload,
		Records:        records,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}}

	if out.Batch != nil {
		for i, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       out.Batch.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				Position:      i,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.Dec(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, r := range env.Records {
		liq, ok := r.(*event.PositionLiquidated)
		if !ok {
			continue
		}
		rows.Liquidations = append(rows.Liquidations, LiquidationRow{
			Sequence:           env.Sequence,
			Liquidator:         liq.Liquidator.String(),
			UserID:             liq.UserID.String(),
			Asset:              liq.Asset,
			DebtCovered:        liq.DebtCovered.Dec(),
			CollateralSeized:   liq.CollateralSeized.Dec(),
			Bonus:              liq.Bonus.Dec(),
			HealthFactorBefore: liq.HealthFactorBefore.Dec(),
			HealthFactorAfter:  liq.HealthFactorAfter.Dec(),
			Timestamp:          env.Timestamp,
		})
	}
	return rows, nil
}

// placeholders returns "($1, $2, ...), ($n+1, ...)" for rows of width cols.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", r*cols+c+1)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)*9)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.UserID,
			e.Payload, e.Records, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, user_id, payload, records, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), 9) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]any, 0, len(journals)*11)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Position,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, position, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 11) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidationBatch writes liquidation facts to event_log.liquidations.
func (w *EventLogWriter) WriteLiquidationBatch(ctx context.Context, ex execer, liqs []LiquidationRow) error {
	if len(liqs) == 0 {
		return nil
	}

	args := make([]any, 0, len(liqs)*10)
	for _, l := range liqs {
		args = append(args,
			l.Sequence, l.Liquidator, l.UserID, l.Asset, l.DebtCovered,
			l.CollateralSeized, l.Bonus, l.HealthFactorBefore, l.HealthFactorAfter, l.Timestamp,
		)
	}

	query := `INSERT INTO event_log.liquidations
		(sequence, liquidator, user_id, asset, debt_covered, collateral_seized, bonus, health_factor_before, health_factor_after, timestamp)
		VALUES ` + placeholders(len(liqs), 10) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
