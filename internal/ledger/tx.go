package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrTxClosed = errors.New("ledger transaction already closed")

// Compensation undoes an external effect that already happened inside a
// transaction that later failed.
type Compensation struct {
	Name string
	Undo func(ctx context.Context) error
}

// Tx stages balance changes over a BalanceTracker. Reads fall through the
// staged overlay to committed balances. Nothing is visible to other readers
// until Commit.
type Tx struct {
	tracker  *BalanceTracker
	eventRef string
	staged   map[AccountKey]uint256.Int
	journals []Journal
	undo     []Compensation
	closed   bool
}

// Begin opens a transaction. Callers must serialize transactions; the
// tracker does not detect two overlapping writers.
func (bt *BalanceTracker) Begin(eventRef string) *Tx {
	return &Tx{
		tracker:  bt,
		eventRef: eventRef,
		staged:   make(map[AccountKey]uint256.Int),
	}
}

// GetBalance returns the staged balance of an account.
func (tx *Tx) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := tx.staged[key]; ok {
		return new(uint256.Int).Set(&v)
	}
	return tx.tracker.GetBalance(key)
}

func (tx *Tx) view(key AccountKey) uint256.Int {
	if v, ok := tx.staged[key]; ok {
		return v
	}
	return *tx.tracker.GetBalance(key)
}

// Post stages one journal entry. Fails without staging anything if either
// side would underflow or overflow.
func (tx *Tx) Post(jt JournalType, debit, credit AccountKey, amount *uint256.Int) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("post %s: zero amount", jt)
	}

	j := Journal{
		JournalID:     uuid.New(),
		EventRef:      tx.eventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        *amount,
		JournalType:   jt,
	}

	set := func(k AccountKey, v uint256.Int) { tx.staged[k] = v }
	if err := applyEntry(tx.view, set, &j); err != nil {
		return fmt.Errorf("post %s: %w", jt, err)
	}

	tx.journals = append(tx.journals, j)
	return nil
}

// OnRollback registers a compensation. Compensations run in LIFO order.
func (tx *Tx) OnRollback(name string, undo func(ctx context.Context) error) {
	tx.undo = append(tx.undo, Compensation{Name: name, Undo: undo})
}

// Journals returns the entries staged so far.
func (tx *Tx) Journals() []Journal {
	out := make([]Journal, len(tx.journals))
	copy(out, tx.journals)
	return out
}

// Commit applies the staged entries to the tracker as one batch and drops
// the compensation log. A transaction with no entries commits to a nil
// batch. On error the transaction stays open so the caller can Rollback.
func (tx *Tx) Commit(sequence, timestamp int64) (*Batch, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}

	if len(tx.journals) == 0 {
		tx.closed = true
		tx.undo = nil
		return nil, nil
	}

	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  tx.eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(tx.journals)),
	}
	for i, j := range tx.journals {
		j.BatchID = batch.BatchID
		j.Sequence = sequence
		j.Timestamp = timestamp
		batch.Journals[i] = j
	}

	if err := tx.tracker.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("commit %s: %w", tx.eventRef, err)
	}

	tx.closed = true
	tx.staged = nil
	tx.undo = nil
	return batch, nil
}

// Rollback discards staged entries and runs compensations newest first.
// Every compensation runs even if an earlier one fails; failures are joined.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.staged = nil
	tx.journals = nil

	var errs []error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		c := tx.undo[i]
		if err := c.Undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", c.Name, err))
		}
	}
	tx.undo = nil
	return errors.Join(errs...)
}

// EventRef is the idempotency key the transaction's journals carry.
func (tx *Tx) EventRef() string {
	return tx.eventRef
}

// Closed reports whether Commit or Rollback has completed.
func (tx *Tx) Closed() bool {
	return tx.closed
}
