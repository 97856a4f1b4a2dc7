package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and nothing committed is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// batch accumulates rows between flushes.
type batch struct {
	events       []EventRow
	journals     []JournalRow
	liquidations []LiquidationRow
	committedAt  []time.Time
}

func (b *batch) add(r Rows) {
	b.events = append(b.events, r.Event)
	b.journals = append(b.journals, r.Journals...)
	b.liquidations = append(b.liquidations, r.Liquidations...)
	b.committedAt = append(b.committedAt, r.Event.Timestamp)
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.journals = b.journals[:0]
	b.liquidations = b.liquidations[:0]
	b.committedAt = b.committedAt[:0]
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	pw.logger.Info().Int("batch_size", pw.batchSize).Dur("flush_timeout", pw.flushTimeout).
		Msg("persistence worker started")

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(b.events) > 0 {
				if err := pw.flush(context.WithoutCancel(ctx), b); err != nil {
					pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			rows, err := ToRows(output)
			if err != nil {
				pw.logger.Error().Err(err).Msg("dropping unencodable core output")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			b.add(rows)

			if len(b.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.events) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. It never drops a batch: on shutdown it makes one last
// attempt without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(b.events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.WithoutCancel(ctx), b)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	// Events, journals and liquidations commit together.
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, b.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteLiquidationBatch(ctx, tx, b.liquidations); err != nil {
		pw.countError("write_liquidations")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		now := time.Now()
		pw.metrics.PersistBatchDur.Observe(now.Sub(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(b.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(b.journals)))
		pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		for _, ts := range b.committedAt {
			pw.metrics.ApplyToPersist.Observe(now.Sub(ts).Seconds())
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
