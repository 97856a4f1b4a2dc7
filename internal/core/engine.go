package core

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/token"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	DefaultSyntheticSymbol = "cdpUSD"
	DefaultAssetDecimals   = 18

	// Largest native decimals accepted for a collateral asset. Leaves room
	// for the feed's decimals inside the 10^77 table.
	maxAssetDecimals = 36

	defaultIdempotencyCapacity = 1_000_000
	conservationCheckInterval  = 1000
)

// SupportedAsset is one collateral type with its price source and ledger.
type SupportedAsset struct {
	Symbol   string
	Decimals uint8
	Oracle   oracle.PriceOracle
	Ledger   token.AssetLedger
}

// AssetInfo is the public part of a SupportedAsset.
type AssetInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// ZipAssets pairs parallel lists of symbols, oracles and ledgers into
// 18-decimal SupportedAssets.
func ZipAssets(symbols []string, oracles []oracle.PriceOracle, ledgers []token.AssetLedger) ([]SupportedAsset, error) {
	if len(symbols) != len(oracles) || len(symbols) != len(ledgers) {
		return nil, fmt.Errorf("%w: %d symbols, %d oracles, %d ledgers",
			ErrInvalidConfiguration, len(symbols), len(oracles), len(ledgers))
	}
	assets := make([]SupportedAsset, len(symbols))
	for i := range symbols {
		assets[i] = SupportedAsset{
			Symbol:   symbols[i],
			Decimals: DefaultAssetDecimals,
			Oracle:   oracles[i],
			Ledger:   ledgers[i],
		}
	}
	return assets, nil
}

// Config wires an Engine.
type Config struct {
	// ID is the engine's own holder identity on the token ledgers. The
	// synthetic ledger must have it as minter.
	ID uuid.UUID

	Assets          []SupportedAsset
	Synthetic       token.SyntheticLedger
	SyntheticSymbol string
	Params          state.Params // zero value means state.DefaultParams()

	// First sequence to assign on a fresh start. Defaults to 1.
	StartSequence int64

	// Blocking: the engine stalls until the persistence worker drains.
	PersistChan chan<- CoreOutput
	// Non-blocking: outputs are dropped when full.
	PublishChan chan<- CoreOutput

	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int

	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// CoreOutput is one committed command as handed to the persistence worker
// and the publisher.
type CoreOutput struct {
	Envelope   *event.Envelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Engine is the collateralized debt core. It owns every position and is
// the only writer of the balance tracker. Mutating calls must not overlap;
// a call made while another is in flight fails with ErrReentrantCall.
// Sequencer serializes callers that share an Engine.
type Engine struct {
	id              uuid.UUID
	assets          map[string]SupportedAsset
	symbols         []string
	synthetic       token.SyntheticLedger
	syntheticSymbol string
	params          state.Params

	balances    *ledger.BalanceTracker
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker

	busy atomic.Bool

	// chainMu guards sequence and hasher. Commit holds it across the
	// tracker write so snapshots see a consistent (sequence, hash, balances).
	chainMu  sync.RWMutex
	sequence int64
	hasher   *StateHasher

	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// NewEngine validates cfg and builds an engine with an empty ledger.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: engine id is required", ErrInvalidConfiguration)
	}
	if cfg.Synthetic == nil {
		return nil, fmt.Errorf("%w: synthetic ledger is required", ErrInvalidConfiguration)
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("%w: at least one collateral asset is required", ErrInvalidConfiguration)
	}
	if cfg.Params == (state.Params{}) {
		cfg.Params = state.DefaultParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	synthetic := cfg.SyntheticSymbol
	if synthetic == "" {
		synthetic = DefaultSyntheticSymbol
	}

	assets := make(map[string]SupportedAsset, len(cfg.Assets))
	symbols := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		switch {
		case a.Symbol == "":
			return nil, fmt.Errorf("%w: empty asset symbol", ErrInvalidConfiguration)
		case a.Symbol == synthetic:
			return nil, fmt.Errorf("%w: %s is the synthetic symbol", ErrInvalidConfiguration, a.Symbol)
		case a.Oracle == nil:
			return nil, fmt.Errorf("%w: %s has no price oracle", ErrInvalidConfiguration, a.Symbol)
		case a.Ledger == nil:
			return nil, fmt.Errorf("%w: %s has no asset ledger", ErrInvalidConfiguration, a.Symbol)
		case a.Decimals > maxAssetDecimals:
			return nil, fmt.Errorf("%w: %s decimals %d exceed %d",
				ErrInvalidConfiguration, a.Symbol, a.Decimals, maxAssetDecimals)
		}
		if _, dup := assets[a.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrInvalidConfiguration, a.Symbol)
		}
		assets[a.Symbol] = a
		symbols = append(symbols, a.Symbol)
	}

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	start := cfg.StartSequence
	if start <= 0 {
		start = 1
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	balances := ledger.NewBalanceTracker()
	logger := cfg.Logger.With().Str("engine_id", cfg.ID.String()).Logger()

	return &Engine{
		id:              cfg.ID,
		assets:          assets,
		symbols:         symbols,
		synthetic:       cfg.Synthetic,
		syntheticSymbol: synthetic,
		params:          cfg.Params,
		balances:        balances,
		journalGen:      ledger.NewJournalGenerator(synthetic),
		validator:       ledger.NewInvariantValidator(balances),
		idempotency:     NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, logger),
		sequence:        start,
		hasher:          NewStateHasher(),
		metrics:         cfg.Metrics,
		logger:          logger,
		now:             now,
		persistChan:     cfg.PersistChan,
		publishChan:     cfg.PublishChan,
	}, nil
}

// op is one command in flight: its staged ledger transaction, the external
// effects queued behind the checks, and the records it will emit.
type op struct {
	ctx     context.Context
	tx      *ledger.Tx
	effects []effect
	records []event.Record
}

type effect struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// then queues an external effect. It runs only after every check of the
// command has passed. undo may be nil for effects that are always last.
func (o *op) then(name string, run, undo func(ctx context.Context) error) {
	o.effects = append(o.effects, effect{name: name, run: run, undo: undo})
}

// apply runs queued effects in order; each success registers its undo.
func (o *op) apply() error {
	effects := o.effects
	o.effects = nil
	for _, eff := range effects {
		if err := eff.run(o.ctx); err != nil {
			return err
		}
		if eff.undo != nil {
			o.tx.OnRollback(eff.name, eff.undo)
		}
	}
	return nil
}

// execute is the pipeline every mutating command goes through:
// reentrancy guard → idempotency → stage + checks → external effects →
// commit → hash chain → emit. Any failure (or panic) discards the staged
// ledger changes and runs compensations newest first.
func (e *Engine) execute(ctx context.Context, cmd event.Command, stage func(o *op) error) (err error) {
	kind := cmd.CommandType().Kind()
	if !e.busy.CompareAndSwap(false, true) {
		e.reject(kind, ErrReentrantCall)
		return fmt.Errorf("%s: %w", kind, ErrReentrantCall)
	}
	defer e.busy.Store(false)

	start := time.Now()
	key := cmd.IdempotencyKey()

	defer func() {
		if err != nil {
			e.reject(kind, err)
		}
	}()

	if e.idempotency.IsDuplicate(ctx, kind, key) {
		return fmt.Errorf("%s %s: %w", kind, key, ErrDuplicateCommand)
	}

	o := &op{ctx: ctx, tx: e.balances.Begin(key)}
	defer func() {
		if r := recover(); r != nil {
			e.rollback(ctx, o, kind)
			panic(r)
		}
	}()

	if err := stage(o); err != nil {
		return e.abort(ctx, o, kind, err)
	}
	if err := o.apply(); err != nil {
		return e.abort(ctx, o, kind, err)
	}

	out, err := e.commit(o, cmd)
	if err != nil {
		return e.abort(ctx, o, kind, err)
	}

	e.emit(out)
	e.observe(kind, out, start)
	return nil
}

func (e *Engine) abort(ctx context.Context, o *op, kind string, cause error) error {
	if rbErr := e.rollback(ctx, o, kind); rbErr != nil {
		return errors.Join(cause, rbErr)
	}
	return cause
}

// rollback runs compensations detached from ctx cancellation: a cancelled
// caller must not leave external ledgers half-undone.
func (e *Engine) rollback(ctx context.Context, o *op, kind string) error {
	err := o.tx.Rollback(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Error().Err(err).
			Str("command", kind).
			Str("idempotency_key", o.tx.EventRef()).
			Msg("compensation failed, external ledgers need reconciliation")
		if e.metrics != nil {
			e.metrics.CoreCompensations.WithLabelValues("failed").Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.CoreCompensations.WithLabelValues("ok").Inc()
	}
	return nil
}

func (e *Engine) commit(o *op, cmd event.Command) (CoreOutput, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}

	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	seq := e.sequence
	ts := e.now().UTC()

	batch, err := o.tx.Commit(seq, ts.UnixMicro())
	if err != nil {
		return CoreOutput{}, err
	}

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	digest := StateDigest(batch, e.committedBalance)
	stateHash := e.hasher.ComputeHash(seq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		UserID:         cmd.Subject(),
		Timestamp:      ts,
		Payload:        payload,
		Records:        o.records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	e.idempotency.MarkProcessed(cmd.CommandType().Kind(), cmd.IdempotencyKey())

	if seq%conservationCheckInterval == 0 {
		if err := e.validator.ValidateConservation(); err != nil {
			if e.metrics != nil {
				e.metrics.ConservationViolations.Inc()
			}
			panic(fmt.Sprintf("FATAL: conservation violated at sequence %d: %v", seq, err))
		}
	}

	return CoreOutput{Envelope: envelope, Batch: batch, StateDelta: digest}, nil
}

func (e *Engine) committedBalance(key ledger.AccountKey) [32]byte {
	return e.balances.GetBalance(key).Bytes32()
}

// emit hands the output to persistence (blocking, so nothing committed is
// lost) and to the publisher (non-blocking, drop on full).
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) observe(kind string, out CoreOutput, start time.Time) {
	var journals []ledger.Journal
	if out.Batch != nil {
		journals = out.Batch.Journals
	}
	e.logger.Debug().
		Int64("sequence", out.Envelope.Sequence).
		Str("command", kind).
		Str("user_id", out.Envelope.UserID.String()).
		Int("journals", len(journals)).
		Msg("command committed")

	if e.metrics == nil {
		return
	}
	e.metrics.CoreCommandsApplied.WithLabelValues(kind).Inc()
	e.metrics.CoreCommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(out.Envelope.Sequence + 1))
	for _, j := range journals {
		e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, r := range out.Envelope.Records {
		liq, ok := r.(*event.PositionLiquidated)
		if !ok {
			continue
		}
		e.metrics.LiquidationsTotal.WithLabelValues(liq.Asset).Inc()
		if a, ok := e.assets[liq.Asset]; ok {
			e.metrics.LiquidationCollateralSeized.WithLabelValues(liq.Asset).
				Add(unitsFloat(liq.CollateralSeized, a.Decimals))
		}
	}
}

func (e *Engine) reject(kind string, err error) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(kind, rejectReason(err)).Inc()
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64 // Last committed sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]uint256.Int
	IdempotencyKeys []string
}

// CreateSnapshotState captures the committed state. Safe to call while
// commands are executing.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.chainMu.RLock()
	defer e.chainMu.RUnlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.balances.Snapshot(),
		IdempotencyKeys: e.idempotency.keys.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the engine's state with a snapshot. Call it
// before serving commands.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}
	for key := range snap.Balances {
		if key.Scope == ledger.AccountScopeUser && key.SubType == ledger.SubTypeCollateral {
			if _, ok := e.assets[key.Asset]; !ok {
				return fmt.Errorf("restore: %s: %w", key.AccountPath(), ErrUnsupportedAsset)
			}
		}
	}

	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.balances.Restore(snap.Balances)
	e.idempotency.keys.WarmFromKeys(snap.IdempotencyKeys)

	if err := e.validator.ValidateConservation(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// ReplayBatch re-applies a persisted journal batch committed after the last
// snapshot. External ledgers are not touched: they already saw the effects.
// The recomputed hash must match the one stored in the envelope.
func (e *Engine) ReplayBatch(env *event.Envelope, batch *ledger.Batch) error {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	if batch != nil {
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}

	digest := StateDigest(batch, e.committedBalance)
	hash := e.hasher.ComputeHash(env.Sequence, digest)
	if hash != env.StateHash {
		return fmt.Errorf("replay sequence %d: state hash mismatch: computed %x, stored %x",
			env.Sequence, hash, env.StateHash)
	}

	e.idempotency.MarkProcessed(env.CommandType.Kind(), env.IdempotencyKey)
	e.sequence++
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.keys.WarmFromKeys(keys)
}

// unitsFloat converts base units to a float for metrics only.
func unitsFloat(v *uint256.Int, decimals uint8) float64 {
	f, err := strconv.ParseFloat(fpmath.FormatUnits(v, decimals), 64)
	if err != nil {
		return 0
	}
	return f
}
