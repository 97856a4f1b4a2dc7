// Package monitor watches the engine from the outside: it reports the
// system-wide collateral ratio and publishes positions that have become
// liquidatable.
package monitor

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const usdDecimals = 18

// Engine is the read surface the monitor scans.
type Engine interface {
	GetSupportedAssets() []core.AssetInfo
	TotalCollateral(asset string) (*uint256.Int, error)
	TotalDebt() *uint256.Int
	GetUsdValue(ctx context.Context, asset string, amount *uint256.Int) (*uint256.Int, error)
	GetAccountInfo(ctx context.Context, user uuid.UUID) (totalDebt, collateralUsd *uint256.Int, err error)
	Users() []uuid.UUID
	Params() state.Params
	Sequence() int64
	ValidateInvariants() error
}

var _ Engine = (*core.Engine)(nil)

// Solvency is one reading of the soft invariant: collateral value held in
// custody against outstanding synthetic supply.
type Solvency struct {
	Sequence      int64
	CollateralUSD *uint256.Int
	Supply        *uint256.Int
	Ratio         *uint256.Int // 1e18-scaled; MaxUint256 with no supply
}

func (s Solvency) Undercollateralized() bool {
	return s.Ratio.Lt(fpmath.Precision)
}

// Candidate is a position a liquidator can act on.
type Candidate struct {
	UserID        uuid.UUID `json:"user_id"`
	HealthFactor  string    `json:"health_factor"`
	Debt          string    `json:"debt"`
	CollateralUSD string    `json:"collateral_usd"`
	Sequence      int64     `json:"sequence"`
	ObservedAt    int64     `json:"observed_at"`
}

type Config struct {
	Interval time.Duration
	// Publish candidates to NATS; nil only records metrics.
	Publisher ingestion.StreamPublisher
}

type Monitor struct {
	engine  Engine
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewMonitor(engine Engine, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Monitor{
		engine:  engine,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("monitor tick failed")
			}
		}
	}
}

// Tick runs one solvency check and one liquidation scan.
func (m *Monitor) Tick(ctx context.Context) error {
	if err := m.engine.ValidateInvariants(); err != nil {
		if m.metrics != nil {
			m.metrics.ConservationViolations.Inc()
		}
		m.logger.Error().Err(err).Msg("conservation invariant violated")
	}

	if _, err := m.CheckSolvency(ctx); err != nil {
		return fmt.Errorf("solvency: %w", err)
	}
	candidates, err := m.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return m.publish(ctx, candidates)
}

// CheckSolvency values all custody balances at current prices.
func (m *Monitor) CheckSolvency(ctx context.Context) (Solvency, error) {
	start := time.Now()
	s := Solvency{
		Sequence:      m.engine.Sequence(),
		CollateralUSD: new(uint256.Int),
		Supply:        m.engine.TotalDebt(),
	}

	for _, a := range m.engine.GetSupportedAssets() {
		held, err := m.engine.TotalCollateral(a.Symbol)
		if err != nil {
			return Solvency{}, err
		}
		if held.IsZero() {
			continue
		}
		usd, err := m.engine.GetUsdValue(ctx, a.Symbol, held)
		if err != nil {
			return Solvency{}, fmt.Errorf("value %s: %w", a.Symbol, err)
		}
		if s.CollateralUSD, err = fpmath.Add(s.CollateralUSD, usd); err != nil {
			return Solvency{}, err
		}
	}

	if s.Supply.IsZero() {
		s.Ratio = fpmath.MaxUint256.Clone()
	} else {
		ratio, err := fpmath.MulDiv(s.CollateralUSD, fpmath.Precision, s.Supply, fpmath.RoundDown)
		if err != nil {
			return Solvency{}, err
		}
		s.Ratio = ratio
	}

	if m.metrics != nil {
		m.metrics.CollateralValueUSD.Set(toFloat(s.CollateralUSD))
		m.metrics.SyntheticSupply.Set(toFloat(s.Supply))
		if !s.Supply.IsZero() {
			m.metrics.SolvencyRatio.Set(toFloat(s.Ratio))
		}
		m.metrics.SolvencyScanDuration.Observe(time.Since(start).Seconds())
	}
	if s.Undercollateralized() {
		m.logger.Warn().
			Int64("sequence", s.Sequence).
			Str("collateral_usd", fpmath.FormatUnits(s.CollateralUSD, usdDecimals)).
			Str("supply", fpmath.FormatUnits(s.Supply, usdDecimals)).
			Str("ratio", fpmath.FormatUnits(s.Ratio, usdDecimals)).
			Msg("synthetic supply exceeds collateral value")
	}
	return s, nil
}

// Scan returns every position below the minimum health factor, in the
// engine's user order.
func (m *Monitor) Scan(ctx context.Context) ([]Candidate, error) {
	params := m.engine.Params()
	seq := m.engine.Sequence()
	at := m.now().UnixNano()

	var out []Candidate
	for _, user := range m.engine.Users() {
		debt, value, err := m.engine.GetAccountInfo(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", user, err)
		}
		if debt.IsZero() {
			continue
		}
		hf := params.HealthFactor(debt, value)
		if params.Status(hf) != state.HealthStatusLiquidatable {
			continue
		}
		out = append(out, Candidate{
			UserID:        user,
			HealthFactor:  fpmath.FormatUnits(hf, usdDecimals),
			Debt:          fpmath.FormatUnits(debt, usdDecimals),
			CollateralUSD: fpmath.FormatUnits(value, usdDecimals),
			Sequence:      seq,
			ObservedAt:    at,
		})
	}

	if m.metrics != nil {
		m.metrics.LiquidatablePositions.Set(float64(len(out)))
	}
	return out, nil
}

// publish sends candidates with a per-sequence message id, so rescans of an
// unchanged engine are deduplicated by the stream.
func (m *Monitor) publish(ctx context.Context, candidates []Candidate) error {
	if m.cfg.Publisher == nil {
		return nil
	}
	for _, c := range candidates {
		msgID := fmt.Sprintf("%s-%d", c.UserID, c.Sequence)
		if err := ingestion.PublishJSON(ctx, m.cfg.Publisher, ingestion.LiquidatableSubject, msgID, c); err != nil {
			if m.metrics != nil {
				m.metrics.PublishErrors.WithLabelValues(ingestion.LiquidatableSubject).Inc()
			}
			return fmt.Errorf("publish candidate %s: %w", c.UserID, err)
		}
	}
	if len(candidates) > 0 {
		m.logger.Info().Int("candidates", len(candidates)).Msg("liquidation candidates published")
	}
	return nil
}

func toFloat(v *uint256.Int) float64 {
	return decimal.NewFromBigInt(v.ToBig(), -usdDecimals).InexactFloat64()
}
