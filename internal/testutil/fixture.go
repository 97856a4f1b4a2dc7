package testutil

import (
	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"CDPLedger/internal/token"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	WETH = "WETH" // 18 decimals, $2000
	WBTC = "WBTC" // 8 decimals, $30000
)

// Fixture is an engine wired to in-memory collaborators. Every external
// ledger is wrapped so tests can inject failures.
type Fixture struct {
	Engine   *core.Engine
	EngineID uuid.UUID

	Feed      *oracle.Feed
	Oracle    *CountingOracle
	Synthetic *token.SyntheticToken
	SynthFx   *FaultySynthetic
	Vaults    map[string]*token.Vault
	Ledgers   map[string]*FaultyLedger

	Persist chan core.CoreOutput
	Publish chan core.CoreOutput
	Metrics *observability.Metrics
}

var fixtureDecimals = map[string]uint8{WETH: 18, WBTC: 8}

// NewFixture builds a fresh engine with WETH and WBTC collateral, default
// risk parameters and buffered output channels.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()

	engineID := uuid.New()
	feed := oracle.NewFeed(oracle.DefaultDecimals, time.Hour)
	feed.SetPrice(WETH, 2000*1e8)
	feed.SetPrice(WBTC, 30000*1e8)
	counting := &CountingOracle{Inner: feed}

	synthetic := token.NewSyntheticToken(core.DefaultSyntheticSymbol)
	if err := synthetic.SetMinter(engineID); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	synthFx := NewFaultySynthetic(synthetic.Session(engineID))

	f := &Fixture{
		EngineID:  engineID,
		Feed:      feed,
		Oracle:    counting,
		Synthetic: synthetic,
		SynthFx:   synthFx,
		Vaults:    make(map[string]*token.Vault),
		Ledgers:   make(map[string]*FaultyLedger),
		Persist:   make(chan core.CoreOutput, 4096),
		Publish:   make(chan core.CoreOutput, 4096),
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}

	var assets []core.SupportedAsset
	for _, symbol := range []string{WETH, WBTC} {
		vault := token.NewVault(symbol, engineID)
		ledger := NewFaultyLedger(vault)
		f.Vaults[symbol] = vault
		f.Ledgers[symbol] = ledger
		assets = append(assets, core.SupportedAsset{
			Symbol:   symbol,
			Decimals: fixtureDecimals[symbol],
			Oracle:   counting,
			Ledger:   ledger,
		})
	}

	engine, err := core.NewEngine(core.Config{
		ID:          engineID,
		Assets:      assets,
		Synthetic:   synthFx,
		Params:      state.DefaultParams(),
		PersistChan: f.Persist,
		PublishChan: f.Publish,
		Metrics:     f.Metrics,
		Logger:      observability.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.Engine = engine
	return f
}

// Units returns whole * 10^decimals.
func Units(whole int64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(uint64(whole)), fpmath.Pow10(decimals))
}

// Amount returns whole units of a fixture asset in base units.
func (f *Fixture) Amount(asset string, whole int64) *uint256.Int {
	return Units(whole, fixtureDecimals[asset])
}

// USD returns whole dollars (or synthetic tokens) at 18 decimals.
func USD(whole int64) *uint256.Int {
	return Units(whole, 18)
}

// Fund credits whole units of asset to user's wallet.
func (f *Fixture) Fund(user uuid.UUID, asset string, whole int64) {
	f.Vaults[asset].Credit(user, f.Amount(asset, whole))
}

// SetPrice sets asset to whole dollars.
func (f *Fixture) SetPrice(asset string, dollars int64) {
	f.Feed.SetPrice(asset, dollars*1e8)
}

// Approve lets the engine pull amount of owner's synthetic.
func (f *Fixture) Approve(owner uuid.UUID, amount *uint256.Int) {
	f.Synthetic.Approve(owner, f.EngineID, amount)
}

// Drain empties the persist channel and returns its outputs in order.
func (f *Fixture) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-f.Persist:
			out = append(out, o)
		default:
			return out
		}
	}
}
