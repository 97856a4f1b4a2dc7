package query

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/testutil"
	"CDPLedger/migrations"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaginate(t *testing.T) {
	q, args := paginate("SELECT 1 WHERE user_id = $1", []interface{}{"u"}, Page{}, "sequence DESC")
	assert.Equal(t, "SELECT 1 WHERE user_id = $1 ORDER BY sequence DESC LIMIT $2", q)
	assert.Equal(t, []interface{}{"u", DefaultPageLimit}, args)

	q, args = paginate("SELECT 1 WHERE user_id = $1", []interface{}{"u"}, Page{Limit: 10_000, Before: 42}, "sequence DESC")
	assert.Equal(t, "SELECT 1 WHERE user_id = $1 AND sequence < $2 ORDER BY sequence DESC LIMIT $3", q)
	assert.Equal(t, []interface{}{"u", int64(42), MaxPageLimit}, args)

	assert.Equal(t, 7, clampLimit(7))
}

func TestBuildAccount(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	user := uuid.New()

	f.Fund(user, testutil.WETH, 10)
	f.Fund(user, testutil.WBTC, 1)
	require.NoError(t, f.Engine.Deposit(ctx, user, testutil.WBTC, f.Amount(testutil.WBTC, 1)))

	// Collateral without debt reports an infinite factor.
	acct, err := BuildAccount(ctx, f.Engine, user)
	require.NoError(t, err)
	assert.Equal(t, "inf", acct.HealthFactor)
	assert.Equal(t, "Healthy", acct.Status)
	assert.Equal(t, "0", acct.TotalDebt)
	require.Len(t, acct.Collateral, 1)
	assert.Equal(t, CollateralBalance{Asset: "WBTC", Amount: "100000000", Display: "1", ValueUSD: "30000"}, acct.Collateral[0])

	require.NoError(t, f.Engine.DepositAndBorrow(ctx, user, testutil.WETH, f.Amount(testutil.WETH, 10), testutil.USD(8000)))
	acct, err = BuildAccount(ctx, f.Engine, user)
	require.NoError(t, err)
	assert.Equal(t, "8000", acct.TotalDebt)
	assert.Equal(t, "50000", acct.CollateralValueUSD)
	assert.Equal(t, "3.125", acct.HealthFactor)
	assert.Len(t, acct.Collateral, 2)
	assert.Equal(t, f.Engine.Sequence(), acct.AsOfSequence)

	// 10 WETH at $1000 plus 1 WBTC at $30000, half of it against 8000.
	f.SetPrice(testutil.WETH, 1000)
	acct, err = BuildAccount(ctx, f.Engine, user)
	require.NoError(t, err)
	assert.Equal(t, "2.5", acct.HealthFactor)

	f.Feed.MarkStale(testutil.WETH)
	_, err = BuildAccount(ctx, f.Engine, user)
	assert.ErrorIs(t, err, core.ErrOracleStaleOrInvalid)
}

func TestFormatHealthFactor(t *testing.T) {
	assert.Equal(t, "1.25", FormatHealthFactor(testutil.Units(125, 16)))
}

// Writes a liquidation history through the persistence worker and reads it
// back through every history query.
func TestHistoryQueries(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := observability.NewNopLogger()
	migrator, err := persistence.NewMigrator(db, migrations.FS, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up(ctx))

	f := testutil.NewFixture(t)
	user, liquidator := uuid.New(), uuid.New()
	f.Fund(user, testutil.WETH, 10)
	f.Fund(liquidator, testutil.WETH, 100)
	require.NoError(t, f.Engine.DepositAndBorrow(ctx, user, testutil.WETH, f.Amount(testutil.WETH, 10), testutil.USD(8000)))
	require.NoError(t, f.Engine.DepositAndBorrow(ctx, liquidator, testutil.WETH, f.Amount(testutil.WETH, 100), testutil.USD(2000)))
	f.Approve(liquidator, testutil.USD(2000))
	f.SetPrice(testutil.WETH, 1200)
	require.NoError(t, f.Engine.Liquidate(ctx, liquidator, testutil.WETH, user, testutil.USD(2000)))

	out := f.Drain()
	in := make(chan core.CoreOutput, len(out))
	for _, o := range out {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 10, 10*time.Millisecond, nil, logger).Run(ctx))

	qs := NewQueryService(db, f.Engine, f.Metrics)

	journals, err := qs.GetJournalHistory(ctx, user, Page{})
	require.NoError(t, err)
	// deposit + borrow, then seize + cover
	require.Len(t, journals, 4)
	assert.Equal(t, int64(3), journals[0].Sequence)
	assert.Equal(t, int64(1), journals[3].Sequence)
	assert.Equal(t, "deposit", journals[3].JournalType)

	page, err := qs.GetJournalHistory(ctx, user, Page{Before: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Sequence)

	liqs, err := qs.GetLiquidationHistory(ctx, user, RoleLiquidated, Page{})
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	assert.Equal(t, liquidator, liqs[0].Liquidator)
	assert.Equal(t, "1833333333333333332", liqs[0].CollateralSeized)
	assert.Equal(t, "166666666666666666", liqs[0].Bonus)

	byLiquidator, err := qs.GetLiquidationHistory(ctx, liquidator, RoleLiquidator, Page{})
	require.NoError(t, err)
	assert.Len(t, byLiquidator, 1)
	none, err := qs.GetLiquidationHistory(ctx, liquidator, RoleLiquidated, Page{})
	require.NoError(t, err)
	assert.Empty(t, none)

	cmds, err := qs.GetCommandHistory(ctx, user, Page{})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "liquidate", cmds[0].CommandType)
	assert.Equal(t, "deposit_and_borrow", cmds[1].CommandType)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, int64(3), report.CheckedThrough)

	_, err = db.ExecContext(ctx, `UPDATE event_log.events SET prev_hash = $1 WHERE sequence = 2`, make([]byte, 32))
	require.NoError(t, err)
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{2}, report.HashChainBreaks)
}
