package core_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositAndBorrow_RefusedMintReturnsCollateral(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 10)
	f.SynthFx.Refuse("mint", true)

	hash, seq := f.Engine.StateHash(), f.Engine.Sequence()

	err := f.Engine.DepositAndBorrow(ctx, user, WETH, f.Amount(WETH, 10), testutil.USD(8000))
	require.ErrorIs(t, err, core.ErrMintFailed)

	assert.Equal(t, []string{"transferIn", "transferOut"}, f.Ledgers[WETH].Calls())
	assert.True(t, f.Vaults[WETH].BalanceOf(user).Eq(f.Amount(WETH, 10)))
	assert.True(t, f.Vaults[WETH].BalanceOf(f.EngineID).IsZero())

	bal, err := f.Engine.GetCollateralBalance(user, WETH)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.True(t, f.Engine.GetDebt(user).IsZero())
	assert.Equal(t, hash, f.Engine.StateHash())
	assert.Equal(t, seq, f.Engine.Sequence())
	assert.Empty(t, f.Drain())
}

func TestDepositAndBorrow_HealthCheckFailsBeforeAnyTransfer(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 1)

	err := f.Engine.DepositAndBorrow(ctx, user, WETH, f.Amount(WETH, 1), testutil.USD(1001))
	require.ErrorIs(t, err, core.ErrPositionUndercollateralized)

	assert.Empty(t, f.Ledgers[WETH].Calls())
	assert.Empty(t, f.SynthFx.Calls())
}

func TestDeposit_RefusedTransferLeavesNoTrace(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 1)
	f.Ledgers[WETH].RefuseTransferIn(true)

	err := f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1))
	require.ErrorIs(t, err, core.ErrTransferFailed)
	assert.Equal(t, int64(1), f.Engine.Sequence())

	// The ledger error is wrapped too.
	boom := errors.New("rpc unavailable")
	f.Ledgers[WETH].RefuseTransferIn(false)
	f.Ledgers[WETH].FailTransferIn(boom)
	err = f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1))
	assert.ErrorIs(t, err, core.ErrTransferFailed)
	assert.ErrorIs(t, err, boom)
}

func TestRepay_RefusedBurnReturnsTokens(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	openPosition(t, f, user, 10, 4000)
	f.Approve(user, testutil.USD(4000))
	f.SynthFx.Refuse("burn", true)

	hash := f.Engine.StateHash()

	err := f.Engine.Repay(ctx, user, testutil.USD(1000))
	require.ErrorIs(t, err, core.ErrBurnFailed)

	assert.Equal(t, []string{"mint", "transferFrom", "transfer"}, f.SynthFx.Calls())
	assert.True(t, f.Synthetic.BalanceOf(user).Eq(testutil.USD(4000)))
	assert.True(t, f.Synthetic.BalanceOf(f.EngineID).IsZero())
	assert.True(t, f.Engine.GetDebt(user).Eq(testutil.USD(4000)))
	assert.Equal(t, hash, f.Engine.StateHash())
}

func TestWithdrawAndRepay_RefusedPayoutUndoesRepay(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	openPosition(t, f, user, 10, 4000)
	f.Approve(user, testutil.USD(4000))
	f.Ledgers[WETH].RefuseTransferOut(true)
	supply := f.Synthetic.TotalSupply()

	err := f.Engine.WithdrawAndRepay(ctx, user, WETH, f.Amount(WETH, 2), testutil.USD(1000))
	require.ErrorIs(t, err, core.ErrTransferFailed)

	assert.True(t, f.Synthetic.TotalSupply().Eq(supply))
	assert.True(t, f.Synthetic.BalanceOf(user).Eq(testutil.USD(4000)))
	assert.True(t, f.Engine.GetDebt(user).Eq(testutil.USD(4000)))
	require.NoError(t, f.Engine.ValidateInvariants())
}

func TestReentrantCallIsRejected(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 2)

	var inner error
	f.Ledgers[WETH].OnTransferIn(func(ctx context.Context) {
		f.Ledgers[WETH].OnTransferIn(nil)
		inner = f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1))
	})

	require.NoError(t, f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1)))
	assert.ErrorIs(t, inner, core.ErrReentrantCall)
	assert.Equal(t, core.ClassConcurrency, core.Classify(inner))

	bal, err := f.Engine.GetCollateralBalance(user, WETH)
	require.NoError(t, err)
	assert.True(t, bal.Eq(f.Amount(WETH, 1)))
}

func TestPanicInCollaboratorRollsBackAndReleasesEngine(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 2)
	hash := f.Engine.StateHash()

	f.Ledgers[WETH].OnTransferIn(func(context.Context) { panic("ledger exploded") })
	assert.PanicsWithValue(t, "ledger exploded", func() {
		_ = f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1))
	})
	assert.Equal(t, hash, f.Engine.StateHash())

	f.Ledgers[WETH].OnTransferIn(nil)
	require.NoError(t, f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, 1)))
}

func TestCancelledContextStillCompensates(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, WETH, 10)

	cctx, cancel := context.WithCancel(ctx)
	// Cancel after the deposit transfer; the oracle then sees a dead context.
	f.Ledgers[WETH].OnTransferIn(func(context.Context) { cancel() })
	f.SynthFx.Refuse("mint", true)

	err := f.Engine.DepositAndBorrow(cctx, user, WETH, f.Amount(WETH, 10), testutil.USD(100))
	require.Error(t, err)
	assert.True(t, f.Vaults[WETH].BalanceOf(user).Eq(f.Amount(WETH, 10)))
}
