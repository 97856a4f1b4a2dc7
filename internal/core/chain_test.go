package core_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/testutil"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Hash chain
// ============================================================================

func TestHashChainLinksEveryCommit(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	openPosition(t, f, user, 10, 3000)
	f.Approve(user, testutil.USD(1000))
	require.NoError(t, f.Engine.Repay(ctx, user, testutil.USD(1000)))

	out := f.Drain()
	require.Len(t, out, 3)

	prev := core.GenesisHash()
	for i, o := range out {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
		assert.Equal(t, prev, o.Envelope.PrevHash)
		assert.Equal(t, core.ChainHash(prev, o.Envelope.Sequence, o.StateDelta), o.Envelope.StateHash)
		assert.Equal(t, o.Envelope.Sequence, o.Batch.Sequence)
		prev = o.Envelope.StateHash
	}
	assert.Equal(t, prev, f.Engine.StateHash())
	assert.Equal(t, int64(4), f.Engine.Sequence())
}

func TestStateDigestIsSortedAndSized(t *testing.T) {
	user := uuid.New()
	batch := &ledger.Batch{Journals: []ledger.Journal{{
		DebitAccount:  ledger.CollateralAccount(user, WETH),
		CreditAccount: ledger.CustodyAccount(WETH),
	}}}
	balances := map[ledger.AccountKey][32]byte{
		ledger.CollateralAccount(user, WETH): uint256.NewInt(7).Bytes32(),
	}
	digest := core.StateDigest(batch, func(k ledger.AccountKey) [32]byte { return balances[k] })

	a := ledger.CollateralAccount(user, WETH).AccountPath()
	b := ledger.CustodyAccount(WETH).AccountPath()
	assert.Len(t, digest, 2*(2+32)+len(a)+len(b))
	assert.Nil(t, core.StateDigest(nil, nil))

	// Same accounts in the other order give the same digest.
	swapped := &ledger.Batch{Journals: []ledger.Journal{{
		DebitAccount:  ledger.CustodyAccount(WETH),
		CreditAccount: ledger.CollateralAccount(user, WETH),
	}}}
	assert.Equal(t, digest, core.StateDigest(swapped, func(k ledger.AccountKey) [32]byte { return balances[k] }))
}

// ============================================================================
// Snapshot and replay
// ============================================================================

func TestSnapshotRestoreAndReplay(t *testing.T) {
	src := testutil.NewFixture(t)
	user := uuid.New()
	src.Fund(user, WETH, 10)

	cmds := []event.Command{
		&event.Deposit{RequestID: uuid.New(), UserID: user, Asset: WETH, Amount: src.Amount(WETH, 10)},
		&event.Borrow{RequestID: uuid.New(), UserID: user, Amount: testutil.USD(4000)},
	}
	for _, c := range cmds {
		require.NoError(t, src.Engine.Execute(ctx, c))
	}
	snap := src.Engine.CreateSnapshotState()
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Len(t, snap.IdempotencyKeys, 2)

	later := &event.Withdraw{RequestID: uuid.New(), UserID: user, Asset: WETH, Amount: src.Amount(WETH, 1)}
	require.NoError(t, src.Engine.Execute(ctx, later))
	out := src.Drain()
	require.Len(t, out, 3)

	dst := testutil.NewFixture(t)
	require.NoError(t, dst.Engine.RestoreFromSnapshot(snap))
	assert.Equal(t, snap.StateHash, dst.Engine.StateHash())
	assert.Equal(t, int64(3), dst.Engine.Sequence())

	require.NoError(t, dst.Engine.ReplayBatch(out[2].Envelope, out[2].Batch))
	assert.Equal(t, src.Engine.StateHash(), dst.Engine.StateHash())

	bal, err := dst.Engine.GetCollateralBalance(user, WETH)
	require.NoError(t, err)
	assert.True(t, bal.Eq(src.Amount(WETH, 9)))
	assert.True(t, dst.Engine.GetDebt(user).Eq(testutil.USD(4000)))

	// Restored and replayed commands are known to the dedup cache.
	assert.ErrorIs(t, dst.Engine.Execute(ctx, cmds[0]), core.ErrDuplicateCommand)
	assert.ErrorIs(t, dst.Engine.Execute(ctx, later), core.ErrDuplicateCommand)
}

func TestReplayRejectsTamperedOrOutOfOrderBatches(t *testing.T) {
	src := testutil.NewFixture(t)
	user := uuid.New()
	openPosition(t, src, user, 5, 1000)
	out := src.Drain()
	require.Len(t, out, 2)

	dst := testutil.NewFixture(t)
	err := dst.Engine.ReplayBatch(out[1].Envelope, out[1].Batch)
	assert.ErrorContains(t, err, "expected sequence 1")

	tampered := *out[0].Envelope
	tampered.StateHash[0] ^= 0xff
	err = dst.Engine.ReplayBatch(&tampered, out[0].Batch)
	assert.ErrorContains(t, err, "state hash mismatch")
}

func TestRestoreRejectsUnknownCollateral(t *testing.T) {
	f := testutil.NewFixture(t)
	snap := &core.SnapshotState{
		Sequence: 5,
		Balances: map[ledger.AccountKey]uint256.Int{
			ledger.CollateralAccount(uuid.New(), "DOGE"): *uint256.NewInt(1),
		},
	}
	assert.ErrorIs(t, f.Engine.RestoreFromSnapshot(snap), core.ErrUnsupportedAsset)
	assert.Error(t, f.Engine.RestoreFromSnapshot(nil))
}

// ============================================================================
// Sequencer
// ============================================================================

func TestSequencerSerializesConcurrentSubmitters(t *testing.T) {
	f := testutil.NewFixture(t)
	seq := core.NewSequencer(f.Engine, 16, f.Metrics, observability.NewNopLogger())

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = seq.Run(runCtx)
	}()

	const n = 40
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = uuid.New()
		f.Fund(users[i], WETH, 1)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = seq.Submit(ctx, &event.Deposit{
				RequestID: uuid.New(), UserID: users[i], Asset: WETH, Amount: f.Amount(WETH, 1),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "submitter %d", i)
	}
	out := f.Drain()
	require.Len(t, out, n)
	for i, o := range out {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
	}
	total, err := f.Engine.TotalCollateral(WETH)
	require.NoError(t, err)
	assert.True(t, total.Eq(f.Amount(WETH, n)))

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer did not stop")
	}
	err = seq.Submit(ctx, &event.Borrow{RequestID: uuid.New(), UserID: users[0], Amount: testutil.USD(1)})
	assert.ErrorIs(t, err, core.ErrSequencerStopped)
	assert.ErrorIs(t, seq.Submit(ctx, nil), core.ErrInvalidCommand)
}

func TestSequencerReturnsEngineErrors(t *testing.T) {
	f := testutil.NewFixture(t)
	seq := core.NewSequencer(f.Engine, 1, nil, observability.NewNopLogger())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = seq.Run(runCtx) }()

	err := seq.Submit(ctx, &event.Borrow{RequestID: uuid.New(), UserID: uuid.New(), Amount: testutil.USD(1)})
	assert.ErrorIs(t, err, core.ErrPositionUndercollateralized)
}

// ============================================================================
// Metrics and invariants
// ============================================================================

func TestMetricsCountAppliedAndRejected(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	openPosition(t, f, user, 1, 0)

	_ = f.Engine.Borrow(ctx, user, testutil.USD(5000))
	_ = f.Engine.Deposit(ctx, user, WETH, nil)

	m := f.Metrics
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CoreCommandsApplied.WithLabelValues("deposit")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CoreCommandsRejected.WithLabelValues("borrow", "undercollateralized")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CoreCommandsRejected.WithLabelValues("deposit", "zero_amount")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.CoreSequence))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CoreJournals.WithLabelValues("deposit")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want core.ErrorClass
	}{
		{core.ErrZeroAmount, core.ClassValidation},
		{core.ErrUnsupportedAsset, core.ClassValidation},
		{&core.HealthFactorError{Factor: uint256.NewInt(1)}, core.ClassInvariant},
		{core.ErrInsufficientCollateral, core.ClassInvariant},
		{core.ErrLiquidationDidNotImprovePosition, core.ClassInvariant},
		{core.ErrOracleStaleOrInvalid, core.ClassExternal},
		{core.ErrBurnFailed, core.ClassExternal},
		{core.ErrReentrantCall, core.ClassConcurrency},
		{core.ErrDuplicateCommand, core.ClassDuplicate},
		{context.Canceled, core.ClassInternal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, core.Classify(tc.err), tc.err.Error())
	}
	assert.ErrorIs(t, core.ErrInsufficientCollateral, ledger.ErrInsufficientBalance)
	assert.ErrorIs(t, core.ErrRepayExceedsDebt, ledger.ErrInsufficientBalance)
}

// Random command streams never break conservation, and the synthetic
// supply always equals total debt.
func TestRandomWorkloadKeepsInvariants(t *testing.T) {
	f := testutil.NewFixture(t)
	rng := rand.New(rand.NewSource(42))

	users := make([]uuid.UUID, 5)
	for i := range users {
		users[i] = uuid.New()
		f.Fund(users[i], WETH, 1000)
		f.Fund(users[i], WBTC, 10)
		f.Approve(users[i], testutil.USD(1_000_000))
	}

	for i := 0; i < 400; i++ {
		user := users[rng.Intn(len(users))]
		n := int64(rng.Intn(5) + 1)
		switch rng.Intn(6) {
		case 0:
			_ = f.Engine.Deposit(ctx, user, WETH, f.Amount(WETH, n))
		case 1:
			_ = f.Engine.Deposit(ctx, user, WBTC, f.Amount(WBTC, 1))
		case 2:
			_ = f.Engine.Withdraw(ctx, user, WETH, f.Amount(WETH, n))
		case 3:
			_ = f.Engine.Borrow(ctx, user, testutil.USD(n*700))
		case 4:
			_ = f.Engine.Repay(ctx, user, testutil.USD(n*300))
		case 5:
			f.SetPrice(WETH, int64(1000+rng.Intn(2000)))
			for _, victim := range users {
				if victim == user {
					continue
				}
				_ = f.Engine.Liquidate(ctx, user, WETH, victim, testutil.USD(500))
			}
		}

		require.NoError(t, f.Engine.ValidateInvariants(), "step %d", i)
		require.True(t, f.Engine.TotalDebt().Eq(f.Synthetic.TotalSupply()), "step %d", i)
		for _, asset := range []string{WETH, WBTC} {
			held, err := f.Engine.TotalCollateral(asset)
			require.NoError(t, err)
			require.True(t, held.Eq(f.Vaults[asset].BalanceOf(f.EngineID)), "step %d %s", i, asset)
		}
	}
}

// ============================================================================
// Idempotency cache
// ============================================================================

func TestIdempotencyLRU(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)

	assert.False(t, lru.Add("a"))
	assert.False(t, lru.Add("b"))
	assert.False(t, lru.Add("c"))
	assert.True(t, lru.Contains("a")) // a is now most recent

	assert.True(t, lru.Add("d"))
	assert.False(t, lru.Contains("b"))
	assert.Equal(t, []string{"c", "a", "d"}, lru.GetAllKeys())
	assert.Equal(t, int64(1), lru.Evictions())

	warm := core.NewIdempotencyLRU(3)
	warm.WarmFromKeys(lru.GetAllKeys())
	assert.Equal(t, lru.GetAllKeys(), warm.GetAllKeys())
	assert.Equal(t, 3, warm.Size())
}

type stubDB struct{ seen map[string]bool }

func (s stubDB) IsDuplicate(_ context.Context, kind, key string) (bool, error) {
	return s.seen[core.CompositeKey(kind, key)], nil
}

func TestIdempotencyFallsBackToDatabase(t *testing.T) {
	db := stubDB{seen: map[string]bool{"deposit:old": true}}
	ic := core.NewIdempotencyChecker(10, db, nil, observability.NewNopLogger())

	assert.True(t, ic.IsDuplicate(ctx, "deposit", "old"))
	assert.False(t, ic.IsDuplicate(ctx, "deposit", "new"))
	assert.False(t, ic.IsDuplicate(ctx, "withdraw", "old"))

	ic.MarkProcessed("deposit", "new")
	assert.True(t, ic.IsDuplicate(ctx, "deposit", "new"))
}
