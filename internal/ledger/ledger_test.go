package ledger_test

import (
	"CDPLedger/internal/ledger"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const synth = "cdpUSD"

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// deposit commits a single collateral deposit.
func deposit(t *testing.T, bt *ledger.BalanceTracker, userID uuid.UUID, asset string, amount uint64) {
	t.Helper()
	gen := ledger.NewJournalGenerator(synth)
	tx := bt.Begin("seed")
	if err := gen.Deposit(tx, userID, asset, u(amount)); err != nil {
		t.Fatalf("stage deposit: %v", err)
	}
	if _, err := tx.Commit(1, 0); err != nil {
		t.Fatalf("commit deposit: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.CollateralAccount(userID, "WETH")

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:WETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_DebtPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.DebtAccount(userID, synth)

	if got := key.AccountPath(); got != "user:550e8400-e29b-41d4-a716-446655440000:debt:cdpUSD" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_ExternalPaths(t *testing.T) {
	if got := ledger.CustodyAccount("WBTC").AccountPath(); got != "external:custody:WBTC" {
		t.Errorf("got %q, want %q", got, "external:custody:WBTC")
	}
	if got := ledger.SupplyAccount(synth).AccountPath(); got != "external:supply:cdpUSD" {
		t.Errorf("got %q, want %q", got, "external:supply:cdpUSD")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.CollateralAccount(uuid.New(), "WETH"),
		ledger.DebtAccount(uuid.New(), synth),
		ledger.CustodyAccount("WETH"),
		ledger.SupplyAccount(synth),
	}

	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k, err)
		}
		if parsed != k {
			t.Errorf("round trip: got %+v, want %+v", parsed, k)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{"", "user:not-a-uuid:collateral:WETH", "external:fees:WETH", "system:x:y"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.CollateralAccount(uuid.New(), "WETH"))
	if !balance.IsZero() {
		t.Errorf("initial balance should be 0, got %s", balance.Dec())
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.CollateralAccount(userID, "WETH"),
				CreditAccount: ledger.CustodyAccount("WETH"),
				Asset:         "WETH",
				Amount:        *u(500_000),
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(500_000)) {
		t.Errorf("collateral: got %s, want 500000", got.Dec())
	}
	if got := bt.GetBalance(ledger.CustodyAccount("WETH")); !got.Eq(u(500_000)) {
		t.Errorf("custody: got %s, want 500000", got.Dec())
	}
}

func TestBalanceTracker_GetBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	deposit(t, bt, userID, "WETH", 700)

	weth := ledger.CollateralAccount(userID, "WETH")
	wbtc := ledger.CollateralAccount(userID, "WBTC")
	set := bt.GetBalances(weth, wbtc, ledger.CustodyAccount("WETH"))

	if got := set.GetBalance(weth); !got.Eq(u(700)) {
		t.Errorf("collateral: got %s, want 700", got.Dec())
	}
	if got := set.GetBalance(wbtc); !got.IsZero() {
		t.Errorf("untouched account: got %s, want 0", got.Dec())
	}
	if got := set.GetBalance(ledger.DebtAccount(userID, synth)); !got.IsZero() {
		t.Errorf("key outside the set: got %s, want 0", got.Dec())
	}

	// The set is a copy: later commits and caller mutation do not leak.
	deposit(t, bt, userID, "WETH", 300)
	if got := set.GetBalance(weth); !got.Eq(u(700)) {
		t.Errorf("after commit: got %s, want 700", got.Dec())
	}
	set.GetBalance(weth).SetUint64(1)
	if got := set.GetBalance(weth); !got.Eq(u(700)) {
		t.Errorf("after mutation: got %s, want 700", got.Dec())
	}
}

func TestBalanceTracker_ApplyBatch_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	deposit(t, bt, userID, "WETH", 100)

	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.CustodyAccount("WETH"),
				CreditAccount: ledger.CollateralAccount(userID, "WETH"),
				Asset:         "WETH",
				Amount:        *u(60),
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.CustodyAccount("WETH"),
				CreditAccount: ledger.CollateralAccount(userID, "WETH"),
				Asset:         "WETH",
				Amount:        *u(60),
			},
		},
	}

	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// First entry must not have leaked
	if got := bt.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(100)) {
		t.Errorf("collateral changed on failed batch: %s", got.Dec())
	}
}

func TestBalanceTracker_ZeroBalancesPruned(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(synth)
	userID := uuid.New()
	deposit(t, bt, userID, "WETH", 100)

	tx := bt.Begin("withdraw-all")
	if err := gen.Withdraw(tx, userID, "WETH", u(100)); err != nil {
		t.Fatalf("stage withdraw: %v", err)
	}
	if _, err := tx.Commit(2, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n := len(bt.Snapshot()); n != 0 {
		t.Errorf("expected empty ledger after full withdrawal, got %d accounts", n)
	}
	if users := bt.Users(); len(users) != 0 {
		t.Errorf("expected no users, got %v", users)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	deposit(t, bt, userID, "WETH", 999)

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = *u(0)
	}

	if got := bt.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(999)) {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestBalanceTracker_Restore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	deposit(t, bt, userID, "WETH", 42)

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())

	if got := restored.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(42)) {
		t.Errorf("restored balance: got %s, want 42", got.Dec())
	}
	if users := restored.Users(); len(users) != 1 || users[0] != userID {
		t.Errorf("restored users: %v", users)
	}
}

// ============================================================================
// Test: Tx staging and rollback
// ============================================================================

func TestTx_StagedChangesInvisibleUntilCommit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(synth)
	userID := uuid.New()

	tx := bt.Begin("cmd-1")
	if err := gen.Deposit(tx, userID, "WETH", u(10)); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if got := tx.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(10)) {
		t.Errorf("staged balance: got %s, want 10", got.Dec())
	}
	if got := bt.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.IsZero() {
		t.Errorf("committed balance leaked before commit: %s", got.Dec())
	}

	batch, err := tx.Commit(7, 1234)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if batch.Sequence != 7 || len(batch.Journals) != 1 {
		t.Errorf("unexpected batch: seq=%d journals=%d", batch.Sequence, len(batch.Journals))
	}
	if batch.Journals[0].BatchID != batch.BatchID || batch.Journals[0].EventRef != "cmd-1" {
		t.Error("journal not stamped with batch id and event ref")
	}
	if got := bt.GetBalance(ledger.CollateralAccount(userID, "WETH")); !got.Eq(u(10)) {
		t.Errorf("committed balance: got %s, want 10", got.Dec())
	}
}

func TestTx_PostUnderflowRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(synth)
	userID := uuid.New()

	tx := bt.Begin("repay")
	err := gen.Repay(tx, userID, u(1))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(tx.Journals()) != 0 {
		t.Error("failed post must not stage a journal")
	}
}

func TestTx_RollbackRunsCompensationsLIFO(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(synth)
	userID := uuid.New()

	tx := bt.Begin("composite")
	if err := gen.Deposit(tx, userID, "WETH", u(10)); err != nil {
		t.Fatal(err)
	}

	var order []string
	tx.OnRollback("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	tx.OnRollback("second", func(ctx context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	tx.OnRollback("third", func(ctx context.Context) error {
		order = append(order, "third")
		return nil
	})

	err := tx.Rollback(context.Background())
	if err == nil {
		t.Error("expected joined compensation error")
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, order[i], want[i])
		}
	}

	if len(bt.Snapshot()) != 0 {
		t.Error("rollback must leave committed state untouched")
	}
	if _, err := tx.Commit(1, 0); !errors.Is(err, ledger.ErrTxClosed) {
		t.Errorf("commit after rollback: got %v, want ErrTxClosed", err)
	}
}

func TestTx_CommitDropsCompensations(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(synth)

	tx := bt.Begin("ok")
	if err := gen.Borrow(tx, uuid.New(), u(5)); err != nil {
		t.Fatal(err)
	}
	ran := false
	tx.OnRollback("mint", func(ctx context.Context) error {
		ran = true
		return nil
	})

	if _, err := tx.Commit(1, 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("compensation ran after commit")
	}
}

func TestTx_EmptyCommit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := bt.Begin("noop")

	batch, err := tx.Commit(1, 0)
	if err != nil || batch != nil {
		t.Errorf("empty commit: batch=%v err=%v", batch, err)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.CollateralAccount(uuid.New(), "WETH"),
				CreditAccount: ledger.CustodyAccount("WETH"),
				Asset:         "WETH",
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.CollateralAccount(uuid.New(), "WETH")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				Asset:         "WETH",
				Amount:        *u(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.CollateralAccount(uuid.New(), "WETH"),
				CreditAccount: ledger.CustodyAccount("WBTC"),
				Asset:         "WETH",
				Amount:        *u(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.CollateralAccount(uuid.New(), "WETH"),
				CreditAccount: ledger.CustodyAccount("WETH"),
				Asset:         "WETH",
				Amount:        *u(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	gen := ledger.NewJournalGenerator(synth)

	// Empty ledger passes
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("empty ledger should conserve: %v", err)
	}

	userID := uuid.New()
	tx := bt.Begin("open")
	if err := gen.Deposit(tx, userID, "WETH", u(1_000_000)); err != nil {
		t.Fatal(err)
	}
	if err := gen.Borrow(tx, userID, u(400)); err != nil {
		t.Fatal(err)
	}
	if err := gen.Seize(tx, userID, "WETH", u(10)); err != nil {
		t.Fatal(err)
	}
	if err := gen.CoverDebt(tx, userID, u(100)); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Commit(1, 0); err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateConservation(); err != nil {
		t.Errorf("balanced ledger should conserve: %v", err)
	}

	totals, err := bt.ComputeTotals()
	if err != nil {
		t.Fatal(err)
	}
	if got := totals[synth].Internal; !got.Eq(u(300)) {
		t.Errorf("outstanding debt: got %s, want 300", got.Dec())
	}
	if got := totals["WETH"].External; !got.Eq(u(999_990)) {
		t.Errorf("custody: got %s, want 999990", got.Dec())
	}
}

func TestInvariantValidator_DetectsDrift(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	bt.Restore(map[ledger.AccountKey]uint256.Int{
		ledger.CollateralAccount(uuid.New(), "WETH"): *u(10),
		ledger.CustodyAccount("WETH"):                *u(9),
	})

	if err := v.ValidateConservation(); err == nil {
		t.Error("expected conservation violation")
	}
}
