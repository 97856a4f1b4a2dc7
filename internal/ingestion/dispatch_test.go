package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

type fakeMsg struct {
	data     []byte
	acked    bool
	nakked   bool
	termed   string
	metadata *jetstream.MsgMetadata
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if m.metadata == nil {
		return nil, errors.New("no metadata")
	}
	return m.metadata, nil
}
func (m *fakeMsg) Ack() error { m.acked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error { m.nakked = true; return nil }
func (m *fakeMsg) TermWithReason(reason string) error { m.termed = reason; return nil }

func TestDispose(t *testing.T) {
	tests := []struct {
		err  error
		want Disposition
	}{
		{nil, Ack},
		{core.ErrDuplicateCommand, Ack},
		{fmt.Errorf("%w: bad", ErrMalformedCommand), Term},
		{core.ErrZeroAmount, Term},
		{core.ErrUnsupportedAsset, Term},
		{core.ErrPositionHealthy, Term},
		{&core.HealthFactorError{}, Term},
		{core.ErrOracleStaleOrInvalid, Nak},
		{core.ErrTransferFailed, Nak},
		{core.ErrReentrantCall, Nak},
		{core.ErrSequencerStopped, Nak},
		{context.DeadlineExceeded, Nak},
	}
	for _, tt := range tests {
		if got := Dispose(tt.err); got != tt.want {
			t.Errorf("Dispose(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

// startSequencer runs a sequencer over a fresh fixture until the test ends.
func startSequencer(t *testing.T) (*testutil.Fixture, *Dispatcher) {
	t.Helper()
	f := testutil.NewFixture(t)
	seq := core.NewSequencer(f.Engine, 16, f.Metrics, observability.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	parser := NewParser(f.Engine.GetSupportedAssets(), SyntheticDecimals)
	return f, NewDispatcher(parser, seq, f.Metrics, observability.NewNopLogger())
}

func TestSubscriberHandle(t *testing.T) {
	f, d := startSequencer(t)
	ns := NewNATSSubscriber(nil, d, DefaultSubscriberConfig(), f.Metrics, observability.NewNopLogger())
	ctx := context.Background()

	user := uuid.New()
	f.Fund(user, testutil.WETH, 10)
	body, _ := json.Marshal(CommandJSON{
		RequestID:  uuid.NewString(),
		UserID:     user.String(),
		Asset:      testutil.WETH,
		Collateral: "10",
		Borrow:     "8000",
	})

	msg := &fakeMsg{data: body, metadata: &jetstream.MsgMetadata{Timestamp: time.Now()}}
	if got := ns.handle(ctx, event.CommandTypeDepositAndBorrow, msg); got != Ack || !msg.acked {
		t.Fatalf("first delivery: got %s (acked=%v), want ack", got, msg.acked)
	}
	if hf, _ := f.Engine.GetHealthFactor(ctx, user); hf.Dec() != "1250000000000000000" {
		t.Errorf("health factor: got %s, want 1.25e18", hf.Dec())
	}

	// Redelivery of an applied command is acked without reapplying.
	redelivered := &fakeMsg{data: body}
	if got := ns.handle(ctx, event.CommandTypeDepositAndBorrow, redelivered); got != Ack {
		t.Errorf("redelivery: got %s, want ack", got)
	}
	if debt := f.Engine.GetDebt(user); debt.Cmp(testutil.USD(8000)) != 0 {
		t.Errorf("debt changed on redelivery: %s", debt.Dec())
	}

	// Invariant rejections never succeed on retry.
	over, _ := json.Marshal(CommandJSON{RequestID: uuid.NewString(), UserID: user.String(), Amount: "2001"})
	msg = &fakeMsg{data: over}
	if got := ns.handle(ctx, event.CommandTypeBorrow, msg); got != Term || msg.termed == "" {
		t.Errorf("over-borrow: got %s, want term with reason", got)
	}

	// Oracle outages are retried.
	f.Feed.MarkStale(testutil.WETH)
	small, _ := json.Marshal(CommandJSON{RequestID: uuid.NewString(), UserID: user.String(), Amount: "1"})
	msg = &fakeMsg{data: small}
	if got := ns.handle(ctx, event.CommandTypeBorrow, msg); got != Nak || !msg.nakked {
		t.Errorf("stale oracle: got %s, want nak", got)
	}

	msg = &fakeMsg{data: []byte("not json")}
	if got := ns.handle(ctx, event.CommandTypeDeposit, msg); got != Term {
		t.Errorf("garbage: got %s, want term", got)
	}
}

func TestDispatcherSubmitGeneratesRequestID(t *testing.T) {
	f, d := startSequencer(t)
	user := uuid.New()
	f.Fund(user, testutil.WBTC, 1)

	cmd, err := d.Submit(context.Background(), event.CommandTypeDeposit, CommandJSON{
		UserID: user.String(),
		Asset:  testutil.WBTC,
		Amount: "0.5",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := uuid.Parse(cmd.IdempotencyKey()); err != nil {
		t.Errorf("generated request id %q: %v", cmd.IdempotencyKey(), err)
	}
	bal, _ := f.Engine.GetCollateralBalance(user, testutil.WBTC)
	if bal.Dec() != "50000000" {
		t.Errorf("collateral: got %s, want 50000000", bal.Dec())
	}
}

type failingWriter struct {
	*oracle.Feed
	fail bool
}

func (w *failingWriter) WritePrice(ctx context.Context, asset string, answer int64, at time.Time) error {
	if w.fail {
		return errors.New("feed unavailable")
	}
	return w.Feed.WritePrice(ctx, asset, answer, at)
}

func TestPriceSubscriberApply(t *testing.T) {
	feed := oracle.NewFeed(oracle.DefaultDecimals, 0)
	w := &failingWriter{Feed: feed}
	ps := NewPriceSubscriber(nil, map[string]oracle.PriceWriter{"WETH": w}, DefaultSubscriberConfig(), nil, observability.NewNopLogger())
	ctx := context.Background()

	update := func(price string, round uint64) *fakeMsg {
		body, _ := json.Marshal(PriceUpdateJSON{Asset: "WETH", Price: price, RoundID: round, UpdatedAt: 1_700_000_000})
		return &fakeMsg{data: body}
	}
	price := func() int64 {
		q, err := feed.GetPrice(ctx, "WETH")
		if err != nil {
			t.Fatalf("get price: %v", err)
		}
		return q.Answer
	}

	if d := ps.handle(ctx, update("2000", 5)); d != Ack {
		t.Fatalf("round 5: got %s", d)
	}
	if price() != 2000_00000000 {
		t.Errorf("price: got %d", price())
	}

	// Older rounds are acknowledged but ignored.
	if d := ps.handle(ctx, update("1", 4)); d != Ack {
		t.Errorf("stale round: got %s, want ack", d)
	}
	if price() != 2000_00000000 {
		t.Errorf("stale round overwrote price: %d", price())
	}

	// A failed write is retried and the round stays acceptable.
	w.fail = true
	if d := ps.handle(ctx, update("1200", 8)); d != Nak {
		t.Errorf("failed write: got %s, want nak", d)
	}
	w.fail = false
	if d := ps.handle(ctx, update("1200", 8)); d != Ack {
		t.Errorf("redelivered round: got %s, want ack", d)
	}
	if price() != 1200_00000000 {
		t.Errorf("price after gap: got %d", price())
	}
	if ps.rounds.Gaps("WETH") != 2 {
		t.Errorf("gaps: got %d, want 2", ps.rounds.Gaps("WETH"))
	}

	body, _ := json.Marshal(PriceUpdateJSON{Asset: "DOGE", Price: "1", RoundID: 1})
	if d := ps.handle(ctx, &fakeMsg{data: body}); d != Term {
		t.Errorf("unknown asset: got %s, want term", d)
	}
	if d := ps.handle(ctx, update("-3", 9)); d != Term {
		t.Errorf("negative price: got %s, want term", d)
	}
}
