package ingestion_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]bool
}

func (s *fakeStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[subject] {
		return nil, errors.New("no responders")
	}
	s.msgs = append(s.msgs, published{subject: subject, data: payload, opts: len(opts)})
	return &jetstream.PubAck{Sequence: uint64(len(s.msgs))}, nil
}

func TestRecordMessages(t *testing.T) {
	f := testutil.NewFixture(t)
	user := uuid.New()
	f.Fund(user, testutil.WETH, 10)
	if err := f.Engine.DepositAndBorrow(context.Background(), user, testutil.WETH, f.Amount(testutil.WETH, 10), testutil.USD(100)); err != nil {
		t.Fatalf("deposit and borrow: %v", err)
	}
	out := f.Drain()
	if len(out) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(out))
	}

	msgs, err := ingestion.RecordMessages(out[0])
	if err != nil {
		t.Fatalf("record messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(msgs))
	}
	if msgs[0].Subject() != "cdp.ledger.records.collateral_deposited" {
		t.Errorf("subject[0]: got %s", msgs[0].Subject())
	}
	if msgs[1].Subject() != "cdp.ledger.records.synthetic_minted" {
		t.Errorf("subject[1]: got %s", msgs[1].Subject())
	}
	if msgs[0].MsgID() == msgs[1].MsgID() {
		t.Error("records of one command share a message id")
	}
	if msgs[1].CommandType != "deposit_and_borrow" || msgs[1].UserID != user.String() {
		t.Errorf("envelope fields: %+v", msgs[1])
	}
	if len(msgs[0].StateHash) != 64 {
		t.Errorf("state hash should be hex of 32 bytes, got %q", msgs[0].StateHash)
	}

	if _, err := ingestion.RecordMessages(core.CoreOutput{}); err == nil {
		t.Error("expected error for output without envelope")
	}
}

func TestOutboundPublisherRun(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.Fund(user, testutil.WETH, 10)
	if err := f.Engine.Deposit(ctx, user, testutil.WETH, f.Amount(testutil.WETH, 10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.Engine.Borrow(ctx, user, testutil.USD(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	in := make(chan core.CoreOutput, 4)
	for _, o := range f.Drain() {
		in <- o
	}
	close(in)

	stream := &fakeStream{fail: map[string]bool{"cdp.ledger.records.synthetic_minted": true}}
	pub := ingestion.NewOutboundPublisher(stream, in, f.Metrics, observability.NewNopLogger())
	if err := pub.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The failed subject is skipped; everything else still goes out.
	if len(stream.msgs) != 1 {
		t.Fatalf("published: got %d, want 1", len(stream.msgs))
	}
	got := stream.msgs[0]
	if got.subject != "cdp.ledger.records.collateral_deposited" {
		t.Errorf("subject: got %s", got.subject)
	}
	if got.opts != 1 {
		t.Errorf("expected a message id option, got %d options", got.opts)
	}

	var m ingestion.RecordMessage
	if err := json.Unmarshal(got.data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Sequence != 1 || m.Type != "collateral_deposited" {
		t.Errorf("message: %+v", m)
	}
	var data struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(m.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Asset != testutil.WETH || data.Amount != "10000000000000000000" {
		t.Errorf("record data: %+v", data)
	}
}
