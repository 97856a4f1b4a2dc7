package ingestion_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
)

const (
	requestID    = "550e8400-e29b-41d4-a716-446655440000"
	userID       = "660e8400-e29b-41d4-a716-446655440001"
	liquidatorID = "770e8400-e29b-41d4-a716-446655440002"
)

func newParser() *ingestion.Parser {
	return ingestion.NewParser([]core.AssetInfo{
		{Symbol: "WETH", Decimals: 18},
		{Symbol: "WBTC", Decimals: 8},
	}, ingestion.SyntheticDecimals)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseDeposit(t *testing.T) {
	data := mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"asset":      "WBTC",
		"amount":     "1.5",
	})

	cmd, err := newParser().Parse(event.CommandTypeDeposit, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := cmd.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", cmd)
	}
	if d.Asset != "WBTC" {
		t.Errorf("asset: got %s, want WBTC", d.Asset)
	}
	if got := d.Amount.Dec(); got != "150000000" {
		t.Errorf("amount: got %s, want 150000000 (8 decimals)", got)
	}
	if d.IdempotencyKey() != requestID {
		t.Errorf("idempotency key: got %s, want %s", d.IdempotencyKey(), requestID)
	}
	if d.Subject().String() != userID {
		t.Errorf("subject: got %s, want %s", d.Subject(), userID)
	}
}

func TestParseBorrowUsesSyntheticDecimals(t *testing.T) {
	data := mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"amount":     "8000",
	})

	cmd, err := newParser().Parse(event.CommandTypeBorrow, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b := cmd.(*event.Borrow)
	if got := b.Amount.Dec(); got != "8000000000000000000000" {
		t.Errorf("amount: got %s, want 8000e18", got)
	}
}

func TestParseComposites(t *testing.T) {
	p := newParser()

	cmd, err := p.Parse(event.CommandTypeDepositAndBorrow, mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"asset":      "WETH",
		"collateral": "10",
		"borrow":     "8000",
	}))
	if err != nil {
		t.Fatalf("deposit_and_borrow: %v", err)
	}
	dab := cmd.(*event.DepositAndBorrow)
	if dab.Collateral.Dec() != "10000000000000000000" || dab.Borrow.Dec() != "8000000000000000000000" {
		t.Errorf("deposit_and_borrow amounts: %s / %s", dab.Collateral.Dec(), dab.Borrow.Dec())
	}

	cmd, err = p.Parse(event.CommandTypeWithdrawAndRepay, mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"asset":      "WETH",
		"collateral": "0.25",
		"repay":      "100.5",
	}))
	if err != nil {
		t.Fatalf("withdraw_and_repay: %v", err)
	}
	war := cmd.(*event.WithdrawAndRepay)
	if war.Collateral.Dec() != "250000000000000000" || war.Repay.Dec() != "100500000000000000000" {
		t.Errorf("withdraw_and_repay amounts: %s / %s", war.Collateral.Dec(), war.Repay.Dec())
	}
}

func TestParseLiquidate(t *testing.T) {
	cmd, err := newParser().Parse(event.CommandTypeLiquidate, mustJSON(t, map[string]string{
		"request_id":    requestID,
		"user_id":       userID,
		"liquidator":    liquidatorID,
		"asset":         "WETH",
		"debt_to_cover": "2000",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l := cmd.(*event.Liquidate)
	if l.Liquidator.String() != liquidatorID {
		t.Errorf("liquidator: got %s", l.Liquidator)
	}
	if l.Subject().String() != userID {
		t.Errorf("subject must be the liquidated user, got %s", l.Subject())
	}
	if l.DebtToCover.Dec() != "2000000000000000000000" {
		t.Errorf("debt_to_cover: got %s", l.DebtToCover.Dec())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	p := newParser()
	tests := []struct {
		name string
		kind event.CommandType
		body map[string]string
	}{
		{"missing request_id", event.CommandTypeDeposit, map[string]string{"user_id": userID, "asset": "WETH", "amount": "1"}},
		{"bad user_id", event.CommandTypeDeposit, map[string]string{"request_id": requestID, "user_id": "nope", "asset": "WETH", "amount": "1"}},
		{"missing amount", event.CommandTypeBorrow, map[string]string{"request_id": requestID, "user_id": userID}},
		{"negative amount", event.CommandTypeBorrow, map[string]string{"request_id": requestID, "user_id": userID, "amount": "-1"}},
		{"too precise", event.CommandTypeDeposit, map[string]string{"request_id": requestID, "user_id": userID, "asset": "WBTC", "amount": "0.000000001"}},
		{"huge exponent", event.CommandTypeBorrow, map[string]string{"request_id": requestID, "user_id": userID, "amount": "1e100000000"}},
		{"tiny exponent", event.CommandTypeDeposit, map[string]string{"request_id": requestID, "user_id": userID, "asset": "WETH", "amount": "1e-100000000"}},
		{"missing liquidator", event.CommandTypeLiquidate, map[string]string{"request_id": requestID, "user_id": userID, "asset": "WETH", "debt_to_cover": "1"}},
		{"unknown kind", event.CommandTypeUnknown, map[string]string{"request_id": requestID, "user_id": userID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.kind, mustJSON(t, tt.body))
			if !errors.Is(err, ingestion.ErrMalformedCommand) {
				t.Errorf("got %v, want ErrMalformedCommand", err)
			}
		})
	}

	if _, err := p.Parse(event.CommandTypeDeposit, []byte("{")); !errors.Is(err, ingestion.ErrMalformedCommand) {
		t.Errorf("invalid JSON: got %v, want ErrMalformedCommand", err)
	}
}

func TestParseUnknownAsset(t *testing.T) {
	_, err := newParser().Parse(event.CommandTypeDeposit, mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"asset":      "DOGE",
		"amount":     "1",
	}))
	if !errors.Is(err, core.ErrUnsupportedAsset) {
		t.Errorf("got %v, want ErrUnsupportedAsset", err)
	}
}

// A zero amount is well formed; the engine rejects it.
func TestParseZeroPassesThrough(t *testing.T) {
	cmd, err := newParser().Parse(event.CommandTypeRepay, mustJSON(t, map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"amount":     "0",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !cmd.(*event.Repay).Amount.IsZero() {
		t.Error("expected zero amount")
	}
}
