package query

import (
	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const usdDecimals = 18

// EngineView is the read-only engine surface account queries use.
type EngineView interface {
	GetAccountInfo(ctx context.Context, user uuid.UUID) (totalDebt, collateralUsd *uint256.Int, err error)
	GetHealthFactor(ctx context.Context, user uuid.UUID) (*uint256.Int, error)
	GetCollateralBalance(user uuid.UUID, asset string) (*uint256.Int, error)
	GetUsdValue(ctx context.Context, asset string, amount *uint256.Int) (*uint256.Int, error)
	GetSupportedAssets() []core.AssetInfo
	Params() state.Params
	Sequence() int64
}

var _ EngineView = (*core.Engine)(nil)

// CollateralBalance is one asset line of an account.
type CollateralBalance struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`    // Base units
	Display  string `json:"display"`   // Whole units, decimal string
	ValueUSD string `json:"value_usd"` // Decimal string
}

// AccountResponse represents a user's position. Derived values are computed
// at query time from live engine state and current prices.
type AccountResponse struct {
	UserID     uuid.UUID           `json:"user_id"`
	Collateral []CollateralBalance `json:"collateral"`

	TotalDebt          string `json:"total_debt"`           // Synthetic, decimal string
	CollateralValueUSD string `json:"collateral_value_usd"` // Decimal string
	HealthFactor       string `json:"health_factor"`        // "inf" with no debt
	Status             string `json:"status"`

	// Next sequence the engine will assign
	AsOfSequence int64 `json:"as_of_sequence"`
}

// BuildAccount assembles an AccountResponse from engine state.
func BuildAccount(ctx context.Context, engine EngineView, user uuid.UUID) (*AccountResponse, error) {
	asOf := engine.Sequence()

	debt, value, err := engine.GetAccountInfo(ctx, user)
	if err != nil {
		return nil, err
	}
	hf, err := engine.GetHealthFactor(ctx, user)
	if err != nil {
		return nil, err
	}

	resp := &AccountResponse{
		UserID:             user,
		TotalDebt:          fpmath.FormatUnits(debt, usdDecimals),
		CollateralValueUSD: fpmath.FormatUnits(value, usdDecimals),
		HealthFactor:       FormatHealthFactor(hf),
		Status:             engine.Params().Status(hf).String(),
		AsOfSequence:       asOf,
	}

	for _, a := range engine.GetSupportedAssets() {
		amount, err := engine.GetCollateralBalance(user, a.Symbol)
		if err != nil {
			return nil, err
		}
		if amount.IsZero() {
			continue
		}
		usd, err := engine.GetUsdValue(ctx, a.Symbol, amount)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", a.Symbol, err)
		}
		resp.Collateral = append(resp.Collateral, CollateralBalance{
			Asset:    a.Symbol,
			Amount:   amount.Dec(),
			Display:  fpmath.FormatUnits(amount, a.Decimals),
			ValueUSD: fpmath.FormatUnits(usd, usdDecimals),
		})
	}
	return resp, nil
}

// FormatHealthFactor renders a 1e18-scaled factor as a decimal string.
func FormatHealthFactor(hf *uint256.Int) string {
	if state.IsInfinite(hf) {
		return "inf"
	}
	return fpmath.FormatUnits(hf, usdDecimals)
}
