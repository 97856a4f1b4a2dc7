package core

import (
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// balanceView is satisfied by the committed tracker and by a staged Tx.
type balanceView interface {
	GetBalance(key ledger.AccountKey) *uint256.Int
}

func (e *Engine) asset(symbol string) (SupportedAsset, error) {
	a, ok := e.assets[symbol]
	if !ok {
		return SupportedAsset{}, fmt.Errorf("%w: %q", ErrUnsupportedAsset, symbol)
	}
	return a, nil
}

// price returns a usable oracle answer or ErrOracleStaleOrInvalid.
func (e *Engine) price(ctx context.Context, a SupportedAsset) (*uint256.Int, uint8, error) {
	q, err := a.Oracle.GetPrice(ctx, a.Symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrOracleStaleOrInvalid, a.Symbol, err)
	}
	if q.Stale {
		return nil, 0, fmt.Errorf("%w: %s price is stale (updated %s)",
			ErrOracleStaleOrInvalid, a.Symbol, q.UpdatedAt.Format(time.RFC3339))
	}
	if q.Answer <= 0 {
		return nil, 0, fmt.Errorf("%w: %s answer %d", ErrOracleStaleOrInvalid, a.Symbol, q.Answer)
	}
	return uint256.NewInt(uint64(q.Answer)), q.Decimals, nil
}

func (e *Engine) usdValue(ctx context.Context, a SupportedAsset, amount *uint256.Int) (*uint256.Int, error) {
	price, priceDecimals, err := e.price(ctx, a)
	if err != nil {
		return nil, err
	}
	value, err := fpmath.ComputeValue(amount, price, a.Decimals, priceDecimals)
	if err != nil {
		return nil, fmt.Errorf("value %s %s: %w", amount.Dec(), a.Symbol, err)
	}
	return value, nil
}

func (e *Engine) amountFromUsd(ctx context.Context, a SupportedAsset, usd *uint256.Int) (*uint256.Int, error) {
	price, priceDecimals, err := e.price(ctx, a)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ComputeAmount(usd, price, a.Decimals, priceDecimals)
	if err != nil {
		return nil, fmt.Errorf("convert %s USD to %s: %w", usd.Dec(), a.Symbol, err)
	}
	return amount, nil
}

// collateralValue sums every supported collateral of user at oracle prices.
// Zero balances are skipped without an oracle call.
func (e *Engine) collateralValue(ctx context.Context, view balanceView, user uuid.UUID) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, symbol := range e.symbols {
		balance := view.GetBalance(ledger.CollateralAccount(user, symbol))
		if balance.IsZero() {
			continue
		}
		value, err := e.usdValue(ctx, e.assets[symbol], balance)
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.Add(total, value); err != nil {
			return nil, fmt.Errorf("collateral value of %s: %w", user, err)
		}
	}
	return total, nil
}

func (e *Engine) debtOf(view balanceView, user uuid.UUID) *uint256.Int {
	return view.GetBalance(ledger.DebtAccount(user, e.syntheticSymbol))
}

// healthFactor evaluates user against view. No debt means no oracle call.
func (e *Engine) healthFactor(ctx context.Context, view balanceView, user uuid.UUID) (*uint256.Int, error) {
	debt := e.debtOf(view, user)
	if debt.IsZero() {
		return new(uint256.Int).Set(fpmath.MaxUint256), nil
	}
	value, err := e.collateralValue(ctx, view, user)
	if err != nil {
		return nil, err
	}
	return e.params.HealthFactor(debt, value), nil
}

// enforceHealthFactor fails when user's staged position is below the minimum.
func (e *Engine) enforceHealthFactor(o *op, user uuid.UUID) error {
	factor, err := e.healthFactor(o.ctx, o.tx, user)
	if err != nil {
		return err
	}
	if factor.Lt(e.params.MinHealthFactor) {
		return &HealthFactorError{User: user, Factor: factor}
	}
	return nil
}
