package core

import (
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"
	"context"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Read-only queries run against committed balances only and never take
// the reentrancy guard. Oracle failures surface as ErrOracleStaleOrInvalid.

// positionView copies user's debt and every collateral account from one
// committed state. Prices are read afterwards, outside the tracker lock.
func (e *Engine) positionView(user uuid.UUID) ledger.BalanceSet {
	keys := make([]ledger.AccountKey, 0, len(e.symbols)+1)
	keys = append(keys, ledger.DebtAccount(user, e.syntheticSymbol))
	for _, symbol := range e.symbols {
		keys = append(keys, ledger.CollateralAccount(user, symbol))
	}
	return e.balances.GetBalances(keys...)
}

func (e *Engine) GetHealthFactor(ctx context.Context, user uuid.UUID) (*uint256.Int, error) {
	return e.healthFactor(ctx, e.positionView(user), user)
}

// GetAccountInfo returns user's debt and collateral value in USD, both
// taken from the same committed state.
func (e *Engine) GetAccountInfo(ctx context.Context, user uuid.UUID) (totalDebt, collateralUsd *uint256.Int, err error) {
	view := e.positionView(user)
	collateralUsd, err = e.collateralValue(ctx, view, user)
	if err != nil {
		return nil, nil, err
	}
	return e.debtOf(view, user), collateralUsd, nil
}

func (e *Engine) GetCollateralBalance(user uuid.UUID, asset string) (*uint256.Int, error) {
	if _, err := e.asset(asset); err != nil {
		return nil, err
	}
	return e.balances.GetBalance(ledger.CollateralAccount(user, asset)), nil
}

func (e *Engine) GetAccountCollateralValue(ctx context.Context, user uuid.UUID) (*uint256.Int, error) {
	return e.collateralValue(ctx, e.positionView(user), user)
}

func (e *Engine) GetDebt(user uuid.UUID) *uint256.Int {
	return e.debtOf(e.balances, user)
}

// GetUsdValue prices amount of asset in 18-decimal USD, rounded down.
func (e *Engine) GetUsdValue(ctx context.Context, asset string, amount *uint256.Int) (*uint256.Int, error) {
	a, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	return e.usdValue(ctx, a, amount)
}

// GetAssetAmountFromUsd converts 18-decimal USD to asset base units,
// rounded down.
func (e *Engine) GetAssetAmountFromUsd(ctx context.Context, asset string, usd *uint256.Int) (*uint256.Int, error) {
	a, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	return e.amountFromUsd(ctx, a, usd)
}

// GetSupportedAssets lists collateral in configuration order.
func (e *Engine) GetSupportedAssets() []AssetInfo {
	out := make([]AssetInfo, len(e.symbols))
	for i, s := range e.symbols {
		out[i] = AssetInfo{Symbol: s, Decimals: e.assets[s].Decimals}
	}
	return out
}

// Params returns a copy of the risk parameters.
func (e *Engine) Params() state.Params {
	p := e.params
	p.MinHealthFactor = p.MinHealthFactor.Clone()
	p.Precision = p.Precision.Clone()
	return p
}

// Users lists every user with a nonzero collateral or debt account.
func (e *Engine) Users() []uuid.UUID {
	return e.balances.Users()
}

// TotalDebt is the outstanding synthetic supply owed to the engine.
func (e *Engine) TotalDebt() *uint256.Int {
	return e.balances.GetBalance(ledger.SupplyAccount(e.syntheticSymbol))
}

// TotalCollateral is the amount of asset held in custody.
func (e *Engine) TotalCollateral(asset string) (*uint256.Int, error) {
	if _, err := e.asset(asset); err != nil {
		return nil, err
	}
	return e.balances.GetBalance(ledger.CustodyAccount(asset)), nil
}

// ID is the engine's holder identity on the token ledgers.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

func (e *Engine) SyntheticSymbol() string {
	return e.syntheticSymbol
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.chainMu.RLock()
	defer e.chainMu.RUnlock()
	return e.hasher.GetPrevHash()
}

// Sequence returns the next sequence number to assign.
func (e *Engine) Sequence() int64 {
	e.chainMu.RLock()
	defer e.chainMu.RUnlock()
	return e.sequence
}

// ValidateInvariants checks internal/external conservation per asset.
func (e *Engine) ValidateInvariants() error {
	return e.validator.ValidateConservation()
}
