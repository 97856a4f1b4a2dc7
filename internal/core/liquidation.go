package core

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// stageLiquidation seizes base+bonus collateral from user and cancels
// debtToCover of their debt, paid by the liquidator. The seizure is all or
// nothing: a position without enough of the asset cannot be liquidated in
// that asset for that amount.
func (e *Engine) stageLiquidation(o *op, liquidator, user uuid.UUID, a SupportedAsset, debtToCover *uint256.Int) error {
	before, err := e.healthFactor(o.ctx, o.tx, user)
	if err != nil {
		return err
	}
	if !before.Lt(e.params.MinHealthFactor) {
		return fmt.Errorf("liquidate %s: health factor %s: %w",
			user, formatFactor(before), ErrPositionHealthy)
	}

	base, err := e.amountFromUsd(o.ctx, a, debtToCover)
	if err != nil {
		return err
	}
	plan, err := e.params.PlanLiquidation(debtToCover, base)
	if err != nil {
		return fmt.Errorf("liquidate %s: %w", user, err)
	}

	collateral := o.tx.GetBalance(ledger.CollateralAccount(user, a.Symbol))
	if plan.TotalCollateral.Gt(collateral) {
		return fmt.Errorf("liquidate %s: seize %s %s, balance %s: %w",
			user, plan.TotalCollateral.Dec(), a.Symbol, collateral.Dec(), ErrInsufficientCollateral)
	}
	debt := e.debtOf(o.tx, user)
	if debtToCover.Gt(debt) {
		return fmt.Errorf("liquidate %s: cover %s, debt %s: %w",
			user, debtToCover.Dec(), debt.Dec(), ErrRepayExceedsDebt)
	}

	if !plan.TotalCollateral.IsZero() {
		if err := e.journalGen.Seize(o.tx, user, a.Symbol, plan.TotalCollateral); err != nil {
			return fmt.Errorf("liquidate %s: %w", user, err)
		}
	}
	if err := e.journalGen.CoverDebt(o.tx, user, debtToCover); err != nil {
		return fmt.Errorf("liquidate %s: %w", user, err)
	}

	after, err := e.healthFactor(o.ctx, o.tx, user)
	if err != nil {
		return err
	}
	if !after.Gt(before) {
		return fmt.Errorf("liquidate %s: health factor %s -> %s: %w",
			user, formatFactor(before), formatFactor(after), ErrLiquidationDidNotImprovePosition)
	}

	if err := e.enforceHealthFactor(o, liquidator); err != nil {
		return err
	}

	e.queueBurnFrom(o, liquidator, debtToCover)
	if !plan.TotalCollateral.IsZero() {
		what := fmt.Sprintf("transfer out %s %s to liquidator %s",
			plan.TotalCollateral.Dec(), a.Symbol, liquidator)
		o.then(what,
			func(ctx context.Context) error {
				ok, err := a.Ledger.TransferOut(ctx, liquidator, plan.TotalCollateral)
				return external(ErrTransferFailed, what, ok, err)
			}, nil)
	}

	o.records = append(o.records, &event.PositionLiquidated{
		Liquidator:         liquidator,
		UserID:             user,
		Asset:              a.Symbol,
		DebtCovered:        plan.DebtToCover,
		CollateralSeized:   plan.TotalCollateral,
		Bonus:              plan.Bonus,
		HealthFactorBefore: before,
		HealthFactorAfter:  after,
	})
	return nil
}

func formatFactor(f *uint256.Int) string {
	if f.Eq(fpmath.MaxUint256) {
		return "inf"
	}
	return fpmath.FormatUnits(f, 18)
}
