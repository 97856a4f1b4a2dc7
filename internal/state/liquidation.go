package state

import (
	fpmath "CDPLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// LiquidationPlan is the collateral a liquidator receives for covering debt.
type LiquidationPlan struct {
	DebtToCover     *uint256.Int // Synthetic units burned from the user's debt
	BaseCollateral  *uint256.Int // Asset units worth DebtToCover at the oracle price
	Bonus           *uint256.Int // BaseCollateral * bonus / precision
	TotalCollateral *uint256.Int // BaseCollateral + Bonus, seized from the user
}

// PlanLiquidation adds the liquidation bonus to the base seize amount.
// Rounds the bonus down.
func (p Params) PlanLiquidation(debtToCover, baseCollateral *uint256.Int) (LiquidationPlan, error) {
	bonus, err := fpmath.MulDiv(baseCollateral,
		uint256.NewInt(p.LiquidationBonus),
		uint256.NewInt(p.LiquidationPrecision),
		fpmath.RoundDown)
	if err != nil {
		return LiquidationPlan{}, fmt.Errorf("liquidation bonus: %w", err)
	}

	total, err := fpmath.Add(baseCollateral, bonus)
	if err != nil {
		return LiquidationPlan{}, fmt.Errorf("liquidation total: %w", err)
	}

	return LiquidationPlan{
		DebtToCover:     new(uint256.Int).Set(debtToCover),
		BaseCollateral:  new(uint256.Int).Set(baseCollateral),
		Bonus:           bonus,
		TotalCollateral: total,
	}, nil
}
