package state

import (
	fpmath "CDPLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// Params are the engine-wide risk constants. Immutable after construction.
type Params struct {
	LiquidationThreshold uint64       // Share of collateral value that may back debt, in LiquidationPrecision units (50 = 50%)
	LiquidationPrecision uint64       // Denominator for threshold and bonus (100)
	LiquidationBonus     uint64       // Seize premium paid to liquidators, in LiquidationPrecision units (10 = 10%)
	MinHealthFactor      *uint256.Int // Positions below this are liquidatable (1e18)
	Precision            *uint256.Int // Health factor and USD scale (1e18)
}

// DefaultParams returns the 2:1 overcollateralized configuration.
func DefaultParams() Params {
	return Params{
		LiquidationThreshold: 50,
		LiquidationPrecision: 100,
		LiquidationBonus:     10,
		MinHealthFactor:      fpmath.Pow10(18),
		Precision:            fpmath.Pow10(18),
	}
}

// ValidateParams checks that risk parameters are within valid ranges:
// 0 < threshold <= precision, bonus < precision, min_health_factor > 0,
// precision > 0.
func ValidateParams(p *Params) error {
	if p.LiquidationPrecision == 0 {
		return fmt.Errorf("liquidation_precision must be > 0")
	}
	if p.LiquidationThreshold == 0 || p.LiquidationThreshold > p.LiquidationPrecision {
		return fmt.Errorf("liquidation_threshold must be in (0, %d], got %d",
			p.LiquidationPrecision, p.LiquidationThreshold)
	}
	if p.LiquidationBonus >= p.LiquidationPrecision {
		return fmt.Errorf("liquidation_bonus (%d) must be < liquidation_precision (%d)",
			p.LiquidationBonus, p.LiquidationPrecision)
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.IsZero() {
		return fmt.Errorf("min_health_factor must be > 0")
	}
	if p.Precision == nil || p.Precision.IsZero() {
		return fmt.Errorf("precision must be > 0")
	}
	return nil
}

func (p Params) Validate() error {
	return ValidateParams(&p)
}
