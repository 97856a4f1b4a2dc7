package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// HealthFactor computes
//
//	(collateralUsd * threshold / precision) * PRECISION / totalDebt
//
// Pure: no oracle access, no side effects. A zero debt returns the
// MaxUint256 sentinel. A factor too large to represent also saturates to
// the sentinel.
func (p Params) HealthFactor(totalDebt, collateralUsd *uint256.Int) *uint256.Int {
	if totalDebt.IsZero() {
		return new(uint256.Int).Set(fpmath.MaxUint256)
	}

	adjusted, err := fpmath.MulDiv(collateralUsd,
		uint256.NewInt(p.LiquidationThreshold),
		uint256.NewInt(p.LiquidationPrecision),
		fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int).Set(fpmath.MaxUint256)
	}

	factor, err := fpmath.MulDiv(adjusted, p.Precision, totalDebt, fpmath.RoundDown)
	if err != nil {
		return new(uint256.Int).Set(fpmath.MaxUint256)
	}
	return factor
}

// HealthFactor evaluates with DefaultParams.
func HealthFactor(totalDebt, collateralUsd *uint256.Int) *uint256.Int {
	return DefaultParams().HealthFactor(totalDebt, collateralUsd)
}

// IsInfinite reports whether a factor is the no-debt sentinel.
func IsInfinite(factor *uint256.Int) bool {
	return factor.Eq(fpmath.MaxUint256)
}

// HealthStatus represents a position's standing against the minimum
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusLiquidatable
)

func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "Healthy"
	case HealthStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// Status classifies a factor against MinHealthFactor.
func (p Params) Status(factor *uint256.Int) HealthStatus {
	if factor.Lt(p.MinHealthFactor) {
		return HealthStatusLiquidatable
	}
	return HealthStatusHealthy
}
