// internal/event/liquidation.go
package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate covers DebtToCover of UserID's debt with Liquidator's synthetic
// tokens in exchange for Asset collateral plus the bonus.
type Liquidate struct {
	RequestID   uuid.UUID    `json:"request_id"`
	Liquidator  uuid.UUID    `json:"liquidator"`
	UserID      uuid.UUID    `json:"user_id"`
	Asset       string       `json:"asset"`
	DebtToCover *uint256.Int `json:"debt_to_cover"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *Liquidate) CommandType() CommandType {
	return CommandTypeLiquidate
}

func (l *Liquidate) Subject() uuid.UUID {
	return l.UserID
}

// PositionLiquidated is emitted after a successful liquidation
type PositionLiquidated struct {
	Liquidator         uuid.UUID    `json:"liquidator"`
	UserID             uuid.UUID    `json:"user_id"`
	Asset              string       `json:"asset"`
	DebtCovered        *uint256.Int `json:"debt_covered"`
	CollateralSeized   *uint256.Int `json:"collateral_seized"` // Base + bonus
	Bonus              *uint256.Int `json:"bonus"`
	HealthFactorBefore *uint256.Int `json:"health_factor_before"`
	HealthFactorAfter  *uint256.Int `json:"health_factor_after"`
}

func (p *PositionLiquidated) RecordType() RecordType {
	return RecordTypePositionLiquidated
}
