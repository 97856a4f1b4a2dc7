// internal/event/deposit.go
package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit locks Amount of Asset as collateral for UserID.
type Deposit struct {
	RequestID uuid.UUID    `json:"request_id"`
	UserID    uuid.UUID    `json:"user_id"`
	Asset     string       `json:"asset"`
	Amount    *uint256.Int `json:"amount"` // Asset base units
}

func (d *Deposit) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

func (d *Deposit) Subject() uuid.UUID {
	return d.UserID
}

// DepositAndBorrow deposits collateral then borrows against it, atomically.
type DepositAndBorrow struct {
	RequestID  uuid.UUID    `json:"request_id"`
	UserID     uuid.UUID    `json:"user_id"`
	Asset      string       `json:"asset"`
	Collateral *uint256.Int `json:"collateral"` // Asset base units
	Borrow     *uint256.Int `json:"borrow"`     // Synthetic base units
}

func (d *DepositAndBorrow) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DepositAndBorrow) CommandType() CommandType {
	return CommandTypeDepositAndBorrow
}

func (d *DepositAndBorrow) Subject() uuid.UUID {
	return d.UserID
}
