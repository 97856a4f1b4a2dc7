// internal/event/withdrawal.go
package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Withdraw redeems Amount of Asset collateral back to UserID.
type Withdraw struct {
	RequestID uuid.UUID    `json:"request_id"`
	UserID    uuid.UUID    `json:"user_id"`
	Asset     string       `json:"asset"`
	Amount    *uint256.Int `json:"amount"`
}

func (w *Withdraw) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}

func (w *Withdraw) Subject() uuid.UUID {
	return w.UserID
}

// WithdrawAndRepay repays debt then withdraws collateral, atomically.
type WithdrawAndRepay struct {
	RequestID  uuid.UUID    `json:"request_id"`
	UserID     uuid.UUID    `json:"user_id"`
	Asset      string       `json:"asset"`
	Collateral *uint256.Int `json:"collateral"`
	Repay      *uint256.Int `json:"repay"`
}

func (w *WithdrawAndRepay) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawAndRepay) CommandType() CommandType {
	return CommandTypeWithdrawAndRepay
}

func (w *WithdrawAndRepay) Subject() uuid.UUID {
	return w.UserID
}
