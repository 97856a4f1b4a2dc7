package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Borrow mints Amount of synthetic to UserID against their collateral.
type Borrow struct {
	RequestID uuid.UUID    `json:"request_id"`
	UserID    uuid.UUID    `json:"user_id"`
	Amount    *uint256.Int `json:"amount"` // 18-decimal synthetic units
}

func (b *Borrow) IdempotencyKey() string {
	return b.RequestID.String()
}

func (b *Borrow) CommandType() CommandType {
	return CommandTypeBorrow
}

func (b *Borrow) Subject() uuid.UUID {
	return b.UserID
}

// Repay burns Amount of synthetic from UserID's wallet against their debt.
type Repay struct {
	RequestID uuid.UUID    `json:"request_id"`
	UserID    uuid.UUID    `json:"user_id"`
	Amount    *uint256.Int `json:"amount"`
}

func (r *Repay) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *Repay) CommandType() CommandType {
	return CommandTypeRepay
}

func (r *Repay) Subject() uuid.UUID {
	return r.UserID
}
