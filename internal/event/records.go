package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RecordType discriminator for outbound records
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeCollateralDeposited
	RecordTypeCollateralWithdrawn
	RecordTypeSyntheticMinted
	RecordTypeSyntheticBurned
	RecordTypePositionLiquidated
)

// Record is a fact emitted by a committed command.
type Record interface {
	RecordType() RecordType
}

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeCollateralDeposited:
		return "CollateralDeposited"
	case RecordTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case RecordTypeSyntheticMinted:
		return "SyntheticMinted"
	case RecordTypeSyntheticBurned:
		return "SyntheticBurned"
	case RecordTypePositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}

// Subject is the NATS subject suffix for the record type.
func (rt RecordType) Subject() string {
	switch rt {
	case RecordTypeCollateralDeposited:
		return "collateral_deposited"
	case RecordTypeCollateralWithdrawn:
		return "collateral_withdrawn"
	case RecordTypeSyntheticMinted:
		return "synthetic_minted"
	case RecordTypeSyntheticBurned:
		return "synthetic_burned"
	case RecordTypePositionLiquidated:
		return "position_liquidated"
	default:
		return "unknown"
	}
}

type CollateralDeposited struct {
	UserID uuid.UUID    `json:"user_id"`
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (r *CollateralDeposited) RecordType() RecordType { return RecordTypeCollateralDeposited }

type CollateralWithdrawn struct {
	UserID uuid.UUID    `json:"user_id"`
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (r *CollateralWithdrawn) RecordType() RecordType { return RecordTypeCollateralWithdrawn }

type SyntheticMinted struct {
	UserID uuid.UUID    `json:"user_id"`
	Amount *uint256.Int `json:"amount"`
}

func (r *SyntheticMinted) RecordType() RecordType { return RecordTypeSyntheticMinted }

type SyntheticBurned struct {
	UserID uuid.UUID    `json:"user_id"`
	Payer  uuid.UUID    `json:"payer"`
	Amount *uint256.Int `json:"amount"`
}

func (r *SyntheticBurned) RecordType() RecordType { return RecordTypeSyntheticBurned }
