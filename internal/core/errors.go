package core

import (
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Validation
var (
	ErrZeroAmount           = errors.New("amount must be greater than zero")
	ErrUnsupportedAsset     = errors.New("unsupported collateral asset")
	ErrInvalidConfiguration = errors.New("invalid engine configuration")
	ErrInvalidCommand       = errors.New("invalid command")
)

// Invariant
var (
	ErrPositionUndercollateralized      = errors.New("position undercollateralized")
	ErrPositionHealthy                  = errors.New("position is healthy")
	ErrLiquidationDidNotImprovePosition = errors.New("liquidation did not improve health factor")
)

// External collaborators
var (
	ErrOracleStaleOrInvalid = errors.New("oracle price stale or invalid")
	ErrTransferFailed       = errors.New("asset transfer failed")
	ErrMintFailed           = errors.New("synthetic mint failed")
	ErrBurnFailed           = errors.New("synthetic burn failed")
)

// Underflow
var (
	ErrInsufficientCollateral = fmt.Errorf("insufficient collateral: %w", ledger.ErrInsufficientBalance)
	ErrRepayExceedsDebt       = fmt.Errorf("repay exceeds debt: %w", ledger.ErrInsufficientBalance)
)

// Concurrency
var (
	ErrReentrantCall    = errors.New("reentrant call")
	ErrDuplicateCommand = errors.New("duplicate command")
)

// HealthFactorError reports the factor a position would end up with.
type HealthFactorError struct {
	User   uuid.UUID
	Factor *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("%s: user %s health factor %s",
		ErrPositionUndercollateralized, e.User, fpmath.FormatUnits(e.Factor, 18))
}

func (e *HealthFactorError) Is(target error) bool {
	return target == ErrPositionUndercollateralized
}

// ErrorClass groups sentinels the way the service layer maps them.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassInvariant
	ClassExternal
	ClassConcurrency
	ClassDuplicate
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassInvariant:
		return "invariant"
	case ClassExternal:
		return "external"
	case ClassConcurrency:
		return "concurrency"
	case ClassDuplicate:
		return "duplicate"
	default:
		return "internal"
	}
}

// Classify maps an engine error to its class. Unknown errors are internal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrDuplicateCommand):
		return ClassDuplicate
	case errors.Is(err, ErrReentrantCall):
		return ClassConcurrency
	case errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrUnsupportedAsset),
		errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidCommand):
		return ClassValidation
	case errors.Is(err, ErrPositionUndercollateralized),
		errors.Is(err, ErrPositionHealthy),
		errors.Is(err, ErrLiquidationDidNotImprovePosition),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrRepayExceedsDebt):
		return ClassInvariant
	case errors.Is(err, ErrOracleStaleOrInvalid),
		errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrMintFailed),
		errors.Is(err, ErrBurnFailed):
		return ClassExternal
	default:
		return ClassInternal
	}
}

// rejectReason is the metric label for a rejected command.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrPositionUndercollateralized):
		return "undercollateralized"
	case errors.Is(err, ErrPositionHealthy):
		return "position_healthy"
	case errors.Is(err, ErrLiquidationDidNotImprovePosition):
		return "no_improvement"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrRepayExceedsDebt):
		return "repay_exceeds_debt"
	case errors.Is(err, ErrOracleStaleOrInvalid):
		return "oracle"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrBurnFailed):
		return "burn_failed"
	default:
		return "internal"
	}
}
