package event

import (
	"time"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeBorrow
	CommandTypeRepay
	CommandTypeDepositAndBorrow
	CommandTypeWithdrawAndRepay
	CommandTypeLiquidate
)

// AllCommandTypes lists every dispatchable command type.
var AllCommandTypes = []CommandType{
	CommandTypeDeposit,
	CommandTypeWithdraw,
	CommandTypeBorrow,
	CommandTypeRepay,
	CommandTypeDepositAndBorrow,
	CommandTypeWithdrawAndRepay,
	CommandTypeLiquidate,
}

// Envelope wraps every committed command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Position owner the command acted on
	UserID uuid.UUID

	// Commit time
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// Records emitted by the command, in order
	Records []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all inbound commands must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Subject returns the user whose position the command changes
	Subject() uuid.UUID
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeBorrow:
		return "Borrow"
	case CommandTypeRepay:
		return "Repay"
	case CommandTypeDepositAndBorrow:
		return "DepositAndBorrow"
	case CommandTypeWithdrawAndRepay:
		return "WithdrawAndRepay"
	case CommandTypeLiquidate:
		return "Liquidate"
	default:
		return "Unknown"
	}
}

// Kind is the lower_snake form used in NATS subjects, metric labels and
// the event_log table.
func (ct CommandType) Kind() string {
	switch ct {
	case CommandTypeDeposit:
		return "deposit"
	case CommandTypeWithdraw:
		return "withdraw"
	case CommandTypeBorrow:
		return "borrow"
	case CommandTypeRepay:
		return "repay"
	case CommandTypeDepositAndBorrow:
		return "deposit_and_borrow"
	case CommandTypeWithdrawAndRepay:
		return "withdraw_and_repay"
	case CommandTypeLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// ParseKind maps a Kind string back to its CommandType.
func ParseKind(kind string) (CommandType, bool) {
	for _, ct := range AllCommandTypes {
		if ct.Kind() == kind {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}
