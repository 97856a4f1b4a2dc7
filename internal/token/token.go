// Package token holds the external ledgers the engine moves value through:
// one AssetLedger per collateral asset and the synthetic token ledger.
package token

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized      = errors.New("caller is not the minter")
	ErrMinterAlreadySet  = errors.New("minter already set")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AssetLedger moves one collateral asset between a holder and the engine's
// custody. A false result is a refusal and must be treated as failure.
type AssetLedger interface {
	TransferIn(ctx context.Context, from uuid.UUID, amount *uint256.Int) (bool, error)
	TransferOut(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
}

// SyntheticLedger is the synthetic token as seen by its minter. Burn and
// Transfer act on the minter's own balance.
type SyntheticLedger interface {
	Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
	Burn(ctx context.Context, amount *uint256.Int) (bool, error)
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error)
	Transfer(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
}

func isRefusal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func sub(balances map[uuid.UUID]uint256.Int, holder uuid.UUID, amount *uint256.Int) bool {
	cur := balances[holder]
	var next uint256.Int
	if _, underflow := next.SubOverflow(&cur, amount); underflow {
		return false
	}
	if next.IsZero() {
		delete(balances, holder)
	} else {
		balances[holder] = next
	}
	return true
}

func add(balances map[uuid.UUID]uint256.Int, holder uuid.UUID, amount *uint256.Int) bool {
	cur := balances[holder]
	var next uint256.Int
	if _, overflow := next.AddOverflow(&cur, amount); overflow {
		return false
	}
	balances[holder] = next
	return true
}
