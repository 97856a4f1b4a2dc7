package token

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Vault is an in-memory AssetLedger for one collateral asset. TransferIn
// pulls from a holder into the custodian; TransferOut pays the custodian's
// holdings out.
type Vault struct {
	mu        sync.Mutex
	symbol    string
	custodian uuid.UUID
	balances  map[uuid.UUID]uint256.Int
}

var _ AssetLedger = (*Vault)(nil)

func NewVault(symbol string, custodian uuid.UUID) *Vault {
	return &Vault{
		symbol:    symbol,
		custodian: custodian,
		balances:  make(map[uuid.UUID]uint256.Int),
	}
}

func (v *Vault) Symbol() string { return v.symbol }

// Credit creates balance out of thin air. Used to fund wallets in tests and
// local setups.
func (v *Vault) Credit(holder uuid.UUID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	add(v.balances, holder, amount)
}

func (v *Vault) BalanceOf(holder uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.balances[holder]
	return new(uint256.Int).Set(&b)
}

func (v *Vault) TransferIn(ctx context.Context, from uuid.UUID, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(from, v.custodian, amount), nil
}

func (v *Vault) TransferOut(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(v.custodian, to, amount), nil
}

func (v *Vault) move(from, to uuid.UUID, amount *uint256.Int) bool {
	if !sub(v.balances, from, amount) {
		return false
	}
	if !add(v.balances, to, amount) {
		add(v.balances, from, amount)
		return false
	}
	return true
}
