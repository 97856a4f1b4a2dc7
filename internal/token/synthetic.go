package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SyntheticToken is an in-memory mintable balance ledger. Mint and burn are
// gated to a single minter identity that can be set exactly once.
type SyntheticToken struct {
	mu         sync.Mutex
	symbol     string
	balances   map[uuid.UUID]uint256.Int
	allowances map[uuid.UUID]map[uuid.UUID]uint256.Int // owner -> spender -> amount
	supply     uint256.Int
	minter     uuid.UUID
	minterSet  bool
}

func NewSyntheticToken(symbol string) *SyntheticToken {
	return &SyntheticToken{
		symbol:     symbol,
		balances:   make(map[uuid.UUID]uint256.Int),
		allowances: make(map[uuid.UUID]map[uuid.UUID]uint256.Int),
	}
}

func (t *SyntheticToken) Symbol() string { return t.symbol }

// SetMinter grants the mint/burn capability. Fails on a second call.
func (t *SyntheticToken) SetMinter(minter uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.minterSet {
		return ErrMinterAlreadySet
	}
	t.minter = minter
	t.minterSet = true
	return nil
}

func (t *SyntheticToken) authorize(caller uuid.UUID) error {
	if !t.minterSet || caller != t.minter {
		return fmt.Errorf("%s: %s: %w", t.symbol, caller, ErrUnauthorized)
	}
	return nil
}

// Mint creates tokens for to. Only the minter may call it.
func (t *SyntheticToken) Mint(caller, to uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.authorize(caller); err != nil {
		return err
	}

	var supply uint256.Int
	if _, overflow := supply.AddOverflow(&t.supply, amount); overflow {
		return fmt.Errorf("mint %s: supply overflow", t.symbol)
	}
	if !add(t.balances, to, amount) {
		return fmt.Errorf("mint %s: balance overflow", t.symbol)
	}
	t.supply = supply
	return nil
}

// Burn destroys tokens from the caller's own balance. Only the minter may call it.
func (t *SyntheticToken) Burn(caller uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.authorize(caller); err != nil {
		return err
	}
	if !sub(t.balances, caller, amount) {
		return fmt.Errorf("burn %s: %w", t.symbol, ErrInsufficientFunds)
	}
	t.supply.Sub(&t.supply, amount)
	return nil
}

// Transfer moves tokens from the caller.
func (t *SyntheticToken) Transfer(caller, to uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.move(caller, to, amount)
}

// TransferFrom moves tokens on behalf of from, spending the caller's allowance.
// An owner moving its own tokens needs no allowance.
func (t *SyntheticToken) TransferFrom(caller, from, to uuid.UUID, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if caller == from {
		return t.move(from, to, amount)
	}

	allowed := t.allowances[from][caller]
	if allowed.Lt(amount) {
		return fmt.Errorf("transferFrom %s: allowance %s < %s: %w",
			t.symbol, allowed.Dec(), amount.Dec(), ErrInsufficientFunds)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	if spenders := t.allowances[from]; spenders != nil {
		allowed.Sub(&allowed, amount)
		spenders[caller] = allowed
	}
	return nil
}

func (t *SyntheticToken) move(from, to uuid.UUID, amount *uint256.Int) error {
	if !sub(t.balances, from, amount) {
		return fmt.Errorf("transfer %s from %s: %w", t.symbol, from, ErrInsufficientFunds)
	}
	if !add(t.balances, to, amount) {
		add(t.balances, from, amount)
		return fmt.Errorf("transfer %s to %s: balance overflow", t.symbol, to)
	}
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (t *SyntheticToken) Approve(owner, spender uuid.UUID, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[uuid.UUID]uint256.Int)
	}
	t.allowances[owner][spender] = *amount
}

func (t *SyntheticToken) Allowance(owner, spender uuid.UUID) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.allowances[owner][spender]
	return new(uint256.Int).Set(&v)
}

func (t *SyntheticToken) BalanceOf(holder uuid.UUID) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.balances[holder]
	return new(uint256.Int).Set(&v)
}

func (t *SyntheticToken) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return new(uint256.Int).Set(&t.supply)
}

// Session binds a caller identity, yielding the SyntheticLedger view the
// engine uses. Refusals (insufficient funds or allowance) surface as false;
// authorization failures surface as errors.
func (t *SyntheticToken) Session(caller uuid.UUID) SyntheticLedger {
	return &syntheticSession{token: t, caller: caller}
}

type syntheticSession struct {
	token  *SyntheticToken
	caller uuid.UUID
}

func result(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if isRefusal(err) {
		return false, nil
	}
	return false, err
}

func (s *syntheticSession) Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return result(s.token.Mint(s.caller, to, amount))
}

func (s *syntheticSession) Burn(ctx context.Context, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return result(s.token.Burn(s.caller, amount))
}

func (s *syntheticSession) TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return result(s.token.TransferFrom(s.caller, from, to, amount))
}

func (s *syntheticSession) Transfer(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return result(s.token.Transfer(s.caller, to, amount))
}
