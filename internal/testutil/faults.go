package testutil

import (
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/token"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FaultyLedger wraps an AssetLedger. Tests flip fields to make the next
// calls refuse, fail or call back into the engine.
type FaultyLedger struct {
	Inner token.AssetLedger

	mu        sync.Mutex
	refuseIn  bool
	refuseOut bool
	errIn     error
	errOut    error
	hookIn    func(ctx context.Context)
	calls     []string
}

var _ token.AssetLedger = (*FaultyLedger)(nil)

func NewFaultyLedger(inner token.AssetLedger) *FaultyLedger {
	return &FaultyLedger{Inner: inner}
}

func (l *FaultyLedger) RefuseTransferIn(v bool)  { l.mu.Lock(); l.refuseIn = v; l.mu.Unlock() }
func (l *FaultyLedger) RefuseTransferOut(v bool) { l.mu.Lock(); l.refuseOut = v; l.mu.Unlock() }
func (l *FaultyLedger) FailTransferIn(err error) { l.mu.Lock(); l.errIn = err; l.mu.Unlock() }
func (l *FaultyLedger) FailTransferOut(err error) {
	l.mu.Lock()
	l.errOut = err
	l.mu.Unlock()
}

// OnTransferIn runs fn before every TransferIn, outside the lock.
func (l *FaultyLedger) OnTransferIn(fn func(ctx context.Context)) {
	l.mu.Lock()
	l.hookIn = fn
	l.mu.Unlock()
}

// Calls lists the calls that reached the inner ledger, in order.
func (l *FaultyLedger) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *FaultyLedger) TransferIn(ctx context.Context, from uuid.UUID, amount *uint256.Int) (bool, error) {
	l.mu.Lock()
	hook, refuse, err := l.hookIn, l.refuseIn, l.errIn
	l.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return false, err
	}
	if refuse {
		return false, nil
	}
	l.record("transferIn")
	return l.Inner.TransferIn(ctx, from, amount)
}

func (l *FaultyLedger) TransferOut(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	l.mu.Lock()
	refuse, err := l.refuseOut, l.errOut
	l.mu.Unlock()

	if err != nil {
		return false, err
	}
	if refuse {
		return false, nil
	}
	l.record("transferOut")
	return l.Inner.TransferOut(ctx, to, amount)
}

func (l *FaultyLedger) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

// FaultySynthetic wraps the engine's SyntheticLedger session.
type FaultySynthetic struct {
	Inner token.SyntheticLedger

	mu     sync.Mutex
	refuse map[string]bool
	calls  []string
}

var _ token.SyntheticLedger = (*FaultySynthetic)(nil)

func NewFaultySynthetic(inner token.SyntheticLedger) *FaultySynthetic {
	return &FaultySynthetic{Inner: inner, refuse: make(map[string]bool)}
}

// Refuse makes op ("mint", "burn", "transferFrom", "transfer") return false.
func (s *FaultySynthetic) Refuse(op string, v bool) {
	s.mu.Lock()
	s.refuse[op] = v
	s.mu.Unlock()
}

func (s *FaultySynthetic) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *FaultySynthetic) refused(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse[op] {
		return true
	}
	s.calls = append(s.calls, op)
	return false
}

func (s *FaultySynthetic) Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if s.refused("mint") {
		return false, nil
	}
	return s.Inner.Mint(ctx, to, amount)
}

func (s *FaultySynthetic) Burn(ctx context.Context, amount *uint256.Int) (bool, error) {
	if s.refused("burn") {
		return false, nil
	}
	return s.Inner.Burn(ctx, amount)
}

func (s *FaultySynthetic) TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if s.refused("transferFrom") {
		return false, nil
	}
	return s.Inner.TransferFrom(ctx, from, to, amount)
}

func (s *FaultySynthetic) Transfer(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if s.refused("transfer") {
		return false, nil
	}
	return s.Inner.Transfer(ctx, to, amount)
}

// CountingOracle counts GetPrice calls.
type CountingOracle struct {
	Inner oracle.PriceOracle
	calls atomic.Int64
}

var _ oracle.PriceOracle = (*CountingOracle)(nil)

func (c *CountingOracle) GetPrice(ctx context.Context, asset string) (oracle.Quote, error) {
	c.calls.Add(1)
	return c.Inner.GetPrice(ctx, asset)
}

func (c *CountingOracle) Calls() int64 {
	return c.calls.Load()
}
