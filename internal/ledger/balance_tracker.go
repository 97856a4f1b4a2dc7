package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when an entry would take an account below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBalanceOverflow is returned when an entry would take an account past 2^256-1.
	ErrBalanceOverflow = errors.New("balance overflow")
)

// BalanceTracker maintains committed in-memory account balances.
// Reads take the read lock; only batch application takes the write lock.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// adjust moves a balance by amount in the direction the entry side implies.
func adjust(key AccountKey, current uint256.Int, amount *uint256.Int, debit bool) (uint256.Int, error) {
	increase := debit == key.IsInternal()

	var next uint256.Int
	if increase {
		if _, overflow := next.AddOverflow(&current, amount); overflow {
			return current, fmt.Errorf("account %s: %w", key.AccountPath(), ErrBalanceOverflow)
		}
		return next, nil
	}

	if _, underflow := next.SubOverflow(&current, amount); underflow {
		return current, fmt.Errorf("account %s has %s, needs %s: %w",
			key.AccountPath(), current.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	return next, nil
}

// applyEntry applies one journal to a balance view.
func applyEntry(view func(AccountKey) uint256.Int, set func(AccountKey, uint256.Int), j *Journal) error {
	debit, err := adjust(j.DebitAccount, view(j.DebitAccount), &j.Amount, true)
	if err != nil {
		return err
	}
	credit, err := adjust(j.CreditAccount, view(j.CreditAccount), &j.Amount, false)
	if err != nil {
		return err
	}
	set(j.DebitAccount, debit)
	set(j.CreditAccount, credit)
	return nil
}

// ApplyBatch validates and applies all journals in a batch. Either every
// entry applies or none do. Accounts that reach zero are pruned.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	staged := make(map[AccountKey]uint256.Int, len(batch.Journals)*2)
	view := func(k AccountKey) uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		return bt.balances[k]
	}
	set := func(k AccountKey, v uint256.Int) { staged[k] = v }

	for i := range batch.Journals {
		if err := applyEntry(view, set, &batch.Journals[i]); err != nil {
			return fmt.Errorf("batch %s: %w", batch.BatchID, err)
		}
	}

	for k, v := range staged {
		if v.IsZero() {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}

	return nil
}

// GetBalance returns a copy of the committed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	v := bt.balances[key]
	return new(uint256.Int).Set(&v)
}

// BalanceSet is a point-in-time copy of some committed balances.
type BalanceSet map[AccountKey]uint256.Int

// GetBalance returns a copy of key's balance, zero when absent.
func (s BalanceSet) GetBalance(key AccountKey) *uint256.Int {
	v := s[key]
	return new(uint256.Int).Set(&v)
}

// GetBalances copies keys under one read lock. A batch applies under the
// write lock, so the set never mixes two committed states.
func (bt *BalanceTracker) GetBalances(keys ...AccountKey) BalanceSet {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	out := make(BalanceSet, len(keys))
	for _, k := range keys {
		out[k] = bt.balances[k]
	}
	return out
}

// Users returns every user that holds a non-zero account, in byte order.
func (bt *BalanceTracker) Users() []uuid.UUID {
	bt.mu.RLock()
	seen := make(map[uuid.UUID]struct{})
	for k := range bt.balances {
		if uid, ok := k.UserID(); ok {
			seen[uid] = struct{}{}
		}
	}
	bt.mu.RUnlock()

	users := make([]uuid.UUID, 0, len(seen))
	for uid := range seen {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i][:], users[j][:]) < 0
	})
	return users
}

// AssetTotals holds the two sides of the conservation equation for one asset.
type AssetTotals struct {
	Internal uint256.Int
	External uint256.Int
}

// ComputeTotals sums internal and external balances per asset. For a
// consistent ledger both sides are equal for every asset.
func (bt *BalanceTracker) ComputeTotals() (map[string]*AssetTotals, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[string]*AssetTotals)
	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = &AssetTotals{}
			totals[key.Asset] = t
		}

		side := &t.External
		if key.IsInternal() {
			side = &t.Internal
		}
		if _, overflow := side.AddOverflow(side, &balance); overflow {
			return nil, fmt.Errorf("totals for %s: %w", key.Asset, ErrBalanceOverflow)
		}
	}
	return totals, nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances. Used for warm restart from a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]uint256.Int) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.balances = make(map[AccountKey]uint256.Int, len(balances))
	for k, v := range balances {
		if !v.IsZero() {
			bt.balances[k] = v
		}
	}
}

// SortedKeys returns keys of a balance map in a deterministic order.
func SortedKeys(balances map[AccountKey]uint256.Int) []AccountKey {
	keys := make([]AccountKey, 0, len(balances))
	for k := range balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
