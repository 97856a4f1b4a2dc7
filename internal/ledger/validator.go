package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies Σ internal == Σ external for every asset:
// user collateral equals custody, user debt equals synthetic supply.
func (v *InvariantValidator) ValidateConservation() error {
	totals, err := v.tracker.ComputeTotals()
	if err != nil {
		return err
	}

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		t := totals[asset]
		if !t.Internal.Eq(&t.External) {
			return fmt.Errorf("conservation violated for %s: internal=%s external=%s",
				asset, t.Internal.Dec(), t.External.Dec())
		}
	}

	return nil
}
