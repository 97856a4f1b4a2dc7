package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator knows which accounts each engine operation moves and
// stages the entries on a transaction.
type JournalGenerator struct {
	synthetic string
}

func NewJournalGenerator(synthetic string) *JournalGenerator {
	return &JournalGenerator{synthetic: synthetic}
}

// Synthetic returns the debt asset symbol.
func (jg *JournalGenerator) Synthetic() string {
	return jg.synthetic
}

// Deposit moves funds: external:custody → user:collateral
func (jg *JournalGenerator) Deposit(tx *Tx, userID uuid.UUID, asset string, amount *uint256.Int) error {
	return tx.Post(JournalTypeDeposit,
		CollateralAccount(userID, asset),
		CustodyAccount(asset),
		amount)
}

// Withdraw moves funds: user:collateral → external:custody
func (jg *JournalGenerator) Withdraw(tx *Tx, userID uuid.UUID, asset string, amount *uint256.Int) error {
	return tx.Post(JournalTypeWithdrawal,
		CustodyAccount(asset),
		CollateralAccount(userID, asset),
		amount)
}

// Borrow opens debt: external:supply → user:debt
func (jg *JournalGenerator) Borrow(tx *Tx, userID uuid.UUID, amount *uint256.Int) error {
	return tx.Post(JournalTypeBorrow,
		DebtAccount(userID, jg.synthetic),
		SupplyAccount(jg.synthetic),
		amount)
}

// Repay closes debt: user:debt → external:supply
func (jg *JournalGenerator) Repay(tx *Tx, userID uuid.UUID, amount *uint256.Int) error {
	return tx.Post(JournalTypeRepay,
		SupplyAccount(jg.synthetic),
		DebtAccount(userID, jg.synthetic),
		amount)
}

// Seize removes liquidated collateral (base + bonus) from the user.
func (jg *JournalGenerator) Seize(tx *Tx, userID uuid.UUID, asset string, amount *uint256.Int) error {
	return tx.Post(JournalTypeLiquidationSeize,
		CustodyAccount(asset),
		CollateralAccount(userID, asset),
		amount)
}

// CoverDebt removes the debt a liquidator paid for.
func (jg *JournalGenerator) CoverDebt(tx *Tx, userID uuid.UUID, amount *uint256.Int) error {
	return tx.Post(JournalTypeLiquidationRepay,
		SupplyAccount(jg.synthetic),
		DebtAccount(userID, jg.synthetic),
		amount)
}
