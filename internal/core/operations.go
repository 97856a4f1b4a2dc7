package core

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Execute dispatches a command. Every mutating entry point ends here.
func (e *Engine) Execute(ctx context.Context, cmd event.Command) error {
	switch c := cmd.(type) {
	case *event.Deposit:
		return e.execute(ctx, c, func(o *op) error {
			a, err := e.validateCollateral(c.UserID, c.Asset, c.Amount)
			if err != nil {
				return err
			}
			return e.stageDeposit(o, c.UserID, a, c.Amount)
		})

	case *event.Withdraw:
		return e.execute(ctx, c, func(o *op) error {
			a, err := e.validateCollateral(c.UserID, c.Asset, c.Amount)
			if err != nil {
				return err
			}
			return e.stageWithdraw(o, c.UserID, a, c.Amount)
		})

	case *event.Borrow:
		return e.execute(ctx, c, func(o *op) error {
			if err := validateDebt(c.UserID, c.Amount); err != nil {
				return err
			}
			return e.stageBorrow(o, c.UserID, c.Amount)
		})

	case *event.Repay:
		return e.execute(ctx, c, func(o *op) error {
			if err := validateDebt(c.UserID, c.Amount); err != nil {
				return err
			}
			return e.stageRepay(o, c.UserID, c.UserID, c.Amount)
		})

	case *event.DepositAndBorrow:
		return e.execute(ctx, c, func(o *op) error {
			a, err := e.validateCollateral(c.UserID, c.Asset, c.Collateral)
			if err != nil {
				return err
			}
			if err := validateDebt(c.UserID, c.Borrow); err != nil {
				return err
			}
			if err := e.stageDeposit(o, c.UserID, a, c.Collateral); err != nil {
				return err
			}
			return e.stageBorrow(o, c.UserID, c.Borrow)
		})

	case *event.WithdrawAndRepay:
		return e.execute(ctx, c, func(o *op) error {
			a, err := e.validateCollateral(c.UserID, c.Asset, c.Collateral)
			if err != nil {
				return err
			}
			if err := validateDebt(c.UserID, c.Repay); err != nil {
				return err
			}
			// Repay first so the withdrawal is checked against the lower debt.
			if err := e.stageRepay(o, c.UserID, c.UserID, c.Repay); err != nil {
				return err
			}
			return e.stageWithdraw(o, c.UserID, a, c.Collateral)
		})

	case *event.Liquidate:
		return e.execute(ctx, c, func(o *op) error {
			a, err := e.validateCollateral(c.UserID, c.Asset, c.DebtToCover)
			if err != nil {
				return err
			}
			if c.Liquidator == uuid.Nil {
				return fmt.Errorf("%w: missing liquidator", ErrInvalidCommand)
			}
			return e.stageLiquidation(o, c.Liquidator, c.UserID, a, c.DebtToCover)
		})

	case nil:
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)

	default:
		return fmt.Errorf("%w: unknown command type %T", ErrInvalidCommand, cmd)
	}
}

// Deposit locks amount of asset as user's collateral.
func (e *Engine) Deposit(ctx context.Context, user uuid.UUID, asset string, amount *uint256.Int) error {
	return e.Execute(ctx, &event.Deposit{RequestID: uuid.New(), UserID: user, Asset: asset, Amount: amount})
}

// Withdraw returns amount of asset collateral to user.
func (e *Engine) Withdraw(ctx context.Context, user uuid.UUID, asset string, amount *uint256.Int) error {
	return e.Execute(ctx, &event.Withdraw{RequestID: uuid.New(), UserID: user, Asset: asset, Amount: amount})
}

// Borrow mints amount of synthetic to user against their collateral.
func (e *Engine) Borrow(ctx context.Context, user uuid.UUID, amount *uint256.Int) error {
	return e.Execute(ctx, &event.Borrow{RequestID: uuid.New(), UserID: user, Amount: amount})
}

// Repay burns amount of user's synthetic against their debt.
func (e *Engine) Repay(ctx context.Context, user uuid.UUID, amount *uint256.Int) error {
	return e.Execute(ctx, &event.Repay{RequestID: uuid.New(), UserID: user, Amount: amount})
}

func (e *Engine) DepositAndBorrow(ctx context.Context, user uuid.UUID, asset string, collateral, borrow *uint256.Int) error {
	return e.Execute(ctx, &event.DepositAndBorrow{
		RequestID:  uuid.New(),
		UserID:     user,
		Asset:      asset,
		Collateral: collateral,
		Borrow:     borrow,
	})
}

func (e *Engine) WithdrawAndRepay(ctx context.Context, user uuid.UUID, asset string, collateral, repay *uint256.Int) error {
	return e.Execute(ctx, &event.WithdrawAndRepay{
		RequestID:  uuid.New(),
		UserID:     user,
		Asset:      asset,
		Collateral: collateral,
		Repay:      repay,
	})
}

// Liquidate covers debtToCover of user's debt with the liquidator's
// synthetic and pays the liquidator the equivalent asset collateral plus
// the bonus.
func (e *Engine) Liquidate(ctx context.Context, liquidator uuid.UUID, asset string, user uuid.UUID, debtToCover *uint256.Int) error {
	return e.Execute(ctx, &event.Liquidate{
		RequestID:   uuid.New(),
		Liquidator:  liquidator,
		UserID:      user,
		Asset:       asset,
		DebtToCover: debtToCover,
	})
}

// --- validation ---

func validateUser(user uuid.UUID) error {
	if user == uuid.Nil {
		return fmt.Errorf("%w: missing user", ErrInvalidCommand)
	}
	return nil
}

func validateAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

func validateDebt(user uuid.UUID, amount *uint256.Int) error {
	if err := validateUser(user); err != nil {
		return err
	}
	return validateAmount(amount)
}

func (e *Engine) validateCollateral(user uuid.UUID, asset string, amount *uint256.Int) (SupportedAsset, error) {
	if err := validateUser(user); err != nil {
		return SupportedAsset{}, err
	}
	if err := validateAmount(amount); err != nil {
		return SupportedAsset{}, err
	}
	return e.asset(asset)
}

// external turns a collaborator's (ok, err) result into a sentinel error.
// A refusal (false, nil) is a failure too.
func external(sentinel error, what string, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", sentinel, what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s refused", sentinel, what)
	}
	return nil
}

// --- staging ---

func (e *Engine) stageDeposit(o *op, user uuid.UUID, a SupportedAsset, amount *uint256.Int) error {
	if err := e.journalGen.Deposit(o.tx, user, a.Symbol, amount); err != nil {
		return fmt.Errorf("deposit %s %s for %s: %w", amount.Dec(), a.Symbol, user, err)
	}

	what := fmt.Sprintf("transfer in %s %s from %s", amount.Dec(), a.Symbol, user)
	o.then(what,
		func(ctx context.Context) error {
			ok, err := a.Ledger.TransferIn(ctx, user, amount)
			return external(ErrTransferFailed, what, ok, err)
		},
		func(ctx context.Context) error {
			ok, err := a.Ledger.TransferOut(ctx, user, amount)
			return external(ErrTransferFailed, "return deposit to "+user.String(), ok, err)
		})

	o.records = append(o.records, &event.CollateralDeposited{
		UserID: user,
		Asset:  a.Symbol,
		Amount: amount.Clone(),
	})
	return nil
}

func (e *Engine) stageWithdraw(o *op, user uuid.UUID, a SupportedAsset, amount *uint256.Int) error {
	balance := o.tx.GetBalance(ledger.CollateralAccount(user, a.Symbol))
	if amount.Gt(balance) {
		return fmt.Errorf("withdraw %s %s for %s, balance %s: %w",
			amount.Dec(), a.Symbol, user, balance.Dec(), ErrInsufficientCollateral)
	}
	if err := e.journalGen.Withdraw(o.tx, user, a.Symbol, amount); err != nil {
		return fmt.Errorf("withdraw %s %s for %s: %w", amount.Dec(), a.Symbol, user, err)
	}
	if err := e.enforceHealthFactor(o, user); err != nil {
		return err
	}

	// Transfers out are always the last effect of a command.
	what := fmt.Sprintf("transfer out %s %s to %s", amount.Dec(), a.Symbol, user)
	o.then(what,
		func(ctx context.Context) error {
			ok, err := a.Ledger.TransferOut(ctx, user, amount)
			return external(ErrTransferFailed, what, ok, err)
		}, nil)

	o.records = append(o.records, &event.CollateralWithdrawn{
		UserID: user,
		Asset:  a.Symbol,
		Amount: amount.Clone(),
	})
	return nil
}

func (e *Engine) stageBorrow(o *op, user uuid.UUID, amount *uint256.Int) error {
	if err := e.journalGen.Borrow(o.tx, user, amount); err != nil {
		return fmt.Errorf("borrow %s for %s: %w", amount.Dec(), user, err)
	}
	if err := e.enforceHealthFactor(o, user); err != nil {
		return err
	}

	// Mint is always the last effect of a command.
	what := fmt.Sprintf("mint %s %s to %s", amount.Dec(), e.syntheticSymbol, user)
	o.then(what,
		func(ctx context.Context) error {
			ok, err := e.synthetic.Mint(ctx, user, amount)
			return external(ErrMintFailed, what, ok, err)
		}, nil)

	o.records = append(o.records, &event.SyntheticMinted{
		UserID: user,
		Amount: amount.Clone(),
	})
	return nil
}

// stageRepay reduces user's debt with payer's synthetic. Repay never
// lowers the health factor, so there is no post check.
func (e *Engine) stageRepay(o *op, payer, user uuid.UUID, amount *uint256.Int) error {
	debt := e.debtOf(o.tx, user)
	if amount.Gt(debt) {
		return fmt.Errorf("repay %s for %s, debt %s: %w", amount.Dec(), user, debt.Dec(), ErrRepayExceedsDebt)
	}
	if err := e.journalGen.Repay(o.tx, user, amount); err != nil {
		return fmt.Errorf("repay %s for %s: %w", amount.Dec(), user, err)
	}

	e.queueBurnFrom(o, payer, amount)

	o.records = append(o.records, &event.SyntheticBurned{
		UserID: user,
		Payer:  payer,
		Amount: amount.Clone(),
	})
	return nil
}

// queueBurnFrom pulls amount of synthetic from payer into the engine and
// burns it. A later failure transfers the tokens back (after re-minting
// them if the burn went through).
func (e *Engine) queueBurnFrom(o *op, payer uuid.UUID, amount *uint256.Int) {
	pull := fmt.Sprintf("transferFrom %s %s from %s", amount.Dec(), e.syntheticSymbol, payer)
	o.then(pull,
		func(ctx context.Context) error {
			ok, err := e.synthetic.TransferFrom(ctx, payer, e.id, amount)
			return external(ErrTransferFailed, pull, ok, err)
		},
		func(ctx context.Context) error {
			ok, err := e.synthetic.Transfer(ctx, payer, amount)
			return external(ErrTransferFailed, "return synthetic to "+payer.String(), ok, err)
		})

	burn := fmt.Sprintf("burn %s %s", amount.Dec(), e.syntheticSymbol)
	o.then(burn,
		func(ctx context.Context) error {
			ok, err := e.synthetic.Burn(ctx, amount)
			return external(ErrBurnFailed, burn, ok, err)
		},
		func(ctx context.Context) error {
			ok, err := e.synthetic.Mint(ctx, e.id, amount)
			return external(ErrMintFailed, "re-mint burned synthetic", ok, err)
		})
}
