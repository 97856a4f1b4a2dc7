package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrMalformedCommand marks payloads that can never be applied. NATS
// messages failing with it are terminated instead of redelivered.
var ErrMalformedCommand = errors.New("malformed command")

// SyntheticDecimals is the precision of the synthetic token and of USD values.
const SyntheticDecimals uint8 = 18

// CommandJSON is the wire form of every inbound command. Amounts are human
// decimal strings ("1.5") in the unit of the asset they move; the synthetic
// side (borrow, repay, debt_to_cover) always uses SyntheticDecimals.
// Field names use snake_case to match upstream producers.
type CommandJSON struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Liquidator  string `json:"liquidator,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Collateral  string `json:"collateral,omitempty"`
	Borrow      string `json:"borrow,omitempty"`
	Repay       string `json:"repay,omitempty"`
	DebtToCover string `json:"debt_to_cover,omitempty"`
}

// Parser converts wire commands into typed event.Commands. It knows each
// collateral asset's decimals so human amounts scale to base units.
type Parser struct {
	decimals  map[string]uint8
	synthetic uint8
}

func NewParser(assets []core.AssetInfo, syntheticDecimals uint8) *Parser {
	decimals := make(map[string]uint8, len(assets))
	for _, a := range assets {
		decimals[a.Symbol] = a.Decimals
	}
	return &Parser{decimals: decimals, synthetic: syntheticDecimals}
}

// Parse decodes data as a CommandJSON of the given kind.
func (p *Parser) Parse(kind event.CommandType, data []byte) (event.Command, error) {
	var j CommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, kind.Kind(), err)
	}
	return p.Build(kind, j)
}

// Build validates the fields kind needs and produces the command. Unknown
// assets fail with core.ErrUnsupportedAsset since their decimals are unknown.
func (p *Parser) Build(kind event.CommandType, j CommandJSON) (event.Command, error) {
	requestID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case event.CommandTypeDeposit:
		amount, err := p.collateral(j.Asset, "amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Deposit{RequestID: requestID, UserID: userID, Asset: j.Asset, Amount: amount}, nil

	case event.CommandTypeWithdraw:
		amount, err := p.collateral(j.Asset, "amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Withdraw{RequestID: requestID, UserID: userID, Asset: j.Asset, Amount: amount}, nil

	case event.CommandTypeBorrow:
		amount, err := p.syntheticAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Borrow{RequestID: requestID, UserID: userID, Amount: amount}, nil

	case event.CommandTypeRepay:
		amount, err := p.syntheticAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Repay{RequestID: requestID, UserID: userID, Amount: amount}, nil

	case event.CommandTypeDepositAndBorrow:
		collateral, err := p.collateral(j.Asset, "collateral", j.Collateral)
		if err != nil {
			return nil, err
		}
		borrow, err := p.syntheticAmount("borrow", j.Borrow)
		if err != nil {
			return nil, err
		}
		return &event.DepositAndBorrow{
			RequestID:  requestID,
			UserID:     userID,
			Asset:      j.Asset,
			Collateral: collateral,
			Borrow:     borrow,
		}, nil

	case event.CommandTypeWithdrawAndRepay:
		collateral, err := p.collateral(j.Asset, "collateral", j.Collateral)
		if err != nil {
			return nil, err
		}
		repay, err := p.syntheticAmount("repay", j.Repay)
		if err != nil {
			return nil, err
		}
		return &event.WithdrawAndRepay{
			RequestID:  requestID,
			UserID:     userID,
			Asset:      j.Asset,
			Collateral: collateral,
			Repay:      repay,
		}, nil

	case event.CommandTypeLiquidate:
		liquidator, err := parseID("liquidator", j.Liquidator)
		if err != nil {
			return nil, err
		}
		if _, err := p.assetDecimals(j.Asset); err != nil {
			return nil, err
		}
		cover, err := p.syntheticAmount("debt_to_cover", j.DebtToCover)
		if err != nil {
			return nil, err
		}
		return &event.Liquidate{
			RequestID:   requestID,
			Liquidator:  liquidator,
			UserID:      userID,
			Asset:       j.Asset,
			DebtToCover: cover,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrMalformedCommand, kind)
	}
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s", ErrMalformedCommand, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedCommand, field, err)
	}
	return id, nil
}

func (p *Parser) assetDecimals(asset string) (uint8, error) {
	d, ok := p.decimals[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %q", core.ErrUnsupportedAsset, asset)
	}
	return d, nil
}

func (p *Parser) collateral(asset, field, s string) (*uint256.Int, error) {
	d, err := p.assetDecimals(asset)
	if err != nil {
		return nil, err
	}
	return parseAmount(field, s, d)
}

func (p *Parser) syntheticAmount(field, s string) (*uint256.Int, error) {
	return parseAmount(field, s, p.synthetic)
}

func parseAmount(field, s string, decimals uint8) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedCommand, field)
	}
	v, err := fpmath.ParseUnits(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, field, err)
	}
	return v, nil
}
