package server

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/query"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the read surface the service exposes.
type Engine interface {
	query.EngineView
	GetAssetAmountFromUsd(ctx context.Context, asset string, usd *uint256.Int) (*uint256.Int, error)
}

var _ Engine = (*core.Engine)(nil)

// --- messages ---

type CommandResponse struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type HealthFactorResponse struct {
	UserID       string `json:"user_id"`
	HealthFactor string `json:"health_factor"`
	Status       string `json:"status"`
}

type BalanceRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Display string `json:"display"`
}

// ValueRequest converts between an asset amount and USD. Amount is in
// whole asset units; USD is in dollars. Each call reads only the field it
// converts from.
type ValueRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount,omitempty"`
	USD    string `json:"usd,omitempty"`
}

type ValueResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	USD    string `json:"usd"`
}

type Empty struct{}

type AssetsResponse struct {
	Assets    []core.AssetInfo `json:"assets"`
	Synthetic string           `json:"synthetic"`
}

type ParamsResponse struct {
	LiquidationThreshold uint64 `json:"liquidation_threshold"`
	LiquidationPrecision uint64 `json:"liquidation_precision"`
	LiquidationBonus     uint64 `json:"liquidation_bonus"`
	MinHealthFactor      string `json:"min_health_factor"`
	Precision            string `json:"precision"`
}

type HistoryRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"` // "liquidated" (default) or "liquidator"
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"`
}

type JournalHistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type LiquidationHistoryResponse struct {
	Entries []query.LiquidationHistoryEntry `json:"entries"`
}

type CommandHistoryResponse struct {
	Entries []query.CommandHistoryEntry `json:"entries"`
}

// EngineService implements cdpledger.v1.Engine. Mutations go through the
// dispatcher so they share the sequencer with NATS ingestion.
type EngineService struct {
	dispatcher *ingestion.Dispatcher
	engine     Engine
	queries    *query.QueryService
	synthetic  string
	logger     zerolog.Logger
}

func NewEngineService(dispatcher *ingestion.Dispatcher, engine Engine, queries *query.QueryService, synthetic string, logger zerolog.Logger) *EngineService {
	return &EngineService{
		dispatcher: dispatcher,
		engine:     engine,
		queries:    queries,
		synthetic:  synthetic,
		logger:     logger,
	}
}

// ============================================================================
// Commands
// ============================================================================

func (s *EngineService) Deposit(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeDeposit, req)
}

func (s *EngineService) Withdraw(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeWithdraw, req)
}

func (s *EngineService) Borrow(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeBorrow, req)
}

func (s *EngineService) Repay(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeRepay, req)
}

func (s *EngineService) DepositAndBorrow(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeDepositAndBorrow, req)
}

func (s *EngineService) WithdrawAndRepay(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeWithdrawAndRepay, req)
}

func (s *EngineService) Liquidate(ctx context.Context, req *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, event.CommandTypeLiquidate, req)
}

func (s *EngineService) submit(ctx context.Context, kind event.CommandType, req *ingestion.CommandJSON) (*CommandResponse, error) {
	cmd, err := s.dispatcher.Submit(ctx, kind, *req)
	if err != nil {
		if cmd != nil {
			s.logger.Warn().Err(err).
				Str("command", kind.Kind()).
				Str("request_id", cmd.IdempotencyKey()).
				Msg("command rejected")
		}
		return nil, toStatus(err)
	}
	return &CommandResponse{RequestID: cmd.IdempotencyKey(), Command: kind.Kind()}, nil
}

// ============================================================================
// Queries
// ============================================================================

func (s *EngineService) GetAccountInfo(ctx context.Context, req *UserRequest) (*query.AccountResponse, error) {
	user, err := parseUser(req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := query.BuildAccount(ctx, s.engine, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *EngineService) GetHealthFactor(ctx context.Context, req *UserRequest) (*HealthFactorResponse, error) {
	user, err := parseUser(req.UserID)
	if err != nil {
		return nil, err
	}
	hf, err := s.engine.GetHealthFactor(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HealthFactorResponse{
		UserID:       user.String(),
		HealthFactor: query.FormatHealthFactor(hf),
		Status:       s.engine.Params().Status(hf).String(),
	}, nil
}

func (s *EngineService) GetCollateralBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	user, err := parseUser(req.UserID)
	if err != nil {
		return nil, err
	}
	decimals, err := s.decimals(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := s.engine.GetCollateralBalance(user, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{
		UserID:  user.String(),
		Asset:   req.Asset,
		Amount:  amount.Dec(),
		Display: fpmath.FormatUnits(amount, decimals),
	}, nil
}

func (s *EngineService) GetUsdValue(ctx context.Context, req *ValueRequest) (*ValueResponse, error) {
	decimals, err := s.decimals(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	usd, err := s.engine.GetUsdValue(ctx, req.Asset, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ValueResponse{
		Asset:  req.Asset,
		Amount: fpmath.FormatUnits(amount, decimals),
		USD:    fpmath.FormatUnits(usd, ingestion.SyntheticDecimals),
	}, nil
}

func (s *EngineService) GetAssetAmountFromUsd(ctx context.Context, req *ValueRequest) (*ValueResponse, error) {
	decimals, err := s.decimals(req.Asset)
	if err != nil {
		return nil, err
	}
	usd, err := fpmath.ParseUnits(req.USD, ingestion.SyntheticDecimals)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "usd: %v", err)
	}
	amount, err := s.engine.GetAssetAmountFromUsd(ctx, req.Asset, usd)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ValueResponse{
		Asset:  req.Asset,
		Amount: fpmath.FormatUnits(amount, decimals),
		USD:    fpmath.FormatUnits(usd, ingestion.SyntheticDecimals),
	}, nil
}

func (s *EngineService) GetSupportedAssets(ctx context.Context, _ *Empty) (*AssetsResponse, error) {
	return &AssetsResponse{Assets: s.engine.GetSupportedAssets(), Synthetic: s.synthetic}, nil
}

func (s *EngineService) GetParams(ctx context.Context, _ *Empty) (*ParamsResponse, error) {
	p := s.engine.Params()
	return &ParamsResponse{
		LiquidationThreshold: p.LiquidationThreshold,
		LiquidationPrecision: p.LiquidationPrecision,
		LiquidationBonus:     p.LiquidationBonus,
		MinHealthFactor:      p.MinHealthFactor.Dec(),
		Precision:            p.Precision.Dec(),
	}, nil
}

// ============================================================================
// History and admin
// ============================================================================

func (s *EngineService) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*JournalHistoryResponse, error) {
	user, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetJournalHistory(ctx, user, page(req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "journal history: %v", err)
	}
	return &JournalHistoryResponse{Entries: entries}, nil
}

func (s *EngineService) GetLiquidationHistory(ctx context.Context, req *HistoryRequest) (*LiquidationHistoryResponse, error) {
	user, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	var role query.LiquidationRole
	switch req.Role {
	case "", "liquidated":
		role = query.RoleLiquidated
	case "liquidator":
		role = query.RoleLiquidator
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown role %q", req.Role)
	}
	entries, err := s.queries.GetLiquidationHistory(ctx, user, role, page(req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "liquidation history: %v", err)
	}
	return &LiquidationHistoryResponse{Entries: entries}, nil
}

func (s *EngineService) GetCommandHistory(ctx context.Context, req *HistoryRequest) (*CommandHistoryResponse, error) {
	user, err := s.historyUser(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetCommandHistory(ctx, user, page(req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "command history: %v", err)
	}
	return &CommandHistoryResponse{Entries: entries}, nil
}

func (s *EngineService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "event log not configured")
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *EngineService) decimals(asset string) (uint8, error) {
	for _, a := range s.engine.GetSupportedAssets() {
		if a.Symbol == asset {
			return a.Decimals, nil
		}
	}
	return 0, toStatus(fmt.Errorf("%w: %q", core.ErrUnsupportedAsset, asset))
}

func (s *EngineService) historyUser(req *HistoryRequest) (uuid.UUID, error) {
	if s.queries == nil {
		return uuid.Nil, status.Error(codes.Unavailable, "event log not configured")
	}
	return parseUser(req.UserID)
}

func page(req *HistoryRequest) query.Page {
	return query.Page{Limit: req.Limit, Before: req.Before}
}

func parseUser(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid user_id: %v", err)
	}
	return id, nil
}

// toStatus maps engine and ingestion errors to gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, ingestion.ErrMalformedCommand) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(code(core.Classify(err)), err.Error())
}

func code(c core.ErrorClass) codes.Code {
	switch c {
	case core.ClassValidation:
		return codes.InvalidArgument
	case core.ClassInvariant:
		return codes.FailedPrecondition
	case core.ClassExternal:
		return codes.Unavailable
	case core.ClassConcurrency:
		return codes.Aborted
	case core.ClassDuplicate:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}
