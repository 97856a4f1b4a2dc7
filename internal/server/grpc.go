package server

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cdpledger.v1.Engine"

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *EngineService
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Service       *EngineService
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&EngineServiceDesc, deps.Service)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// Server exposes the underlying *grpc.Server, for serving on a custom
// listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP/JSON gateway. Routes call the service in
// process, so HTTP and gRPC callers share one code path.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, r := range s.routes() {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	// Health endpoints
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// gRPC service descriptor
// ============================================================================

// EngineServer is the handler type of EngineServiceDesc.
type EngineServer interface {
	Deposit(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	Withdraw(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	Borrow(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	Repay(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	DepositAndBorrow(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	WithdrawAndRepay(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
	Liquidate(context.Context, *ingestion.CommandJSON) (*CommandResponse, error)
}

var _ EngineServer = (*EngineService)(nil)

// EngineServiceDesc describes cdpledger.v1.Engine. Messages are the JSON
// structs of this package, carried by the json codec.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", (*EngineService).Deposit),
		unary("Withdraw", (*EngineService).Withdraw),
		unary("Borrow", (*EngineService).Borrow),
		unary("Repay", (*EngineService).Repay),
		unary("DepositAndBorrow", (*EngineService).DepositAndBorrow),
		unary("WithdrawAndRepay", (*EngineService).WithdrawAndRepay),
		unary("Liquidate", (*EngineService).Liquidate),
		unary("GetAccountInfo", (*EngineService).GetAccountInfo),
		unary("GetHealthFactor", (*EngineService).GetHealthFactor),
		unary("GetCollateralBalance", (*EngineService).GetCollateralBalance),
		unary("GetUsdValue", (*EngineService).GetUsdValue),
		unary("GetAssetAmountFromUsd", (*EngineService).GetAssetAmountFromUsd),
		unary("GetSupportedAssets", (*EngineService).GetSupportedAssets),
		unary("GetParams", (*EngineService).GetParams),
		unary("GetJournalHistory", (*EngineService).GetJournalHistory),
		unary("GetLiquidationHistory", (*EngineService).GetLiquidationHistory),
		unary("GetCommandHistory", (*EngineService).GetCommandHistory),
		unary("VerifyIntegrity", (*EngineService).VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdpledger/v1/engine.json",
}

func unary[Req, Resp any](name string, call func(*EngineService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(*EngineService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(*EngineService), ctx, req.(*Req))
			})
		},
	}
}

// ============================================================================
// HTTP routes
// ============================================================================

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *GRPCServer) routes() []route {
	svc := s.service
	return []route{
		{http.MethodPost, "/v1/commands/{kind}", s.postCommand},
		{http.MethodGet, "/v1/accounts/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(svc.GetAccountInfo(r.Context(), &UserRequest{UserID: p["user_id"]}))
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/health", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(svc.GetHealthFactor(r.Context(), &UserRequest{UserID: p["user_id"]}))
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/collateral/{asset}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(svc.GetCollateralBalance(r.Context(), &BalanceRequest{UserID: p["user_id"], Asset: p["asset"]}))
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := historyRequest(r, p)
			if err != nil {
				writeError(w, err)
				return
			}
			respond(w)(svc.GetJournalHistory(r.Context(), req))
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/liquidations", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := historyRequest(r, p)
			if err != nil {
				writeError(w, err)
				return
			}
			respond(w)(svc.GetLiquidationHistory(r.Context(), req))
		}},
		{http.MethodGet, "/v1/accounts/{user_id}/commands", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req, err := historyRequest(r, p)
			if err != nil {
				writeError(w, err)
				return
			}
			respond(w)(svc.GetCommandHistory(r.Context(), req))
		}},
		{http.MethodGet, "/v1/assets", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(svc.GetSupportedAssets(r.Context(), &Empty{}))
		}},
		{http.MethodGet, "/v1/assets/{asset}/usd", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(svc.GetUsdValue(r.Context(), &ValueRequest{Asset: p["asset"], Amount: r.URL.Query().Get("amount")}))
		}},
		{http.MethodGet, "/v1/assets/{asset}/amount", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(w)(svc.GetAssetAmountFromUsd(r.Context(), &ValueRequest{Asset: p["asset"], USD: r.URL.Query().Get("usd")}))
		}},
		{http.MethodGet, "/v1/params", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(svc.GetParams(r.Context(), &Empty{}))
		}},
		{http.MethodGet, "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			respond(w)(svc.VerifyIntegrity(r.Context(), &Empty{}))
		}},
	}
}

func (s *GRPCServer) postCommand(w http.ResponseWriter, r *http.Request, p map[string]string) {
	kind, ok := event.ParseKind(p["kind"])
	if !ok {
		writeError(w, status.Errorf(codes.NotFound, "unknown command %q", p["kind"]))
		return
	}
	var req ingestion.CommandJSON
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}
	respond(w)(s.service.submit(r.Context(), kind, &req))
}

func historyRequest(r *http.Request, p map[string]string) (*HistoryRequest, error) {
	q := r.URL.Query()
	req := &HistoryRequest{UserID: p["user_id"], Role: q.Get("role")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		req.Before = n
	}
	return req, nil
}

// respond adapts a service call's (response, error) pair into an HTTP reply.
func respond(w http.ResponseWriter) func(any, error) {
	return func(resp any, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
