package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/query"
)

// Server hosts the gRPC endpoint (health + reflection) and the
// HTTP/JSON API for queries and admin operations.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthService *health.Server
	deps          *Deps
}

// Deps holds the dependencies of the API handlers.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

func NewServer(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthService := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthService)
	healthService.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		healthService: healthService,
		deps:          deps,
	}
}

// SetServing flips the gRPC health status once recovery completes.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthService.SetServingStatus("", status)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API server (blocking). HTTP/JSON is
// for tooling, dashboards, curl; NATS carries the event firehose.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account_id}", s.handleGetAccount},
		{"GET", "/v1/accounts/{account_id}/margin", s.handleGetMargin},
		{"GET", "/v1/accounts/{account_id}/positions/token", s.handleGetTokenPositions},
		{"GET", "/v1/accounts/{account_id}/positions/liquidity", s.handleGetLiquidityPositions},
		{"GET", "/v1/accounts/{account_id}/journal", s.handleGetJournal},
		{"GET", "/v1/accounts/{account_id}/liquidations", s.handleGetLiquidations},
		{"GET", "/v1/owners/{owner_id}/accounts", s.handleGetAccountsByOwner},
		{"GET", "/v1/pools/{pool_id}/funding", s.handleGetFundingHistory},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/event-log", s.handleEventLogInfo},
		{"POST", "/v1/admin/rebuild-projections", s.handleRebuildProjections},
		{"POST", "/v1/admin/inject/margin", s.handleInjectMargin},
		{"POST", "/v1/admin/inject/profit", s.handleInjectProfit},
		{"POST", "/v1/admin/inject/oracle-round", s.handleInjectOracleRound},
		{"POST", "/v1/admin/inject/liquidation", s.handleInjectLiquidation},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}

	resp, err := s.deps.QueryService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetAccountsByOwner(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner_id: %w", err))
		return
	}

	accounts, err := s.deps.QueryService.GetAccountsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleGetMargin(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}

	resp, err := s.deps.QueryService.GetMargin(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetTokenPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}

	positions, err := s.deps.QueryService.GetTokenPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetLiquidityPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}

	positions, err := s.deps.QueryService.GetLiquidityPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}
	limit := queryLimit(r, 100, 500)
	before := queryCursor(r)

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), accountID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"journal": entries})
}

func (s *Server) handleGetLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, ok := pathUint64(w, params, "account_id")
	if !ok {
		return
	}
	limit := queryLimit(r, 50, 100)

	liquidations, err := s.deps.QueryService.GetLiquidationHistory(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"liquidations": liquidations})
}

func (s *Server) handleGetFundingHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID := params["pool_id"]
	if poolID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("pool_id is required"))
		return
	}
	limit := queryLimit(r, 50, 100)
	before := queryCursor(r)

	history, err := s.deps.QueryService.GetFundingHistory(r.Context(), poolID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"funding": history})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.ResetProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"reset":  true,
		"detail": "projections cleared; restart the service to rebuild from the event log",
	})
}

type injectMarginRequest struct {
	AccountID    uint64 `json:"account_id"`
	CollateralID string `json:"collateral_id"`
	Amount       string `json:"amount"`
}

func (s *Server) handleInjectMargin(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectMarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q", req.Amount))
		return
	}

	if err := s.deps.IngestService.InjectMarginAdd(r.Context(), req.AccountID, req.CollateralID, amount); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

type injectProfitRequest struct {
	AccountID uint64 `json:"account_id"`
	Delta     string `json:"delta"`
}

func (s *Server) handleInjectProfit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectProfitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	delta, ok := new(big.Int).SetString(req.Delta, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid delta %q", req.Delta))
		return
	}

	if err := s.deps.IngestService.InjectProfitUpdate(r.Context(), req.AccountID, delta); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

type injectOracleRoundRequest struct {
	OracleID string `json:"oracle_id"`
	Price    string `json:"price"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) handleInjectOracleRound(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectOracleRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid price %q", req.Price))
		return
	}

	if err := s.deps.IngestService.InjectOracleRound(r.Context(), req.OracleID, price, req.Sequence); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

type injectLiquidationRequest struct {
	Kind      string `json:"kind"` // "range" | "token"
	AccountID uint64 `json:"account_id"`
	KeeperID  uint64 `json:"keeper_id"`
	Pool      string `json:"pool,omitempty"`
}

func (s *Server) handleInjectLiquidation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectLiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	var err error
	switch req.Kind {
	case "range":
		err = s.deps.IngestService.InjectRangeLiquidation(r.Context(), req.AccountID, req.KeeperID)
	case "token":
		err = s.deps.IngestService.InjectTokenLiquidation(r.Context(), req.AccountID, req.KeeperID, req.Pool)
	default:
		err = fmt.Errorf("unknown liquidation kind %q", req.Kind)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]interface{}{"accepted": true})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func pathUint64(w http.ResponseWriter, params map[string]string, key string) (uint64, bool) {
	v, err := strconv.ParseUint(params[key], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", key, err))
		return 0, false
	}
	return v, true
}

func queryLimit(r *http.Request, def, max int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func queryCursor(r *http.Request) *int64 {
	s := r.URL.Query().Get("before_sequence")
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
