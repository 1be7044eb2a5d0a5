package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"VaultCore/internal/core"
	"VaultCore/internal/observability"
	"VaultCore/internal/oracle"
	"VaultCore/internal/query"
	"VaultCore/internal/service"
	"VaultCore/internal/state"
)

// Server exposes the vault API over HTTP/JSON plus a gRPC endpoint carrying
// health and reflection. JSON routes are registered on a gateway mux so the
// HTTP surface keeps gateway path-matching and marshaling semantics.
type Server struct {
	logger        zerolog.Logger
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	svc           *service.Service
	queries       *query.QueryService
	metrics       *observability.Metrics
	healthChecker *observability.HealthChecker
}

// Deps holds the collaborators the API serves from. Queries may be nil when
// the service runs without Postgres; the event endpoints then return 503.
type Deps struct {
	Service       *service.Service
	Queries       *query.QueryService
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
}

func New(grpcAddr, httpAddr string, deps Deps, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	return &Server{
		logger:        logger,
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		svc:           deps.Service,
		queries:       deps.Queries,
		metrics:       deps.Metrics,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
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
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
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
		{"POST", "/v1/vault/deposit/initiate", s.handleInitiateDeposit},
		{"POST", "/v1/vault/deposit/validate", s.handleValidateDeposit},
		{"POST", "/v1/vault/withdrawal/initiate", s.handleInitiateWithdrawal},
		{"POST", "/v1/vault/withdrawal/validate", s.handleValidateWithdrawal},
		{"POST", "/v1/long/open/initiate", s.handleInitiateOpen},
		{"POST", "/v1/long/open/validate", s.handleValidateOpen},
		{"POST", "/v1/long/close/initiate", s.handleInitiateClose},
		{"POST", "/v1/long/close/validate", s.handleValidateClose},
		{"POST", "/v1/keeper/liquidate", s.handleLiquidate},
		{"POST", "/v1/keeper/validate-actionable", s.handleValidateActionable},
		{"POST", "/v1/admin/params", s.handleUpdateParams},
		{"GET", "/v1/state", s.handleGetState},
		{"GET", "/v1/position/{tick}/{version}/{index}", s.handleGetPosition},
		{"GET", "/v1/pending/{user}", s.handleGetPending},
		{"GET", "/v1/min-liquidation-price", s.handleMinLiquidationPrice},
		{"GET", "/v1/events", s.handleListEvents},
		{"GET", "/v1/users/{user}/events", s.handleUserEvents},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// --- request/response plumbing ----------------------------------------------

// actionRequest carries the common fields of every mutating call. PriceBlob
// is the oracle payload the caller funds validation with.
type actionRequest struct {
	User       string `json:"user"`
	Caller     string `json:"caller"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
	Stable     string `json:"stable"`
	Leverage   int64  `json:"leverage"`
	Iterations int    `json:"iterations"`
	Timestamp  int64  `json:"timestamp_s"`
	PriceBlob  []byte `json:"price_blob"`
	OracleFee  int64  `json:"oracle_fee"`

	Ref struct {
		Tick    int64  `json:"tick"`
		Version uint64 `json:"version"`
		Index   int    `json:"index"`
	} `json:"ref"`
}

func decodeAction(r *http.Request) (*actionRequest, error) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidParameter):
		code = http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, core.ErrNoPendingAction),
		errors.Is(err, state.ErrOutdatedPositionReference):
		code = http.StatusNotFound
	case errors.Is(err, state.ErrPendingActionExists):
		code = http.StatusConflict
	case errors.Is(err, core.ErrPaymentCallbackFailed),
		errors.Is(err, oracle.ErrInsufficientOracleFee):
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// --- vault handlers ---------------------------------------------------------

func (s *Server) handleInitiateDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	to, err := parseOptionalUUID(req.To)
	if err != nil {
		writeError(w, fmt.Errorf("to: %v: %w", err, core.ErrInvalidParameter))
		return
	}

	if err := s.svc.InitiateDeposit(r.Context(), user, to, req.Amount, req.Timestamp, req.PriceBlob, req.OracleFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleValidateDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleValidate(w, r, s.svc.ValidateDeposit)
}

func (s *Server) handleInitiateWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	to, err := parseOptionalUUID(req.To)
	if err != nil {
		writeError(w, fmt.Errorf("to: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	stable, ok := new(big.Int).SetString(req.Stable, 10)
	if !ok {
		writeError(w, fmt.Errorf("stable amount %q: %w", req.Stable, core.ErrInvalidParameter))
		return
	}

	if err := s.svc.InitiateWithdrawal(r.Context(), user, to, stable, req.Timestamp, req.PriceBlob, req.OracleFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleValidateWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleValidate(w, r, s.svc.ValidateWithdrawal)
}

// --- long side handlers -----------------------------------------------------

func (s *Server) handleInitiateOpen(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}

	ref, err := s.svc.InitiateOpenPosition(r.Context(), user, req.Amount, req.Leverage, req.Timestamp, req.PriceBlob, req.OracleFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending", "ref": ref})
}

func (s *Server) handleValidateOpen(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleValidate(w, r, s.svc.ValidateOpenPosition)
}

func (s *Server) handleInitiateClose(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	to, err := parseOptionalUUID(req.To)
	if err != nil {
		writeError(w, fmt.Errorf("to: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	ref := state.PositionRef{Tick: req.Ref.Tick, Version: req.Ref.Version, Index: req.Ref.Index}

	if err := s.svc.InitiateClosePosition(r.Context(), user, to, ref, req.Timestamp, req.PriceBlob, req.OracleFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleValidateClose(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleValidate(w, r, s.svc.ValidateClosePosition)
}

// handleValidate is the shared body of the four validate endpoints.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request,
	validate func(ctx context.Context, caller, user uuid.UUID, timestamp int64, priceBlob []byte, feePaid int64) error,
) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	caller := user
	if req.Caller != "" {
		caller, err = uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, fmt.Errorf("caller: %v: %w", err, core.ErrInvalidParameter))
			return
		}
	}

	if err := validate(r.Context(), caller, user, req.Timestamp, req.PriceBlob, req.OracleFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "validated"})
}

// --- keeper handlers --------------------------------------------------------

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}

	res, err := s.svc.Liquidate(r.Context(), req.Iterations, req.Timestamp, req.PriceBlob, req.OracleFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidateActionable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := decodeAction(r)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, core.ErrInvalidParameter))
		return
	}
	caller, err := parseOptionalUUID(req.Caller)
	if err != nil {
		writeError(w, fmt.Errorf("caller: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	maxIter := req.Iterations
	if maxIter <= 0 {
		maxIter = 16
	}

	if err := s.svc.ValidateActionable(r.Context(), caller, maxIter, req.Timestamp, req.PriceBlob, req.OracleFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- admin and view handlers ------------------------------------------------

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var p state.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, fmt.Errorf("decode params: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	if err := s.svc.UpdateParams(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	tick, err1 := strconv.ParseInt(params["tick"], 10, 64)
	version, err2 := strconv.ParseUint(params["version"], 10, 64)
	index, err3 := strconv.Atoi(params["index"])
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, fmt.Errorf("position reference: %w", core.ErrInvalidParameter))
		return
	}

	pos, err := s.svc.Position(state.PositionRef{Tick: tick, Version: version, Index: index})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := uuid.Parse(params["user"])
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}

	a, ok := s.svc.PendingActionOf(user)
	if !ok {
		writeError(w, core.ErrNoPendingAction)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleMinLiquidationPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	price, err := strconv.ParseInt(r.URL.Query().Get("price"), 10, 64)
	if err != nil || price <= 0 {
		writeError(w, fmt.Errorf("price query parameter: %w", core.ErrInvalidParameter))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"min_liquidation_price": s.svc.GetMinLiquidationPrice(price)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.queries == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event log not configured"})
		return
	}

	q := r.URL.Query()
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	start := time.Now()
	events, err := s.queries.ListEvents(r.Context(), from, q.Get("type"), limit)
	s.observeQuery("list_events", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.queries == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event log not configured"})
		return
	}

	user, err := uuid.Parse(params["user"])
	if err != nil {
		writeError(w, fmt.Errorf("user: %v: %w", err, core.ErrInvalidParameter))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	start := time.Now()
	events, err := s.queries.ListUserEvents(r.Context(), user, limit)
	s.observeQuery("user_events", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) observeQuery(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
