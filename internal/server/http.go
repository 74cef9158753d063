package server

import (
	"RewardLedger/internal/distribution"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Queries is the read side the HTTP API serves. *query.QueryService implements it.
type Queries interface {
	GetEpoch(ctx context.Context, epoch int64) (*query.EpochResponse, error)
	LatestEpoch(ctx context.Context) (*query.EpochResponse, error)
	GetUserProof(ctx context.Context, epoch int64, addr common.Address) (*query.UserProofResponse, error)
	GetUserHistory(ctx context.Context, addr common.Address, limit int, beforeEpoch *int64) ([]query.UserProofResponse, error)
	VerifyIntegrity(ctx context.Context, epoch int64) (*query.IntegrityReport, error)
}

// ServerDeps holds everything the HTTP API needs.
type ServerDeps struct {
	Queries       Queries
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	CORSOrigins   []string
	Logger        zerolog.Logger
}

// HTTPServer serves the claim API, health probes and /metrics.
type HTTPServer struct {
	router     *chi.Mux
	httpServer *http.Server
	addr       string
	deps       *ServerDeps
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		router: chi.NewRouter(),
		addr:   addr,
		deps:   deps,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) setupRoutes() {
	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if s.deps.HealthChecker != nil {
		s.router.Get("/healthz", s.deps.HealthChecker.LivenessHandler)
		s.router.Get("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.metricsMiddleware)
		r.Get("/epochs/latest", s.handleLatestEpoch)
		r.Get("/epochs/{epoch}", s.handleGetEpoch)
		r.Get("/epochs/{epoch}/users/{address}", s.handleGetUserProof)
		r.Get("/epochs/{epoch}/integrity", s.handleVerifyIntegrity)
		r.Get("/users/{address}/history", s.handleUserHistory)
	})
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.deps.Metrics == nil {
			return
		}
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		s.deps.Metrics.QueryRequests.WithLabelValues(path, strconv.Itoa(ww.Status())).Inc()
		s.deps.Metrics.QueryDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *HTTPServer) handleLatestEpoch(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Queries.LatestEpoch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	resp, err := s.deps.Queries.GetEpoch(r.Context(), epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetUserProof(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	resp, err := s.deps.Queries.GetUserProof(r.Context(), epoch, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	resp, err := s.deps.Queries.VerifyIntegrity(r.Context(), epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("before must be an epoch number"))
			return
		}
		before = &n
	}

	resp, err := s.deps.Queries.GetUserHistory(r.Context(), addr, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resp == nil {
		resp = []query.UserProofResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": resp})
}

// ============================================================================
// Helpers
// ============================================================================

func epochParam(r *http.Request) (int64, error) {
	epoch, err := strconv.ParseInt(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil || epoch < 0 {
		return 0, fmt.Errorf("invalid epoch %q", chi.URLParam(r, "epoch"))
	}
	return epoch, nil
}

func addressParam(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "address"))
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	if errors.Is(err, distribution.ErrNotFinalized) {
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
		return
	}
	s.deps.Logger.Error().Err(err).Msg("query failed")
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
