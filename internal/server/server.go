// Package server exposes the dispatcher, replay verifier and ledger reads
// over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/metrics"
	"github.com/roach88/evidence/internal/replay"
	"github.com/roach88/evidence/internal/store"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ShutdownTimeout bounds graceful shutdown in Run.
const ShutdownTimeout = 5 * time.Second

// Server routes HTTP requests to the engine.
type Server struct {
	dispatcher *engine.Dispatcher
	verifier   *replay.Verifier
	store      *store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	router     *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request counts and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the server and its routes.
func New(d *engine.Dispatcher, v *replay.Verifier, st *store.Store, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		verifier:   v,
		store:      st,
		logger:     slog.Default(),
		router:     mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestID, s.logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/runs", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{run_id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{run_id}/evidence", s.handleEvidence).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{run_id}/replay", s.handleReplayRun).Methods(http.MethodGet)
	v1.HandleFunc("/replay", s.handleReplay).Methods(http.MethodPost)
	v1.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)
	v1.HandleFunc("/partitions/{key}", s.handlePartition).Methods(http.MethodGet)
	v1.HandleFunc("/treasury", s.handleTreasury).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if v := r.URL.Query().Get("verify"); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, engine.NewValidationError(req.RunID, errors.New("verify must be a boolean")))
			return
		}
		req.Verify = verify
	}

	res, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, engine.NewNotFound(runID))
		return
	}
	if err != nil {
		writeError(w, engine.NewInternal(runID, err))
		return
	}
	writeJSON(w, http.StatusOK, run.Result)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, err := s.store.LoadRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, engine.NewNotFound(runID))
		return
	}
	if err != nil {
		writeError(w, engine.NewInternal(runID, err))
		return
	}
	bundle, err := evidence.NewBundle(run)
	if err != nil {
		writeError(w, engine.NewValidationError(runID, err))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type replayRequest struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.replay(w, r, req.RunID)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	s.replay(w, r, mux.Vars(r)["run_id"])
}

// replay answers 200 for both outcomes; a mismatch is ok=false with diffs.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, runID string) {
	if !ir.ValidRunID(runID) {
		writeError(w, engine.NewValidationError(runID, errors.New("invalid run_id")))
		return
	}
	report, err := s.verifier.Replay(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type quoteRequest struct {
	Module  string    `json:"module"`
	Action  string    `json:"action"`
	Payload ir.Object `json:"payload"`
}

type quoteResponse struct {
	ScheduleVersion string       `json:"schedule_version"`
	FeeVector       ir.FeeVector `json:"fee_vector"`
	FeeTotal        int64        `json:"fee_total"`
	FeeAsset        string       `json:"fee_asset"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec := s.dispatcher.Executor()
	vector, err := exec.Quote(ir.ActionDescriptor{Module: req.Module, Action: req.Action, Payload: req.Payload})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		ScheduleVersion: exec.Fees().Version(),
		FeeVector:       vector,
		FeeTotal:        vector.Total(),
		FeeAsset:        exec.FeeAsset(),
	})
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	key := ir.PartitionKey(mux.Vars(r)["key"])
	if !key.Valid() {
		writeError(w, engine.NewValidationError("", errors.New("invalid partition key")))
		return
	}
	snap, err := s.store.Partition(r.Context(), key)
	if err != nil {
		writeError(w, engine.NewInternal("", err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type treasuryResponse struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	exec := s.dispatcher.Executor()
	balance, err := s.store.TreasuryBalance(r.Context(), exec.Treasury(), exec.FeeAsset())
	if err != nil {
		writeError(w, engine.NewInternal("", err))
		return
	}
	writeJSON(w, http.StatusOK, treasuryResponse{
		Address: exec.Treasury(),
		Asset:   exec.FeeAsset(),
		Balance: balance,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.HTTPRequest(route, strconv.Itoa(rec.status))
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", w.Header().Get(RequestIDHeader),
			"duration", time.Since(start),
		)
	})
}
