// ============================================================================
// hotworker Admin API - HTTP 管理介面與操作提交端點
// ============================================================================
//
// Package: internal/admin
// File: server.go
// Purpose: A thin transport adapter over the supervisor and the table store
//
// Routes:
//   GET    /healthz                    200 ok | 503 degraded
//   GET    /metrics                    Prometheus
//   GET    /v1/stats                   pool statistics
//   GET    /v1/workers                 worker snapshots
//   POST   /v1/operations              submit one operation and wait for it
//   GET    /v1/tables                  table summaries
//   GET    /v1/tables/{name}/{key}     read a row
//   PUT    /v1/tables/{name}/{key}     write a row
//   DELETE /v1/tables/{name}/{key}     delete a row
//
// ============================================================================

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/hotworker/internal/table"
	"github.com/ChuLiYu/hotworker/internal/timeout"
	"github.com/ChuLiYu/hotworker/internal/worker"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodySize       = 1 << 20 // 1 MB
)

// Pool is the part of the supervisor the admin API uses.
type Pool interface {
	Do(ctx context.Context, op *types.Operation) (types.Completion, error)
	Workers() []types.WorkerStatus
	Stats() worker.Stats
	Degraded() bool
}

// Server wraps the chi router and its dependencies.
type Server struct {
	router  *chi.Mux
	pool    Pool
	tables  *table.Store
	metrics http.Handler
	logger  *slog.Logger
	addr    string
}

// NewServer creates the admin server. metrics may be nil.
func NewServer(addr string, pool Pool, tables *table.Store, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tables == nil {
		tables = table.NewStore()
	}
	srv := &Server{
		router:  chi.NewRouter(),
		pool:    pool,
		tables:  tables,
		metrics: metrics,
		logger:  logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Get("/v1/stats", s.handleStats)
	s.router.Get("/v1/workers", s.handleWorkers)
	s.router.Post("/v1/operations", s.handleSubmit)

	s.router.Route("/v1/tables", func(r chi.Router) {
		r.Get("/", s.handleListTables)
		r.Get("/{name}/{key}", s.handleGetRow)
		r.Put("/{name}/{key}", s.handlePutRow)
		r.Delete("/{name}/{key}", s.handleDeleteRow)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	s.logger.Info("admin stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ============================================================================
// Handlers
// ============================================================================

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool.Degraded() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Workers())
}

// submitRequest is the JSON body for POST /v1/operations.
type submitRequest struct {
	Kind    types.OperationKind `json:"kind"`
	Payload json.RawMessage     `json:"payload"`
}

// completionResponse adds the error text that Completion does not marshal.
type completionResponse struct {
	types.Completion
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = types.KindRequest
	}
	if !req.Kind.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation kind %q", req.Kind))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	c, err := s.pool.Do(r.Context(), types.NewOperation(req.Kind, payload))
	switch {
	case errors.Is(err, worker.ErrStopped), errors.Is(err, worker.ErrNotStarted):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	resp := completionResponse{Completion: c, TimedOut: timeout.Expired(c.Err)}
	if c.Err != nil {
		resp.Error = c.Err.Error()
	}
	status := http.StatusOK
	switch c.Outcome {
	case types.OutcomeFailed:
		status = http.StatusInternalServerError
	case types.OutcomeTimedOut:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tables.Describe())
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	row, err := s.tables.Get(name, key)
	if err != nil {
		s.writeTableError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) handlePutRow(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	tbl, err := s.tables.Table(name)
	if err != nil {
		s.writeTableError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	row, err := rowFromJSON(tbl.Schema(), raw)
	if err != nil {
		s.writeTableError(w, err)
		return
	}
	if err := tbl.Put(key, row); err != nil {
		s.writeTableError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	name, key := chi.URLParam(r, "name"), chi.URLParam(r, "key")
	if err := s.tables.Delete(name, key); err != nil {
		s.writeTableError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rowFromJSON converts decoded JSON numbers to the column types. Values
// for unknown columns are passed through so the table reports them.
func rowFromJSON(schema table.Schema, raw map[string]any) (table.Row, error) {
	row := make(table.Row, len(raw))
	for name, v := range raw {
		col, ok := schema.Column(name)
		n, isNum := v.(json.Number)
		switch {
		case ok && isNum && col.Type == table.TypeInt:
			i, err := n.Int64()
			if err != nil {
				return nil, &table.SchemaError{Column: name, Reason: "not an integer"}
			}
			row[name] = i
		case ok && isNum && col.Type == table.TypeFloat:
			f, err := n.Float64()
			if err != nil {
				return nil, &table.SchemaError{Column: name, Reason: "not a number"}
			}
			row[name] = f
		default:
			row[name] = v
		}
	}
	return row, nil
}

func (s *Server) writeTableError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, table.ErrTableNotFound), errors.Is(err, table.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, table.ErrCapacityExceeded):
		s.writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, table.ErrSchemaMismatch):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("table operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "table operation failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
