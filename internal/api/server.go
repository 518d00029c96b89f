// Package api exposes bulkprobe's operational HTTP surface: health,
// Prometheus metrics and read-only bulk scan listings.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

const defaultListLimit = 50

// BulkScanReader is the read-only persistence surface the server
// exposes.
type BulkScanReader interface {
	ListBulkScans(ctx context.Context, limit int) ([]*scan.BulkScan, error)
	GetBulkScan(ctx context.Context, id int64) (*scan.BulkScan, error)
}

// Server is the operational HTTP server.
type Server struct {
	server  *http.Server
	router  *mux.Router
	reader  BulkScanReader
	started time.Time
	log     *logging.Logger
}

// New creates a server listening on addr. The reader may be nil for
// processes without database access; the bulk scan routes then answer
// 404.
func New(addr string, reader BulkScanReader, registry *prometheus.Registry, requestTimeout time.Duration, log *logging.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		reader:  reader,
		started: time.Now(),
		log:     log.WithComponent("api"),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if reader != nil {
		s.router.HandleFunc("/bulks", s.handleListBulkScans).Methods(http.MethodGet)
		s.router.HandleFunc("/bulks/{id:[0-9]+}", s.handleGetBulkScan).Methods(http.MethodGet)
	}

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(s.requestLogger(s.router))

	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("operational HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request handled",
			"method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListBulkScans(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	bulkScans, err := s.reader.ListBulkScans(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list bulk scans", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list bulk scans")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bulk_scans": bulkScans})
}

func (s *Server) handleGetBulkScan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid bulk scan id")
		return
	}

	bulkScan, err := s.reader.GetBulkScan(r.Context(), id)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			s.writeError(w, http.StatusNotFound, "bulk scan not found")
			return
		}
		s.log.Error("failed to get bulk scan", "error", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to get bulk scan")
		return
	}
	s.writeJSON(w, http.StatusOK, bulkScan)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
