// Package httpd serves the engine's status and metrics over HTTP.
package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/metrics"
)

// Engine is the view of a running dataflow the server reports on.
type Engine interface {
	Metrics() metrics.Snapshot
}

// StatusFunc supplies the current run status for /status.
type StatusFunc func() any

// Server hosts the read-only observability endpoints: /status, /metrics
// and /health.
type Server struct {
	addr   string
	status StatusFunc
	engine Engine
	http   *http.Server
	log    zerolog.Logger
}

// New builds a server on addr.
func New(addr string, status StatusFunc, engine Engine) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		engine: engine,
		log:    logger.GetLogger("httpd"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.CleanPath)
	router.Use(middleware.RequestID)
	router.Use(middleware.Heartbeat("/health"))
	router.Get("/status", s.handleStatus)
	router.Get("/metrics", s.handleMetrics)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, true, s.status(), "")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, true, s.engine.Metrics(), "")
}

type responseModel struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func sendResponse(w http.ResponseWriter, success bool, data any, errorMsg string) {
	w.Header().Set("Content-Type", "application/json")
	if !success {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(responseModel{Success: success, Data: data, Error: errorMsg}); err != nil {
		http.Error(w, `{"success":false,"error":"Internal Server Error"}`, http.StatusInternalServerError)
	}
}
