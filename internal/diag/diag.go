// Package diag provides the HTTP diagnostics surface for madengine:
// Prometheus metrics, health/readiness checks, and pprof profiling.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madsys-dev/MadEngine/internal/logger"
)

// ReadyChecker reports whether the engine is ready to accept calls.
type ReadyChecker interface {
	Ready() error
}

// Server provides HTTP endpoints for metrics, health, readiness, and
// profiling alongside a running engine.
type Server struct {
	server *http.Server
	log    *logger.Logger
}

// NewServer creates an HTTP diagnostics server bound to port, checking
// engine readiness via ready.
func NewServer(port int, ready ReadyChecker, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"madengine"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := ready.Ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(fmt.Sprintf(`{"status":"not_ready","reason":%q}`, err.Error())))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{server: srv, log: log}
}

// Start runs the diagnostics HTTP server, blocking until Shutdown is
// called or the server fails.
func (s *Server) Start() error {
	s.log.Info("starting diagnostics server").Str("addr", s.server.Addr).Send()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diagnostics server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down diagnostics server").Send()
	return s.server.Shutdown(ctx)
}
