// Package health provides a simple HTTP health check endpoint.
//
// Docker and Kubernetes use this endpoint to monitor the daemon's liveness.
// When the daemon is running and ready to accept calls, /healthz returns
// 200 OK along with the number of active sessions.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// SessionCounter reports the number of live call sessions.
type SessionCounter interface {
	Count() int
}

// Server is a lightweight HTTP server that exposes /healthz and /readyz.
type Server struct {
	port     int
	ready    atomic.Bool
	sessions SessionCounter
	server   *http.Server
}

// New creates a new health check server. sessions may be nil.
func New(port int, sessions SessionCounter) *Server {
	return &Server{port: port, sessions: sessions}
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()

	check := func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"status": "ok"}
		if s.sessions != nil {
			payload["active_sessions"] = s.sessions.Count()
		}
		if !s.ready.Load() {
			payload["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(payload)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
	}

	mux.HandleFunc("GET /healthz", check)
	mux.HandleFunc("GET /readyz", check)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
