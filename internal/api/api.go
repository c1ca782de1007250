// Package api provides HTTP handlers and the main API server logic for
// CallFlow.
//
// It exposes the session bootstrap contract: starting sessions, reporting
// their status, routing text-channel turns, streaming speech events over
// WebSocket, and terminating sessions.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CallFlow/internal/session"
)

// Server configuration constants
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds reading a request including the body.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds writing a response. WebSocket connections
	// are exempted by hijacking.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server hosts the CallFlow HTTP API.
type Server struct {
	addr     string
	sessions *session.Manager
	httpSrv  *http.Server
}

// NewServer creates an API server over the given session manager.
func NewServer(sessions *session.Manager, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		addr:     cfg.Addr,
		sessions: sessions,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionSubresourceHandler)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	return s, nil
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: CallFlow API listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	s.sessions.Shutdown(shutdownCtx)
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// sessionSubresourceHandler routes /sessions/{id}, /sessions/{id}/status,
// /sessions/{id}/message, and /sessions/{id}/stream.
func (s *Server) sessionSubresourceHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.sessionHandler(w, r, id)
	case "status":
		s.statusHandler(w, r, id)
	case "message":
		s.messageHandler(w, r, id)
	case "stream":
		s.streamHandler(w, r, id)
	default:
		http.NotFound(w, r)
	}
}
