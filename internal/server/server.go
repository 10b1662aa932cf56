package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/acearchive/keeper/internal/engine"
	"github.com/acearchive/keeper/internal/metrics"
	"github.com/acearchive/keeper/internal/store"
)

// Records is the read side of the local store used by the API.
type Records interface {
	ListBackups(limit int) ([]store.BackupRecord, error)
	ListSessions(limit int) ([]store.SessionRecord, error)
}

// Server exposes the progress of a running backup over HTTP.
type Server struct {
	records    Records
	logger     *slog.Logger
	httpServer *http.Server

	// heartbeat is the SSE keep-alive interval.
	heartbeat time.Duration

	mu      sync.RWMutex
	session *engine.Session
}

// NewServer creates a new Server instance. records may be nil.
func NewServer(records Records, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		records:   records,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// SetSession installs the session whose progress is served. The previous
// session stays visible until it is replaced.
func (s *Server) SetSession(sess *engine.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Server) activeSession() *engine.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Start starts the HTTP server on the given listen address. It blocks until
// the server stops.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the progress stream stays open for the whole run.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting status server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/progress", s.handleAPIProgress)
	mux.HandleFunc("POST /api/cancel", s.handleAPICancel)
	mux.HandleFunc("GET /api/backups", s.handleAPIBackups)
	mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/status", http.StatusFound)
	})

	return mux
}
