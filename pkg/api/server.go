// Package api assembles the authority HTTP server: router, middleware
// and lifecycle management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
)

// Server provides the authority HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests; it blocks until the context is cancelled or the listener
// fails, then shuts down gracefully within the configured timeout.
type Server struct {
	server       *http.Server
	cfg          *config.Config
	shutdownOnce sync.Once
}

// NewServer creates a new authority HTTP server from the config and the
// shared state in deps.
func NewServer(cfg *config.Config, deps RouterDeps) *Server {
	router := NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{server: server, cfg: cfg}
}

// Start starts the HTTP server and blocks until the context is cancelled
// or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and
// returns nil on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Don't use the cancelled ctx, it would abort shutdown immediately
		timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Stop is safe to call multiple times and safe to call concurrently with
// Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.cfg.Server.Port
}
