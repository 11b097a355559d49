package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rootscope/internal/app"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	app     *app.App
	srv     *http.Server
	handler *Handler
	logger  *slog.Logger
}

// New creates a new server instance over the wired components.
func New(a *app.App) *Server {
	cfg := a.Config

	var archive Archive
	if a.DB != nil {
		archive = a.DB
	}
	handler := NewHandler(cfg, a.Orchestrator, a.Harness, archive, a.Logger)
	if a.Slack != nil {
		handler.SetNotifier(a.Slack)
	}
	router := SetupRouter(handler, a.Logger)

	// Experiments block until the incident is observed and ranked.
	write := cfg.Harness.GetObserveTimeoutDuration() + cfg.Reasoning.GetTimeoutDuration() + 30*time.Second

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: write,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		app:     a,
		srv:     srv,
		handler: handler,
		logger:  a.Logger,
	}
}

// Start starts the HTTP server and blocks until it stops. A graceful
// shutdown is not an error.
func (s *Server) Start() error {
	s.app.StartIngest()
	s.logger.Info("Server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	s.app.Close()
	return err
}
