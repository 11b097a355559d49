// Package main runs the rootscope HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rootscope/internal/app"
	"rootscope/internal/config"
	"rootscope/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.App, os.Stdout)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	srv := server.New(a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err)
			a.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}
}
