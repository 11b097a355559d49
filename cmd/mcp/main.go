// Package main provides the entry point for the rootscope MCP (Model Context Protocol) server.
package main

import (
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"rootscope/internal/app"
	"rootscope/internal/config"
	mcpsrv "rootscope/internal/mcp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// stdout carries the protocol, so logs go to stderr.
	logger := app.NewLogger(cfg.App, os.Stderr)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	a.StartIngest()

	// Initialize the core MCP server instance.
	s := server.NewMCPServer(
		"rootscope-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	// Bind the analysis and experiment tools to the MCP server.
	mcpsrv.New(cfg, a.Orchestrator, a.Harness).RegisterTools(s)

	logger.Info("rootscope MCP server listening on stdio...")
	// Start serving the MCP protocol over standard input/output streams.
	if err := server.ServeStdio(s); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
