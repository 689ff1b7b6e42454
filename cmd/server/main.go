package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sentriq/badgewatch/internal/config"
	"github.com/sentriq/badgewatch/internal/logging"
	"github.com/sentriq/badgewatch/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"max_rows", cfg.Pipeline.MaxRows,
		"rules_file", cfg.Pipeline.RulesFile,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Load the pipeline definition; no file means the built-in access-event
	// schema and rules.
	var pf *config.PipelineFile
	if cfg.Pipeline.RulesFile != "" {
		pf, err = config.LoadPipelineFile(cfg.Pipeline.RulesFile)
		if err != nil {
			slog.Error("failed to load pipeline file", "path", cfg.Pipeline.RulesFile, "error", err)
			os.Exit(1)
		}
		slog.Info("pipeline file loaded", "path", cfg.Pipeline.RulesFile)
	}

	pipe, err := config.BuildPipeline(pf, cfg.Pipeline)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("pipeline ready",
		"fields", len(pipe.Registry().Fields()),
		"rules", len(pipe.Rules()),
	)

	server := web.NewServer(cfg, pipe)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
