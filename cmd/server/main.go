// PayBroker - payment brokering across card processors
package main

import (
	"context"
	"os"

	"github.com/paybroker/paybroker/internal/config"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/server"
	"github.com/paybroker/paybroker/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting paybroker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"backend", cfg.Backend,
		"mode", cfg.Mode,
		"broker", cfg.BrokerName,
	)

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
