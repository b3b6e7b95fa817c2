package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/renja-g/CrateSync/internal/app"
	"github.com/renja-g/CrateSync/internal/config"
	"github.com/renja-g/CrateSync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()
	logger = logger.With("service", "cratesync")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}
