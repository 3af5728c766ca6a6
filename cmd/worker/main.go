package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/campaign-core/internal/app"
	"github.com/unclebandit/campaign-core/internal/config"
	"github.com/unclebandit/campaign-core/internal/logger"
	"github.com/unclebandit/campaign-core/internal/scheduler"
)

// The worker executes scheduled campaign starts. It needs a shared event
// store (sqlite or postgres) to see the campaigns the server created.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if cfg.EventStoreDriver == config.DriverMemory {
		log.Warn("worker uses the memory event store; it cannot see campaigns created by the server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build worker", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	worker, err := scheduler.NewWorker(cfg.RedisURL, cfg.SchedulerQueue, cfg.SchedulerConcurrency, a.Commands, log)
	if err != nil {
		log.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	log.Info("worker running, waiting for scheduled starts", "queue", cfg.SchedulerQueue)
	if err := worker.Run(ctx); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
