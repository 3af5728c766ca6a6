// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-core/internal/app"
	"github.com/unclebandit/campaign-core/internal/config"
	"github.com/unclebandit/campaign-core/internal/controller"
	"github.com/unclebandit/campaign-core/internal/logger"
	"github.com/unclebandit/campaign-core/internal/queue"
	"github.com/unclebandit/campaign-core/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	publisher, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	ctrl := &controller.CampaignController{
		Commands:    a.Commands,
		Queries:     a.Queries,
		History:     a.Campaigns,
		Projections: a.Engine,
		Log:         log,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ctrl.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error {
		relay := &queue.Relay{Store: a.Store, Checkpoints: a.Checkpoints, Publisher: publisher, Backoff: 500 * time.Millisecond, Log: log}
		return relay.Run(ctx)
	})

	if cfg.SchedulerEnabled {
		client, err := scheduler.NewClient(cfg.RedisURL, cfg.SchedulerQueue, log)
		if err != nil {
			return err
		}
		defer client.Close()
		g.Go(func() error { return scheduler.Watch(ctx, a.Store, a.Checkpoints, client, log) })

		if cfg.SchedulerWorker {
			worker, err := scheduler.NewWorker(cfg.RedisURL, cfg.SchedulerQueue, cfg.SchedulerConcurrency, a.Commands, log)
			if err != nil {
				return err
			}
			g.Go(func() error { return worker.Run(ctx) })
		}
	}

	g.Go(func() error {
		log.Info("server running", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newPublisher returns RabbitMQ when AMQP_URL is set, otherwise an in-memory
// queue whose subscriber logs each lifecycle message.
func newPublisher(cfg config.Config, log *slog.Logger) (queue.Publisher, error) {
	if cfg.AMQPURL != "" {
		return queue.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
	}
	q := queue.NewInMemoryQueue(log)
	for _, t := range queue.LifecycleEvents {
		topic := string(t)
		if err := q.Subscribe(topic, func(msg queue.Message) error {
			log.Info("lifecycle event", "topic", topic, "message_id", msg.ID, "aggregate_id", msg.Headers["aggregate_id"])
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return q, nil
}
