// Package app wires the event store, repositories, buses and projection
// engine from configuration. Every binary builds its stack through Build.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/campaign-core/internal/bus"
	"github.com/unclebandit/campaign-core/internal/config"
	"github.com/unclebandit/campaign-core/internal/db"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/projection"
	"github.com/unclebandit/campaign-core/internal/repository"
	"github.com/unclebandit/campaign-core/internal/service"
)

type App struct {
	Config    config.Config
	Log       *slog.Logger
	Store     eventstore.Store
	// Checkpoints live next to the events, so consumers resume where
	// they stopped.
	Checkpoints eventstore.Checkpoints
	Campaigns *repository.CampaignRepository
	Views     repository.CampaignViewRepositoryInterface
	Commands  *bus.CommandBus
	Queries   *bus.QueryBus
	Engine    *projection.Engine

	closers []func() error
}

// Build opens the configured backends and registers every handler.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	var pg *sql.DB
	postgres := func() (*sql.DB, error) {
		if pg != nil {
			return pg, nil
		}
		conn, err := db.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		pg = conn
		a.closers = append(a.closers, conn.Close)
		return pg, nil
	}

	broker := eventstore.NewBroker(log)
	a.closers = append(a.closers, func() error { broker.Close(); return nil })

	switch cfg.EventStoreDriver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, a.fail(err)
		}
		a.closers = append(a.closers, conn.Close)
		a.Store = eventstore.NewSQLiteStore(conn, eventstore.WithBroker(broker), eventstore.WithLogger(log))
		a.Checkpoints = eventstore.NewSQLiteCheckpoints(conn)
	case config.DriverPostgres:
		conn, err := postgres()
		if err != nil {
			return nil, a.fail(err)
		}
		store := eventstore.NewPostgresStore(conn, eventstore.WithBroker(broker), eventstore.WithLogger(log))
		// Without notifications the tail still sees other processes'
		// appends at the poll interval.
		if l, err := eventstore.ListenForAppends(cfg.DatabaseURL, store, log); err != nil {
			log.Warn("append notifications unavailable, polling only", "error", err)
		} else {
			a.closers = append(a.closers, l.Close)
		}
		a.Store = store
		a.Checkpoints = eventstore.NewPostgresCheckpoints(conn)
	default:
		a.Store = eventstore.NewMemoryStore(eventstore.WithBroker(broker), eventstore.WithLogger(log))
		a.Checkpoints = eventstore.NewMemoryCheckpoints()
	}

	switch cfg.ViewStoreDriver {
	case config.DriverPostgres:
		conn, err := postgres()
		if err != nil {
			return nil, a.fail(err)
		}
		a.Views = repository.NewPostgresCampaignViewRepository(conn)
	case config.DriverRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, a.fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, a.fail(fmt.Errorf("ping redis: %w", err))
		}
		a.closers = append(a.closers, client.Close)
		a.Views = repository.NewRedisCampaignViewRepository(client, cfg.RedisPrefix)
	default:
		a.Views = repository.NewMemoryCampaignViewRepository()
	}

	a.Campaigns = repository.NewCampaignRepository(a.Store)
	a.Commands = bus.NewCommandBus(bus.Options{Timeout: cfg.DispatchTimeout, Logger: log})
	a.Queries = bus.NewQueryBus(bus.Options{Timeout: cfg.DispatchTimeout, Logger: log})

	commands := &service.CampaignCommandService{
		Repo:        a.Campaigns,
		MaxAttempts: cfg.CommandMaxAttempts,
		Log:         log,
	}
	if err := commands.Register(a.Commands); err != nil {
		return nil, a.fail(err)
	}
	queries := &service.CampaignQueryService{Views: a.Views}
	if err := queries.Register(a.Queries); err != nil {
		return nil, a.fail(err)
	}

	a.Engine = projection.NewEngine(a.Store, a.Views, projection.CampaignListProjector{}, projection.Options{
		CatchUp: true,
		Logger:  log,
	})
	return a, nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}
