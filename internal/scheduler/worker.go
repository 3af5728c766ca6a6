package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/unclebandit/campaign-core/internal/bus"
	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/service"
)

// CommandDispatcher is the part of the command bus the worker needs.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, commandType string, payload any) (bus.CommandResult, error)
}

// Worker executes timed campaign starts.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	commands CommandDispatcher
	log      *slog.Logger
}

func NewWorker(redisURL, queue string, concurrency int, commands CommandDispatcher, log *slog.Logger) (*Worker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = "default"
	}
	if concurrency < 1 {
		concurrency = 10
	}
	if log == nil {
		log = slog.Default()
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	w := &Worker{
		server:   server,
		mux:      asynq.NewServeMux(),
		commands: commands,
		log:      log.With("component", "scheduler_worker"),
	}
	w.mux.HandleFunc(TaskCampaignStart, w.HandleCampaignStart)
	return w, nil
}

// Run serves tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.server == nil {
		return nil
	}
	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()
	if err := w.server.Run(w.mux); err != nil {
		return fmt.Errorf("scheduler worker stopped: %w", err)
	}
	return nil
}

// HandleCampaignStart dispatches StartSending for a scheduled campaign. A
// campaign that is no longer scheduled makes the task a no-op, so repeated
// deliveries are harmless.
func (w *Worker) HandleCampaignStart(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCampaignStartPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	res, err := w.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{
		ID:              payload.CampaignID,
		OnlyIfScheduled: true,
	})
	switch {
	case err == nil:
		w.log.Info("scheduled campaign started", "campaign_id", payload.CampaignID, "version", res.Version)
		return nil
	case errors.Is(err, appErrors.ErrInvalidTransition):
		w.log.Info("scheduled start skipped", "campaign_id", payload.CampaignID, "reason", err.Error())
		return nil
	case errors.Is(err, appErrors.ErrNotFound), errors.Is(err, appErrors.ErrValidationFailed):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}
