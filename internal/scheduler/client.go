package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/model"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client enqueues timed campaign starts.
type Client struct {
	client enqueuer
	queue  string
	log    *slog.Logger
}

type StartScheduler interface {
	ScheduleStart(ctx context.Context, payload CampaignStartPayload) error
}

func NewClient(redisURL, queue string, log *slog.Logger) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return newClient(asynq.NewClient(opt), queue, log), nil
}

func newClient(e enqueuer, queue string, log *slog.Logger) *Client {
	if queue == "" {
		queue = "default"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{client: e, queue: queue, log: log.With("component", "scheduler")}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// ScheduleStart enqueues the start at payload.SendAt. A task already queued
// for the same schedule is not an error.
func (c *Client) ScheduleStart(ctx context.Context, payload CampaignStartPayload) error {
	task, err := NewCampaignStartTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(payload.SendAt),
		asynq.Queue(c.queue),
		asynq.TaskID(payload.taskID()),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		c.log.Debug("start already scheduled", "campaign_id", payload.CampaignID, "version", payload.Version)
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule start of %s: %w", payload.CampaignID, err)
	}
	c.log.Info("start scheduled", "campaign_id", payload.CampaignID, "send_at", payload.SendAt)
	return nil
}

// WatchName is the checkpoint name of Watch.
const WatchName = "scheduled_starts"

// Watch turns every Scheduled event into a timed start until ctx is done.
// Events stored since the checkpoint are scheduled first; a start whose
// time has passed runs as soon as a worker picks it up.
func Watch(ctx context.Context, store eventstore.Store, cp eventstore.Checkpoints, s StartScheduler, log *slog.Logger) error {
	return eventstore.Follow(ctx, store, cp, WatchName, []model.EventType{model.EventCampaignScheduled}, log,
		func(ctx context.Context, evt model.StoredEvent) error {
			payload, err := StartPayloadFor(evt)
			if err != nil {
				return err
			}
			return s.ScheduleStart(ctx, payload)
		})
}

// StartPayloadFor builds the task payload of a Scheduled event.
func StartPayloadFor(evt model.StoredEvent) (CampaignStartPayload, error) {
	if evt.Type != model.EventCampaignScheduled {
		return CampaignStartPayload{}, fmt.Errorf("event %s is %s, not %s", evt.ID, evt.Type, model.EventCampaignScheduled)
	}
	var scheduled model.CampaignScheduled
	if err := json.Unmarshal(evt.Payload, &scheduled); err != nil {
		return CampaignStartPayload{}, fmt.Errorf("decode %s: %w", evt.ID, err)
	}
	return CampaignStartPayload{
		CampaignID: evt.AggregateID,
		SendAt:     scheduled.SendAt,
		Version:    evt.Version,
	}, nil
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
