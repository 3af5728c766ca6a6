// Package service holds the campaign command and query handlers registered on
// the buses.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-core/internal/bus"
	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/repository"
)

// Command types accepted by the command bus.
const (
	CommandCreateCampaign   = "CreateCampaign"
	CommandUpdateCampaign   = "UpdateCampaign"
	CommandScheduleCampaign = "ScheduleCampaign"
	CommandStartSending     = "StartSending"
	CommandPauseCampaign    = "PauseCampaign"
	CommandCancelCampaign   = "CancelCampaign"
	CommandCompleteCampaign = "CompleteCampaign"
	CommandFailCampaign     = "FailCampaign"
)

// DefaultMaxAttempts bounds load-decide-save cycles on concurrency conflicts.
const DefaultMaxAttempts = 3

type CreateCampaignCommand struct {
	// ID is optional; a UUID is generated when empty.
	ID string `json:"id,omitempty"`
	model.CreateCampaign
}

type UpdateCampaignCommand struct {
	ID string `json:"id" validate:"required"`
	model.UpdateCampaign
}

type ScheduleCampaignCommand struct {
	ID     string    `json:"id" validate:"required"`
	SendAt time.Time `json:"sendAt" validate:"required"`
}

type StartSendingCommand struct {
	ID string `json:"id" validate:"required"`
	// OnlyIfScheduled rejects the start unless the campaign is still
	// scheduled. Timed starts set it so they never resume a paused campaign.
	OnlyIfScheduled bool `json:"onlyIfScheduled,omitempty"`
}

type PauseCampaignCommand struct {
	ID     string `json:"id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

type CancelCampaignCommand struct {
	ID     string `json:"id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

type CompleteCampaignCommand struct {
	ID string `json:"id" validate:"required"`
}

type FailCampaignCommand struct {
	ID     string `json:"id" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// CampaignCommandService decides campaign commands against the event-sourced
// repository. Zero-valued optional fields fall back to defaults.
type CampaignCommandService struct {
	Repo        repository.CampaignRepositoryInterface
	Now         func() time.Time
	NewID       func() string
	MaxAttempts int
	Log         *slog.Logger
}

// Register binds every campaign command on b.
func (s *CampaignCommandService) Register(b *bus.CommandBus) error {
	handlers := map[string]bus.CommandHandler{
		CommandCreateCampaign:   command(s.Create),
		CommandUpdateCampaign:   command(s.Update),
		CommandScheduleCampaign: command(s.Schedule),
		CommandStartSending:     command(s.Start),
		CommandPauseCampaign:    command(s.Pause),
		CommandCancelCampaign:   command(s.Cancel),
		CommandCompleteCampaign: command(s.Complete),
		CommandFailCampaign:     command(s.Fail),
	}
	for _, typ := range []string{
		CommandCreateCampaign, CommandUpdateCampaign, CommandScheduleCampaign, CommandStartSending,
		CommandPauseCampaign, CommandCancelCampaign, CommandCompleteCampaign, CommandFailCampaign,
	} {
		if err := b.Register(typ, handlers[typ]); err != nil {
			return err
		}
	}
	return nil
}

// command decodes and validates the payload before calling fn.
func command[T any](fn func(context.Context, T) (bus.CommandResult, error)) bus.CommandHandlerFunc {
	return func(ctx context.Context, msg bus.Message) (bus.CommandResult, error) {
		var in T
		if err := msg.Decode(&in); err != nil {
			return bus.CommandResult{}, err
		}
		if err := model.ValidateStruct(in); err != nil {
			return bus.CommandResult{}, err
		}
		return fn(ctx, in)
	}
}

// Create appends the Created event at expected version 0, so an ID that is
// already taken is a ConcurrencyConflict. Creation is never retried.
func (s *CampaignCommandService) Create(ctx context.Context, in CreateCampaignCommand) (bus.CommandResult, error) {
	id := in.ID
	if id == "" {
		id = s.newID()
	}
	c, err := model.NewCampaign(id, in.CreateCampaign, s.now())
	if err != nil {
		return bus.CommandResult{}, err
	}
	stored, err := s.Repo.Save(ctx, c, bus.MetadataFrom(ctx))
	if err != nil {
		return bus.CommandResult{}, err
	}
	s.log().Info("campaign created", "campaign_id", c.ID)
	return resultOf(c.ID, stored), nil
}

func (s *CampaignCommandService) Update(ctx context.Context, in UpdateCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpUpdate, func(c *model.Campaign, now time.Time) error {
		return c.Update(in.UpdateCampaign, now)
	})
}

func (s *CampaignCommandService) Schedule(ctx context.Context, in ScheduleCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpSchedule, func(c *model.Campaign, now time.Time) error {
		return c.Schedule(in.SendAt, now)
	})
}

func (s *CampaignCommandService) Start(ctx context.Context, in StartSendingCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpStart, func(c *model.Campaign, now time.Time) error {
		if in.OnlyIfScheduled && c.Status != model.StatusScheduled {
			return appErrors.NewInvalidTransition(string(c.Status), string(model.OpStart))
		}
		return c.Start(now)
	})
}

func (s *CampaignCommandService) Pause(ctx context.Context, in PauseCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpPause, func(c *model.Campaign, now time.Time) error {
		return c.Pause(in.Reason, now)
	})
}

func (s *CampaignCommandService) Cancel(ctx context.Context, in CancelCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpCancel, func(c *model.Campaign, now time.Time) error {
		return c.Cancel(in.Reason, now)
	})
}

func (s *CampaignCommandService) Complete(ctx context.Context, in CompleteCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpComplete, func(c *model.Campaign, now time.Time) error {
		return c.Complete(now)
	})
}

func (s *CampaignCommandService) Fail(ctx context.Context, in FailCampaignCommand) (bus.CommandResult, error) {
	return s.execute(ctx, in.ID, model.OpFail, func(c *model.Campaign, now time.Time) error {
		return c.Fail(in.Reason, now)
	})
}

// execute runs load, decide and save, reloading after a concurrency
// conflict up to MaxAttempts times. Every other error is returned as is.
func (s *CampaignCommandService) execute(ctx context.Context, id string, op model.Operation, decide func(*model.Campaign, time.Time) error) (bus.CommandResult, error) {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := s.Repo.Load(ctx, id)
		if err != nil {
			return bus.CommandResult{}, err
		}
		if err := decide(c, s.now()); err != nil {
			return bus.CommandResult{}, err
		}
		stored, err := s.Repo.Save(ctx, c, bus.MetadataFrom(ctx))
		if err == nil {
			s.log().Info("campaign command applied", "campaign_id", id, "operation", op, "version", c.Version)
			return resultOf(id, stored), nil
		}
		if !errors.Is(err, appErrors.ErrConcurrencyConflict) {
			return bus.CommandResult{}, err
		}
		lastErr = err
		s.log().Warn("concurrency conflict, reloading", "campaign_id", id, "operation", op, "attempt", attempt)
	}
	return bus.CommandResult{}, lastErr
}

func resultOf(id string, stored []model.StoredEvent) bus.CommandResult {
	res := bus.CommandResult{AggregateID: id, Events: make([]model.EventType, 0, len(stored))}
	for _, evt := range stored {
		res.Events = append(res.Events, evt.Type)
		res.Version = evt.Version
	}
	return res
}

func (s *CampaignCommandService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignCommandService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *CampaignCommandService) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
