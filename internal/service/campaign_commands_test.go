package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-core/internal/bus"
	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/eventstore"
	"github.com/unclebandit/campaign-core/internal/logger"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/repository"
	"github.com/unclebandit/campaign-core/internal/service"
)

var now = time.Date(2026, 4, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *eventstore.MemoryStore
	repo     *repository.CampaignRepository
	commands *bus.CommandBus
}

func newFixture(t *testing.T, wrap func(repository.CampaignRepositoryInterface) repository.CampaignRepositoryInterface) *fixture {
	t.Helper()
	f := &fixture{store: eventstore.NewMemoryStore()}
	f.repo = repository.NewCampaignRepository(f.store)

	var repo repository.CampaignRepositoryInterface = f.repo
	if wrap != nil {
		repo = wrap(repo)
	}
	svc := &service.CampaignCommandService{
		Repo:  repo,
		Now:   func() time.Time { return now },
		NewID: func() string { return "generated-1" },
		Log:   logger.Discard(),
	}
	f.commands = bus.NewCommandBus(bus.Options{Logger: logger.Discard()})
	require.NoError(t, svc.Register(f.commands))
	return f
}

func (f *fixture) create(t *testing.T, id string) bus.CommandResult {
	t.Helper()
	res, err := f.commands.Dispatch(context.Background(), service.CommandCreateCampaign, service.CreateCampaignCommand{
		ID: id,
		CreateCampaign: model.CreateCampaign{
			Name:    "Autumn",
			Subject: "New arrivals",
			Content: "Hello",
			ListIDs: []string{"l-1"},
		},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id string) model.CampaignStatus {
	t.Helper()
	c, err := f.repo.Load(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestRegisterBindsEveryCommand(t *testing.T) {
	f := newFixture(t, nil)
	assert.ElementsMatch(t, []string{
		service.CommandCreateCampaign, service.CommandUpdateCampaign, service.CommandScheduleCampaign,
		service.CommandStartSending, service.CommandPauseCampaign, service.CommandCancelCampaign,
		service.CommandCompleteCampaign, service.CommandFailCampaign,
	}, f.commands.Types())

	svc := &service.CampaignCommandService{Repo: f.repo}
	assert.ErrorIs(t, svc.Register(f.commands), appErrors.ErrHandlerAlreadyRegistered)
}

func TestCampaignLifecycleThroughBus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res := f.create(t, "c-1")
	assert.Equal(t, bus.CommandResult{AggregateID: "c-1", Version: 1, Events: []model.EventType{model.EventCampaignCreated}}, res)

	res, err := f.commands.Dispatch(ctx, service.CommandScheduleCampaign, service.ScheduleCampaignCommand{ID: "c-1", SendAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	res, err = f.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{model.EventCampaignStarted}, res.Events)

	res, err = f.commands.Dispatch(ctx, service.CommandCompleteCampaign, service.CompleteCampaignCommand{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Version)

	_, err = f.commands.Dispatch(ctx, service.CommandCancelCampaign, service.CancelCampaignCommand{ID: "c-1"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	assert.Equal(t, model.StatusCompleted, f.status(t, "c-1"))
	version, err := f.store.LatestVersion(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 4, version, "a rejected command appends nothing")
}

func TestCreateGeneratesID(t *testing.T) {
	f := newFixture(t, nil)

	res := f.create(t, "")
	assert.Equal(t, "generated-1", res.AggregateID)
}

func TestCreateWithTakenIDConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "c-1")

	_, err := f.commands.Dispatch(context.Background(), service.CommandCreateCampaign, map[string]any{
		"id": "c-1", "name": "Other", "subject": "s", "content": "c", "lists": []string{"l"},
	})
	assert.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
}

func TestCommandValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "c-1")

	tests := []struct {
		name    string
		typ     string
		payload any
	}{
		{"create without lists", service.CommandCreateCampaign, map[string]any{"name": "n", "subject": "s", "content": "c"}},
		{"update without id", service.CommandUpdateCampaign, map[string]any{"name": "n"}},
		{"schedule without time", service.CommandScheduleCampaign, map[string]any{"id": "c-1"}},
		{"schedule in the past", service.CommandScheduleCampaign, service.ScheduleCampaignCommand{ID: "c-1", SendAt: now.Add(-time.Minute)}},
		{"fail without reason", service.CommandFailCampaign, map[string]any{"id": "c-1"}},
		{"unknown field", service.CommandPauseCampaign, map[string]any{"id": "c-1", "force": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.commands.Dispatch(ctx, tt.typ, tt.payload)
			assert.ErrorIs(t, err, appErrors.ErrValidationFailed)
		})
	}
	assert.Equal(t, model.StatusDraft, f.status(t, "c-1"))
}

func TestCommandOnUnknownCampaign(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.commands.Dispatch(context.Background(), service.CommandStartSending, service.StartSendingCommand{ID: "missing"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestPauseOnDraftIsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "c-1")

	_, err := f.commands.Dispatch(context.Background(), service.CommandPauseCampaign, service.PauseCampaignCommand{ID: "c-1"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestStartOnlyIfScheduled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "c-1")

	_, err := f.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{ID: "c-1", OnlyIfScheduled: true})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition, "a draft is not scheduled")

	_, err = f.commands.Dispatch(ctx, service.CommandScheduleCampaign, service.ScheduleCampaignCommand{ID: "c-1", SendAt: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{ID: "c-1", OnlyIfScheduled: true})
	require.NoError(t, err)
	_, err = f.commands.Dispatch(ctx, service.CommandPauseCampaign, service.PauseCampaignCommand{ID: "c-1"})
	require.NoError(t, err)

	_, err = f.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{ID: "c-1", OnlyIfScheduled: true})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition, "a timed start never resumes a paused campaign")
	assert.Equal(t, model.StatusPaused, f.status(t, "c-1"))
}

func TestConcurrentStartsHaveOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "c-1")
	_, err := f.commands.Dispatch(ctx, service.CommandScheduleCampaign, service.ScheduleCampaignCommand{ID: "c-1", SendAt: now.Add(time.Hour)})
	require.NoError(t, err)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.commands.Dispatch(ctx, service.CommandStartSending, service.StartSendingCommand{ID: "c-1"})
		}(i)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, appErrors.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, rejected)

	history, err := f.repo.History(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 3, "exactly one Started event")
}

func TestMetadataIsStampedOnEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := bus.WithMetadata(context.Background(), model.EventMetadata{CorrelationID: "corr-7", ActorID: "u-1"})

	_, err := f.commands.Dispatch(ctx, service.CommandCreateCampaign, service.CreateCampaignCommand{
		ID:             "c-1",
		CreateCampaign: model.CreateCampaign{Name: "n", Subject: "s", Content: "c", ListIDs: []string{"l"}},
	})
	require.NoError(t, err)

	history, err := f.repo.History(context.Background(), "c-1")
	require.NoError(t, err)
	require.NotNil(t, history[0].Metadata)
	assert.Equal(t, "corr-7", history[0].Metadata.CorrelationID)
	assert.Equal(t, "u-1", history[0].Metadata.ActorID)
}

// conflictingRepo fails the first n saves with a concurrency conflict.
type conflictingRepo struct {
	repository.CampaignRepositoryInterface
	mu    sync.Mutex
	fail  int
	saves int
	loads int
}

func (r *conflictingRepo) Load(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	r.loads++
	r.mu.Unlock()
	return r.CampaignRepositoryInterface.Load(ctx, id)
}

func (r *conflictingRepo) Save(ctx context.Context, c *model.Campaign, meta *model.EventMetadata) ([]model.StoredEvent, error) {
	r.mu.Lock()
	r.saves++
	fail := r.saves <= r.fail
	r.mu.Unlock()
	if fail {
		return nil, appErrors.NewConcurrencyConflict(c.ID, c.LoadedVersion(), c.LoadedVersion()+1)
	}
	return r.CampaignRepositoryInterface.Save(ctx, c, meta)
}

func TestConflictIsRetriedWithReload(t *testing.T) {
	var repo *conflictingRepo
	f := newFixture(t, func(inner repository.CampaignRepositoryInterface) repository.CampaignRepositoryInterface {
		repo = &conflictingRepo{CampaignRepositoryInterface: inner}
		return repo
	})
	f.create(t, "c-1")

	repo.mu.Lock()
	repo.saves, repo.loads, repo.fail = 0, 0, 2
	repo.mu.Unlock()

	res, err := f.commands.Dispatch(context.Background(), service.CommandStartSending, service.StartSendingCommand{ID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, 3, repo.saves)
	assert.Equal(t, 3, repo.loads, "every attempt reloads")
}

func TestConflictRetriesAreBounded(t *testing.T) {
	var repo *conflictingRepo
	f := newFixture(t, func(inner repository.CampaignRepositoryInterface) repository.CampaignRepositoryInterface {
		repo = &conflictingRepo{CampaignRepositoryInterface: inner}
		return repo
	})
	f.create(t, "c-1")

	repo.mu.Lock()
	repo.saves, repo.fail = 0, 100
	repo.mu.Unlock()

	_, err := f.commands.Dispatch(context.Background(), service.CommandCancelCampaign, service.CancelCampaignCommand{ID: "c-1"})
	assert.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
	assert.Equal(t, service.DefaultMaxAttempts, repo.saves)
}

func TestCreateIsNotRetried(t *testing.T) {
	var repo *conflictingRepo
	f := newFixture(t, func(inner repository.CampaignRepositoryInterface) repository.CampaignRepositoryInterface {
		repo = &conflictingRepo{CampaignRepositoryInterface: inner, fail: 1}
		return repo
	})

	_, err := f.commands.Dispatch(context.Background(), service.CommandCreateCampaign, service.CreateCampaignCommand{
		ID:             "c-1",
		CreateCampaign: model.CreateCampaign{Name: "n", Subject: "s", Content: "c", ListIDs: []string{"l"}},
	})
	assert.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
	assert.Equal(t, 1, repo.saves)
}
