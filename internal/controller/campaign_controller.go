// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/campaign-core/internal/bus"
	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/projection"
	"github.com/unclebandit/campaign-core/internal/repository"
	"github.com/unclebandit/campaign-core/internal/service"
)

// TimeoutHeader sets a per-request dispatch timeout, either as a Go
// duration ("1500ms") or as whole milliseconds.
const TimeoutHeader = "X-Request-Timeout"

const maxBodyBytes = 1 << 20

type CommandDispatcher interface {
	Dispatch(ctx context.Context, commandType string, payload any) (bus.CommandResult, error)
}

type QueryDispatcher interface {
	Dispatch(ctx context.Context, queryType string, payload any) (any, error)
}

type ProjectionAdmin interface {
	Health() projection.Health
	Rebuild(ctx context.Context) error
}

type CampaignController struct {
	Commands    CommandDispatcher
	Queries     QueryDispatcher
	History     repository.CampaignRepositoryInterface
	Projections ProjectionAdmin
	Log         *slog.Logger
}

// operations maps the REST operation segment to its command type.
var operations = map[string]string{
	string(model.OpUpdate):   service.CommandUpdateCampaign,
	string(model.OpSchedule): service.CommandScheduleCampaign,
	string(model.OpStart):    service.CommandStartSending,
	string(model.OpPause):    service.CommandPauseCampaign,
	string(model.OpCancel):   service.CommandCancelCampaign,
	string(model.OpComplete): service.CommandCompleteCampaign,
	string(model.OpFail):     service.CommandFailCampaign,
}

// Routes mounts every endpoint on a fresh router.
func (c *CampaignController) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/commands/{type}", c.DispatchCommand)
	r.Post("/queries/{type}", c.DispatchQuery)

	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/counts", c.StatusCounts)
	r.Get("/campaigns/{id}", c.GetCampaign)
	r.Get("/campaigns/{id}/events", c.CampaignEvents)
	r.Post("/campaigns/{id}/{operation}", c.CampaignOperation)

	r.Get("/projections/health", c.ProjectionHealth)
	r.Post("/projections/rebuild", c.RebuildProjections)
	return r
}

func (c *CampaignController) DispatchCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.command(w, r, chi.URLParam(r, "type"), body, http.StatusOK)
}

func (c *CampaignController) DispatchQuery(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.query(w, r, chi.URLParam(r, "type"), body)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.command(w, r, service.CommandCreateCampaign, body, http.StatusCreated)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	c.query(w, r, service.QueryListCampaigns, service.ListCampaignsQuery{
		Page:     page,
		PageSize: pageSize,
		Status:   q.Get("status"),
		OwnerID:  q.Get("owner"),
		Tag:      q.Get("tag"),
	})
}

func (c *CampaignController) StatusCounts(w http.ResponseWriter, r *http.Request) {
	c.query(w, r, service.QueryCampaignStatusCounts, nil)
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c.query(w, r, service.QueryGetCampaign, service.GetCampaignQuery{ID: chi.URLParam(r, "id")})
}

// CampaignOperation runs a lifecycle command; the path ID overrides any ID in
// the body.
func (c *CampaignController) CampaignOperation(w http.ResponseWriter, r *http.Request) {
	commandType, ok := operations[chi.URLParam(r, "operation")]
	if !ok {
		c.writeError(w, r, appErrors.NewUnknownCommand(chi.URLParam(r, "operation")))
		return
	}
	body, err := readBody(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			c.writeError(w, r, appErrors.NewValidationFailed("payload", err.Error()))
			return
		}
	}
	id, _ := json.Marshal(chi.URLParam(r, "id"))
	fields["id"] = id
	c.command(w, r, commandType, fields, http.StatusOK)
}

func (c *CampaignController) CampaignEvents(w http.ResponseWriter, r *http.Request) {
	events, err := c.History.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": events,
	})
}

func (c *CampaignController) ProjectionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Projections.Health())
}

func (c *CampaignController) RebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := c.Projections.Rebuild(r.Context()); err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Projections.Health())
}

func (c *CampaignController) command(w http.ResponseWriter, r *http.Request, commandType string, payload any, status int) {
	ctx, cancel, err := c.dispatchContext(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	defer cancel()

	res, err := c.Commands.Dispatch(ctx, commandType, payload)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, status, res)
}

func (c *CampaignController) query(w http.ResponseWriter, r *http.Request, queryType string, payload any) {
	ctx, cancel, err := c.dispatchContext(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	defer cancel()

	res, err := c.Queries.Dispatch(ctx, queryType, payload)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": res,
	})
}

// dispatchContext applies the timeout header and attaches event metadata
// from the correlation and actor headers.
func (c *CampaignController) dispatchContext(r *http.Request) (context.Context, context.CancelFunc, error) {
	ctx := bus.WithMetadata(r.Context(), model.EventMetadata{
		CausationID:   middleware.GetReqID(r.Context()),
		CorrelationID: r.Header.Get("X-Correlation-ID"),
		ActorID:       r.Header.Get("X-Actor-ID"),
	})
	raw := strings.TrimSpace(r.Header.Get(TimeoutHeader))
	if raw == "" {
		return ctx, func() {}, nil
	}
	timeout, err := ParseTimeout(raw)
	if err != nil {
		return nil, nil, appErrors.NewValidationFailed(TimeoutHeader, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}

// ParseTimeout accepts "250ms", "2s" or a bare millisecond count.
func ParseTimeout(raw string) (time.Duration, error) {
	if ms, err := strconv.Atoi(raw); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("must be a duration or milliseconds")
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// StatusFor maps the error taxonomy to HTTP status codes.
func StatusFor(err error) int {
	switch appErrors.CodeOf(err) {
	case appErrors.CodeValidationFailed, appErrors.CodeUnknownCommand, appErrors.CodeUnknownQuery:
		return http.StatusBadRequest
	case appErrors.CodeInvalidTransition, appErrors.CodeConcurrencyConflict:
		return http.StatusConflict
	case appErrors.CodeNotFound:
		return http.StatusNotFound
	case appErrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case appErrors.CodeDispatchTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code     appErrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Code: appErrors.CodeOf(err), Message: err.Error()}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Metadata = appErr.Metadata
	}
	if status >= http.StatusInternalServerError {
		c.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func (c *CampaignController) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, appErrors.NewValidationFailed("payload", err.Error())
	}
	if len(data) > maxBodyBytes {
		return nil, appErrors.NewValidationFailed("payload", "is too large")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
