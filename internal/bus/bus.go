// Package bus routes commands and queries to exactly one registered handler
// per type. Dispatch is synchronous from the caller's point of view and
// honours the caller's context plus an optional default timeout; a timed out
// dispatch reports DispatchTimeout and its outcome is unknown.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// Message is a command or query as seen by its handler.
type Message struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v, rejecting unknown fields. An empty
// payload decodes as an empty object.
func (m Message) Decode(v any) error {
	data := bytes.TrimSpace(m.Payload)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return appErrors.NewValidationFailed("payload", err.Error())
	}
	return nil
}

// Options configures a bus.
type Options struct {
	// Timeout bounds every dispatch when positive. The caller's context
	// deadline still applies when it is shorter.
	Timeout time.Duration
	Logger  *slog.Logger
}

type metadataKey struct{}

// WithMetadata attaches event metadata that command handlers stamp on the
// events they produce.
func WithMetadata(ctx context.Context, meta model.EventMetadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, meta)
}

// MetadataFrom returns the metadata attached by WithMetadata, or nil.
func MetadataFrom(ctx context.Context) *model.EventMetadata {
	meta, ok := ctx.Value(metadataKey{}).(model.EventMetadata)
	if !ok || meta.IsZero() {
		return nil
	}
	return &meta
}

type handlerFunc[R any] func(ctx context.Context, msg Message) (R, error)

// registry is the shared core of CommandBus and QueryBus.
type registry[R any] struct {
	kind     string
	unknown  func(string) error
	timeout  time.Duration
	log      *slog.Logger
	mu       sync.RWMutex
	handlers map[string]handlerFunc[R]
}

func newRegistry[R any](kind string, unknown func(string) error, opts Options) *registry[R] {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &registry[R]{
		kind:     kind,
		unknown:  unknown,
		timeout:  opts.Timeout,
		log:      log.With("bus", kind),
		handlers: make(map[string]handlerFunc[R]),
	}
}

func (r *registry[R]) register(typ string, h handlerFunc[R]) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("%s type is required", r.kind)
	}
	if h == nil {
		return fmt.Errorf("%s handler for %s is nil", r.kind, typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typ]; exists {
		return appErrors.NewHandlerAlreadyRegistered(r.kind, typ)
	}
	r.handlers[typ] = h
	return nil
}

func (r *registry[R]) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type outcome[R any] struct {
	result R
	err    error
}

func (r *registry[R]) dispatch(ctx context.Context, typ string, payload any) (R, error) {
	var zero R

	r.mu.RLock()
	h, ok := r.handlers[typ]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("no handler registered", "type", typ)
		return zero, r.unknown(typ)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return zero, err
	}
	msg := Message{Type: typ, Payload: raw}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return zero, appErrors.NewDispatchTimeout(r.kind, typ, err)
	}

	start := time.Now()
	done := make(chan outcome[R], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome[R]{err: fmt.Errorf("%s handler %s panicked: %v", r.kind, typ, p)}
			}
		}()
		res, err := h(ctx, msg)
		done <- outcome[R]{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil && isContextError(o.err) {
			o.err = appErrors.NewDispatchTimeout(r.kind, typ, o.err)
		}
		r.logOutcome(typ, time.Since(start), o.err)
		return o.result, o.err
	case <-ctx.Done():
		// The handler keeps running; whatever it commits stays committed.
		err := appErrors.NewDispatchTimeout(r.kind, typ, ctx.Err())
		r.logOutcome(typ, time.Since(start), err)
		return zero, err
	}
}

func (r *registry[R]) logOutcome(typ string, took time.Duration, err error) {
	if err == nil {
		r.log.Debug("dispatched", "type", typ, "duration", took)
		return
	}
	code := appErrors.CodeOf(err)
	switch code {
	case appErrors.CodeStorageUnavailable, appErrors.CodeDispatchTimeout, appErrors.CodeUnknown:
		r.log.Error("dispatch failed", "type", typ, "duration", took, "code", code, "error", err)
	default:
		r.log.Info("dispatch rejected", "type", typ, "duration", took, "code", code, "error", err)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, appErrors.NewValidationFailed("payload", err.Error())
		}
		return data, nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
