package bus

import (
	"context"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// CommandResult reports what a successful command appended.
type CommandResult struct {
	AggregateID string            `json:"aggregateId"`
	Version     int               `json:"version"`
	Events      []model.EventType `json:"events"`
}

type CommandHandler interface {
	Handle(ctx context.Context, cmd Message) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Message) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Message) (CommandResult, error) {
	return f(ctx, cmd)
}

type CommandBus struct {
	reg *registry[CommandResult]
}

func NewCommandBus(opts Options) *CommandBus {
	return &CommandBus{reg: newRegistry[CommandResult]("command", appErrors.NewUnknownCommand, opts)}
}

// Register binds a handler to a command type. A second handler for the same
// type is a HandlerAlreadyRegistered error.
func (b *CommandBus) Register(commandType string, h CommandHandler) error {
	if h == nil {
		return b.reg.register(commandType, nil)
	}
	return b.reg.register(commandType, h.Handle)
}

// MustRegister is Register for wiring code; it panics on error.
func (b *CommandBus) MustRegister(commandType string, h CommandHandler) {
	if err := b.Register(commandType, h); err != nil {
		panic(err)
	}
}

// Dispatch runs the handler for commandType. payload may be raw JSON or any
// value that marshals to the handler's payload shape.
func (b *CommandBus) Dispatch(ctx context.Context, commandType string, payload any) (CommandResult, error) {
	return b.reg.dispatch(ctx, commandType, payload)
}

// Types lists registered command types in sorted order.
func (b *CommandBus) Types() []string {
	return b.reg.types()
}
