package bus

import (
	"context"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
)

type QueryHandler interface {
	Handle(ctx context.Context, q Message) (any, error)
}

type QueryHandlerFunc func(ctx context.Context, q Message) (any, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, q Message) (any, error) {
	return f(ctx, q)
}

// QueryBus mirrors CommandBus for read-only handlers.
type QueryBus struct {
	reg *registry[any]
}

func NewQueryBus(opts Options) *QueryBus {
	return &QueryBus{reg: newRegistry[any]("query", appErrors.NewUnknownQuery, opts)}
}

func (b *QueryBus) Register(queryType string, h QueryHandler) error {
	if h == nil {
		return b.reg.register(queryType, nil)
	}
	return b.reg.register(queryType, h.Handle)
}

func (b *QueryBus) MustRegister(queryType string, h QueryHandler) {
	if err := b.Register(queryType, h); err != nil {
		panic(err)
	}
}

func (b *QueryBus) Dispatch(ctx context.Context, queryType string, payload any) (any, error) {
	return b.reg.dispatch(ctx, queryType, payload)
}

func (b *QueryBus) Types() []string {
	return b.reg.types()
}
