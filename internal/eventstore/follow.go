package eventstore

import (
	"context"
	"log/slog"

	"github.com/unclebandit/campaign-core/internal/model"
)

const followBatch = 500

// Follow delivers, at least once, every event of the given types stored
// after the consumer's checkpoint, then live events until ctx is done. The
// checkpoint moves past each event once fn has returned; a failing fn is
// logged and does not stop the loop.
//
// The subscription is taken before the backlog is read, so nothing appended
// meanwhile is missed; events seen in both are delivered once.
func Follow(ctx context.Context, store Store, cp Checkpoints, name string, types []model.EventType, log *slog.Logger, fn func(context.Context, model.StoredEvent) error) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("consumer", name)

	sub := store.Subscribe(types...)
	defer sub.Unsubscribe()

	pos, err := cp.Position(ctx, name)
	if err != nil {
		return err
	}
	start := pos

	deliver := func(ctx context.Context, evt model.StoredEvent) {
		if err := fn(ctx, evt); err != nil {
			log.Error("subscriber failed",
				"event_id", evt.ID,
				"event_type", evt.Type,
				"aggregate_id", evt.AggregateID,
				"version", evt.Version,
				"error", err,
			)
		}
		if evt.Position <= pos {
			return
		}
		pos = evt.Position
		if err := cp.SavePosition(ctx, name, pos); err != nil {
			log.Warn("save checkpoint", "position", pos, "error", err)
		}
	}

	seen := make(map[string]bool)
	for {
		batch, err := store.ReadByType(ctx, TypeQuery{Types: types, After: pos, Limit: followBatch})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, evt := range batch {
			if ctx.Err() != nil {
				return nil
			}
			seen[evt.ID] = true
			deliver(ctx, evt)
		}
		if len(batch) < followBatch {
			break
		}
	}
	caughtUp := pos
	if caughtUp > start {
		log.Info("caught up", "from", start, "to", caughtUp)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if seen != nil {
				if evt.Position > caughtUp {
					seen = nil
				} else if seen[evt.ID] {
					continue
				}
			}
			deliver(ctx, evt)
		}
	}
}
