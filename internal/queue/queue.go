package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message is one outbound notification. Topic doubles as the AMQP routing key.
type Message struct {
	ID          string
	Topic       string
	ContentType string
	Body        []byte
	Headers     map[string]string
	Timestamp   time.Time
}

// Publisher hands messages to a downstream transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler consumes messages of one topic from the in-memory queue.
type Handler func(msg Message) error

// InMemoryQueue delivers published messages to in-process subscribers, each
// on its own goroutine, retrying a failing handler with linear backoff.
type InMemoryQueue struct {
	MaxRetries int
	Backoff    time.Duration

	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	log      *slog.Logger
}

func NewInMemoryQueue(log *slog.Logger) *InMemoryQueue {
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryQueue{
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		handlers:   make(map[string][]Handler),
		log:        log.With("component", "memory_queue"),
	}
}

// job wraps a message with retry info.
type job struct {
	msg        Message
	retryCount int
	maxRetries int
}

// Publish sends a message to every subscriber of its topic. A topic without
// subscribers is an error so the caller can retry or report it.
func (q *InMemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[msg.Topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", msg.Topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, job{msg: msg, maxRetries: q.MaxRetries})
	}
	return nil
}

// processJob handles retries and errors.
func (q *InMemoryQueue) processJob(handler Handler, j job) {
	defer q.wg.Done()
	for j.retryCount <= j.maxRetries {
		err := handler(j.msg)
		if err == nil {
			q.log.Debug("job processed", "topic", j.msg.Topic, "message_id", j.msg.ID)
			return
		}

		j.retryCount++
		if j.retryCount > j.maxRetries {
			q.log.Error("job permanently failed", "topic", j.msg.Topic, "message_id", j.msg.ID, "attempts", j.retryCount, "error", err)
			return
		}
		q.log.Warn("job failed", "topic", j.msg.Topic, "message_id", j.msg.ID, "attempt", j.retryCount, "max_retries", j.maxRetries, "error", err)
		time.Sleep(time.Duration(j.retryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic.
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for topic %s", topic)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight jobs.
func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}

var _ Publisher = (*InMemoryQueue)(nil)
