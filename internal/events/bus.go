// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrBusClosed = errors.New("event bus is shutting down")
	ErrBusFull   = errors.New("event queue full")
)

const defaultQueueSize = 256

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus fans domain events out to subscribers. Queued events are delivered in
// publish order by one goroutine; PublishSync runs the subscribers inline.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[EventType][]subscriber // replaced, never mutated in place
	nextID uint64

	sendMu sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewBus starts a bus whose queue holds queueSize events (256 if not positive).
func NewBus(logger *zap.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &Bus{
		logger: logger.Named("event_bus"),
		subs:   make(map[EventType][]subscriber),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go b.deliver()
	return b
}

func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	current := b.subs[eventType]
	next := make([]subscriber, len(current), len(current)+1)
	copy(next, current)
	b.subs[eventType] = append(next, subscriber{id: id, handler: handler})

	b.logger.Debug("Subscribed", zap.String("event_type", string(eventType)), zap.Uint64("id", id))
	return &subscription{bus: b, typ: eventType, id: id}
}

func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[eventType]
	next := make([]subscriber, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, eventType)
		return
	}
	b.subs[eventType] = next
}

// Publish queues event without blocking. It fails with ErrBusFull when the
// queue is saturated and ErrBusClosed after Shutdown.
func (b *Bus) Publish(event Event) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- event:
		return nil
	default:
		b.logger.Warn("Event queue full, dropping event", zap.String("event_type", string(event.Type())))
		return ErrBusFull
	}
}

// PublishSync hands event to every subscriber before returning and joins
// their errors. Ledger changes go through here so the journal has them once
// the call returns.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := b.subs[event.Type()]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler.Handle(ctx, event); err != nil {
			b.logger.Error("Subscriber failed",
				zap.String("event_type", string(event.Type())),
				zap.Uint64("id", s.id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deliver %s: %w", event.Type(), errors.Join(errs...))
	}
	return nil
}

func (b *Bus) deliver() {
	defer close(b.done)
	for event := range b.queue {
		_ = b.PublishSync(context.Background(), event)
	}
}

// Shutdown rejects new events and waits until the queued ones are delivered.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.sendMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.sendMu.Unlock()

	select {
	case <-b.done:
		b.logger.Info("Event bus drained")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timed out", zap.Int("pending", len(b.queue)))
		return ctx.Err()
	}
}

// Pending is the number of queued, undelivered events.
func (b *Bus) Pending() int {
	return len(b.queue)
}
