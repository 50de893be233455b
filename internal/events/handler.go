// internal/events/handler.go
package events

import (
	"context"
	"sync"
)

// Handler reacts to one event. Handlers of queued events run on the bus's
// delivery goroutine and should return quickly.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(event Event) error
	PublishSync(ctx context.Context, event Event) error
}

type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	bus  *Bus
	typ  EventType
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s.typ, s.id) })
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error                      { return nil }
func (Nop) PublishSync(context.Context, Event) error { return nil }
