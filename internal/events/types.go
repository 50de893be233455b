// internal/events/types.go
package events

import (
	"time"

	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/shopspring/decimal"
)

// EventType represents the type of event.
type EventType string

const (
	// Position lifecycle
	PositionOpened  EventType = "position.opened"
	PositionClosed  EventType = "position.closed"
	PositionFlagged EventType = "position.flagged"

	// Exits
	ExitExecuted EventType = "exit.executed"
	ExitFailed   EventType = "exit.failed"

	// Market data
	SnapshotUnavailable EventType = "snapshot.unavailable"

	// Buys
	BuyCompleted EventType = "buy.completed"
	BuyFailed    EventType = "buy.failed"

	SweepCompleted EventType = "sweep.completed"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// NewBase stamps an event of type t with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// PositionOpenedEvent is emitted after a confirmed entry is recorded.
type PositionOpenedEvent struct {
	BaseEvent
	Record position.Record
}

// PositionClosedEvent is emitted when a record leaves the ledger, either by a
// full exit or by manual removal.
type PositionClosedEvent struct {
	BaseEvent
	Record position.Record
	Reason string
}

// PositionFlaggedEvent is emitted when a record holds data the evaluator
// refuses, e.g. a non-positive entry price.
type PositionFlaggedEvent struct {
	BaseEvent
	Key   position.Key
	Error error
}

// ExitExecutedEvent is emitted after a confirmed fill has been applied.
type ExitExecutedEvent struct {
	BaseEvent
	Key       position.Key
	Reason    string
	Kind      string
	Tier      int
	Requested decimal.Decimal
	Filled    decimal.Decimal
	TradeID   string
	// LiquidatedFraction is the cumulative fraction after the fill.
	LiquidatedFraction decimal.Decimal
	Closed             bool
	Price              decimal.Decimal
	EntryPrice         decimal.Decimal
}

// ExitFailedEvent is emitted when the executor did not confirm a sale.
// The ledger is left untouched.
type ExitFailedEvent struct {
	BaseEvent
	Key      position.Key
	Reason   string
	Fraction decimal.Decimal
	Error    error
}

// SnapshotUnavailableEvent is emitted when market data could not be fetched
// for a position during a sweep.
type SnapshotUnavailableEvent struct {
	BaseEvent
	Key   position.Key
	Error error
}

// BuyCompletedEvent is emitted per account after a confirmed buy.
type BuyCompletedEvent struct {
	BaseEvent
	Key     position.Key
	Symbol  string
	TradeID string
	Amount  decimal.Decimal
	Price   decimal.Decimal
}

// BuyFailedEvent is emitted per account when a buy was not confirmed or its
// position could not be recorded.
type BuyFailedEvent struct {
	BaseEvent
	Key    position.Key
	Symbol string
	Error  error
}

// SweepCompletedEvent summarises one monitor pass.
type SweepCompletedEvent struct {
	BaseEvent
	Duration  time.Duration
	Evaluated int
	Exited    int
	Failed    int
	Skipped   int
	Busy      int
	Deferred  int
	Flagged   int
}
