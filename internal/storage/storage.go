// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no open position matches a key.
var ErrNotFound = errors.New("journal: position not found")

// FillEntry is one applied liquidation as stored in the journal.
type FillEntry struct {
	Key     position.Key
	TradeID string
	Reason  string
	Filled  decimal.Decimal
	// Liquidated is the cumulative fraction after the fill.
	Liquidated decimal.Decimal
	Closed     bool
}

// Journal persists open positions and the trade ids applied to them so that
// the ledger survives restarts without double-applying fills.
type Journal interface {
	// Positions
	SavePosition(ctx context.Context, rec position.Record) error
	ClosePosition(ctx context.Context, key position.Key, reason string) error

	// Fills
	RecordFill(ctx context.Context, fill FillEntry) error

	// LoadOpen returns every open position and the trade ids applied to any
	// position, closed ones included, in the form Ledger.Restore expects.
	LoadOpen(ctx context.Context) ([]position.Record, map[position.Key][]string, error)

	RunMigrations(ctx context.Context) error
	Close() error
}
