// internal/position/ledger.go
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrDuplicatePosition = errors.New("position already open")
	ErrUnknownPosition   = errors.New("position not found")
	ErrPositionBusy      = errors.New("position has an exit in flight")
	ErrInvalidPosition   = errors.New("invalid position")
)

// Epsilon absorbs rounding when deciding whether a position is fully liquidated.
var Epsilon = decimal.New(1, -9)

var one = decimal.NewFromInt(1)

// entry guards a single record. Lock order is book, then entry, then the
// ledger's trade id set.
type entry struct {
	mu     sync.Mutex
	rec    Record
	closed bool
	busy   bool
}

func newEntry(rec Record) *entry {
	return &entry{rec: rec}
}

func (e *entry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// book is the per-account index of entries.
type book struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Ledger owns every open position of the process. Operations on distinct keys
// proceed concurrently; operations on one key are serialised by that key's lock.
type Ledger struct {
	mu     sync.RWMutex
	books  map[string]*book
	logger *zap.Logger

	// Trade ids applied per key. They outlive the record, so a fill
	// re-delivered after a close and reopen is still recognised.
	tradesMu sync.Mutex
	trades   map[Key]map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		books:  make(map[string]*book),
		logger: logger.Named("ledger"),
		trades: make(map[Key]map[string]struct{}),
	}
}

// claim marks tradeID as applied to key and reports whether it was new.
func (l *Ledger) claim(key Key, tradeID string) bool {
	l.tradesMu.Lock()
	defer l.tradesMu.Unlock()
	ids := l.trades[key]
	if ids == nil {
		ids = make(map[string]struct{})
		l.trades[key] = ids
	}
	if _, seen := ids[tradeID]; seen {
		return false
	}
	ids[tradeID] = struct{}{}
	return true
}

func (l *Ledger) book(account string, create bool) *book {
	l.mu.RLock()
	b := l.books[account]
	l.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.books[account]; b == nil {
		b = &book{entries: make(map[string]*entry)}
		l.books[account] = b
	}
	return b
}

func (l *Ledger) lookup(account, asset string) *entry {
	b := l.book(account, false)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[asset]
}

func (l *Ledger) remove(account, asset string, e *entry) {
	b := l.book(account, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries[asset] == e {
		delete(b.entries, asset)
	}
}

// Open creates a record for (account, asset). It fails with ErrDuplicatePosition
// when a live record already exists; the existing record is left untouched.
func (l *Ledger) Open(
	account, asset string,
	entryPrice decimal.Decimal,
	entryTime time.Time,
	entryVolume decimal.Decimal,
	opts ...Option,
) (Record, error) {
	rec := Record{
		Account:            account,
		Asset:              asset,
		EntryPrice:         entryPrice,
		EntryTime:          entryTime,
		EntryVolume:        entryVolume,
		LiquidatedFraction: decimal.Zero,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	b := l.book(account, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[asset]; ok && !e.isClosed() {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicatePosition, rec.Key())
	}
	b.entries[asset] = newEntry(rec)

	l.logger.Debug("Position opened",
		zap.String("account", account),
		zap.String("asset", asset),
		zap.Stringer("entry_price", entryPrice),
		zap.Stringer("entry_volume", entryVolume))
	return rec, nil
}

func validateRecord(rec Record) error {
	switch {
	case rec.Account == "" || rec.Asset == "":
		return fmt.Errorf("%w: account and asset are required", ErrInvalidPosition)
	case !rec.EntryPrice.IsPositive():
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidPosition)
	case rec.EntryVolume.IsNegative():
		return fmt.Errorf("%w: entry volume must not be negative", ErrInvalidPosition)
	case rec.EntryTime.IsZero():
		return fmt.Errorf("%w: entry time is required", ErrInvalidPosition)
	case rec.LiquidatedFraction.IsNegative() || rec.LiquidatedFraction.GreaterThanOrEqual(one.Sub(Epsilon)):
		return fmt.Errorf("%w: liquidated fraction %s out of range", ErrInvalidPosition, rec.LiquidatedFraction)
	}
	return nil
}

// Apply records a confirmed liquidation. The fraction is clamped to what is
// still held, and the record is removed once fully liquidated. A trade id that
// was already applied leaves the record unchanged.
func (l *Ledger) Apply(account, asset string, fill Fill) (ApplyResult, error) {
	if fill.TradeID == "" {
		return ApplyResult{}, fmt.Errorf("%w: fill has no trade id", ErrInvalidPosition)
	}
	if fill.Fraction.IsNegative() {
		return ApplyResult{}, fmt.Errorf("%w: negative fill fraction %s", ErrInvalidPosition, fill.Fraction)
	}

	key := Key{Account: account, Asset: asset}
	e := l.lookup(account, asset)
	if e == nil {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}
	if !l.claim(key, fill.TradeID) {
		res := ApplyResult{Record: e.rec, Applied: decimal.Zero, Duplicate: true}
		e.mu.Unlock()
		l.logger.Warn("Duplicate fill ignored",
			zap.String("position", key.String()),
			zap.String("trade_id", fill.TradeID))
		return res, nil
	}

	add := fill.Fraction
	if remaining := one.Sub(e.rec.LiquidatedFraction); add.GreaterThan(remaining) {
		add = remaining
	}
	liquidated := e.rec.LiquidatedFraction.Add(add)
	closed := liquidated.GreaterThanOrEqual(one.Sub(Epsilon))
	if closed {
		liquidated = one
		e.closed = true
	}
	e.rec.LiquidatedFraction = liquidated
	res := ApplyResult{Record: e.rec, Applied: add, Closed: closed}
	e.mu.Unlock()

	if closed {
		l.remove(account, asset, e)
	}

	l.logger.Debug("Fill applied",
		zap.String("position", key.String()),
		zap.String("trade_id", fill.TradeID),
		zap.Stringer("applied", add),
		zap.Stringer("liquidated", liquidated),
		zap.Bool("closed", closed))
	return res, nil
}

// Begin grants exclusive exit access to one position until release is called.
// The returned record is the state at the time access was granted.
func (l *Ledger) Begin(account, asset string) (Record, func(), error) {
	key := Key{Account: account, Asset: asset}
	e := l.lookup(account, asset)
	if e == nil {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}
	if e.busy {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrPositionBusy, key)
	}
	e.busy = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
		})
	}
	return e.rec, release, nil
}

// Close removes a position regardless of its liquidated fraction, e.g. after a
// manual sale. Fills for it arriving later fail with ErrUnknownPosition.
func (l *Ledger) Close(account, asset string) (Record, error) {
	key := Key{Account: account, Asset: asset}
	e := l.lookup(account, asset)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}
	e.closed = true
	rec := e.rec
	e.mu.Unlock()

	l.remove(account, asset, e)
	l.logger.Info("Position closed manually", zap.String("position", key.String()))
	return rec, nil
}

// Get returns a copy of one record.
func (l *Ledger) Get(account, asset string) (Record, bool) {
	e := l.lookup(account, asset)
	if e == nil {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Record{}, false
	}
	return e.rec, true
}

// SnapshotAll returns the open records of an account sorted by asset. Every
// entry of the account is locked while copying, so the result is a single
// point-in-time view.
func (l *Ledger) SnapshotAll(account string) []Record {
	b := l.book(account, false)
	if b == nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	assets := make([]string, 0, len(b.entries))
	for asset := range b.entries {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	locked := make([]*entry, 0, len(assets))
	for _, asset := range assets {
		e := b.entries[asset]
		e.mu.Lock()
		locked = append(locked, e)
	}

	records := make([]Record, 0, len(locked))
	for _, e := range locked {
		if !e.closed {
			records = append(records, e.rec)
		}
	}
	for _, e := range locked {
		e.mu.Unlock()
	}
	return records
}

// Accounts lists the accounts that hold at least one open position.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.books))
	books := make([]*book, 0, len(l.books))
	for name, b := range l.books {
		names = append(names, name)
		books = append(books, b)
	}
	l.mu.RUnlock()

	accounts := make([]string, 0, len(names))
	for i, b := range books {
		b.mu.RLock()
		n := len(b.entries)
		b.mu.RUnlock()
		if n > 0 {
			accounts = append(accounts, names[i])
		}
	}
	sort.Strings(accounts)
	return accounts
}

// Len returns the number of open positions across all accounts.
func (l *Ledger) Len() int {
	n := 0
	for _, account := range l.Accounts() {
		n += len(l.SnapshotAll(account))
	}
	return n
}

// Restore loads previously persisted records together with every trade id
// already applied, including those of positions closed since. It is meant for
// start-up, before the monitor runs.
func (l *Ledger) Restore(records []Record, applied map[Key][]string) error {
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			return fmt.Errorf("restore %s: %w", rec.Key(), err)
		}

		b := l.book(rec.Account, true)
		b.mu.Lock()
		if e, ok := b.entries[rec.Asset]; ok && !e.isClosed() {
			b.mu.Unlock()
			return fmt.Errorf("restore: %w: %s", ErrDuplicatePosition, rec.Key())
		}
		b.entries[rec.Asset] = newEntry(rec)
		b.mu.Unlock()
	}
	for key, ids := range applied {
		for _, id := range ids {
			l.claim(key, id)
		}
	}

	l.logger.Info("Ledger restored", zap.Int("positions", len(records)))
	return nil
}
