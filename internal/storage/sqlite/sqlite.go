// internal/storage/sqlite/sqlite.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed journal.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.Journal = (*Store)(nil)

// Open opens (creating if needed) the journal at path and applies the schema.
// Use ":memory:" for a throwaway journal.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writes.
	db.SetMaxOpenConns(1)

	s := New(db, logger)
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("Journal opened", zap.String("path", path))
	return s, nil
}

// New wraps an existing database handle.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("journal")}
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	account             TEXT    NOT NULL,
	asset               TEXT    NOT NULL,
	entry_price         TEXT    NOT NULL,
	entry_time          INTEGER NOT NULL,
	entry_volume        TEXT    NOT NULL,
	liquidated_fraction TEXT    NOT NULL DEFAULT '0',
	amount              TEXT    NOT NULL DEFAULT '0',
	entry_trade_id      TEXT    NOT NULL DEFAULT '',
	updated_at          INTEGER NOT NULL,
	closed_at           INTEGER,
	close_reason        TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS positions_open_key
	ON positions (account, asset) WHERE closed_at IS NULL;
CREATE TABLE IF NOT EXISTS fills (
	position_id INTEGER NOT NULL REFERENCES positions (id),
	trade_id    TEXT    NOT NULL,
	fraction    TEXT    NOT NULL,
	reason      TEXT    NOT NULL,
	applied_at  INTEGER NOT NULL,
	PRIMARY KEY (position_id, trade_id)
);`

// RunMigrations creates the tables if they do not exist.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// SavePosition inserts a newly opened position.
func (s *Store) SavePosition(ctx context.Context, rec position.Record) error {
	query := `
		INSERT INTO positions (account, asset, entry_price, entry_time, entry_volume,
			liquidated_fraction, amount, entry_trade_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.Account,
		rec.Asset,
		rec.EntryPrice.String(),
		rec.EntryTime.UnixNano(),
		rec.EntryVolume.String(),
		rec.LiquidatedFraction.String(),
		rec.Amount.String(),
		rec.EntryTradeID,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", rec.Key(), err)
	}
	return nil
}

// RecordFill stores an applied fill and the new liquidated fraction in one
// transaction. A trade id already stored for the position is ignored.
func (s *Store) RecordFill(ctx context.Context, fill storage.FillEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fill %s: %w", fill.TradeID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM positions WHERE account = ? AND asset = ? AND closed_at IS NULL`,
		fill.Key.Account, fill.Key.Asset,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", storage.ErrNotFound, fill.Key)
		return err
	}
	if err != nil {
		return fmt.Errorf("find position %s: %w", fill.Key, err)
	}

	now := time.Now().UnixNano()
	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (position_id, trade_id, fraction, reason, applied_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, fill.TradeID, fill.Filled.String(), fill.Reason, now,
	); err != nil {
		return fmt.Errorf("insert fill %s: %w", fill.TradeID, err)
	}

	if fill.Closed {
		_, err = tx.ExecContext(ctx,
			`UPDATE positions SET liquidated_fraction = ?, updated_at = ?, closed_at = ?, close_reason = ? WHERE id = ?`,
			fill.Liquidated.String(), now, now, fill.Reason, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE positions SET liquidated_fraction = ?, updated_at = ? WHERE id = ?`,
			fill.Liquidated.String(), now, id)
	}
	if err != nil {
		return fmt.Errorf("update position %s: %w", fill.Key, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit fill %s: %w", fill.TradeID, err)
	}
	return nil
}

// ClosePosition marks the open position for key as closed. Closing a position
// that is not open is a no-op, since a full exit already closes it.
func (s *Store) ClosePosition(ctx context.Context, key position.Key, reason string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET closed_at = ?, close_reason = ?, updated_at = ?
		 WHERE account = ? AND asset = ? AND closed_at IS NULL`,
		now, reason, now, key.Account, key.Asset)
	if err != nil {
		return fmt.Errorf("close position %s: %w", key, err)
	}
	return nil
}

// LoadOpen reads every open position, plus the applied trade ids of all
// positions ever journaled.
func (s *Store) LoadOpen(ctx context.Context) ([]position.Record, map[position.Key][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, asset, entry_price, entry_time, entry_volume,
			liquidated_fraction, amount, entry_trade_id
		FROM positions
		WHERE closed_at IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var records []position.Record
	for rows.Next() {
		var (
			id                                   int64
			rec                                  position.Record
			entryPrice, entryVolume, liq, amount string
			entryTime                            int64
		)
		if err := rows.Scan(&id, &rec.Account, &rec.Asset, &entryPrice, &entryTime,
			&entryVolume, &liq, &amount, &rec.EntryTradeID); err != nil {
			return nil, nil, fmt.Errorf("scan position: %w", err)
		}
		if rec.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, nil, fmt.Errorf("position %d entry price: %w", id, err)
		}
		if rec.EntryVolume, err = decimal.NewFromString(entryVolume); err != nil {
			return nil, nil, fmt.Errorf("position %d entry volume: %w", id, err)
		}
		if rec.LiquidatedFraction, err = decimal.NewFromString(liq); err != nil {
			return nil, nil, fmt.Errorf("position %d liquidated fraction: %w", id, err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, nil, fmt.Errorf("position %d amount: %w", id, err)
		}
		rec.EntryTime = time.Unix(0, entryTime).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load positions: %w", err)
	}
	_ = rows.Close()

	applied, err := s.loadFills(ctx)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Journal loaded",
		zap.Int("positions", len(records)),
		zap.Int("with_fills", len(applied)))
	return records, applied, nil
}

// loadFills returns the trade ids of every journaled fill, closed positions
// included, keyed by position.
func (s *Store) loadFills(ctx context.Context) (map[position.Key][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.account, p.asset, f.trade_id
		FROM fills f
		JOIN positions p ON p.id = f.position_id
		ORDER BY f.applied_at`)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	defer rows.Close()

	applied := make(map[position.Key][]string)
	for rows.Next() {
		var (
			key     position.Key
			tradeID string
		)
		if err := rows.Scan(&key.Account, &key.Asset, &tradeID); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		applied[key] = append(applied[key], tradeID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	return applied, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
