package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var entryTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(account, asset string) position.Record {
	return position.Record{
		Account:            account,
		Asset:              asset,
		EntryPrice:         d("0.00123"),
		EntryTime:          entryTime,
		EntryVolume:        d("75000.5"),
		LiquidatedFraction: decimal.Zero,
		Amount:             d("0.025"),
		EntryTradeID:       "buy-1",
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))
	require.NoError(t, s.SavePosition(ctx, testRecord("acc2", "0xaaa")))

	key := position.Key{Account: "acc1", Asset: "0xaaa"}
	require.NoError(t, s.RecordFill(ctx, storage.FillEntry{
		Key: key, TradeID: "tx-1", Reason: "price-target", Filled: d("0.25"), Liquidated: d("0.25"),
	}))
	// Replayed fill is ignored.
	require.NoError(t, s.RecordFill(ctx, storage.FillEntry{
		Key: key, TradeID: "tx-1", Reason: "price-target", Filled: d("0.25"), Liquidated: d("0.25"),
	}))

	records, applied, err := s.LoadOpen(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[0]
	assert.Equal(t, "acc1", got.Account)
	assert.True(t, d("0.00123").Equal(got.EntryPrice))
	assert.True(t, d("75000.5").Equal(got.EntryVolume))
	assert.True(t, d("0.25").Equal(got.LiquidatedFraction))
	assert.True(t, entryTime.Equal(got.EntryTime))
	assert.Equal(t, "buy-1", got.EntryTradeID)
	assert.Equal(t, []string{"tx-1"}, applied[key])
	assert.Empty(t, applied[position.Key{Account: "acc2", Asset: "0xaaa"}])
}

func TestStore_FullExitClosesPosition(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))

	key := position.Key{Account: "acc1", Asset: "0xaaa"}
	require.NoError(t, s.RecordFill(ctx, storage.FillEntry{
		Key: key, TradeID: "tx-9", Reason: "stop-loss", Filled: d("1"), Liquidated: d("1"), Closed: true,
	}))
	// PositionClosed follows a full exit; nothing is left to close.
	require.NoError(t, s.ClosePosition(ctx, key, "stop-loss"))

	records, _, err := s.LoadOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	// The same key can be opened again.
	require.NoError(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))
	records, applied, err := s.LoadOpen(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].LiquidatedFraction.IsZero())
	// The closing fill stays known so a late re-delivery is not applied to
	// the new position.
	assert.Equal(t, []string{"tx-9"}, applied[key])
}

func TestStore_RejectsSecondOpenPosition(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))
	assert.Error(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))
}

func TestStore_RecordFillUnknownPosition(t *testing.T) {
	s := openMemory(t)
	err := s.RecordFill(context.Background(), storage.FillEntry{
		Key: position.Key{Account: "acc1", Asset: "0xaaa"}, TradeID: "tx-1", Filled: d("0.25"), Liquidated: d("0.25"),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "journal.db")

	s, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SavePosition(ctx, testRecord("acc1", "0xaaa")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	records, _, err := s.LoadOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAttach_JournalFollowsLedgerEvents(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	s := openMemory(t)
	bus := events.NewBus(logger, 8)
	defer func() { _ = bus.Shutdown(ctx) }()

	detach := storage.Attach(bus, s, logger)
	defer detach()

	rec := testRecord("acc1", "0xaaa")
	key := rec.Key()
	require.NoError(t, bus.PublishSync(ctx, events.PositionOpenedEvent{BaseEvent: events.NewBase(events.PositionOpened), Record: rec}))
	require.NoError(t, bus.PublishSync(ctx, events.ExitExecutedEvent{
		BaseEvent:          events.NewBase(events.ExitExecuted),
		Key:                key,
		Reason:             "price-target",
		TradeID:            "tx-1",
		Filled:             d("0.25"),
		LiquidatedFraction: d("0.25"),
	}))

	ledger := position.NewLedger(logger)
	n, err := storage.Restore(ctx, s, ledger)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := ledger.Get("acc1", "0xaaa")
	require.True(t, ok)
	assert.True(t, d("0.25").Equal(got.LiquidatedFraction))

	// tx-1 was restored as applied, so replaying it changes nothing.
	res, err := ledger.Apply("acc1", "0xaaa", position.Fill{TradeID: "tx-1", Fraction: d("0.25")})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	require.NoError(t, bus.PublishSync(ctx, events.PositionClosedEvent{
		BaseEvent: events.NewBase(events.PositionClosed), Record: rec, Reason: "manual",
	}))
	records, _, err := s.LoadOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_RecordFillRollsBackOnUpdateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, zaptest.NewLogger(t))
	key := position.Key{Account: "acc1", Asset: "0xaaa"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM positions`).
		WithArgs("acc1", "0xaaa").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`INSERT OR IGNORE INTO fills`).
		WithArgs(int64(7), "tx-1", "0.25", "price-target", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE positions SET liquidated_fraction`).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = s.RecordFill(context.Background(), storage.FillEntry{
		Key: key, TradeID: "tx-1", Reason: "price-target", Filled: d("0.25"), Liquidated: d("0.25"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordFillMissingPositionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, zaptest.NewLogger(t))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM positions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err = s.RecordFill(context.Background(), storage.FillEntry{
		Key: position.Key{Account: "acc1", Asset: "0xaaa"}, TradeID: "tx-1",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadOpenRejectsCorruptDecimal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, zaptest.NewLogger(t))

	mock.ExpectQuery(`SELECT id, account, asset`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account", "asset", "entry_price", "entry_time", "entry_volume",
			"liquidated_fraction", "amount", "entry_trade_id",
		}).AddRow(1, "acc1", "0xaaa", "not-a-number", entryTime.UnixNano(), "1", "0", "0", ""))

	_, _, err = s.LoadOpen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry price")
}

func TestStore_SavePositionError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, zaptest.NewLogger(t))
	mock.ExpectExec(`INSERT INTO positions`).
		WillReturnError(errors.New("disk I/O error"))

	err = s.SavePosition(context.Background(), testRecord("acc1", "0xaaa"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acc1/0xaaa")
}
