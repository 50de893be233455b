package export

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestTradeLog_WritesBuysAndExits(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "trades", "log.csv")

	w, err := NewCSVWriter(path, time.Hour, logger)
	require.NoError(t, err)

	bus := events.NewBus(logger, 16)
	defer bus.Shutdown(context.Background())
	detach := Attach(bus, w, logger)

	key := position.Key{Account: "wallet1", Asset: "0xAAA"}
	ctx := context.Background()
	require.NoError(t, bus.PublishSync(ctx, events.BuyCompletedEvent{
		BaseEvent: events.NewBase(events.BuyCompleted),
		Key:       key,
		TradeID:   "buy-1",
		Amount:    decimal.RequireFromString("0.05"),
		Price:     decimal.RequireFromString("0.001"),
	}))
	require.NoError(t, bus.PublishSync(ctx, events.ExitExecutedEvent{
		BaseEvent:  events.NewBase(events.ExitExecuted),
		Key:        key,
		Reason:     "stop-loss",
		Filled:     decimal.NewFromInt(1),
		TradeID:    "sell-1",
		Closed:     true,
		Price:      decimal.RequireFromString("0.0008"),
		EntryPrice: decimal.RequireFromString("0.001"),
	}))

	detach()
	require.NoError(t, bus.PublishSync(ctx, events.BuyCompletedEvent{
		BaseEvent: events.NewBase(events.BuyCompleted),
		Key:       key,
		Amount:    decimal.NewFromInt(1),
	}))

	require.NoError(t, w.Close())
	records, _ := w.Stats()
	assert.Equal(t, uint64(2), records)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"wallet1", "0xAAA", "buy", "", "0.05", "0.001", "0.001", "buy-1", "false"}, rows[1][1:])
	assert.Equal(t, []string{"wallet1", "0xAAA", "sell", "stop-loss", "1", "0.0008", "0.001", "sell-1", "true"}, rows[2][1:])
}

func TestCSVWriter_AppendsWithoutSecondHeader(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "log.csv")

	for i := 0; i < 2; i++ {
		w, err := NewCSVWriter(path, time.Hour, logger)
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord([]string{"a", "b"}))
		require.NoError(t, w.Flush())
		require.NoError(t, w.Close())
	}

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
}
