package api

import (
	"context"
	"errors"
	"testing"

	"github.com/deyno-dev/autobuysell/internal/bot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", BaseURL(":8080"))
	assert.Equal(t, "http://127.0.0.1:9000", BaseURL("0.0.0.0:9000"))
	assert.Equal(t, "http://bot.internal:8080", BaseURL("bot.internal:8080"))
	assert.Equal(t, "http://[::1]:8080", BaseURL("[::1]:8080"))
}

func TestClient_OpenGoesThroughRunningServer(t *testing.T) {
	dispatcher := &MockDispatcher{opened: bot.OpenResult{
		Asset: "0xAAA",
		Buys: []bot.BuyResult{
			{Account: "wallet1", TradeID: "buy-1", Amount: decimal.RequireFromString("0.05"), Price: decimal.RequireFromString("0.001")},
		},
	}}
	srv := newTestServer(t, Config{Positions: newLedger(t), Commands: dispatcher})

	res, err := NewClient(srv.URL+"/", srv.Client()).Open(context.Background(), "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, "0xAAA", res.Asset)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Buys, 1)
	assert.True(t, decimal.RequireFromString("0.001").Equal(res.Buys[0].Price))

	// The command reached the server's bus; no second service was involved.
	require.Len(t, dispatcher.cmds, 1)
	assert.Equal(t, "0xaaa", dispatcher.cmds[0].(bot.OpenPositionCommand).Target)
}

func TestClient_OpenReportsServerError(t *testing.T) {
	srv := newTestServer(t, Config{Positions: newLedger(t), Commands: &MockDispatcher{err: bot.ErrValidationFailed}})

	_, err := NewClient(srv.URL, nil).Open(context.Background(), "0xAAA")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 422, statusErr.Code)
	assert.Equal(t, "token rejected", statusErr.Message)
}

func TestClient_OpenWithoutServer(t *testing.T) {
	srv := newTestServer(t, Config{Positions: newLedger(t)})
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Open(context.Background(), "0xAAA")
	assert.ErrorContains(t, err, "reach bot api")
}
