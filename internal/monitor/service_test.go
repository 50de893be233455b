// internal/monitor/service_test.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/exit"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/metrics"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/trade"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dt)
	c.mu.Unlock()
}

// MockProvider serves prices per asset.
type MockProvider struct {
	mu      sync.Mutex
	prices  map[string]string
	err     error
	calls   atomic.Int32
	onFetch func()
	clock   *fakeClock
}

func (m *MockProvider) Fetch(ctx context.Context, asset string) (market.Snapshot, error) {
	m.calls.Add(1)
	if m.onFetch != nil {
		m.onFetch()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return market.Snapshot{}, m.err
	}
	price, ok := m.prices[asset]
	if !ok {
		return market.Snapshot{}, fmt.Errorf("%w: %s", market.ErrDataUnavailable, asset)
	}
	return market.Snapshot{
		Asset:     asset,
		Price:     d(price),
		Volume:    d("1000"),
		MarketCap: d("50000"),
		FetchedAt: m.clock.Now(),
	}, nil
}

// MockExecutor records liquidation requests.
type MockExecutor struct {
	mu        sync.Mutex
	requests  []decimal.Decimal
	err       error
	fillShare decimal.Decimal // confirm this instead of the requested fraction when set
	tradeID   string          // fixed trade id when set
	seq       int
	block     chan struct{}
	started   chan struct{}
	ctxErr    error
}

func (m *MockExecutor) Liquidate(ctx context.Context, account, asset string, fraction decimal.Decimal) (trade.Fill, error) {
	if m.started != nil {
		close(m.started)
	}
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	m.requests = append(m.requests, fraction)
	if m.err != nil {
		return trade.Fill{}, m.err
	}
	m.seq++
	id := m.tradeID
	if id == "" {
		id = fmt.Sprintf("tx-%d", m.seq)
	}
	share := fraction
	if !m.fillShare.IsZero() {
		share = m.fillShare
	}
	return trade.Fill{TradeID: id, ConfirmedFraction: share}, nil
}

func (m *MockExecutor) Acquire(ctx context.Context, account, asset string, amount decimal.Decimal) (trade.Entry, error) {
	return trade.Entry{}, errors.New("not used")
}

func (m *MockExecutor) Requests() []decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]decimal.Decimal(nil), m.requests...)
}

// MockPublisher captures events by type.
type MockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *MockPublisher) Publish(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MockPublisher) PublishSync(_ context.Context, e events.Event) error {
	return m.Publish(e)
}

func (m *MockPublisher) OfType(t events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	ledger   *position.Ledger
	provider *MockProvider
	executor *MockExecutor
	events   *MockPublisher
	clock    *fakeClock
	service  *Service
}

func stagedPolicy(t *testing.T) exit.Policy {
	t.Helper()
	p := exit.DefaultPolicy()
	p.MinProfitRatio = d("10")
	require.NoError(t, p.Validate())
	return p
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := &fakeClock{now: t0}
	h := &harness{
		ledger:   position.NewLedger(logger),
		provider: &MockProvider{prices: map[string]string{}, clock: clock},
		executor: &MockExecutor{},
		events:   &MockPublisher{},
		clock:    clock,
	}
	h.service = NewService(&ServiceConfig{
		Ledger:      h.ledger,
		Provider:    h.provider,
		Executor:    h.executor,
		Policy:      stagedPolicy(t),
		Events:      h.events,
		Metrics:     metrics.NewCollector(prometheus.NewRegistry()),
		Logger:      logger,
		Interval:    interval,
		CallTimeout: time.Second,
		Workers:     2,
		Now:         clock.Now,
	})
	return h
}

func (h *harness) open(t *testing.T, account, asset string) {
	t.Helper()
	_, err := h.ledger.Open(account, asset, d("100"), t0.Add(-time.Hour), d("1000"))
	require.NoError(t, err)
}

func (h *harness) liquidated(t *testing.T, account, asset string) decimal.Decimal {
	t.Helper()
	rec, ok := h.ledger.Get(account, asset)
	require.True(t, ok, "position %s/%s should be open", account, asset)
	return rec.LiquidatedFraction
}

func TestSweep_StagedPartialExit(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "150"

	report := h.service.Sweep(context.Background())

	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Exited)
	assert.True(t, d("0.25").Equal(h.liquidated(t, "acc1", "0xaaa")))

	executed := h.events.OfType(events.ExitExecuted)
	require.Len(t, executed, 1)
	ev := executed[0].(events.ExitExecutedEvent)
	assert.Equal(t, "price-target", ev.Reason)
	assert.Equal(t, 0, ev.Tier)
	assert.Equal(t, "tx-1", ev.TradeID)
	assert.False(t, ev.Closed)

	// Same price again: tier 1 needs 2x, so nothing happens.
	report = h.service.Sweep(context.Background())
	assert.Equal(t, 0, report.Exited)
	assert.Len(t, h.executor.Requests(), 1)
}

func TestSweep_HoldWhenNoRuleFires(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "110"

	report := h.service.Sweep(context.Background())
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Exited)
	assert.Empty(t, h.executor.Requests())
}

func TestSweep_StopLossClosesPosition(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "79"

	report := h.service.Sweep(context.Background())
	assert.Equal(t, 1, report.Exited)

	_, ok := h.ledger.Get("acc1", "0xaaa")
	assert.False(t, ok)
	closed := h.events.OfType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "stop-loss", closed[0].(events.PositionClosedEvent).Reason)
	require.Len(t, h.executor.Requests(), 1)
	assert.True(t, d("1").Equal(h.executor.Requests()[0]))
}

func TestSweep_FetchFailureLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.err = fmt.Errorf("%w: timeout", market.ErrDataUnavailable)

	report := h.service.Sweep(context.Background())

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Evaluated)
	assert.Empty(t, h.executor.Requests())
	assert.True(t, h.liquidated(t, "acc1", "0xaaa").IsZero())
	assert.Len(t, h.events.OfType(events.SnapshotUnavailable), 1)
}

func TestSweep_ExecutorFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "150"
	h.executor.err = fmt.Errorf("%w: reverted", trade.ErrExecutionFailure)

	report := h.service.Sweep(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.True(t, h.liquidated(t, "acc1", "0xaaa").IsZero())
	failed := h.events.OfType(events.ExitFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].(events.ExitFailedEvent).Error, trade.ErrExecutionFailure)

	// Retried on the next sweep once the executor recovers.
	h.executor.mu.Lock()
	h.executor.err = nil
	h.executor.mu.Unlock()
	report = h.service.Sweep(context.Background())
	assert.Equal(t, 1, report.Exited)
	assert.True(t, d("0.25").Equal(h.liquidated(t, "acc1", "0xaaa")))
}

func TestSweep_PartialFillAppliesConfirmedShare(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "150"
	h.executor.fillShare = d("0.1")

	h.service.Sweep(context.Background())
	assert.True(t, d("0.1").Equal(h.liquidated(t, "acc1", "0xaaa")))

	// Still inside tier 0, which is asked for again at the same price.
	h.executor.fillShare = decimal.Zero
	h.service.Sweep(context.Background())
	assert.True(t, d("0.35").Equal(h.liquidated(t, "acc1", "0xaaa")))
}

func TestSweep_DuplicateTradeIDIsIgnored(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "150"
	h.executor.tradeID = "same"
	h.executor.fillShare = d("0.1")

	h.service.Sweep(context.Background())
	report := h.service.Sweep(context.Background())

	// Tier 0 is requested again but the executor reports the old trade.
	assert.Len(t, h.executor.Requests(), 2)
	assert.Equal(t, 0, report.Exited)
	assert.Equal(t, 1, report.Skipped)
	assert.True(t, d("0.1").Equal(h.liquidated(t, "acc1", "0xaaa")))
	assert.Len(t, h.events.OfType(events.ExitExecuted), 1)
}

func TestSweep_SkipsBusyPosition(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "79"

	_, release, err := h.ledger.Begin("acc1", "0xaaa")
	require.NoError(t, err)

	report := h.service.Sweep(context.Background())
	assert.Equal(t, 1, report.Busy)
	assert.Equal(t, int32(0), h.provider.calls.Load())

	release()
	report = h.service.Sweep(context.Background())
	assert.Equal(t, 1, report.Exited)
}

func TestSweep_ParallelAccounts(t *testing.T) {
	h := newHarness(t, time.Minute)
	for i := 0; i < 5; i++ {
		account := fmt.Sprintf("acc%d", i)
		h.open(t, account, "0xaaa")
		h.open(t, account, "0xbbb")
	}
	h.provider.prices["0xaaa"] = "150"
	h.provider.prices["0xbbb"] = "120"

	report := h.service.Sweep(context.Background())

	assert.Equal(t, 5, report.Accounts)
	assert.Equal(t, 10, report.Evaluated)
	assert.Equal(t, 5, report.Exited)
	for i := 0; i < 5; i++ {
		account := fmt.Sprintf("acc%d", i)
		assert.True(t, d("0.25").Equal(h.liquidated(t, account, "0xaaa")))
		assert.True(t, h.liquidated(t, account, "0xbbb").IsZero())
	}
}

func TestSweep_DeadlineDefersRemainingRecords(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.open(t, "acc1", "0xbbb")
	h.open(t, "acc1", "0xccc")
	for _, a := range []string{"0xaaa", "0xbbb", "0xccc"} {
		h.provider.prices[a] = "110"
	}
	h.provider.onFetch = func() { h.clock.Advance(90 * time.Second) }

	report := h.service.Sweep(context.Background())

	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, int32(2), h.provider.calls.Load())
}

func TestSweep_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.open(t, "acc1", "0xbbb")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.service.Sweep(ctx)

	assert.True(t, report.Interrupted)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, int32(0), h.provider.calls.Load())
}

func TestSweep_InFlightLiquidationSurvivesCancel(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.open(t, "acc1", "0xaaa")
	h.open(t, "acc1", "0xbbb")
	h.provider.prices["0xaaa"] = "79"
	h.provider.prices["0xbbb"] = "79"
	h.executor.block = make(chan struct{})
	h.executor.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SweepReport)
	go func() { done <- h.service.Sweep(ctx) }()

	<-h.executor.started
	cancel()
	close(h.executor.block)

	report := <-done
	assert.Equal(t, 1, report.Exited)
	assert.Equal(t, 1, report.Deferred)
	assert.NoError(t, h.executor.ctxErr)

	_, ok := h.ledger.Get("acc1", "0xaaa")
	assert.False(t, ok)
	_, ok = h.ledger.Get("acc1", "0xbbb")
	assert.True(t, ok)
}

func TestRun_SweepsUntilStopped(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.open(t, "acc1", "0xaaa")
	h.provider.prices["0xaaa"] = "110"

	errCh := make(chan error, 1)
	go func() { errCh <- h.service.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.provider.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	h.service.Stop()
	assert.NoError(t, <-errCh)

	report, ok := h.service.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, report.Accounts)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.service.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.service.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
