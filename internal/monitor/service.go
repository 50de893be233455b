// internal/monitor/service.go
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/exit"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/metrics"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/trade"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultCallTimeout = 60 * time.Second
	DefaultWorkers     = 4
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("monitor already running")

// ServiceConfig wires the monitor to its collaborators.
type ServiceConfig struct {
	Ledger   *position.Ledger
	Provider market.Provider
	Executor trade.Executor
	Policy   exit.Policy
	Events   events.Publisher
	Metrics  *metrics.Collector
	Logger   *zap.Logger

	// Interval between sweeps; also the time budget of one sweep.
	Interval time.Duration
	// CallTimeout bounds a single Fetch or Liquidate call.
	CallTimeout time.Duration
	// Workers is the number of accounts swept in parallel.
	Workers int
	Now     func() time.Time
}

// Service periodically re-evaluates every open position and liquidates those
// whose exit rules fire.
type Service struct {
	ledger   *position.Ledger
	provider market.Provider
	executor trade.Executor
	policy   exit.Policy
	events   events.Publisher
	metrics  *metrics.Collector
	logger   *zap.Logger

	interval    time.Duration
	callTimeout time.Duration
	workers     int
	now         func() time.Time

	sweepMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    SweepReport
	lastSet bool
}

// NewService creates a monitor. The policy must already be validated.
func NewService(config *ServiceConfig) *Service {
	s := &Service{
		ledger:      config.Ledger,
		provider:    config.Provider,
		executor:    config.Executor,
		policy:      config.Policy,
		events:      config.Events,
		metrics:     config.Metrics,
		logger:      config.Logger.Named("monitor"),
		interval:    config.Interval,
		callTimeout: config.CallTimeout,
		workers:     config.Workers,
		now:         config.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.callTimeout <= 0 {
		s.callTimeout = DefaultCallTimeout
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

// Run sweeps immediately and then once per interval until ctx is cancelled or
// Stop is called. A sweep that overruns the interval causes the missed ticks
// to be skipped; sweeps never overlap.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("Monitor started",
		zap.Duration("interval", s.interval),
		zap.Int("workers", s.workers),
		zap.Int("positions", s.ledger.Len()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels Run and waits for the running sweep, including its in-flight
// trades, to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastReport returns the report of the most recent sweep.
func (s *Service) LastReport() (SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastSet
}

// Sweep evaluates every open position once. Accounts are processed in
// parallel; records of one account are processed in order. No record is
// started after the sweep deadline (start + interval) or once ctx is done.
func (s *Service) Sweep(ctx context.Context) SweepReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := s.now()
	deadline := start.Add(s.interval)
	accounts := s.ledger.Accounts()

	var (
		mu     sync.Mutex
		report = SweepReport{Started: start, Accounts: len(accounts)}
	)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, account := range accounts {
		g.Go(func() error {
			r := s.sweepAccount(ctx, account, deadline)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(start)
	report.Interrupted = ctx.Err() != nil

	s.mu.Lock()
	s.last = report
	s.lastSet = true
	s.mu.Unlock()

	s.metrics.RecordSweep(report.Duration, report.outcome())
	_ = s.events.Publish(events.SweepCompletedEvent{
		BaseEvent: events.NewBase(events.SweepCompleted),
		Duration:  report.Duration,
		Evaluated: report.Evaluated,
		Exited:    report.Exited,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		Busy:      report.Busy,
		Deferred:  report.Deferred,
		Flagged:   report.Flagged,
	})

	level := zap.DebugLevel
	if report.Exited > 0 || report.Failed > 0 || report.Deferred > 0 {
		level = zap.InfoLevel
	}
	s.logger.Log(level, "Sweep completed", report.fields()...)
	return report
}

func (s *Service) sweepAccount(ctx context.Context, account string, deadline time.Time) SweepReport {
	var r SweepReport
	records := s.ledger.SnapshotAll(account)

	for i, rec := range records {
		if ctx.Err() != nil || s.now().After(deadline) {
			r.Deferred += len(records) - i
			s.logger.Warn("Sweep stopped before end of account",
				zap.String("account", account),
				zap.Int("deferred", len(records)-i),
				zap.Bool("cancelled", ctx.Err() != nil))
			break
		}
		r.count(s.processRecord(ctx, rec.Key()))
	}

	s.metrics.SetOpenPositions(account, len(s.ledger.SnapshotAll(account)))
	return r
}
