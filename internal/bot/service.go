// internal/bot/service.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deyno-dev/autobuysell/internal/config"
	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/export"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/metrics"
	"github.com/deyno-dev/autobuysell/internal/monitor"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/storage"
	"github.com/deyno-dev/autobuysell/internal/storage/sqlite"
	"github.com/deyno-dev/autobuysell/internal/trade"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BotService owns the ledger and every component around it.
type BotService struct {
	config   *config.Config
	logger   *zap.Logger
	ledger   *position.Ledger
	bus      *events.Bus
	journal  storage.Journal
	detach   func()
	tradeLog *export.CSVWriter
	metrics  *metrics.Collector
	monitor  *monitor.Service
	trading  *TradingService
	commands *CommandBus

	closeOnce sync.Once
	closeErr  error
}

// BotServiceConfig configures BotService. Only Config and Logger are required;
// the other fields replace the components built from Config.
type BotServiceConfig struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry prometheus.Registerer

	Journal  storage.Journal
	Provider market.Provider
	Resolver SymbolResolver
	Executor trade.Executor
}

// NewBotService builds the components and restores open positions from the
// journal. The monitor is not started.
func NewBotService(ctx context.Context, cfg *BotServiceConfig) (*BotService, error) {
	logger := cfg.Logger.Named("bot_service")
	c := cfg.Config

	policy, err := c.ExitPolicy()
	if err != nil {
		return nil, err
	}

	journal := cfg.Journal
	if journal == nil {
		journal, err = sqlite.Open(ctx, c.JournalPath, cfg.Logger)
		if err != nil {
			return nil, err
		}
	}

	s := &BotService{
		config:  c,
		logger:  logger,
		ledger:  position.NewLedger(cfg.Logger),
		bus:     events.NewBus(cfg.Logger, 0),
		journal: journal,
	}
	if cfg.Registry != nil {
		s.metrics = metrics.NewCollector(cfg.Registry)
	}

	restored, err := storage.Restore(ctx, journal, s.ledger)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	s.detach = storage.Attach(s.bus, journal, cfg.Logger)

	if c.TradeLog != "" {
		s.tradeLog, err = export.NewCSVWriter(c.TradeLog, 5*time.Second, cfg.Logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("open trade log: %w", err)
		}
		detachJournal, detachLog := s.detach, export.Attach(s.bus, s.tradeLog, cfg.Logger)
		s.detach = func() {
			detachLog()
			detachJournal()
		}
	}

	provider, resolver := cfg.Provider, cfg.Resolver
	if provider == nil {
		client := market.NewDexToolsClient(market.DexToolsConfig{
			BaseURL:       c.MarketData.BaseURL,
			APIKey:        c.MarketData.APIKey,
			Chain:         c.MarketData.Chain,
			RatePerSecond: c.MarketData.RatePerSecond,
			Retries:       c.MarketData.Retries,
			Logger:        cfg.Logger,
		})
		provider = client
		if resolver == nil {
			resolver = client
		}
	}

	executor := cfg.Executor
	if executor == nil {
		executor, err = newExecutor(c, provider, cfg.Logger)
		if err != nil {
			s.close()
			return nil, err
		}
	}

	s.monitor = monitor.NewService(&monitor.ServiceConfig{
		Ledger:      s.ledger,
		Provider:    provider,
		Executor:    executor,
		Policy:      policy,
		Events:      s.bus,
		Metrics:     s.metrics,
		Logger:      cfg.Logger,
		Interval:    c.MonitorInterval(),
		CallTimeout: c.CallTimeout(),
		Workers:     c.Workers,
	})

	s.trading = NewTradingService(&TradingServiceConfig{
		Ledger:   s.ledger,
		Provider: provider,
		Resolver: resolver,
		Executor: executor,
		Events:   s.bus,
		Metrics:  s.metrics,
		Logger:   cfg.Logger,
		Accounts: c.AccountNames(),
		Sizing: Sizing{
			BuyAmount: decimal.NewFromFloat(c.BuyAmount),
			MaxBuy:    decimal.NewFromFloat(c.MaxBuy),
			RiskLevel: c.RiskLevel,
		},
		CallTimeout: c.CallTimeout(),
	})

	s.commands = NewCommandBus(cfg.Logger)
	RegisterTradingHandlers(s.commands, s.trading)

	logger.Info("BotService initialized",
		zap.String("mode", c.Mode),
		zap.Int("accounts", len(c.Accounts)),
		zap.Int("restored_positions", restored),
		zap.Strings("commands", s.commands.RegisteredCommands()))
	return s, nil
}

// newExecutor returns the paper-trading executor in simulated mode and the
// signing-service executor otherwise. Both retry submissions that never left.
func newExecutor(c *config.Config, provider market.Provider, logger *zap.Logger) (trade.Executor, error) {
	var next trade.Executor
	if c.Simulated() {
		next = trade.NewSimulatedExecutor(provider, logger)
	} else {
		router, err := trade.NewHTTPRouter(trade.HTTPRouterConfig{
			URL:           c.Router.URL,
			APIKey:        c.Router.APIKey,
			Slippage:      decimal.NewFromFloat(c.Slippage),
			GasMultiplier: decimal.NewFromFloat(c.GasMultiplier),
			Timeout:       c.RouterTimeout(),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		next = trade.NewRouterExecutor(router, provider, logger)
	}
	return trade.NewRetryingExecutor(next, uint(c.Router.Retries), time.Second, logger), nil
}

// Run runs the monitor until ctx is cancelled.
func (s *BotService) Run(ctx context.Context) error {
	return s.monitor.Run(ctx)
}

// Close stops the monitor, drains queued events and closes the journal.
func (s *BotService) Close() error {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		s.close()
	})
	return s.closeErr
}

func (s *BotService) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.bus.Shutdown(ctx); err != nil {
		s.logger.Warn("Event bus shutdown incomplete", zap.Error(err))
	}
	if s.detach != nil {
		s.detach()
	}
	var errs []error
	if s.tradeLog != nil {
		errs = append(errs, s.tradeLog.Close())
	}
	errs = append(errs, s.journal.Close())
	s.closeErr = errors.Join(errs...)
	s.logger.Info("BotService closed")
}

// Commands returns the command bus operator commands are sent through.
func (s *BotService) Commands() *CommandBus {
	return s.commands
}

func (s *BotService) Trading() *TradingService {
	return s.trading
}

func (s *BotService) Ledger() *position.Ledger {
	return s.ledger
}

// Events returns the bus for additional subscribers such as notifiers.
func (s *BotService) Events() *events.Bus {
	return s.bus
}

func (s *BotService) Monitor() *monitor.Service {
	return s.monitor
}
