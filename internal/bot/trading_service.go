// internal/bot/trading_service.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deyno-dev/autobuysell/internal/events"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/metrics"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/deyno-dev/autobuysell/internal/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrValidationFailed means the token is too thin to buy at the configured risk.
	ErrValidationFailed = errors.New("token failed validation")
	ErrNoAccounts       = errors.New("no accounts configured")
	// ErrNotJournaled means a bought position is monitored but was not
	// persisted, so it will be missing after a restart.
	ErrNotJournaled = errors.New("position bought but not journaled")
)

// ReasonManual marks exits requested by an operator rather than a rule.
const ReasonManual = "manual"

const defaultCallTimeout = 60 * time.Second

var (
	minLiquidity = decimal.NewFromInt(10000)
	minVolume    = decimal.NewFromInt(50000)
	hundred      = decimal.NewFromInt(100)
)

// SymbolResolver maps a ticker to a contract address.
type SymbolResolver interface {
	ResolveSymbol(ctx context.Context, symbol string) (string, error)
}

// Sizing controls how much is spent on each buy.
type Sizing struct {
	BuyAmount decimal.Decimal
	MaxBuy    decimal.Decimal
	RiskLevel int // 1-100
}

// Total is the quote amount spent across all accounts:
// min(BuyAmount*RiskLevel/100, MaxBuy).
func (s Sizing) Total() decimal.Decimal {
	amount := s.BuyAmount.Mul(decimal.NewFromInt(int64(s.RiskLevel))).Div(hundred)
	if s.MaxBuy.IsPositive() && amount.GreaterThan(s.MaxBuy) {
		amount = s.MaxBuy
	}
	return amount
}

// Thresholds returns the minimum liquidity and 24h volume a token needs.
func (s Sizing) Thresholds() (liquidity, volume decimal.Decimal) {
	risk := decimal.NewFromInt(int64(s.RiskLevel)).Div(hundred)
	return minLiquidity.Mul(risk), minVolume.Mul(risk)
}

// TradingServiceConfig configures TradingService.
type TradingServiceConfig struct {
	Ledger      *position.Ledger
	Provider    market.Provider
	Resolver    SymbolResolver // optional; without it only addresses are accepted
	Executor    trade.Executor
	Events      events.Publisher
	Metrics     *metrics.Collector
	Logger      *zap.Logger
	Accounts    []string
	Sizing      Sizing
	CallTimeout time.Duration
	Now         func() time.Time
}

// TradingService opens positions on request and sells them on operator command.
// Exits driven by rules are left to the monitor.
type TradingService struct {
	ledger      *position.Ledger
	provider    market.Provider
	resolver    SymbolResolver
	executor    trade.Executor
	events      events.Publisher
	metrics     *metrics.Collector
	logger      *zap.Logger
	accounts    []string
	sizing      Sizing
	callTimeout time.Duration
	now         func() time.Time

	// Serialises opens of the same asset so two commands cannot both pass the
	// duplicate check before either records its position.
	openMu sync.Mutex
}

// NewTradingService creates a new trading service.
func NewTradingService(config *TradingServiceConfig) *TradingService {
	s := &TradingService{
		ledger:      config.Ledger,
		provider:    config.Provider,
		resolver:    config.Resolver,
		executor:    config.Executor,
		events:      config.Events,
		metrics:     config.Metrics,
		logger:      config.Logger.Named("trading_service"),
		accounts:    append([]string(nil), config.Accounts...),
		sizing:      config.Sizing,
		callTimeout: config.CallTimeout,
		now:         config.Now,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// BuyResult is the outcome of the buy for one account.
type BuyResult struct {
	Account string
	TradeID string
	Amount  decimal.Decimal
	Price   decimal.Decimal
	Err     error
}

// OpenResult summarises an Open call.
type OpenResult struct {
	Asset  string
	Symbol string
	Buys   []BuyResult
}

// Succeeded counts the accounts that now hold the asset.
func (r OpenResult) Succeeded() int {
	n := 0
	for _, b := range r.Buys {
		if b.Err == nil {
			n++
		}
	}
	return n
}

// Open buys target for every account and records the positions. Target is a
// contract address or, when a resolver is configured, a ticker symbol.
// An error is returned only when nothing was attempted; per-account failures
// are reported in the result.
func (s *TradingService) Open(ctx context.Context, target string) (OpenResult, error) {
	if len(s.accounts) == 0 {
		return OpenResult{}, ErrNoAccounts
	}

	asset, symbol, err := s.resolve(ctx, target)
	if err != nil {
		return OpenResult{}, err
	}
	result := OpenResult{Asset: asset, Symbol: symbol}
	log := s.logger.With(zap.String("asset", asset), zap.String("symbol", symbol))

	snap, err := s.fetch(ctx, asset)
	if err != nil {
		return result, err
	}
	if err := s.validate(snap); err != nil {
		log.Info("Token rejected", zap.Error(err))
		return result, err
	}

	perAccount := s.sizing.Total().Div(decimal.NewFromInt(int64(len(s.accounts))))
	if !perAccount.IsPositive() {
		return result, fmt.Errorf("buy amount per account is %s", perAccount)
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	result.Buys = make([]BuyResult, len(s.accounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, account := range s.accounts {
		g.Go(func() error {
			result.Buys[i] = s.buy(gctx, account, asset, symbol, perAccount)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Open finished",
		zap.Stringer("amount_per_account", perAccount),
		zap.Int("accounts", len(s.accounts)),
		zap.Int("succeeded", result.Succeeded()))
	return result, nil
}

func (s *TradingService) resolve(ctx context.Context, target string) (asset, symbol string, err error) {
	if asset, err := market.NormalizeAsset(target); err == nil {
		return asset, "", nil
	}
	if s.resolver == nil {
		return "", "", fmt.Errorf("%w: %q", market.ErrInvalidAsset, target)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	asset, err = s.resolver.ResolveSymbol(callCtx, target)
	if err != nil {
		return "", target, err
	}
	return asset, target, nil
}

func (s *TradingService) fetch(ctx context.Context, asset string) (market.Snapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	start := time.Now()
	snap, err := s.provider.Fetch(callCtx, asset)
	s.metrics.RecordFetch(time.Since(start), err == nil)
	if err != nil {
		return market.Snapshot{}, err
	}
	if !snap.Valid() {
		return market.Snapshot{}, fmt.Errorf("%w: unusable snapshot for %s", market.ErrDataUnavailable, asset)
	}
	return snap, nil
}

func (s *TradingService) validate(snap market.Snapshot) error {
	liquidity, volume := s.sizing.Thresholds()
	if snap.Liquidity.LessThan(liquidity) {
		return fmt.Errorf("%w: liquidity %s below %s", ErrValidationFailed, snap.Liquidity, liquidity)
	}
	if snap.Volume.LessThan(volume) {
		return fmt.Errorf("%w: volume %s below %s", ErrValidationFailed, snap.Volume, volume)
	}
	return nil
}

func (s *TradingService) buy(ctx context.Context, account, asset, symbol string, amount decimal.Decimal) BuyResult {
	key := position.Key{Account: account, Asset: asset}
	log := s.logger.With(zap.String("account", account), zap.String("asset", asset))
	res := BuyResult{Account: account, Amount: amount}

	if _, held := s.ledger.Get(account, asset); held {
		res.Err = fmt.Errorf("%w: %s", position.ErrDuplicatePosition, key)
		s.buyFailed(key, symbol, res.Err)
		return res
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()

	start := time.Now()
	entry, err := s.executor.Acquire(callCtx, account, asset, amount)
	if err == nil && (entry.TradeID == "" || !entry.EntryPrice.IsPositive()) {
		err = fmt.Errorf("%w: executor confirmed nothing", trade.ErrExecutionFailure)
	}
	s.metrics.RecordTrade("buy", time.Since(start), err == nil)
	if err != nil {
		log.Error("Buy failed", zap.Error(err))
		res.Err = err
		s.buyFailed(key, symbol, err)
		return res
	}
	res.TradeID = entry.TradeID
	res.Price = entry.EntryPrice

	rec, err := s.ledger.Open(account, asset, entry.EntryPrice, s.now(), entry.EntryVolume,
		position.WithAmount(amount),
		position.WithEntryTrade(entry.TradeID))
	if err != nil {
		// The asset was bought but is not monitored; an operator has to act.
		log.Error("Bought position could not be recorded",
			zap.String("trade_id", entry.TradeID),
			zap.Error(err))
		res.Err = err
		s.buyFailed(key, symbol, err)
		return res
	}

	if err := s.events.PublishSync(context.WithoutCancel(ctx), events.PositionOpenedEvent{
		BaseEvent: events.NewBase(events.PositionOpened),
		Record:    rec,
	}); err != nil {
		log.Error("Bought position could not be journaled",
			zap.String("trade_id", entry.TradeID),
			zap.Error(err))
		res.Err = fmt.Errorf("%w: %w", ErrNotJournaled, err)
		s.buyFailed(key, symbol, res.Err)
		return res
	}
	_ = s.events.Publish(events.BuyCompletedEvent{
		BaseEvent: events.NewBase(events.BuyCompleted),
		Key:       key,
		Symbol:    symbol,
		TradeID:   entry.TradeID,
		Amount:    amount,
		Price:     entry.EntryPrice,
	})

	log.Info("Position opened",
		zap.String("trade_id", entry.TradeID),
		zap.Stringer("amount", amount),
		zap.Stringer("entry_price", entry.EntryPrice),
		zap.Stringer("entry_volume", entry.EntryVolume))
	return res
}

func (s *TradingService) buyFailed(key position.Key, symbol string, err error) {
	_ = s.events.Publish(events.BuyFailedEvent{
		BaseEvent: events.NewBase(events.BuyFailed),
		Key:       key,
		Symbol:    symbol,
		Error:     err,
	})
}

// Sell liquidates fraction of the original position outside the exit rules.
// It takes the same exit lease as the monitor, so it fails with
// position.ErrPositionBusy while a rule-driven exit is in flight.
func (s *TradingService) Sell(ctx context.Context, account, asset string, fraction decimal.Decimal) (position.ApplyResult, error) {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return position.ApplyResult{}, fmt.Errorf("fraction must be within (0,1], got %s", fraction)
	}
	key := position.Key{Account: account, Asset: asset}
	log := s.logger.With(zap.String("account", account), zap.String("asset", asset))

	rec, release, err := s.ledger.Begin(account, asset)
	if err != nil {
		return position.ApplyResult{}, err
	}
	defer release()

	if remaining := rec.Remaining(); fraction.GreaterThan(remaining) {
		fraction = remaining
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()

	start := time.Now()
	fill, err := s.executor.Liquidate(callCtx, account, asset, fraction)
	if err == nil && (fill.TradeID == "" || !fill.ConfirmedFraction.IsPositive()) {
		err = fmt.Errorf("%w: executor confirmed nothing", trade.ErrExecutionFailure)
	}
	s.metrics.RecordTrade("sell", time.Since(start), err == nil)
	if err != nil {
		_ = s.events.Publish(events.ExitFailedEvent{
			BaseEvent: events.NewBase(events.ExitFailed),
			Key:       key,
			Reason:    ReasonManual,
			Fraction:  fraction,
			Error:     err,
		})
		return position.ApplyResult{}, err
	}

	res, err := s.ledger.Apply(account, asset, position.Fill{
		TradeID:  fill.TradeID,
		Fraction: fill.ConfirmedFraction,
		Reason:   ReasonManual,
	})
	if err != nil || res.Duplicate {
		return res, err
	}

	kind := "partial"
	if res.Closed {
		kind = "full"
	}
	filled, _ := res.Applied.Float64()
	s.metrics.RecordExit(ReasonManual, kind, true, filled)

	syncCtx := context.WithoutCancel(ctx)
	if err := s.events.PublishSync(syncCtx, events.ExitExecutedEvent{
		BaseEvent:          events.NewBase(events.ExitExecuted),
		Key:                key,
		Reason:             ReasonManual,
		Kind:               kind,
		Tier:               -1,
		Requested:          fraction,
		Filled:             res.Applied,
		TradeID:            fill.TradeID,
		LiquidatedFraction: res.Record.LiquidatedFraction,
		Closed:             res.Closed,
		EntryPrice:         rec.EntryPrice,
	}); err != nil {
		log.Error("Exit event delivery failed", zap.Error(err))
	}
	if res.Closed {
		if err := s.events.PublishSync(syncCtx, events.PositionClosedEvent{
			BaseEvent: events.NewBase(events.PositionClosed),
			Record:    res.Record,
			Reason:    ReasonManual,
		}); err != nil {
			log.Error("Close event delivery failed", zap.Error(err))
		}
	}

	log.Info("Manual sale executed",
		zap.String("trade_id", fill.TradeID),
		zap.Stringer("filled", res.Applied),
		zap.Bool("closed", res.Closed))
	return res, nil
}

// Forget drops a position from the ledger without trading, e.g. after the
// asset was sold by hand outside the bot.
func (s *TradingService) Forget(ctx context.Context, account, asset string) error {
	rec, err := s.ledger.Close(account, asset)
	if err != nil {
		return err
	}
	return s.events.PublishSync(context.WithoutCancel(ctx), events.PositionClosedEvent{
		BaseEvent: events.NewBase(events.PositionClosed),
		Record:    rec,
		Reason:    ReasonManual,
	})
}

// Accounts returns the accounts buys are split across.
func (s *TradingService) Accounts() []string {
	return append([]string(nil), s.accounts...)
}
