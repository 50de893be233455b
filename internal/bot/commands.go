// internal/bot/commands.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidCommand is returned by Send for commands that fail validation.
var ErrInvalidCommand = errors.New("invalid command")

// TradingCommand is an operator request routed through the CommandBus.
type TradingCommand interface {
	GetType() string
	GetSource() string
	Validate() error
}

// OpenPositionCommand buys Target for every account. When Result is set the
// handler stores the per-account outcome there.
type OpenPositionCommand struct {
	Target    string      `json:"target"` // address or ticker
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Result    *OpenResult `json:"-"`
}

func (c OpenPositionCommand) GetType() string {
	return "open_position"
}

func (c OpenPositionCommand) GetSource() string {
	return c.Source
}

func (c OpenPositionCommand) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("target cannot be empty")
	}
	return nil
}

// SellPositionCommand sells Percentage of the original position.
type SellPositionCommand struct {
	Account    string    `json:"account"`
	Asset      string    `json:"asset"`
	Percentage float64   `json:"percentage"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

func (c SellPositionCommand) GetType() string {
	return "sell_position"
}

func (c SellPositionCommand) GetSource() string {
	return c.Source
}

func (c SellPositionCommand) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("account cannot be empty")
	}
	if c.Asset == "" {
		return fmt.Errorf("asset cannot be empty")
	}
	if c.Percentage <= 0 || c.Percentage > 100 {
		return fmt.Errorf("percentage must be between 0 and 100, got: %f", c.Percentage)
	}
	return nil
}

// ForgetPositionCommand drops a position from the ledger without selling.
type ForgetPositionCommand struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (c ForgetPositionCommand) GetType() string {
	return "forget_position"
}

func (c ForgetPositionCommand) GetSource() string {
	return c.Source
}

func (c ForgetPositionCommand) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("account cannot be empty")
	}
	if c.Asset == "" {
		return fmt.Errorf("asset cannot be empty")
	}
	return nil
}

// CommandHandler executes one command type.
type CommandHandler interface {
	Handle(ctx context.Context, cmd TradingCommand) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd TradingCommand) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd TradingCommand) error {
	return f(ctx, cmd)
}

// CommandBus dispatches commands to the handler registered for their type.
type CommandBus struct {
	handlers map[string]CommandHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewCommandBus creates an empty bus.
func NewCommandBus(logger *zap.Logger) *CommandBus {
	return &CommandBus{
		handlers: make(map[string]CommandHandler),
		logger:   logger.Named("command_bus"),
	}
}

// RegisterHandler registers handler for commands of cmdType's type.
func (bus *CommandBus) RegisterHandler(cmdType TradingCommand, handler CommandHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[cmdType.GetType()] = handler
	bus.logger.Debug("Command handler registered", zap.String("command_type", cmdType.GetType()))
}

// Send validates cmd and runs its handler.
func (bus *CommandBus) Send(ctx context.Context, cmd TradingCommand) error {
	if err := cmd.Validate(); err != nil {
		bus.logger.Warn("Command validation failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("source", cmd.GetSource()),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	bus.mu.RLock()
	handler, exists := bus.handlers[cmd.GetType()]
	bus.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no handler registered for command type: %s", cmd.GetType())
	}

	bus.logger.Info("Executing command",
		zap.String("command_type", cmd.GetType()),
		zap.String("source", cmd.GetSource()))

	if err := handler.Handle(ctx, cmd); err != nil {
		bus.logger.Error("Command execution failed",
			zap.String("command_type", cmd.GetType()),
			zap.String("source", cmd.GetSource()),
			zap.Error(err))
		return err
	}
	return nil
}

// RegisteredCommands lists the command types with a handler, sorted.
func (bus *CommandBus) RegisteredCommands() []string {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	types := make([]string, 0, len(bus.handlers))
	for t := range bus.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterTradingHandlers routes the trading commands to svc.
func RegisterTradingHandlers(bus *CommandBus, svc *TradingService) {
	bus.RegisterHandler(OpenPositionCommand{}, CommandHandlerFunc(func(ctx context.Context, cmd TradingCommand) error {
		open, ok := cmd.(OpenPositionCommand)
		if !ok {
			return fmt.Errorf("invalid command type %T", cmd)
		}
		res, err := svc.Open(ctx, strings.TrimSpace(open.Target))
		if open.Result != nil {
			*open.Result = res
		}
		return err
	}))

	bus.RegisterHandler(SellPositionCommand{}, CommandHandlerFunc(func(ctx context.Context, cmd TradingCommand) error {
		sell, ok := cmd.(SellPositionCommand)
		if !ok {
			return fmt.Errorf("invalid command type %T", cmd)
		}
		asset, err := market.NormalizeAsset(sell.Asset)
		if err != nil {
			return err
		}
		fraction := decimal.NewFromFloat(sell.Percentage).Div(hundred)
		_, err = svc.Sell(ctx, sell.Account, asset, fraction)
		return err
	}))

	bus.RegisterHandler(ForgetPositionCommand{}, CommandHandlerFunc(func(ctx context.Context, cmd TradingCommand) error {
		forget, ok := cmd.(ForgetPositionCommand)
		if !ok {
			return fmt.Errorf("invalid command type %T", cmd)
		}
		asset, err := market.NormalizeAsset(forget.Asset)
		if err != nil {
			return err
		}
		return svc.Forget(ctx, forget.Account, asset)
	}))
}
