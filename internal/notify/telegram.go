// internal/notify/telegram.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deyno-dev/autobuysell/internal/bot"
	"github.com/deyno-dev/autobuysell/internal/events"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	defaultQueueSize     = 100
	defaultUpdateTimeout = 60
)

// BotAPI is the part of *tgbotapi.BotAPI the notifier uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Dispatcher runs operator commands; *bot.CommandBus implements it.
type Dispatcher interface {
	Send(ctx context.Context, cmd bot.TradingCommand) error
}

// Subscriber is the part of the event bus the notifier listens on.
type Subscriber interface {
	SubscribeFunc(eventType events.EventType, fn func(context.Context, events.Event) error) events.Subscription
}

// TelegramConfig configures Telegram.
type TelegramConfig struct {
	API      BotAPI
	Commands Dispatcher
	// ChatID receives notifications and is the only chat accepted for
	// commands. Zero accepts any chat and notifies the last one seen.
	ChatID    int64
	QueueSize int
	Logger    *zap.Logger
}

// Telegram turns buy signals and the /sell and /forget commands into trading
// commands and reports trade outcomes back to the chat.
type Telegram struct {
	api      BotAPI
	commands Dispatcher
	chatID   int64
	lastChat atomic.Int64
	queue    chan outgoing
	logger   *zap.Logger

	wg sync.WaitGroup
}

type outgoing struct {
	chatID int64
	text   string
}

// NewTelegramAPI connects to the Bot API with token.
func NewTelegramAPI(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	return api, nil
}

// NewTelegram creates a notifier. Nothing is sent or received until Run.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Telegram{
		api:      cfg.API,
		commands: cfg.Commands,
		chatID:   cfg.ChatID,
		queue:    make(chan outgoing, cfg.QueueSize),
		logger:   cfg.Logger.Named("telegram"),
	}
}

// Attach subscribes to the trade outcome events. Handlers only enqueue, so
// they never hold up a synchronous publish. Call the returned function to
// detach.
func (t *Telegram) Attach(bus Subscriber) (detach func()) {
	types := []events.EventType{
		events.BuyCompleted,
		events.BuyFailed,
		events.ExitExecuted,
		events.ExitFailed,
		events.PositionFlagged,
	}
	subs := make([]events.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, bus.SubscribeFunc(et, func(_ context.Context, e events.Event) error {
			if text := FormatEvent(e); text != "" {
				t.notify(text)
			}
			return nil
		}))
	}
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

func (t *Telegram) target() int64 {
	if t.chatID != 0 {
		return t.chatID
	}
	return t.lastChat.Load()
}

func (t *Telegram) notify(text string) {
	chat := t.target()
	if chat == 0 {
		t.logger.Debug("No chat to notify yet", zap.String("text", text))
		return
	}
	t.enqueue(chat, text)
}

func (t *Telegram) enqueue(chat int64, text string) {
	select {
	case t.queue <- outgoing{chatID: chat, text: text}:
	default:
		t.logger.Warn("Notification queue full, dropping message", zap.String("text", text))
	}
}

// Run sends queued messages and handles incoming updates until ctx is done.
func (t *Telegram) Run(ctx context.Context) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.sendLoop(ctx)
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = defaultUpdateTimeout
	updates := t.api.GetUpdatesChan(u)
	t.logger.Info("Telegram started", zap.Int64("chat_id", t.chatID))

	defer func() {
		t.api.StopReceivingUpdates()
		t.wg.Wait()
		t.logger.Info("Telegram stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (t *Telegram) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case msg := <-t.queue:
					t.send(msg)
				default:
					return
				}
			}
		case msg := <-t.queue:
			t.send(msg)
		}
	}
}

func (t *Telegram) send(msg outgoing) {
	if _, err := t.api.Send(tgbotapi.NewMessage(msg.chatID, msg.text)); err != nil {
		t.logger.Error("Failed to send message",
			zap.Int64("chat_id", msg.chatID),
			zap.Error(err))
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chat := msg.Chat.ID
	if t.chatID != 0 && chat != t.chatID {
		t.logger.Debug("Ignoring message from unknown chat", zap.Int64("chat_id", chat))
		return
	}

	var cmd bot.TradingCommand
	var done string
	switch {
	case msg.IsCommand() && msg.Command() == "sell":
		sell, err := ParseSellCommand(msg.CommandArguments())
		if err != nil {
			t.enqueue(chat, err.Error())
			return
		}
		sell.Source = "telegram"
		sell.Timestamp = time.Now()
		cmd = sell
	case msg.IsCommand() && msg.Command() == "forget":
		forget, err := ParseForgetCommand(msg.CommandArguments())
		if err != nil {
			t.enqueue(chat, err.Error())
			return
		}
		forget.Source = "telegram"
		forget.Timestamp = time.Now()
		cmd = forget
		done = fmt.Sprintf("Stopped tracking %s for %s", forget.Asset, forget.Account)
	default:
		symbol, ok := ParseBuySignal(msg.Text)
		if !ok {
			return
		}
		cmd = bot.OpenPositionCommand{Target: symbol, Source: "telegram", Timestamp: time.Now()}
	}

	t.lastChat.Store(chat)
	t.logger.Info("Command received",
		zap.String("command_type", cmd.GetType()),
		zap.Int64("chat_id", chat))

	// Buys wait on the chain; run them off the update loop so later messages
	// are still read. Run waits for these before returning.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(ctx, chat, cmd, done)
	}()
}

func (t *Telegram) dispatch(ctx context.Context, chat int64, cmd bot.TradingCommand, done string) {
	err := t.commands.Send(ctx, cmd)
	switch {
	case err == nil:
		if done != "" {
			t.enqueue(chat, done)
		}
	case errors.Is(err, bot.ErrValidationFailed):
		t.enqueue(chat, "Token failed validation")
	default:
		t.enqueue(chat, "Error: "+err.Error())
	}
}
