// cmd/bot/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/deyno-dev/autobuysell/internal/api"
	"github.com/deyno-dev/autobuysell/internal/bot"
	"github.com/deyno-dev/autobuysell/internal/config"
	"github.com/deyno-dev/autobuysell/internal/logger"
	"github.com/deyno-dev/autobuysell/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Development = cfg.Log.Development
	if cfg.Log.File != "" {
		logCfg.LogFile = cfg.Log.File
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.LogError("Bot stopped with error", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startup := log.TrackPerformance("startup")
	log.Info("Starting autobuysell",
		zap.String("mode", cfg.Mode),
		zap.Strings("accounts", cfg.AccountNames()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := bot.NewBotService(ctx, &bot.BotServiceConfig{
		Config:   cfg,
		Logger:   log.Logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}

	shutdown := bot.NewShutdownHandler(log.WithComponent("shutdown"), 30*time.Second)
	shutdown.Add("bot_service", svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	if cfg.Telegram.Token != "" {
		botAPI, err := notify.NewTelegramAPI(cfg.Telegram.Token)
		if err != nil {
			cancel()
			_ = g.Wait()
			return errors.Join(err, shutdown.Shutdown(context.Background()))
		}
		telegram := notify.NewTelegram(notify.TelegramConfig{
			API:      botAPI,
			Commands: svc.Commands(),
			ChatID:   cfg.Telegram.ChatID,
			Logger:   log.Logger,
		})
		detach := telegram.Attach(svc.Events())
		shutdown.AddFunc("telegram", func() error {
			detach()
			return nil
		})
		g.Go(func() error {
			return telegram.Run(gctx)
		})
	} else {
		log.Info("Telegram token not set, notifications disabled")
	}

	if cfg.HTTPAddr != "" {
		server := api.NewServer(api.Config{
			Addr:      cfg.HTTPAddr,
			Positions: svc.Ledger(),
			Sweeps:    svc.Monitor(),
			Commands:  svc.Commands(),
			Gatherer:  registry,
			Logger:    log.Logger,
		})
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	startup()

	shutdown.WaitForSignal(gctx)
	cancel()

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, shutdown.Shutdown(context.Background()))
}
