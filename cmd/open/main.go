// cmd/open/main.go asks a running bot to buy one token for every configured
// account. The bot owns the ledger and the journal; this tool only talks to its
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deyno-dev/autobuysell/internal/api"
	"github.com/deyno-dev/autobuysell/internal/config"
	"github.com/deyno-dev/autobuysell/internal/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	apiURL := flag.String("api", "", "bot API base URL (default: derived from http_addr)")
	timeout := flag.Duration("timeout", 3*time.Minute, "how long to wait for the buys")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [-api url] <token address or symbol>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Development = cfg.Log.Development
	logCfg.Console = false
	if cfg.Log.File != "" {
		logCfg.LogFile = cfg.Log.File
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	base := *apiURL
	if base == "" {
		if cfg.HTTPAddr == "" {
			fmt.Fprintln(os.Stderr, "http_addr is not set; start the bot with its API enabled or pass -api")
			os.Exit(1)
		}
		base = api.BaseURL(cfg.HTTPAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := api.NewClient(base, &http.Client{})
	if err := open(ctx, client, log, flag.Arg(0)); err != nil {
		log.LogError("Open failed", err, zap.String("target", flag.Arg(0)), zap.String("api", base))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func open(ctx context.Context, client *api.Client, log *logger.Logger, target string) error {
	res, err := client.Open(ctx, target)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", res.Symbol, res.Asset)
	for _, b := range res.Buys {
		posLog := log.WithPosition(b.Account, res.Asset)
		if b.Error != "" {
			posLog.Warn("Buy failed", zap.String("error", b.Error))
			fmt.Printf("  %-16s failed: %s\n", b.Account, b.Error)
			continue
		}
		posLog.Info("Buy recorded", zap.String("trade_id", b.TradeID))
		fmt.Printf("  %-16s %s ETH at %s (%s)\n", b.Account, b.Amount, b.Price, b.TradeID)
	}

	if res.Succeeded == 0 {
		return fmt.Errorf("no account bought %s", res.Asset)
	}
	return nil
}
