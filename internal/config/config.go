// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deyno-dev/autobuysell/internal/exit"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	ModeReal      = "real"
	ModeSimulated = "simulated"
)

type Config struct {
	Mode          string  `mapstructure:"mode"`
	RiskLevel     int     `mapstructure:"risk_level"`
	BuyAmount     float64 `mapstructure:"buy_amount"`
	MaxBuy        float64 `mapstructure:"max_buy"`
	Slippage      float64 `mapstructure:"slippage"`
	GasMultiplier float64 `mapstructure:"gas_multiplier"`

	SellFractions   []float64    `mapstructure:"sell_fractions"`
	PriceTargets    []float64    `mapstructure:"price_targets"`
	MarketCapTarget float64      `mapstructure:"market_cap_target"`
	MaxHoldHours    float64      `mapstructure:"max_hold_hours"`
	ExitCriteria    ExitCriteria `mapstructure:"exit_criteria"`

	MonitorIntervalMs int `mapstructure:"monitor_interval_ms"`
	CallTimeoutMs     int `mapstructure:"call_timeout_ms"`
	Workers           int `mapstructure:"workers"`

	AccountsFile string `mapstructure:"accounts_file"`
	JournalPath  string `mapstructure:"journal_path"`
	TradeLog     string `mapstructure:"trade_log"` // optional CSV of confirmed trades
	HTTPAddr     string `mapstructure:"http_addr"`

	MarketData MarketData `mapstructure:"market_data"`
	Router     Router     `mapstructure:"router"`
	Telegram   Telegram   `mapstructure:"telegram"`
	Log        Log        `mapstructure:"log"`

	// Loaded from accounts_file.
	Accounts []Account `mapstructure:"-"`
}

type ExitCriteria struct {
	StopLoss             float64 `mapstructure:"stop_loss"`
	VolumeSpikeThreshold float64 `mapstructure:"volume_spike_threshold"`
	MinProfit            float64 `mapstructure:"min_profit"`
}

type MarketData struct {
	BaseURL       string  `mapstructure:"base_url"`
	Chain         string  `mapstructure:"chain"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Retries       int     `mapstructure:"retries"`
	APIKey        string  `mapstructure:"api_key"`
}

type Router struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
	Retries   int    `mapstructure:"retries"`
	APIKey    string `mapstructure:"api_key"`
}

type Telegram struct {
	ChatID int64  `mapstructure:"chat_id"`
	Token  string `mapstructure:"token"`
}

type Log struct {
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

const (
	DefaultRiskLevel         = 50
	DefaultMonitorIntervalMs = 300000
	DefaultCallTimeoutMs     = 60000
	DefaultWorkers           = 4
	DefaultRetries           = 3
)

// LoadConfig reads the YAML config at path, then the accounts file it names.
// A .env file next to the config, if present, supplies secrets; variables
// already set in the environment win.
func LoadConfig(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"mode":                                 ModeSimulated,
		"risk_level":                           DefaultRiskLevel,
		"buy_amount":                           0.05,
		"max_buy":                              0.1,
		"slippage":                             10,
		"gas_multiplier":                       1.2,
		"sell_fractions":                       []float64{0.25, 0.25, 0.25, 0.25},
		"price_targets":                        []float64{1.5, 2, 3, 5},
		"market_cap_target":                    1_000_000,
		"max_hold_hours":                       12,
		"exit_criteria.stop_loss":              0.8,
		"exit_criteria.volume_spike_threshold": 2.0,
		"exit_criteria.min_profit":             1.2,
		"monitor_interval_ms":                  DefaultMonitorIntervalMs,
		"call_timeout_ms":                      DefaultCallTimeoutMs,
		"workers":                              DefaultWorkers,
		"accounts_file":                        "accounts.yaml",
		"journal_path":                         "data/journal.db",
		"trade_log":                            "",
		"http_addr":                            ":8080",
		"market_data.base_url":                 "https://api.dextools.io/v1",
		"market_data.chain":                    "ether",
		"market_data.rate_per_second":          2.0,
		"market_data.retries":                  DefaultRetries,
		"market_data.api_key":                  "",
		"router.url":                           "",
		"router.timeout_ms":                    120000,
		"router.retries":                       DefaultRetries,
		"router.api_key":                       "",
		"telegram.chat_id":                     0,
		"telegram.token":                       "",
		"log.file":                             "logs/autobuysell.log",
		"log.development":                      false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	bindEnvironment(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	accountsFile := cfg.AccountsFile
	if !filepath.IsAbs(accountsFile) {
		accountsFile = filepath.Join(filepath.Dir(path), accountsFile)
	}
	accounts, err := LoadAccounts(accountsFile)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	return &cfg, cfg.Validate()
}

// bindEnvironment lets AUTOBUYSELL_<KEY> override any key and maps the
// conventional secret variable names.
func bindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("AUTOBUYSELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("market_data.api_key", "AUTOBUYSELL_MARKET_DATA_API_KEY", "DEXTOOLS_API_KEY")
	_ = v.BindEnv("telegram.token", "AUTOBUYSELL_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("router.api_key", "AUTOBUYSELL_ROUTER_API_KEY", "ROUTER_API_KEY")
	_ = v.BindEnv("router.url", "AUTOBUYSELL_ROUTER_URL", "ROUTER_URL")
}

// Validate checks every field, including the exit policy.
func (c *Config) Validate() error {
	if c.Mode != ModeReal && c.Mode != ModeSimulated {
		return fmt.Errorf("%w: mode must be %q or %q, got %q", ErrInvalid, ModeReal, ModeSimulated, c.Mode)
	}
	if c.RiskLevel < 1 || c.RiskLevel > 100 {
		return fmt.Errorf("%w: risk_level must be within 1-100, got %d", ErrInvalid, c.RiskLevel)
	}
	if err := validateNumericParams(c); err != nil {
		return err
	}
	if _, err := c.ExitPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := validateURLWithCache(c.MarketData.BaseURL, "http"); err != nil {
		return fmt.Errorf("%w: market_data.base_url: %v", ErrInvalid, err)
	}
	if c.Mode == ModeReal {
		if c.Router.URL == "" {
			return fmt.Errorf("%w: router.url is required in real mode", ErrInvalid)
		}
		if err := validateURLWithCache(c.Router.URL, "http"); err != nil {
			return fmt.Errorf("%w: router.url: %v", ErrInvalid, err)
		}
	}
	if c.JournalPath == "" {
		return fmt.Errorf("%w: journal_path is empty", ErrInvalid)
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("%w: no accounts configured", ErrInvalid)
	}
	return nil
}

func validateNumericParams(c *Config) error {
	switch {
	case c.BuyAmount <= 0:
		return fmt.Errorf("%w: buy_amount must be positive", ErrInvalid)
	case c.MaxBuy <= 0:
		return fmt.Errorf("%w: max_buy must be positive", ErrInvalid)
	case c.Slippage < 0 || c.Slippage >= 100:
		return fmt.Errorf("%w: slippage must be within [0,100)", ErrInvalid)
	case c.GasMultiplier <= 0:
		return fmt.Errorf("%w: gas_multiplier must be positive", ErrInvalid)
	case c.MonitorIntervalMs <= 0:
		return fmt.Errorf("%w: invalid monitor_interval_ms", ErrInvalid)
	case c.CallTimeoutMs <= 0:
		return fmt.Errorf("%w: invalid call_timeout_ms", ErrInvalid)
	case c.Workers < 1:
		return fmt.Errorf("%w: invalid workers count", ErrInvalid)
	case c.MarketData.Retries < 0 || c.Router.Retries < 0:
		return fmt.Errorf("%w: invalid retries count", ErrInvalid)
	case c.MarketData.RatePerSecond <= 0:
		return fmt.Errorf("%w: market_data.rate_per_second must be positive", ErrInvalid)
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func decimals(values []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

// ExitPolicy builds and validates the exit rules.
func (c *Config) ExitPolicy() (exit.Policy, error) {
	p := exit.Policy{
		PriceTargets:          decimals(c.PriceTargets),
		SellFractions:         decimals(c.SellFractions),
		StopLossRatio:         decimal.NewFromFloat(c.ExitCriteria.StopLoss),
		MinProfitRatio:        decimal.NewFromFloat(c.ExitCriteria.MinProfit),
		VolumeSpikeMultiplier: decimal.NewFromFloat(c.ExitCriteria.VolumeSpikeThreshold),
		MarketCapTarget:       decimal.NewFromFloat(c.MarketCapTarget),
		MaxHold:               time.Duration(c.MaxHoldHours * float64(time.Hour)),
	}
	if err := p.Validate(); err != nil {
		return exit.Policy{}, err
	}
	return p, nil
}

// Simulated reports whether trades are paper trades.
func (c *Config) Simulated() bool {
	return c.Mode == ModeSimulated
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func (c *Config) RouterTimeout() time.Duration {
	return time.Duration(c.Router.TimeoutMs) * time.Millisecond
}

// AccountNames returns the configured account names in file order.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		names[i] = a.Name
	}
	return names
}
