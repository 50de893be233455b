package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deyno-dev/autobuysell/internal/exit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsYAML = `
accounts:
  - name: wallet1
    address: "0x5a98fcbea516cf06857215779fd812ca3bef1b32"
  - name: wallet2
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml":   "risk_level: 40\n",
		"accounts.yaml": accountsYAML,
	})

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ModeSimulated, cfg.Mode)
	assert.True(t, cfg.Simulated())
	assert.Equal(t, 40, cfg.RiskLevel)
	assert.Equal(t, 5*time.Minute, cfg.MonitorInterval())
	assert.Equal(t, time.Minute, cfg.CallTimeout())
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, []string{"wallet1", "wallet2"}, cfg.AccountNames())
	assert.Equal(t, "0x5A98FcBEA516Cf06857215779Fd812CA3beF1B32", cfg.Accounts[0].Address)

	policy, err := cfg.ExitPolicy()
	require.NoError(t, err)
	assert.Len(t, policy.PriceTargets, 4)
	assert.True(t, decimal.NewFromFloat(0.8).Equal(policy.StopLossRatio))
	assert.Equal(t, 12*time.Hour, policy.MaxHold)
}

func TestLoadConfig_FileValues(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml": `
mode: simulated
risk_level: 75
buy_amount: 0.2
max_buy: 0.15
sell_fractions: [0.5, 0.5]
price_targets: [2, 3]
max_hold_hours: 1.5
exit_criteria:
  stop_loss: 0.7
  volume_spike_threshold: 3
  min_profit: 1.5
monitor_interval_ms: 1000
accounts_file: wallets.yaml
`,
		"wallets.yaml": accountsYAML,
	})

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.BuyAmount)
	assert.Equal(t, time.Second, cfg.MonitorInterval())

	policy, err := cfg.ExitPolicy()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, policy.MaxHold)
	require.Len(t, policy.SellFractions, 2)
	assert.True(t, decimal.NewFromFloat(0.5).Equal(policy.SellFractions[0]))
	assert.True(t, decimal.NewFromInt(3).Equal(policy.VolumeSpikeMultiplier))
}

func TestLoadConfig_SecretsFromEnvironment(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml":   "mode: real\nrouter:\n  url: https://signer.internal:8443\n",
		"accounts.yaml": accountsYAML,
		".env":          "DEXTOOLS_API_KEY=from-dotenv\nROUTER_API_KEY=router-secret\n",
	})
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("AUTOBUYSELL_RISK_LEVEL", "20")
	// Variables already set win over .env.
	t.Setenv("ROUTER_API_KEY", "from-env")
	// godotenv sets the rest; clear them after the test.
	t.Setenv("DEXTOOLS_API_KEY", "")
	require.NoError(t, os.Unsetenv("DEXTOOLS_API_KEY"))

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.MarketData.APIKey)
	assert.Equal(t, "from-env", cfg.Router.APIKey)
	assert.Equal(t, "tg-token", cfg.Telegram.Token)
	assert.Equal(t, 20, cfg.RiskLevel)
	assert.False(t, cfg.Simulated())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"unknown mode", "mode: paper\n"},
		{"risk too high", "risk_level: 101\n"},
		{"risk zero", "risk_level: 0\n"},
		{"negative buy", "buy_amount: -1\n"},
		{"slippage", "slippage: 100\n"},
		{"workers", "workers: 0\n"},
		{"interval", "monitor_interval_ms: 0\n"},
		{"mismatched tiers", "sell_fractions: [0.5]\nprice_targets: [2, 3]\n"},
		{"stop loss above one", "exit_criteria:\n  stop_loss: 1.2\n"},
		{"bad market data url", "market_data:\n  base_url: ftp://example.com\n"},
		{"real without router", "mode: real\n"},
		{"empty journal", "journal_path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{
				"config.yaml":   tt.config,
				"accounts.yaml": accountsYAML,
			})
			_, err := LoadConfig(filepath.Join(dir, "config.yaml"))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadConfig_InvalidPolicyWrapsBothSentinels(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml":   "price_targets: [3, 2, 4, 5]\n",
		"accounts.yaml": accountsYAML,
	})
	_, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, exit.ErrConfigInvalid)
}

func TestLoadConfig_MissingFiles(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := writeFiles(t, map[string]string{"config.yaml": "risk_level: 10\n"})
	_, err = LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.ErrorContains(t, err, "accounts file")
}

func TestLoadAccounts(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", accountsYAML, false},
		{"duplicate", "accounts:\n  - name: a\n  - name: a\n", true},
		{"missing name", "accounts:\n  - address: \"0x5a98fcbea516cf06857215779fd812ca3bef1b32\"\n", true},
		{"bad address", "accounts:\n  - name: a\n    address: nope\n", true},
		{"not yaml", "accounts: [", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{"accounts.yaml": tt.content})
			_, err := LoadAccounts(filepath.Join(dir, "accounts.yaml"))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_NoAccounts(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"config.yaml":   "risk_level: 10\n",
		"accounts.yaml": "accounts: []\n",
	})
	_, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}
