package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riskengine/pkg/crypto"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riskengine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func opsHash(t *testing.T) string {
	t.Helper()
	h, err := crypto.HashPassword("ops-password", 4)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

// validConfig - минимальный рабочий YAML
func validConfig(t *testing.T) string {
	return `
binance:
  testnet: true
  api_key: key
  api_secret: secret
trading:
  symbol_list: [btcusdt, ETHUSDT]
security:
  ops_password_hash: "` + opsHash(t) + `"
`
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig(t)+`
risk:
  cooldown_period: 90m
  max_holding_bars:
    trend: 48
    reversion: 16
engine:
  drain_timeout: 3s
  restart_delay: 45s
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Trading.Symbols; len(got) != 2 || got[0] != "BTCUSDT" {
		t.Errorf("Symbols = %v, want normalized [BTCUSDT ETHUSDT]", got)
	}
	if cfg.Risk.CooldownPeriod != 90*time.Minute {
		t.Errorf("CooldownPeriod = %v, want 90m", cfg.Risk.CooldownPeriod)
	}
	if cfg.Risk.MaxHoldingBars.Trend != 48 || cfg.Risk.MaxHoldingBars.Reversion != 16 {
		t.Errorf("MaxHoldingBars = %+v", cfg.Risk.MaxHoldingBars)
	}
	if cfg.Engine.DrainTimeout != 3*time.Second {
		t.Errorf("DrainTimeout = %v, want 3s", cfg.Engine.DrainTimeout)
	}
	if cfg.Engine.RestartDelay != 45*time.Second || cfg.Binance.PingInterval == cfg.Engine.RestartDelay {
		t.Errorf("RestartDelay = %v, want 45s independent of ping interval", cfg.Engine.RestartDelay)
	}
	// Значения, не указанные в файле, берутся по умолчанию
	if cfg.Risk.RiskPerTrade != 0.005 || cfg.Trading.Leverage != 5 {
		t.Errorf("defaults lost: risk_per_trade=%v leverage=%d", cfg.Risk.RiskPerTrade, cfg.Trading.Leverage)
	}
	if cfg.Binance.RESTBaseURL() != "https://testnet.binancefuture.com" {
		t.Errorf("RESTBaseURL() = %s, want testnet", cfg.Binance.RESTBaseURL())
	}
	if !strings.HasPrefix(cfg.Binance.StreamBaseURL(), "wss://stream.binancefuture.com") {
		t.Errorf("StreamBaseURL() = %s, want testnet", cfg.Binance.StreamBaseURL())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_TESTNET", "false")
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	t.Setenv("RISK_PER_TRADE", "0.01")
	t.Setenv("ENGINE_DRAIN_TIMEOUT", "7s")
	t.Setenv("SYMBOL_LIST", "SOLUSDT, XRPUSDT")
	t.Setenv("LEVERAGE", "not-a-number")

	cfg, err := Load(writeConfig(t, validConfig(t)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Binance.APIKey != "env-key" || cfg.Binance.APISecret != "env-secret" {
		t.Errorf("mainnet credentials not taken from env: %q %q", cfg.Binance.APIKey, cfg.Binance.APISecret)
	}
	if cfg.Binance.RESTBaseURL() != "https://fapi.binance.com" {
		t.Errorf("RESTBaseURL() = %s, want mainnet", cfg.Binance.RESTBaseURL())
	}
	if cfg.Risk.RiskPerTrade != 0.01 {
		t.Errorf("RiskPerTrade = %v, want 0.01", cfg.Risk.RiskPerTrade)
	}
	if cfg.Engine.DrainTimeout != 7*time.Second {
		t.Errorf("DrainTimeout = %v, want 7s", cfg.Engine.DrainTimeout)
	}
	if len(cfg.Trading.Symbols) != 2 || cfg.Trading.Symbols[1] != "XRPUSDT" {
		t.Errorf("Symbols = %v", cfg.Trading.Symbols)
	}
	// Невалидное значение окружения игнорируется
	if cfg.Trading.Leverage != 5 {
		t.Errorf("Leverage = %d, want default 5", cfg.Trading.Leverage)
	}
}

func TestLoad_EncryptedSecrets(t *testing.T) {
	sealed, err := crypto.SealSecret("real-secret", []byte(testEncryptionKey))
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	t.Setenv("ENCRYPTION_KEY", testEncryptionKey)

	body := strings.Replace(validConfig(t), "api_secret: secret", "api_secret: \""+sealed+"\"", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Binance.APISecret != "real-secret" {
		t.Errorf("APISecret = %q, want decrypted value", cfg.Binance.APISecret)
	}
}

func TestLoad_EncryptedSecretWithoutKey(t *testing.T) {
	sealed, _ := crypto.SealSecret("real-secret", []byte(testEncryptionKey))
	body := strings.Replace(validConfig(t), "api_secret: secret", "api_secret: \""+sealed+"\"", 1)

	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("Load() expected error for ENC secret without ENCRYPTION_KEY")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("/nonexistent/riskengine.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "binance: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no symbols", func(c *Config) { c.Trading.Symbols = nil }, "symbol_list"},
		{"bad symbol", func(c *Config) { c.Trading.Symbols = []string{"BTC-USD"} }, "invalid symbol"},
		{"duplicate symbol", func(c *Config) { c.Trading.Symbols = []string{"BTCUSDT", "btcusdt"} }, "duplicate"},
		{"leverage", func(c *Config) { c.Trading.Leverage = 0 }, "leverage"},
		{"risk fraction", func(c *Config) { c.Risk.RiskPerTrade = 1.5 }, "risk_per_trade"},
		{"margin usage", func(c *Config) { c.Risk.MaxMarginUsage = 0 }, "max_margin_usage"},
		{"trail step", func(c *Config) { c.Trading.TrailMinStep = 1 }, "trail_min_step"},
		{"reset hour", func(c *Config) { c.Risk.DailyResetHour = 24 }, "daily_reset_hour"},
		{"holding bars", func(c *Config) { c.Risk.MaxHoldingBars.Reversion = 0 }, "max_holding_bars"},
		{"reconnect", func(c *Config) { c.Binance.ReconnectAttempts = 0 }, "reconnect_attempts"},
		{"recv window", func(c *Config) { c.Binance.RecvWindow = 70000 }, "recv_window"},
		{"rate limits", func(c *Config) { c.Binance.MaxOrderPerSecond = 0 }, "rate limits"},
		{"ambiguous", func(c *Config) { c.Engine.MaxAmbiguousPerOrder = 0 }, "max_ambiguous_per_order"},
		{"restart delay", func(c *Config) { c.Engine.RestartDelay = 0 }, "restart_delay"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"db port ignored when disabled", func(c *Config) { c.Database.Port = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Trading.Symbols = []string{"BTCUSDT"}
			tt.mutate(c)
			err := c.validateRanges()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateRanges() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateRanges() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSecurity(t *testing.T) {
	hash := opsHash(t)
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no api key", func(c *Config) { c.Binance.APIKey = "" }, true},
		{"no ops hash", func(c *Config) { c.Security.OpsPasswordHash = "" }, true},
		{"plain ops password", func(c *Config) { c.Security.OpsPasswordHash = "hunter2" }, true},
		{"server disabled", func(c *Config) { c.Server.Enabled = false; c.Security.OpsPasswordHash = "" }, false},
		{"totp without secret", func(c *Config) { c.Security.RequireTOTP = true }, true},
		{"open reads on mainnet prod", func(c *Config) {
			c.App.Environment = "production"
			c.Security.ReadOnlyNoAuth = true
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Binance.APIKey, c.Binance.APISecret = "k", "s"
			c.Security.OpsPasswordHash = hash
			tt.mutate(c)
			if err := c.validateSecurity(); (err != nil) != tt.wantErr {
				t.Errorf("validateSecurity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	if !strings.Contains(d.DSN(), "password=p") {
		t.Errorf("DSN() = %s", d.DSN())
	}
	if strings.Contains(d.DSNWithoutPassword(), "password") {
		t.Errorf("DSNWithoutPassword() leaks password: %s", d.DSNWithoutPassword())
	}
}
