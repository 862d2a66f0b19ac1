package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"riskengine/pkg/crypto"
	"riskengine/pkg/utils"
)

// Config содержит всю конфигурацию приложения.
// Загружается один раз при старте, ядро её не перечитывает.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Binance  BinanceConfig  `yaml:"binance"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// AppConfig - общие настройки процесса
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	EventLogDir string `yaml:"event_log_dir"` // каталог JSONL журналов
}

// ServerConfig - ops HTTP API
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DatabaseConfig - Postgres архив событий (опционально)
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig - мост к генератору сигналов и слою данных (опционально)
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	IntentStream string        `yaml:"intent_stream"`
	MarketStream string        `yaml:"market_stream"`
	EventStream  string        `yaml:"event_stream"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	MaxLen       int64         `yaml:"max_len"` // ограничение длины исходящего стрима
}

// BinanceConfig - подключение к Binance USDⓈ-M Futures
type BinanceConfig struct {
	Testnet        bool   `yaml:"testnet"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	BaseURL        string `yaml:"base_url"`
	WSURL          string `yaml:"ws_url"`
	TestnetBaseURL string `yaml:"testnet_base_url"`
	TestnetWSURL   string `yaml:"testnet_ws_url"`
	RecvWindow     int64  `yaml:"recv_window"` // ms

	MaxWeightPerMinute int `yaml:"max_weight_per_minute"`
	MaxOrderPerSecond  int `yaml:"max_order_per_second"`
	MaxOrderPerMinute  int `yaml:"max_order_per_minute"`

	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ListenKeyKeepalive time.Duration `yaml:"listen_key_keepalive"`
}

// TradingConfig - торгуемые символы и параметры защитных ордеров
type TradingConfig struct {
	Symbols           []string      `yaml:"symbol_list"`
	Leverage          int           `yaml:"leverage"`
	ActivatePriceRate float64       `yaml:"activate_price_rate"`
	TrailingPercent   float64       `yaml:"trailing_percent"`
	TrailMinStep      float64       `yaml:"trail_min_step"`
	MaxLossPercent    float64       `yaml:"max_loss_percent"`
	MeanReversionTP   float64       `yaml:"mean_reversion_tp"`
	MeanReversionSL   float64       `yaml:"mean_reversion_sl"`
	AttachGrace       time.Duration `yaml:"attach_grace"`
}

// MaxHoldingBars - лимит удержания в барах по семействам стратегий
type MaxHoldingBars struct {
	Trend     int `yaml:"trend"`
	Reversion int `yaml:"reversion"`
}

// RiskConfig - пре-трейд проверки и сайзинг
type RiskConfig struct {
	RiskPerTrade          float64        `yaml:"risk_per_trade"`
	MaxMarginUsage        float64        `yaml:"max_margin_usage"`
	MaxDailyLoss          float64        `yaml:"max_daily_loss"` // доля equity
	MaxDailyTrades        int            `yaml:"max_daily_trades"`
	SlippagePercent       float64        `yaml:"slippage_percent"`
	MaxHoldingBars        MaxHoldingBars `yaml:"max_holding_bars"`
	ConsecutiveLosses     int            `yaml:"consecutive_losses"`
	CooldownPeriod        time.Duration  `yaml:"cooldown_period"`
	MinBandwidthThreshold float64        `yaml:"min_bandwidth_threshold"`
	MinVolume             float64        `yaml:"min_volume"`
	ATRStopMultiplier     float64        `yaml:"atr_stop_multiplier"`
	VolatilityScaling     bool           `yaml:"volatility_scaling"`
	DailyResetHour        int            `yaml:"daily_reset_hour"`
}

// EngineConfig - параметры конкурентного ядра
type EngineConfig struct {
	DrainTimeout            time.Duration `yaml:"drain_timeout"`
	ReconcileInterval       time.Duration `yaml:"reconcile_interval"`
	ProtectionCheckInterval time.Duration `yaml:"protection_check_interval"`
	MaxAmbiguousPerOrder    int           `yaml:"max_ambiguous_per_order"`
	EventBuffer             int           `yaml:"event_buffer"`
	IntentBuffer            int           `yaml:"intent_buffer"`
	SubmitTimeout           time.Duration `yaml:"submit_timeout"`
	BarInterval             time.Duration `yaml:"bar_interval"`
	// Пауза перед повторным подключением стрима после Failed
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	Development bool   `yaml:"development"`
}

// SecurityConfig - доступ к ops API и расшифровка секретов
type SecurityConfig struct {
	EncryptionKey    string `yaml:"-"` // только из окружения
	OpsUser          string `yaml:"ops_user"`
	OpsPasswordHash  string `yaml:"ops_password_hash"`
	TOTPSecret       string `yaml:"totp_secret"`
	RequireTOTP      bool   `yaml:"require_totp"`
	ReadOnlyNoAuth   bool   `yaml:"read_only_no_auth"` // GET без авторизации
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
	TrustedProxyHops int    `yaml:"trusted_proxy_hops"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "riskengine",
			Environment: "development",
			EventLogDir: "logs",
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "riskengine",
			User:            "riskengine",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			IntentStream: "riskengine:intents",
			MarketStream: "riskengine:market",
			EventStream:  "riskengine:events",
			Group:        "riskengine",
			Consumer:     "engine-1",
			BlockTimeout: 2 * time.Second,
			MaxLen:       100000,
		},
		Binance: BinanceConfig{
			BaseURL:            "https://fapi.binance.com",
			WSURL:              "wss://fstream.binance.com/ws",
			TestnetBaseURL:     "https://testnet.binancefuture.com",
			TestnetWSURL:       "wss://stream.binancefuture.com/ws",
			RecvWindow:         5000,
			MaxWeightPerMinute: 2400,
			MaxOrderPerSecond:  30,
			MaxOrderPerMinute:  1200,
			PingInterval:       3 * time.Minute,
			PongTimeout:        10 * time.Second,
			ReconnectAttempts:  5,
			RequestTimeout:     10 * time.Second,
			ListenKeyKeepalive: 30 * time.Minute,
		},
		Trading: TradingConfig{
			Leverage:          5,
			ActivatePriceRate: 0.01,
			TrailingPercent:   0.005,
			TrailMinStep:      0.001,
			MaxLossPercent:    0.02,
			MeanReversionTP:   0.015,
			MeanReversionSL:   0.01,
			AttachGrace:       10 * time.Second,
		},
		Risk: RiskConfig{
			RiskPerTrade:          0.005,
			MaxMarginUsage:        0.5,
			MaxDailyLoss:          0.05,
			MaxDailyTrades:        20,
			SlippagePercent:       0.1,
			MaxHoldingBars:        MaxHoldingBars{Trend: 96, Reversion: 32},
			ConsecutiveLosses:     5,
			CooldownPeriod:        4 * time.Hour,
			MinBandwidthThreshold: 0.01,
			ATRStopMultiplier:     2.0,
			DailyResetHour:        0,
		},
		Engine: EngineConfig{
			DrainTimeout:            10 * time.Second,
			ReconcileInterval:       time.Minute,
			ProtectionCheckInterval: 2 * time.Second,
			MaxAmbiguousPerOrder:    3,
			EventBuffer:             1024,
			IntentBuffer:            16,
			SubmitTimeout:           15 * time.Second,
			BarInterval:             15 * time.Minute,
			RestartDelay:            30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Security: SecurityConfig{
			OpsUser:      "ops",
			MaxBodyBytes: 1 << 16,
		},
	}
}

// Load читает YAML (если путь задан), применяет переменные окружения,
// расшифровывает ENC(...) секреты и валидирует результат
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvOverrides - переменные окружения имеют приоритет над файлом
func (c *Config) loadEnvOverrides() {
	c.App.Environment = getEnv("APP_ENVIRONMENT", c.App.Environment)
	c.App.EventLogDir = getEnv("EVENT_LOG_DIR", c.App.EventLogDir)

	c.Server.Enabled = getEnvAsBool("SERVER_ENABLED", c.Server.Enabled)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)

	c.Database.Enabled = getEnvAsBool("DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.Binance.Testnet = getEnvAsBool("BINANCE_TESTNET", c.Binance.Testnet)
	if c.Binance.Testnet {
		c.Binance.APIKey = getEnv("BINANCE_TESTNET_API_KEY", c.Binance.APIKey)
		c.Binance.APISecret = getEnv("BINANCE_TESTNET_API_SECRET", c.Binance.APISecret)
	} else {
		c.Binance.APIKey = getEnv("BINANCE_API_KEY", c.Binance.APIKey)
		c.Binance.APISecret = getEnv("BINANCE_API_SECRET", c.Binance.APISecret)
	}
	c.Binance.RecvWindow = int64(getEnvAsInt("BINANCE_RECV_WINDOW", int(c.Binance.RecvWindow)))
	c.Binance.ReconnectAttempts = getEnvAsInt("BINANCE_RECONNECT_ATTEMPTS", c.Binance.ReconnectAttempts)

	if v := getEnv("SYMBOL_LIST", ""); v != "" {
		c.Trading.Symbols = splitList(v)
	}
	c.Trading.Leverage = getEnvAsInt("LEVERAGE", c.Trading.Leverage)

	c.Risk.RiskPerTrade = getEnvAsFloat("RISK_PER_TRADE", c.Risk.RiskPerTrade)
	c.Risk.MaxMarginUsage = getEnvAsFloat("RISK_MAX_MARGIN_USAGE", c.Risk.MaxMarginUsage)
	c.Risk.CooldownPeriod = getEnvAsDuration("RISK_COOLDOWN_PERIOD", c.Risk.CooldownPeriod)

	c.Engine.DrainTimeout = getEnvAsDuration("ENGINE_DRAIN_TIMEOUT", c.Engine.DrainTimeout)
	c.Engine.RestartDelay = getEnvAsDuration("ENGINE_RESTART_DELAY", c.Engine.RestartDelay)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)
	c.Security.OpsPasswordHash = getEnv("OPS_PASSWORD_HASH", c.Security.OpsPasswordHash)
	c.Security.TOTPSecret = getEnv("OPS_TOTP_SECRET", c.Security.TOTPSecret)
}

// openSecrets расшифровывает значения вида ENC(...)
func (c *Config) openSecrets() error {
	var key []byte
	if c.Security.EncryptionKey != "" {
		k, err := crypto.ParseKey(c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		key = k
	}

	secrets := []struct {
		name string
		ptr  *string
	}{
		{"binance.api_key", &c.Binance.APIKey},
		{"binance.api_secret", &c.Binance.APISecret},
		{"database.password", &c.Database.Password},
		{"redis.password", &c.Redis.Password},
		{"security.totp_secret", &c.Security.TOTPSecret},
	}
	for _, s := range secrets {
		v, err := crypto.OpenSecret(*s.ptr, key)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.ptr = v
	}
	return nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return fmt.Errorf("binance api key and secret are required")
	}

	if c.Server.Enabled {
		if c.Security.OpsPasswordHash == "" {
			return fmt.Errorf("security.ops_password_hash is required when ops API is enabled")
		}
		if !crypto.IsBcryptHash(c.Security.OpsPasswordHash) {
			return fmt.Errorf("security.ops_password_hash must be a bcrypt hash")
		}
		if c.Security.RequireTOTP && c.Security.TOTPSecret == "" {
			return fmt.Errorf("security.totp_secret is required when require_totp is set")
		}
	}

	// Боевой контур не запускаем с открытыми read-only ручками
	if !c.Binance.Testnet && c.App.Environment == "production" && c.Security.ReadOnlyNoAuth {
		return fmt.Errorf("read_only_no_auth is not allowed in production on mainnet")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbol_list must not be empty")
	}
	seen := make(map[string]bool, len(c.Trading.Symbols))
	for i, s := range c.Trading.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if err := utils.ValidateSymbol(s); err != nil {
			return fmt.Errorf("trading.symbol_list: %w", err)
		}
		if seen[s] {
			return fmt.Errorf("trading.symbol_list: duplicate symbol %s", s)
		}
		seen[s] = true
		c.Trading.Symbols[i] = s
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		return fmt.Errorf("trading.leverage must be between 1 and 125, got %d", c.Trading.Leverage)
	}

	fractions := []struct {
		name  string
		value float64
	}{
		{"trading.activate_price_rate", c.Trading.ActivatePriceRate},
		{"trading.trailing_percent", c.Trading.TrailingPercent},
		{"trading.max_loss_percent", c.Trading.MaxLossPercent},
		{"trading.mean_reversion_tp", c.Trading.MeanReversionTP},
		{"trading.mean_reversion_sl", c.Trading.MeanReversionSL},
		{"risk.risk_per_trade", c.Risk.RiskPerTrade},
		{"risk.max_margin_usage", c.Risk.MaxMarginUsage},
		{"risk.max_daily_loss", c.Risk.MaxDailyLoss},
	}
	for _, f := range fractions {
		if err := utils.ValidateFraction(f.name, f.value); err != nil {
			return err
		}
	}
	if c.Trading.TrailMinStep < 0 || c.Trading.TrailMinStep >= 1 {
		return fmt.Errorf("trading.trail_min_step must be in [0, 1), got %v", c.Trading.TrailMinStep)
	}

	if c.Risk.MaxDailyTrades < 1 {
		return fmt.Errorf("risk.max_daily_trades must be positive, got %d", c.Risk.MaxDailyTrades)
	}
	if c.Risk.ConsecutiveLosses < 1 {
		return fmt.Errorf("risk.consecutive_losses must be positive, got %d", c.Risk.ConsecutiveLosses)
	}
	if c.Risk.CooldownPeriod <= 0 {
		return fmt.Errorf("risk.cooldown_period must be positive, got %v", c.Risk.CooldownPeriod)
	}
	if c.Risk.SlippagePercent <= 0 {
		return fmt.Errorf("risk.slippage_percent must be positive, got %v", c.Risk.SlippagePercent)
	}
	if c.Risk.ATRStopMultiplier <= 0 {
		return fmt.Errorf("risk.atr_stop_multiplier must be positive, got %v", c.Risk.ATRStopMultiplier)
	}
	if c.Risk.MaxHoldingBars.Trend < 1 || c.Risk.MaxHoldingBars.Reversion < 1 {
		return fmt.Errorf("risk.max_holding_bars must be positive for every strategy")
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		return fmt.Errorf("risk.daily_reset_hour must be between 0 and 23, got %d", c.Risk.DailyResetHour)
	}
	if c.Risk.MinBandwidthThreshold < 0 || c.Risk.MinVolume < 0 {
		return fmt.Errorf("risk liquidity thresholds cannot be negative")
	}

	if c.Binance.MaxWeightPerMinute < 1 || c.Binance.MaxOrderPerSecond < 1 || c.Binance.MaxOrderPerMinute < 1 {
		return fmt.Errorf("binance rate limits must be positive")
	}
	if c.Binance.ReconnectAttempts < 1 {
		return fmt.Errorf("binance.reconnect_attempts must be positive, got %d", c.Binance.ReconnectAttempts)
	}
	if c.Binance.PingInterval <= 0 || c.Binance.PongTimeout <= 0 {
		return fmt.Errorf("binance ping_interval and pong_timeout must be positive")
	}
	if c.Binance.RecvWindow < 1 || c.Binance.RecvWindow > 60000 {
		return fmt.Errorf("binance.recv_window must be between 1 and 60000 ms, got %d", c.Binance.RecvWindow)
	}
	if c.Binance.RequestTimeout <= 0 {
		return fmt.Errorf("binance.request_timeout must be positive, got %v", c.Binance.RequestTimeout)
	}

	if c.Engine.DrainTimeout <= 0 {
		return fmt.Errorf("engine.drain_timeout must be positive, got %v", c.Engine.DrainTimeout)
	}
	if c.Engine.MaxAmbiguousPerOrder < 1 {
		return fmt.Errorf("engine.max_ambiguous_per_order must be positive, got %d", c.Engine.MaxAmbiguousPerOrder)
	}
	if c.Engine.EventBuffer < 1 || c.Engine.IntentBuffer < 1 {
		return fmt.Errorf("engine buffers must be positive")
	}
	if c.Engine.ReconcileInterval <= 0 || c.Engine.ProtectionCheckInterval <= 0 {
		return fmt.Errorf("engine reconcile and protection intervals must be positive")
	}
	if c.Engine.BarInterval <= 0 || c.Engine.SubmitTimeout <= 0 {
		return fmt.Errorf("engine bar_interval and submit_timeout must be positive")
	}
	if c.Engine.RestartDelay <= 0 {
		return fmt.Errorf("engine.restart_delay must be positive, got %v", c.Engine.RestartDelay)
	}

	return nil
}

// RESTBaseURL возвращает REST endpoint с учётом testnet
func (b BinanceConfig) RESTBaseURL() string {
	if b.Testnet {
		return b.TestnetBaseURL
	}
	return b.BaseURL
}

// StreamBaseURL возвращает WS endpoint с учётом testnet
func (b BinanceConfig) StreamBaseURL() string {
	if b.Testnet {
		return b.TestnetWSURL
	}
	return b.WSURL
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// LogConfig переводит секцию logging в настройки логгера
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       l.Level,
		Format:      l.Format,
		Output:      l.Output,
		Development: l.Development,
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
