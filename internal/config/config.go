package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	State     StateConfig     `yaml:"state"`
	Engine    EngineConfig    `yaml:"engine"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Journal   JournalConfig   `yaml:"journal"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	// Passphrase comes from TRADINGVIEW_PASSPHRASE; empty disables the check.
	Passphrase string `yaml:"-"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type EngineConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	LockPoll        time.Duration `yaml:"lock_poll"`
	Tolerance       float64       `yaml:"tolerance"`
	StopLossPercent float64       `yaml:"stop_loss_percent"`
}

type ExchangesConfig struct {
	Default     string            `yaml:"default"`
	Dydx        DydxConfig        `yaml:"dydx"`
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
}

type DydxConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	IndexerURL     string        `yaml:"indexer_url"`
	NodeURL        string        `yaml:"node_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Subaccount     int           `yaml:"subaccount"`
	// Address comes from DYDX_ADDRESS.
	Address string `yaml:"-"`
}

type HyperliquidConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// PrivateKey and WalletAddress come from HYPERLIQUID_PRIVATE_KEY and
	// HYPERLIQUID_WALLET_ADDRESS.
	PrivateKey    string `yaml:"-"`
	WalletAddress string `yaml:"-"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":3000"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/tv-connector.db"
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = 5
	}
	if cfg.Engine.SettleDelay == 0 {
		cfg.Engine.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Engine.LockPoll == 0 {
		cfg.Engine.LockPoll = 50 * time.Millisecond
	}
	if cfg.Exchanges.Default == "" {
		cfg.Exchanges.Default = "dydxv4"
	}
	dydx := &cfg.Exchanges.Dydx
	if dydx.Enabled == nil {
		enabled := true
		dydx.Enabled = &enabled
	}
	if dydx.IndexerURL == "" {
		dydx.IndexerURL = "https://indexer.dydx.trade"
	}
	if dydx.NodeURL == "" {
		dydx.NodeURL = "https://dydx-rest.publicnode.com"
	}
	if dydx.WSURL == "" {
		dydx.WSURL = "wss://indexer.dydx.trade/v4/ws"
	}
	if dydx.Timeout == 0 {
		dydx.Timeout = 10 * time.Second
	}
	if dydx.ReconnectDelay == 0 {
		dydx.ReconnectDelay = 3 * time.Second
	}
	hl := &cfg.Exchanges.Hyperliquid
	if hl.BaseURL == "" {
		hl.BaseURL = "https://api.hyperliquid.xyz"
	}
	if hl.Timeout == 0 {
		hl.Timeout = 10 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Journal.Table == "" {
		cfg.Journal.Table = "signal_executions"
	}
}

// applyEnvOverrides pulls secrets from the environment so they stay out of the
// yaml file. Empty env values leave the config untouched.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADINGVIEW_PASSPHRASE"); v != "" {
		cfg.Server.Passphrase = v
	}
	if v := os.Getenv("DYDX_ADDRESS"); v != "" {
		cfg.Exchanges.Dydx.Address = v
	}
	if v := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); v != "" {
		cfg.Exchanges.Hyperliquid.PrivateKey = v
	}
	if v := os.Getenv("HYPERLIQUID_WALLET_ADDRESS"); v != "" {
		cfg.Exchanges.Hyperliquid.WalletAddress = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Journal.DSN = v
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxAttempts < 0 {
		return errors.New("engine.max_attempts must be >= 0")
	}
	if cfg.Engine.SettleDelay < 0 {
		return errors.New("engine.settle_delay must be >= 0")
	}
	if cfg.Engine.Tolerance < 0 {
		return errors.New("engine.tolerance must be >= 0")
	}
	if cfg.Engine.StopLossPercent < 0 || cfg.Engine.StopLossPercent >= 100 {
		return errors.New("engine.stop_loss_percent must be in [0, 100)")
	}
	dydx := cfg.Exchanges.Dydx
	if dydx.Enabled != nil && *dydx.Enabled && dydx.Address == "" {
		return errors.New("DYDX_ADDRESS is required when exchanges.dydx is enabled")
	}
	hl := cfg.Exchanges.Hyperliquid
	if hl.Enabled && (hl.PrivateKey == "" || hl.WalletAddress == "") {
		return errors.New("HYPERLIQUID_PRIVATE_KEY and HYPERLIQUID_WALLET_ADDRESS are required when exchanges.hyperliquid is enabled")
	}
	if cfg.Metrics.EnabledValue() && cfg.Metrics.Path[0] != '/' {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn (or DATABASE_URL) is required when the journal is enabled")
	}
	return nil
}
