package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueNado = "nado"
	VenueHL   = "hl"
)

const (
	PricingAtBid         = "at_bid"
	PricingOneTickInside = "one_tick_inside"
	PricingAggressive    = "aggressive"
	PricingMarket        = "market"
)

const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	TradeLog  TradeLogConfig  `yaml:"trade_log"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Nado      NadoConfig      `yaml:"nado"`
	HL        HLConfig        `yaml:"hl"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TradeLogConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type NadoConfig struct {
	RESTURL              string        `yaml:"rest_url"`
	WSURL                string        `yaml:"ws_url"`
	SubscriptionsURL     string        `yaml:"subscriptions_url"`
	ChainID              int64         `yaml:"chain_id"`
	EndpointAddress      string        `yaml:"endpoint_address"`
	SubaccountName       string        `yaml:"subaccount_name"`
	Timeout              time.Duration `yaml:"timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	AuthTTL              time.Duration `yaml:"auth_ttl"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
}

type HLConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StrategyConfig struct {
	Ticker             string        `yaml:"ticker"`
	PrimaryVenue       string        `yaml:"primary_venue"`
	HedgeVenue         string        `yaml:"hedge_venue"`
	NadoProductID      int64         `yaml:"nado_product_id"`
	HLAsset            string        `yaml:"hl_asset"`
	OrderQty           float64       `yaml:"order_qty"`
	MaxPosition        float64       `yaml:"max_position"`
	Direction          string        `yaml:"direction"`
	PrimaryPricing     string        `yaml:"primary_pricing"`
	HedgePricing       string        `yaml:"hedge_pricing"`
	MinSpreadBps       float64       `yaml:"min_spread_bps"`
	TakerSlippageBps   float64       `yaml:"taker_slippage_bps"`
	PriceTick          float64       `yaml:"price_tick"`
	MaxExitSlippageBps float64       `yaml:"max_exit_slippage_bps"`
	FillTimeout        time.Duration `yaml:"fill_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	EntryInterval      time.Duration `yaml:"entry_interval"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MaxEntryRetries    int           `yaml:"max_entry_retries"`
	MaxHedgeRetries    int           `yaml:"max_hedge_retries"`
	Iterations         int           `yaml:"iterations"`
}

type RiskConfig struct {
	DriftFraction     float64 `yaml:"drift_fraction"`
	ImbalanceMultiple float64 `yaml:"imbalance_multiple"`
	FillConfirmRatio  float64 `yaml:"fill_confirm_ratio"`
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
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 7
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 30
		}
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-hedge-bot.db"
	}
	if cfg.TradeLog.Path == "" {
		cfg.TradeLog.Path = "data/trades.csv"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}

	if cfg.Nado.RESTURL == "" {
		cfg.Nado.RESTURL = "https://gateway.prod.nado.xyz/v1"
	}
	if cfg.Nado.WSURL == "" {
		cfg.Nado.WSURL = deriveWSURL(cfg.Nado.RESTURL, "/ws")
	}
	if cfg.Nado.SubscriptionsURL == "" {
		cfg.Nado.SubscriptionsURL = deriveWSURL(cfg.Nado.RESTURL, "/subscribe")
	}
	if cfg.Nado.SubaccountName == "" {
		cfg.Nado.SubaccountName = "default"
	}
	if cfg.Nado.Timeout == 0 {
		cfg.Nado.Timeout = 10 * time.Second
	}
	if cfg.Nado.ReconnectDelay == 0 {
		cfg.Nado.ReconnectDelay = time.Second
	}
	if cfg.Nado.MaxReconnectDelay == 0 {
		cfg.Nado.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Nado.MaxReconnectAttempts == 0 {
		cfg.Nado.MaxReconnectAttempts = 10
	}
	if cfg.Nado.PingInterval == 0 {
		// the gateway drops idle sockets after 30s
		cfg.Nado.PingInterval = 25 * time.Second
	}
	if cfg.Nado.AuthTTL == 0 {
		cfg.Nado.AuthTTL = 90 * time.Second
	}
	if cfg.Nado.DialTimeout == 0 {
		cfg.Nado.DialTimeout = 10 * time.Second
	}

	if cfg.HL.BaseURL == "" {
		cfg.HL.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.HL.Timeout == 0 {
		cfg.HL.Timeout = 10 * time.Second
	}

	s := &cfg.Strategy
	if s.PrimaryVenue == "" {
		s.PrimaryVenue = VenueNado
	}
	if s.HedgeVenue == "" {
		s.HedgeVenue = VenueHL
	}
	if s.HLAsset == "" {
		s.HLAsset = s.Ticker
	}
	if s.Direction == "" {
		s.Direction = DirectionLong
	}
	if s.PrimaryPricing == "" {
		s.PrimaryPricing = PricingAtBid
	}
	if s.HedgePricing == "" {
		s.HedgePricing = PricingAggressive
	}
	if s.MaxPosition == 0 {
		s.MaxPosition = s.OrderQty
	}
	if s.TakerSlippageBps == 0 {
		s.TakerSlippageBps = 20
	}
	if s.MaxExitSlippageBps == 0 {
		s.MaxExitSlippageBps = 25
	}
	if s.FillTimeout == 0 {
		s.FillTimeout = 10 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = 250 * time.Millisecond
	}
	if s.EntryInterval == 0 {
		s.EntryInterval = time.Second
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = 5 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.MaxEntryRetries == 0 {
		s.MaxEntryRetries = 3
	}
	if s.MaxHedgeRetries == 0 {
		s.MaxHedgeRetries = 3
	}

	if cfg.Risk.DriftFraction == 0 {
		cfg.Risk.DriftFraction = 0.1
	}
	if cfg.Risk.ImbalanceMultiple == 0 {
		cfg.Risk.ImbalanceMultiple = 2
	}
	if cfg.Risk.FillConfirmRatio == 0 {
		cfg.Risk.FillConfirmRatio = 0.99
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if name := strings.TrimSpace(os.Getenv("NADO_SUBACCOUNT_NAME")); name != "" {
		cfg.Nado.SubaccountName = name
	}
	if dsn := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.Ticker == "" {
		return errors.New("strategy.ticker is required")
	}
	if s.OrderQty <= 0 {
		return errors.New("strategy.order_qty must be > 0")
	}
	if s.MaxPosition < s.OrderQty {
		return errors.New("strategy.max_position must be >= strategy.order_qty")
	}
	if !validVenue(s.PrimaryVenue) || !validVenue(s.HedgeVenue) {
		return fmt.Errorf("unknown venue pair %q/%q", s.PrimaryVenue, s.HedgeVenue)
	}
	if s.PrimaryVenue == s.HedgeVenue {
		return errors.New("strategy.primary_venue and strategy.hedge_venue must differ")
	}
	if s.NadoProductID <= 0 {
		return errors.New("strategy.nado_product_id must be > 0")
	}
	if !validPricing(s.PrimaryPricing) || !validPricing(s.HedgePricing) {
		return fmt.Errorf("unknown pricing mode %q/%q", s.PrimaryPricing, s.HedgePricing)
	}
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("strategy.direction must be %q or %q", DirectionLong, DirectionShort)
	}
	if s.PriceTick < 0 {
		return errors.New("strategy.price_tick must be >= 0")
	}
	if s.MinSpreadBps < 0 || s.TakerSlippageBps < 0 || s.MaxExitSlippageBps < 0 {
		return errors.New("strategy bps settings must be >= 0")
	}
	if s.FillTimeout < 0 || s.PollInterval < 0 || s.EntryInterval < 0 || s.ReconcileInterval < 0 || s.ShutdownTimeout < 0 {
		return errors.New("strategy durations must be >= 0")
	}
	if s.PollInterval > s.FillTimeout {
		return errors.New("strategy.poll_interval must be <= strategy.fill_timeout")
	}
	if s.MaxEntryRetries < 0 || s.MaxHedgeRetries < 0 || s.Iterations < 0 {
		return errors.New("strategy retry and iteration counts must be >= 0")
	}
	if cfg.Risk.DriftFraction < 0 {
		return errors.New("risk.drift_fraction must be >= 0")
	}
	if cfg.Risk.ImbalanceMultiple < 1 {
		return errors.New("risk.imbalance_multiple must be >= 1")
	}
	if cfg.Risk.FillConfirmRatio <= 0 || cfg.Risk.FillConfirmRatio > 1 {
		return errors.New("risk.fill_confirm_ratio must be in (0, 1]")
	}
	if cfg.Nado.MaxReconnectAttempts < 0 {
		return errors.New("nado.max_reconnect_attempts must be >= 0")
	}
	if cfg.Nado.PingInterval >= 30*time.Second {
		return errors.New("nado.ping_interval must be shorter than the 30s idle window")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func validVenue(v string) bool {
	return v == VenueNado || v == VenueHL
}

func validPricing(mode string) bool {
	switch mode {
	case PricingAtBid, PricingOneTickInside, PricingAggressive, PricingMarket:
		return true
	}
	return false
}

func deriveWSURL(restURL, path string) string {
	base := strings.TrimRight(restURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
