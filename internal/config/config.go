package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // trading.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker   Broker   `mapstructure:"broker"`
	Trading  Trading  `mapstructure:"trading"`
	Risk     Risk     `mapstructure:"risk"`
	Exits    Exits    `mapstructure:"exits"`
	Filters  Filters  `mapstructure:"filters"`
	EventLog EventLog `mapstructure:"eventlog"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Tracing  Tracing  `mapstructure:"tracing"`
}

// Broker holds the configuration for the T-Invest API.
type Broker struct {
	Token          string        `mapstructure:"token"`
	AccountID      string        `mapstructure:"account_id"`
	Sandbox        bool          `mapstructure:"sandbox"`
	BaseURL        string        `mapstructure:"base_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// Trading holds the decision loop settings.
type Trading struct {
	Symbols          []string      `mapstructure:"symbols"`
	SymbolsFile      string        `mapstructure:"symbols_file"`
	DryRun           bool          `mapstructure:"dry_run"`
	PaperCash        float64       `mapstructure:"paper_cash"`
	AutoStart        bool          `mapstructure:"auto_start"`
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	HistoryLookback  time.Duration `mapstructure:"history_lookback"`
	BarInterval      string        `mapstructure:"bar_interval"`
	MaxTradesPerDay  int           `mapstructure:"max_trades_per_day"`
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	MaxBuysPerCycle  int           `mapstructure:"max_buys_per_cycle"`
	SymbolCooldown   time.Duration `mapstructure:"symbol_cooldown"`
	MinConfBuy       float64       `mapstructure:"min_conf_buy"`
	Timezone         string        `mapstructure:"timezone"`
	SessionCheck     bool          `mapstructure:"session_check"`
}

// Risk holds sizing and daily drawdown settings.
type Risk struct {
	PositionSizing       string  `mapstructure:"position_sizing"`
	RiskPerTrade         float64 `mapstructure:"risk_per_trade"`
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxPositionValuePct  float64 `mapstructure:"max_position_value_pct"`
	HighLotThreshold     int     `mapstructure:"high_lot_threshold"`
	HighLotSizeFactor    float64 `mapstructure:"high_lot_size_factor"`
	MinATRPct            float64 `mapstructure:"min_atr_pct"`
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	PeakDrawdownLimitPct float64 `mapstructure:"peak_drawdown_limit_pct"`
	EquityJumpThreshold  float64 `mapstructure:"equity_jump_threshold"`
	DayResetHour         int     `mapstructure:"day_reset_hour"`
	StatePath            string  `mapstructure:"state_path"`
}

// Exits holds stop/take, trailing and sell-confirmation settings.
type Exits struct {
	StopLossPct         float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64 `mapstructure:"take_profit_pct"`
	TakeMinPct          float64 `mapstructure:"take_min_pct"`
	MinStopDistancePct  float64 `mapstructure:"min_stop_distance_pct"`
	ATRStopMult         float64 `mapstructure:"atr_stop_mult"`
	ATRTakeMult         float64 `mapstructure:"atr_take_mult"`
	ATRTrailMult        float64 `mapstructure:"atr_trail_mult"`
	TrailMinPct         float64 `mapstructure:"trail_min_pct"`
	BreakevenTriggerPct float64 `mapstructure:"breakeven_trigger_pct"`
	BreakevenLockPct    float64 `mapstructure:"breakeven_lock_pct"`
	MinConfSell         float64 `mapstructure:"min_conf_sell"`
	MinConfSellStrong   float64 `mapstructure:"min_conf_sell_strong"`
	SellConfirmBars     int     `mapstructure:"sell_confirm_bars"`
	RSIStrongOverbought float64 `mapstructure:"rsi_strong_overbought"`
}

// Filters holds the entry quality filters and the optional advisory services.
type Filters struct {
	NoisySymbols            []string `mapstructure:"noisy_symbols"`
	NoisyMinConfBuy         float64  `mapstructure:"noisy_min_conf_buy"`
	NoisyRequireTrendUp     bool     `mapstructure:"noisy_require_trend_up"`
	NoisyVolumeRatioMin     float64  `mapstructure:"noisy_volume_ratio_min"`
	NoisyMACDHistMin        float64  `mapstructure:"noisy_macd_hist_min"`
	RequireTrendUpBuy       bool     `mapstructure:"require_trend_up_buy"`
	MinVolumeRatioBuy       float64  `mapstructure:"min_volume_ratio_buy"`
	RequireMACDRisingBuy    bool     `mapstructure:"require_macd_rising_buy"`
	PerformanceTracker      bool     `mapstructure:"performance_tracker"`
	PerformanceLookbackDays int      `mapstructure:"performance_lookback_days"`
	AutoBlockMinTrades      int      `mapstructure:"auto_block_min_trades"`
	AutoBlockMaxLossRate    float64  `mapstructure:"auto_block_max_loss_rate"`
	MarketRegime            bool     `mapstructure:"market_regime"`
	CorrelationMaxPerGroup  int      `mapstructure:"correlation_max_per_group"`
}

// EventLog holds the configuration of the append-only decision log.
type EventLog struct {
	Path         string `mapstructure:"path"`
	Fsync        bool   `mapstructure:"fsync"`
	TailMaxBytes int64  `mapstructure:"tail_max_bytes"`
}

// Server holds the configuration for the control API.
type Server struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Database holds the configuration for the trade projection.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Tracing holds the OpenTelemetry settings.
type Tracing struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Location resolves the configured trading time zone.
func (t Trading) Location() (*time.Location, error) {
	return time.LoadLocation(t.Timezone)
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error: defaults and the environment still apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.account_id", "")
	v.SetDefault("broker.sandbox", true)
	v.SetDefault("broker.base_url", "")
	v.SetDefault("broker.rate_limit", 5)
	v.SetDefault("broker.rate_limit_burst", 5)
	v.SetDefault("broker.call_timeout", 0)

	v.SetDefault("trading.symbols", []string{"SBER", "GAZP", "LKOH", "YDEX", "VTBR"})
	v.SetDefault("trading.symbols_file", "")
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.paper_cash", 100000)
	v.SetDefault("trading.auto_start", true)
	v.SetDefault("trading.update_interval", 300*time.Second)
	v.SetDefault("trading.history_lookback", 120*time.Hour)
	v.SetDefault("trading.bar_interval", "5m")
	v.SetDefault("trading.max_trades_per_day", 50)
	v.SetDefault("trading.max_open_positions", 10)
	v.SetDefault("trading.max_buys_per_cycle", 5)
	v.SetDefault("trading.symbol_cooldown", 10*time.Minute)
	v.SetDefault("trading.min_conf_buy", 0.42)
	v.SetDefault("trading.timezone", "Europe/Moscow")
	v.SetDefault("trading.session_check", true)

	v.SetDefault("risk.position_sizing", "risk")
	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_position_size", 0.20)
	v.SetDefault("risk.max_position_value_pct", 0.20)
	v.SetDefault("risk.high_lot_threshold", 100)
	v.SetDefault("risk.high_lot_size_factor", 0.5)
	v.SetDefault("risk.min_atr_pct", 0.0015)
	v.SetDefault("risk.daily_loss_limit_pct", 0.02)
	v.SetDefault("risk.peak_drawdown_limit_pct", 0.05)
	v.SetDefault("risk.equity_jump_threshold", 0.30)
	v.SetDefault("risk.day_reset_hour", 10)
	v.SetDefault("risk.state_path", "state/daily_risk.json")

	v.SetDefault("exits.stop_loss_pct", 0.03)
	v.SetDefault("exits.take_profit_pct", 0.06)
	v.SetDefault("exits.take_min_pct", 0.0075)
	v.SetDefault("exits.min_stop_distance_pct", 0.012)
	v.SetDefault("exits.atr_stop_mult", 2.0)
	v.SetDefault("exits.atr_take_mult", 3.0)
	v.SetDefault("exits.atr_trail_mult", 2.0)
	v.SetDefault("exits.trail_min_pct", 0)
	v.SetDefault("exits.breakeven_trigger_pct", 0)
	v.SetDefault("exits.breakeven_lock_pct", 0)
	v.SetDefault("exits.min_conf_sell", 0.5)
	v.SetDefault("exits.min_conf_sell_strong", 0.65)
	v.SetDefault("exits.sell_confirm_bars", 2)
	v.SetDefault("exits.rsi_strong_overbought", 80)

	v.SetDefault("filters.noisy_symbols", []string{"VTBR"})
	v.SetDefault("filters.noisy_min_conf_buy", 0.60)
	v.SetDefault("filters.noisy_require_trend_up", true)
	v.SetDefault("filters.noisy_volume_ratio_min", 1.0)
	v.SetDefault("filters.noisy_macd_hist_min", 0.0)
	v.SetDefault("filters.require_trend_up_buy", false)
	v.SetDefault("filters.min_volume_ratio_buy", 0)
	v.SetDefault("filters.require_macd_rising_buy", false)
	v.SetDefault("filters.performance_tracker", true)
	v.SetDefault("filters.performance_lookback_days", 14)
	v.SetDefault("filters.auto_block_min_trades", 5)
	v.SetDefault("filters.auto_block_max_loss_rate", 0.75)
	v.SetDefault("filters.market_regime", true)
	v.SetDefault("filters.correlation_max_per_group", 2)

	v.SetDefault("eventlog.path", "logs/audit.jsonl")
	v.SetDefault("eventlog.fsync", false)
	v.SetDefault("eventlog.tail_max_bytes", 32<<20)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.dsn", "state/trades.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tinvest-trade-bot")
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if len(c.Trading.Symbols) == 0 {
		return errors.New("trading.symbols must not be empty")
	}
	if c.Trading.UpdateInterval <= 0 {
		return errors.New("trading.update_interval must be positive")
	}
	if c.Risk.DayResetHour < 0 || c.Risk.DayResetHour > 23 {
		return fmt.Errorf("risk.day_reset_hour out of range: %d", c.Risk.DayResetHour)
	}
	if _, err := c.Trading.Location(); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	return nil
}

// RequireBroker reports whether the broker credentials needed by the decision loop are present.
func (c Config) RequireBroker() error {
	if c.Broker.Token == "" {
		return errors.New("broker.token is required")
	}
	return nil
}
