package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"momobot/internal/broker"
	"momobot/internal/exits"
	"momobot/internal/scoring"
	"momobot/internal/tier"
)

// Config is built once at startup and passed by value to every component.
type Config struct {
	StateDir      string `yaml:"state_dir"`
	LogDir        string `yaml:"log_dir"`
	LogLevel      string `yaml:"log_level"`
	DecisionsPath string `yaml:"decisions_path"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DatabaseURL   string `yaml:"database_url"`
	Timezone      string `yaml:"timezone"`
	UniverseGlob  string `yaml:"universe_glob"`

	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Feed      string `yaml:"feed"`

	KillSwitch bool `yaml:"kill_switch"`
	Realtime   bool `yaml:"realtime"`

	ScanInterval      time.Duration `yaml:"scan_interval"`
	BuyerInterval     time.Duration `yaml:"buyer_interval"`
	HotCheckInterval  time.Duration `yaml:"hot_check_interval"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	SellerInterval    time.Duration `yaml:"seller_interval"`
	MarketClosedSleep time.Duration `yaml:"market_closed_sleep"`
	ErrorSleep        time.Duration `yaml:"error_sleep"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	SignalMaxAge      time.Duration `yaml:"signal_max_age"`
	SellSignalMaxAge  time.Duration `yaml:"sell_signal_max_age"`
	RealtimeThrottle  time.Duration `yaml:"realtime_throttle"`
	APIRequestSpacing time.Duration `yaml:"api_request_spacing"`

	PrimaryTimeframe broker.TimeFrame `yaml:"primary_timeframe"`
	PrimaryBars      int              `yaml:"primary_bars"`
	MinBars          int              `yaml:"min_bars"`
	FastTimeframe    broker.TimeFrame `yaml:"fast_timeframe"`
	FastBars         int              `yaml:"fast_bars"`
	RSIPeriod        int              `yaml:"rsi_period"`
	VolumeLookback   int              `yaml:"volume_lookback"`
	VelocityPeriod   int              `yaml:"velocity_period"`

	MinBreakout      float64 `yaml:"min_breakout"`
	MinRelVolume     float64 `yaml:"min_rel_volume"`
	RSIMin           float64 `yaml:"rsi_min"`
	RSIMax           float64 `yaml:"rsi_max"`
	StrongBreakout   float64 `yaml:"strong_breakout"`
	HighVolume       float64 `yaml:"high_volume"`
	RSISweetSpotLow  float64 `yaml:"rsi_sweet_spot_low"`
	RSISweetSpotHigh float64 `yaml:"rsi_sweet_spot_high"`
	LargeGap         float64 `yaml:"large_gap"`
	MinEntryScore    int     `yaml:"min_entry_score"`
	HotSignalScore   int     `yaml:"hot_signal_score"`

	MaxPositions   int           `yaml:"max_positions"`
	SizeTiers      tier.Table    `yaml:"size_tiers"`
	MaxSlippage    float64       `yaml:"max_slippage"`
	MaxSpread      float64       `yaml:"max_spread"`
	UseLimitOrders bool          `yaml:"use_limit_orders"`
	LimitBuffer    float64       `yaml:"limit_buffer"`
	OrderPoll      time.Duration `yaml:"order_poll"`
	OrderTimeout   time.Duration `yaml:"order_timeout"`

	StopLossPct           float64       `yaml:"stop_loss_pct"`
	BreakevenPct          float64       `yaml:"breakeven_pct"`
	TrailingActivationPct float64       `yaml:"trailing_activation_pct"`
	TrailingTiers         tier.Table    `yaml:"trailing_tiers"`
	DefaultTrailingPct    float64       `yaml:"default_trailing_pct"`
	DecelerationThreshold float64       `yaml:"deceleration_threshold"`
	MinProfitForDecel     float64       `yaml:"min_profit_for_decel"`
	StagnantAfter         time.Duration `yaml:"stagnant_after"`
	StagnantBand          float64       `yaml:"stagnant_band"`
	UnderperformAfter     time.Duration `yaml:"underperform_after"`
	UnderperformMin       float64       `yaml:"underperform_min"`
	ATRStopMultiplier     float64       `yaml:"atr_stop_multiplier"`
	ATRStopMaxPct         float64       `yaml:"atr_stop_max_pct"`
	Cooldown              time.Duration `yaml:"cooldown"`

	PremarketMinGap       float64 `yaml:"premarket_min_gap"`
	PremarketMinVolume    float64 `yaml:"premarket_min_volume"`
	PremarketMinRelVolume float64 `yaml:"premarket_min_rel_volume"`
	PremarketMinPrice     float64 `yaml:"premarket_min_price"`
	PremarketMaxPrice     float64 `yaml:"premarket_max_price"`
	WatchlistSize         int     `yaml:"watchlist_size"`
}

func Default() Config {
	th := scoring.DefaultThresholds()
	ex := exits.DefaultConfig()
	return Config{
		StateDir:      "state",
		LogDir:        "logs",
		LogLevel:      "info",
		DecisionsPath: "decisions.ndjson",
		Timezone:      "America/New_York",
		UniverseGlob:  "universes/**/universe_tickers.txt",
		BaseURL:       "https://paper-api.alpaca.markets",
		Feed:          "iex",

		ScanInterval:      45 * time.Second,
		BuyerInterval:     15 * time.Second,
		HotCheckInterval:  5 * time.Second,
		MonitorInterval:   30 * time.Second,
		SellerInterval:    15 * time.Second,
		MarketClosedSleep: 300 * time.Second,
		ErrorSleep:        60 * time.Second,
		LockTimeout:       5 * time.Second,
		SignalMaxAge:      60 * time.Second,
		SellSignalMaxAge:  120 * time.Second,
		RealtimeThrottle:  time.Second,
		APIRequestSpacing: 200 * time.Millisecond,

		PrimaryTimeframe: broker.FiveMin,
		PrimaryBars:      50,
		MinBars:          14,
		FastTimeframe:    broker.TwoMin,
		FastBars:         30,
		RSIPeriod:        14,
		VolumeLookback:   20,
		VelocityPeriod:   5,

		MinBreakout:      th.MinBreakout,
		MinRelVolume:     th.MinRelVolume,
		RSIMin:           th.RSIMin,
		RSIMax:           th.RSIMax,
		StrongBreakout:   th.StrongBreakout,
		HighVolume:       th.HighVolume,
		RSISweetSpotLow:  th.RSISweetSpotLow,
		RSISweetSpotHigh: th.RSISweetSpotHigh,
		LargeGap:         th.LargeGap,
		MinEntryScore:    60,
		HotSignalScore:   90,

		MaxPositions: 20,
		SizeTiers: tier.MustNew(
			tier.Tier{Lower: 60, Value: 0.05},
			tier.Tier{Lower: 85, Value: 0.07},
			tier.Tier{Lower: 95, Value: 0.10},
		),
		MaxSlippage:    0.02,
		MaxSpread:      0.02,
		UseLimitOrders: true,
		LimitBuffer:    0.005,
		OrderPoll:      500 * time.Millisecond,
		OrderTimeout:   30 * time.Second,

		StopLossPct:           0.025,
		BreakevenPct:          ex.BreakevenPct,
		TrailingActivationPct: ex.TrailingActivationPct,
		TrailingTiers:         ex.TrailingTiers,
		DefaultTrailingPct:    ex.DefaultTrailingPct,
		DecelerationThreshold: ex.DecelerationThreshold,
		MinProfitForDecel:     ex.MinProfitForDecel,
		StagnantAfter:         ex.StagnantAfter,
		StagnantBand:          ex.StagnantBand,
		UnderperformAfter:     ex.UnderperformAfter,
		UnderperformMin:       ex.UnderperformMin,
		ATRStopMaxPct:         0.05,
		Cooldown:              15 * time.Minute,

		PremarketMinGap:       0.03,
		PremarketMinVolume:    50000,
		PremarketMinRelVolume: 2.0,
		PremarketMinPrice:     2,
		PremarketMaxPrice:     50,
		WatchlistSize:         25,
	}
}

func (c Config) Scoring() scoring.Thresholds {
	return scoring.Thresholds{
		MinBreakout:      c.MinBreakout,
		MinRelVolume:     c.MinRelVolume,
		RSIMin:           c.RSIMin,
		RSIMax:           c.RSIMax,
		StrongBreakout:   c.StrongBreakout,
		HighVolume:       c.HighVolume,
		RSISweetSpotLow:  c.RSISweetSpotLow,
		RSISweetSpotHigh: c.RSISweetSpotHigh,
		LargeGap:         c.LargeGap,
	}
}

func (c Config) Exits() exits.Config {
	return exits.Config{
		BreakevenPct:          c.BreakevenPct,
		TrailingActivationPct: c.TrailingActivationPct,
		TrailingTiers:         c.TrailingTiers,
		DefaultTrailingPct:    c.DefaultTrailingPct,
		DecelerationThreshold: c.DecelerationThreshold,
		MinProfitForDecel:     c.MinProfitForDecel,
		StagnantAfter:         c.StagnantAfter,
		StagnantBand:          c.StagnantBand,
		UnderperformAfter:     c.UnderperformAfter,
		UnderperformMin:       c.UnderperformMin,
	}
}

// Location resolves the market timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RegisterFlags adds every tunable to fs, plus --config.
func RegisterFlags(fs *pflag.FlagSet) {
	defaults := Default()
	fs.String("config", "", "path to YAML config file")
	for _, k := range knobs() {
		k.register(fs, &defaults)
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// environment, then flags explicitly set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	loadDotEnvIfPresent(".env")

	path := os.Getenv("BOT_CONFIG")
	if fs != nil && fs.Changed("config") {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	ks := knobs()
	for _, k := range ks {
		if v, ok := os.LookupEnv(k.env); ok {
			if err := k.set(&cfg, v); err != nil {
				return cfg, fmt.Errorf("env %s: %w", k.env, err)
			}
		}
	}
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}

	if fs != nil {
		for _, k := range ks {
			if !fs.Changed(k.flag) {
				continue
			}
			if err := k.set(&cfg, fs.Lookup(k.flag).Value.String()); err != nil {
				return cfg, fmt.Errorf("flag --%s: %w", k.flag, err)
			}
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RequireCredentials is checked by services that talk to the broker.
func (c Config) RequireCredentials() error {
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadDotEnvIfPresent(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := loadDotEnv(path); err != nil {
		slog.Warn("failed to load .env", "path", path, "error", err)
	}
}

// loadDotEnv sets variables from path without overriding existing ones.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func validate(cfg Config) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(cfg.StateDir != "", "state-dir must be set")
	check(cfg.ScanInterval > 0, "scan-interval must be > 0")
	check(cfg.BuyerInterval > 0, "buyer-interval must be > 0")
	check(cfg.HotCheckInterval > 0, "hot-check-interval must be > 0")
	check(cfg.MonitorInterval > 0, "monitor-interval must be > 0")
	check(cfg.SellerInterval > 0, "seller-interval must be > 0")
	check(cfg.LockTimeout > 0, "lock-timeout must be > 0")
	check(cfg.SignalMaxAge > 0, "signal-max-age must be > 0")
	check(cfg.SellSignalMaxAge > 0, "sell-signal-max-age must be > 0")
	check(cfg.PrimaryBars >= cfg.MinBars, "primary-bars must be >= min-bars")
	check(cfg.MinBars > 0, "min-bars must be > 0")
	check(cfg.RSIPeriod > 1, "rsi-period must be > 1")
	check(cfg.RSIMin < cfg.RSIMax, "rsi-min must be < rsi-max")
	check(cfg.MinRelVolume > 0, "min-rel-volume must be > 0")
	check(cfg.MinEntryScore > 0 && cfg.MinEntryScore <= scoring.MaxScore, fmt.Sprintf("min-entry-score must be in (0, %d]", scoring.MaxScore))
	check(cfg.HotSignalScore >= cfg.MinEntryScore, "hot-signal-score must be >= min-entry-score")
	check(cfg.MaxPositions > 0, "max-positions must be > 0")
	check(cfg.SizeTiers.Len() > 0, "size-tiers must not be empty")
	check(cfg.MaxSlippage >= 0, "max-slippage must be >= 0")
	check(cfg.MaxSpread >= 0, "max-spread must be >= 0")
	check(cfg.LimitBuffer >= 0, "limit-buffer must be >= 0")
	check(cfg.OrderPoll > 0 && cfg.OrderTimeout >= cfg.OrderPoll, "order-timeout must be >= order-poll > 0")
	check(cfg.StopLossPct > 0 && cfg.StopLossPct < 1, "stop-loss-pct must be in (0, 1)")
	check(cfg.TrailingTiers.Len() > 0, "trailing-tiers must not be empty")
	check(cfg.DecelerationThreshold > 0, "deceleration-threshold must be > 0")
	check(cfg.Cooldown >= 0, "cooldown must be >= 0")
	check(cfg.PremarketMinPrice < cfg.PremarketMaxPrice, "premarket-min-price must be < premarket-max-price")
	check(cfg.WatchlistSize > 0, "watchlist-size must be > 0")
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}
