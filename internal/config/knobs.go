package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"momobot/internal/broker"
	"momobot/internal/tier"
)

// knob binds one tunable to a flag and an environment variable. Both
// sources are applied through set so they parse identically.
type knob struct {
	flag     string
	env      string
	register func(fs *pflag.FlagSet, defaults *Config)
	set      func(cfg *Config, v string) error
}

func envName(flag string) string {
	return "BOT_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func stringKnob(flag, usage string, field func(*Config) *string) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.String(flag, *field(d), usage)
		},
		set: func(cfg *Config, v string) error {
			*field(cfg) = v
			return nil
		},
	}
}

func boolKnob(flag, usage string, field func(*Config) *bool) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.Bool(flag, *field(d), usage)
		},
		set: func(cfg *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*field(cfg) = b
			return nil
		},
	}
}

func intKnob(flag, usage string, field func(*Config) *int) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.Int(flag, *field(d), usage)
		},
		set: func(cfg *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(cfg) = n
			return nil
		},
	}
}

func floatKnob(flag, usage string, field func(*Config) *float64) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.Float64(flag, *field(d), usage)
		},
		set: func(cfg *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*field(cfg) = f
			return nil
		},
	}
}

func durationKnob(flag, usage string, field func(*Config) *time.Duration) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.Duration(flag, *field(d), usage)
		},
		set: func(cfg *Config, v string) error {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*field(cfg) = dur
			return nil
		},
	}
}

func tierKnob(flag, usage string, field func(*Config) *tier.Table) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.String(flag, field(d).String(), usage+" (lower:value,...)")
		},
		set: func(cfg *Config, v string) error {
			t, err := tier.Parse(v)
			if err != nil {
				return err
			}
			*field(cfg) = t
			return nil
		},
	}
}

func timeframeKnob(flag, usage string, field func(*Config) *broker.TimeFrame) knob {
	return knob{
		flag: flag,
		env:  envName(flag),
		register: func(fs *pflag.FlagSet, d *Config) {
			fs.String(flag, string(*field(d)), usage)
		},
		set: func(cfg *Config, v string) error {
			*field(cfg) = broker.TimeFrame(v)
			return nil
		},
	}
}

func knobs() []knob {
	return []knob{
		stringKnob("state-dir", "directory holding the shared state documents", func(c *Config) *string { return &c.StateDir }),
		stringKnob("log-dir", "directory for per-service log files (empty for stderr only)", func(c *Config) *string { return &c.LogDir }),
		stringKnob("log-level", "log level: debug, info, warn, error", func(c *Config) *string { return &c.LogLevel }),
		stringKnob("decisions-path", "path to buy/sell decisions log", func(c *Config) *string { return &c.DecisionsPath }),
		stringKnob("metrics-addr", "listen address for /metrics and /healthz (empty disables)", func(c *Config) *string { return &c.MetricsAddr }),
		stringKnob("database-url", "optional Postgres URL for the trade journal", func(c *Config) *string { return &c.DatabaseURL }),
		stringKnob("timezone", "market timezone", func(c *Config) *string { return &c.Timezone }),
		stringKnob("universe-glob", "glob for universe ticker files", func(c *Config) *string { return &c.UniverseGlob }),
		stringKnob("paper-base-url", "trading API base URL", func(c *Config) *string { return &c.BaseURL }),
		stringKnob("feed", "market data feed: iex or sip", func(c *Config) *string { return &c.Feed }),
		boolKnob("kill-switch", "if true, never place orders", func(c *Config) *bool { return &c.KillSwitch }),
		boolKnob("realtime", "monitor from the streaming quote feed instead of polling", func(c *Config) *bool { return &c.Realtime }),

		durationKnob("scan-interval", "scanner cycle interval", func(c *Config) *time.Duration { return &c.ScanInterval }),
		durationKnob("buyer-interval", "buyer cycle interval", func(c *Config) *time.Duration { return &c.BuyerInterval }),
		durationKnob("hot-check-interval", "hot signal poll interval", func(c *Config) *time.Duration { return &c.HotCheckInterval }),
		durationKnob("monitor-interval", "monitor cycle interval", func(c *Config) *time.Duration { return &c.MonitorInterval }),
		durationKnob("seller-interval", "seller cycle interval", func(c *Config) *time.Duration { return &c.SellerInterval }),
		durationKnob("market-closed-sleep", "sleep while the market is closed", func(c *Config) *time.Duration { return &c.MarketClosedSleep }),
		durationKnob("error-sleep", "sleep after a failed cycle", func(c *Config) *time.Duration { return &c.ErrorSleep }),
		durationKnob("lock-timeout", "state document lock timeout", func(c *Config) *time.Duration { return &c.LockTimeout }),
		durationKnob("signal-max-age", "max age of a buy signal", func(c *Config) *time.Duration { return &c.SignalMaxAge }),
		durationKnob("sell-signal-max-age", "max age of a sell signal", func(c *Config) *time.Duration { return &c.SellSignalMaxAge }),
		durationKnob("realtime-throttle", "min time between evaluations of one symbol in realtime mode", func(c *Config) *time.Duration { return &c.RealtimeThrottle }),
		durationKnob("api-request-spacing", "min spacing between per-symbol data requests", func(c *Config) *time.Duration { return &c.APIRequestSpacing }),

		timeframeKnob("primary-timeframe", "scanner bar timeframe", func(c *Config) *broker.TimeFrame { return &c.PrimaryTimeframe }),
		intKnob("primary-bars", "scanner bars per symbol", func(c *Config) *int { return &c.PrimaryBars }),
		intKnob("min-bars", "minimum bars needed to score a symbol", func(c *Config) *int { return &c.MinBars }),
		timeframeKnob("fast-timeframe", "short timeframe for exit acceleration", func(c *Config) *broker.TimeFrame { return &c.FastTimeframe }),
		intKnob("fast-bars", "bars fetched on the fast timeframe", func(c *Config) *int { return &c.FastBars }),
		intKnob("rsi-period", "RSI period", func(c *Config) *int { return &c.RSIPeriod }),
		intKnob("volume-lookback", "relative volume lookback bars", func(c *Config) *int { return &c.VolumeLookback }),
		intKnob("velocity-period", "velocity and acceleration period", func(c *Config) *int { return &c.VelocityPeriod }),

		floatKnob("min-breakout", "minimum breakout fraction", func(c *Config) *float64 { return &c.MinBreakout }),
		floatKnob("min-rel-volume", "minimum relative volume", func(c *Config) *float64 { return &c.MinRelVolume }),
		floatKnob("rsi-min", "lower RSI bound", func(c *Config) *float64 { return &c.RSIMin }),
		floatKnob("rsi-max", "upper RSI bound", func(c *Config) *float64 { return &c.RSIMax }),
		floatKnob("strong-breakout", "strong breakout bonus threshold", func(c *Config) *float64 { return &c.StrongBreakout }),
		floatKnob("high-volume", "high volume bonus threshold", func(c *Config) *float64 { return &c.HighVolume }),
		floatKnob("rsi-sweet-spot-low", "RSI sweet spot lower bound", func(c *Config) *float64 { return &c.RSISweetSpotLow }),
		floatKnob("rsi-sweet-spot-high", "RSI sweet spot upper bound", func(c *Config) *float64 { return &c.RSISweetSpotHigh }),
		floatKnob("large-gap", "large gap bonus threshold", func(c *Config) *float64 { return &c.LargeGap }),
		intKnob("min-entry-score", "minimum score to emit a signal", func(c *Config) *int { return &c.MinEntryScore }),
		intKnob("hot-signal-score", "score routed through the hot path", func(c *Config) *int { return &c.HotSignalScore }),

		intKnob("max-positions", "max concurrent positions", func(c *Config) *int { return &c.MaxPositions }),
		tierKnob("size-tiers", "position size fraction by score", func(c *Config) *tier.Table { return &c.SizeTiers }),
		floatKnob("max-slippage", "max slippage from signal price", func(c *Config) *float64 { return &c.MaxSlippage }),
		floatKnob("max-spread", "max bid/ask spread", func(c *Config) *float64 { return &c.MaxSpread }),
		boolKnob("use-limit-orders", "enter with limit orders", func(c *Config) *bool { return &c.UseLimitOrders }),
		floatKnob("limit-buffer", "limit price buffer above signal price", func(c *Config) *float64 { return &c.LimitBuffer }),
		durationKnob("order-poll", "order status poll interval", func(c *Config) *time.Duration { return &c.OrderPoll }),
		durationKnob("order-timeout", "max wait for an order fill", func(c *Config) *time.Duration { return &c.OrderTimeout }),

		floatKnob("stop-loss-pct", "initial stop distance", func(c *Config) *float64 { return &c.StopLossPct }),
		floatKnob("breakeven-pct", "profit that moves the stop to entry", func(c *Config) *float64 { return &c.BreakevenPct }),
		floatKnob("trailing-activation-pct", "profit that arms the trailing stop", func(c *Config) *float64 { return &c.TrailingActivationPct }),
		tierKnob("trailing-tiers", "trailing distance by profit", func(c *Config) *tier.Table { return &c.TrailingTiers }),
		floatKnob("default-trailing-pct", "trailing distance when no tier matches", func(c *Config) *float64 { return &c.DefaultTrailingPct }),
		floatKnob("deceleration-threshold", "acceleration below which a winner is sold", func(c *Config) *float64 { return &c.DecelerationThreshold }),
		floatKnob("min-profit-for-decel", "profit that arms the deceleration exit", func(c *Config) *float64 { return &c.MinProfitForDecel }),
		durationKnob("stagnant-after", "hold time before the stagnant exit", func(c *Config) *time.Duration { return &c.StagnantAfter }),
		floatKnob("stagnant-band", "absolute move considered stagnant", func(c *Config) *float64 { return &c.StagnantBand }),
		durationKnob("underperform-after", "hold time before the underperform exit", func(c *Config) *time.Duration { return &c.UnderperformAfter }),
		floatKnob("underperform-min", "profit required after underperform-after", func(c *Config) *float64 { return &c.UnderperformMin }),
		floatKnob("atr-stop-multiplier", "ATR multiple for stops on adopted positions (0 disables)", func(c *Config) *float64 { return &c.ATRStopMultiplier }),
		floatKnob("atr-stop-max-pct", "max ATR stop distance", func(c *Config) *float64 { return &c.ATRStopMaxPct }),
		durationKnob("cooldown", "re-entry cooldown after a sell", func(c *Config) *time.Duration { return &c.Cooldown }),

		floatKnob("premarket-min-gap", "minimum pre-market gap", func(c *Config) *float64 { return &c.PremarketMinGap }),
		floatKnob("premarket-min-volume", "minimum pre-market volume", func(c *Config) *float64 { return &c.PremarketMinVolume }),
		floatKnob("premarket-min-rel-volume", "minimum pre-market relative volume", func(c *Config) *float64 { return &c.PremarketMinRelVolume }),
		floatKnob("premarket-min-price", "minimum pre-market price", func(c *Config) *float64 { return &c.PremarketMinPrice }),
		floatKnob("premarket-max-price", "maximum pre-market price", func(c *Config) *float64 { return &c.PremarketMaxPrice }),
		intKnob("watchlist-size", "symbols kept on the daily watchlist", func(c *Config) *int { return &c.WatchlistSize }),
	}
}
