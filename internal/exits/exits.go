package exits

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"momobot/internal/ledger"
	"momobot/internal/tier"
)

const (
	ReasonStopLoss             = "STOP_LOSS"
	ReasonDeceleration         = "DECELERATION"
	ReasonTimeExitStagnant     = "TIME_EXIT_STAGNANT"
	ReasonTimeExitUnderperform = "TIME_EXIT_UNDERPERFORM"
)

// TrailingReason formats the exit reason for a trailing stop of pct (0.03 -> TRAILING_STOP_3PCT).
func TrailingReason(pct float64) string {
	return fmt.Sprintf("TRAILING_STOP_%dPCT", int(math.Round(pct*100)))
}

type Config struct {
	BreakevenPct          float64
	TrailingActivationPct float64
	TrailingTiers         tier.Table
	DefaultTrailingPct    float64
	DecelerationThreshold float64
	MinProfitForDecel     float64
	StagnantAfter         time.Duration
	StagnantBand          float64
	UnderperformAfter     time.Duration
	UnderperformMin       float64
}

// DefaultTrailingTiers: profit lower bound -> trailing distance.
func DefaultTrailingTiers() tier.Table {
	return tier.MustNew(
		tier.Tier{Lower: 0.05, Value: 0.02},
		tier.Tier{Lower: 0.10, Value: 0.03},
		tier.Tier{Lower: 0.15, Value: 0.04},
		tier.Tier{Lower: 0.20, Value: 0.05},
		tier.Tier{Lower: 0.30, Value: 0.07},
		tier.Tier{Lower: 0.50, Value: 0.10},
		tier.Tier{Lower: 1.00, Value: 0.15},
	)
}

func DefaultConfig() Config {
	return Config{
		BreakevenPct:          0.05,
		TrailingActivationPct: 0.10,
		TrailingTiers:         DefaultTrailingTiers(),
		DefaultTrailingPct:    0.05,
		DecelerationThreshold: 0.5,
		MinProfitForDecel:     0.05,
		StagnantAfter:         30 * time.Minute,
		StagnantBand:          0.01,
		UnderperformAfter:     60 * time.Minute,
		UnderperformMin:       0.02,
	}
}

// AccelerationFunc returns the short-horizon acceleration ratio for symbol
// at price. It is only called when the deceleration rule is armed.
type AccelerationFunc func(ctx context.Context, symbol string, price float64) (float64, error)

// Decision is the outcome of one evaluation.
type Decision struct {
	Exit             bool
	Reason           string
	ProfitPct        float64
	StopChanged      bool
	HighWaterChanged bool
}

// Dirty reports whether the position record was mutated and must be saved.
func (d Decision) Dirty() bool {
	return d.StopChanged || d.HighWaterChanged
}

type Engine struct {
	cfg   Config
	accel AccelerationFunc
	now   func() time.Time
}

func New(cfg Config, accel AccelerationFunc, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, accel: accel, now: now}
}

// Evaluate runs the exit rules in order against pos at price. The first
// rule that fires wins. The stop loss and high-water mark on pos may be
// raised even when no exit fires; they never move down.
func (e *Engine) Evaluate(ctx context.Context, symbol string, pos *ledger.Position, price float64) Decision {
	var d Decision
	if pos.EntryPrice <= 0 || price <= 0 {
		return d
	}
	profit := pos.ProfitPct(price)
	d.ProfitPct = profit

	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
		d.HighWaterChanged = true
	}

	if price <= pos.StopLoss {
		slog.Info("stop loss hit", "symbol", symbol, "price", price, "stop", pos.StopLoss)
		d.Exit, d.Reason = true, ReasonStopLoss
		return d
	}

	if profit >= e.cfg.BreakevenPct && pos.StopLoss < pos.EntryPrice {
		pos.StopLoss = pos.EntryPrice
		d.StopChanged = true
		slog.Info("stop moved to breakeven", "symbol", symbol, "stop", pos.StopLoss)
	}

	if profit >= e.cfg.TrailingActivationPct {
		trailing := e.cfg.TrailingTiers.Select(profit, e.cfg.DefaultTrailingPct)
		trailStop := pos.HighWaterMark * (1 - trailing)
		if trailStop > pos.StopLoss {
			pos.StopLoss = trailStop
			d.StopChanged = true
		}
		if price <= pos.StopLoss {
			slog.Info("trailing stop hit", "symbol", symbol, "price", price, "stop", pos.StopLoss, "trailing_pct", trailing)
			d.Exit, d.Reason = true, TrailingReason(trailing)
			return d
		}
	}

	if profit > e.cfg.MinProfitForDecel && e.accel != nil {
		accel, err := e.accel(ctx, symbol, price)
		if err != nil {
			slog.Debug("acceleration unavailable", "symbol", symbol, "error", err)
		} else if accel > 0 && accel < e.cfg.DecelerationThreshold {
			slog.Info("momentum decelerating", "symbol", symbol, "acceleration", accel, "profit_pct", profit)
			d.Exit, d.Reason = true, ReasonDeceleration
			return d
		}
	}

	if !pos.EntryTime.IsZero() {
		held := e.now().Sub(pos.EntryTime)
		if held > e.cfg.StagnantAfter && math.Abs(profit) < e.cfg.StagnantBand {
			slog.Info("time exit: stagnant", "symbol", symbol, "held", held.Round(time.Minute))
			d.Exit, d.Reason = true, ReasonTimeExitStagnant
			return d
		}
		if held > e.cfg.UnderperformAfter && profit < e.cfg.UnderperformMin {
			slog.Info("time exit: underperforming", "symbol", symbol, "held", held.Round(time.Minute), "profit_pct", profit)
			d.Exit, d.Reason = true, ReasonTimeExitUnderperform
			return d
		}
	}

	return d
}

// DynamicStop widens the initial stop to multiplier x ATR below entry,
// capped at maxDistance. Falls back to the fixed percentage when ATR is unknown.
func DynamicStop(entry, atr, multiplier, maxDistance, fixedPct float64) float64 {
	if atr <= 0 || multiplier <= 0 {
		return entry * (1 - fixedPct)
	}
	return math.Max(entry-atr*multiplier, entry*(1-maxDistance))
}
