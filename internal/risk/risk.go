package risk

import (
	"fmt"
	"log/slog"
	"math"

	"momobot/internal/md"
	"momobot/internal/tier"
)

// Intent is a candidate entry derived from a scanner signal.
type Intent struct {
	Symbol      string
	Score       int
	SignalPrice float64
}

type RiskContext struct {
	Quote         md.Quote
	Equity        float64
	OpenPositions int
	MaxPositions  int
	AlreadyHeld   bool
	InCooldown    bool
	KillSwitch    bool
	MaxSpread     float64
	MaxSlippage   float64
	SizeTiers     tier.Table
}

type ApprovedIntent struct {
	Intent   Intent
	Price    float64
	Spread   float64
	Slippage float64
	SizePct  float64
	Qty      int
	Reason   string
}

type QuoteCheck struct {
	Mid      float64
	Spread   float64
	Slippage float64
}

// CheckQuote validates the live quote against the signal price. The error
// text is the rejection reason.
func CheckQuote(signalPrice float64, q md.Quote, maxSpread, maxSlippage float64) (QuoteCheck, error) {
	if q.Bid <= 0 || q.Ask <= 0 || signalPrice <= 0 {
		return QuoteCheck{}, fmt.Errorf("invalid_quote")
	}
	mid := q.Mid()
	check := QuoteCheck{
		Mid:      mid,
		Spread:   (q.Ask - q.Bid) / mid,
		Slippage: (mid - signalPrice) / signalPrice,
	}
	if check.Spread > maxSpread {
		return check, fmt.Errorf("spread_%.1f%%", check.Spread*100)
	}
	if check.Slippage > maxSlippage {
		return check, fmt.Errorf("slippage_%.1f%%", check.Slippage*100)
	}
	return check, nil
}

// SizePct is the equity fraction for a signal score. Scores below the
// first tier get the first tier's size.
func SizePct(score int, tiers tier.Table) float64 {
	fallback := 0.0
	if ts := tiers.Tiers(); len(ts) > 0 {
		fallback = ts[0].Value
	}
	return tiers.Select(float64(score), fallback)
}

// Quantity is the whole number of shares of equity*sizePct at price.
func Quantity(equity, sizePct, price float64) int {
	if price <= 0 || equity <= 0 || sizePct <= 0 {
		return 0
	}
	return int(equity * sizePct / price)
}

// LimitPrice is price plus buffer, rounded to cents.
func LimitPrice(price, buffer float64) float64 {
	return math.Round(price*(1+buffer)*100) / 100
}

type Gate struct{}

// Precheck runs the checks that need no market data: kill switch, position
// limit, existing position and cooldown.
func (g Gate) Precheck(intent Intent, ctx RiskContext) error {
	if ctx.KillSwitch {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "kill_switch_enabled")
		return fmt.Errorf("kill_switch_enabled")
	}
	if ctx.OpenPositions >= ctx.MaxPositions {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "max_positions_reached", "open", ctx.OpenPositions, "max", ctx.MaxPositions)
		return fmt.Errorf("max_positions_reached")
	}
	if ctx.AlreadyHeld {
		slog.Debug("risk rejected", "symbol", intent.Symbol, "reason", "already_in_position")
		return fmt.Errorf("already_in_position")
	}
	if ctx.InCooldown {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "cooldown_active")
		return fmt.Errorf("cooldown_active")
	}
	return nil
}

func (g Gate) Evaluate(intent Intent, ctx RiskContext) (ApprovedIntent, error) {
	slog.Debug("risk evaluation", "symbol", intent.Symbol, "score", intent.Score, "signal_price", intent.SignalPrice, "open_positions", ctx.OpenPositions)

	if err := g.Precheck(intent, ctx); err != nil {
		return ApprovedIntent{}, err
	}

	check, err := CheckQuote(intent.SignalPrice, ctx.Quote, ctx.MaxSpread, ctx.MaxSlippage)
	if err != nil {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", err.Error(), "bid", ctx.Quote.Bid, "ask", ctx.Quote.Ask)
		return ApprovedIntent{}, err
	}

	sizePct := SizePct(intent.Score, ctx.SizeTiers)
	qty := Quantity(ctx.Equity, sizePct, check.Mid)
	if qty <= 0 {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "invalid_quantity", "equity", ctx.Equity, "price", check.Mid)
		return ApprovedIntent{}, fmt.Errorf("invalid_quantity")
	}

	slog.Info("risk approved", "symbol", intent.Symbol, "qty", qty, "price", check.Mid, "size_pct", sizePct, "slippage", check.Slippage)
	return ApprovedIntent{
		Intent:   intent,
		Price:    check.Mid,
		Spread:   check.Spread,
		Slippage: check.Slippage,
		SizePct:  sizePct,
		Qty:      qty,
		Reason:   "approved",
	}, nil
}
