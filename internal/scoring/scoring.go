package scoring

import (
	"fmt"
	"math"
	"strconv"

	"momobot/internal/indicators"
	"momobot/internal/md"
)

// BreakoutRef names the level a breakout was measured against.
type BreakoutRef string

const (
	RefPremarketHigh BreakoutRef = "premarket_high"
	RefSessionHigh   BreakoutRef = "session_high"
	RefPriorClose    BreakoutRef = "prior_close"
	RefSessionLow    BreakoutRef = "session_low"
	RefNone          BreakoutRef = "none"
)

const (
	pointsAboveVWAP = 15
	pointsBreakout  = 20
	pointsVolume    = 15
	pointsRSI       = 10

	bonusStrongBreakout = 10
	bonusHighVolume     = 10
	bonusRSISweetSpot   = 5
	bonusLargeGap       = 10

	// MaxScore is the best achievable score.
	MaxScore = pointsAboveVWAP + pointsBreakout + pointsVolume + pointsRSI +
		bonusStrongBreakout + bonusHighVolume + bonusRSISweetSpot + bonusLargeGap

	// sessionHighProximity: session high only counts when price is within 1% of it.
	sessionHighProximity = 0.99
)

// Thresholds are the gate and bonus cut-offs.
type Thresholds struct {
	MinBreakout      float64
	MinRelVolume     float64
	RSIMin           float64
	RSIMax           float64
	StrongBreakout   float64
	HighVolume       float64
	RSISweetSpotLow  float64
	RSISweetSpotHigh float64
	LargeGap         float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBreakout:      0.01,
		MinRelVolume:     2.0,
		RSIMin:           40,
		RSIMax:           75,
		StrongBreakout:   0.03,
		HighVolume:       4.0,
		RSISweetSpotLow:  50,
		RSISweetSpotHigh: 65,
		LargeGap:         0.05,
	}
}

type Inputs struct {
	Price          float64
	VWAP           float64
	RSI            float64
	BreakoutPct    float64
	BreakoutRef    BreakoutRef
	RelativeVolume float64
	GapPct         *float64
}

// Metrics is the snapshot recorded alongside a score. Fractions, not percents.
type Metrics struct {
	VWAP           float64     `json:"vwap"`
	PriceVsVWAPPct float64     `json:"price_vs_vwap_pct"`
	BreakoutPct    float64     `json:"breakout_pct"`
	BreakoutRef    BreakoutRef `json:"breakout_ref"`
	RelativeVolume float64     `json:"relative_volume"`
	RSI            float64     `json:"rsi"`
	GapPct         *float64    `json:"gap_pct,omitempty"`
	StrongBreakout bool        `json:"strong_breakout,omitempty"`
	HighVolume     bool        `json:"high_volume,omitempty"`
	RSISweetSpot   bool        `json:"rsi_sweet_spot,omitempty"`
	LargeGap       bool        `json:"large_gap,omitempty"`
	Velocity       float64     `json:"velocity"`
	Acceleration   float64     `json:"acceleration"`
}

type Result struct {
	Score     int
	Metrics   Metrics
	Gate      string // failed check: vwap, breakout, volume or rsi
	Rejection string
}

func (r Result) Accepted() bool { return r.Rejection == "" }

type Scorer struct {
	t Thresholds
}

func New(t Thresholds) Scorer {
	return Scorer{t: t}
}

// Score runs the four required gates in order and stops at the first
// failure with a zero score. Bonuses are only added when every gate passes.
func (s Scorer) Score(in Inputs) Result {
	m := Metrics{
		VWAP:        in.VWAP,
		BreakoutRef: in.BreakoutRef,
		GapPct:      in.GapPct,
	}

	if !(in.Price > in.VWAP) {
		return Result{Metrics: m, Gate: "vwap", Rejection: "below_vwap"}
	}
	score := pointsAboveVWAP
	if in.VWAP > 0 {
		m.PriceVsVWAPPct = (in.Price - in.VWAP) / in.VWAP
	}

	m.BreakoutPct = in.BreakoutPct
	if in.BreakoutPct < s.t.MinBreakout {
		return Result{Metrics: m, Gate: "breakout", Rejection: fmt.Sprintf("breakout_%.1f%%_below_%s%%", in.BreakoutPct*100, num(s.t.MinBreakout*100))}
	}
	score += pointsBreakout

	m.RelativeVolume = in.RelativeVolume
	if in.RelativeVolume < s.t.MinRelVolume {
		return Result{Metrics: m, Gate: "volume", Rejection: fmt.Sprintf("volume_%.1fx_below_%sx", in.RelativeVolume, num(s.t.MinRelVolume))}
	}
	score += pointsVolume

	m.RSI = in.RSI
	if in.RSI < s.t.RSIMin || in.RSI > s.t.RSIMax {
		return Result{Metrics: m, Gate: "rsi", Rejection: fmt.Sprintf("rsi_%.0f_outside_%s-%s", in.RSI, num(s.t.RSIMin), num(s.t.RSIMax))}
	}
	score += pointsRSI

	if in.BreakoutPct >= s.t.StrongBreakout {
		score += bonusStrongBreakout
		m.StrongBreakout = true
	}
	if in.RelativeVolume >= s.t.HighVolume {
		score += bonusHighVolume
		m.HighVolume = true
	}
	if in.RSI >= s.t.RSISweetSpotLow && in.RSI <= s.t.RSISweetSpotHigh {
		score += bonusRSISweetSpot
		m.RSISweetSpot = true
	}
	if in.GapPct != nil && *in.GapPct >= s.t.LargeGap {
		score += bonusLargeGap
		m.LargeGap = true
	}

	return Result{Score: score, Metrics: m}
}

// ResolveBreakout picks the first available reference: pre-market high,
// session high when price is near it, prior close, then session low.
// Zero premarketHigh or priorClose means the watchlist had no value.
func ResolveBreakout(price, premarketHigh, priorClose float64, bars []md.Bar) (float64, BreakoutRef) {
	if premarketHigh > 0 {
		return indicators.BreakoutPercent(price, premarketHigh), RefPremarketHigh
	}
	high, low := indicators.SessionHighLow(bars)
	if high > 0 && price >= high*sessionHighProximity {
		return indicators.BreakoutPercent(price, high), RefSessionHigh
	}
	if priorClose > 0 {
		return indicators.BreakoutPercent(price, priorClose), RefPriorClose
	}
	if low > 0 {
		return indicators.BreakoutPercent(price, low), RefSessionLow
	}
	return 0, RefNone
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}
