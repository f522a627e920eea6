// Package indicators computes technical indicators over bar series ordered
// oldest first. Every function is pure.
package indicators

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"momobot/internal/md"
)

const (
	DefaultRSIPeriod      = 14
	DefaultATRPeriod      = 14
	DefaultVolumeLookback = 20

	neutralRSI   = 50.0
	lossEpsilon  = 1e-10
	flatVelocity = 1e-12
)

// VWAP returns the cumulative volume-weighted average price at each bar.
// Positions with zero cumulative volume are NaN.
func VWAP(bars []md.Bar) []float64 {
	out := make([]float64, len(bars))
	var cumPV, cumVol float64
	for i, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * b.Volume
		cumVol += b.Volume
		if cumVol == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = cumPV / cumVol
	}
	return out
}

// LastVWAP returns the final VWAP value, or fallback when unavailable.
func LastVWAP(bars []md.Bar, fallback float64) float64 {
	if len(bars) == 0 {
		return fallback
	}
	v := VWAP(bars)[len(bars)-1]
	if math.IsNaN(v) {
		return fallback
	}
	return v
}

// RSI uses exponentially weighted gains and losses with span = period
// (alpha = 2/(period+1)), seeded with the first delta. The first element has
// no delta and is treated as zero movement. Series shorter than period+1 are
// flat 50.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) < period+1 {
		for i := range out {
			out[i] = neutralRSI
		}
		return out
	}

	alpha := 2.0 / float64(period+1)
	var avgGain, avgLoss float64
	for i := range closes {
		var delta float64
		if i > 0 {
			delta = closes[i] - closes[i-1]
		}
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)
		if i == 0 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}
		rs := avgGain / math.Max(avgLoss, lossEpsilon)
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// LastRSI returns the final RSI value of closes.
func LastRSI(closes []float64, period int) float64 {
	if len(closes) == 0 {
		return neutralRSI
	}
	series := RSI(closes, period)
	return series[len(series)-1]
}

// RelativeVolume compares current against the mean volume of the last
// min(lookback, len(history)-1) bars of history. 1.0 when there is no baseline.
func RelativeVolume(current float64, history []md.Bar, lookback int) float64 {
	if len(history) == 0 {
		return 1.0
	}
	n := min(lookback, len(history)-1)
	if n <= 0 {
		return 1.0
	}
	var sum float64
	for _, b := range history[len(history)-n:] {
		sum += b.Volume
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 1.0
	}
	return current / mean
}

// TrueRange returns the per-bar true range. The first bar has no previous
// close so it uses high-low.
func TrueRange(bars []md.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ATR is the rolling mean of true range over period bars, taken at the last
// bar. 0 means there is not enough data.
func ATR(bars []md.Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	sma := talib.Sma(TrueRange(bars), period)
	v := sma[len(sma)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// BreakoutPercent is the fractional move of current above reference.
func BreakoutPercent(current, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return (current - reference) / reference
}

// Velocity is the fractional change per period over the last periods bars.
func Velocity(bars []md.Bar, periods int) float64 {
	if periods <= 0 || len(bars) < periods+1 {
		return 0
	}
	start := bars[len(bars)-periods-1].Close
	if start <= 0 {
		return 0
	}
	return (bars[len(bars)-1].Close/start - 1) / float64(periods)
}

// Acceleration is the ratio of velocity over the last period bars to the
// velocity over the period bars before them.
func Acceleration(bars []md.Bar, period int) float64 {
	if period <= 0 || len(bars) < 2*period+1 {
		return 0
	}
	current := Velocity(bars, period)
	prior := Velocity(bars[:len(bars)-period], period)
	if math.Abs(prior) < flatVelocity {
		if current > 0 {
			return 1
		}
		return 0
	}
	return current / prior
}

// TimeframeAcceleration compares the per-minute move from the previous fast
// bar close with the per-minute move from the previous slow bar close.
// fastBar and slowBar are the bar lengths of the two series. Returns 0 when
// either series is too short, a bar length is unknown or the slow move is
// flat.
func TimeframeAcceleration(current float64, fast, slow []md.Bar, fastBar, slowBar time.Duration) float64 {
	if len(fast) < 2 || len(slow) < 2 || fastBar <= 0 || slowBar <= 0 {
		return 0
	}
	fastRef := fast[len(fast)-2].Close
	slowRef := slow[len(slow)-2].Close
	if fastRef <= 0 || slowRef <= 0 {
		return 0
	}
	v1 := (current/fastRef - 1) / fastBar.Minutes()
	v2 := (current/slowRef - 1) / slowBar.Minutes()
	if math.Abs(v2) < 0.0001 {
		return 0
	}
	return v1 / v2
}

// SessionHighLow returns the highest high and lowest low of bars.
func SessionHighLow(bars []md.Bar) (high, low float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	high, low = bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low
}
