package indicators

import (
	"math"
	"testing"
	"time"

	"momobot/internal/md"
)

func closesToBars(closes ...float64) []md.Bar {
	bars := make([]md.Bar, len(closes))
	for i, c := range closes {
		bars[i] = md.Bar{Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestVWAP(t *testing.T) {
	bars := []md.Bar{
		{High: 11, Low: 9, Close: 10, Volume: 100},
		{High: 13, Low: 11, Close: 12, Volume: 300},
	}
	got := VWAP(bars)
	if !near(got[0], 10) {
		t.Fatalf("first vwap = %v, want 10", got[0])
	}
	if !near(got[1], (10*100+12*300)/400.0) {
		t.Fatalf("second vwap = %v", got[1])
	}
}

func TestVWAPZeroVolumeIsNaN(t *testing.T) {
	bars := []md.Bar{{High: 10, Low: 10, Close: 10, Volume: 0}}
	if v := VWAP(bars)[0]; !math.IsNaN(v) {
		t.Fatalf("expected NaN, got %v", v)
	}
	if v := LastVWAP(bars, 10.5); v != 10.5 {
		t.Fatalf("expected fallback 10.5, got %v", v)
	}
}

func TestRSIShortSeriesIsNeutral(t *testing.T) {
	closes := []float64{10, 11, 12, 13, 14}
	for i, v := range RSI(closes, 14) {
		if v != 50 {
			t.Fatalf("rsi[%d] = %v, want 50", i, v)
		}
	}
}

func TestRSIBoundsAndDirection(t *testing.T) {
	var rising, falling []float64
	for i := 0; i < 30; i++ {
		rising = append(rising, 10+float64(i)*0.1)
		falling = append(falling, 20-float64(i)*0.1)
	}
	up := LastRSI(rising, 14)
	down := LastRSI(falling, 14)
	if up < 99 || up > 100 {
		t.Fatalf("monotonic rise should approach 100, got %v", up)
	}
	if down > 1 || down < 0 {
		t.Fatalf("monotonic fall should approach 0, got %v", down)
	}
}

func TestRSIUsesExponentialSpan(t *testing.T) {
	closes := make([]float64, 16)
	for i := range closes {
		closes[i] = 10
	}
	closes[15] = 11
	// A single +1 move after a flat run: avgGain = alpha * 1, avgLoss = 0.
	rsi := LastRSI(closes, 14)
	if rsi < 99.99 {
		t.Fatalf("expected near-100 RSI with zero losses, got %v", rsi)
	}
	closes[14] = 10.5
	alpha := 2.0 / 15
	gain := alpha*0.5*(1-alpha) + alpha*0.5
	want := 100 - 100/(1+gain/1e-10)
	if !near(LastRSI(closes, 14), want) {
		t.Fatalf("rsi = %v, want %v", LastRSI(closes, 14), want)
	}
}

func TestRelativeVolume(t *testing.T) {
	bars := []md.Bar{{Volume: 100}, {Volume: 100}, {Volume: 200}}
	// lookback clamps to len-1 = 2: mean of last two bars = 150.
	if got := RelativeVolume(300, bars, 20); !near(got, 2) {
		t.Fatalf("relvol = %v, want 2", got)
	}
	if got := RelativeVolume(300, nil, 20); got != 1 {
		t.Fatalf("empty history relvol = %v, want 1", got)
	}
	if got := RelativeVolume(300, []md.Bar{{Volume: 0}, {Volume: 0}}, 20); got != 1 {
		t.Fatalf("zero mean relvol = %v, want 1", got)
	}
}

func TestATR(t *testing.T) {
	if got := ATR(closesToBars(1, 2, 3), 14); got != 0 {
		t.Fatalf("insufficient bars should give 0, got %v", got)
	}
	var bars []md.Bar
	for i := 0; i < 20; i++ {
		c := 10 + float64(i%2)
		bars = append(bars, md.Bar{High: c + 0.5, Low: c - 0.5, Close: c})
	}
	// Alternating closes one apart with a 1-wide range give TR = 1.5 after the first bar.
	if got := ATR(bars, 14); !near(got, 1.5) {
		t.Fatalf("atr = %v, want 1.5", got)
	}
}

func TestBreakoutPercent(t *testing.T) {
	if got := BreakoutPercent(10.5, 10); !near(got, 0.05) {
		t.Fatalf("breakout = %v", got)
	}
	if got := BreakoutPercent(10.5, 0); got != 0 {
		t.Fatalf("non-positive reference must give 0, got %v", got)
	}
}

func TestVelocity(t *testing.T) {
	bars := closesToBars(10, 10.2, 10.4, 10.6, 10.8, 11)
	if got := Velocity(bars, 5); !near(got, 0.02) {
		t.Fatalf("velocity = %v, want 0.02", got)
	}
	if got := Velocity(bars, 10); got != 0 {
		t.Fatalf("insufficient bars should give 0, got %v", got)
	}
	if got := Velocity(closesToBars(0, 1), 1); got != 0 {
		t.Fatalf("zero start price should give 0, got %v", got)
	}
}

func TestAcceleration(t *testing.T) {
	// Prior window +1%/bar, recent window +2%/bar relative to window starts.
	bars := closesToBars(100, 101, 102, 104.04, 106.08)
	got := Acceleration(bars, 2)
	want := ((106.08/102 - 1) / 2) / ((102.0/100 - 1) / 2)
	if !near(got, want) {
		t.Fatalf("acceleration = %v, want %v", got, want)
	}

	flatThenUp := closesToBars(10, 10, 10, 10.5, 11)
	if got := Acceleration(flatThenUp, 2); got != 1 {
		t.Fatalf("flat prior with rising current should give 1, got %v", got)
	}
	flatThenDown := closesToBars(10, 10, 10, 9.5, 9)
	if got := Acceleration(flatThenDown, 2); got != 0 {
		t.Fatalf("flat prior with falling current should give 0, got %v", got)
	}
}

func TestTimeframeAcceleration(t *testing.T) {
	fast := closesToBars(10.4, 10.5, 10.6)
	slow := closesToBars(9.9, 10.0, 10.2)
	two, five := 2*time.Minute, 5*time.Minute
	got := TimeframeAcceleration(10.6, fast, slow, two, five)
	want := ((10.6/10.5 - 1) / 2) / ((10.6/10.0 - 1) / 5)
	if !near(got, want) {
		t.Fatalf("accel = %v, want %v", got, want)
	}
	if got := TimeframeAcceleration(10.0, fast, closesToBars(10, 10, 10), two, five); got != 0 {
		t.Fatalf("flat slow move should give 0, got %v", got)
	}
	if got := TimeframeAcceleration(10, fast[:1], slow, two, five); got != 0 {
		t.Fatalf("short series should give 0, got %v", got)
	}
	if got := TimeframeAcceleration(10.6, fast, slow, 0, five); got != 0 {
		t.Fatalf("unknown bar length should give 0, got %v", got)
	}
}

func TestTimeframeAccelerationScalesWithBarLength(t *testing.T) {
	fast := closesToBars(10.4, 10.5, 10.6)
	slow := closesToBars(9.9, 10.0, 10.2)
	got := TimeframeAcceleration(10.6, fast, slow, time.Minute, 15*time.Minute)
	want := ((10.6/10.5 - 1) / 1) / ((10.6/10.0 - 1) / 15)
	if !near(got, want) {
		t.Fatalf("accel = %v, want %v", got, want)
	}
}

func TestSessionHighLow(t *testing.T) {
	bars := []md.Bar{{High: 10, Low: 9}, {High: 12, Low: 9.5}, {High: 11, Low: 8.5}}
	high, low := SessionHighLow(bars)
	if high != 12 || low != 8.5 {
		t.Fatalf("high/low = %v/%v", high, low)
	}
}
