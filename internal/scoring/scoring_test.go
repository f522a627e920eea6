package scoring

import (
	"math"
	"reflect"
	"testing"

	"momobot/internal/md"
)

func gap(v float64) *float64 { return &v }

func TestBaseScoreIsSixty(t *testing.T) {
	s := New(DefaultThresholds())
	r := s.Score(Inputs{Price: 11.0, VWAP: 10.0, RSI: 45, BreakoutPct: 0.02, RelativeVolume: 2.5})
	if r.Score != 60 || !r.Accepted() {
		t.Fatalf("expected accepted score 60, got %+v", r)
	}
}

func TestMaxScore(t *testing.T) {
	s := New(DefaultThresholds())
	r := s.Score(Inputs{Price: 11.0, VWAP: 10.0, RSI: 58, BreakoutPct: 0.04, RelativeVolume: 5.0, GapPct: gap(0.06)})
	if r.Score != 95 || r.Score != MaxScore {
		t.Fatalf("expected 95, got %d", r.Score)
	}
	m := r.Metrics
	if !m.StrongBreakout || !m.HighVolume || !m.RSISweetSpot || !m.LargeGap {
		t.Fatalf("expected every bonus flag, got %+v", m)
	}
}

func TestBelowVWAPAlwaysRejected(t *testing.T) {
	s := New(DefaultThresholds())
	for _, price := range []float64{9.0, 10.0} {
		r := s.Score(Inputs{Price: price, VWAP: 10.0, RSI: 58, BreakoutPct: 0.5, RelativeVolume: 50, GapPct: gap(0.5)})
		if r.Score != 0 || r.Rejection != "below_vwap" {
			t.Fatalf("price %v: expected below_vwap, got %+v", price, r)
		}
	}
}

func TestRejectionMessages(t *testing.T) {
	s := New(DefaultThresholds())
	cases := []struct {
		in   Inputs
		want string
	}{
		{Inputs{Price: 11, VWAP: 10, RSI: 50, BreakoutPct: 0.005, RelativeVolume: 3}, "breakout_0.5%_below_1%"},
		{Inputs{Price: 11, VWAP: 10, RSI: 50, BreakoutPct: 0.02, RelativeVolume: 1.44}, "volume_1.4x_below_2x"},
		{Inputs{Price: 11, VWAP: 10, RSI: 80.4, BreakoutPct: 0.02, RelativeVolume: 3}, "rsi_80_outside_40-75"},
		{Inputs{Price: 11, VWAP: 10, RSI: 39.9, BreakoutPct: 0.02, RelativeVolume: 3}, "rsi_40_outside_40-75"},
	}
	for _, tc := range cases {
		r := s.Score(tc.in)
		if r.Score != 0 || r.Rejection != tc.want {
			t.Errorf("got (%d, %q), want (0, %q)", r.Score, r.Rejection, tc.want)
		}
	}
}

func TestRSIBoundsInclusive(t *testing.T) {
	s := New(DefaultThresholds())
	for _, rsi := range []float64{40, 75} {
		r := s.Score(Inputs{Price: 11, VWAP: 10, RSI: rsi, BreakoutPct: 0.02, RelativeVolume: 2})
		if r.Score != 60 {
			t.Fatalf("rsi %v should pass inclusive gate, got %+v", rsi, r)
		}
	}
}

func TestScoreIsDeterministicAndBounded(t *testing.T) {
	s := New(DefaultThresholds())
	for price := 9.0; price <= 12; price += 0.5 {
		for rsi := 30.0; rsi <= 80; rsi += 5 {
			for relvol := 1.0; relvol <= 6; relvol++ {
				in := Inputs{Price: price, VWAP: 10, RSI: rsi, BreakoutPct: (price - 10) / 10, RelativeVolume: relvol, GapPct: gap(0.04)}
				a, b := s.Score(in), s.Score(in)
				if !reflect.DeepEqual(a, b) {
					t.Fatalf("non-deterministic score for %+v", in)
				}
				if a.Score < 0 || a.Score > MaxScore {
					t.Fatalf("score out of bounds: %d", a.Score)
				}
				if a.Accepted() && a.Score < 60 {
					t.Fatalf("accepted signal below base score: %+v", a)
				}
			}
		}
	}
}

func TestResolveBreakoutPriority(t *testing.T) {
	bars := []md.Bar{
		{High: 10.0, Low: 9.0, Close: 9.8},
		{High: 10.6, Low: 9.7, Close: 10.5},
	}

	pct, ref := ResolveBreakout(10.5, 10.0, 9.0, bars)
	if ref != RefPremarketHigh || math.Abs(pct-0.05) > 1e-9 {
		t.Fatalf("expected premarket_high 0.05, got %v %v", ref, pct)
	}

	pct, ref = ResolveBreakout(10.5, 0, 9.0, bars)
	if ref != RefSessionHigh || math.Abs(pct-(10.5-10.6)/10.6) > 1e-9 {
		t.Fatalf("expected session_high, got %v %v", ref, pct)
	}

	pct, ref = ResolveBreakout(10.0, 0, 9.5, bars)
	if ref != RefPriorClose || math.Abs(pct-(10.0-9.5)/9.5) > 1e-9 {
		t.Fatalf("expected prior_close, got %v %v", ref, pct)
	}

	pct, ref = ResolveBreakout(10.0, 0, 0, bars)
	if ref != RefSessionLow || math.Abs(pct-(10.0-9.0)/9.0) > 1e-9 {
		t.Fatalf("expected session_low, got %v %v", ref, pct)
	}

	if pct, ref = ResolveBreakout(10.0, 0, 0, nil); ref != RefNone || pct != 0 {
		t.Fatalf("expected none, got %v %v", ref, pct)
	}
}
