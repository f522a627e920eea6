package risk

import (
	"math"
	"testing"

	"momobot/internal/md"
	"momobot/internal/tier"
)

func sizeTiers() tier.Table {
	return tier.MustNew(
		tier.Tier{Lower: 60, Value: 0.05},
		tier.Tier{Lower: 85, Value: 0.07},
		tier.Tier{Lower: 95, Value: 0.10},
	)
}

func baseContext() RiskContext {
	return RiskContext{
		Quote:        md.Quote{Bid: 10.45, Ask: 10.55},
		Equity:       100000,
		MaxPositions: 20,
		MaxSpread:    0.02,
		MaxSlippage:  0.02,
		SizeTiers:    sizeTiers(),
	}
}

func TestGateRejectsCooldown(t *testing.T) {
	ctx := baseContext()
	ctx.InCooldown = true
	if _, err := (Gate{}).Evaluate(Intent{Symbol: "TEST", Score: 60, SignalPrice: 10.5}, ctx); err == nil || err.Error() != "cooldown_active" {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
}

func TestGateRejectsMaxPositions(t *testing.T) {
	ctx := baseContext()
	ctx.OpenPositions = 20
	if _, err := (Gate{}).Evaluate(Intent{Symbol: "TEST", Score: 60, SignalPrice: 10.5}, ctx); err == nil || err.Error() != "max_positions_reached" {
		t.Fatalf("expected max positions rejection, got %v", err)
	}
}

func TestGateRejectsKillSwitch(t *testing.T) {
	ctx := baseContext()
	ctx.KillSwitch = true
	if _, err := (Gate{}).Evaluate(Intent{Symbol: "TEST", Score: 60, SignalPrice: 10.5}, ctx); err == nil {
		t.Fatalf("expected kill switch rejection")
	}
}

func TestGateApprovesValidBuy(t *testing.T) {
	approved, err := (Gate{}).Evaluate(Intent{Symbol: "TEST", Score: 60, SignalPrice: 10.5}, baseContext())
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	if math.Abs(approved.Price-10.5) > 1e-9 || math.Abs(approved.Slippage) > 1e-9 {
		t.Fatalf("expected mid 10.5 and zero slippage, got %+v", approved)
	}
	// 5% of 100k at 10.50 = 476 shares.
	if approved.Qty != 476 || approved.SizePct != 0.05 {
		t.Fatalf("unexpected sizing %+v", approved)
	}
}

func TestCheckQuoteRejections(t *testing.T) {
	if _, err := CheckQuote(10, md.Quote{Bid: 0, Ask: 10}, 0.02, 0.02); err == nil || err.Error() != "invalid_quote" {
		t.Fatalf("expected invalid_quote, got %v", err)
	}
	if _, err := CheckQuote(10, md.Quote{Bid: 9.7, Ask: 10.3}, 0.02, 0.02); err == nil || err.Error() != "spread_6.0%" {
		t.Fatalf("expected spread rejection, got %v", err)
	}
	if _, err := CheckQuote(10, md.Quote{Bid: 10.29, Ask: 10.31}, 0.02, 0.02); err == nil || err.Error() != "slippage_3.0%" {
		t.Fatalf("expected slippage rejection, got %v", err)
	}
	// Price below the signal is never slippage.
	if _, err := CheckQuote(10, md.Quote{Bid: 9.49, Ask: 9.51}, 0.02, 0.02); err != nil {
		t.Fatalf("favourable move should pass, got %v", err)
	}
}

func TestSizePctTiers(t *testing.T) {
	tiers := sizeTiers()
	cases := map[int]float64{50: 0.05, 60: 0.05, 84: 0.05, 85: 0.07, 94: 0.07, 95: 0.10}
	for score, want := range cases {
		if got := SizePct(score, tiers); got != want {
			t.Fatalf("SizePct(%d) = %v, want %v", score, got, want)
		}
	}
}

func TestLimitPrice(t *testing.T) {
	if got := LimitPrice(10.5, 0.005); got != 10.55 {
		t.Fatalf("limit = %v, want 10.55", got)
	}
	if got := Quantity(1000, 0.05, 0); got != 0 {
		t.Fatalf("zero price must size to 0, got %d", got)
	}
}

func TestPrecheckIgnoresQuote(t *testing.T) {
	ctx := baseContext()
	ctx.Quote = md.Quote{}
	if err := (Gate{}).Precheck(Intent{Symbol: "TEST", Score: 60, SignalPrice: 10.5}, ctx); err != nil {
		t.Fatalf("precheck must not look at the quote, got %v", err)
	}
	ctx.AlreadyHeld = true
	if err := (Gate{}).Precheck(Intent{Symbol: "TEST"}, ctx); err == nil || err.Error() != "already_in_position" {
		t.Fatalf("expected already_in_position, got %v", err)
	}
}
