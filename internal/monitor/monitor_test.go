package monitor

import (
	"context"
	"math"
	"testing"
	"time"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/exits"
	"momobot/internal/ledger"
	"momobot/internal/mailbox"
	"momobot/internal/md"
	"momobot/internal/state"
)

var testNow = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

type fakeBroker struct {
	positions []broker.Position
	bars      map[broker.TimeFrame][]md.Bar
	barCalls  int
	limits    map[broker.TimeFrame]int
}

func (f *fakeBroker) Positions(context.Context) ([]broker.Position, error) { return f.positions, nil }

func (f *fakeBroker) Bars(_ context.Context, req broker.BarsRequest) ([]md.Bar, error) {
	f.barCalls++
	f.limits[req.TimeFrame] = req.Limit
	return f.bars[req.TimeFrame], nil
}

type harness struct {
	monitor *Monitor
	broker  *fakeBroker
	book    *ledger.Ledger
	mail    *mailbox.Mailbox
	clock   *time.Time
}

func newHarness(t *testing.T, cfg config.Config) harness {
	t.Helper()
	clock := testNow
	now := func() time.Time { return clock }
	store := state.NewMemoryStore()
	fb := &fakeBroker{bars: map[broker.TimeFrame][]md.Bar{}, limits: map[broker.TimeFrame]int{}}
	book := ledger.New(store, cfg.StopLossPct, now)
	mail := mailbox.New(store, now)
	return harness{
		monitor: New(cfg, fb, book, mail, now),
		broker:  fb,
		book:    book,
		mail:    mail,
		clock:   &clock,
	}
}

func closes(vals ...float64) []md.Bar {
	bars := make([]md.Bar, len(vals))
	for i, v := range vals {
		bars[i] = md.Bar{Open: v, High: v, Low: v, Close: v, Volume: 100}
	}
	return bars
}

func seed(t *testing.T, h harness, symbol string, pos ledger.Position) {
	t.Helper()
	if err := h.book.Add(context.Background(), symbol, pos); err != nil {
		t.Fatalf("seed %s: %v", symbol, err)
	}
}

func TestCyclePostsStopLoss(t *testing.T) {
	h := newHarness(t, config.Default())
	seed(t, h, "TEST", ledger.Position{EntryPrice: 10, Quantity: 100, EntryTime: testNow.Add(-5 * time.Minute), StopLoss: 9.75, SignalScore: 70})
	h.broker.positions = []broker.Position{{Symbol: "TEST", Qty: 100, AvgEntry: 10, CurrentPrice: 9.7}}

	if err := h.monitor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	sells, err := h.mail.TakeSellSignals(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(sells) != 1 || sells[0].Reason != exits.ReasonStopLoss || sells[0].Quantity != 100 {
		t.Fatalf("unexpected sells %+v", sells)
	}
	if math.Abs(sells[0].ProfitPct-(-0.03)) > 1e-9 || sells[0].EntryPrice != 10 {
		t.Fatalf("unexpected sell details %+v", sells[0])
	}
}

func TestCyclePersistsRaisedStopAndHighWater(t *testing.T) {
	h := newHarness(t, config.Default())
	seed(t, h, "TEST", ledger.Position{EntryPrice: 10, Quantity: 100, EntryTime: testNow.Add(-10 * time.Minute), StopLoss: 9.75, SignalScore: 70})
	h.broker.positions = []broker.Position{{Symbol: "TEST", Qty: 100, AvgEntry: 10, CurrentPrice: 11.2}}
	// Accelerating: fast move ~0.0091 per minute vs slow ~0.0074.
	h.broker.bars[broker.TwoMin] = closes(10.9, 11.0, 11.2)
	h.broker.bars[broker.FiveMin] = closes(10.7, 10.8, 11.2)

	if err := h.monitor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	pos, _, _ := h.book.Get(context.Background(), "TEST")
	if math.Abs(pos.StopLoss-11.2*0.97) > 1e-9 {
		t.Fatalf("expected trailing stop %.4f, got %.4f", 11.2*0.97, pos.StopLoss)
	}
	if pos.HighWaterMark != 11.2 {
		t.Fatalf("expected high water 11.2, got %v", pos.HighWaterMark)
	}
	sells, _ := h.mail.TakeSellSignals(context.Background(), time.Minute)
	if len(sells) != 0 {
		t.Fatalf("expected hold, got %+v", sells)
	}

	// Price falls back: the stop stays where it was raised and fires.
	h.broker.positions[0].CurrentPrice = 10.8
	if err := h.monitor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	pos, _, _ = h.book.Get(context.Background(), "TEST")
	if math.Abs(pos.StopLoss-11.2*0.97) > 1e-9 {
		t.Fatalf("stop must not move down, got %.4f", pos.StopLoss)
	}
	sells, _ = h.mail.TakeSellSignals(context.Background(), time.Minute)
	if len(sells) != 1 || sells[0].Reason != exits.ReasonStopLoss {
		t.Fatalf("expected stop exit, got %+v", sells)
	}
}

func TestCycleDecelerationExit(t *testing.T) {
	h := newHarness(t, config.Default())
	seed(t, h, "TEST", ledger.Position{EntryPrice: 10, Quantity: 10, EntryTime: testNow.Add(-10 * time.Minute), StopLoss: 9.75, SignalScore: 70})
	h.broker.positions = []broker.Position{{Symbol: "TEST", Qty: 10, AvgEntry: 10, CurrentPrice: 10.7}}
	// 7% profit, under trailing activation. Acceleration ~0.21.
	h.broker.bars[broker.TwoMin] = closes(10.6, 10.67, 10.7)
	h.broker.bars[broker.FiveMin] = closes(10.2, 10.36, 10.7)

	if err := h.monitor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	sells, _ := h.mail.TakeSellSignals(context.Background(), time.Minute)
	if len(sells) != 1 || sells[0].Reason != exits.ReasonDeceleration {
		t.Fatalf("expected deceleration exit, got %+v", sells)
	}
	cfg := h.monitor.cfg
	if h.broker.limits[broker.TwoMin] != cfg.FastBars || h.broker.limits[broker.FiveMin] != cfg.PrimaryBars {
		t.Fatalf("acceleration bars requested with limits %v", h.broker.limits)
	}
}

func TestCycleKeepsRecordsMissingAtBroker(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx := context.Background()
	// Recorded by the buyer after the broker snapshot was taken.
	seed(t, h, "FRESH", ledger.Position{EntryPrice: 10, Quantity: 50, EntryTime: testNow, StopLoss: 9.75, SignalScore: 82})
	h.broker.positions = []broker.Position{{Symbol: "OTHER", Qty: 5, AvgEntry: 20, CurrentPrice: 20.1}}

	if err := h.monitor.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	pos, ok, _ := h.book.Get(ctx, "FRESH")
	if !ok || pos.SignalScore != 82 {
		t.Fatalf("cycle must not drop or replace FRESH, got ok=%v %+v", ok, pos)
	}
	if _, ok, _ := h.book.Get(ctx, "OTHER"); !ok {
		t.Fatalf("unknown broker position should be adopted")
	}

	h.broker.positions = nil
	if err := h.monitor.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, ok, _ := h.book.Get(ctx, "FRESH"); !ok {
		t.Fatalf("empty broker snapshot must not clear the ledger")
	}
}

func TestStartupDropsStaleRecords(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx := context.Background()
	seed(t, h, "STALE", ledger.Position{EntryPrice: 10, Quantity: 50, EntryTime: testNow, StopLoss: 9.75, SignalScore: 82})

	if err := h.monitor.Startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if _, ok, _ := h.book.Get(ctx, "STALE"); ok {
		t.Fatalf("startup reconcile should drop positions the broker does not hold")
	}
}

func TestCycleAdoptsUnknownWithATRStop(t *testing.T) {
	cfg := config.Default()
	cfg.ATRStopMultiplier = 2
	h := newHarness(t, cfg)
	h.broker.positions = []broker.Position{{Symbol: "NEW", Qty: 5, AvgEntry: 10, CurrentPrice: 10.05}}
	bars := make([]md.Bar, 19)
	for i := range bars {
		bars[i] = md.Bar{Open: 10, High: 10.05, Low: 9.95, Close: 10, Volume: 100}
	}
	h.broker.bars[broker.FiveMin] = bars

	if err := h.monitor.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	pos, ok, _ := h.book.Get(context.Background(), "NEW")
	if !ok || pos.SignalScore != ledger.PlaceholderScore {
		t.Fatalf("expected adopted position, got %+v", pos)
	}
	if math.Abs(pos.StopLoss-9.8) > 1e-9 {
		t.Fatalf("expected ATR stop 9.8, got %v", pos.StopLoss)
	}
}

func TestOnQuoteThrottles(t *testing.T) {
	cfg := config.Default()
	cfg.RealtimeThrottle = time.Second
	h := newHarness(t, cfg)
	seed(t, h, "TEST", ledger.Position{EntryPrice: 10, Quantity: 1, EntryTime: testNow, StopLoss: 9.75, SignalScore: 70})
	bp := broker.Position{Symbol: "TEST", Qty: 1, AvgEntry: 10}
	ctx := context.Background()

	h.monitor.OnQuote(ctx, bp, md.Quote{Symbol: "TEST", Bid: 9.6, Ask: 9.7})
	if sells, _ := h.mail.TakeSellSignals(ctx, time.Minute); len(sells) != 1 {
		t.Fatalf("expected first quote to post a sell, got %+v", sells)
	}

	*h.clock = testNow.Add(500 * time.Millisecond)
	h.monitor.OnQuote(ctx, bp, md.Quote{Symbol: "TEST", Bid: 9.6, Ask: 9.7})
	if sells, _ := h.mail.TakeSellSignals(ctx, time.Minute); len(sells) != 0 {
		t.Fatalf("throttled quote must not evaluate, got %+v", sells)
	}

	*h.clock = testNow.Add(2 * time.Second)
	h.monitor.OnQuote(ctx, bp, md.Quote{Symbol: "TEST", Bid: 9.6, Ask: 9.7})
	if sells, _ := h.mail.TakeSellSignals(ctx, time.Minute); len(sells) != 1 {
		t.Fatalf("expected evaluation after throttle window, got %+v", sells)
	}
}

func TestRunRealtimeSubscribesHeldSymbols(t *testing.T) {
	h := newHarness(t, config.Default())
	seed(t, h, "TEST", ledger.Position{EntryPrice: 10, Quantity: 1, EntryTime: testNow, StopLoss: 9.75, SignalScore: 70})
	h.broker.positions = []broker.Position{{Symbol: "TEST", Qty: 1, AvgEntry: 10}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var subscribed []string
	stream := func(_ context.Context, symbols []string, handler md.QuoteHandler) error {
		subscribed = symbols
		handler(md.Quote{Symbol: "TEST", Bid: 9.5, Ask: 9.6})
		cancel()
		return context.Canceled
	}
	if err := h.monitor.RunRealtime(ctx, stream, time.Minute); err != nil {
		t.Fatalf("run realtime: %v", err)
	}
	if len(subscribed) != 1 || subscribed[0] != "TEST" {
		t.Fatalf("unexpected subscription %v", subscribed)
	}
	sells, _ := h.mail.TakeSellSignals(context.Background(), time.Minute)
	if len(sells) != 1 {
		t.Fatalf("expected realtime sell signal, got %+v", sells)
	}
}
