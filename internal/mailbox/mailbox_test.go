package mailbox

import (
	"context"
	"testing"
	"time"

	"momobot/internal/state"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMailbox() (*Mailbox, *clock) {
	clk := &clock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	return New(state.NewMemoryStore(), clk.now), clk
}

func TestFreshSignalsStalenessBoundary(t *testing.T) {
	m, clk := newMailbox()
	ctx := context.Background()
	signals := []Signal{
		{Symbol: "OLD", Score: 80, Timestamp: clk.t.Add(-61 * time.Second)},
		{Symbol: "NEW", Score: 60, Timestamp: clk.t.Add(-59 * time.Second)},
	}
	if err := m.PublishSignals(ctx, signals); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fresh, err := m.FreshSignals(ctx, 60*time.Second)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if len(fresh) != 1 || fresh[0].Symbol != "NEW" {
		t.Fatalf("expected only NEW, got %+v", fresh)
	}
}

func TestPublishSortsByScore(t *testing.T) {
	m, clk := newMailbox()
	ctx := context.Background()
	_ = m.PublishSignals(ctx, []Signal{
		{Symbol: "A", Score: 60, Timestamp: clk.t},
		{Symbol: "B", Score: 90, Timestamp: clk.t},
		{Symbol: "C", Score: 75, Timestamp: clk.t},
	})
	doc, _ := state.View[SignalsDoc](ctx, m.repo, SignalsDocument)
	if doc.ScanVersion != ScanVersion {
		t.Fatalf("expected scan version %s, got %q", ScanVersion, doc.ScanVersion)
	}
	got := []string{doc.Signals[0].Symbol, doc.Signals[1].Symbol, doc.Signals[2].Symbol}
	if got[0] != "B" || got[1] != "C" || got[2] != "A" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestHotSignalLifecycle(t *testing.T) {
	m, clk := newMailbox()
	ctx := context.Background()

	if sig, _ := m.CheckHot(ctx, time.Minute); sig != nil {
		t.Fatalf("empty slot should yield nil")
	}
	if err := m.NotifyHot(ctx, Signal{Symbol: "HOT", Score: 92, Timestamp: clk.t}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	sig, err := m.CheckHot(ctx, time.Minute)
	if err != nil || sig == nil || sig.Symbol != "HOT" {
		t.Fatalf("expected HOT, got %+v err=%v", sig, err)
	}
	if err := m.MarkHotProcessed(ctx); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if sig, _ := m.CheckHot(ctx, time.Minute); sig != nil {
		t.Fatalf("processed slot should yield nil")
	}

	_ = m.NotifyHot(ctx, Signal{Symbol: "LATE", Score: 95})
	clk.t = clk.t.Add(61 * time.Second)
	if sig, _ := m.CheckHot(ctx, time.Minute); sig != nil {
		t.Fatalf("stale hot signal should yield nil")
	}
}

func TestTakeSellSignalsIsAtomicTakeAndEmpty(t *testing.T) {
	m, clk := newMailbox()
	ctx := context.Background()
	_ = m.PostSellSignals(ctx, []SellSignal{
		{Symbol: "AAA", Reason: "STOP_LOSS", Timestamp: clk.t.Add(-3 * time.Minute)},
		{Symbol: "BBB", Reason: "DECELERATION", Timestamp: clk.t.Add(-10 * time.Second)},
	})
	_ = m.PostSellSignals(ctx, []SellSignal{
		{Symbol: "BBB", Reason: "TRAILING_STOP_3PCT", Timestamp: clk.t},
	})

	taken, err := m.TakeSellSignals(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 1 || taken[0].Symbol != "BBB" || taken[0].Reason != "TRAILING_STOP_3PCT" {
		t.Fatalf("unexpected taken %+v", taken)
	}
	again, _ := m.TakeSellSignals(ctx, 2*time.Minute)
	if len(again) != 0 {
		t.Fatalf("list should be empty after take, got %+v", again)
	}
}

func TestWatchlistOnlyLoadsForToday(t *testing.T) {
	m, clk := newMailbox()
	ctx := context.Background()
	wl := Watchlist{
		Date:      clk.t.Format(DateLayout),
		Watchlist: []WatchlistEntry{{Symbol: "TEST", Rank: 1, PremarketHigh: 10}},
	}
	if err := m.SaveWatchlist(ctx, wl); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := m.LoadWatchlist(ctx, time.UTC)
	if err != nil || !ok || got.WatchlistSize != 1 {
		t.Fatalf("expected today's watchlist, got %+v ok=%v err=%v", got, ok, err)
	}
	if e, ok := got.Lookup("test"); !ok || e.PremarketHigh != 10 {
		t.Fatalf("lookup failed: %+v", e)
	}

	clk.t = clk.t.Add(24 * time.Hour)
	if _, ok, _ := m.LoadWatchlist(ctx, time.UTC); ok {
		t.Fatalf("yesterday's watchlist must not load")
	}
}
