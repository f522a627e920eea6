// Package monitor evaluates open positions against the exit rules and posts
// sell signals for the seller.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/engine"
	"momobot/internal/exits"
	"momobot/internal/indicators"
	"momobot/internal/ledger"
	"momobot/internal/mailbox"
	"momobot/internal/md"
	"momobot/internal/metrics"
	"momobot/internal/state"
)

const (
	serviceName = "monitor"

	atrPeriod = indicators.DefaultATRPeriod
)

// Broker is what the monitor needs from the brokerage.
type Broker interface {
	Positions(ctx context.Context) ([]broker.Position, error)
	Bars(ctx context.Context, req broker.BarsRequest) ([]md.Bar, error)
}

type Monitor struct {
	cfg    config.Config
	broker Broker
	book   *ledger.Ledger
	mail   *mailbox.Mailbox
	exits  *exits.Engine
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastEval map[string]time.Time
}

func New(cfg config.Config, br Broker, book *ledger.Ledger, mail *mailbox.Mailbox, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		cfg:      cfg,
		broker:   br,
		book:     book,
		mail:     mail,
		log:      slog.Default().With("service", serviceName),
		now:      now,
		lastEval: map[string]time.Time{},
	}
	m.exits = exits.New(cfg.Exits(), m.acceleration, now)
	return m
}

// Startup reconciles the ledger with the broker before the first cycle.
// It is the only place the monitor removes ledger records.
func (m *Monitor) Startup(ctx context.Context) error {
	diff, err := engine.Reconcile(ctx, m.broker, m.book)
	if err != nil {
		return err
	}
	if len(diff.Added) > 0 && m.cfg.ATRStopMultiplier > 0 {
		m.widenStops(ctx, diff.Added)
	}
	return nil
}

// Cycle evaluates every live position at the broker's current price and
// posts the resulting sell signals. Positions missing from the ledger are
// adopted; records the broker does not report are left alone, since the
// buyer may have added them after the broker snapshot was taken.
func (m *Monitor) Cycle(ctx context.Context) error {
	live, err := m.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	metrics.SetOpenPositions(len(live))
	if len(live) == 0 {
		m.log.Info("no positions to monitor")
		return nil
	}
	m.log.Info("monitoring positions", "count", len(live))
	_, err = m.Evaluate(ctx, live)
	return err
}

// Evaluate runs the exit rules for each live position at its CurrentPrice,
// persists raised stops and high-water marks in one write and posts sell
// signals. It returns the posted signals.
func (m *Monitor) Evaluate(ctx context.Context, live []broker.Position) ([]mailbox.SellSignal, error) {
	book, err := m.book.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	updates := map[string]ledger.Position{}
	var sells []mailbox.SellSignal
	for _, bp := range live {
		symbol := strings.ToUpper(bp.Symbol)
		if bp.Qty <= 0 || bp.CurrentPrice <= 0 {
			continue
		}
		_ = engine.Guard(m.log, symbol, func() error {
			pos, known := book[symbol]
			if !known {
				pos = m.defaultPosition(ctx, bp)
			}
			d := m.exits.Evaluate(ctx, symbol, &pos, bp.CurrentPrice)
			if d.Dirty() || !known {
				updates[symbol] = pos
			}
			if !d.Exit {
				m.log.Info("holding",
					"symbol", symbol,
					"price", bp.CurrentPrice,
					"profit_pct", d.ProfitPct,
					"stop", pos.StopLoss,
					"high_water", pos.HighWaterMark)
				return nil
			}
			m.log.Info("sell signal", "symbol", symbol, "price", bp.CurrentPrice, "reason", d.Reason, "profit_pct", d.ProfitPct)
			metrics.IncExit(d.Reason)
			sells = append(sells, mailbox.SellSignal{
				Symbol:     symbol,
				Timestamp:  m.now(),
				Price:      bp.CurrentPrice,
				Quantity:   bp.Qty,
				Reason:     d.Reason,
				EntryPrice: pos.EntryPrice,
				ProfitPct:  d.ProfitPct,
			})
			return nil
		})
	}

	if err := m.persist(ctx, updates); err != nil {
		return nil, fmt.Errorf("save positions: %w", err)
	}
	if err := m.mail.PostSellSignals(ctx, sells); err != nil {
		return nil, fmt.Errorf("post sell signals: %w", err)
	}
	if len(sells) > 0 {
		m.log.Info("generated sell signals", "count", len(sells))
	}
	return sells, nil
}

// persist merges updates into the stored book. Stops and high-water marks
// only ever move up, even against a concurrent writer.
func (m *Monitor) persist(ctx context.Context, updates map[string]ledger.Position) error {
	if len(updates) == 0 {
		return nil
	}
	return m.book.Apply(ctx, func(book ledger.Book) error {
		changed := false
		for symbol, upd := range updates {
			cur, ok := book[symbol]
			if !ok {
				book[symbol] = upd
				changed = true
				continue
			}
			if upd.StopLoss > cur.StopLoss {
				cur.StopLoss = upd.StopLoss
				changed = true
			}
			if upd.HighWaterMark > cur.HighWaterMark {
				cur.HighWaterMark = upd.HighWaterMark
				changed = true
			}
			book[symbol] = cur
		}
		if !changed {
			return state.ErrNoChange
		}
		return nil
	})
}

// defaultPosition builds the record for a broker position the ledger does
// not know. The stop is ATR based when ATRStopMultiplier is set and bars are
// available.
func (m *Monitor) defaultPosition(ctx context.Context, bp broker.Position) ledger.Position {
	m.log.Warn("position missing from ledger, using defaults", "symbol", bp.Symbol)
	pos := ledger.Position{
		EntryPrice:  bp.AvgEntry,
		Quantity:    bp.Qty,
		EntryTime:   m.now(),
		StopLoss:    m.book.DefaultStop(bp.AvgEntry),
		SignalScore: ledger.PlaceholderScore,
	}
	if m.cfg.ATRStopMultiplier > 0 {
		if atr, ok := m.atr(ctx, strings.ToUpper(bp.Symbol)); ok {
			pos.StopLoss = exits.DynamicStop(pos.EntryPrice, atr, m.cfg.ATRStopMultiplier, m.cfg.ATRStopMaxPct, m.cfg.StopLossPct)
			m.log.Info("atr stop set", "symbol", bp.Symbol, "atr", atr, "stop", pos.StopLoss)
		}
	}
	return pos
}

func (m *Monitor) atr(ctx context.Context, symbol string) (float64, bool) {
	bars, err := m.broker.Bars(ctx, broker.BarsRequest{Symbol: symbol, TimeFrame: m.cfg.PrimaryTimeframe, Limit: atrPeriod + 5})
	if err != nil {
		m.log.Debug("atr bars unavailable", "symbol", symbol, "error", err)
		return 0, false
	}
	atr := indicators.ATR(bars, atrPeriod)
	return atr, atr > 0
}

// acceleration compares the move since the previous fast bar with the move
// since the previous primary bar.
func (m *Monitor) acceleration(ctx context.Context, symbol string, price float64) (float64, error) {
	fast, err := m.broker.Bars(ctx, broker.BarsRequest{Symbol: symbol, TimeFrame: m.cfg.FastTimeframe, Limit: m.cfg.FastBars})
	if err != nil {
		return 0, err
	}
	slow, err := m.broker.Bars(ctx, broker.BarsRequest{Symbol: symbol, TimeFrame: m.cfg.PrimaryTimeframe, Limit: m.cfg.PrimaryBars})
	if err != nil {
		return 0, err
	}
	return indicators.TimeframeAcceleration(price, fast, slow, m.cfg.FastTimeframe.Duration(), m.cfg.PrimaryTimeframe.Duration()), nil
}

// widenStops replaces the fixed default stop of newly adopted positions
// with an ATR based one.
func (m *Monitor) widenStops(ctx context.Context, symbols []string) {
	stops := map[string]float64{}
	for _, symbol := range symbols {
		if atr, ok := m.atr(ctx, symbol); ok {
			stops[symbol] = atr
		}
	}
	if len(stops) == 0 {
		return
	}
	err := m.book.Apply(ctx, func(book ledger.Book) error {
		for symbol, atr := range stops {
			pos, ok := book[symbol]
			if !ok {
				continue
			}
			pos.StopLoss = exits.DynamicStop(pos.EntryPrice, atr, m.cfg.ATRStopMultiplier, m.cfg.ATRStopMaxPct, m.cfg.StopLossPct)
			book[symbol] = pos
			m.log.Info("atr stop set", "symbol", symbol, "atr", atr, "stop", pos.StopLoss)
		}
		return nil
	})
	if err != nil {
		m.log.Error("save atr stops failed", "error", err)
	}
}

// QuoteStream delivers quotes for symbols until ctx ends.
type QuoteStream func(ctx context.Context, symbols []string, handler md.QuoteHandler) error

// RunRealtime evaluates held positions on every quote, at most once per
// RealtimeThrottle per symbol. The subscription is refreshed every
// refresh so new entries are picked up.
func (m *Monitor) RunRealtime(ctx context.Context, stream QuoteStream, refresh time.Duration) error {
	for ctx.Err() == nil {
		live, err := m.broker.Positions(ctx)
		if err != nil {
			m.log.Error("positions failed", "error", err)
			if broker.WaitForContext(ctx, m.cfg.ErrorSleep) != nil {
				return nil
			}
			continue
		}
		held := make(map[string]broker.Position, len(live))
		symbols := make([]string, 0, len(live))
		for _, p := range live {
			if p.Qty > 0 {
				held[strings.ToUpper(p.Symbol)] = p
				symbols = append(symbols, strings.ToUpper(p.Symbol))
			}
		}
		if len(symbols) == 0 {
			if broker.WaitForContext(ctx, m.cfg.MonitorInterval) != nil {
				return nil
			}
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, refresh)
		err = stream(sctx, symbols, func(q md.Quote) {
			bp, ok := held[strings.ToUpper(q.Symbol)]
			if !ok {
				return
			}
			m.OnQuote(sctx, bp, q)
		})
		cancel()
		if err != nil && ctx.Err() == nil && sctx.Err() == nil {
			m.log.Error("quote stream stopped", "error", err)
			if broker.WaitForContext(ctx, m.cfg.ErrorSleep) != nil {
				return nil
			}
		}
	}
	return nil
}

// OnQuote evaluates one position at the quote mid price unless the symbol
// was evaluated within the throttle window.
func (m *Monitor) OnQuote(ctx context.Context, bp broker.Position, q md.Quote) {
	price := q.Mid()
	if q.Bid <= 0 || q.Ask <= 0 || math.IsNaN(price) {
		return
	}
	symbol := strings.ToUpper(bp.Symbol)
	now := m.now()
	m.mu.Lock()
	if last, ok := m.lastEval[symbol]; ok && now.Sub(last) < m.cfg.RealtimeThrottle {
		m.mu.Unlock()
		return
	}
	m.lastEval[symbol] = now
	m.mu.Unlock()

	bp.CurrentPrice = price
	if _, err := m.Evaluate(ctx, []broker.Position{bp}); err != nil {
		m.log.Error("realtime evaluation failed", "symbol", symbol, "error", err)
	}
}
