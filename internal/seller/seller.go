// Package seller executes sell signals posted by the monitor.
package seller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/cooldown"
	"momobot/internal/engine"
	"momobot/internal/execution"
	"momobot/internal/journal"
	"momobot/internal/ledger"
	"momobot/internal/mailbox"
	"momobot/internal/metrics"
)

const serviceName = "seller"

type Seller struct {
	cfg       config.Config
	exec      *execution.Executor
	book      *ledger.Ledger
	cooldowns *cooldown.Tracker
	mail      *mailbox.Mailbox
	trades    journal.Journal
	audit     engine.Recorder
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, exec *execution.Executor, book *ledger.Ledger, cooldowns *cooldown.Tracker, mail *mailbox.Mailbox, trades journal.Journal, audit engine.Recorder, now func() time.Time) *Seller {
	if now == nil {
		now = time.Now
	}
	if audit == nil {
		audit = engine.Discard{}
	}
	return &Seller{
		cfg:       cfg,
		exec:      exec,
		book:      book,
		cooldowns: cooldowns,
		mail:      mail,
		trades:    trades,
		audit:     audit,
		log:       slog.Default().With("service", serviceName),
		now:       now,
	}
}

// Cycle takes every fresh sell signal and sells each one. Signals are
// consumed even when the sale fails; the monitor posts a new one next cycle
// while the position is still open.
func (s *Seller) Cycle(ctx context.Context) error {
	signals, err := s.mail.TakeSellSignals(ctx, s.cfg.SellSignalMaxAge)
	if err != nil {
		return fmt.Errorf("take sell signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	s.log.Info("loaded sell signals", "count", len(signals))

	sold := 0
	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ok bool
		_ = engine.Guard(s.log, sig.Symbol, func() error {
			var err error
			ok, err = s.Sell(ctx, sig)
			return err
		})
		if ok {
			sold++
		}
	}
	if sold > 0 {
		s.log.Info("sold positions", "count", sold)
	}
	return nil
}

// Sell submits a market sell for the signal. A full fill journals the trade,
// drops the position and starts the cooldown. A partial fill journals the
// filled shares and leaves the rest open.
func (s *Seller) Sell(ctx context.Context, sig mailbox.SellSignal) (bool, error) {
	symbol := strings.ToUpper(sig.Symbol)
	if sig.Quantity <= 0 {
		s.log.Warn("sell signal without quantity", "symbol", symbol)
		return false, nil
	}
	s.log.Info("selling", "symbol", symbol, "reason", sig.Reason, "price", sig.Price, "qty", sig.Quantity)

	fill, err := s.exec.SubmitAndWait(ctx, execution.Intent{
		Symbol:        symbol,
		Qty:           sig.Quantity,
		Side:          broker.Sell,
		ClientOrderID: execution.NewClientOrderID(),
	})
	decision := engine.Decision{
		Timestamp:   s.now(),
		Service:     serviceName,
		Symbol:      symbol,
		Side:        string(broker.Sell),
		SignalPrice: sig.Price,
		Qty:         sig.Quantity,
		Reason:      sig.Reason,
	}
	if err != nil {
		metrics.IncOrder(string(broker.Sell), "failed")
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		s.audit.Append(decision)
		return false, err
	}
	decision.OrderID = fill.OrderID
	decision.ClientOrderID = fill.ClientOrderID
	if !fill.OK {
		metrics.IncOrder(string(broker.Sell), "failed")
		s.log.Warn("sell order not filled", "symbol", symbol, "status", fill.Status)
		decision.Result = "not_filled"
		decision.RejectReason = fill.Status
		s.audit.Append(decision)
		return false, nil
	}

	outcome := "filled"
	if fill.Partial {
		outcome = "partial"
	}
	metrics.IncOrder(string(broker.Sell), outcome)
	decision.Result = outcome
	decision.FillPrice = fill.Price
	decision.Qty = fill.Qty
	s.audit.Append(decision)

	pos, known, err := s.book.Get(ctx, symbol)
	if err != nil {
		s.log.Error("load position failed", "symbol", symbol, "error", err)
	}
	if !known {
		pos = ledger.Position{EntryPrice: sig.EntryPrice, SignalScore: ledger.PlaceholderScore}
	}
	if pos.EntryPrice <= 0 {
		pos.EntryPrice = fill.Price
	}
	trade := journal.NewTrade(symbol, pos, fill.Price, fill.Qty, s.now(), sig.Reason)
	trade.ClientOrderID = fill.ClientOrderID
	s.log.Info("sold", "symbol", symbol, "price", fill.Price, "qty", fill.Qty, "entry", pos.EntryPrice, "pnl_dollar", trade.PnLDollar, "pnl_pct", trade.PnLPct)
	if err := s.trades.Record(ctx, trade); err != nil {
		s.log.Error("record trade failed", "symbol", symbol, "error", err)
	}

	if fill.Partial && fill.Qty < sig.Quantity {
		remaining := sig.Quantity - fill.Qty
		err := s.book.Apply(ctx, func(book ledger.Book) error {
			p, ok := book[symbol]
			if !ok {
				return nil
			}
			p.Quantity = remaining
			book[symbol] = p
			return nil
		})
		if err != nil {
			return true, fmt.Errorf("reduce position %s: %w", symbol, err)
		}
		s.log.Warn("partial sell, position left open", "symbol", symbol, "remaining", remaining)
		return true, nil
	}

	if _, err := s.book.Remove(ctx, symbol); err != nil {
		return true, fmt.Errorf("remove position %s: %w", symbol, err)
	}
	if err := s.cooldowns.Add(ctx, symbol, 0); err != nil {
		return true, fmt.Errorf("add cooldown %s: %w", symbol, err)
	}
	return true, nil
}
