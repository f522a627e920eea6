// Package buyer turns fresh scanner signals into filled entries.
package buyer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/cooldown"
	"momobot/internal/engine"
	"momobot/internal/execution"
	"momobot/internal/ledger"
	"momobot/internal/mailbox"
	"momobot/internal/md"
	"momobot/internal/metrics"
	"momobot/internal/risk"
)

const serviceName = "buyer"

// Broker is what the buyer needs from the brokerage.
type Broker interface {
	Positions(ctx context.Context) ([]broker.Position, error)
	Account(ctx context.Context) (broker.Account, error)
	LatestQuote(ctx context.Context, symbol string) (md.Quote, error)
}

type Buyer struct {
	cfg       config.Config
	broker    Broker
	exec      *execution.Executor
	book      *ledger.Ledger
	cooldowns *cooldown.Tracker
	mail      *mailbox.Mailbox
	gate      risk.Gate
	audit     engine.Recorder
	log       *slog.Logger
	now       func() time.Time

	// mu serializes cycles so two entries for one symbol never overlap.
	mu        sync.Mutex
	lastCycle time.Time
}

func New(cfg config.Config, br Broker, exec *execution.Executor, book *ledger.Ledger, cooldowns *cooldown.Tracker, mail *mailbox.Mailbox, audit engine.Recorder, now func() time.Time) *Buyer {
	if now == nil {
		now = time.Now
	}
	if audit == nil {
		audit = engine.Discard{}
	}
	return &Buyer{
		cfg:       cfg,
		broker:    br,
		exec:      exec,
		book:      book,
		cooldowns: cooldowns,
		mail:      mail,
		audit:     audit,
		log:       slog.Default().With("service", serviceName),
		now:       now,
	}
}

// Startup reconciles the ledger with the broker before the first cycle.
func (b *Buyer) Startup(ctx context.Context) error {
	_, err := engine.Reconcile(ctx, b.broker, b.book)
	return err
}

// Tick runs the hot-signal check and, once BuyerInterval has passed since the
// last one, a full cycle. It is meant to be driven by a single loop at
// HotCheckInterval.
func (b *Buyer) Tick(ctx context.Context) error {
	hotErr := b.HotCycle(ctx)
	now := b.now()
	if !b.lastCycle.IsZero() && now.Sub(b.lastCycle) < b.cfg.BuyerInterval {
		return hotErr
	}
	b.lastCycle = now
	return errors.Join(hotErr, b.Cycle(ctx))
}

// Cycle buys fresh signals, best score first, until the free slots are used.
func (b *Buyer) Cycle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	signals, err := b.mail.FreshSignals(ctx, b.cfg.SignalMaxAge)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}
	if len(signals) == 0 {
		b.log.Debug("no fresh signals")
		return nil
	}

	held, err := b.heldSymbols(ctx)
	if err != nil {
		return err
	}
	slots := b.cfg.MaxPositions - len(held)
	if slots <= 0 {
		b.log.Info("at max positions", "held", len(held), "max", b.cfg.MaxPositions)
		return nil
	}
	b.log.Info("processing signals", "signals", len(signals), "slots", slots)

	bought := 0
	for _, sig := range signals {
		if bought >= slots || ctx.Err() != nil {
			break
		}
		var ok bool
		_ = engine.Guard(b.log, sig.Symbol, func() error {
			var err error
			ok, err = b.Buy(ctx, sig, held)
			return err
		})
		if ok {
			bought++
			held[strings.ToUpper(sig.Symbol)] = true
		}
	}
	if bought > 0 {
		b.log.Info("bought new positions", "count", bought)
	}
	return nil
}

// HotCycle handles the hot-signal slot. The slot is marked processed on
// every outcome so a signal is attempted at most once.
func (b *Buyer) HotCycle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig, err := b.mail.CheckHot(ctx, b.cfg.SignalMaxAge)
	if err != nil {
		return fmt.Errorf("check hot signal: %w", err)
	}
	if sig == nil {
		return nil
	}
	defer func() {
		if err := b.mail.MarkHotProcessed(ctx); err != nil {
			b.log.Error("mark hot signal processed failed", "error", err)
		}
	}()

	if sig.Score < b.cfg.HotSignalScore {
		b.log.Debug("hot signal below threshold", "symbol", sig.Symbol, "score", sig.Score)
		return nil
	}
	held, err := b.heldSymbols(ctx)
	if err != nil {
		return err
	}
	b.log.Info("hot signal", "symbol", sig.Symbol, "score", sig.Score)
	_, err = b.Buy(ctx, *sig, held)
	return err
}

// Buy runs the risk gate for one signal and, when approved, submits the
// entry and records the filled position. It reports whether a position was
// opened. Rejections are not errors.
func (b *Buyer) Buy(ctx context.Context, sig mailbox.Signal, held map[string]bool) (bool, error) {
	symbol := strings.ToUpper(sig.Symbol)
	intent := risk.Intent{Symbol: symbol, Score: sig.Score, SignalPrice: sig.Price}

	inCooldown, err := b.cooldowns.IsInCooldown(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("cooldown %s: %w", symbol, err)
	}
	rc := risk.RiskContext{
		OpenPositions: len(held),
		MaxPositions:  b.cfg.MaxPositions,
		AlreadyHeld:   held[symbol],
		InCooldown:    inCooldown,
		KillSwitch:    b.cfg.KillSwitch,
		MaxSpread:     b.cfg.MaxSpread,
		MaxSlippage:   b.cfg.MaxSlippage,
		SizeTiers:     b.cfg.SizeTiers,
	}
	if err := b.gate.Precheck(intent, rc); err != nil {
		b.reject(sig, err.Error())
		return false, nil
	}

	rc.Quote, err = b.broker.LatestQuote(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("quote %s: %w", symbol, err)
	}
	account, err := b.broker.Account(ctx)
	if err != nil {
		return false, fmt.Errorf("account: %w", err)
	}
	rc.Equity = account.Equity

	approved, err := b.gate.Evaluate(intent, rc)
	if err != nil {
		b.reject(sig, err.Error())
		return false, nil
	}

	order := execution.Intent{
		Symbol:        symbol,
		Qty:           approved.Qty,
		Side:          broker.Buy,
		ClientOrderID: execution.NewClientOrderID(),
	}
	var limit float64
	if b.cfg.UseLimitOrders {
		limit = risk.LimitPrice(approved.Price, b.cfg.LimitBuffer)
		order.LimitPrice = &limit
	}
	b.log.Info("buying",
		"symbol", symbol,
		"score", sig.Score,
		"signal_price", sig.Price,
		"price", approved.Price,
		"limit", limit,
		"qty", approved.Qty,
		"size_pct", approved.SizePct,
		"client_order_id", order.ClientOrderID)

	fill, err := b.exec.SubmitAndWait(ctx, order)
	decision := engine.Decision{
		Timestamp:     b.now(),
		Service:       serviceName,
		Symbol:        symbol,
		Side:          string(broker.Buy),
		Score:         sig.Score,
		SignalPrice:   sig.Price,
		LimitPrice:    limit,
		Qty:           approved.Qty,
		ClientOrderID: order.ClientOrderID,
	}
	if err != nil {
		metrics.IncOrder(string(broker.Buy), "failed")
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		b.audit.Append(decision)
		return false, err
	}
	decision.OrderID = fill.OrderID
	if !fill.OK {
		metrics.IncOrder(string(broker.Buy), "failed")
		b.log.Warn("order not filled", "symbol", symbol, "status", fill.Status)
		decision.Result = "not_filled"
		decision.RejectReason = fill.Status
		b.audit.Append(decision)
		return false, nil
	}

	outcome := "filled"
	if fill.Partial {
		outcome = "partial"
	}
	metrics.IncOrder(string(broker.Buy), outcome)
	decision.Result = outcome
	decision.FillPrice = fill.Price
	decision.Qty = fill.Qty
	b.audit.Append(decision)

	pos := b.entryPosition(sig, fill)
	b.log.Info("filled", "symbol", symbol, "price", fill.Price, "qty", fill.Qty, "stop_loss", pos.StopLoss)
	if err := b.book.Add(ctx, symbol, pos); err != nil {
		return true, fmt.Errorf("record position %s: %w", symbol, err)
	}
	return true, nil
}

// entryPosition builds the ledger record for a fill, keeping the signal
// snapshot that led to it.
func (b *Buyer) entryPosition(sig mailbox.Signal, fill execution.Fill) ledger.Position {
	pos := ledger.Position{
		EntryPrice:     fill.Price,
		Quantity:       fill.Qty,
		EntryTime:      b.now(),
		StopLoss:       b.book.DefaultStop(fill.Price),
		SignalScore:    sig.Score,
		SignalPrice:    sig.Price,
		VWAP:           sig.Metrics.VWAP,
		RSI:            sig.Metrics.RSI,
		BreakoutPct:    sig.Metrics.BreakoutPct,
		RelativeVolume: sig.Metrics.RelativeVolume,
		HighWaterMark:  fill.Price,
		OrderID:        fill.OrderID,
		ClientOrderID:  fill.ClientOrderID,
	}
	if sig.Price > 0 {
		pos.SlippagePct = (fill.Price - sig.Price) / sig.Price
	}
	return pos
}

// heldSymbols is the union of broker positions and ledger records. A fill
// recorded in the ledger counts as held even before the broker reports it.
func (b *Buyer) heldSymbols(ctx context.Context) (map[string]bool, error) {
	positions, err := b.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	book, err := b.book.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	held := make(map[string]bool, len(positions)+len(book))
	for _, p := range positions {
		held[strings.ToUpper(p.Symbol)] = true
	}
	for symbol := range book {
		held[symbol] = true
	}
	return held, nil
}

func (b *Buyer) reject(sig mailbox.Signal, reason string) {
	metrics.IncRejection(serviceName, reasonLabel(reason))
	b.audit.Append(engine.Decision{
		Timestamp:    b.now(),
		Service:      serviceName,
		Symbol:       sig.Symbol,
		Side:         string(broker.Buy),
		Score:        sig.Score,
		SignalPrice:  sig.Price,
		Result:       "rejected",
		RejectReason: reason,
	})
}

// reasonLabel drops the measured value from reasons like "spread_2.5%".
func reasonLabel(reason string) string {
	for _, prefix := range []string{"spread_", "slippage_"} {
		if strings.HasPrefix(reason, prefix) {
			return strings.TrimSuffix(prefix, "_")
		}
	}
	return reason
}
