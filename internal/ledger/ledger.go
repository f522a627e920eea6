package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"momobot/internal/broker"
	"momobot/internal/state"
)

const Document = "positions.json"

// PlaceholderScore marks positions the bot did not open itself.
const PlaceholderScore = 100

// Position is the locally tracked record of an open position.
type Position struct {
	EntryPrice     float64   `json:"entry_price"`
	Quantity       int       `json:"quantity"`
	EntryTime      time.Time `json:"entry_time"`
	StopLoss       float64   `json:"stop_loss"`
	SignalScore    int       `json:"signal_score"`
	SignalPrice    float64   `json:"signal_price,omitempty"`
	SlippagePct    float64   `json:"slippage_pct,omitempty"`
	VWAP           float64   `json:"vwap,omitempty"`
	RSI            float64   `json:"rsi,omitempty"`
	BreakoutPct    float64   `json:"breakout_pct,omitempty"`
	RelativeVolume float64   `json:"relative_volume,omitempty"`
	HighWaterMark  float64   `json:"high_water_mark,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
}

// Validate checks the invariants of a newly opened position.
func (p Position) Validate() error {
	if p.EntryPrice <= 0 {
		return fmt.Errorf("entry_price must be > 0")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if p.StopLoss >= p.EntryPrice {
		return fmt.Errorf("stop_loss must be below entry_price")
	}
	return nil
}

func (p Position) ProfitPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

type Book map[string]Position

// Symbols returns the held symbols in sorted order.
func (b Book) Symbols() []string {
	out := make([]string, 0, len(b))
	for s := range b {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Diff summarizes what a reconciliation changed.
type Diff struct {
	Added     []string
	Removed   []string
	Refreshed []string
}

func (d Diff) Changed() bool {
	return len(d.Added)+len(d.Removed)+len(d.Refreshed) > 0
}

type Ledger struct {
	repo        state.Repository
	stopLossPct float64
	now         func() time.Time
}

func New(repo state.Repository, stopLossPct float64, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: repo, stopLossPct: stopLossPct, now: now}
}

// DefaultStop is the initial stop for an entry price.
func (l *Ledger) DefaultStop(entry float64) float64 {
	return entry * (1 - l.stopLossPct)
}

// Reconcile makes the local book agree with the broker on which positions
// exist. The broker wins on existence and quantity; the local record wins on
// entry metadata.
func (l *Ledger) Reconcile(ctx context.Context, live []broker.Position) (Diff, error) {
	var diff Diff
	now := l.now()
	err := state.Update(ctx, l.repo, Document, func(book *Book) error {
		if *book == nil {
			*book = Book{}
		}
		seen := make(map[string]bool, len(live))
		for _, bp := range live {
			symbol := normalize(bp.Symbol)
			if bp.Qty <= 0 {
				continue
			}
			seen[symbol] = true
			local, ok := (*book)[symbol]
			if !ok {
				slog.Warn("found in broker not in file", "symbol", symbol, "qty", bp.Qty, "avg_entry", bp.AvgEntry)
				(*book)[symbol] = Position{
					EntryPrice:  bp.AvgEntry,
					Quantity:    bp.Qty,
					EntryTime:   now,
					StopLoss:    l.DefaultStop(bp.AvgEntry),
					SignalScore: PlaceholderScore,
				}
				diff.Added = append(diff.Added, symbol)
				continue
			}
			changed := false
			if local.Quantity != bp.Qty {
				local.Quantity = bp.Qty
				changed = true
			}
			if local.EntryPrice <= 0 && bp.AvgEntry > 0 {
				local.EntryPrice = bp.AvgEntry
				changed = true
			}
			if local.StopLoss <= 0 && local.EntryPrice > 0 {
				local.StopLoss = l.DefaultStop(local.EntryPrice)
				changed = true
			}
			if changed {
				(*book)[symbol] = local
				diff.Refreshed = append(diff.Refreshed, symbol)
			}
		}
		for symbol := range *book {
			if !seen[symbol] {
				slog.Warn("removing stale position not held at broker", "symbol", symbol)
				delete(*book, symbol)
				diff.Removed = append(diff.Removed, symbol)
			}
		}
		if !diff.Changed() {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return Diff{}, err
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Refreshed)
	if diff.Changed() {
		slog.Info("positions reconciled", "added", diff.Added, "removed", diff.Removed, "refreshed", diff.Refreshed)
	}
	return diff, nil
}

func (l *Ledger) Add(ctx context.Context, symbol string, pos Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("add position %s: %w", symbol, err)
	}
	symbol = normalize(symbol)
	return state.Update(ctx, l.repo, Document, func(book *Book) error {
		if *book == nil {
			*book = Book{}
		}
		(*book)[symbol] = pos
		return nil
	})
}

// Get returns the position for symbol and whether it exists.
func (l *Ledger) Get(ctx context.Context, symbol string) (Position, bool, error) {
	book, err := l.All(ctx)
	if err != nil {
		return Position{}, false, err
	}
	pos, ok := book[normalize(symbol)]
	return pos, ok, nil
}

// Remove deletes symbol and reports whether it was present.
func (l *Ledger) Remove(ctx context.Context, symbol string) (bool, error) {
	symbol = normalize(symbol)
	removed := false
	err := state.Update(ctx, l.repo, Document, func(book *Book) error {
		if _, ok := (*book)[symbol]; !ok {
			return state.ErrNoChange
		}
		delete(*book, symbol)
		removed = true
		return nil
	})
	return removed, err
}

func (l *Ledger) All(ctx context.Context) (Book, error) {
	book, err := state.View[Book](ctx, l.repo, Document)
	if err != nil {
		return nil, err
	}
	if book == nil {
		book = Book{}
	}
	return book, nil
}

// Apply runs fn over the whole book in one read-modify-write. fn returns
// state.ErrNoChange to skip the write.
func (l *Ledger) Apply(ctx context.Context, fn func(Book) error) error {
	return state.Update(ctx, l.repo, Document, func(book *Book) error {
		if *book == nil {
			*book = Book{}
		}
		return fn(*book)
	})
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
