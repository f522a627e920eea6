package journal

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"momobot/internal/ledger"
	"momobot/internal/state"
)

const Document = "trades.json"

// Trade is one closed round trip.
type Trade struct {
	Symbol        string    `json:"symbol"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Quantity      int       `json:"quantity"`
	PnLPct        float64   `json:"pnl_pct"`
	PnLDollar     float64   `json:"pnl_dollar"`
	HoldTimeHours float64   `json:"hold_time_hours"`
	SignalScore   int       `json:"signal_score"`
	ExitReason    string    `json:"exit_reason"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// NewTrade computes P&L and hold time for a position closed at exitPrice.
func NewTrade(symbol string, pos ledger.Position, exitPrice float64, qty int, exitTime time.Time, reason string) Trade {
	t := Trade{
		Symbol:      symbol,
		EntryTime:   pos.EntryTime,
		ExitTime:    exitTime,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    qty,
		SignalScore: pos.SignalScore,
		ExitReason:  reason,
	}
	if pos.EntryPrice > 0 {
		t.PnLPct = (exitPrice - pos.EntryPrice) / pos.EntryPrice
	}
	t.PnLDollar = round2((exitPrice - pos.EntryPrice) * float64(qty))
	if !pos.EntryTime.IsZero() {
		t.HoldTimeHours = exitTime.Sub(pos.EntryTime).Hours()
	}
	return t
}

type Journal interface {
	Record(ctx context.Context, t Trade) error
}

// File appends trades to the shared trades.json array.
type File struct {
	repo state.Repository
}

func NewFile(repo state.Repository) *File {
	return &File{repo: repo}
}

func (f *File) Record(ctx context.Context, t Trade) error {
	return state.Update(ctx, f.repo, Document, func(trades *[]Trade) error {
		*trades = append(*trades, t)
		return nil
	})
}

// All returns every recorded trade, oldest first.
func (f *File) All(ctx context.Context) ([]Trade, error) {
	return state.View[[]Trade](ctx, f.repo, Document)
}

// Multi records to every journal and joins their errors.
type Multi []Journal

func (m Multi) Record(ctx context.Context, t Trade) error {
	var errs []error
	for _, j := range m {
		if err := j.Record(ctx, t); err != nil {
			slog.Error("journal record failed", "symbol", t.Symbol, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
