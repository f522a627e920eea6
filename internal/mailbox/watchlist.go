package mailbox

import (
	"context"
	"strings"
	"time"

	"momobot/internal/state"
)

type WatchlistEntry struct {
	Symbol          string  `json:"symbol"`
	Rank            int     `json:"rank"`
	PriorClose      float64 `json:"prior_close"`
	PremarketPrice  float64 `json:"premarket_price,omitempty"`
	PremarketHigh   float64 `json:"premarket_high"`
	PremarketVolume float64 `json:"premarket_volume"`
	GapPct          float64 `json:"gap_pct"`
	RelativeVolume  float64 `json:"relative_volume"`
	Score           float64 `json:"score"`
}

type SelectionCriteria struct {
	MinGapPct          float64 `json:"min_gap_pct"`
	MinPremarketVolume float64 `json:"min_premarket_volume"`
	MinRelativeVolume  float64 `json:"min_relative_volume"`
	MinPrice           float64 `json:"min_price"`
	MaxPrice           float64 `json:"max_price"`
}

type Watchlist struct {
	Date              string            `json:"date"`
	GeneratedAt       time.Time         `json:"generated_at"`
	WatchlistSize     int               `json:"watchlist_size"`
	SelectionCriteria SelectionCriteria `json:"selection_criteria"`
	Watchlist         []WatchlistEntry  `json:"watchlist"`
}

// Lookup returns the entry for symbol.
func (w Watchlist) Lookup(symbol string) (WatchlistEntry, bool) {
	for _, e := range w.Watchlist {
		if strings.EqualFold(e.Symbol, symbol) {
			return e, true
		}
	}
	return WatchlistEntry{}, false
}

func (w Watchlist) Symbols() []string {
	out := make([]string, 0, len(w.Watchlist))
	for _, e := range w.Watchlist {
		out = append(out, e.Symbol)
	}
	return out
}

// LoadWatchlist returns the watchlist only when it was generated for today
// (in loc).
func (m *Mailbox) LoadWatchlist(ctx context.Context, loc *time.Location) (Watchlist, bool, error) {
	wl, err := state.View[Watchlist](ctx, m.repo, WatchlistDocument)
	if err != nil {
		return Watchlist{}, false, err
	}
	if wl.Date == "" || wl.Date != m.now().In(loc).Format(DateLayout) || len(wl.Watchlist) == 0 {
		return Watchlist{}, false, nil
	}
	return wl, true, nil
}

func (m *Mailbox) SaveWatchlist(ctx context.Context, wl Watchlist) error {
	wl.WatchlistSize = len(wl.Watchlist)
	return state.Update(ctx, m.repo, WatchlistDocument, func(doc *Watchlist) error {
		*doc = wl
		return nil
	})
}
