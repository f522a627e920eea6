// Package mailbox holds the documents the services pass to each other:
// scanner signals, the hot-signal slot, sell signals and the daily watchlist.
// Every access is a single locked transaction on the shared store.
package mailbox

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"momobot/internal/scoring"
	"momobot/internal/state"
)

const (
	SignalsDocument     = "signals.json"
	HotSignalDocument   = "hot_signal.json"
	SellSignalsDocument = "sell_signals.json"
	WatchlistDocument   = "daily_watchlist.json"

	ScanVersion = "2.1"
	DateLayout  = "2006-01-02"
)

type Signal struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     float64         `json:"price"`
	Score     int             `json:"score"`
	Metrics   scoring.Metrics `json:"metrics"`
}

type SignalsDoc struct {
	Timestamp   time.Time `json:"timestamp"`
	ScanVersion string    `json:"scan_version"`
	Signals     []Signal  `json:"signals"`
}

type SellSignal struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Quantity   int       `json:"quantity"`
	Reason     string    `json:"reason"`
	EntryPrice float64   `json:"entry_price"`
	ProfitPct  float64   `json:"profit_pct"`
}

type SellSignalsDoc struct {
	Timestamp time.Time    `json:"timestamp"`
	Signals   []SellSignal `json:"signals"`
}

type HotSignalDoc struct {
	Signal    *Signal   `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}

type Mailbox struct {
	repo state.Repository
	now  func() time.Time
}

func New(repo state.Repository, now func() time.Time) *Mailbox {
	if now == nil {
		now = time.Now
	}
	return &Mailbox{repo: repo, now: now}
}

// PublishSignals replaces the signal list, ordered by score descending.
func (m *Mailbox) PublishSignals(ctx context.Context, signals []Signal) error {
	sorted := make([]Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	return state.Update(ctx, m.repo, SignalsDocument, func(doc *SignalsDoc) error {
		*doc = SignalsDoc{
			Timestamp:   m.now(),
			ScanVersion: ScanVersion,
			Signals:     sorted,
		}
		return nil
	})
}

// FreshSignals returns signals no older than maxAge. Staleness is judged
// here, at read time; old entries are left in place.
func (m *Mailbox) FreshSignals(ctx context.Context, maxAge time.Duration) ([]Signal, error) {
	doc, err := state.View[SignalsDoc](ctx, m.repo, SignalsDocument)
	if err != nil {
		return nil, err
	}
	now := m.now()
	fresh := make([]Signal, 0, len(doc.Signals))
	for _, s := range doc.Signals {
		if isFresh(now, s.Timestamp, maxAge) {
			fresh = append(fresh, s)
		}
	}
	return fresh, nil
}

// NotifyHot fills the hot-signal slot, replacing whatever was there.
func (m *Mailbox) NotifyHot(ctx context.Context, sig Signal) error {
	err := state.Update(ctx, m.repo, HotSignalDocument, func(doc *HotSignalDoc) error {
		s := sig
		*doc = HotSignalDoc{Signal: &s, Timestamp: m.now(), Processed: false}
		return nil
	})
	if err == nil {
		slog.Info("hot signal posted", "symbol", sig.Symbol, "score", sig.Score)
	}
	return err
}

// CheckHot returns the pending hot signal, or nil when the slot is empty,
// processed or older than maxAge.
func (m *Mailbox) CheckHot(ctx context.Context, maxAge time.Duration) (*Signal, error) {
	doc, err := state.View[HotSignalDoc](ctx, m.repo, HotSignalDocument)
	if err != nil {
		return nil, err
	}
	if doc.Processed || doc.Signal == nil {
		return nil, nil
	}
	if !isFresh(m.now(), doc.Timestamp, maxAge) {
		return nil, nil
	}
	return doc.Signal, nil
}

func (m *Mailbox) MarkHotProcessed(ctx context.Context) error {
	return state.Update(ctx, m.repo, HotSignalDocument, func(doc *HotSignalDoc) error {
		doc.Signal = nil
		doc.Processed = true
		return nil
	})
}

// PostSellSignals merges sells into the outstanding list, one per symbol,
// newer entries replacing older ones.
func (m *Mailbox) PostSellSignals(ctx context.Context, sells []SellSignal) error {
	if len(sells) == 0 {
		return nil
	}
	return state.Update(ctx, m.repo, SellSignalsDocument, func(doc *SellSignalsDoc) error {
		index := make(map[string]int, len(doc.Signals))
		for i, s := range doc.Signals {
			index[s.Symbol] = i
		}
		for _, s := range sells {
			if i, ok := index[s.Symbol]; ok {
				doc.Signals[i] = s
				continue
			}
			index[s.Symbol] = len(doc.Signals)
			doc.Signals = append(doc.Signals, s)
		}
		doc.Timestamp = m.now()
		return nil
	})
}

// TakeSellSignals empties the outstanding list and returns the entries no
// older than maxAge, all in one locked transaction.
func (m *Mailbox) TakeSellSignals(ctx context.Context, maxAge time.Duration) ([]SellSignal, error) {
	var taken []SellSignal
	now := m.now()
	err := state.Update(ctx, m.repo, SellSignalsDocument, func(doc *SellSignalsDoc) error {
		if len(doc.Signals) == 0 {
			return state.ErrNoChange
		}
		for _, s := range doc.Signals {
			if isFresh(now, s.Timestamp, maxAge) {
				taken = append(taken, s)
				continue
			}
			slog.Info("dropping stale sell signal", "symbol", s.Symbol, "age", now.Sub(s.Timestamp).Round(time.Second))
		}
		*doc = SellSignalsDoc{Timestamp: now, Signals: []SellSignal{}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func isFresh(now, ts time.Time, maxAge time.Duration) bool {
	return !ts.IsZero() && now.Sub(ts) <= maxAge
}
