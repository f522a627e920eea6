// Package premarket builds the daily watchlist from pre-market gappers.
package premarket

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/engine"
	"momobot/internal/mailbox"
	"momobot/internal/md"
	"momobot/internal/metrics"
	"momobot/internal/universe"
)

const serviceName = "premarket"

const (
	// sessionRatio scales pre-market volume to a full-session equivalent:
	// 6.5 regular hours over the 5.5 pre-market hours from 04:00 to 09:30.
	sessionRatio   = 6.5 / 5.5
	avgVolumeDays  = 20
	premarketBars  = 500
	premarketStart = 4 // hour, exchange time
)

type Broker interface {
	Bars(ctx context.Context, req broker.BarsRequest) ([]md.Bar, error)
	LatestQuote(ctx context.Context, symbol string) (md.Quote, error)
}

type Builder struct {
	cfg     config.Config
	broker  Broker
	mail    *mailbox.Mailbox
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg config.Config, br Broker, mail *mailbox.Mailbox, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.APIRequestSpacing > 0 {
		limit = rate.Every(cfg.APIRequestSpacing)
	}
	return &Builder{
		cfg:     cfg,
		broker:  br,
		mail:    mail,
		limiter: rate.NewLimiter(limit, 1),
		log:     slog.Default().With("service", serviceName),
		now:     now,
	}
}

func (b *Builder) criteria() mailbox.SelectionCriteria {
	return mailbox.SelectionCriteria{
		MinGapPct:          b.cfg.PremarketMinGap,
		MinPremarketVolume: b.cfg.PremarketMinVolume,
		MinRelativeVolume:  b.cfg.PremarketMinRelVolume,
		MinPrice:           b.cfg.PremarketMinPrice,
		MaxPrice:           b.cfg.PremarketMaxPrice,
	}
}

// Run builds and saves today's watchlist. Unless force is set, an existing
// watchlist for today is returned untouched.
func (b *Builder) Run(ctx context.Context, force bool) (mailbox.Watchlist, error) {
	if !force {
		wl, ok, err := b.mail.LoadWatchlist(ctx, b.cfg.Location())
		if err != nil {
			return mailbox.Watchlist{}, err
		}
		if ok {
			b.log.Info("watchlist already built today", "date", wl.Date, "symbols", len(wl.Watchlist))
			return wl, nil
		}
	}

	symbols, source, err := universe.Load(0, b.cfg.UniverseGlob)
	if err != nil {
		b.log.Error("read universe file failed", "error", err)
	}
	b.log.Info("scanning pre-market", "universe", source, "symbols", len(symbols))

	var candidates []mailbox.WatchlistEntry
	for _, sym := range symbols {
		if ctx.Err() != nil {
			return mailbox.Watchlist{}, ctx.Err()
		}
		_ = engine.Guard(b.log, sym, func() error {
			entry, ok, err := b.ScanSymbol(ctx, sym)
			if err != nil {
				return err
			}
			if ok {
				candidates = append(candidates, entry)
			}
			return nil
		})
	}
	metrics.AddSignals(serviceName, len(candidates))

	now := b.now()
	wl := mailbox.Watchlist{
		Date:              now.In(b.cfg.Location()).Format(mailbox.DateLayout),
		GeneratedAt:       now.UTC(),
		SelectionCriteria: b.criteria(),
		Watchlist:         Rank(candidates, b.cfg.WatchlistSize),
	}
	if err := b.mail.SaveWatchlist(ctx, wl); err != nil {
		return mailbox.Watchlist{}, fmt.Errorf("save watchlist: %w", err)
	}
	wl.WatchlistSize = len(wl.Watchlist)
	b.log.Info("watchlist saved", "candidates", len(candidates), "kept", wl.WatchlistSize)
	return wl, nil
}

// ScanSymbol measures one symbol's pre-market gap and volume. ok is false
// when the symbol misses a filter.
func (b *Builder) ScanSymbol(ctx context.Context, symbol string) (mailbox.WatchlistEntry, bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return mailbox.WatchlistEntry{}, false, err
	}
	daily, err := b.broker.Bars(ctx, broker.BarsRequest{Symbol: symbol, TimeFrame: broker.OneDay, Limit: avgVolumeDays})
	if err != nil {
		return mailbox.WatchlistEntry{}, false, fmt.Errorf("daily bars %s: %w", symbol, err)
	}
	if len(daily) == 0 {
		return mailbox.WatchlistEntry{}, false, nil
	}
	priorClose := daily[len(daily)-1].Close
	if priorClose <= 0 {
		return mailbox.WatchlistEntry{}, false, nil
	}

	q, err := b.broker.LatestQuote(ctx, symbol)
	if err != nil {
		return mailbox.WatchlistEntry{}, false, fmt.Errorf("quote %s: %w", symbol, err)
	}
	price := quotePrice(q)
	if price <= 0 {
		return mailbox.WatchlistEntry{}, false, nil
	}

	if price < b.cfg.PremarketMinPrice || price > b.cfg.PremarketMaxPrice {
		metrics.IncRejection(serviceName, "price")
		return mailbox.WatchlistEntry{}, false, nil
	}
	gap := (price - priorClose) / priorClose
	if gap < b.cfg.PremarketMinGap {
		metrics.IncRejection(serviceName, "gap")
		return mailbox.WatchlistEntry{}, false, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return mailbox.WatchlistEntry{}, false, err
	}
	pm, err := b.broker.Bars(ctx, broker.BarsRequest{
		Symbol:    symbol,
		TimeFrame: broker.OneMin,
		Limit:     premarketBars,
		Start:     sessionOpen(b.now(), b.cfg.Location()),
	})
	if err != nil {
		return mailbox.WatchlistEntry{}, false, fmt.Errorf("pre-market bars %s: %w", symbol, err)
	}
	volume, high := premarketStats(pm, price)
	if volume < b.cfg.PremarketMinVolume {
		metrics.IncRejection(serviceName, "volume")
		return mailbox.WatchlistEntry{}, false, nil
	}

	relvol := RelativeVolume(volume, averageVolume(daily))
	if relvol < b.cfg.PremarketMinRelVolume {
		metrics.IncRejection(serviceName, "relative_volume")
		return mailbox.WatchlistEntry{}, false, nil
	}

	entry := mailbox.WatchlistEntry{
		Symbol:          symbol,
		PriorClose:      priorClose,
		PremarketPrice:  price,
		PremarketHigh:   high,
		PremarketVolume: volume,
		GapPct:          gap,
		RelativeVolume:  relvol,
		Score:           gap * relvol * 100,
	}
	b.log.Info("candidate",
		"symbol", symbol,
		"gap", gap,
		"pm_volume", volume,
		"relvol", relvol,
		"score", entry.Score,
	)
	return entry, true, nil
}

// Rank sorts candidates by score, keeps the top n and numbers them from 1.
func Rank(candidates []mailbox.WatchlistEntry, n int) []mailbox.WatchlistEntry {
	out := append([]mailbox.WatchlistEntry(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// RelativeVolume projects pre-market volume to a full session and compares
// it with the average daily volume. A zero average yields 1.
func RelativeVolume(pmVolume, avgDaily float64) float64 {
	if avgDaily <= 0 {
		return 1
	}
	return pmVolume * sessionRatio / avgDaily
}

// quotePrice prefers the mid, then whichever side is quoted.
func quotePrice(q md.Quote) float64 {
	if mid := q.Mid(); mid > 0 {
		return mid
	}
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Bid
}

func premarketStats(bars []md.Bar, price float64) (volume, high float64) {
	high = price
	for _, b := range bars {
		volume += b.Volume
		high = max(high, b.High)
	}
	return volume, high
}

func averageVolume(bars []md.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}

// sessionOpen is 04:00 exchange time on now's date.
func sessionOpen(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), premarketStart, 0, 0, 0, loc)
}
