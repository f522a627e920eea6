package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/engine"
	"momobot/internal/indicators"
	"momobot/internal/mailbox"
	"momobot/internal/md"
	"momobot/internal/metrics"
	"momobot/internal/scoring"
	"momobot/internal/universe"
)

const serviceName = "scanner"

// MaxUniverse caps the symbols scanned per cycle.
const MaxUniverse = 25

// BarSource serves historical bars.
type BarSource interface {
	Bars(ctx context.Context, req broker.BarsRequest) ([]md.Bar, error)
}

// Universe is the symbol list for one cycle plus the watchlist backing it,
// if any.
type Universe struct {
	Symbols   []string
	Watchlist mailbox.Watchlist
	Source    string
}

type Scanner struct {
	cfg     config.Config
	bars    BarSource
	mail    *mailbox.Mailbox
	scorer  scoring.Scorer
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg config.Config, bars BarSource, mail *mailbox.Mailbox, now func() time.Time) *Scanner {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.APIRequestSpacing > 0 {
		limit = rate.Every(cfg.APIRequestSpacing)
	}
	return &Scanner{
		cfg:     cfg,
		bars:    bars,
		mail:    mail,
		scorer:  scoring.New(cfg.Scoring()),
		limiter: rate.NewLimiter(limit, 1),
		log:     slog.Default().With("service", serviceName),
		now:     now,
	}
}

// LoadUniverse prefers today's watchlist, then the newest universe file,
// then universe.Default.
func (s *Scanner) LoadUniverse(ctx context.Context) Universe {
	wl, ok, err := s.mail.LoadWatchlist(ctx, s.cfg.Location())
	if err != nil {
		s.log.Error("load watchlist failed", "error", err)
	}
	if ok {
		s.log.Info("loaded daily watchlist", "symbols", len(wl.Watchlist))
		return Universe{Symbols: wl.Symbols(), Watchlist: wl, Source: "watchlist"}
	}

	syms, source, err := universe.Load(MaxUniverse, s.cfg.UniverseGlob)
	if err != nil {
		s.log.Error("read universe file failed", "error", err)
	}
	if source == "default" {
		s.log.Warn("no daily watchlist, using default universe")
	} else {
		s.log.Warn("no daily watchlist, using universe file", "path", source, "symbols", len(syms))
	}
	return Universe{Symbols: syms, Source: source}
}

// ScanSymbol scores one symbol. ok is false when the symbol does not
// produce a signal.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol string, wl mailbox.Watchlist) (mailbox.Signal, bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return mailbox.Signal{}, false, err
	}
	bars, err := s.bars.Bars(ctx, broker.BarsRequest{
		Symbol:    symbol,
		TimeFrame: s.cfg.PrimaryTimeframe,
		Limit:     s.cfg.PrimaryBars,
	})
	if err != nil {
		return mailbox.Signal{}, false, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if len(bars) < s.cfg.MinBars {
		s.log.Debug("insufficient bar data", "symbol", symbol, "bars", len(bars))
		return mailbox.Signal{}, false, nil
	}

	last := bars[len(bars)-1]
	price := last.Close
	in := scoring.Inputs{
		Price:          price,
		VWAP:           indicators.LastVWAP(bars, price),
		RSI:            indicators.LastRSI(md.Closes(bars), s.cfg.RSIPeriod),
		RelativeVolume: indicators.RelativeVolume(last.Volume, bars, s.cfg.VolumeLookback),
	}
	entry, listed := wl.Lookup(symbol)
	if listed {
		gap := entry.GapPct
		in.GapPct = &gap
	}
	in.BreakoutPct, in.BreakoutRef = scoring.ResolveBreakout(price, entry.PremarketHigh, entry.PriorClose, bars)

	res := s.scorer.Score(in)
	if !res.Accepted() {
		s.log.Debug("rejected", "symbol", symbol, "reason", res.Rejection)
		metrics.IncRejection(serviceName, res.Gate)
		return mailbox.Signal{}, false, nil
	}
	if res.Score < s.cfg.MinEntryScore {
		s.log.Debug("score below minimum", "symbol", symbol, "score", res.Score, "min", s.cfg.MinEntryScore)
		metrics.IncRejection(serviceName, "min_score")
		return mailbox.Signal{}, false, nil
	}

	res.Metrics.Velocity = indicators.Velocity(bars, s.cfg.VelocityPeriod)
	res.Metrics.Acceleration = indicators.Acceleration(bars, s.cfg.VelocityPeriod)

	s.log.Info("signal",
		"symbol", symbol,
		"price", price,
		"score", res.Score,
		"rsi", in.RSI,
		"breakout_pct", in.BreakoutPct,
		"breakout_ref", in.BreakoutRef,
		"relative_volume", in.RelativeVolume)

	return mailbox.Signal{
		Symbol:    symbol,
		Timestamp: s.now(),
		Price:     price,
		Score:     res.Score,
		Metrics:   res.Metrics,
	}, true, nil
}

// Cycle scans the universe, publishes the result and raises the hot signal
// for the best candidate at or above the hot threshold.
func (s *Scanner) Cycle(ctx context.Context) error {
	u := s.LoadUniverse(ctx)
	s.log.Info("scanning", "symbols", len(u.Symbols), "source", u.Source)

	var signals []mailbox.Signal
	for _, symbol := range u.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = engine.Guard(s.log, symbol, func() error {
			sig, ok, err := s.ScanSymbol(ctx, symbol, u.Watchlist)
			if err != nil {
				return err
			}
			if ok {
				signals = append(signals, sig)
			}
			return nil
		})
	}

	if err := s.mail.PublishSignals(ctx, signals); err != nil {
		return fmt.Errorf("publish signals: %w", err)
	}
	metrics.AddSignals(serviceName, len(signals))
	s.log.Info("scan complete", "signals", len(signals))

	if hot, ok := bestHot(signals, s.cfg.HotSignalScore); ok {
		if err := s.mail.NotifyHot(ctx, hot); err != nil {
			return fmt.Errorf("notify hot signal: %w", err)
		}
		s.log.Info("hot signal", "symbol", hot.Symbol, "score", hot.Score)
	}
	return nil
}

// bestHot returns the highest scoring signal at or above threshold.
func bestHot(signals []mailbox.Signal, threshold int) (mailbox.Signal, bool) {
	var (
		best  mailbox.Signal
		found bool
	)
	for _, sig := range signals {
		if sig.Score >= threshold && (!found || sig.Score > best.Score) {
			best, found = sig, true
		}
	}
	return best, found
}
