package cooldown

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"momobot/internal/state"
)

const Document = "cooldowns.json"

// Tracker suppresses re-entry into a symbol for a while after it was sold.
// The document is re-read on every call so cooldowns written by another
// process are seen on the next check.
type Tracker struct {
	repo     state.Repository
	duration time.Duration
	now      func() time.Time
}

func New(repo state.Repository, duration time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{repo: repo, duration: duration, now: now}
}

// IsInCooldown reports whether symbol is still cooling down. Expired
// entries are removed as a side effect.
func (t *Tracker) IsInCooldown(ctx context.Context, symbol string) (bool, error) {
	_, ok, err := t.Until(ctx, symbol)
	return ok, err
}

// Until returns the expiry of symbol's cooldown, or false when none is active.
func (t *Tracker) Until(ctx context.Context, symbol string) (time.Time, bool, error) {
	active, err := t.Active(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	until, ok := active[normalize(symbol)]
	return until, ok, nil
}

// Active returns every unexpired cooldown, pruning expired ones.
func (t *Tracker) Active(ctx context.Context) (map[string]time.Time, error) {
	now := t.now()
	active := map[string]time.Time{}
	err := state.Update(ctx, t.repo, Document, func(doc *map[string]string) error {
		if *doc == nil {
			*doc = map[string]string{}
		}
		changed := false
		for symbol, raw := range *doc {
			until, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				slog.Warn("dropping unparseable cooldown", "symbol", symbol, "value", raw, "error", err)
				delete(*doc, symbol)
				changed = true
				continue
			}
			if !now.Before(until) {
				slog.Info("cooldown expired", "symbol", symbol)
				delete(*doc, symbol)
				changed = true
				continue
			}
			active[symbol] = until
		}
		if !changed {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// Add starts a cooldown for symbol. A non-positive d uses the configured default.
func (t *Tracker) Add(ctx context.Context, symbol string, d time.Duration) error {
	if d <= 0 {
		d = t.duration
	}
	until := t.now().Add(d)
	symbol = normalize(symbol)
	err := state.Update(ctx, t.repo, Document, func(doc *map[string]string) error {
		if *doc == nil {
			*doc = map[string]string{}
		}
		(*doc)[symbol] = until.UTC().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("cooldown added", "symbol", symbol, "until", until.Format(time.Kitchen))
	return nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
