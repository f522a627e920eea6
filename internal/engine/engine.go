package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"momobot/internal/broker"
)

// MarketClock reports whether the market is open.
type MarketClock interface {
	Clock(ctx context.Context) (broker.Clock, error)
}

// Loop runs one service cycle repeatedly. A nil Clock runs regardless of
// market hours.
type Loop struct {
	Name        string
	Interval    time.Duration
	Clock       MarketClock
	ClosedSleep time.Duration
	ErrorSleep  time.Duration
	Logger      *slog.Logger
}

// ErrMarketClosed is returned by a run-once loop when the market is closed.
var ErrMarketClosed = errors.New("market closed")

// Run calls cycle until ctx is done. With once set it runs a single cycle
// and returns its error. Cycle errors and panics are logged and followed by
// ErrorSleep; they never end the loop.
func (l Loop) Run(ctx context.Context, once bool, cycle func(ctx context.Context) error) error {
	log := l.logger()
	log.Info("service starting", "interval", l.Interval, "once", once)
	defer log.Info("service stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		open, err := l.marketOpen(ctx)
		if err != nil {
			log.Error("market clock failed", "error", err)
			if once {
				return err
			}
			if l.sleep(ctx, l.ErrorSleep) {
				return nil
			}
			continue
		}
		if !open {
			if once {
				return ErrMarketClosed
			}
			log.Info("market closed, sleeping", "sleep", l.ClosedSleep)
			if l.sleep(ctx, l.ClosedSleep) {
				return nil
			}
			continue
		}

		err = l.safeCycle(ctx, cycle)
		if once {
			return err
		}
		delay := l.Interval
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("cycle failed", "error", err, "sleep", l.ErrorSleep)
			delay = l.ErrorSleep
		}
		if l.sleep(ctx, delay) {
			return nil
		}
	}
}

func (l Loop) marketOpen(ctx context.Context) (bool, error) {
	if l.Clock == nil {
		return true, nil
	}
	clock, err := l.Clock.Clock(ctx)
	if err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

func (l Loop) safeCycle(ctx context.Context, cycle func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger().Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cycle(ctx)
}

// sleep reports whether ctx ended during the wait.
func (l Loop) sleep(ctx context.Context, d time.Duration) bool {
	return broker.WaitForContext(ctx, d) != nil
}

func (l Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With("service", l.Name)
}

// Guard runs step for one item of a cycle, turning a panic into an error so
// the remaining items still run.
func Guard(log *slog.Logger, symbol string, step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			log.Error("symbol step failed", "symbol", symbol, "error", err)
		}
	}()
	return step()
}
