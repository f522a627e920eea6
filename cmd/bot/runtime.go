package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"momobot/internal/broker"
	"momobot/internal/config"
	"momobot/internal/cooldown"
	"momobot/internal/engine"
	"momobot/internal/execution"
	"momobot/internal/journal"
	"momobot/internal/ledger"
	"momobot/internal/mailbox"
	"momobot/internal/metrics"
	"momobot/internal/state"
)

// runtime holds what every service shares for one process.
type runtime struct {
	cfg       config.Config
	log       *slog.Logger
	broker    *broker.Client
	store     *state.FileStore
	mail      *mailbox.Mailbox
	book      *ledger.Ledger
	cooldowns *cooldown.Tracker
	decisions *engine.DecisionLogger

	closers []func()
}

func newRuntime(cmd *cobra.Command, service string) (*runtime, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	rt := &runtime{cfg: cfg}

	logFile, err := setupLogging(cfg, service)
	if err != nil {
		return nil, err
	}
	if logFile != nil {
		rt.closers = append(rt.closers, func() { _ = logFile.Close() })
	}
	rt.log = slog.Default().With("service", service)

	if err := cfg.RequireCredentials(); err != nil {
		rt.close()
		return nil, err
	}
	rt.broker = broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.Feed)

	rt.store, err = state.NewFileStore(cfg.StateDir,
		state.WithLockTimeout(cfg.LockTimeout),
		state.WithTimeoutHook(func(string) { metrics.IncLockTimeout() }),
	)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("state store: %w", err)
	}
	rt.mail = mailbox.New(rt.store, time.Now)
	rt.book = ledger.New(rt.store, cfg.StopLossPct, time.Now)
	rt.cooldowns = cooldown.New(rt.store, cfg.Cooldown, time.Now)

	rt.decisions, err = engine.NewDecisionLogger(cfg.DecisionsPath, engine.NewRunID())
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("decision logger: %w", err)
	}
	rt.closers = append(rt.closers, func() {
		if err := rt.decisions.Close(); err != nil {
			rt.log.Error("failed to close decision logger", "error", err)
		}
	})

	rt.log.Info("starting",
		"run_id", rt.decisions.RunID(),
		"base_url", cfg.BaseURL,
		"feed", cfg.Feed,
		"state_dir", cfg.StateDir,
	)
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// context returns a context cancelled on SIGINT or SIGTERM, and starts the
// metrics endpoint when one is configured.
func (rt *runtime) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := metrics.Serve(ctx, rt.cfg.MetricsAddr); err != nil {
			rt.log.Error("metrics server stopped", "error", err)
		}
	}()
	return ctx, stop
}

func (rt *runtime) executor() *execution.Executor {
	return execution.New(rt.broker, rt.cfg.OrderPoll, rt.cfg.OrderTimeout)
}

// journal records to trades.json and, when a database is configured, to
// Postgres as well.
func (rt *runtime) journal(ctx context.Context) journal.Journal {
	trades := journal.Multi{journal.NewFile(rt.store)}
	if rt.cfg.DatabaseURL == "" {
		return trades
	}
	pg, err := journal.OpenPostgres(ctx, rt.cfg.DatabaseURL)
	if err != nil {
		rt.log.Error("postgres journal unavailable, using file only", "error", err)
		return trades
	}
	rt.closers = append(rt.closers, pg.Close)
	return append(trades, pg)
}

func (rt *runtime) loop(name string, interval time.Duration) engine.Loop {
	return engine.Loop{
		Name:        name,
		Interval:    interval,
		Clock:       rt.broker,
		ClosedSleep: rt.cfg.MarketClosedSleep,
		ErrorSleep:  rt.cfg.ErrorSleep,
		Logger:      rt.log,
	}
}

// setupLogging installs a text handler writing to stderr and, when LogDir is
// set, to <LogDir>/<service>.log.
func setupLogging(cfg config.Config, service string) (*os.File, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	var (
		out  io.Writer = os.Stderr
		file *os.File
	)
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return file, nil
}
