package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"momobot/internal/buyer"
	"momobot/internal/engine"
	"momobot/internal/md"
	"momobot/internal/monitor"
	"momobot/internal/premarket"
	"momobot/internal/scanner"
	"momobot/internal/seller"
)

// realtimeRefresh bounds how long one quote subscription lives before the
// held symbols are re-read.
const realtimeRefresh = time.Minute

func serviceCmd(use, short string, run func(cmd *cobra.Command, rt *runtime, once bool) error) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, use)
			if err != nil {
				return err
			}
			defer rt.close()
			err = run(cmd, rt, once)
			if errors.Is(err, engine.ErrMarketClosed) {
				rt.log.Info("market closed, nothing to do")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func scannerCmd() *cobra.Command {
	return serviceCmd("scanner", "Score the universe and publish buy signals", func(_ *cobra.Command, rt *runtime, once bool) error {
		ctx, stop := rt.context()
		defer stop()

		s := scanner.New(rt.cfg, rt.broker, rt.mail, time.Now)
		return rt.loop("scanner", rt.cfg.ScanInterval).Run(ctx, once, s.Cycle)
	})
}

func buyerCmd() *cobra.Command {
	return serviceCmd("buyer", "Enter positions from fresh buy signals", func(_ *cobra.Command, rt *runtime, once bool) error {
		ctx, stop := rt.context()
		defer stop()

		b := buyer.New(rt.cfg, rt.broker, rt.executor(), rt.book, rt.cooldowns, rt.mail, rt.decisions, time.Now)
		if err := b.Startup(ctx); err != nil {
			rt.log.Error("startup reconcile failed", "error", err)
		}
		// One loop at the hot cadence; Tick runs the full cycle every
		// BuyerInterval.
		return rt.loop("buyer", rt.cfg.HotCheckInterval).Run(ctx, once, b.Tick)
	})
}

func monitorCmd() *cobra.Command {
	return serviceCmd("monitor", "Evaluate exits for held positions", func(_ *cobra.Command, rt *runtime, once bool) error {
		ctx, stop := rt.context()
		defer stop()

		m := monitor.New(rt.cfg, rt.broker, rt.book, rt.mail, time.Now)
		if err := m.Startup(ctx); err != nil {
			rt.log.Error("startup reconcile failed", "error", err)
		}
		if rt.cfg.Realtime && !once {
			stream := func(ctx context.Context, symbols []string, handler md.QuoteHandler) error {
				return md.StreamQuotes(ctx, rt.cfg.APIKey, rt.cfg.APISecret, rt.cfg.Feed, symbols, handler)
			}
			return m.RunRealtime(ctx, stream, realtimeRefresh)
		}
		return rt.loop("monitor", rt.cfg.MonitorInterval).Run(ctx, once, m.Cycle)
	})
}

func sellerCmd() *cobra.Command {
	return serviceCmd("seller", "Execute sell signals and journal trades", func(_ *cobra.Command, rt *runtime, once bool) error {
		ctx, stop := rt.context()
		defer stop()

		s := seller.New(rt.cfg, rt.executor(), rt.book, rt.cooldowns, rt.mail, rt.journal(ctx), rt.decisions, time.Now)
		return rt.loop("seller", rt.cfg.SellerInterval).Run(ctx, once, s.Cycle)
	})
}

func premarketCmd() *cobra.Command {
	var force bool
	cmd := serviceCmd("premarket", "Build the daily watchlist from pre-market gappers", func(_ *cobra.Command, rt *runtime, _ bool) error {
		ctx, stop := rt.context()
		defer stop()

		wl, err := premarket.New(rt.cfg, rt.broker, rt.mail, time.Now).Run(ctx, force)
		if err != nil {
			return err
		}
		for _, e := range wl.Watchlist {
			rt.log.Info("watchlist", "rank", e.Rank, "symbol", e.Symbol, "gap", e.GapPct, "relvol", e.RelativeVolume, "score", e.Score)
		}
		return nil
	})
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even if today's watchlist exists")
	_ = cmd.Flags().MarkHidden("once")
	return cmd
}
