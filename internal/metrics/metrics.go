// Package metrics exposes Prometheus counters the services update:
//
//	bot_signals_total{service}          signals published by the scanner
//	bot_rejections_total{service,reason} entries skipped by the scorer or risk gate
//	bot_orders_total{side,outcome}      orders by fill outcome
//	bot_exits_total{reason}             sell signals posted by exit reason
//	bot_lock_timeouts_total             shared-state lock acquisitions that gave up
//	bot_open_positions                  positions held after the last reconcile
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signals published",
		},
		[]string{"service"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_rejections_total",
			Help: "Candidates rejected, split by reason",
		},
		[]string{"service", "reason"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders submitted, split by side and outcome",
		},
		[]string{"side", "outcome"}, // outcome: filled|partial|failed
	)

	exitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Exit signals posted, split by reason",
		},
		[]string{"reason"},
	)

	lockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_lock_timeouts_total",
			Help: "Shared state lock acquisitions that timed out",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Positions held at the broker after the last reconcile",
		},
	)
)

func init() {
	prometheus.MustRegister(signals, rejections, orders)
	prometheus.MustRegister(exitReasons, lockTimeouts, openPositions)
}

func AddSignals(service string, n int) { signals.WithLabelValues(service).Add(float64(n)) }
func IncRejection(service, reason string) {
	rejections.WithLabelValues(service, reason).Inc()
}
func IncOrder(side, outcome string) { orders.WithLabelValues(side, outcome).Inc() }
func IncExit(reason string)         { exitReasons.WithLabelValues(reason).Inc() }
func IncLockTimeout()               { lockTimeouts.Inc() }
func SetOpenPositions(n int)        { openPositions.Set(float64(n)) }

// Handler serves /metrics and /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the metrics server until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
