package engine

import (
	"context"
	"fmt"
	"log/slog"

	"momobot/internal/broker"
	"momobot/internal/ledger"
	"momobot/internal/metrics"
)

// PositionSource lists live broker positions.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.Position, error)
}

// Reconcile brings the ledger in line with the broker. Broker positions
// missing from the ledger are adopted with a default stop, ledger entries the
// broker no longer holds are dropped, and stored metadata is kept otherwise.
func Reconcile(ctx context.Context, src PositionSource, book *ledger.Ledger) (ledger.Diff, error) {
	live, err := src.Positions(ctx)
	if err != nil {
		return ledger.Diff{}, fmt.Errorf("reconcile positions: %w", err)
	}
	diff, err := book.Reconcile(ctx, live)
	if err != nil {
		return diff, fmt.Errorf("reconcile ledger: %w", err)
	}
	metrics.SetOpenPositions(len(live))
	slog.Debug("reconcile complete", "held", len(live))
	return diff, nil
}
