package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"momobot/internal/execution"
)

func TestPostgresIntegration_Record(t *testing.T) {
	url := os.Getenv("JOURNAL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("set JOURNAL_TEST_DATABASE_URL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pg.Close()

	tr := Trade{
		Symbol:        "ITEST",
		EntryTime:     time.Now().Add(-time.Hour),
		ExitTime:      time.Now(),
		EntryPrice:    10,
		ExitPrice:     10.5,
		Quantity:      3,
		PnLPct:        0.05,
		PnLDollar:     1.5,
		HoldTimeHours: 1,
		SignalScore:   70,
		ExitReason:    "DECELERATION",
		ClientOrderID: execution.NewClientOrderID(),
	}
	if err := pg.Record(ctx, tr); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Same client order id again is ignored rather than duplicated.
	if err := pg.Record(ctx, tr); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
}
