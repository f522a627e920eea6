package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(exitReasons.WithLabelValues("STOP_LOSS"))
	IncExit("STOP_LOSS")
	if got := testutil.ToFloat64(exitReasons.WithLabelValues("STOP_LOSS")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	SetOpenPositions(3)
	if got := testutil.ToFloat64(openPositions); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok\n" {
		t.Fatalf("unexpected healthz body %q", body)
	}

	IncLockTimeout()
	resp, err = srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "bot_lock_timeouts_total") {
		t.Fatalf("metrics output missing lock timeouts counter")
	}
}
