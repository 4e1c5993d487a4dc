package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	IncrementMessage("test-ex")
	IncrementMessage("test-ex")
	IncrementError("test-ex", "network")
	IncrementReconnect("test-ex")
	IncrementIPBlock("test-ex")
	IncrementMergedUpdate("BTCUSDT")

	if got := testutil.ToFloat64(messages.WithLabelValues("test-ex")); got != 2 {
		t.Fatalf("messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(errorsTotal.WithLabelValues("test-ex", "network")); got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reconnects.WithLabelValues("test-ex")); got != 1 {
		t.Fatalf("reconnects = %v, want 1", got)
	}
}

func TestSetConnectionStatus(t *testing.T) {
	cases := map[string]float64{"disconnected": 0, "connecting": 1, "connected": 2, "error": 3}
	for status, want := range cases {
		SetConnectionStatus("status-ex", status)
		if got := testutil.ToFloat64(connectionStatus.WithLabelValues("status-ex")); got != want {
			t.Errorf("status %s = %v, want %v", status, got, want)
		}
	}
}

func TestHandler(t *testing.T) {
	IncrementMergedUpdate("ETHUSDT")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `bookflow_merged_updates_total{symbol="ETHUSDT"}`) {
		t.Fatalf("merged update metric missing from output")
	}
}
