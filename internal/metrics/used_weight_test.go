package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReportUsedWeight(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "123.5")
	weight, ok := ReportUsedWeight("weight-ex", h)
	if !ok || weight != 123.5 {
		t.Fatalf("weight = %v, %v", weight, ok)
	}
	if got := testutil.ToFloat64(usedWeight.WithLabelValues("weight-ex", "1m")); got != 123.5 {
		t.Fatalf("gauge = %v", got)
	}
}

func TestReportUsedWeightInvalid(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "not-a-number")
	h.Set("X-MBX-USED-WEIGHT-1S", "4")
	weight, ok := ReportUsedWeight("weight-bad", h)
	if !ok || weight != 4 {
		t.Fatalf("weight = %v, %v", weight, ok)
	}
	if _, ok := ReportUsedWeight("weight-bad", http.Header{}); ok {
		t.Fatal("reported without headers")
	}
}

func TestUsedWeightTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT", "17")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &UsedWeightTransport{Exchange: "weight-rt"}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := testutil.ToFloat64(usedWeight.WithLabelValues("weight-rt", "1m")); got != 17 {
		t.Fatalf("gauge = %v", got)
	}
}

func TestIncrementSinkWrite(t *testing.T) {
	IncrementSinkWrite("test-sink", nil)
	IncrementSinkWrite("test-sink", errors.New("boom"))
	IncrementSinkWrite("test-sink", nil)
	if got := testutil.ToFloat64(sinkWrites.WithLabelValues("test-sink", "ok")); got != 2 {
		t.Fatalf("ok = %v", got)
	}
	if got := testutil.ToFloat64(sinkWrites.WithLabelValues("test-sink", "error")); got != 1 {
		t.Fatalf("error = %v", got)
	}
}
