package errorhandler

import (
	"errors"
	"testing"
	"time"

	"bookflow/models"
)

func netErr(id string) models.ErrorContext {
	return models.ErrorContext{ExchangeID: id, Err: errors.New("connection reset"), Category: models.CategoryNetwork}
}

func TestShouldAttemptReconnect(t *testing.T) {
	cases := map[models.ErrorCategory]bool{
		models.CategoryNetwork:      true,
		models.CategoryAPI:          true,
		models.CategoryRateLimit:    true,
		models.CategoryData:         false,
		models.CategoryParsing:      false,
		models.CategoryConnection:   false,
		models.CategorySubscription: false,
		models.CategoryUnknown:      false,
	}
	for cat, want := range cases {
		if got := ShouldAttemptReconnect(cat); got != want {
			t.Errorf("ShouldAttemptReconnect(%s)=%v want %v", cat, got, want)
		}
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	h := New(time.Hour, 4*time.Hour, nil)
	defer h.Stop()

	want := []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour, 4 * time.Hour}
	var prev time.Duration
	for i, w := range want {
		got := h.HandleError(netErr("binance"))
		if got != w {
			t.Fatalf("attempt %d: delay %s want %s", i, got, w)
		}
		if got < prev {
			t.Fatalf("delay decreased: %s after %s", got, prev)
		}
		prev = got
	}

	h.ResetBackoff("binance")
	if got := h.Backoff("binance"); got != time.Hour {
		t.Fatalf("after reset backoff = %s", got)
	}
	if got := h.Backoff("kraken"); got != time.Hour {
		t.Fatalf("untouched exchange backoff = %s", got)
	}
}

func TestNonReconnectableSchedulesNothing(t *testing.T) {
	h := New(time.Hour, time.Hour, nil)
	defer h.Stop()

	var seen []models.ErrorContext
	h.OnError(func(ec models.ErrorContext) { seen = append(seen, ec) })

	d := h.HandleError(models.ErrorContext{ExchangeID: "okx", Err: errors.New("bad level"), Category: models.CategoryData})
	if d != 0 {
		t.Fatalf("expected no reconnect for data errors, got %s", d)
	}
	if h.Pending("okx") {
		t.Fatalf("unexpected pending reconnect")
	}
	if len(seen) != 1 || seen[0].Timestamp.IsZero() {
		t.Fatalf("error callback not invoked correctly: %+v", seen)
	}
}

func TestReconnectCallbackFires(t *testing.T) {
	h := New(5*time.Millisecond, 10*time.Millisecond, nil)
	defer h.Stop()

	fired := make(chan string, 1)
	h.OnReconnect(func(id string) { fired <- id })
	h.HandleError(netErr("kraken"))

	select {
	case id := <-fired:
		if id != "kraken" {
			t.Fatalf("reconnect fired for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("reconnect callback not fired")
	}
}

func TestCancelAndStop(t *testing.T) {
	h := New(time.Hour, time.Hour, nil)
	h.HandleError(netErr("bybit"))
	if !h.Pending("bybit") {
		t.Fatalf("expected pending reconnect")
	}
	h.Cancel("bybit")
	if h.Pending("bybit") {
		t.Fatalf("cancel left a pending reconnect")
	}

	h.HandleError(netErr("bybit"))
	h.Stop()
	if h.Pending("bybit") {
		t.Fatalf("stop left a pending reconnect")
	}
	if d := h.HandleError(netErr("bybit")); d != 0 {
		t.Fatalf("stopped handler scheduled %s", d)
	}
}
