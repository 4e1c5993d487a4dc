package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bookflow/exchange/exchangetest"
	"bookflow/models"
)

type fakeProto struct {
	mu     sync.Mutex
	msgs   []string
	resets int
}

func (p *fakeProto) SubscribeMessages(symbol string) ([]any, error) {
	if symbol == "BAD" {
		return nil, errors.New("unknown symbol")
	}
	return []any{map[string]string{"op": "sub", "s": symbol}}, nil
}

func (p *fakeProto) UnsubscribeMessages(symbol string) ([]any, error) {
	return []any{map[string]string{"op": "unsub", "s": symbol}}, nil
}

func (p *fakeProto) HandleMessage(data []byte) {
	p.mu.Lock()
	p.msgs = append(p.msgs, string(data))
	p.mu.Unlock()
	if string(data) == "panic" {
		panic("bad frame")
	}
}

func (p *fakeProto) Reset() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

func (p *fakeProto) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type pingProto struct{ fakeProto }

func (p *pingProto) PingMessage() any { return "ping" }

type fakeReporter struct {
	mu  sync.Mutex
	ecs []models.ErrorContext
}

func (r *fakeReporter) HandleError(ec models.ErrorContext) time.Duration {
	r.mu.Lock()
	r.ecs = append(r.ecs, ec)
	r.mu.Unlock()
	return 0
}

func (r *fakeReporter) categories() []models.ErrorCategory {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ErrorCategory
	for _, ec := range r.ecs {
		out = append(out, ec.Category)
	}
	return out
}

func testOptions(url string) Options {
	return Options{
		ID:           "test",
		URL:          url,
		PingInterval: time.Hour,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
	}
}

func TestConnectSubscribesStoredSymbol(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	proto := &fakeProto{}
	h := NewHarness(testOptions(srv.URL()), proto, nil, nil)
	defer h.Disconnect()

	connected := make(chan struct{}, 1)
	h.OnConnect(func() { connected <- struct{}{} })

	if err := h.Subscribe("btcusdt"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connected
	if h.Status() != models.StatusConnected {
		t.Fatalf("status = %s", h.Status())
	}

	exchangetest.Eventually(t, time.Second, func() bool { return len(srv.Received()) == 1 }, "subscribe frame")
	if got := srv.Received()[0]; got != `{"op":"sub","s":"BTCUSDT"}` {
		t.Fatalf("unexpected subscribe frame %s", got)
	}

	if err := srv.Broadcast(`{"hello":1}`); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	exchangetest.Eventually(t, time.Second, func() bool { return proto.count() == 1 }, "message delivered")

	// idempotent connect and subscribe
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if err := h.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(srv.Received()); n != 1 {
		t.Fatalf("expected one subscribe frame, got %d", n)
	}
}

func TestSwitchSymbolUnsubscribesPrevious(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	h := NewHarness(testOptions(srv.URL()), &fakeProto{}, nil, nil)
	defer h.Disconnect()

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Subscribe("ETHUSDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Unsubscribe("ETHUSDT"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	want := []string{
		`{"op":"sub","s":"BTCUSDT"}`,
		`{"op":"unsub","s":"BTCUSDT"}`,
		`{"op":"sub","s":"ETHUSDT"}`,
		`{"op":"unsub","s":"ETHUSDT"}`,
	}
	exchangetest.Eventually(t, time.Second, func() bool { return len(srv.Received()) == len(want) }, "all frames")
	got := srv.Received()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s want %s", i, got[i], want[i])
		}
	}
	if h.Symbol() != "" {
		t.Fatalf("symbol not cleared: %s", h.Symbol())
	}
}

func TestSubscribeMappingErrorIsReported(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	rep := &fakeReporter{}
	h := NewHarness(testOptions(srv.URL()), &fakeProto{}, rep, nil)
	defer h.Disconnect()

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.Subscribe("BAD"); err == nil {
		t.Fatalf("expected subscribe error")
	}
	cats := rep.categories()
	if len(cats) != 1 || cats[0] != models.CategorySubscription {
		t.Fatalf("unexpected categories %v", cats)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	rep := &fakeReporter{}
	h := NewHarness(testOptions(srv.URL()), &fakeProto{}, rep, nil)
	defer h.Disconnect()

	disconnects := make(chan struct{}, 4)
	h.OnDisconnect(func() { disconnects <- struct{}{} })

	_ = h.Subscribe("BTCUSDT")
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	exchangetest.Eventually(t, time.Second, func() bool { return len(srv.Received()) == 1 }, "first subscribe")

	srv.DropAll()
	select {
	case <-disconnects:
	case <-time.After(time.Second):
		t.Fatalf("disconnect callback not fired")
	}

	exchangetest.Eventually(t, 2*time.Second, func() bool { return srv.Accepted() == 2 }, "reconnected")
	exchangetest.Eventually(t, time.Second, func() bool { return len(srv.Received()) == 2 }, "resubscribed")
	exchangetest.Eventually(t, time.Second, func() bool { return h.Status() == models.StatusConnected }, "connected again")
	if h.Attempts() != 0 {
		t.Fatalf("attempts not reset after connect: %d", h.Attempts())
	}

	cats := rep.categories()
	if len(cats) == 0 || cats[0] != models.CategoryNetwork {
		t.Fatalf("expected a network error, got %v", cats)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	url := srv.URL()
	srv.Close()

	opts := testOptions(url)
	opts.BaseDelay = time.Hour
	opts.MaxDelay = time.Hour
	h := NewHarness(opts, &fakeProto{}, &fakeReporter{}, nil)

	if err := h.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if h.Status() != models.StatusError {
		t.Fatalf("status = %s, want error", h.Status())
	}
	if d, ok := h.PendingReconnect(); !ok || d != time.Hour {
		t.Fatalf("expected pending reconnect of 1h, got %s %v", d, ok)
	}

	h.Disconnect()
	if _, ok := h.PendingReconnect(); ok {
		t.Fatalf("disconnect left a pending reconnect")
	}
	if h.Status() != models.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", h.Status())
	}
}

func TestReconnectBackoffSchedule(t *testing.T) {
	opts := Options{
		ID:                   "test",
		URL:                  "ws://127.0.0.1:1",
		BaseDelay:            time.Hour,
		MaxDelay:             4 * time.Hour,
		MaxReconnectAttempts: 4,
		ResetDelay:           10 * time.Hour,
	}
	h := NewHarness(opts, &fakeProto{}, nil, nil)
	h.mu.Lock()
	h.status = models.StatusError
	h.mu.Unlock()

	want := []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour, 4 * time.Hour, 10 * time.Hour, time.Hour}
	for i, w := range want {
		h.scheduleReconnect()
		d, ok := h.PendingReconnect()
		if !ok || d != w {
			t.Fatalf("step %d: delay %s (pending %v) want %s", i, d, ok, w)
		}
		h.mu.Lock()
		h.stopTimerLocked()
		h.mu.Unlock()
	}
}

func TestNotifyErrorDetectsBlocks(t *testing.T) {
	rep := &fakeReporter{}
	h := NewHarness(testOptions("ws://127.0.0.1:1"), &fakeProto{}, rep, nil)

	var blocks, local int
	h.OnIPBlock(func(models.ErrorContext) { blocks++ })
	h.OnError(func(models.ErrorContext) { local++ })
	h.OnError(func(models.ErrorContext) { panic("subscriber bug") })

	h.NotifyError(errors.New("websocket: bad handshake (HTTP 429)"), models.CategoryConnection)
	h.NotifyError(errors.New("price 403.5 invalid"), models.CategoryData)

	cats := rep.categories()
	if len(cats) != 2 || cats[0] != models.CategoryRateLimit || cats[1] != models.CategoryData {
		t.Fatalf("unexpected categories %v", cats)
	}
	if blocks != 1 {
		t.Fatalf("ip block callbacks = %d, want 1", blocks)
	}
	if local != 2 {
		t.Fatalf("local error callbacks = %d, want 2", local)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	proto := &fakeProto{}
	rep := &fakeReporter{}
	h := NewHarness(testOptions(srv.URL()), proto, rep, nil)
	defer h.Disconnect()

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	exchangetest.Eventually(t, time.Second, func() bool { return srv.Accepted() == 1 }, "accepted")
	_ = srv.Broadcast("panic")
	_ = srv.Broadcast("after")
	exchangetest.Eventually(t, time.Second, func() bool { return proto.count() == 2 }, "read loop survived")
	if h.Status() != models.StatusConnected {
		t.Fatalf("status = %s", h.Status())
	}
	cats := rep.categories()
	if len(cats) != 1 || cats[0] != models.CategoryParsing {
		t.Fatalf("unexpected categories %v", cats)
	}
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	opts := testOptions(srv.URL())
	opts.PingInterval = 20 * time.Millisecond
	opts.PongTimeout = 20 * time.Millisecond
	h := NewHarness(opts, &pingProto{}, &fakeReporter{}, nil)
	defer h.Disconnect()

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	exchangetest.Eventually(t, time.Second, func() bool {
		for _, m := range srv.Received() {
			if m == "ping" {
				return true
			}
		}
		return false
	}, "application ping sent")
	exchangetest.Eventually(t, 2*time.Second, func() bool { return srv.Accepted() >= 2 }, "reconnect after silence")
}

func TestSendWhenDisconnected(t *testing.T) {
	h := NewHarness(testOptions("ws://127.0.0.1:1"), &fakeProto{}, nil, nil)
	if err := h.Send("x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := h.Subscribe(" "); err == nil || !strings.Contains(err.Error(), "empty symbol") {
		t.Fatalf("expected empty symbol error, got %v", err)
	}
}
