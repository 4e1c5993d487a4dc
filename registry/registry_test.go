package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"bookflow/config"
	"bookflow/exchange"
	"bookflow/internal/errorhandler"
	"bookflow/models"
)

func TestCreateExchangeSupported(t *testing.T) {
	f := NewFactory(nil, nil, nil, nil)
	for _, id := range Supported {
		conn, err := f.CreateExchange(id)
		if err != nil {
			t.Fatalf("CreateExchange(%s): %v", id, err)
		}
		if conn.ID() != id {
			t.Fatalf("CreateExchange(%s).ID() = %s", id, conn.ID())
		}
		if conn.Status() != models.StatusDisconnected {
			t.Fatalf("%s starts %s", id, conn.Status())
		}
	}
	if conn, err := f.CreateExchange("Kraken"); err != nil || conn.ID() != "kraken" {
		t.Fatalf("mixed case lookup: %v %v", conn, err)
	}
}

func TestCreateExchangeUnsupported(t *testing.T) {
	f := NewFactory(nil, nil, nil, nil)
	if _, err := f.CreateExchange("mtgox"); !errors.Is(err, ErrUnsupportedExchange) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.GetExchange("binance"); !errors.Is(err, ErrExchangeNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetOrCreateReusesConnection(t *testing.T) {
	f := NewFactory(nil, nil, NewManager(nil, nil), nil)
	a, err := f.GetOrCreate("okx")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := f.GetOrCreate("OKX")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Fatal("GetOrCreate returned a second connection")
	}
	if ids := f.IDs(); len(ids) != 1 || ids[0] != "okx" {
		t.Fatalf("IDs = %v", ids)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = map[string]config.ExchangeConfig{
		"kraken": {WSURL: "ws://localhost:1", PingInterval: 5 * time.Second, Trades: true},
	}
	cfg.Reconnect.MaxAttempts = 3
	f := NewFactory(&cfg, nil, nil, nil)

	opts := f.Options("kraken")
	if opts.URL != "ws://localhost:1" || opts.PingInterval != 5*time.Second || !opts.Trades {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.Depth != 100 || opts.MaxReconnectAttempts != 3 || opts.BaseDelay != time.Second {
		t.Fatalf("opts = %+v", opts)
	}
}

type fakeConn struct {
	id string

	mu         sync.Mutex
	status     models.Status
	symbol     string
	reconnects int
	disconnect int
	onBook     []func(models.OrderBookData)
	onConnect  []func()
}

func (c *fakeConn) ID() string                    { return c.id }
func (c *fakeConn) Connect(context.Context) error { return nil }
func (c *fakeConn) Subscribe(s string) error      { c.symbol = s; return nil }
func (c *fakeConn) Unsubscribe(string) error      { c.symbol = ""; return nil }
func (c *fakeConn) Symbol() string                { return c.symbol }

func (c *fakeConn) Status() models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnect++
	c.status = models.StatusDisconnected
	c.mu.Unlock()
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *fakeConn) OnOrderBookUpdate(cb func(models.OrderBookData)) { c.onBook = append(c.onBook, cb) }
func (c *fakeConn) OnTradeUpdate(func(models.Trade))                {}
func (c *fakeConn) OnTickerUpdate(func(models.Ticker))              {}
func (c *fakeConn) OnError(func(models.ErrorContext))               {}
func (c *fakeConn) OnIPBlock(func(models.ErrorContext))             {}
func (c *fakeConn) OnConnect(cb func())                             { c.onConnect = append(c.onConnect, cb) }
func (c *fakeConn) OnDisconnect(func())                             {}

func (c *fakeConn) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

var _ exchange.Connection = (*fakeConn)(nil)

func TestManagerReconnectsOnlyErroredConnections(t *testing.T) {
	h := errorhandler.New(time.Millisecond, 4*time.Millisecond, nil)
	defer h.Stop()
	m := NewManager(h, nil)

	broken := &fakeConn{id: "broken", status: models.StatusError}
	closed := &fakeConn{id: "closed", status: models.StatusDisconnected}
	m.Add(broken)
	m.Add(closed)

	for _, id := range []string{"broken", "closed"} {
		h.HandleError(models.ErrorContext{ExchangeID: id, Err: errors.New("read: reset"), Category: models.CategoryNetwork})
	}

	deadline := time.Now().Add(time.Second)
	for broken.reconnectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if broken.reconnectCount() != 1 || m.Attempts("broken") != 1 {
		t.Fatalf("broken: reconnects=%d attempts=%d", broken.reconnectCount(), m.Attempts("broken"))
	}
	if closed.reconnectCount() != 0 {
		t.Fatal("manually closed connection was reconnected")
	}

	// An update clears the counter and the backoff.
	for _, cb := range broken.onBook {
		cb(models.OrderBookData{})
	}
	if m.Attempts("broken") != 0 {
		t.Fatalf("attempts after update = %d", m.Attempts("broken"))
	}
	if got := h.Backoff("broken"); got != time.Millisecond {
		t.Fatalf("backoff after update = %s", got)
	}
}

func TestManagerSweeps(t *testing.T) {
	m := NewManager(nil, nil)
	live := &fakeConn{id: "live", status: models.StatusConnected, symbol: "BTCUSDT"}
	down := &fakeConn{id: "down", status: models.StatusError, symbol: "BTCUSDT"}
	idle := &fakeConn{id: "idle", status: models.StatusDisconnected}
	for _, c := range []*fakeConn{live, down, idle} {
		m.Add(c)
	}

	m.ReconnectAll()
	if live.reconnectCount() != 0 || down.reconnectCount() != 1 || idle.reconnectCount() != 0 {
		t.Fatalf("reconnects live=%d down=%d idle=%d", live.reconnects, down.reconnects, idle.reconnects)
	}

	m.DisconnectAll()
	for _, c := range []*fakeConn{live, down, idle} {
		if c.disconnect != 1 {
			t.Fatalf("%s disconnects = %d", c.id, c.disconnect)
		}
	}
}

func TestNetworkMonitorTransitions(t *testing.T) {
	n := NewNetworkMonitor("check:1", time.Hour, time.Second, nil)
	up := true
	n.dial = func(context.Context, string, string) (net.Conn, error) {
		if !up {
			return nil, errors.New("no route to host")
		}
		c1, c2 := net.Pipe()
		_ = c2.Close()
		return c1, nil
	}

	m := NewManager(nil, nil)
	conn := &fakeConn{id: "x", status: models.StatusConnected, symbol: "BTCUSDT"}
	m.Add(conn)
	m.Watch(n)

	var changes []bool
	n.OnChange(func(online bool) { changes = append(changes, online) })

	ctx := context.Background()
	n.Check(ctx)
	up = false
	n.Check(ctx)
	n.Check(ctx)
	if n.Online() {
		t.Fatal("monitor still online")
	}
	if conn.disconnect != 1 {
		t.Fatalf("disconnects = %d", conn.disconnect)
	}
	up = true
	n.Check(ctx)

	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Fatalf("changes = %v", changes)
	}
	if conn.reconnectCount() != 1 {
		t.Fatalf("reconnects = %d", conn.reconnectCount())
	}
}
