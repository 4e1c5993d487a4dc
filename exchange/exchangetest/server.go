// Package exchangetest provides a fake exchange WebSocket endpoint and a
// callback recorder for adapter tests.
package exchangetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bookflow/models"
)

// Server accepts WebSocket connections and records every text frame the
// client sends.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	writeMu  sync.Mutex
	received []string
	conns    []*websocket.Conn
	accepted int
	onMsg    func(reply func(string), msg string)
}

// NewServer starts a server. onMsg, when set, is invoked for each inbound
// frame and may answer through reply.
func NewServer(t testing.TB, onMsg func(reply func(string), msg string)) *Server {
	t.Helper()
	s := &Server{onMsg: onMsg}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		reply := func(msg string) {
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(data))
			cb := s.onMsg
			s.mu.Unlock()
			if cb != nil {
				cb(reply, string(data))
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Received returns a copy of the frames received so far.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Accepted returns the number of upgraded connections.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Broadcast writes msg to the most recent connection.
func (s *Server) Broadcast(msg string) error {
	s.mu.Lock()
	if len(s.conns) == 0 {
		s.mu.Unlock()
		return websocket.ErrCloseSent
	}
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// DropAll closes every server side connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// Recorder captures callback output of a connection.
type Recorder struct {
	mu     sync.Mutex
	Books  []models.OrderBookData
	Trades []models.Trade
	Ticks  []models.Ticker
	Errors []models.ErrorContext
}

// Conn is the subset of exchange.Connection the recorder attaches to.
type Conn interface {
	OnOrderBookUpdate(cb func(models.OrderBookData))
	OnTradeUpdate(cb func(models.Trade))
	OnTickerUpdate(cb func(models.Ticker))
	OnError(cb func(models.ErrorContext))
}

// Record attaches a new recorder to c.
func Record(c Conn) *Recorder {
	r := &Recorder{}
	c.OnOrderBookUpdate(func(b models.OrderBookData) {
		r.mu.Lock()
		r.Books = append(r.Books, b)
		r.mu.Unlock()
	})
	c.OnTradeUpdate(func(tr models.Trade) {
		r.mu.Lock()
		r.Trades = append(r.Trades, tr)
		r.mu.Unlock()
	})
	c.OnTickerUpdate(func(tk models.Ticker) {
		r.mu.Lock()
		r.Ticks = append(r.Ticks, tk)
		r.mu.Unlock()
	})
	c.OnError(func(ec models.ErrorContext) {
		r.mu.Lock()
		r.Errors = append(r.Errors, ec)
		r.mu.Unlock()
	})
	return r
}

// Last returns the most recent book, if any.
func (r *Recorder) Last() (models.OrderBookData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Books) == 0 {
		return models.OrderBookData{}, false
	}
	return r.Books[len(r.Books)-1], true
}

// BookCount returns the number of books received.
func (r *Recorder) BookCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Books)
}

// ErrorCount returns the number of errors of category received.
func (r *Recorder) ErrorCount(category models.ErrorCategory) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Errors {
		if e.Category == category {
			n++
		}
	}
	return n
}

// Prices flattens one side of a book for assertions.
func Prices(entries []models.OrderBookEntry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Price
	}
	return out
}
