// Package phemex streams the Phemex real-price order book.
package phemex

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "phemex"
	DefaultURL = "wss://ws.phemex.com"
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID        int64     `json:"id"`
	Error     *apiError `json:"error"`
	Book      *bookData `json:"orderbook_p"`
	Trades    [][]any   `json:"trades_p"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

type bookData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

// Adapter is the Phemex connection.
type Adapter struct {
	*exchange.Harness

	mu    sync.Mutex
	book  *exchange.Book
	reqID int64
}

func New(opts exchange.Options, reporter exchange.ErrorReporter, log *logger.Log) *Adapter {
	if opts.ID == "" {
		opts.ID = ID
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	a := &Adapter{}
	a.Harness = exchange.NewHarness(opts, a, reporter, log)
	a.book = exchange.NewBook(a.ID(), a.Options().Depth)
	return a
}

func (a *Adapter) nextID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqID++
	return a.reqID
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []any{map[string]any{"id": a.nextID(), "method": "orderbook_p.subscribe", "params": []any{native}}}
	if a.Options().Trades {
		out = append(out, map[string]any{"id": a.nextID(), "method": "trade_p.subscribe", "params": []any{native}})
	}
	return out, nil
}

// UnsubscribeMessages drops every subscription of the channel; Phemex does not
// unsubscribe per symbol.
func (a *Adapter) UnsubscribeMessages(string) ([]any, error) {
	out := []any{map[string]any{"id": a.nextID(), "method": "orderbook_p.unsubscribe", "params": []any{}}}
	if a.Options().Trades {
		out = append(out, map[string]any{"id": a.nextID(), "method": "trade_p.unsubscribe", "params": []any{}})
	}
	return out, nil
}

func (a *Adapter) PingMessage() any {
	return map[string]any{"id": 0, "method": "server.ping", "params": []any{}}
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if msg.Error != nil {
		a.NotifyError(fmt.Errorf("phemex error %d: %s", msg.Error.Code, msg.Error.Message), models.CategoryAPI)
		return
	}
	switch {
	case msg.Book != nil:
		a.handleBook(msg)
	case msg.Trades != nil:
		a.handleTrades(msg)
	}
}

func (a *Adapter) handleBook(msg message) {
	bids, err := exchange.ParseStringLevels(msg.Book.Bids)
	if err != nil {
		a.NotifyError(fmt.Errorf("orderbook bids: %w", err), models.CategoryData)
		return
	}
	asks, err := exchange.ParseStringLevels(msg.Book.Asks)
	if err != nil {
		a.NotifyError(fmt.Errorf("orderbook asks: %w", err), models.CategoryData)
		return
	}

	a.mu.Lock()
	if msg.Type == "snapshot" {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return
		}
		a.book.ApplyDelta(bids, asks)
	}
	// Phemex timestamps are nanoseconds.
	out := a.book.Data(msg.Timestamp / 1e6)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

// handleTrades emits incremental [timestampNs, side, price, qty] rows.
func (a *Adapter) handleTrades(msg message) {
	if msg.Type == "snapshot" {
		return
	}
	for _, row := range msg.Trades {
		if len(row) < 4 {
			a.NotifyError(fmt.Errorf("trade: short row %v", row), models.CategoryData)
			continue
		}
		ts, _ := row[0].(float64)
		side, _ := row[1].(string)
		price, _ := row[2].(string)
		qty, _ := row[3].(string)
		l, err := exchange.ParseLevel(price, qty)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %v", row), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    msg.Symbol,
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      strings.ToLower(side),
			Timestamp: int64(ts / 1e6),
		})
	}
}
