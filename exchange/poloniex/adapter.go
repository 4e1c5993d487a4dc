// Package poloniex streams the Poloniex v3 level 2 book.
package poloniex

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "poloniex"
	DefaultURL = "wss://ws.poloniex.com/ws/public"
)

type message struct {
	Event   string          `json:"event"`
	Message string          `json:"message"`
	Channel string          `json:"channel"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Symbol string     `json:"symbol"`
	Asks   [][]string `json:"asks"`
	Bids   [][]string `json:"bids"`
	LastID int64      `json:"lastId"`
	ID     int64      `json:"id"`
	TS     int64      `json:"ts"`
}

type tradeData struct {
	Symbol    string `json:"symbol"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	TakerSide string `json:"takerSide"`
	TS        int64  `json:"ts"`
}

// Adapter is the Poloniex connection.
type Adapter struct {
	*exchange.Harness

	mu     sync.Mutex
	book   *exchange.Book
	lastID int64
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

func (a *Adapter) frame(event, symbol string) ([]any, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	chans := []string{"book_lv2"}
	if a.Options().Trades {
		chans = append(chans, "trades")
	}
	return []any{map[string]any{"event": event, "channel": chans, "symbols": []string{native}}}, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.frame("subscribe", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.frame("unsubscribe", symbol)
}

func (a *Adapter) PingMessage() any {
	return map[string]any{"event": "ping"}
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.lastID = 0
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if msg.Event == "error" {
		a.NotifyError(fmt.Errorf("poloniex error: %s", msg.Message), models.CategoryAPI)
		return
	}
	if msg.Event != "" {
		return
	}

	switch msg.Channel {
	case "book_lv2":
		var rows []bookData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			a.NotifyError(fmt.Errorf("decode book: %w", err), models.CategoryParsing)
			return
		}
		for _, d := range rows {
			if !a.handleBook(d, msg.Action == "snapshot") {
				return
			}
		}
	case "trades":
		a.handleTrades(msg.Data)
	}
}

// handleBook applies one book row and reports whether processing of the
// frame should continue.
func (a *Adapter) handleBook(d bookData, snapshot bool) bool {
	bids, err := exchange.ParseStringLevels(d.Bids)
	if err != nil {
		a.NotifyError(fmt.Errorf("book bids: %w", err), models.CategoryData)
		return false
	}
	asks, err := exchange.ParseStringLevels(d.Asks)
	if err != nil {
		a.NotifyError(fmt.Errorf("book asks: %w", err), models.CategoryData)
		return false
	}

	a.mu.Lock()
	if snapshot {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return true
		}
		if d.LastID != a.lastID {
			expected := a.lastID
			a.book.Reset()
			a.mu.Unlock()
			a.NotifyError(fmt.Errorf("sequence gap: expected lastId %d, got %d", expected, d.LastID), models.CategoryData)
			_ = a.Resubscribe()
			return false
		}
		a.book.ApplyDelta(bids, asks)
	}
	a.lastID = d.ID
	out := a.book.Data(d.TS)
	a.mu.Unlock()
	a.EmitOrderBook(out)
	return true
}

func (a *Adapter) handleTrades(raw json.RawMessage) {
	var trades []tradeData
	if err := json.Unmarshal(raw, &trades); err != nil {
		a.NotifyError(fmt.Errorf("decode trades: %w", err), models.CategoryParsing)
		return
	}
	for _, tr := range trades {
		l, err := exchange.ParseLevel(tr.Price, tr.Quantity)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %q@%q", tr.Quantity, tr.Price), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    symbols.Canonical(tr.Symbol),
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      tr.TakerSide,
			Timestamp: tr.TS,
		})
	}
}
