// Package bybit streams the Bybit v5 public spot order book.
package bybit

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "bybit"
	DefaultURL = "wss://stream.bybit.com/v5/public/spot"
)

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

// Adapter is the Bybit spot connection.
type Adapter struct {
	*exchange.Harness

	mu         sync.Mutex
	book       *exchange.Book
	lastUpdate int64
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

// streamDepth maps the configured depth onto the levels Bybit serves for spot.
func streamDepth(depth int) int {
	switch {
	case depth <= 1:
		return 1
	case depth <= 50:
		return 50
	default:
		return 200
	}
}

func (a *Adapter) topics(symbol string) ([]string, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []string{fmt.Sprintf("orderbook.%d.%s", streamDepth(a.Options().Depth), native)}
	if a.Options().Trades {
		out = append(out, "publicTrade."+native)
	}
	return out, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	args, err := a.topics(symbol)
	if err != nil {
		return nil, err
	}
	return []any{map[string]any{"req_id": uuid.NewString(), "op": "subscribe", "args": args}}, nil
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	args, err := a.topics(symbol)
	if err != nil {
		return nil, err
	}
	return []any{map[string]any{"req_id": uuid.NewString(), "op": "unsubscribe", "args": args}}, nil
}

// PingMessage is the application level heartbeat Bybit expects every 20s.
func (a *Adapter) PingMessage() any {
	return map[string]any{"req_id": uuid.NewString(), "op": "ping"}
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.lastUpdate = 0
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}

	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			a.NotifyError(fmt.Errorf("bybit %s failed: %s", env.Op, env.RetMsg), models.CategoryAPI)
		}
		return
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		a.handleBook(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		a.handleTrades(env)
	}
}

func (a *Adapter) handleBook(env envelope) {
	var d bookData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		a.NotifyError(fmt.Errorf("decode orderbook: %w", err), models.CategoryParsing)
		return
	}
	// Frames for a previous symbol can still arrive after a switch.
	if d.Symbol != a.native() {
		return
	}
	bids, err := exchange.ParseStringLevels(d.Bids)
	if err != nil {
		a.NotifyError(fmt.Errorf("orderbook bids: %w", err), models.CategoryData)
		return
	}
	asks, err := exchange.ParseStringLevels(d.Asks)
	if err != nil {
		a.NotifyError(fmt.Errorf("orderbook asks: %w", err), models.CategoryData)
		return
	}

	a.mu.Lock()
	// u == 1 is a fresh snapshot pushed after a service restart.
	if env.Type == "snapshot" || d.Update == 1 {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return
		}
		a.book.ApplyDelta(bids, asks)
	}
	a.lastUpdate = d.Update
	out := a.book.Data(env.TS)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleTrades(env envelope) {
	// Trade rows carry both "s" and "S", so they are decoded by exact key.
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		a.NotifyError(fmt.Errorf("decode trades: %w", err), models.CategoryParsing)
		return
	}
	current := a.native()
	for _, row := range rows {
		var price, qty, side, sym string
		var ts int64
		if err := decodeTrade(row, &price, &qty, &side, &sym, &ts); err != nil {
			a.NotifyError(fmt.Errorf("decode trade: %w", err), models.CategoryParsing)
			continue
		}
		if sym != current {
			continue
		}
		l, err := exchange.ParseLevel(price, qty)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %q@%q", qty, price), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    symbols.Canonical(sym),
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      strings.ToLower(side),
			Timestamp: ts,
		})
	}
}

// native is the active symbol in Bybit's notation, empty when unsubscribed.
func (a *Adapter) native() string {
	sym, err := symbols.ToExchange(ID, a.Symbol())
	if err != nil {
		return ""
	}
	return sym
}

func decodeTrade(row map[string]json.RawMessage, price, qty, side, sym *string, ts *int64) error {
	fields := []struct {
		key string
		dst any
	}{{"p", price}, {"v", qty}, {"S", side}, {"s", sym}, {"T", ts}}
	for _, f := range fields {
		raw, ok := row[f.key]
		if !ok {
			return fmt.Errorf("missing %q", f.key)
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return fmt.Errorf("field %q: %w", f.key, err)
		}
	}
	return nil
}
