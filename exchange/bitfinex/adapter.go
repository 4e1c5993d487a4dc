// Package bitfinex streams the Bitfinex v2 public book and trade channels.
package bitfinex

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "bitfinex"
	DefaultURL = "wss://api-pub.bitfinex.com/ws/2"

	// Info code asking clients to reconnect.
	codeReconnect = 20051
)

type event struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

type channel struct {
	name   string
	symbol string
}

// Adapter is the Bitfinex connection.
type Adapter struct {
	*exchange.Harness

	mu    sync.Mutex
	book  *exchange.Book
	chans map[int64]channel
	cid   int64
}

func New(opts exchange.Options, reporter exchange.ErrorReporter, log *logger.Log) *Adapter {
	if opts.ID == "" {
		opts.ID = ID
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	a := &Adapter{chans: make(map[int64]channel)}
	a.Harness = exchange.NewHarness(opts, a, reporter, log)
	a.book = exchange.NewBook(a.ID(), a.Options().Depth)
	return a
}

// bookLen maps depth onto the lengths Bitfinex accepts.
func bookLen(depth int) string {
	switch {
	case depth <= 1:
		return "1"
	case depth <= 25:
		return "25"
	case depth <= 100:
		return "100"
	default:
		return "250"
	}
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []any{map[string]any{
		"event":   "subscribe",
		"channel": "book",
		"symbol":  native,
		"prec":    "P0",
		"freq":    "F0",
		"len":     bookLen(a.Options().Depth),
	}}
	if a.Options().Trades {
		out = append(out, map[string]any{"event": "subscribe", "channel": "trades", "symbol": native})
	}
	return out, nil
}

// UnsubscribeMessages addresses every channel open for symbol by its chanId.
func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []any
	for id, ch := range a.chans {
		if ch.symbol == native {
			out = append(out, map[string]any{"event": "unsubscribe", "chanId": id})
			delete(a.chans, id)
		}
	}
	return out, nil
}

func (a *Adapter) PingMessage() any {
	a.mu.Lock()
	a.cid++
	id := a.cid
	a.mu.Unlock()
	return map[string]any{"event": "ping", "cid": id}
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	if data[0] == '{' {
		a.handleEvent(data)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if len(frame) < 2 {
		a.NotifyError(fmt.Errorf("short channel frame of %d elements", len(frame)), models.CategoryParsing)
		return
	}
	var chanID int64
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		a.NotifyError(fmt.Errorf("decode channel id: %w", err), models.CategoryParsing)
		return
	}

	// Heartbeats, checksums and trade execution markers are strings.
	var marker string
	if json.Unmarshal(frame[1], &marker) == nil {
		if marker == "te" && len(frame) > 2 {
			a.handleTrade(chanID, frame[2])
		}
		return
	}

	current, _ := symbols.ToExchange(ID, a.Symbol())
	a.mu.Lock()
	ch, ok := a.chans[chanID]
	a.mu.Unlock()
	if !ok || ch.symbol != current {
		return
	}
	// Trade snapshots carry history and are not replayed.
	if ch.name == "book" {
		a.handleBook(frame[1])
	}
}

func (a *Adapter) handleEvent(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		a.NotifyError(fmt.Errorf("decode event: %w", err), models.CategoryParsing)
		return
	}
	switch ev.Event {
	case "subscribed":
		a.mu.Lock()
		a.chans[ev.ChanID] = channel{name: ev.Channel, symbol: ev.Symbol}
		a.mu.Unlock()
	case "unsubscribed":
		a.mu.Lock()
		delete(a.chans, ev.ChanID)
		a.mu.Unlock()
	case "error":
		a.NotifyError(fmt.Errorf("bitfinex error %d: %s", ev.Code, ev.Msg), models.CategoryAPI)
	case "info":
		if ev.Code == codeReconnect {
			a.Log().Warn("bitfinex requested reconnect")
			go a.Reconnect()
		}
	}
}

// level converts a [price, count, amount] row. A zero count removes the
// level on the side given by the sign of amount.
func level(row []float64) (exchange.Level, bool, error) {
	if len(row) < 3 {
		return exchange.Level{}, false, fmt.Errorf("%w: short row %v", exchange.ErrInvalidLevel, row)
	}
	price, count, amount := row[0], row[1], row[2]
	qty := math.Abs(amount)
	if count == 0 {
		qty = 0
	}
	l, err := exchange.CheckLevel(price, qty)
	return l, amount > 0, err
}

func (a *Adapter) handleBook(raw json.RawMessage) {
	trimmed := bytes.TrimSpace(raw)
	snapshot := len(trimmed) > 1 && (trimmed[1] == '[' || trimmed[1] == ']')

	var rowsIn [][]float64
	if snapshot {
		if err := json.Unmarshal(raw, &rowsIn); err != nil {
			a.NotifyError(fmt.Errorf("decode book snapshot: %w", err), models.CategoryParsing)
			return
		}
	} else {
		var row []float64
		if err := json.Unmarshal(raw, &row); err != nil {
			a.NotifyError(fmt.Errorf("decode book update: %w", err), models.CategoryParsing)
			return
		}
		rowsIn = [][]float64{row}
	}

	var bids, asks []exchange.Level
	for _, r := range rowsIn {
		l, bid, err := level(r)
		if err != nil {
			a.NotifyError(fmt.Errorf("book row: %w", err), models.CategoryData)
			return
		}
		if bid {
			bids = append(bids, l)
		} else {
			asks = append(asks, l)
		}
	}

	a.mu.Lock()
	if snapshot {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return
		}
		a.book.ApplyDelta(bids, asks)
	}
	out := a.book.Data(time.Now().UnixMilli())
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

// handleTrade emits an [id, mts, amount, price] execution.
func (a *Adapter) handleTrade(chanID int64, raw json.RawMessage) {
	a.mu.Lock()
	ch, ok := a.chans[chanID]
	a.mu.Unlock()
	if !ok || ch.name != "trades" {
		return
	}
	var row []float64
	if err := json.Unmarshal(raw, &row); err != nil || len(row) < 4 {
		a.NotifyError(fmt.Errorf("decode trade: %s", raw), models.CategoryParsing)
		return
	}
	l, err := exchange.CheckLevel(row[3], math.Abs(row[2]))
	if err != nil || l.Quantity == 0 {
		a.NotifyError(fmt.Errorf("trade: invalid values %v", row), models.CategoryData)
		return
	}
	side := "buy"
	if row[2] < 0 {
		side = "sell"
	}
	a.EmitTrade(models.Trade{
		Exchange:  a.ID(),
		Symbol:    symbols.Canonical(ch.symbol),
		Price:     l.Price,
		Quantity:  l.Quantity,
		Side:      side,
		Timestamp: int64(row[1]),
	})
}
