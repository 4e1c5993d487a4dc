// Package okx streams the OKX v5 public books channel.
package okx

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "okx"
	DefaultURL = "wss://ws.okx.com:8443/ws/v5/public"
)

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type message struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type tradeData struct {
	InstID string `json:"instId"`
	Px     string `json:"px"`
	Sz     string `json:"sz"`
	Side   string `json:"side"`
	TS     string `json:"ts"`
}

// Adapter is the OKX connection.
type Adapter struct {
	*exchange.Harness

	mu    sync.Mutex
	book  *exchange.Book
	seqID int64
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

func (a *Adapter) frame(op, symbol string) ([]any, error) {
	inst, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	args := []arg{{Channel: "books", InstID: inst}}
	if a.Options().Trades {
		args = append(args, arg{Channel: "trades", InstID: inst})
	}
	return []any{map[string]any{"op": op, "args": args}}, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.frame("subscribe", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.frame("unsubscribe", symbol)
}

// PingMessage is the plain text keepalive OKX answers with "pong".
func (a *Adapter) PingMessage() any {
	return "ping"
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.seqID = 0
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("pong")) {
		return
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if msg.Event == "error" {
		a.NotifyError(fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg), models.CategoryAPI)
		return
	}
	if msg.Event != "" {
		return
	}

	switch msg.Arg.Channel {
	case "books":
		var rows []bookData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			a.NotifyError(fmt.Errorf("decode books: %w", err), models.CategoryParsing)
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

func millis(ts string) int64 {
	v, _ := strconv.ParseInt(ts, 10, 64)
	return v
}

// handleBook applies one row and reports whether the rest of the frame may
// be processed.
func (a *Adapter) handleBook(d bookData, snapshot bool) bool {
	// Rows are [price, size, deprecated, orders].
	bids, err := exchange.ParseStringLevels(d.Bids)
	if err != nil {
		a.NotifyError(fmt.Errorf("books bids: %w", err), models.CategoryData)
		return false
	}
	asks, err := exchange.ParseStringLevels(d.Asks)
	if err != nil {
		a.NotifyError(fmt.Errorf("books asks: %w", err), models.CategoryData)
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
		if d.PrevSeqID != a.seqID {
			expected := a.seqID
			a.book.Reset()
			a.mu.Unlock()
			a.NotifyError(fmt.Errorf("sequence gap: expected prevSeqId %d, got %d", expected, d.PrevSeqID), models.CategoryData)
			_ = a.Resubscribe()
			return false
		}
		a.book.ApplyDelta(bids, asks)
	}
	a.seqID = d.SeqID
	out := a.book.Data(millis(d.TS))
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
		l, err := exchange.ParseLevel(tr.Px, tr.Sz)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %q@%q", tr.Sz, tr.Px), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    symbols.Canonical(tr.InstID),
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      tr.Side,
			Timestamp: millis(tr.TS),
		})
	}
}
