// Package hitbtc streams the HitBTC v3 public order book.
package hitbtc

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
	ID         = "hitbtc"
	DefaultURL = "wss://api.hitbtc.com/api/3/ws/public"
)

type apiError struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

type message struct {
	Ch       string                     `json:"ch"`
	Snapshot map[string]json.RawMessage `json:"snapshot"`
	Update   map[string]json.RawMessage `json:"update"`
	Error    *apiError                  `json:"error"`
}

type bookData struct {
	TS   int64      `json:"t"`
	Seq  int64      `json:"s"`
	Asks [][]string `json:"a"`
	Bids [][]string `json:"b"`
}

type tradeData struct {
	TS    int64  `json:"t"`
	Price string `json:"p"`
	Qty   string `json:"q"`
	Side  string `json:"s"`
}

// Adapter is the HitBTC connection.
type Adapter struct {
	*exchange.Harness

	mu    sync.Mutex
	book  *exchange.Book
	seq   int64
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

func (a *Adapter) frames(method, symbol string) ([]any, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	chans := []string{"orderbook/full"}
	if a.Options().Trades {
		chans = append(chans, "trades")
	}
	out := make([]any, 0, len(chans))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range chans {
		a.reqID++
		out = append(out, map[string]any{
			"method": method,
			"ch":     ch,
			"params": map[string]any{"symbols": []string{native}},
			"id":     a.reqID,
		})
	}
	return out, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.frames("subscribe", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.frames("unsubscribe", symbol)
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.seq = 0
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if msg.Error != nil {
		a.NotifyError(fmt.Errorf("hitbtc error %d: %s %s", msg.Error.Code, msg.Error.Message, msg.Error.Description), models.CategoryAPI)
		return
	}

	switch msg.Ch {
	case "orderbook/full":
		for _, raw := range msg.Snapshot {
			a.handleBook(raw, true)
		}
		for _, raw := range msg.Update {
			a.handleBook(raw, false)
		}
	case "trades":
		for sym, raw := range msg.Update {
			a.handleTrades(sym, raw)
		}
	}
}

func (a *Adapter) handleBook(raw json.RawMessage, snapshot bool) {
	var d bookData
	if err := json.Unmarshal(raw, &d); err != nil {
		a.NotifyError(fmt.Errorf("decode orderbook: %w", err), models.CategoryParsing)
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
	if snapshot {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return
		}
		if d.Seq != a.seq+1 {
			expected := a.seq + 1
			a.book.Reset()
			a.mu.Unlock()
			a.NotifyError(fmt.Errorf("sequence gap: expected %d, got %d", expected, d.Seq), models.CategoryData)
			_ = a.Resubscribe()
			return
		}
		a.book.ApplyDelta(bids, asks)
	}
	a.seq = d.Seq
	out := a.book.Data(d.TS)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleTrades(symbol string, raw json.RawMessage) {
	var trades []tradeData
	if err := json.Unmarshal(raw, &trades); err != nil {
		a.NotifyError(fmt.Errorf("decode trades: %w", err), models.CategoryParsing)
		return
	}
	for _, tr := range trades {
		l, err := exchange.ParseLevel(tr.Price, tr.Qty)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %q@%q", tr.Qty, tr.Price), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{Exchange: a.ID(), Symbol: symbol, Price: l.Price, Quantity: l.Quantity, Side: tr.Side, Timestamp: tr.TS})
	}
}
