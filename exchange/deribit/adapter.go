// Package deribit streams the Deribit JSON-RPC book and trade channels.
package deribit

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
	ID         = "deribit"
	DefaultURL = "wss://www.deribit.com/ws/api/v2"

	heartbeatSeconds = 30
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Error  *rpcError       `json:"error"`
	Params json.RawMessage `json:"params"`
}

type notification struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Type         string  `json:"type"`
	Timestamp    int64   `json:"timestamp"`
	Instrument   string  `json:"instrument_name"`
	ChangeID     int64   `json:"change_id"`
	PrevChangeID *int64  `json:"prev_change_id"`
	Bids         [][]any `json:"bids"`
	Asks         [][]any `json:"asks"`
}

type trade struct {
	Timestamp  int64   `json:"timestamp"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Direction  string  `json:"direction"`
	Instrument string  `json:"instrument_name"`
}

// Adapter is the Deribit connection.
type Adapter struct {
	*exchange.Harness

	mu       sync.Mutex
	book     *exchange.Book
	changeID int64
	reqID    int64
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

func (a *Adapter) call(method string, params any) map[string]any {
	a.mu.Lock()
	a.reqID++
	id := a.reqID
	a.mu.Unlock()
	return map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
}

func (a *Adapter) channels(symbol string) ([]string, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []string{"book." + native + ".100ms"}
	if a.Options().Trades {
		out = append(out, "trades."+native+".100ms")
	}
	return out, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	chans, err := a.channels(symbol)
	if err != nil {
		return nil, err
	}
	return []any{
		a.call("public/set_heartbeat", map[string]any{"interval": heartbeatSeconds}),
		a.call("public/subscribe", map[string]any{"channels": chans}),
	}, nil
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	chans, err := a.channels(symbol)
	if err != nil {
		return nil, err
	}
	return []any{a.call("public/unsubscribe", map[string]any{"channels": chans})}, nil
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.changeID = 0
	a.mu.Unlock()
}

func (a *Adapter) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}
	if env.Error != nil {
		a.NotifyError(fmt.Errorf("deribit error %d: %s", env.Error.Code, env.Error.Message), models.CategoryAPI)
		return
	}

	switch env.Method {
	case "heartbeat":
		var n notification
		_ = json.Unmarshal(env.Params, &n)
		if n.Type == "test_request" {
			if err := a.Send(a.call("public/test", map[string]any{})); err != nil {
				a.NotifyError(fmt.Errorf("answer heartbeat: %w", err), models.CategoryConnection)
			}
		}
	case "subscription":
		var n notification
		if err := json.Unmarshal(env.Params, &n); err != nil {
			a.NotifyError(fmt.Errorf("decode notification: %w", err), models.CategoryParsing)
			return
		}
		switch {
		case strings.HasPrefix(n.Channel, "book."):
			a.handleBook(n.Data)
		case strings.HasPrefix(n.Channel, "trades."):
			a.handleTrades(n.Data)
		}
	}
}

// rows converts [action, price, amount] entries. Deletes carry amount 0.
func rows(in [][]any) ([]exchange.Level, error) {
	out := make([]exchange.Level, 0, len(in))
	for _, r := range in {
		if len(r) < 3 {
			return nil, fmt.Errorf("%w: short row %v", exchange.ErrInvalidLevel, r)
		}
		action, _ := r[0].(string)
		price, ok1 := r[1].(float64)
		amount, ok2 := r[2].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: non numeric row %v", exchange.ErrInvalidLevel, r)
		}
		if action == "delete" {
			amount = 0
		}
		l, err := exchange.CheckLevel(price, amount)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (a *Adapter) handleBook(raw json.RawMessage) {
	var d bookData
	if err := json.Unmarshal(raw, &d); err != nil {
		a.NotifyError(fmt.Errorf("decode book: %w", err), models.CategoryParsing)
		return
	}
	bids, err := rows(d.Bids)
	if err == nil {
		var asks []exchange.Level
		if asks, err = rows(d.Asks); err == nil {
			a.applyBook(d, bids, asks)
			return
		}
	}
	a.NotifyError(fmt.Errorf("book rows: %w", err), models.CategoryData)
}

func (a *Adapter) applyBook(d bookData, bids, asks []exchange.Level) {
	a.mu.Lock()
	if d.Type == "snapshot" {
		a.book.ApplySnapshot(bids, asks)
	} else {
		if !a.book.Ready() {
			a.mu.Unlock()
			return
		}
		if d.PrevChangeID != nil && *d.PrevChangeID != a.changeID {
			expected := a.changeID
			a.book.Reset()
			a.changeID = 0
			a.mu.Unlock()
			a.NotifyError(fmt.Errorf("change id gap: expected prev %d, got %d", expected, *d.PrevChangeID), models.CategoryData)
			_ = a.Resubscribe()
			return
		}
		a.book.ApplyDelta(bids, asks)
	}
	a.changeID = d.ChangeID
	out := a.book.Data(d.Timestamp)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleTrades(raw json.RawMessage) {
	var trades []trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		a.NotifyError(fmt.Errorf("decode trades: %w", err), models.CategoryParsing)
		return
	}
	for _, tr := range trades {
		l, err := exchange.CheckLevel(tr.Price, tr.Amount)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %v@%v", tr.Amount, tr.Price), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    symbols.Canonical(tr.Instrument),
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      tr.Direction,
			Timestamp: tr.Timestamp,
		})
	}
}
