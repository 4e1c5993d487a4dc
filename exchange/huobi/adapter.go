// Package huobi streams the Huobi (HTX) market depth feed. Frames arrive
// gzip compressed.
package huobi

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "huobi"
	DefaultURL = "wss://api.huobi.pro/ws"
)

type message struct {
	Ping   *int64          `json:"ping"`
	Ch     string          `json:"ch"`
	TS     int64           `json:"ts"`
	Tick   json.RawMessage `json:"tick"`
	Status string          `json:"status"`
	ErrMsg string          `json:"err-msg"`
	ErrCod string          `json:"err-code"`
}

type depthTick struct {
	Bids [][]exchange.Number `json:"bids"`
	Asks [][]exchange.Number `json:"asks"`
	TS   int64               `json:"ts"`
}

type tradeTick struct {
	Data []struct {
		TS        int64   `json:"ts"`
		Amount    float64 `json:"amount"`
		Price     float64 `json:"price"`
		Direction string  `json:"direction"`
	} `json:"data"`
}

// Adapter is the Huobi connection.
type Adapter struct {
	*exchange.Harness

	mu   sync.Mutex
	book *exchange.Book
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

// Decode inflates binary frames.
func (a *Adapter) Decode(mt int, data []byte) ([]byte, error) {
	if mt != websocket.BinaryMessage {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (a *Adapter) topics(symbol string) ([]string, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []string{"market." + native + ".depth.step0"}
	if a.Options().Trades {
		out = append(out, "market."+native+".trade.detail")
	}
	return out, nil
}

func (a *Adapter) frames(kind, symbol string) ([]any, error) {
	topics, err := a.topics(symbol)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(topics))
	for _, t := range topics {
		out = append(out, map[string]any{kind: t, "id": uuid.NewString()})
	}
	return out, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.frames("sub", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.frames("unsub", symbol)
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

	if msg.Ping != nil {
		if err := a.Send(map[string]any{"pong": *msg.Ping}); err != nil {
			a.NotifyError(fmt.Errorf("answer ping: %w", err), models.CategoryConnection)
		}
		return
	}
	if msg.Status == "error" {
		a.NotifyError(fmt.Errorf("huobi error %s: %s", msg.ErrCod, msg.ErrMsg), models.CategoryAPI)
		return
	}

	switch {
	case strings.HasSuffix(msg.Ch, ".depth.step0"):
		a.handleDepth(msg)
	case strings.HasSuffix(msg.Ch, ".trade.detail"):
		a.handleTrades(msg)
	}
}

func (a *Adapter) handleDepth(msg message) {
	var tick depthTick
	if err := json.Unmarshal(msg.Tick, &tick); err != nil {
		a.NotifyError(fmt.Errorf("decode depth tick: %w", err), models.CategoryParsing)
		return
	}
	bids, err := exchange.ParseNumberLevels(toFloats(tick.Bids))
	if err != nil {
		a.NotifyError(fmt.Errorf("depth bids: %w", err), models.CategoryData)
		return
	}
	asks, err := exchange.ParseNumberLevels(toFloats(tick.Asks))
	if err != nil {
		a.NotifyError(fmt.Errorf("depth asks: %w", err), models.CategoryData)
		return
	}
	ts := tick.TS
	if ts == 0 {
		ts = msg.TS
	}

	// Every push is a full picture of the top of the book.
	a.mu.Lock()
	a.book.ApplySnapshot(bids, asks)
	out := a.book.Data(ts)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func toFloats(rows [][]exchange.Number) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		for j, v := range r {
			out[i][j] = float64(v)
		}
	}
	return out
}

func (a *Adapter) handleTrades(msg message) {
	var tick tradeTick
	if err := json.Unmarshal(msg.Tick, &tick); err != nil {
		a.NotifyError(fmt.Errorf("decode trade tick: %w", err), models.CategoryParsing)
		return
	}
	symbol := strings.ToUpper(strings.TrimSuffix(strings.TrimPrefix(msg.Ch, "market."), ".trade.detail"))
	for _, tr := range tick.Data {
		l, err := exchange.CheckLevel(tr.Price, tr.Amount)
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %v@%v", tr.Amount, tr.Price), models.CategoryData)
			continue
		}
		a.EmitTrade(models.Trade{
			Exchange:  a.ID(),
			Symbol:    symbol,
			Price:     l.Price,
			Quantity:  l.Quantity,
			Side:      tr.Direction,
			Timestamp: tr.TS,
		})
	}
}
