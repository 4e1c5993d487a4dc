// Package binance streams the Binance spot diff-depth feed and bridges it
// onto a REST depth snapshot.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"bookflow/exchange"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID             = "binance"
	DefaultURL     = "wss://stream.binance.com:9443/ws"
	DefaultRESTURL = "https://api.binance.com"

	snapshotLimit  = 1000
	maxBuffered    = 2000
	restTimeout    = 10 * time.Second
	defaultRESTRPS = 1.0
)

type depthEvent struct {
	first int64
	last  int64
	bids  []exchange.Level
	asks  []exchange.Level
	ts    int64
}

// Adapter is the Binance spot connection.
type Adapter struct {
	*exchange.Harness

	client  *gobinance.Client
	limiter *rate.Limiter

	mu           sync.Mutex
	book         *exchange.Book
	epoch        uint64
	synced       bool
	fetching     bool
	lastUpdateID int64
	buffer       []depthEvent
	reqID        int64
}

func New(opts exchange.Options, reporter exchange.ErrorReporter, log *logger.Log) *Adapter {
	if opts.ID == "" {
		opts.ID = ID
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.RESTURL == "" {
		opts.RESTURL = DefaultRESTURL
	}
	rps := opts.RESTRatePerSecond
	if rps <= 0 {
		rps = defaultRESTRPS
	}

	client := gobinance.NewClient("", "")
	client.BaseURL = strings.TrimRight(opts.RESTURL, "/")
	client.HTTPClient = &http.Client{
		Timeout: restTimeout,
		Transport: &metrics.UsedWeightTransport{
			Exchange: opts.ID,
			Base: &http.Transport{
				MaxIdleConns:    4,
				MaxConnsPerHost: 4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}

	a := &Adapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
	a.Harness = exchange.NewHarness(opts, a, reporter, log)
	a.book = exchange.NewBook(a.ID(), a.Options().Depth)
	return a
}

func (a *Adapter) streams(symbol string) ([]string, error) {
	native, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	s := strings.ToLower(native)
	out := []string{s + "@depth@100ms"}
	if a.Options().Trades {
		out = append(out, s+"@trade", s+"@bookTicker")
	}
	return out, nil
}

func (a *Adapter) request(method, symbol string) ([]any, error) {
	params, err := a.streams(symbol)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.reqID++
	id := a.reqID
	a.mu.Unlock()
	return []any{map[string]any{"method": method, "params": params, "id": id}}, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.request("SUBSCRIBE", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.request("UNSUBSCRIBE", symbol)
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Adapter) resetLocked() {
	a.epoch++
	a.book.Reset()
	a.synced = false
	a.fetching = false
	a.lastUpdateID = 0
	a.buffer = nil
}

func (a *Adapter) HandleMessage(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}

	if errRaw, ok := raw["error"]; ok && string(errRaw) != "null" {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(errRaw, &apiErr)
		a.NotifyError(fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg), models.CategoryAPI)
		return
	}

	var event string
	if v, ok := raw["e"]; ok {
		_ = json.Unmarshal(v, &event)
	}
	switch {
	case event == "depthUpdate":
		a.handleDepth(raw)
	case event == "trade":
		a.handleTrade(raw)
	case event == "" && hasKeys(raw, "u", "b", "B", "a", "A"):
		a.handleBookTicker(raw)
	}
}

func hasKeys(raw map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; !ok {
			return false
		}
	}
	return true
}

func field[T any](raw map[string]json.RawMessage, key string) (T, error) {
	var v T
	b, ok := raw[key]
	if !ok {
		return v, fmt.Errorf("missing field %q", key)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("field %q: %w", key, err)
	}
	return v, nil
}

func (a *Adapter) handleDepth(raw map[string]json.RawMessage) {
	first, err1 := field[int64](raw, "U")
	last, err2 := field[int64](raw, "u")
	ts, _ := field[int64](raw, "E")
	bidRows, err3 := field[[][]string](raw, "b")
	askRows, err4 := field[[][]string](raw, "a")
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		a.NotifyError(fmt.Errorf("decode depth: %w", err), models.CategoryParsing)
		return
	}
	bids, err := exchange.ParseStringLevels(bidRows)
	if err == nil {
		var asks []exchange.Level
		asks, err = exchange.ParseStringLevels(askRows)
		if err == nil {
			a.applyEvent(depthEvent{first: first, last: last, bids: bids, asks: asks, ts: ts})
			return
		}
	}
	a.NotifyError(fmt.Errorf("depth update: %w", err), models.CategoryData)
}

func (a *Adapter) applyEvent(ev depthEvent) {
	a.mu.Lock()
	if !a.synced {
		if len(a.buffer) >= maxBuffered {
			a.buffer = a.buffer[1:]
		}
		a.buffer = append(a.buffer, ev)
		start := !a.fetching
		a.fetching = true
		epoch := a.epoch
		a.mu.Unlock()
		if start {
			go a.fetchSnapshot(a.Symbol(), epoch)
		}
		return
	}

	if ev.last <= a.lastUpdateID {
		a.mu.Unlock()
		return
	}
	if ev.first > a.lastUpdateID+1 {
		gap := fmt.Errorf("sequence gap: expected %d, got %d", a.lastUpdateID+1, ev.first)
		a.resetLocked()
		a.buffer = []depthEvent{ev}
		a.fetching = true
		epoch := a.epoch
		a.mu.Unlock()
		a.NotifyError(gap, models.CategoryData)
		go a.fetchSnapshot(a.Symbol(), epoch)
		return
	}
	a.book.ApplyDelta(ev.bids, ev.asks)
	a.lastUpdateID = ev.last
	data := a.book.Data(ev.ts)
	a.mu.Unlock()
	a.EmitOrderBook(data)
}

func (a *Adapter) fetchSnapshot(symbol string, epoch uint64) {
	if symbol == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	err := a.limiter.Wait(ctx)
	var res *gobinance.DepthResponse
	if err == nil {
		start := time.Now()
		res, err = a.client.NewDepthService().Symbol(symbol).Limit(snapshotLimit).Do(ctx)
		logger.LogPerformanceEntry(a.Log(), "binance_adapter", "depth_snapshot", time.Since(start), logger.Fields{"symbol": symbol})
	}

	a.mu.Lock()
	if epoch != a.epoch {
		a.mu.Unlock()
		return
	}
	a.fetching = false
	if err != nil {
		a.mu.Unlock()
		a.NotifyError(fmt.Errorf("depth snapshot %s: %w", symbol, err), models.CategoryAPI)
		return
	}

	bids := make([]exchange.Level, 0, len(res.Bids))
	for _, b := range res.Bids {
		l, perr := exchange.ParseLevel(b.Price, b.Quantity)
		if perr != nil {
			err = perr
			break
		}
		bids = append(bids, l)
	}
	asks := make([]exchange.Level, 0, len(res.Asks))
	for _, s := range res.Asks {
		l, perr := exchange.ParseLevel(s.Price, s.Quantity)
		if perr != nil {
			err = perr
			break
		}
		asks = append(asks, l)
	}
	if err != nil {
		a.mu.Unlock()
		a.NotifyError(fmt.Errorf("depth snapshot %s: %w", symbol, err), models.CategoryData)
		return
	}

	a.book.ApplySnapshot(bids, asks)
	a.lastUpdateID = res.LastUpdateID
	var ts int64
	for _, ev := range a.buffer {
		if ev.last <= a.lastUpdateID {
			continue
		}
		if ev.first > a.lastUpdateID+1 {
			gap := fmt.Errorf("buffered sequence gap: expected %d, got %d", a.lastUpdateID+1, ev.first)
			a.resetLocked()
			a.mu.Unlock()
			a.NotifyError(gap, models.CategoryData)
			return
		}
		a.book.ApplyDelta(ev.bids, ev.asks)
		a.lastUpdateID = ev.last
		ts = ev.ts
	}
	a.buffer = nil
	a.synced = true
	data := a.book.Data(ts)
	a.mu.Unlock()
	a.EmitOrderBook(data)
}

func (a *Adapter) handleTrade(raw map[string]json.RawMessage) {
	price, err1 := field[string](raw, "p")
	qty, err2 := field[string](raw, "q")
	ts, _ := field[int64](raw, "T")
	maker, _ := field[bool](raw, "m")
	sym, _ := field[string](raw, "s")
	if err := errors.Join(err1, err2); err != nil {
		a.NotifyError(fmt.Errorf("decode trade: %w", err), models.CategoryParsing)
		return
	}
	l, err := exchange.ParseLevel(price, qty)
	if err != nil || l.Quantity == 0 {
		a.NotifyError(fmt.Errorf("trade: invalid values %s@%s", qty, price), models.CategoryData)
		return
	}
	side := "buy"
	if maker {
		side = "sell"
	}
	a.EmitTrade(models.Trade{Exchange: a.ID(), Symbol: sym, Price: l.Price, Quantity: l.Quantity, Side: side, Timestamp: ts})
}

func (a *Adapter) handleBookTicker(raw map[string]json.RawMessage) {
	vals := make([]float64, 0, 4)
	for _, k := range []string{"b", "B", "a", "A"} {
		s, err := field[string](raw, k)
		if err != nil {
			a.NotifyError(fmt.Errorf("decode book ticker: %w", err), models.CategoryParsing)
			return
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			a.NotifyError(fmt.Errorf("book ticker %s: %w", k, err), models.CategoryData)
			return
		}
		vals = append(vals, f)
	}
	sym, _ := field[string](raw, "s")
	a.EmitTicker(models.Ticker{
		Exchange:   a.ID(),
		Symbol:     sym,
		BestBid:    vals[0],
		BestBidQty: vals[1],
		BestAsk:    vals[2],
		BestAskQty: vals[3],
		Timestamp:  time.Now().UnixMilli(),
	})
}
