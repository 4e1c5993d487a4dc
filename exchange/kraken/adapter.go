// Package kraken streams the Kraken v1 public book and trade channels.
package kraken

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "kraken"
	DefaultURL = "wss://ws.kraken.com"
)

type event struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Pair         string `json:"pair"`
}

type bookPayload struct {
	As [][]string `json:"as"`
	Bs [][]string `json:"bs"`
	A  [][]string `json:"a"`
	B  [][]string `json:"b"`
}

// Adapter is the Kraken connection.
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

// bookDepth picks the smallest subscription depth Kraken offers that covers depth.
func bookDepth(depth int) int {
	switch {
	case depth <= 10:
		return 10
	case depth <= 25:
		return 25
	default:
		return 100
	}
}

func (a *Adapter) frames(kind, symbol string) ([]any, error) {
	pair, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	out := []any{map[string]any{
		"event":        kind,
		"pair":         []string{pair},
		"subscription": map[string]any{"name": "book", "depth": bookDepth(a.Options().Depth)},
	}}
	if a.Options().Trades {
		out = append(out, map[string]any{
			"event":        kind,
			"pair":         []string{pair},
			"subscription": map[string]any{"name": "trade"},
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

func (a *Adapter) PingMessage() any {
	a.mu.Lock()
	a.reqID++
	id := a.reqID
	a.mu.Unlock()
	return map[string]any{"event": "ping", "reqid": id}
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
	if len(frame) < 4 {
		a.NotifyError(fmt.Errorf("short channel frame of %d elements", len(frame)), models.CategoryParsing)
		return
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		a.NotifyError(fmt.Errorf("decode channel name: %w", err), models.CategoryParsing)
		return
	}
	_ = json.Unmarshal(frame[len(frame)-1], &pair)
	payloads := frame[1 : len(frame)-2]

	switch {
	case strings.HasPrefix(channel, "book"):
		a.handleBook(payloads)
	case channel == "trade":
		a.handleTrades(payloads, pair)
	}
}

func (a *Adapter) handleEvent(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		a.NotifyError(fmt.Errorf("decode event: %w", err), models.CategoryParsing)
		return
	}
	switch ev.Event {
	case "subscriptionStatus":
		if ev.Status == "error" {
			a.NotifyError(fmt.Errorf("kraken subscription %s: %s", ev.Pair, ev.ErrorMessage), models.CategoryAPI)
		}
	case "error":
		a.NotifyError(fmt.Errorf("kraken error: %s", ev.ErrorMessage), models.CategoryAPI)
	case "systemStatus":
		if ev.Status != "" && ev.Status != "online" {
			a.Log().WithFields(logger.Fields{"status": ev.Status}).Warn("kraken system status")
		}
	}
}

// rows parses [price, volume, timestamp(, "r")] rows and returns the latest
// timestamp in milliseconds.
func rows(in [][]string) ([]exchange.Level, int64, error) {
	out := make([]exchange.Level, 0, len(in))
	var ts int64
	for _, r := range in {
		if len(r) < 2 {
			return nil, 0, fmt.Errorf("%w: short row %v", exchange.ErrInvalidLevel, r)
		}
		l, err := exchange.ParseLevel(r[0], r[1])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
		if len(r) > 2 {
			if ms, ok := millis(r[2]); ok && ms > ts {
				ts = ms
			}
		}
	}
	return out, ts, nil
}

// millis converts a decimal seconds string such as "1534614248.123678" to
// milliseconds without going through float64.
func millis(s string) (int64, bool) {
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	frac = (frac + "000")[:3]
	ms, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return sec*1000 + ms, true
}

func (a *Adapter) handleBook(payloads []json.RawMessage) {
	var snapshot bool
	var bids, asks []exchange.Level
	var ts int64
	for _, raw := range payloads {
		var p bookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			a.NotifyError(fmt.Errorf("decode book payload: %w", err), models.CategoryParsing)
			return
		}
		groups := []struct {
			src      [][]string
			dst      *[]exchange.Level
			snapshot bool
		}{
			{p.Bs, &bids, true},
			{p.As, &asks, true},
			{p.B, &bids, false},
			{p.A, &asks, false},
		}
		for _, g := range groups {
			if len(g.src) == 0 {
				continue
			}
			levels, t, err := rows(g.src)
			if err != nil {
				a.NotifyError(fmt.Errorf("book rows: %w", err), models.CategoryData)
				return
			}
			*g.dst = append(*g.dst, levels...)
			snapshot = snapshot || g.snapshot
			if t > ts {
				ts = t
			}
		}
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
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
	// Levels pushed out of the subscribed window are never deleted by Kraken.
	a.book.Truncate(bookDepth(a.Options().Depth))
	out := a.book.Data(ts)
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleTrades(payloads []json.RawMessage, pair string) {
	if len(payloads) == 0 {
		return
	}
	var trades [][]string
	if err := json.Unmarshal(payloads[0], &trades); err != nil {
		a.NotifyError(fmt.Errorf("decode trades: %w", err), models.CategoryParsing)
		return
	}
	symbol := symbols.Canonical(pair)
	for _, tr := range trades {
		if len(tr) < 4 {
			continue
		}
		l, err := exchange.ParseLevel(tr[0], tr[1])
		if err != nil || l.Quantity == 0 {
			a.NotifyError(fmt.Errorf("trade: invalid values %v", tr), models.CategoryData)
			continue
		}
		ts, _ := millis(tr[2])
		side := "buy"
		if tr[3] == "s" {
			side = "sell"
		}
		a.EmitTrade(models.Trade{Exchange: a.ID(), Symbol: symbol, Price: l.Price, Quantity: l.Quantity, Side: side, Timestamp: ts})
	}
}
