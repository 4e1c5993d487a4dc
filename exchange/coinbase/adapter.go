// Package coinbase streams the Coinbase Exchange level2 feed.
package coinbase

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

const (
	ID         = "coinbase"
	DefaultURL = "wss://ws-feed.exchange.coinbase.com"
)

type message struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
	Time      string     `json:"time"`
	Side      string     `json:"side"`
	Price     string     `json:"price"`
	Size      string     `json:"size"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason"`
}

// Adapter is the Coinbase connection.
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

func (a *Adapter) frame(kind, symbol string) ([]any, error) {
	product, err := symbols.ToExchange(ID, symbol)
	if err != nil {
		return nil, err
	}
	channels := []string{"level2_batch", "heartbeat"}
	if a.Options().Trades {
		channels = append(channels, "matches")
	}
	return []any{map[string]any{
		"type":        kind,
		"product_ids": []string{product},
		"channels":    channels,
	}}, nil
}

func (a *Adapter) SubscribeMessages(symbol string) ([]any, error) {
	return a.frame("subscribe", symbol)
}

func (a *Adapter) UnsubscribeMessages(symbol string) ([]any, error) {
	return a.frame("unsubscribe", symbol)
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.book.Reset()
	a.mu.Unlock()
}

func parseTime(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func (a *Adapter) HandleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.NotifyError(fmt.Errorf("decode message: %w", err), models.CategoryParsing)
		return
	}

	switch msg.Type {
	case "snapshot", "l2update", "match", "last_match":
		// Frames for a previous product can still arrive after a switch.
		if current, err := symbols.ToExchange(ID, a.Symbol()); err != nil || msg.ProductID != current {
			return
		}
	}

	switch msg.Type {
	case "snapshot":
		a.handleSnapshot(msg)
	case "l2update":
		a.handleUpdate(msg)
	case "match", "last_match":
		a.handleMatch(msg)
	case "error":
		a.NotifyError(fmt.Errorf("coinbase error: %s %s", msg.Message, msg.Reason), models.CategoryAPI)
	}
}

func (a *Adapter) handleSnapshot(msg message) {
	bids, err := exchange.ParseStringLevels(msg.Bids)
	if err != nil {
		a.NotifyError(fmt.Errorf("snapshot bids: %w", err), models.CategoryData)
		return
	}
	asks, err := exchange.ParseStringLevels(msg.Asks)
	if err != nil {
		a.NotifyError(fmt.Errorf("snapshot asks: %w", err), models.CategoryData)
		return
	}
	a.mu.Lock()
	a.book.ApplySnapshot(bids, asks)
	out := a.book.Data(parseTime(msg.Time))
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleUpdate(msg message) {
	var bids, asks []exchange.Level
	for _, ch := range msg.Changes {
		if len(ch) < 3 {
			a.NotifyError(fmt.Errorf("l2update: short change %v", ch), models.CategoryData)
			return
		}
		l, err := exchange.ParseLevel(ch[1], ch[2])
		if err != nil {
			a.NotifyError(fmt.Errorf("l2update: %w", err), models.CategoryData)
			return
		}
		switch ch[0] {
		case "buy":
			bids = append(bids, l)
		case "sell":
			asks = append(asks, l)
		default:
			a.NotifyError(fmt.Errorf("l2update: unknown side %q", ch[0]), models.CategoryData)
			return
		}
	}

	a.mu.Lock()
	if !a.book.Ready() {
		a.mu.Unlock()
		return
	}
	a.book.ApplyDelta(bids, asks)
	out := a.book.Data(parseTime(msg.Time))
	a.mu.Unlock()
	a.EmitOrderBook(out)
}

func (a *Adapter) handleMatch(msg message) {
	l, err := exchange.ParseLevel(msg.Price, msg.Size)
	if err != nil || l.Quantity == 0 {
		a.NotifyError(fmt.Errorf("match: invalid values %q@%q", msg.Size, msg.Price), models.CategoryData)
		return
	}
	// side is the maker's; report the taker's.
	side := "buy"
	if msg.Side == "buy" {
		side = "sell"
	}
	a.EmitTrade(models.Trade{
		Exchange:  a.ID(),
		Symbol:    symbols.Canonical(msg.ProductID),
		Price:     l.Price,
		Quantity:  l.Quantity,
		Side:      side,
		Timestamp: parseTime(msg.Time),
	})
}
