// Package aggregator keeps the latest book of every enabled exchange for the
// active symbol, merges them on every update and publishes the results.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bookflow/config"
	"bookflow/exchange"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

var ErrNoSymbol = errors.New("aggregator: no active symbol")

// Connections looks up and lazily creates exchange connections.
type Connections interface {
	GetOrCreate(id string) (exchange.Connection, error)
	GetExchange(id string) (exchange.Connection, error)
}

type Service struct {
	conns  Connections
	merger Merger
	bus    *Bus
	data   *DataService
	log    *logger.Entry

	mu        sync.Mutex
	symbol    string
	enabled   []string
	snapshots map[string]models.OrderBookData
	merged    models.OrderBookData
	wired     map[exchange.Connection]bool
}

// NewService builds the service. bus and data may be nil.
func NewService(conns Connections, cfg config.AggregatorConfig, bus *Bus, data *DataService, log *logger.Log) *Service {
	if bus == nil {
		bus = NewBus(0)
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Service{
		conns:     conns,
		merger:    NewMerger(cfg.MaxDepth, cfg.PricePrecision, cfg.QuantityPrecision),
		bus:       bus,
		data:      data,
		log:       log.WithComponent("aggregator"),
		snapshots: make(map[string]models.OrderBookData),
		wired:     make(map[exchange.Connection]bool),
	}
}

func (s *Service) Bus() *Bus { return s.bus }

func (s *Service) Merger() Merger { return s.merger }

func (s *Service) Symbol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

// Exchanges returns the enabled exchange ids in subscription order.
func (s *Service) Exchanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enabled...)
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Subscribe makes symbol the active symbol on every exchange in ids and
// connects them concurrently. Exchanges that fail are reported in the joined
// error and do not affect the others. Subscribing an exchange that is
// already live on symbol is a no-op for that exchange.
func (s *Service) Subscribe(ctx context.Context, symbol string, ids []string) error {
	symbol = symbols.Canonical(symbol)
	if symbol == "" {
		return errors.New("aggregator: empty symbol")
	}
	ids = normalizeIDs(ids)

	s.mu.Lock()
	if s.symbol != symbol {
		s.snapshots = make(map[string]models.OrderBookData)
		s.merged = models.OrderBookData{}
	}
	prevSymbol := s.symbol
	s.symbol = symbol
	dropped := make([]string, 0)
	for _, id := range s.enabled {
		if !contains(ids, id) {
			dropped = append(dropped, id)
		}
	}
	s.enabled = ids
	for _, id := range dropped {
		delete(s.snapshots, id)
	}
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"symbol": symbol, "exchanges": ids}).Info("subscribing")
	var errs []error
	for _, id := range dropped {
		if prevSymbol == "" {
			break
		}
		if err := s.detach(id, prevSymbol); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.attachAll(ctx, symbol, ids)...)
	if len(dropped) > 0 {
		s.republish()
	}
	return errors.Join(errs...)
}

// UpdateExchanges changes the enabled set for the active symbol. Removed
// exchanges drop their channels but keep their sockets; added ones are
// connected and subscribed. The merged book is re-emitted from the remaining
// snapshots.
func (s *Service) UpdateExchanges(ctx context.Context, ids []string) error {
	ids = normalizeIDs(ids)

	s.mu.Lock()
	symbol := s.symbol
	var added, removed []string
	for _, id := range ids {
		if !contains(s.enabled, id) {
			added = append(added, id)
		}
	}
	for _, id := range s.enabled {
		if !contains(ids, id) {
			removed = append(removed, id)
			delete(s.snapshots, id)
		}
	}
	s.enabled = ids
	s.mu.Unlock()

	if symbol == "" {
		return nil
	}
	s.log.WithFields(logger.Fields{"added": added, "removed": removed}).Info("updating exchanges")

	var errs []error
	for _, id := range removed {
		if err := s.detach(id, symbol); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.attachAll(ctx, symbol, added)...)
	s.republish()
	return errors.Join(errs...)
}

// Unsubscribe drops symbol on every enabled exchange and clears every
// snapshot.
func (s *Service) Unsubscribe(ctx context.Context, symbol string) error {
	symbol = symbols.Canonical(symbol)

	s.mu.Lock()
	if symbol == "" {
		symbol = s.symbol
	}
	if symbol == "" || symbol != s.symbol {
		s.mu.Unlock()
		return nil
	}
	ids := append([]string(nil), s.enabled...)
	s.symbol = ""
	s.snapshots = make(map[string]models.OrderBookData)
	s.merged = models.OrderBookData{}
	s.mu.Unlock()

	s.log.WithSymbol(symbol).Info("unsubscribing")
	var errs []error
	for _, id := range ids {
		if err := s.detach(id, symbol); err != nil {
			errs = append(errs, err)
		}
	}
	if s.data != nil {
		if err := s.data.Clear(ctx, symbol); err != nil {
			s.log.WithError(err).Warn("failed to clear latest book")
		}
	}
	return errors.Join(errs...)
}

// GetStatus returns the connection status of id, or disconnected when the
// exchange was never created.
func (s *Service) GetStatus(id string) models.Status {
	conn, err := s.conns.GetExchange(strings.ToLower(id))
	if err != nil {
		return models.StatusDisconnected
	}
	return conn.Status()
}

// Statuses reports every enabled exchange.
func (s *Service) Statuses() map[string]models.Status {
	out := make(map[string]models.Status)
	for _, id := range s.Exchanges() {
		out[id] = s.GetStatus(id)
	}
	return out
}

func (s *Service) Reconnect(id string) error {
	conn, err := s.conns.GetExchange(strings.ToLower(id))
	if err != nil {
		return err
	}
	s.log.WithExchange(conn.ID()).Info("manual reconnect")
	conn.Reconnect()
	return nil
}

// OrderBook returns the last merged book.
func (s *Service) OrderBook() models.OrderBookData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merged
}

// Snapshot returns the last normalized book of one exchange.
func (s *Service) Snapshot(id string) (models.OrderBookData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.snapshots[strings.ToLower(id)]
	return b, ok
}

func (s *Service) attachAll(ctx context.Context, symbol string, ids []string) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.attach(ctx, id, symbol); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

// attach gets or creates the connection, stores the symbol on it and
// connects. The harness sends the subscription once the socket is open.
func (s *Service) attach(ctx context.Context, id, symbol string) error {
	conn, err := s.conns.GetOrCreate(id)
	if err != nil {
		s.log.WithExchange(id).WithError(err).Warn("cannot create exchange")
		return fmt.Errorf("%s: %w", id, err)
	}
	s.wire(conn)
	if err := conn.Subscribe(symbol); err != nil {
		return fmt.Errorf("%s: subscribe %s: %w", id, symbol, err)
	}
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("%s: connect: %w", id, err)
	}
	return nil
}

func (s *Service) detach(id, symbol string) error {
	conn, err := s.conns.GetExchange(id)
	if err != nil {
		return nil
	}
	if err := conn.Unsubscribe(symbol); err != nil {
		return fmt.Errorf("%s: unsubscribe %s: %w", id, symbol, err)
	}
	return nil
}

// wire registers the service callbacks on conn once. Callbacks stay for the
// life of the connection and check the enabled set on every call.
func (s *Service) wire(conn exchange.Connection) {
	s.mu.Lock()
	if s.wired[conn] {
		s.mu.Unlock()
		return
	}
	s.wired[conn] = true
	s.mu.Unlock()

	id := conn.ID()
	conn.OnOrderBookUpdate(func(book models.OrderBookData) { s.handleUpdate(id, book) })
	conn.OnTradeUpdate(func(t models.Trade) {
		if s.active(id) {
			s.bus.Publish(Event{Type: EventTrade, Exchange: id, Symbol: t.Symbol, Data: t})
		}
	})
	conn.OnTickerUpdate(func(t models.Ticker) {
		if s.active(id) {
			s.bus.Publish(Event{Type: EventTicker, Exchange: id, Symbol: t.Symbol, Data: t})
		}
	})
	conn.OnError(func(ec models.ErrorContext) {
		s.bus.Publish(Event{Type: EventError, Exchange: id, Symbol: ec.Symbol, Error: ec.Message(), Category: ec.Category})
	})
	conn.OnIPBlock(func(ec models.ErrorContext) {
		s.bus.Publish(Event{Type: EventIPBlock, Exchange: id, Symbol: ec.Symbol, Error: ec.Message(), Category: ec.Category})
	})
	conn.OnConnect(func() {
		s.bus.Publish(Event{Type: EventStatus, Exchange: id, Data: models.StatusConnected})
	})
	conn.OnDisconnect(func() {
		s.bus.Publish(Event{Type: EventStatus, Exchange: id, Data: conn.Status()})
	})
}

func (s *Service) active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol != "" && contains(s.enabled, id)
}

// handleUpdate stores the normalized book of one exchange and re-merges
// every enabled exchange's latest snapshot.
func (s *Service) handleUpdate(id string, book models.OrderBookData) {
	start := time.Now()
	s.mu.Lock()
	if s.symbol == "" || !contains(s.enabled, id) {
		s.mu.Unlock()
		return
	}
	norm := s.merger.NormalizeBook(book)
	s.snapshots[id] = norm
	merged := s.mergeLocked()
	symbol := s.symbol
	s.bus.Publish(Event{Type: EventExchange, Exchange: id, Symbol: symbol, Data: norm})
	s.bus.Publish(Event{Type: EventOrderBook, Symbol: symbol, Data: merged})
	s.mu.Unlock()

	metrics.IncrementMergedUpdate(symbol)
	logger.IncrementMergedEmit()
	s.store(symbol, merged)
	s.log.WithFields(logger.Fields{
		"exchange":    id,
		"symbol":      symbol,
		"bids":        len(merged.Bids),
		"asks":        len(merged.Asks),
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
	}).Debug("merged")
}

func (s *Service) mergeLocked() models.OrderBookData {
	books := make([]models.OrderBookData, 0, len(s.enabled))
	for _, id := range s.enabled {
		if b, ok := s.snapshots[id]; ok {
			books = append(books, b)
		}
	}
	merged := s.merger.AggregateData(books)
	if merged.Timestamp == 0 {
		merged.Timestamp = time.Now().UnixMilli()
	}
	s.merged = merged
	return merged
}

// republish emits the merged book of the remaining snapshots.
func (s *Service) republish() {
	s.mu.Lock()
	if s.symbol == "" {
		s.mu.Unlock()
		return
	}
	merged := s.mergeLocked()
	symbol := s.symbol
	s.bus.Publish(Event{Type: EventOrderBook, Symbol: symbol, Data: merged})
	s.mu.Unlock()
	s.store(symbol, merged)
}

func (s *Service) store(symbol string, merged models.OrderBookData) {
	if s.data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.data.Put(ctx, symbol, merged); err != nil {
		s.log.WithError(err).Warn("failed to store merged book")
	}
}
