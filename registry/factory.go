// Package registry creates exchange connections by name, keeps one per
// exchange and supervises their reconnects.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bookflow/config"
	"bookflow/exchange"
	"bookflow/exchange/binance"
	"bookflow/exchange/bitfinex"
	"bookflow/exchange/bybit"
	"bookflow/exchange/coinbase"
	"bookflow/exchange/deribit"
	"bookflow/exchange/hitbtc"
	"bookflow/exchange/huobi"
	"bookflow/exchange/kraken"
	"bookflow/exchange/okx"
	"bookflow/exchange/phemex"
	"bookflow/exchange/poloniex"
	"bookflow/logger"
)

var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrExchangeNotFound    = errors.New("exchange not found")
)

// Supported lists the exchange ids CreateExchange understands.
var Supported = []string{
	binance.ID, bitfinex.ID, bybit.ID, coinbase.ID, deribit.ID, hitbtc.ID,
	huobi.ID, kraken.ID, okx.ID, phemex.ID, poloniex.ID,
}

// Factory builds adapters from configuration and keeps the live ones.
type Factory struct {
	cfg      *config.Config
	reporter exchange.ErrorReporter
	manager  *Manager
	log      *logger.Log

	mu    sync.RWMutex
	conns map[string]exchange.Connection
}

// NewFactory returns a factory. manager may be nil, in which case created
// connections are not supervised.
func NewFactory(cfg *config.Config, reporter exchange.ErrorReporter, manager *Manager, log *logger.Log) *Factory {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Factory{
		cfg:      cfg,
		reporter: reporter,
		manager:  manager,
		log:      log,
		conns:    make(map[string]exchange.Connection),
	}
}

// Options merges the per-exchange overrides with the reconnect policy.
func (f *Factory) Options(id string) exchange.Options {
	ec := f.cfg.Exchange(id)
	depth := ec.Depth
	if depth <= 0 {
		depth = f.cfg.Aggregator.MaxDepth
	}
	return exchange.Options{
		ID:                   id,
		URL:                  ec.WSURL,
		RESTURL:              ec.RESTURL,
		PingInterval:         ec.PingInterval,
		PongTimeout:          ec.PongTimeout,
		Depth:                depth,
		Trades:               ec.Trades,
		RESTRatePerSecond:    ec.RESTRatePerSecond,
		BaseDelay:            f.cfg.Reconnect.BaseDelay,
		MaxDelay:             f.cfg.Reconnect.MaxDelay,
		MaxReconnectAttempts: f.cfg.Reconnect.MaxAttempts,
		ResetDelay:           f.cfg.Reconnect.ResetDelay,
	}
}

// CreateExchange builds a new, unregistered connection for name.
func (f *Factory) CreateExchange(name string) (exchange.Connection, error) {
	id := strings.ToLower(strings.TrimSpace(name))
	opts := f.Options(id)
	switch strings.ToUpper(id) {
	case "BINANCE":
		return binance.New(opts, f.reporter, f.log), nil
	case "BYBIT":
		return bybit.New(opts, f.reporter, f.log), nil
	case "COINBASE":
		return coinbase.New(opts, f.reporter, f.log), nil
	case "KRAKEN":
		return kraken.New(opts, f.reporter, f.log), nil
	case "BITFINEX":
		return bitfinex.New(opts, f.reporter, f.log), nil
	case "DERIBIT":
		return deribit.New(opts, f.reporter, f.log), nil
	case "HUOBI":
		return huobi.New(opts, f.reporter, f.log), nil
	case "HITBTC":
		return hitbtc.New(opts, f.reporter, f.log), nil
	case "PHEMEX":
		return phemex.New(opts, f.reporter, f.log), nil
	case "POLONIEX":
		return poloniex.New(opts, f.reporter, f.log), nil
	case "OKX":
		return okx.New(opts, f.reporter, f.log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
}

// RegisterExchange stores conn under its id, replacing any previous one, and
// hands it to the manager.
func (f *Factory) RegisterExchange(conn exchange.Connection) {
	f.mu.Lock()
	prev := f.conns[conn.ID()]
	f.conns[conn.ID()] = conn
	f.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Disconnect()
		if f.manager != nil {
			f.manager.Remove(prev.ID())
		}
	}
	if f.manager != nil {
		f.manager.Add(conn)
	}
}

func (f *Factory) GetExchange(id string) (exchange.Connection, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	conn, ok := f.conns[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, id)
	}
	return conn, nil
}

// GetOrCreate returns the registered connection for id, creating and
// registering it first when needed.
func (f *Factory) GetOrCreate(id string) (exchange.Connection, error) {
	if conn, err := f.GetExchange(id); err == nil {
		return conn, nil
	}
	conn, err := f.CreateExchange(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if existing, ok := f.conns[conn.ID()]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.conns[conn.ID()] = conn
	f.mu.Unlock()
	if f.manager != nil {
		f.manager.Add(conn)
	}
	return conn, nil
}

// IDs returns the registered exchange ids in sorted order.
func (f *Factory) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.conns))
	for id := range f.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DisconnectAll closes every registered connection.
func (f *Factory) DisconnectAll() {
	f.mu.RLock()
	conns := make([]exchange.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}
