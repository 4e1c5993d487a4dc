package registry

import (
	"sync"

	"bookflow/exchange"
	"bookflow/internal/errorhandler"
	"bookflow/logger"
	"bookflow/models"
)

// Manager supervises connections: it counts reconnect attempts, answers the
// error handler's reconnect requests and sweeps all connections when the
// network goes away or comes back.
type Manager struct {
	handler *errorhandler.Handler
	log     *logger.Entry

	mu       sync.Mutex
	conns    map[string]exchange.Connection
	attempts map[string]int
}

// NewManager subscribes to handler's reconnect requests. handler may be nil.
func NewManager(handler *errorhandler.Handler, log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	m := &Manager{
		handler:  handler,
		log:      log.WithComponent("connection_manager"),
		conns:    make(map[string]exchange.Connection),
		attempts: make(map[string]int),
	}
	if handler != nil {
		handler.OnReconnect(m.handleReconnect)
	}
	return m
}

// Add starts supervising conn. Updates and successful connects clear its
// attempt counter and backoff.
func (m *Manager) Add(conn exchange.Connection) {
	id := conn.ID()
	m.mu.Lock()
	m.conns[id] = conn
	m.attempts[id] = 0
	m.mu.Unlock()

	conn.OnOrderBookUpdate(func(models.OrderBookData) { m.markHealthy(id, false) })
	conn.OnConnect(func() { m.markHealthy(id, true) })
}

// Remove stops supervising id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	delete(m.attempts, id)
	m.mu.Unlock()
	if m.handler != nil {
		m.handler.Cancel(id)
	}
}

func (m *Manager) markHealthy(id string, connected bool) {
	m.mu.Lock()
	_, known := m.conns[id]
	prev := m.attempts[id]
	if known {
		m.attempts[id] = 0
	}
	m.mu.Unlock()
	if !known || m.handler == nil {
		return
	}
	if connected || prev > 0 {
		m.handler.ResetBackoff(id)
	}
}

// Attempts returns the reconnects requested for id since it was last healthy.
func (m *Manager) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

// handleReconnect acts on a request only for connections in the error state.
// A disconnected connection was closed on purpose and stays closed.
func (m *Manager) handleReconnect(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok && conn.Status() == models.StatusError {
		m.attempts[id]++
	} else {
		ok = false
	}
	attempt := m.attempts[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.WithExchange(id).WithFields(logger.Fields{"attempt": attempt}).Info("reconnect requested by error handler")
	conn.Reconnect()
}

func (m *Manager) snapshot() []exchange.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exchange.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// ReconnectAll revives every connection that has a subscription and is not
// connected.
func (m *Manager) ReconnectAll() {
	for _, c := range m.snapshot() {
		if c.Symbol() == "" || c.Status() == models.StatusConnected || c.Status() == models.StatusConnecting {
			continue
		}
		m.log.WithExchange(c.ID()).Info("reconnecting")
		c.Reconnect()
	}
}

// DisconnectAll closes every connection and drops pending reconnects.
func (m *Manager) DisconnectAll() {
	for _, c := range m.snapshot() {
		if m.handler != nil {
			m.handler.Cancel(c.ID())
		}
		c.Disconnect()
	}
}

// Watch ties the connections to monitor: offline closes them, online
// brings them back.
func (m *Manager) Watch(monitor *NetworkMonitor) {
	monitor.OnChange(func(online bool) {
		if online {
			m.log.Info("network online, reconnecting exchanges")
			m.ReconnectAll()
			return
		}
		m.log.Warn("network offline, disconnecting exchanges")
		m.DisconnectAll()
	})
}
