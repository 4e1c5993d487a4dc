package aggregator

import (
	"sync"
	"time"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

type EventType string

const (
	EventOrderBook EventType = "orderBook"
	EventExchange  EventType = "exchange"
	EventError     EventType = "error"
	EventTrade     EventType = "trade"
	EventTicker    EventType = "ticker"
	EventIPBlock   EventType = "ipBlock"
	EventStatus    EventType = "status"
)

// Event is what the bus carries and what WebSocket clients receive.
type Event struct {
	Type      EventType            `json:"type"`
	Exchange  string               `json:"exchange,omitempty"`
	Symbol    string               `json:"symbol,omitempty"`
	Data      any                  `json:"data,omitempty"`
	Error     string               `json:"error,omitempty"`
	Category  models.ErrorCategory `json:"category,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

const defaultBusBuffer = 256

// Bus fans events out to subscribers. Each subscriber has its own buffered
// channel; a full channel loses the event instead of blocking the publisher.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[int]chan Event)}
}

// Subscribe returns a subscription id and its channel. The channel is closed
// by Unsubscribe or Close.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return -1, ch
	}
	b.nextID++
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber that has room and returns how many
// received it.
func (b *Bus) Publish(ev Event) int {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			logger.IncrementDroppedEvent()
			metrics.IncrementDroppedEvent()
		}
	}
	return delivered
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}
