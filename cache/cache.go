// Package cache stores merged order books for a short time, in memory or in
// Redis.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"bookflow/models"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store keeps order books under string keys. A zero ttl means the entry never
// expires.
type Store interface {
	Get(ctx context.Context, key string) (models.OrderBookData, error)
	Set(ctx context.Context, key string, book models.OrderBookData, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore is a Store backed by ttlcache. Expired entries are removed by
// the cache's own cleanup goroutine until Close.
type MemoryStore struct {
	items *ttlcache.Cache[string, models.OrderBookData]
}

func NewMemoryStore() *MemoryStore {
	items := ttlcache.New[string, models.OrderBookData](
		ttlcache.WithDisableTouchOnHit[string, models.OrderBookData](),
	)
	go items.Start()
	return &MemoryStore{items: items}
}

func (m *MemoryStore) Get(_ context.Context, key string) (models.OrderBookData, error) {
	item := m.items.Get(key)
	if item == nil || item.IsExpired() {
		return models.OrderBookData{}, ErrMiss
	}
	return item.Value(), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, book models.OrderBookData, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(key, book, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Len counts entries not yet removed by cleanup.
func (m *MemoryStore) Len() int {
	return m.items.Len()
}

// Close stops the cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.items.Stop()
	return nil
}
