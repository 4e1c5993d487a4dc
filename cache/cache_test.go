package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"bookflow/models"
)

func sampleBook() models.OrderBookData {
	return models.OrderBookData{
		Bids:      []models.OrderBookEntry{models.NewEntry("binance", 100, 1)},
		Asks:      []models.OrderBookEntry{models.NewEntry("okx", 101, 2)},
		Timestamp: 1700000000000,
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Get(ctx, "BTCUSDT"); !errors.Is(err, ErrMiss) {
		t.Fatalf("empty get err = %v", err)
	}
	if err := m.Set(ctx, "BTCUSDT", sampleBook(), 20*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "forever", sampleBook(), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "BTCUSDT")
	if err != nil || got.Bids[0].Price != 100 || got.Timestamp != 1700000000000 {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := m.Get(ctx, "BTCUSDT"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired get err = %v", err)
	}
	if _, err := m.Get(ctx, "forever"); err != nil {
		t.Fatalf("no-ttl entry expired: %v", err)
	}
}

func TestMemoryStoreCleanupAndDelete(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "a", sampleBook(), 10*time.Millisecond)
	_ = m.Set(ctx, "b", sampleBook(), time.Hour)
	_ = m.Set(ctx, "c", sampleBook(), time.Hour)
	_ = m.Delete(ctx, "b")

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("len = %d, expired entry never cleaned up", m.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := m.Get(ctx, "c"); err != nil {
		t.Fatalf("live entry removed: %v", err)
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	r := &RedisStore{prefix: "bookflow:"}
	if got := r.key("merged:BTCUSDT"); got != "bookflow:merged:BTCUSDT" {
		t.Fatalf("key = %s", got)
	}
}

// Runs against a live server when BOOKFLOW_TEST_REDIS is set.
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("BOOKFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("BOOKFLOW_TEST_REDIS not set")
	}
	ctx := context.Background()
	r, err := NewRedisStore(ctx, addr, "", 0, "bookflow-test:")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer r.Close()

	if err := r.Set(ctx, "BTCUSDT", sampleBook(), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := r.Get(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Asks[0].ExchangeQuantities["okx"] != 2 {
		t.Fatalf("book = %+v", got)
	}
	_ = r.Delete(ctx, "BTCUSDT")
	if _, err := r.Get(ctx, "BTCUSDT"); !errors.Is(err, ErrMiss) {
		t.Fatalf("after delete err = %v", err)
	}
}
