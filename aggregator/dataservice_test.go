package aggregator

import (
	"context"
	"testing"
	"time"

	"bookflow/cache"
	"bookflow/models"
)

func TestDataServiceAggregateCaches(t *testing.T) {
	store := cache.NewMemoryStore()
	d := NewDataService(store, NewMerger(100, 2, 6), time.Minute, nil)
	defer d.Close()
	ctx := context.Background()

	books := map[string]models.OrderBookData{
		"okx":     {Bids: side("okx", 100, 0.5, 99, 1)},
		"binance": {Bids: []models.OrderBookEntry{{Price: 100.001, Quantity: 1}}},
	}
	got, err := d.Aggregate(ctx, "BTCUSDT", books)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got.Bids) != 2 || got.Bids[0].Quantity != 1.5 {
		t.Fatalf("bids = %+v", got.Bids)
	}
	// binance sorts before okx.
	if got.Bids[0].Exchanges[0] != "binance" || got.Bids[0].ExchangeQuantities["binance"] != 1 {
		t.Fatalf("top = %+v", got.Bids[0])
	}

	again, _ := d.Aggregate(ctx, "BTCUSDT", books)
	if len(again.Bids) != 2 || again.Bids[0].Quantity != 1.5 {
		t.Fatalf("repeat bids = %+v", again.Bids)
	}
	if store.Len() != 1 {
		t.Fatalf("store len = %d", store.Len())
	}
}

func TestDataServiceAggregateChangedInput(t *testing.T) {
	store := cache.NewMemoryStore()
	d := NewDataService(store, NewMerger(100, 2, 6), time.Minute, nil)
	defer d.Close()
	ctx := context.Background()

	books := map[string]models.OrderBookData{
		"okx":     {Bids: side("okx", 100, 0.5, 99, 1), Timestamp: 1},
		"binance": {Bids: side("binance", 100, 1), Timestamp: 1},
	}
	if _, err := d.Aggregate(ctx, "BTCUSDT", books); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	books["okx"] = models.OrderBookData{Bids: side("okx", 50, 1), Timestamp: 1}
	got, err := d.Aggregate(ctx, "BTCUSDT", books)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got.Bids) != 2 || got.Bids[0].Price != 100 || got.Bids[0].Quantity != 1 || got.Bids[1].Price != 50 {
		t.Fatalf("stale merge served: %+v", got.Bids)
	}

	// Same levels under a newer timestamp are a new input too.
	books["okx"] = models.OrderBookData{Bids: side("okx", 50, 1), Timestamp: 2}
	if _, err := d.Aggregate(ctx, "BTCUSDT", books); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if store.Len() != 3 {
		t.Fatalf("store len = %d", store.Len())
	}
}

func TestDataServiceLatest(t *testing.T) {
	d := NewDataService(nil, NewMerger(100, 2, 6), time.Second, nil)
	ctx := context.Background()
	if _, err := d.Latest(ctx, "BTCUSDT"); err == nil {
		t.Fatal("latest before put")
	}
	_ = d.Put(ctx, "btcusdt", models.OrderBookData{Timestamp: 5})
	b, err := d.Latest(ctx, "BTCUSDT")
	if err != nil || b.Timestamp != 5 {
		t.Fatalf("latest = %+v, %v", b, err)
	}
	_ = d.Clear(ctx, "BTCUSDT")
	if _, err := d.Latest(ctx, "BTCUSDT"); err == nil {
		t.Fatal("latest after clear")
	}
}
