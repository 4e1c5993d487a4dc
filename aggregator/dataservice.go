package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"bookflow/cache"
	"bookflow/logger"
	"bookflow/models"
)

// DataService merges books outside the live service and keeps the latest
// merged book per symbol. Results of Aggregate are cached for a short time
// under the symbol and a digest of the books that produced them.
type DataService struct {
	merger Merger
	store  cache.Store
	ttl    time.Duration
	log    *logger.Entry
}

// NewDataService uses an in-memory store when store is nil.
func NewDataService(store cache.Store, merger Merger, ttl time.Duration, log *logger.Log) *DataService {
	if store == nil {
		store = cache.NewMemoryStore()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &DataService{
		merger: merger,
		store:  store,
		ttl:    ttl,
		log:    log.WithComponent("data_service"),
	}
}

// aggregateKey covers every input level, so changed books never hit an older
// merge.
func aggregateKey(symbol string, ids []string, books map[string]models.OrderBookData) string {
	h := xxhash.New()
	buf := make([]byte, 0, 64)
	for _, id := range ids {
		book := books[id]
		buf = append(buf[:0], id...)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, book.Timestamp, 10)
		_, _ = h.Write(buf)
		for _, levels := range [][]models.OrderBookEntry{book.Bids, book.Asks} {
			buf = strconv.AppendInt(buf[:0], int64(len(levels)), 10)
			_, _ = h.Write(buf)
			for _, e := range levels {
				buf = strconv.AppendFloat(buf[:0], e.Price, 'g', -1, 64)
				buf = append(buf, '@')
				buf = strconv.AppendFloat(buf, e.Quantity, 'g', -1, 64)
				buf = append(buf, ';')
				_, _ = h.Write(buf)
			}
		}
	}
	return "agg:" + strings.ToUpper(symbol) + ":" + strings.Join(ids, ",") + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func latestKey(symbol string) string {
	return "latest:" + strings.ToUpper(symbol)
}

// Aggregate normalizes and merges books keyed by exchange id. Exchanges are
// merged in id order so the result does not depend on map iteration.
func (d *DataService) Aggregate(ctx context.Context, symbol string, books map[string]models.OrderBookData) (models.OrderBookData, error) {
	ids := make([]string, 0, len(books))
	for id := range books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	key := aggregateKey(symbol, ids, books)

	cached, err := d.store.Get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache read failed")
	}

	start := time.Now()
	ordered := make([]models.OrderBookData, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, d.merger.NormalizeBook(tag(id, books[id])))
	}
	merged := d.merger.AggregateData(ordered)
	logger.LogPerformanceEntry(d.log, "data_service", "aggregate", time.Since(start), logger.Fields{
		"symbol":    symbol,
		"exchanges": len(ids),
	})

	if err := d.store.Set(ctx, key, merged, d.ttl); err != nil {
		d.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache write failed")
	}
	return merged, nil
}

// tag attributes untagged levels to exchange.
func tag(exchange string, book models.OrderBookData) models.OrderBookData {
	fix := func(entries []models.OrderBookEntry) []models.OrderBookEntry {
		out := make([]models.OrderBookEntry, len(entries))
		for i, e := range entries {
			if len(e.Exchanges) == 0 {
				e = models.NewEntry(exchange, e.Price, e.Quantity)
			}
			out[i] = e
		}
		return out
	}
	return models.OrderBookData{Bids: fix(book.Bids), Asks: fix(book.Asks), Timestamp: book.Timestamp}
}

// Put records the live merged book for symbol.
func (d *DataService) Put(ctx context.Context, symbol string, book models.OrderBookData) error {
	if err := d.store.Set(ctx, latestKey(symbol), book, 0); err != nil {
		return fmt.Errorf("store latest %s: %w", symbol, err)
	}
	return nil
}

// Latest returns the live merged book for symbol, or cache.ErrMiss.
func (d *DataService) Latest(ctx context.Context, symbol string) (models.OrderBookData, error) {
	return d.store.Get(ctx, latestKey(symbol))
}

// Clear forgets the live merged book for symbol.
func (d *DataService) Clear(ctx context.Context, symbol string) error {
	return d.store.Delete(ctx, latestKey(symbol))
}

func (d *DataService) Close() error {
	return d.store.Close()
}
