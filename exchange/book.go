package exchange

import (
	"sort"
	"time"

	"bookflow/models"
)

// Level is one parsed price level before tagging.
type Level struct {
	Price    float64
	Quantity float64
}

// Book is an adapter's local view of one exchange book. It is not safe for
// concurrent use; adapters serialize access on their read goroutine or under
// their own lock.
type Book struct {
	exchange string
	depth    int
	bids     map[float64]float64
	asks     map[float64]float64
	ready    bool
}

func NewBook(exchange string, depth int) *Book {
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Book{
		exchange: exchange,
		depth:    depth,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

// Reset drops every level and marks the book as waiting for a snapshot.
func (b *Book) Reset() {
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
	b.ready = false
}

// Ready reports whether a snapshot has been applied since the last Reset.
func (b *Book) Ready() bool { return b.ready }

// ApplySnapshot replaces both sides.
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	setLevels(b.bids, bids)
	setLevels(b.asks, asks)
	b.ready = true
}

// ApplyDelta updates levels; a zero quantity removes the price.
func (b *Book) ApplyDelta(bids, asks []Level) {
	setLevels(b.bids, bids)
	setLevels(b.asks, asks)
}

func setLevels(side map[float64]float64, levels []Level) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Quantity
	}
}

// Data returns the book sorted and capped at the depth, tagged with the
// exchange id. ts is epoch milliseconds; 0 means now.
func (b *Book) Data(ts int64) models.OrderBookData {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return models.OrderBookData{
		Bids:      b.side(b.bids, true),
		Asks:      b.side(b.asks, false),
		Timestamp: ts,
	}
}

// Truncate keeps the best n levels per side. Feeds that stop reporting
// levels once they leave the subscribed window need this after every update.
func (b *Book) Truncate(n int) {
	if n <= 0 {
		return
	}
	for _, side := range []struct {
		levels map[float64]float64
		desc   bool
	}{{b.bids, true}, {b.asks, false}} {
		if len(side.levels) <= n {
			continue
		}
		for _, p := range sortedPrices(side.levels, side.desc)[n:] {
			delete(side.levels, p)
		}
	}
}

func sortedPrices(levels map[float64]float64, desc bool) []float64 {
	prices := make([]float64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	if desc {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	return prices
}

func (b *Book) side(levels map[float64]float64, desc bool) []models.OrderBookEntry {
	prices := sortedPrices(levels, desc)
	if len(prices) > b.depth {
		prices = prices[:b.depth]
	}
	out := make([]models.OrderBookEntry, 0, len(prices))
	for _, p := range prices {
		out = append(out, models.NewEntry(b.exchange, p, levels[p]))
	}
	return out
}

// Len returns the number of bid and ask levels held.
func (b *Book) Len() (bids, asks int) {
	return len(b.bids), len(b.asks)
}
