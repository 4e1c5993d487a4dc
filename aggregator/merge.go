package aggregator

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

const (
	DefaultMaxDepth          = 100
	DefaultPricePrecision    = 2
	DefaultQuantityPrecision = 6
)

// Merger normalizes per-exchange books and merges them into one book.
// Rounding is half away from zero at a fixed number of decimals.
type Merger struct {
	MaxDepth          int
	PricePrecision    int32
	QuantityPrecision int32
}

func NewMerger(maxDepth, pricePrecision, quantityPrecision int) Merger {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if pricePrecision < 0 {
		pricePrecision = DefaultPricePrecision
	}
	if quantityPrecision < 0 {
		quantityPrecision = DefaultQuantityPrecision
	}
	return Merger{
		MaxDepth:          maxDepth,
		PricePrecision:    int32(pricePrecision),
		QuantityPrecision: int32(quantityPrecision),
	}
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func valid(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func sortSide(entries []models.OrderBookEntry, desc bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		if desc {
			return entries[i].Price > entries[j].Price
		}
		return entries[i].Price < entries[j].Price
	})
}

// contribution is one exchange's quantity at a level.
type contribution struct {
	exchange string
	quantity float64
}

func contributions(e models.OrderBookEntry) []contribution {
	if len(e.Exchanges) == 1 && len(e.ExchangeQuantities) == 0 {
		return []contribution{{e.Exchanges[0], e.Quantity}}
	}
	out := make([]contribution, 0, len(e.Exchanges))
	for _, ex := range e.Exchanges {
		if q, ok := e.ExchangeQuantities[ex]; ok {
			out = append(out, contribution{ex, q})
		}
	}
	return out
}

// Normalize drops non-positive levels, rounds price and quantity, drops
// levels that round to zero, folds levels that now share a price and sorts
// the side. Normalizing an already normalized side returns it unchanged.
func (m Merger) Normalize(entries []models.OrderBookEntry, desc bool) []models.OrderBookEntry {
	rounded := make([]models.OrderBookEntry, 0, len(entries))
	for _, e := range entries {
		if !valid(e.Price) || !valid(e.Quantity) {
			continue
		}
		price := round(e.Price, m.PricePrecision)
		if !valid(price) {
			continue
		}
		out := models.OrderBookEntry{
			Price:              price,
			Exchanges:          make([]string, 0, len(e.Exchanges)),
			ExchangeQuantities: make(map[string]float64, len(e.Exchanges)),
		}
		for _, c := range contributions(e) {
			q := round(c.quantity, m.QuantityPrecision)
			if !valid(q) {
				continue
			}
			out.Exchanges = append(out.Exchanges, c.exchange)
			out.ExchangeQuantities[c.exchange] = q
		}
		if len(out.Exchanges) == 0 {
			continue
		}
		rounded = append(rounded, out)
	}
	return m.merge([][]models.OrderBookEntry{rounded}, desc, 0)
}

// NormalizeBook normalizes both sides of book.
func (m Merger) NormalizeBook(book models.OrderBookData) models.OrderBookData {
	return models.OrderBookData{
		Bids:      m.Normalize(book.Bids, true),
		Asks:      m.Normalize(book.Asks, false),
		Timestamp: book.Timestamp,
	}
}

// AggregateEntries merges several lists of one side: levels with the same
// price become one level whose exchanges are the union, in first-seen order,
// and whose quantity is the sum. The result is sorted (bids descending, asks
// ascending) and capped at MaxDepth.
func (m Merger) AggregateEntries(lists [][]models.OrderBookEntry, desc bool) []models.OrderBookEntry {
	return m.merge(lists, desc, m.MaxDepth)
}

// AggregateData merges books in order. The merged timestamp is the newest
// input timestamp.
func (m Merger) AggregateData(books []models.OrderBookData) models.OrderBookData {
	bids := make([][]models.OrderBookEntry, 0, len(books))
	asks := make([][]models.OrderBookEntry, 0, len(books))
	var ts int64
	for _, b := range books {
		bids = append(bids, b.Bids)
		asks = append(asks, b.Asks)
		if b.Timestamp > ts {
			ts = b.Timestamp
		}
	}
	return models.OrderBookData{
		Bids:      m.AggregateEntries(bids, true),
		Asks:      m.AggregateEntries(asks, false),
		Timestamp: ts,
	}
}

func (m Merger) merge(lists [][]models.OrderBookEntry, desc bool, depth int) []models.OrderBookEntry {
	type level struct {
		exchanges []string
		sums      map[string]decimal.Decimal
	}
	levels := make(map[float64]*level)
	order := make([]float64, 0)
	for _, list := range lists {
		for _, e := range list {
			if !valid(e.Price) {
				continue
			}
			lv, ok := levels[e.Price]
			if !ok {
				lv = &level{sums: make(map[string]decimal.Decimal)}
				levels[e.Price] = lv
				order = append(order, e.Price)
			}
			for _, c := range contributions(e) {
				if !valid(c.quantity) {
					continue
				}
				sum, seen := lv.sums[c.exchange]
				if !seen {
					lv.exchanges = append(lv.exchanges, c.exchange)
				}
				lv.sums[c.exchange] = sum.Add(decimal.NewFromFloat(c.quantity))
			}
		}
	}

	out := make([]models.OrderBookEntry, 0, len(order))
	for _, price := range order {
		lv := levels[price]
		if len(lv.exchanges) == 0 {
			continue
		}
		total := decimal.Zero
		quantities := make(map[string]float64, len(lv.exchanges))
		for _, ex := range lv.exchanges {
			total = total.Add(lv.sums[ex])
			quantities[ex] = lv.sums[ex].InexactFloat64()
		}
		qty := total.InexactFloat64()
		out = append(out, models.OrderBookEntry{
			Price:              price,
			Quantity:           qty,
			Exchanges:          lv.exchanges,
			ExchangeQuantities: quantities,
			TotalQuantity:      qty,
		})
	}
	sortSide(out, desc)
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
