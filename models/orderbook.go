package models

// OrderBookEntry is one price level. For a single exchange, Exchanges has one
// element and Quantity is that exchange's raw size. For a merged level,
// Quantity mirrors TotalQuantity.
type OrderBookEntry struct {
	Price              float64            `json:"price"`
	Quantity           float64            `json:"quantity"`
	Exchanges          []string           `json:"exchanges"`
	ExchangeQuantities map[string]float64 `json:"exchangeQuantities"`
	TotalQuantity      float64            `json:"totalQuantity"`
}

// OrderBookData is one side-sorted view of a book: bids descending, asks
// ascending. Timestamp is epoch milliseconds.
type OrderBookData struct {
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`
	Timestamp int64            `json:"timestamp"`
}

// NewEntry builds a level owned by a single exchange.
func NewEntry(exchange string, price, quantity float64) OrderBookEntry {
	return OrderBookEntry{
		Price:              price,
		Quantity:           quantity,
		Exchanges:          []string{exchange},
		ExchangeQuantities: map[string]float64{exchange: quantity},
		TotalQuantity:      quantity,
	}
}

// BestBid returns the top bid, if any.
func (b OrderBookData) BestBid() (OrderBookEntry, bool) {
	if len(b.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (b OrderBookData) BestAsk() (OrderBookEntry, bool) {
	if len(b.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Asks[0], true
}

// Trade is a single public execution.
type Trade struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      string  `json:"side"`
	Timestamp int64   `json:"timestamp"`
}

// Ticker is the best bid/offer of one exchange.
type Ticker struct {
	Exchange   string  `json:"exchange"`
	Symbol     string  `json:"symbol"`
	BestBid    float64 `json:"bestBid"`
	BestBidQty float64 `json:"bestBidQty"`
	BestAsk    float64 `json:"bestAsk"`
	BestAskQty float64 `json:"bestAskQty"`
	Timestamp  int64   `json:"timestamp"`
}
