package coinbase

import (
	"reflect"
	"testing"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/exchange/exchangetest"
	"bookflow/models"
)

func TestSubscribeMessages(t *testing.T) {
	a := New(exchange.Options{Trades: true}, nil, nil)
	msgs, err := a.SubscribeMessages("BTCUSD")
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	b, _ := json.Marshal(msgs[0])
	var frame struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channels   []string `json:"channels"`
	}
	if err := json.Unmarshal(b, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "subscribe" || !reflect.DeepEqual(frame.ProductIDs, []string{"BTC-USD"}) {
		t.Fatalf("frame = %+v", frame)
	}
	if want := []string{"level2_batch", "heartbeat", "matches"}; !reflect.DeepEqual(frame.Channels, want) {
		t.Fatalf("channels = %v", frame.Channels)
	}
}

func TestSnapshotAndUpdates(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)
	if err := a.Subscribe("BTCUSD"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	a.HandleMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","1","1"]],"time":"2024-01-01T00:00:00.000Z"}`))
	if rec.BookCount() != 0 {
		t.Fatal("update before snapshot produced a book")
	}

	a.HandleMessage([]byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["100.00","1.5"],["99.50","2"]],"asks":[["100.50","1"]]}`))
	a.HandleMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","99.50","0"],["sell","101.00","0.7"]],"time":"2024-01-01T00:00:01.250Z"}`))

	book, _ := rec.Last()
	if rec.BookCount() != 2 {
		t.Fatalf("books = %d", rec.BookCount())
	}
	if got := exchangetest.Prices(book.Bids); !reflect.DeepEqual(got, []float64{100}) {
		t.Fatalf("bids = %v", got)
	}
	if got := exchangetest.Prices(book.Asks); !reflect.DeepEqual(got, []float64{100.5, 101}) {
		t.Fatalf("asks = %v", got)
	}
	if book.Timestamp != 1704067201250 {
		t.Fatalf("timestamp = %d", book.Timestamp)
	}
}

func TestMatchAndErrors(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)
	if err := a.Subscribe("BTCUSD"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	a.HandleMessage([]byte(`{"type":"match","trade_id":1,"side":"buy","size":"0.10","price":"100.00","product_id":"BTC-USD","time":"2024-01-01T00:00:00Z"}`))
	if len(rec.Trades) != 1 || rec.Trades[0].Side != "sell" || rec.Trades[0].Symbol != "BTCUSD" {
		t.Fatalf("trades = %+v", rec.Trades)
	}

	a.HandleMessage([]byte(`{"type":"error","message":"Failed to subscribe","reason":"BTC-XYZ is not a valid product"}`))
	a.HandleMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["hold","1","1"]]}`))
	a.HandleMessage([]byte(`[1,2]`))
	a.HandleMessage([]byte(`{"type":"heartbeat","sequence":1}`))

	if rec.ErrorCount(models.CategoryAPI) != 1 || rec.ErrorCount(models.CategoryData) != 1 || rec.ErrorCount(models.CategoryParsing) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
}

func TestIgnoresOtherProducts(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)
	if err := a.Subscribe("ETHUSD"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	a.HandleMessage([]byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["100.00","1"]],"asks":[["100.50","1"]]}`))
	a.HandleMessage([]byte(`{"type":"match","side":"buy","size":"0.10","price":"100.00","product_id":"BTC-USD","time":"2024-01-01T00:00:00Z"}`))
	if rec.BookCount() != 0 || len(rec.Trades) != 0 {
		t.Fatalf("books = %d trades = %d", rec.BookCount(), len(rec.Trades))
	}

	a.HandleMessage([]byte(`{"type":"snapshot","product_id":"ETH-USD","bids":[["3000.00","1"]],"asks":[["3000.50","1"]]}`))
	a.HandleMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","3000.25","5"]],"time":"2024-01-01T00:00:00Z"}`))
	book, ok := rec.Last()
	if !ok || rec.BookCount() != 1 {
		t.Fatalf("books = %d", rec.BookCount())
	}
	if got := exchangetest.Prices(book.Bids); !reflect.DeepEqual(got, []float64{3000}) {
		t.Fatalf("bids = %v", got)
	}
}
