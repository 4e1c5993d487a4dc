package kraken

import (
	"fmt"
	"reflect"
	"strings"
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
	if len(msgs) != 2 {
		t.Fatalf("frames = %d, want 2", len(msgs))
	}
	b, _ := json.Marshal(msgs[0])
	for _, want := range []string{`"event":"subscribe"`, `"pair":["XBT/USD"]`, `"name":"book"`, `"depth":100`} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("frame %s missing %s", b, want)
		}
	}
	b, _ = json.Marshal(msgs[1])
	if !strings.Contains(string(b), `"name":"trade"`) {
		t.Fatalf("trade frame = %s", b)
	}
}

func TestPingMessage(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	b, _ := json.Marshal(a.PingMessage())
	b2, _ := json.Marshal(a.PingMessage())
	if !strings.Contains(string(b), `"reqid":1`) || !strings.Contains(string(b2), `"reqid":2`) {
		t.Fatalf("pings = %s %s", b, b2)
	}
}

func TestBookSnapshotAndUpdates(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(`[336,{"as":[["101.0","1.0","1534614248.123678"],["102.0","2.0","1534614248.765567"]],"bs":[["100.0","3.0","1534614244.654432"]]},"book-100","XBT/USD"]`))
	a.HandleMessage([]byte(`[336,{"a":[["101.0","0.00000000","1534614335.345903"]],"c":"974942666"},"book-100","XBT/USD"]`))
	a.HandleMessage([]byte(`[336,{"a":[["103.0","1.0","1534614335.500000"]]},{"b":[["99.5","4.0","1534614335.600000","r"]],"c":"1"},"book-100","XBT/USD"]`))

	if rec.BookCount() != 3 {
		t.Fatalf("books = %d", rec.BookCount())
	}
	book, _ := rec.Last()
	if got := exchangetest.Prices(book.Asks); !reflect.DeepEqual(got, []float64{102, 103}) {
		t.Fatalf("asks = %v", got)
	}
	if got := exchangetest.Prices(book.Bids); !reflect.DeepEqual(got, []float64{100, 99.5}) {
		t.Fatalf("bids = %v", got)
	}
	if book.Timestamp != 1534614335600 {
		t.Fatalf("timestamp = %d", book.Timestamp)
	}
}

func TestBookKeepsSubscribedWindow(t *testing.T) {
	a := New(exchange.Options{Depth: 10}, nil, nil)
	rec := exchangetest.Record(a)

	var bids []string
	for p := 100; p > 90; p-- {
		bids = append(bids, fmt.Sprintf(`["%d.0","1.0","1534614248.000000"]`, p))
	}
	a.HandleMessage([]byte(`[336,{"as":[["101.5","1.0","1534614248.000000"]],"bs":[` + strings.Join(bids, ",") + `]},"book-10","XBT/USD"]`))
	a.HandleMessage([]byte(`[336,{"b":[["101.0","2.0","1534614249.000000"]],"c":"1"},"book-10","XBT/USD"]`))

	a.mu.Lock()
	held, _ := a.book.Len()
	a.mu.Unlock()
	if held != 10 {
		t.Fatalf("local bid levels = %d, want 10", held)
	}

	a.HandleMessage([]byte(`[336,{"b":[["101.0","0.00000000","1534614250.000000"]],"c":"2"},"book-10","XBT/USD"]`))
	book, _ := rec.Last()
	if len(book.Bids) != 9 || book.Bids[0].Price != 100 || book.Bids[8].Price != 92 {
		t.Fatalf("bids = %v", exchangetest.Prices(book.Bids))
	}
}

func TestTradesEventsAndErrors(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(`[0,[["5541.20000","0.15850568","1534614057.321597","s","l",""]],"trade","XBT/USD"]`))
	if len(rec.Trades) != 1 {
		t.Fatalf("trades = %d", len(rec.Trades))
	}
	if tr := rec.Trades[0]; tr.Side != "sell" || tr.Symbol != "BTCUSD" || tr.Timestamp != 1534614057321 {
		t.Fatalf("trade = %+v", tr)
	}

	a.HandleMessage([]byte(`{"event":"heartbeat"}`))
	a.HandleMessage([]byte(`{"event":"systemStatus","status":"online","version":"1.0"}`))
	a.HandleMessage([]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Currency pair not supported","pair":"XBT/XYZ"}`))
	a.HandleMessage([]byte(`[336,{"a":[["101.0","1.0","1"]]},"book-100","XBT/USD"]`))
	a.HandleMessage([]byte(`[336,{"as":[["x","1.0","1"]],"bs":[]},"book-100","XBT/USD"]`))
	a.HandleMessage([]byte(`[1,2]`))

	if rec.ErrorCount(models.CategoryAPI) != 1 || rec.ErrorCount(models.CategoryData) != 1 || rec.ErrorCount(models.CategoryParsing) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
	if rec.BookCount() != 0 {
		t.Fatalf("update before snapshot produced a book")
	}
}
