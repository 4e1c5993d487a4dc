package deribit

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"bookflow/exchange"
	"bookflow/exchange/exchangetest"
	"bookflow/models"
)

const (
	snapshot = `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC_USDT.100ms","data":{"type":"snapshot","timestamp":1700000000000,"instrument_name":"BTC_USDT","change_id":10,"bids":[["new",100.0,1.0],["new",99.0,2.0]],"asks":[["new",101.0,1.5]]}}}`
	change   = `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC_USDT.100ms","data":{"type":"change","timestamp":1700000000100,"instrument_name":"BTC_USDT","prev_change_id":10,"change_id":11,"bids":[["delete",99.0,0.0],["change",100.0,3.0]],"asks":[["new",102.0,1.0]]}}}`
	gap      = `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC_USDT.100ms","data":{"type":"change","timestamp":1700000000200,"instrument_name":"BTC_USDT","prev_change_id":15,"change_id":16,"bids":[],"asks":[]}}}`
)

func TestSubscribeMessages(t *testing.T) {
	a := New(exchange.Options{Trades: true}, nil, nil)
	msgs, err := a.SubscribeMessages("BTCUSDT")
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("frames = %d", len(msgs))
	}
	b, _ := json.Marshal(msgs[1])
	var frame struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Channels []string `json:"channels"`
		} `json:"params"`
	}
	if err := json.Unmarshal(b, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"book.BTC_USDT.100ms", "trades.BTC_USDT.100ms"}
	if frame.JSONRPC != "2.0" || frame.Method != "public/subscribe" || !reflect.DeepEqual(frame.Params.Channels, want) {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestSnapshotChangeAndGap(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	if err := a.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(snapshot))
	a.HandleMessage([]byte(change))
	if rec.BookCount() != 2 {
		t.Fatalf("books = %d", rec.BookCount())
	}
	book, _ := rec.Last()
	if got := exchangetest.Prices(book.Bids); !reflect.DeepEqual(got, []float64{100}) {
		t.Fatalf("bids = %v", got)
	}
	if book.Bids[0].Quantity != 3 {
		t.Fatalf("bid qty = %v", book.Bids[0].Quantity)
	}
	if got := exchangetest.Prices(book.Asks); !reflect.DeepEqual(got, []float64{101, 102}) {
		t.Fatalf("asks = %v", got)
	}

	a.HandleMessage([]byte(gap))
	if rec.ErrorCount(models.CategoryData) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
	// Not connected, so the resubscribe cannot be written.
	if rec.ErrorCount(models.CategorySubscription) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
	if rec.BookCount() != 2 {
		t.Fatal("gap produced a book")
	}
	// Further changes wait for the next snapshot.
	a.HandleMessage([]byte(change))
	if rec.BookCount() != 2 {
		t.Fatal("change after gap produced a book")
	}
}

func TestTradesAndErrors(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC_USDT.100ms","data":[{"trade_seq":1,"timestamp":1700000000000,"price":100.5,"amount":0.3,"direction":"sell","instrument_name":"BTC_USDT"}]}}`))
	if len(rec.Trades) != 1 || rec.Trades[0].Side != "sell" || rec.Trades[0].Symbol != "BTCUSDT" {
		t.Fatalf("trades = %+v", rec.Trades)
	}

	a.HandleMessage([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":10001,"message":"invalid channel"}}`))
	a.HandleMessage([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC_USDT.100ms","data":{"type":"snapshot","bids":[["new","x",1]],"asks":[]}}}`))
	a.HandleMessage([]byte(`nope`))
	if rec.ErrorCount(models.CategoryAPI) != 1 || rec.ErrorCount(models.CategoryData) != 1 || rec.ErrorCount(models.CategoryParsing) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
}

func TestHeartbeatAnswered(t *testing.T) {
	srv := exchangetest.NewServer(t, nil)
	a := New(exchange.Options{URL: srv.URL()}, nil, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()

	exchangetest.Eventually(t, 2*time.Second, func() bool { return srv.Accepted() == 1 }, "connection accepted")
	if err := srv.Broadcast(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	exchangetest.Eventually(t, 2*time.Second, func() bool {
		for _, m := range srv.Received() {
			if strings.Contains(m, `"public/test"`) {
				return true
			}
		}
		return false
	}, "public/test sent")
}
