package okx

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
	msgs, err := a.SubscribeMessages("BTCUSDT")
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	b, _ := json.Marshal(msgs[0])
	want := `{"args":[{"channel":"books","instId":"BTC-USDT"},{"channel":"trades","instId":"BTC-USDT"}],"op":"subscribe"}`
	if string(b) != want {
		t.Fatalf("frame = %s\nwant   %s", b, want)
	}
	if a.PingMessage() != "ping" {
		t.Fatalf("ping = %v", a.PingMessage())
	}
}

func TestSnapshotUpdateAndGap(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	if err := a.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["101","1","0","1"]],"bids":[["100","2","0","3"]],"ts":"1700000000000","checksum":0,"prevSeqId":-1,"seqId":100}]}`))
	a.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[["100.5","1","0","1"]],"bids":[["100","0","0","0"]],"ts":"1700000000100","checksum":0,"prevSeqId":100,"seqId":101}]}`))

	if rec.BookCount() != 2 {
		t.Fatalf("books = %d", rec.BookCount())
	}
	book, _ := rec.Last()
	if len(book.Bids) != 0 {
		t.Fatalf("bids = %v", exchangetest.Prices(book.Bids))
	}
	if got := exchangetest.Prices(book.Asks); !reflect.DeepEqual(got, []float64{100.5, 101}) {
		t.Fatalf("asks = %v", got)
	}
	if book.Timestamp != 1700000000100 {
		t.Fatalf("timestamp = %d", book.Timestamp)
	}

	a.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[],"ts":"1","prevSeqId":150,"seqId":151}]}`))
	if rec.ErrorCount(models.CategoryData) != 1 || rec.BookCount() != 2 {
		t.Fatalf("gap not detected: errors=%+v", rec.Errors)
	}
}

func TestTradesAndErrors(t *testing.T) {
	a := New(exchange.Options{}, nil, nil)
	rec := exchangetest.Record(a)

	a.HandleMessage([]byte(`pong`))
	a.HandleMessage([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"100.5","sz":"0.01","side":"sell","ts":"1700000000000"}]}`))
	if len(rec.Trades) != 1 || rec.Trades[0].Symbol != "BTCUSDT" || rec.Trades[0].Timestamp != 1700000000000 {
		t.Fatalf("trades = %+v", rec.Trades)
	}

	a.HandleMessage([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a4d3ae55"}`))
	a.HandleMessage([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	a.HandleMessage([]byte(`{"arg":{"channel":"books"},"action":"snapshot","data":[{"asks":[["0","1"]],"bids":[]}]}`))
	a.HandleMessage([]byte(`{"arg":{"channel":"books"},"data":"x"}`))
	if rec.ErrorCount(models.CategoryAPI) != 1 || rec.ErrorCount(models.CategoryData) != 1 || rec.ErrorCount(models.CategoryParsing) != 1 {
		t.Fatalf("errors = %+v", rec.Errors)
	}
}
