package exchange

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/goccy/go-json"

	"bookflow/exchange/exchangetest"
)

func TestBookSnapshotAndDelta(t *testing.T) {
	b := NewBook("kraken", 3)
	if b.Ready() {
		t.Fatalf("new book should not be ready")
	}
	b.ApplySnapshot(
		[]Level{{100, 1}, {99, 2}, {98, 3}, {97, 4}},
		[]Level{{101, 1}, {102, 2}},
	)
	b.ApplyDelta([]Level{{99, 0}, {100, 1.5}}, []Level{{100.5, 0.1}})

	data := b.Data(42)
	if data.Timestamp != 42 {
		t.Fatalf("timestamp = %d", data.Timestamp)
	}
	if got := exchangetest.Prices(data.Bids); !reflect.DeepEqual(got, []float64{100, 98, 97}) {
		t.Fatalf("bids = %v", got)
	}
	if got := exchangetest.Prices(data.Asks); !reflect.DeepEqual(got, []float64{100.5, 101, 102}) {
		t.Fatalf("asks = %v", got)
	}
	top := data.Bids[0]
	if top.Quantity != 1.5 || top.TotalQuantity != 1.5 || top.ExchangeQuantities["kraken"] != 1.5 || top.Exchanges[0] != "kraken" {
		t.Fatalf("unexpected top bid %+v", top)
	}

	b.Reset()
	if bids, asks := b.Len(); bids != 0 || asks != 0 || b.Ready() {
		t.Fatalf("reset left state: %d %d %v", bids, asks, b.Ready())
	}
}

func TestBookDepthCap(t *testing.T) {
	b := NewBook("binance", 0)
	var bids []Level
	for i := 1; i <= 150; i++ {
		bids = append(bids, Level{Price: float64(i), Quantity: 1})
	}
	b.ApplySnapshot(bids, nil)
	data := b.Data(0)
	if len(data.Bids) != 100 {
		t.Fatalf("len(bids) = %d, want 100", len(data.Bids))
	}
	if data.Bids[0].Price != 150 || data.Bids[99].Price != 51 {
		t.Fatalf("unexpected bounds %v..%v", data.Bids[0].Price, data.Bids[99].Price)
	}
	if data.Timestamp == 0 {
		t.Fatalf("timestamp not defaulted")
	}
}

func TestBookTruncateKeepsBestLevels(t *testing.T) {
	b := NewBook("kraken", 10)
	b.ApplySnapshot(
		[]Level{{100, 1}, {99, 1}, {98, 1}, {97, 1}},
		[]Level{{101, 1}, {102, 1}, {103, 1}},
	)
	b.ApplyDelta([]Level{{100.5, 1}}, []Level{{100.75, 1}})
	b.Truncate(3)

	if bids, asks := b.Len(); bids != 3 || asks != 3 {
		t.Fatalf("held %d bids %d asks, want 3 and 3", bids, asks)
	}
	data := b.Data(1)
	if got := exchangetest.Prices(data.Bids); !reflect.DeepEqual(got, []float64{100.5, 100, 99}) {
		t.Fatalf("bids = %v", got)
	}
	if got := exchangetest.Prices(data.Asks); !reflect.DeepEqual(got, []float64{100.75, 101, 102}) {
		t.Fatalf("asks = %v", got)
	}

	// A level evicted by the window must not reappear once the top clears.
	b.ApplyDelta([]Level{{100.5, 0}}, nil)
	if got := exchangetest.Prices(b.Data(2).Bids); !reflect.DeepEqual(got, []float64{100, 99}) {
		t.Fatalf("bids after delete = %v", got)
	}

	b.Truncate(0)
	if bids, _ := b.Len(); bids != 2 {
		t.Fatalf("Truncate(0) changed the book: %d bids", bids)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		price, qty string
		ok         bool
	}{
		{"100.5", "1.2", true},
		{"100", "0", true},
		{"100", "bad", false},
		{"abc", "1", false},
		{"0", "1", false},
		{"-1", "1", false},
		{"100", "-1", false},
		{"NaN", "1", false},
		{"100", "Inf", false},
	}
	for _, tt := range tests {
		_, err := ParseLevel(tt.price, tt.qty)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q,%q) err=%v want ok=%v", tt.price, tt.qty, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidLevel) {
			t.Errorf("error does not wrap ErrInvalidLevel: %v", err)
		}
	}
}

func TestParseRows(t *testing.T) {
	levels, err := ParseStringLevels([][]string{{"1", "2", "ignored"}, {"3", "4"}})
	if err != nil || len(levels) != 2 || levels[1] != (Level{3, 4}) {
		t.Fatalf("ParseStringLevels = %v, %v", levels, err)
	}
	if _, err := ParseStringLevels([][]string{{"1"}}); err == nil {
		t.Fatalf("expected short row error")
	}
	if _, err := ParseNumberLevels([][]float64{{1, math.Inf(1)}}); err == nil {
		t.Fatalf("expected infinite quantity error")
	}
}

func TestNumberUnmarshal(t *testing.T) {
	var nums []Number
	if err := json.Unmarshal([]byte(`[1.5,"2.25"]`), &nums); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if nums[0] != 1.5 || nums[1] != 2.25 {
		t.Fatalf("unexpected numbers %v", nums)
	}
	var n Number
	if err := json.Unmarshal([]byte(`"x"`), &n); err == nil {
		t.Fatalf("expected error for non numeric string")
	}
}
