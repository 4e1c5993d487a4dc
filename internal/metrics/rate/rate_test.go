package rate

import (
	"bytes"
	"strings"
	"testing"

	"bookflow/logger"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"Binance", "code -1003: way too much request weight", true, false},
		{"binance", "websocket: bad handshake (HTTP 418)", false, true},
		{"okx", "IP has been blocked for 60 seconds", false, true},
		{"okx", "Requests exceed frequency limit", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "too many visits", true, false},
		{"kraken", "EGeneral:Temporary lockout", false, true},
		{"bitfinex", "ERR_RATELIMIT", true, false},
		{"coinbase", "unexpected status 429", true, false},
		{"huobi", "dial failed: 403 Forbidden", false, true},
		{"phemex", "request blocked by firewall", false, true},
		{"kraken", "-1003", false, false},
		{"unknown", "hello world", false, false},
		{"unknown", "", false, false},
	}
	for _, c := range cases {
		rl, ban := Detect(c.exchange, c.msg)
		if rl != c.rate || ban != c.ban {
			t.Errorf("%s %q: got rateLimit=%v ipBan=%v want %v %v", c.exchange, c.msg, rl, ban, c.rate, c.ban)
		}
	}
}

func TestPatternNeedsEveryTerm(t *testing.T) {
	if !(pattern{"ip", "ban"}).match("your ip is banned") {
		t.Fatal("expected match")
	}
	if (pattern{"ip", "ban"}).match("ban hammer") {
		t.Fatal("partial match accepted")
	}
	if (pattern{}).match("anything") {
		t.Fatal("empty pattern matched")
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	log := logger.Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	rl, ban := ReportLimitFromMessage(log, "OKX", "BTCUSDT", "Too Many Requests")
	if !rl || ban {
		t.Fatalf("got rateLimit=%v ipBan=%v", rl, ban)
	}
	out := buf.String()
	if !strings.Contains(out, `"metric":"rate_limit_exceeded"`) || !strings.Contains(out, `"component":"okx_ws"`) {
		t.Fatalf("output = %s", out)
	}
	if strings.Contains(out, "ip blocked") {
		t.Fatalf("ban reported for a rate limit: %s", out)
	}
}

func TestReportIPBan(t *testing.T) {
	log := logger.Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	ReportIPBan(log, "binance", "ETHUSDT")
	out := buf.String()
	if !strings.Contains(out, `"metric":"ip_ban"`) || !strings.Contains(out, "ip blocked") {
		t.Fatalf("output = %s", out)
	}
}
