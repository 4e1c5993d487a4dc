// Package rate recognises throttling and IP blocks in exchange error text
// and reports them as log metrics.
package rate

import (
	"strings"

	"bookflow/logger"
)

// pattern matches text containing every one of its terms.
type pattern []string

func (p pattern) match(text string) bool {
	for _, term := range p {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return len(p) > 0
}

type signature struct {
	limit []pattern
	ban   []pattern
}

func (s signature) classify(text string) (limit, ban bool) {
	for _, p := range s.ban {
		if p.match(text) {
			return false, true
		}
	}
	for _, p := range s.limit {
		if p.match(text) {
			return true, false
		}
	}
	return false, false
}

// generic applies to every exchange on top of its own signature.
var generic = signature{
	limit: []pattern{{"429"}, {"rate limit"}, {"too many requests"}},
	ban:   []pattern{{"403"}, {"forbidden"}, {"blocked"}, {"ip", "ban"}},
}

var signatures = map[string]signature{
	"binance":  {limit: []pattern{{"-1003"}}, ban: []pattern{{"418"}}},
	"okx":      {limit: []pattern{{"frequency limit"}}},
	"bybit":    {limit: []pattern{{"too many visits"}}, ban: []pattern{{"ip rate limit"}}},
	"kraken":   {ban: []pattern{{"temporary lockout"}}},
	"bitfinex": {limit: []pattern{{"ratelimit"}}},
}

// Detect reports whether msg signals a rate limit or an IP block on
// exchange. A block wins over a rate limit.
func Detect(exchange, msg string) (rateLimit bool, ipBan bool) {
	text := strings.ToLower(msg)
	if text == "" {
		return false, false
	}
	own := signatures[strings.ToLower(exchange)]
	ownLimit, ownBan := own.classify(text)
	genLimit, genBan := generic.classify(text)
	if ownBan || genBan {
		return false, true
	}
	return ownLimit || genLimit, false
}

func report(log *logger.Log, metric, exchange, symbol string) *logger.Entry {
	exchange = strings.ToLower(exchange)
	component := exchange + "_ws"
	fields := logger.Fields{"exchange": exchange, "symbol": symbol}
	entry := log.WithComponent(component)
	entry.LogMetric(component, metric, int64(1), "counter", fields)
	return entry.WithFields(fields)
}

// ReportRateLimitExceeded emits the rate limit metric for exchange and logs it.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol string) {
	report(log, "rate_limit_exceeded", exchange, symbol).Warn("rate limit exceeded")
}

// ReportIPBan emits the ip ban metric for exchange and logs it.
func ReportIPBan(log *logger.Log, exchange, symbol string) {
	report(log, "ip_ban", exchange, symbol).Error("ip blocked")
}

// ReportLimitFromMessage runs Detect on msg and reports whatever it finds.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = Detect(exchange, msg)
	switch {
	case ipBan:
		ReportIPBan(log, exchange, symbol)
	case rateLimit:
		ReportRateLimitExceeded(log, exchange, symbol)
	}
	return rateLimit, ipBan
}
