package symbols

import (
	"fmt"
	"strings"
)

// quotes is ordered so longer suffixes win (USDT before USD).
var quotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "DAI", "USD", "EUR", "GBP", "JPY", "TRY", "BTC", "ETH", "BNB"}

// Canonical normalises user or exchange input such as "btc-usdt", "XBT/USD"
// or "tBTCUSD" to the canonical upper-case concatenated form.
func Canonical(sym string) string {
	sym = strings.TrimSpace(sym)
	// Bitfinex trading pairs carry a lower-case "t" before an upper-case pair.
	if len(sym) > 1 && sym[0] == 't' && sym[1:] == strings.ToUpper(sym[1:]) {
		sym = sym[1:]
	}
	sym = strings.ToUpper(sym)
	for _, sep := range []string{"-", "/", "_", ":"} {
		sym = strings.ReplaceAll(sym, sep, "")
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	if strings.HasPrefix(sym, "XDG") {
		sym = "DOGE" + sym[3:]
	}
	if strings.HasSuffix(sym, "UST") {
		sym = strings.TrimSuffix(sym, "UST") + "USDT"
	}
	return sym
}

// Split separates a canonical symbol into base and quote assets.
func Split(sym string) (base, quote string, err error) {
	sym = strings.ToUpper(sym)
	for _, q := range quotes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("unknown quote asset in symbol %q", sym)
}

// ToExchange maps a canonical symbol to the pair format exchange expects on
// its public WebSocket. Unknown exchanges get the canonical symbol back.
func ToExchange(exchange, sym string) (string, error) {
	sym = strings.ToUpper(sym)
	exchange = strings.ToLower(exchange)
	switch exchange {
	case "binance", "bybit", "hitbtc", "phemex":
		return sym, nil
	case "huobi":
		return strings.ToLower(sym), nil
	}

	base, quote, err := Split(sym)
	if err != nil {
		return "", err
	}
	switch exchange {
	case "coinbase", "okx":
		return base + "-" + quote, nil
	case "kraken":
		return krakenAsset(base) + "/" + krakenAsset(quote), nil
	case "bitfinex":
		if quote == "USDT" {
			quote = "UST"
		}
		if len(base) > 3 || len(quote) > 3 {
			return "t" + base + ":" + quote, nil
		}
		return "t" + base + quote, nil
	case "deribit", "poloniex":
		return base + "_" + quote, nil
	default:
		return sym, nil
	}
}

func krakenAsset(asset string) string {
	switch asset {
	case "BTC":
		return "XBT"
	case "DOGE":
		return "XDG"
	}
	return asset
}
