package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var usedWeight = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bookflow_rest_used_weight",
		Help: "Request weight consumed per exchange and limit window, as reported by the exchange",
	},
	[]string{"exchange", "window"},
)

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight records the first numeric used-weight header in h and
// returns it.
func ReportUsedWeight(exchange string, h http.Header) (float64, bool) {
	for _, uh := range usedWeightHeaders {
		value := h.Get(uh.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		usedWeight.WithLabelValues(exchange, uh.window).Set(used)
		return used, true
	}
	return 0, false
}

// UsedWeightTransport reports used-weight headers of every response that
// passes through it.
type UsedWeightTransport struct {
	Exchange string
	Base     http.RoundTripper
}

func (t *UsedWeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err == nil {
		ReportUsedWeight(t.Exchange, resp.Header)
	}
	return resp, err
}
