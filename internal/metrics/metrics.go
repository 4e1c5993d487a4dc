// Registers:
//
//	#bookflow_messages_total
//	#bookflow_errors_total
//	#bookflow_reconnects_total
//	#bookflow_ip_blocks_total
//	#bookflow_merged_updates_total
//	#bookflow_connection_status
//	#bookflow_sink_writes_total
//	#bookflow_rest_used_weight
//	#bookflow_dropped_events_total
//	#go_* and process_* system metrics
//
// Served by the HTTP server through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_messages_total",
			Help: "Inbound WebSocket frames per exchange",
		},
		[]string{"exchange"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_errors_total",
			Help: "Errors handled per exchange and category",
		},
		[]string{"exchange", "category"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_reconnects_total",
			Help: "Scheduled reconnect attempts per exchange",
		},
		[]string{"exchange"},
	)
	ipBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_ip_blocks_total",
			Help: "Suspected IP blocks or bans per exchange",
		},
		[]string{"exchange"},
	)
	mergedUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_merged_updates_total",
			Help: "Merged order books emitted per symbol",
		},
		[]string{"symbol"},
	)
	connectionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookflow_connection_status",
			Help: "Connection state per exchange (0 disconnected, 1 connecting, 2 connected, 3 error)",
		},
		[]string{"exchange"},
	)
	sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookflow_sink_writes_total",
			Help: "Merged books written per sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookflow_dropped_events_total",
			Help: "Events lost on full subscriber buffers",
		},
	)
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		registry.MustRegister(messages, errorsTotal, reconnects, ipBlocks, mergedUpdates, connectionStatus)
		registry.MustRegister(sinkWrites, usedWeight, droppedEvents)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncrementMessage(exchange string) {
	messages.WithLabelValues(exchange).Inc()
}

func IncrementError(exchange, category string) {
	errorsTotal.WithLabelValues(exchange, category).Inc()
}

func IncrementReconnect(exchange string) {
	reconnects.WithLabelValues(exchange).Inc()
}

func IncrementIPBlock(exchange string) {
	ipBlocks.WithLabelValues(exchange).Inc()
}

func IncrementMergedUpdate(symbol string) {
	mergedUpdates.WithLabelValues(symbol).Inc()
}

// SetConnectionStatus records status as its ordinal.
func SetConnectionStatus(exchange, status string) {
	var v float64
	switch status {
	case "connecting":
		v = 1
	case "connected":
		v = 2
	case "error":
		v = 3
	}
	connectionStatus.WithLabelValues(exchange).Set(v)
}

// IncrementSinkWrite counts one write to sink; failed writes are labelled
// "error".
func IncrementSinkWrite(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sinkWrites.WithLabelValues(sink, outcome).Inc()
}

func IncrementDroppedEvent() {
	droppedEvents.Inc()
}
