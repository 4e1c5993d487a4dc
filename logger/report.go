package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
	warns    int64
	errors   int64
}

var (
	warnsTotal    int64
	errorsTotal   int64
	mergedEmits   int64
	droppedEvents int64
	sinkWrites    int64
	streams       sync.Map // map[string]*streamStat keyed by exchange or sink name
)

func statFor(name string) *streamStat {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	return v.(*streamStat)
}

func recordWarn(data map[string]interface{}) {
	atomic.AddInt64(&warnsTotal, 1)
	if ex, ok := data["exchange"].(string); ok && ex != "" {
		atomic.AddInt64(&statFor(ex).warns, 1)
	}
}

func recordError(data map[string]interface{}) {
	atomic.AddInt64(&errorsTotal, 1)
	if ex, ok := data["exchange"].(string); ok && ex != "" {
		atomic.AddInt64(&statFor(ex).errors, 1)
	}
}

// RecordExchangeMessage counts one inbound frame of size bytes from exchange.
func RecordExchangeMessage(exchange string, size int) {
	cs := statFor(exchange)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// IncrementMergedEmit counts one merged book publication.
func IncrementMergedEmit() {
	atomic.AddInt64(&mergedEmits, 1)
}

// IncrementDroppedEvent counts one event dropped on a full subscriber buffer.
func IncrementDroppedEvent() {
	atomic.AddInt64(&droppedEvents, 1)
}

// IncrementSinkWrite counts one successful write of size bytes to sink.
func IncrementSinkWrite(sink string, size int64) {
	atomic.AddInt64(&sinkWrites, 1)
	cs := statFor(sink)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, size)
}

// Snapshot returns the current counters, keyed by name.
func Snapshot() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		cs := v.(*streamStat)
		out[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
			"warns":    atomic.LoadInt64(&cs.warns),
			"errors":   atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	return out
}

// StartReport begins periodic logging of system and per-exchange statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsed = memStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	streamData := Snapshot()
	fields := Fields{
		"warns":          atomic.LoadInt64(&warnsTotal),
		"errors":         atomic.LoadInt64(&errorsTotal),
		"merged_emits":   atomic.LoadInt64(&mergedEmits),
		"dropped_events": atomic.LoadInt64(&droppedEvents),
		"sink_writes":    atomic.LoadInt64(&sinkWrites),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"streams":        streamData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors"].(int64)))},
		{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns"].(int64)))},
		{MetricName: aws.String("MergedEmits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["merged_emits"].(int64)))},
		{MetricName: aws.String("DroppedEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["dropped_events"].(int64)))},
	}
	for name, stats := range streamData {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}
	publishMetrics(ctx, data)
}
