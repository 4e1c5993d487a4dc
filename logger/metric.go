package logger

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// LogMetric writes a "metric" line under component and, for numeric values,
// publishes the same datapoint to CloudWatch. String fields become
// dimensions.
func (e *Entry) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	line := make(Fields, len(fields)+3)
	for k, v := range fields {
		line[k] = v
	}
	line["metric"] = metric
	line["value"] = value
	line["metric_type"] = metricType
	e.WithComponent(component).WithFields(line).Info("metric")

	val, ok := metricValue(value)
	if !ok {
		return
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: metricDimensions(component, fields),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}

func (l *Log) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	l.entry().LogMetric(component, metric, value, metricType, fields)
}

// LogPerformanceEntry logs how long an operation took.
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	line := Fields{
		"operation":   operation,
		"duration_ms": float64(duration.Microseconds()) / 1e3,
	}
	for k, v := range fields {
		line[k] = v
	}
	entry.WithComponent(component).WithFields(line).Info("performance metric")
}

func metricValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// metricDimensions orders dimensions by name so repeated calls produce the
// same series.
func metricDimensions(component string, fields Fields) []cwtypes.Dimension {
	names := make([]string, 0, len(fields))
	for k, v := range fields {
		if _, ok := v.(string); ok && k != "component" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	dims := make([]cwtypes.Dimension, 0, len(names)+1)
	dims = append(dims, cwtypes.Dimension{Name: aws.String("component"), Value: aws.String(component)})
	for _, k := range names {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(fields[k].(string))})
	}
	return dims
}
