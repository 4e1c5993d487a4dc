package logger

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// maxDatumsPerPut is the PutMetricData request limit.
const maxDatumsPerPut = 1000

type metricPutter interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

// cloudWatchSink holds the publishing target. A nil client disables
// publishing.
type cloudWatchSink struct {
	mu        sync.RWMutex
	client    metricPutter
	namespace string
	dashboard string
}

var cw = &cloudWatchSink{namespace: "Bookflow", dashboard: "Bookflow"}

func (s *cloudWatchSink) set(client metricPutter, namespace, dashboard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	if namespace != "" {
		s.namespace = namespace
	}
	if dashboard != "" {
		s.dashboard = dashboard
	}
}

func (s *cloudWatchSink) target() (metricPutter, string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.namespace, s.dashboard
}

// InitCloudWatch enables CloudWatch publishing for the report and LogMetric.
// An empty region falls back to AWS_REGION. A failed AWS config load leaves
// publishing off.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}
	cw.set(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	_, ns, _ := cw.target()
	log.WithFields(Fields{"region": region, "namespace": ns}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

// publishMetrics sends data in request-sized batches. Without a client it
// does nothing.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := cw.target()
	if client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		batch := data[start:end]
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: batch,
		}); err != nil {
			log.WithError(err).WithFields(Fields{"datums": len(batch)}).Warn("failed to publish CloudWatch metrics")
			return
		}
	}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		names := make([]string, 0, len(data))
		for _, d := range data {
			names = append(names, aws.ToString(d.MetricName))
		}
		log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
	}
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Metrics [][]interface{} `json:"metrics"`
	Period  int             `json:"period"`
	Stat    string          `json:"stat"`
	Title   string          `json:"title"`
	Region  string          `json:"region,omitempty"`
}

// dashboardBody lays out the aggregator dashboard: merged output, traffic
// per stream (exchanges and sinks), host load and problem counts.
func dashboardBody(namespace, region string) ([]byte, error) {
	search := func(metric, stat string) []interface{} {
		expr := "SEARCH('{" + namespace + ",Stream} MetricName=\"" + metric + "\"', '" + stat + "', 60)"
		return []interface{}{map[string]string{"expression": expr, "id": strings.ToLower(metric)}}
	}
	widget := func(x, y int, title, stat string, metrics ...[]interface{}) dashboardWidget {
		return dashboardWidget{
			Type: "metric", X: x, Y: y, Width: 12, Height: 6,
			Properties: widgetProperties{Metrics: metrics, Period: 60, Stat: stat, Title: title, Region: region},
		}
	}
	widgets := []dashboardWidget{
		widget(0, 0, "Merged books", "Maximum",
			[]interface{}{namespace, "MergedEmits"},
			[]interface{}{namespace, "DroppedEvents"}),
		widget(12, 0, "Messages per stream", "Maximum", search("StreamMessages", "Maximum")),
		widget(0, 6, "Host", "Average",
			[]interface{}{namespace, "CPUPercent"},
			[]interface{}{namespace, "MemoryMB"}),
		widget(12, 6, "Warnings and errors", "Maximum",
			[]interface{}{namespace, "Warns"},
			[]interface{}{namespace, "Errors"}),
	}
	return json.Marshal(map[string]interface{}{"widgets": widgets})
}

// CreateDefaultDashboard writes the dashboard when CloudWatch is enabled.
// Failures are logged only.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := cw.target()
	if client == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")
	body, err := dashboardBody(namespace, os.Getenv("AWS_REGION"))
	if err != nil {
		log.WithError(err).Warn("failed to render CloudWatch dashboard")
		return
	}
	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
