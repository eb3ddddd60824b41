package metrics

import (
	"context"
	_ "embed"
	json "github.com/goccy/go-json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

//go:embed CWdash.json
var dashboardTemplate string

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var cwState atomic.Pointer[cloudWatchState]

var (
	// cloudWatchPublishInterval limits how often one metric series is sent.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	publishTimesMu sync.Mutex
	publishTimes   = make(map[string]time.Time)
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "Tradeflow",
		dashboardName: "Tradeflow",
	})
}

func resetMetricPublishTimes() {
	publishTimesMu.Lock()
	publishTimes = make(map[string]time.Time)
	publishTimesMu.Unlock()
}

// InitCloudWatch initialises the CloudWatch client using the provided region and namespace.
// The dashboard is created using the embedded CWdash.json definition. When the client cannot
// be created the function logs a warning and leaves publishing disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	current := cwState.Load()
	state := cloudWatchState{}
	if current != nil {
		state = *current
	}

	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	if cfg.Region != "" {
		state.region = cfg.Region
	} else {
		state.region = region
	}

	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric, hands it to listeners and publishes it to
// CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	if m, ok := recordMetric(log, component, metric, value, metricType, fields); ok {
		publishMetricDatum(m)
	}
}

// CreateDashboardFromTemplate applies the embedded dashboard definition and updates the
// configured CloudWatch dashboard. Invalid JSON or API failures are surfaced to the caller.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body := renderDashboard(state)
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("dashboard template is not valid JSON after substitution")
	}

	_, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard from template")
	return nil
}

func renderDashboard(state *cloudWatchState) string {
	body := dashboardTemplate
	if state.namespace != "" {
		body = strings.ReplaceAll(body, "\"Tradeflow\"", fmt.Sprintf("%q", state.namespace))
	}
	if state.region != "" {
		body = strings.ReplaceAll(body, "\"ap-northeast-2\"", fmt.Sprintf("%q", state.region))
	}
	return body
}

// publishMetricDatum sends one datum unless the same series was published
// less than cloudWatchPublishInterval ago.
func publishMetricDatum(metric Metric) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	key := seriesKey(metric)
	now := timeNow()
	publishTimesMu.Lock()
	if last, ok := publishTimes[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		publishTimesMu.Unlock()
		return
	}
	publishTimes[key] = now
	publishTimesMu.Unlock()

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := metric.Fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metric.Name, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dimensions(metric),
		Unit:       unit,
		Timestamp:  aws.Time(metric.Timestamp),
		Value:      aws.Float64(metric.Value),
	}}
	publishMetricsFunc(context.Background(), state, data)
}

func dimensions(metric Metric) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	keys := make([]string, 0, len(metric.Fields))
	for k := range metric.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "metric" || k == "metric_type" || k == "value" || k == "unit" {
			continue
		}
		if s, ok := metric.Fields[k].(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

func seriesKey(metric Metric) string {
	var b strings.Builder
	b.WriteString(metric.Component)
	b.WriteByte('/')
	b.WriteString(metric.Name)
	for _, d := range dimensions(metric)[1:] {
		b.WriteByte('/')
		b.WriteString(aws.ToString(d.Name))
		b.WriteByte('=')
		b.WriteString(aws.ToString(d.Value))
	}
	return b.String()
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil {
		return
	}
	if len(data) == 0 {
		logger.GetLogger().WithComponent("cloudwatch").Debug("no metric data to publish")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}

// PublishReport forwards a runtime report to CloudWatch. It is a
// logger.ReportSink.
func PublishReport(ctx context.Context, r logger.Report) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	datum := func(name string, unit cwtypes.StandardUnit, v float64, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Unit:       unit,
			Timestamp:  aws.Time(r.Timestamp),
			Value:      aws.Float64(v),
		}
	}
	data := []cwtypes.MetricDatum{
		datum("System-CPUPercent", cwtypes.StandardUnitPercent, r.CPUPercent),
		datum("System-MemoryMB", cwtypes.StandardUnitMegabytes, float64(r.MemoryMB)),
		datum("System-DiskMB", cwtypes.StandardUnitMegabytes, float64(r.DiskMB)),
		datum("System-NetBytesSent", cwtypes.StandardUnitBytes, float64(r.NetBytesSent)),
		datum("System-NetBytesRecv", cwtypes.StandardUnitBytes, float64(r.NetBytesRecv)),
		datum("Pipeline-FramesRead", cwtypes.StandardUnitCount, float64(r.FramesRead)),
		datum("Pipeline-TradesNormalized", cwtypes.StandardUnitCount, float64(r.TradesProcessed)),
		datum("Writer-KafkaWrites", cwtypes.StandardUnitCount, float64(r.KafkaWrites)),
		datum("Writer-S3Writes", cwtypes.StandardUnitCount, float64(r.S3Writes)),
	}
	stages := make([]string, 0, len(r.Stages))
	for name := range r.Stages {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		stage := cwtypes.Dimension{Name: aws.String("Stage"), Value: aws.String(name)}
		data = append(data,
			datum("Stage-Warns", cwtypes.StandardUnitCount, float64(r.Stages[name].Warns), stage),
			datum("Stage-Errors", cwtypes.StandardUnitCount, float64(r.Stages[name].Errors), stage),
		)
	}
	for _, c := range r.Channels {
		ch := cwtypes.Dimension{Name: aws.String("Channel"), Value: aws.String(c.Name)}
		data = append(data,
			datum("Channel-Messages", cwtypes.StandardUnitCount, float64(c.Messages), ch),
			datum("Channel-Bytes", cwtypes.StandardUnitBytes, float64(c.Bytes), ch),
		)
	}

	// PutMetricData takes at most 1000 datums per call
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		publishMetricsFunc(ctx, state, data[start:end])
	}
}
