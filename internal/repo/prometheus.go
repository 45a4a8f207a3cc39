package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"gonum.org/v1/gonum/stat"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// ErrNoData signals that a query succeeded but produced no usable samples.
var ErrNoData = errors.New("no data")

const selectorPlaceholder = "$SELECTOR"

// metricQueries maps logical metric names to PromQL templates. $SELECTOR is replaced by
// the label matchers of a resource or a dependency edge.
var metricQueries = map[string]string{
	"cpu_usage":        `avg(rate(container_cpu_usage_seconds_total{$SELECTOR}[5m])) * 100`,
	"memory_usage":     `avg(container_memory_working_set_bytes{$SELECTOR}) / avg(container_spec_memory_limit_bytes{$SELECTOR}) * 100`,
	"request_rate":     `sum(rate(http_requests_total{$SELECTOR}[5m]))`,
	"error_rate":       `sum(rate(http_requests_total{$SELECTOR,status=~"5.."}[5m])) / sum(rate(http_requests_total{$SELECTOR}[5m]))`,
	"latency_p50":      `histogram_quantile(0.50, sum(rate(http_request_duration_seconds_bucket{$SELECTOR}[5m])) by (le))`,
	"latency_p95":      `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket{$SELECTOR}[5m])) by (le))`,
	"latency_p99":      `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{$SELECTOR}[5m])) by (le))`,
	"disk_usage":       `avg(container_fs_usage_bytes{$SELECTOR}) / avg(container_fs_limit_bytes{$SELECTOR}) * 100`,
	"connection_count": `sum(connections_active{$SELECTOR})`,
	"replica_count":    `count(kube_pod_status_ready{$SELECTOR,condition="true"})`,
}

// healthMetrics are fetched for the per-resource health bundle.
var healthMetrics = []string{"cpu_usage", "memory_usage", "error_rate", "latency_p95", "request_rate"}

var metricNamePattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusSource serves metric samples through the Prometheus HTTP API.
type PrometheusSource struct {
	api    v1.API
	logger *slog.Logger
	now    func() time.Time
}

// NewPrometheusSource constructs a metrics source for the Prometheus server at address.
func NewPrometheusSource(address string, timeout time.Duration, logger *slog.Logger) (*PrometheusSource, error) {
	return newPrometheusSource(address, &http.Client{Timeout: timeout}, logger)
}

func newPrometheusSource(address string, httpClient *http.Client, logger *slog.Logger) (*PrometheusSource, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("prometheus address is required")
	}
	client, err := api.NewClient(api.Config{Address: address, Client: httpClient})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &PrometheusSource{
		api:    v1.NewAPI(client),
		logger: utils.Component(logger, "prometheus"),
		now:    time.Now,
	}, nil
}

// ResourceSelector renders the label matchers identifying a resource.
func ResourceSelector(resourceID string) string {
	return "resource_id=" + strconv.Quote(resourceID)
}

// EdgeSelector renders the label matchers identifying traffic from source to target.
func EdgeSelector(sourceID, targetID string) string {
	return "source=" + strconv.Quote(sourceID) + ",destination=" + strconv.Quote(targetID)
}

// BuildQuery expands the template of metric for selector.
func BuildQuery(metric, selector string) (string, error) {
	tmpl, ok := metricQueries[metric]
	if !ok {
		if !metricNamePattern.MatchString(metric) {
			return "", utils.NewAppError("build_query", "invalid metric name "+metric, nil)
		}
		tmpl = metric + "{" + selectorPlaceholder + "}"
	}
	return strings.ReplaceAll(tmpl, selectorPlaceholder, selector), nil
}

// Query runs an instant query.
func (p *PrometheusSource) Query(ctx context.Context, expr string, at time.Time) ([]models.InstantSample, error) {
	if at.IsZero() {
		at = p.now()
	}
	value, warnings, err := p.api.Query(ctx, expr, at)
	if err != nil {
		return nil, fmt.Errorf("prometheus query: %w", err)
	}
	p.logWarnings(expr, warnings)

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("prometheus query returned %s, expected vector", value.Type())
	}
	out := make([]models.InstantSample, 0, len(vector))
	for _, sample := range vector {
		v := float64(sample.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, models.InstantSample{
			Labels:    labelsOf(sample.Metric),
			Timestamp: sample.Timestamp.Time().UTC(),
			Value:     v,
		})
	}
	return out, nil
}

// QueryRange runs a range query.
func (p *PrometheusSource) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]models.RangeSeries, error) {
	if step <= 0 {
		step = time.Minute
	}
	value, warnings, err := p.api.QueryRange(ctx, expr, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, fmt.Errorf("prometheus range query: %w", err)
	}
	p.logWarnings(expr, warnings)

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus range query returned %s, expected matrix", value.Type())
	}
	out := make([]models.RangeSeries, 0, len(matrix))
	for _, stream := range matrix {
		series := models.RangeSeries{Labels: labelsOf(stream.Metric)}
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			series.Samples = append(series.Samples, models.MetricPoint{Timestamp: pair.Timestamp.Time().UTC(), Value: v})
		}
		out = append(out, series)
	}
	return out, nil
}

// MetricRange returns the samples of a logical metric for a resource.
func (p *PrometheusSource) MetricRange(ctx context.Context, resourceID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error) {
	return p.selectorRange(ctx, ResourceSelector(resourceID), metric, start, end, step)
}

// EdgeMetricRange returns the samples of a logical metric for traffic on a dependency edge.
func (p *PrometheusSource) EdgeMetricRange(ctx context.Context, sourceID, targetID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error) {
	return p.selectorRange(ctx, EdgeSelector(sourceID, targetID), metric, start, end, step)
}

// MetricAt returns the value of a logical metric for a resource at a point in time.
func (p *PrometheusSource) MetricAt(ctx context.Context, resourceID, metric string, at time.Time) (float64, error) {
	expr, err := BuildQuery(metric, ResourceSelector(resourceID))
	if err != nil {
		return 0, err
	}
	samples, err := p.Query(ctx, expr, at)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("%s for %s: %w", metric, resourceID, ErrNoData)
	}
	return samples[0].Value, nil
}

// GetResourceMetrics fetches the health bundle for a resource and scores it. Scoring starts
// at 100 and subtracts fixed penalties for sustained CPU, memory, error-rate and latency pressure.
func (p *PrometheusSource) GetResourceMetrics(ctx context.Context, resourceID, resourceType string, duration time.Duration) (models.ResourceMetrics, error) {
	if duration <= 0 {
		duration = time.Hour
	}
	end := p.now()
	start := end.Add(-duration)
	step := duration / 60
	if step < 15*time.Second {
		step = 15 * time.Second
	}

	bundle := models.ResourceMetrics{
		ResourceID: resourceID,
		Metrics:    make(map[string][]models.MetricPoint, len(healthMetrics)),
	}
	var lastErr error
	answered := 0
	for _, metric := range healthMetrics {
		points, err := p.MetricRange(ctx, resourceID, metric, start, end, step)
		if err != nil {
			lastErr = err
			p.logger.Debug("health metric unavailable",
				slog.String("resource_id", resourceID),
				slog.String("resource_type", resourceType),
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}
		answered++
		bundle.Metrics[metric] = points
	}
	if answered == 0 && lastErr != nil {
		return models.ResourceMetrics{}, fmt.Errorf("resource metrics for %s: %w", resourceID, lastErr)
	}

	bundle.HealthScore, bundle.Anomalies = ScoreHealth(bundle.Metrics)
	return bundle, nil
}

// ScoreHealth derives a health score and its anomaly descriptions from metric series.
func ScoreHealth(series map[string][]models.MetricPoint) (float64, []string) {
	score := 100.0
	anomalies := []string{}
	penalise := func(metric string, limit, penalty float64, label string) {
		avg, ok := average(series[metric])
		if ok && avg > limit {
			score -= penalty
			anomalies = append(anomalies, label)
		}
	}
	penalise("cpu_usage", 80, 20, "High CPU usage")
	penalise("memory_usage", 85, 20, "High memory usage")
	penalise("error_rate", 0.05, 30, "Elevated error rate")
	penalise("latency_p95", 1.0, 20, "High latency")
	return math.Max(0, math.Min(100, score)), anomalies
}

func (p *PrometheusSource) selectorRange(ctx context.Context, selector, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error) {
	expr, err := BuildQuery(metric, selector)
	if err != nil {
		return nil, err
	}
	series, err := p.QueryRange(ctx, expr, start, end, step)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}
	return series[0].Samples, nil
}

func (p *PrometheusSource) logWarnings(expr string, warnings v1.Warnings) {
	if len(warnings) == 0 {
		return
	}
	p.logger.Warn("prometheus query warnings", slog.String("query", expr), slog.Any("warnings", []string(warnings)))
}

func labelsOf(metric model.Metric) map[string]string {
	out := make(map[string]string, len(metric))
	for k, v := range metric {
		out[string(k)] = string(v)
	}
	return out
}

func average(points []models.MetricPoint) (float64, bool) {
	if len(points) == 0 {
		return 0, false
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return stat.Mean(values, nil), true
}
