package diagnostics

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const (
	errorRateWeight     = 0.4
	latencyWeight       = 0.3
	starvedWeight       = 0.3
	abnormalScore       = 0.5
	errorRateLimit      = 0.05
	latencyLimitSeconds = 1.0
	starvedRequestRate  = 0.1
	starvedErrorRate    = 0.01
	trendThreshold      = 0.10
)

// safeIdentifier guards resource ids before they are interpolated into metric queries.
var safeIdentifier = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// EdgeMetrics supplies traffic series for a directed dependency edge.
type EdgeMetrics interface {
	EdgeMetricRange(ctx context.Context, sourceID, targetID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error)
}

// TrafficAnalyzer scores traffic on dependency edges.
type TrafficAnalyzer struct {
	metrics EdgeMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewTrafficAnalyzer constructs a traffic analyzer.
func NewTrafficAnalyzer(metrics EdgeMetrics, logger *slog.Logger) *TrafficAnalyzer {
	return &TrafficAnalyzer{metrics: metrics, logger: utils.Component(logger, "traffic"), now: time.Now}
}

// ValidIdentifier reports whether id is safe to embed in a metrics query.
func ValidIdentifier(id string) bool {
	return safeIdentifier.MatchString(id)
}

// Analyze returns one pattern per edge with safe identifiers. Unsafe edges and edges whose
// metrics cannot be read are logged and skipped.
func (t *TrafficAnalyzer) Analyze(ctx context.Context, edges []models.DependencyEdge, duration time.Duration) []models.TrafficPattern {
	end := t.now()
	start := end.Add(-duration)
	step := stepFor(duration)

	patterns := make([]models.TrafficPattern, 0, len(edges))
	for _, edge := range edges {
		if ctx.Err() != nil {
			t.logger.Warn("traffic analysis interrupted", slog.Int("analyzed", len(patterns)), slog.Any("error", ctx.Err()))
			break
		}
		if !ValidIdentifier(edge.SourceID) || !ValidIdentifier(edge.TargetID) {
			t.logger.Warn("skipping edge with unsafe identifier",
				slog.String("source_id", edge.SourceID),
				slog.String("target_id", edge.TargetID))
			continue
		}
		pattern, err := t.analyzeEdge(ctx, edge, start, end, step)
		if err != nil {
			t.logger.Warn("traffic metrics unavailable",
				slog.String("source_id", edge.SourceID),
				slog.String("target_id", edge.TargetID),
				slog.Any("error", err))
			continue
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

func (t *TrafficAnalyzer) analyzeEdge(ctx context.Context, edge models.DependencyEdge, start, end time.Time, step time.Duration) (models.TrafficPattern, error) {
	requests, err := t.metrics.EdgeMetricRange(ctx, edge.SourceID, edge.TargetID, "request_rate", start, end, step)
	if err != nil {
		return models.TrafficPattern{}, err
	}
	errorsSeries, err := t.metrics.EdgeMetricRange(ctx, edge.SourceID, edge.TargetID, "error_rate", start, end, step)
	if err != nil {
		return models.TrafficPattern{}, err
	}
	latency, err := t.metrics.EdgeMetricRange(ctx, edge.SourceID, edge.TargetID, "latency_p95", start, end, step)
	if err != nil {
		return models.TrafficPattern{}, err
	}

	pattern := models.TrafficPattern{
		SourceID:    edge.SourceID,
		TargetID:    edge.TargetID,
		RequestRate: latest(requests),
		ErrorRate:   latest(errorsSeries),
		LatencyP95:  latest(latency),
		Trend:       TrendOf(requests),
	}
	pattern.AnomalyScore, pattern.IsAbnormal = ScoreTraffic(pattern.RequestRate, pattern.ErrorRate, pattern.LatencyP95)
	return pattern, nil
}

// ScoreTraffic weighs error rate, latency and starved-but-failing traffic. The score is capped at
// 1 and an edge is abnormal above 0.5.
func ScoreTraffic(requestRate, errorRate, latencyP95 float64) (float64, bool) {
	score := 0.0
	if errorRate > errorRateLimit {
		score += errorRateWeight
	}
	if latencyP95 > latencyLimitSeconds {
		score += latencyWeight
	}
	if requestRate < starvedRequestRate && errorRate > starvedErrorRate {
		score += starvedWeight
	}
	score = math.Min(score, 1.0)
	return score, score > abnormalScore
}

// TrendOf compares the mean of the second half of a series with the first half.
func TrendOf(series []models.MetricPoint) models.TrafficTrend {
	if len(series) < 2 {
		return models.TrendStable
	}
	mid := len(series) / 2
	first := meanOf(series[:mid])
	second := meanOf(series[mid:])
	if first == 0 {
		if second > 0 {
			return models.TrendIncreasing
		}
		return models.TrendStable
	}
	change := (second - first) / first
	switch {
	case change > trendThreshold:
		return models.TrendIncreasing
	case change < -trendThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func meanOf(points []models.MetricPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	return stat.Mean(pointValues(points), nil)
}

func pointValues(points []models.MetricPoint) []float64 {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

func latest(points []models.MetricPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	return points[len(points)-1].Value
}

// stepFor keeps range queries near 120 samples with a one-minute floor.
func stepFor(duration time.Duration) time.Duration {
	step := duration / 120
	if step < time.Minute {
		step = time.Minute
	}
	return step
}
