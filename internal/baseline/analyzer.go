package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/topdeckio/topdeck-diagnostics/internal/cache"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// DefaultMetrics is the metric set used when a caller does not name any.
var DefaultMetrics = []string{
	"cpu_usage",
	"memory_usage",
	"request_rate",
	"error_rate",
	"latency_p50",
	"latency_p95",
	"latency_p99",
}

// lowerIsBetter lists metrics where a decrease is an improvement.
var lowerIsBetter = map[string]bool{
	"error_rate":  true,
	"latency_p50": true,
	"latency_p95": true,
	"latency_p99": true,
}

const (
	// PercentChangeSentinel stands in for an infinite change from a zero historical value.
	PercentChangeSentinel = 1e6
	trendThresholdPercent = 5.0
	sampleStep            = 5 * time.Minute
)

// MetricsSource supplies ranged and point-in-time metric values for a resource.
type MetricsSource interface {
	MetricRange(ctx context.Context, resourceID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error)
	MetricAt(ctx context.Context, resourceID, metric string, at time.Time) (float64, error)
}

// ResourceLookup resolves resource metadata. It is optional.
type ResourceLookup interface {
	GetResource(ctx context.Context, resourceID string) (models.Resource, error)
}

// Options tunes the analyzer.
type Options struct {
	PeriodDays            int
	AnomalyThresholdStdev float64
	CacheTTL              time.Duration
}

func (o *Options) normalise() {
	if o.PeriodDays <= 0 {
		o.PeriodDays = 7
	}
	if o.AnomalyThresholdStdev <= 0 {
		o.AnomalyThresholdStdev = 2.0
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
}

// Analyzer computes and caches per-resource metric baselines.
type Analyzer struct {
	metrics   MetricsSource
	resources ResourceLookup
	shared    cache.Provider
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu        sync.RWMutex
	baselines map[string]models.Baseline
}

// NewAnalyzer wires a baseline analyzer. resources and shared may be nil.
func NewAnalyzer(metrics MetricsSource, resources ResourceLookup, shared cache.Provider, opts Options, logger *slog.Logger) *Analyzer {
	opts.normalise()
	if shared == nil {
		shared = cache.NoopProvider{}
	}
	return &Analyzer{
		metrics:   metrics,
		resources: resources,
		shared:    shared,
		logger:    utils.Component(logger, "baseline"),
		opts:      opts,
		now:       time.Now,
		baselines: make(map[string]models.Baseline),
	}
}

// CalculateBaseline returns the baseline for resourceID, serving from cache unless it has
// expired or force is set. Metrics missing from a cached baseline are computed and merged into
// it. Backend failures yield zero-sentinel metrics, never an error.
func (a *Analyzer) CalculateBaseline(ctx context.Context, resourceID string, metrics []string, force bool) (models.Baseline, error) {
	if resourceID == "" {
		return models.Baseline{}, utils.NewAppError("calculate_baseline", "resource id is required", nil)
	}
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}

	now := a.now()
	prior, havePrior := a.cached(ctx, resourceID, now)
	if havePrior && !force {
		if hasMetrics(prior, metrics) {
			return prior, nil
		}
		metrics = missingMetrics(prior, metrics)
	}

	end := now
	start := end.AddDate(0, 0, -a.opts.PeriodDays)
	period := fmt.Sprintf("%dd", a.opts.PeriodDays)

	computed := models.Baseline{
		ResourceID:   resourceID,
		ResourceName: a.resourceName(ctx, resourceID),
		Metrics:      make(map[string]models.BaselineMetric, len(metrics)),
		CalculatedAt: now,
		ValidUntil:   now.Add(a.opts.CacheTTL),
		Metadata: map[string]string{
			"period_days": fmt.Sprint(a.opts.PeriodDays),
			"step":        sampleStep.String(),
		},
	}
	for _, metric := range metrics {
		points, err := a.metrics.MetricRange(ctx, resourceID, metric, start, end, sampleStep)
		if err != nil {
			a.logger.Warn("baseline metric query failed",
				slog.String("resource_id", resourceID),
				slog.String("metric", metric),
				slog.Any("error", err))
			computed.Metrics[metric] = ComputeMetric(metric, nil, period)
			continue
		}
		values := make([]float64, 0, len(points))
		for _, p := range points {
			values = append(values, p.Value)
		}
		bm := ComputeMetric(metric, values, period)
		if bm.SampleCount == 0 {
			a.logger.Warn("no baseline samples", slog.String("resource_id", resourceID), slog.String("metric", metric))
		}
		computed.Metrics[metric] = bm
	}

	if havePrior {
		carried := false
		for name, bm := range prior.Metrics {
			if _, ok := computed.Metrics[name]; !ok {
				computed.Metrics[name] = bm
				carried = true
			}
		}
		if carried && prior.ValidUntil.Before(computed.ValidUntil) {
			computed.ValidUntil = prior.ValidUntil
		}
	}

	a.store(ctx, computed)
	return computed, nil
}

// GetBaseline returns a valid cached baseline or computes one with the default metric set.
func (a *Analyzer) GetBaseline(ctx context.Context, resourceID string) (models.Baseline, error) {
	if cached, ok := a.cached(ctx, resourceID, a.now()); ok {
		return cached, nil
	}
	return a.CalculateBaseline(ctx, resourceID, nil, false)
}

// Invalidate drops the cached baseline of resourceID locally and in the shared cache.
func (a *Analyzer) Invalidate(ctx context.Context, resourceID string) {
	a.mu.Lock()
	delete(a.baselines, resourceID)
	a.mu.Unlock()
	if err := a.shared.Del(ctx, cacheKey(resourceID)); err != nil {
		a.logger.Warn("shared baseline delete failed", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
}

// CompareWithHistory compares current metric values with those at the reference time of period.
func (a *Analyzer) CompareWithHistory(ctx context.Context, resourceID string, period models.HistoricalPeriod, metrics []string) (models.HistoricalComparison, error) {
	now := a.now()
	historicalTime, err := ReferenceTime(period, now)
	if err != nil {
		return models.HistoricalComparison{}, err
	}
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}

	base, err := a.CalculateBaseline(ctx, resourceID, metrics, false)
	if err != nil {
		return models.HistoricalComparison{}, err
	}

	comparison := models.HistoricalComparison{
		ResourceID:       resourceID,
		ResourceName:     base.ResourceName,
		Period:           period,
		CurrentTime:      now,
		HistoricalTime:   historicalTime,
		Metrics:          make([]models.MetricComparison, 0, len(metrics)),
		AnomalousMetrics: []string{},
	}
	for _, metric := range metrics {
		current, err := a.metrics.MetricAt(ctx, resourceID, metric, now)
		if err != nil {
			a.logger.Warn("current value unavailable", slog.String("resource_id", resourceID), slog.String("metric", metric), slog.Any("error", err))
			continue
		}
		historical, err := a.metrics.MetricAt(ctx, resourceID, metric, historicalTime)
		if err != nil {
			a.logger.Warn("historical value unavailable", slog.String("resource_id", resourceID), slog.String("metric", metric), slog.Any("error", err))
			continue
		}

		mc := models.MetricComparison{
			MetricName:      metric,
			CurrentValue:    current,
			HistoricalValue: historical,
			AbsoluteChange:  current - historical,
			PercentChange:   PercentChange(current, historical),
		}
		if bm, ok := base.Metrics[metric]; ok && bm.StdDev > 0 {
			mc.DeviationFromBaseline = (current - bm.Mean) / bm.StdDev
		}
		mc.IsAnomalous = math.Abs(mc.DeviationFromBaseline) > a.opts.AnomalyThresholdStdev
		mc.Trend = MetricTrendFor(metric, mc.PercentChange)
		if mc.IsAnomalous {
			comparison.AnomalousMetrics = append(comparison.AnomalousMetrics, metric)
		}
		comparison.Metrics = append(comparison.Metrics, mc)
	}
	comparison.OverallTrend = OverallTrend(comparison.Metrics)
	return comparison, nil
}

// ComputeMetric derives baseline statistics from raw samples. Non-finite samples are dropped and
// negatives clamped to zero; an empty input produces the zero sentinel.
func ComputeMetric(name string, values []float64, period string) models.BaselineMetric {
	bm := models.BaselineMetric{MetricName: name, CalculationPeriod: period}
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean = append(clean, math.Max(0, v))
	}
	n := len(clean)
	if n == 0 {
		return bm
	}
	sort.Float64s(clean)

	bm.SampleCount = n
	bm.MinValue = clean[0]
	bm.MaxValue = clean[n-1]
	if n > 1 {
		bm.Mean, bm.StdDev = stat.MeanStdDev(clean, nil)
	} else {
		bm.Mean = clean[0]
	}
	if n%2 == 1 {
		bm.Median = clean[n/2]
	} else {
		bm.Median = (clean[n/2-1] + clean[n/2]) / 2
	}
	bm.Percentile95 = clean[percentileIndex(n, 0.95)]
	bm.Percentile99 = clean[percentileIndex(n, 0.99)]
	return bm
}

func percentileIndex(n int, p float64) int {
	idx := int(math.Floor(float64(n) * p))
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// PercentChange returns (current-historical)/|historical| in percent. Both zero is 0; a zero
// historical value with a nonzero current one yields ±PercentChangeSentinel.
func PercentChange(current, historical float64) float64 {
	if historical == 0 {
		switch {
		case current == 0:
			return 0
		case current > 0:
			return PercentChangeSentinel
		default:
			return -PercentChangeSentinel
		}
	}
	return (current - historical) / math.Abs(historical) * 100
}

// MetricTrendFor classifies a percent change for metric.
func MetricTrendFor(metric string, percentChange float64) models.MetricTrend {
	if math.Abs(percentChange) <= trendThresholdPercent {
		return models.MetricStable
	}
	if !lowerIsBetter[metric] {
		return models.MetricChanged
	}
	if percentChange < 0 {
		return models.MetricImproving
	}
	return models.MetricDegrading
}

// OverallTrend aggregates per-metric trends.
func OverallTrend(metrics []models.MetricComparison) models.MetricTrend {
	if len(metrics) == 0 {
		return models.MetricStable
	}
	improving, degrading := 0, 0
	for _, m := range metrics {
		switch m.Trend {
		case models.MetricImproving:
			improving++
		case models.MetricDegrading:
			degrading++
		}
	}
	half := float64(len(metrics)) / 2
	switch {
	case float64(improving) > half:
		return models.MetricImproving
	case float64(degrading) > half:
		return models.MetricDegrading
	case improving == degrading && improving > 0:
		return models.MetricMixed
	default:
		return models.MetricStable
	}
}

// ReferenceTime returns the historical instant a period compares against.
func ReferenceTime(period models.HistoricalPeriod, now time.Time) (time.Time, error) {
	switch period {
	case models.PeriodPreviousHour:
		return now.Add(-time.Hour), nil
	case models.PeriodPreviousDay:
		return now.Add(-24 * time.Hour), nil
	case models.PeriodPreviousWeek:
		return now.Add(-7 * 24 * time.Hour), nil
	case models.PeriodSameHourYesterday:
		return now.Add(-24 * time.Hour).Truncate(time.Hour), nil
	case models.PeriodSameDayLastWeek:
		return now.AddDate(0, 0, -7).Truncate(time.Hour), nil
	default:
		return time.Time{}, utils.NewAppError("compare_with_history", "unknown period "+string(period), nil)
	}
}

func (a *Analyzer) cached(ctx context.Context, resourceID string, now time.Time) (models.Baseline, bool) {
	a.mu.RLock()
	local, ok := a.baselines[resourceID]
	a.mu.RUnlock()
	if ok && local.ValidAt(now) {
		return local, true
	}

	payload, err := a.shared.Get(ctx, cacheKey(resourceID))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			a.logger.Warn("shared baseline read failed", slog.String("resource_id", resourceID), slog.Any("error", err))
		}
		return models.Baseline{}, false
	}
	var remote models.Baseline
	if err := json.Unmarshal(payload, &remote); err != nil || !remote.ValidAt(now) {
		return models.Baseline{}, false
	}
	a.mu.Lock()
	a.baselines[resourceID] = remote
	a.mu.Unlock()
	return remote, true
}

func (a *Analyzer) store(ctx context.Context, b models.Baseline) {
	a.mu.Lock()
	a.baselines[b.ResourceID] = b
	a.mu.Unlock()

	payload, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := a.shared.Set(ctx, cacheKey(b.ResourceID), payload, b.ValidUntil.Sub(b.CalculatedAt)); err != nil {
		a.logger.Warn("shared baseline write failed", slog.String("resource_id", b.ResourceID), slog.Any("error", err))
	}
}

func (a *Analyzer) resourceName(ctx context.Context, resourceID string) string {
	if a.resources == nil {
		return resourceID
	}
	res, err := a.resources.GetResource(ctx, resourceID)
	if err != nil {
		return resourceID
	}
	return res.DisplayName()
}

func hasMetrics(b models.Baseline, metrics []string) bool {
	for _, m := range metrics {
		if _, ok := b.Metrics[m]; !ok {
			return false
		}
	}
	return true
}

func missingMetrics(b models.Baseline, metrics []string) []string {
	var out []string
	for _, m := range metrics {
		if _, ok := b.Metrics[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func cacheKey(resourceID string) string { return "baseline:" + resourceID }
