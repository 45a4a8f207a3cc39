package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topdeckio/topdeck-diagnostics/internal/anomaly"
	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Health score cutoffs, inclusive lower bounds.
const (
	HealthGoodThreshold     = 70.0
	HealthDegradedThreshold = 50.0
)

// maxAlertsPerMetric caps how many flagged samples of one series become alerts.
const maxAlertsPerMetric = 3

// anomalyMetrics are scanned for every resource.
var anomalyMetrics = []string{"cpu_usage", "memory_usage", "error_rate", "latency_p95"}

var potentialCauses = map[string][]string{
	"cpu_usage":    {"Traffic spike", "Inefficient code path or hot loop", "Insufficient CPU allocation"},
	"memory_usage": {"Memory leak", "Cache growth without eviction", "Insufficient memory limit"},
	"error_rate":   {"Failing downstream dependency", "Recent deployment regression", "Invalid client input"},
	"latency_p95":  {"Slow downstream dependency", "Resource saturation", "Network congestion"},
}

// MetricsSource supplies health bundles and per-resource series.
type MetricsSource interface {
	EdgeMetrics
	GetResourceMetrics(ctx context.Context, resourceID, resourceType string, duration time.Duration) (models.ResourceMetrics, error)
	MetricRange(ctx context.Context, resourceID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error)
}

// TopologySource supplies resources and dependency edges.
type TopologySource interface {
	ListResources(ctx context.Context, limit int) ([]models.Resource, error)
	GetResource(ctx context.Context, resourceID string) (models.Resource, error)
	DependencyEdges(ctx context.Context, limit int) ([]models.DependencyEdge, error)
}

// Options tunes snapshot production.
type Options struct {
	MaxResources   int
	SnapshotBudget time.Duration
	Concurrency    int
}

// Service produces live diagnostics across the topology.
type Service struct {
	metrics  MetricsSource
	topology TopologySource
	scorer   anomaly.Scorer
	traffic  *TrafficAnalyzer
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	latency  *utils.LatencyTracker
}

// NewService wires the diagnostics service. A nil scorer selects the isolation forest.
func NewService(metricsSource MetricsSource, topology TopologySource, scorer anomaly.Scorer, opts Options, logger *slog.Logger) *Service {
	if scorer == nil {
		scorer = anomaly.NewIsolationForestScorer(42)
	}
	if opts.MaxResources <= 0 {
		opts.MaxResources = 1000
	}
	if opts.SnapshotBudget <= 0 {
		opts.SnapshotBudget = 60 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Service{
		metrics:  metricsSource,
		topology: topology,
		scorer:   scorer,
		traffic:  NewTrafficAnalyzer(metricsSource, logger),
		logger:   utils.Component(logger, "diagnostics"),
		opts:     opts,
		now:      time.Now,
		latency:  utils.NewLatencyTracker(256),
	}
}

// StatusForScore classifies a health score.
func StatusForScore(score float64) models.HealthStatus {
	switch {
	case score >= HealthGoodThreshold:
		return models.HealthStatusHealthy
	case score >= HealthDegradedThreshold:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusFailed
	}
}

// OverallHealthOf aggregates service statuses: any failure is critical, more than 30% degraded
// is degraded, and an empty set is unknown.
func OverallHealthOf(services []models.ServiceHealthStatus) models.OverallHealth {
	if len(services) == 0 {
		return models.OverallUnknown
	}
	degraded := 0
	for _, s := range services {
		switch s.Status {
		case models.HealthStatusFailed:
			return models.OverallCritical
		case models.HealthStatusDegraded:
			degraded++
		}
	}
	if float64(degraded)/float64(len(services)) > 0.30 {
		return models.OverallDegraded
	}
	return models.OverallHealthy
}

// GetLiveSnapshot aggregates health, anomalies, traffic and failing dependencies. It runs under
// the configured wall-clock budget; phases cut short contribute what they finished.
func (s *Service) GetLiveSnapshot(ctx context.Context, durationHours float64) (models.LiveDiagnosticsSnapshot, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.SnapshotBudget)
	defer cancel()

	duration := windowFor(durationHours)
	snapshot := models.LiveDiagnosticsSnapshot{
		Timestamp:           s.now(),
		Services:            []models.ServiceHealthStatus{},
		Anomalies:           []models.AnomalyAlert{},
		TrafficPatterns:     []models.TrafficPattern{},
		FailingDependencies: []models.FailingDependency{},
	}

	resources, err := s.topology.ListResources(ctx, s.opts.MaxResources)
	if err != nil {
		s.logger.Warn("topology unavailable for snapshot", slog.Any("error", err))
		resources = nil
	}

	snapshot.Services = s.healthOf(ctx, resources, duration)
	snapshot.Anomalies = s.detect(ctx, resources, duration)

	edges, err := s.topology.DependencyEdges(ctx, 0)
	if err != nil {
		s.logger.Warn("dependency edges unavailable for snapshot", slog.Any("error", err))
		edges = nil
	}
	snapshot.TrafficPatterns = s.traffic.Analyze(ctx, edges, duration)

	byID := make(map[string]models.ServiceHealthStatus, len(snapshot.Services))
	for _, svc := range snapshot.Services {
		byID[svc.ResourceID] = svc
	}
	snapshot.FailingDependencies = failingFrom(edges, func(id string) (models.ServiceHealthStatus, bool) {
		svc, ok := byID[id]
		return svc, ok
	})
	snapshot.OverallHealth = OverallHealthOf(snapshot.Services)

	elapsed := time.Since(started)
	s.latency.Observe(elapsed)
	metrics.ObserveSnapshot(elapsed, string(snapshot.OverallHealth))
	s.logger.Info("live snapshot produced",
		slog.String("overall_health", string(snapshot.OverallHealth)),
		slog.Int("services", len(snapshot.Services)),
		slog.Int("anomalies", len(snapshot.Anomalies)),
		slog.Int("traffic_patterns", len(snapshot.TrafficPatterns)),
		slog.Duration("elapsed", elapsed))
	return snapshot, nil
}

// SnapshotLatency reports the p-th percentile (0-100) of recent snapshot durations.
func (s *Service) SnapshotLatency(p float64) time.Duration {
	return s.latency.Percentile(p)
}

// GetServiceHealth derives the health of one resource. Backend failures yield status unknown.
func (s *Service) GetServiceHealth(ctx context.Context, resourceID, resourceType string, durationHours float64) (models.ServiceHealthStatus, error) {
	if resourceID == "" {
		return models.ServiceHealthStatus{}, utils.NewAppError("get_service_health", "resource id is required", nil)
	}
	res := models.Resource{ID: resourceID, ResourceType: resourceType}
	if found, err := s.topology.GetResource(ctx, resourceID); err == nil {
		res = found
		if resourceType != "" {
			res.ResourceType = resourceType
		}
	}
	return s.health(ctx, res, windowFor(durationHours)), nil
}

// DetectAnomalies scans resourceIDs and returns alerts ordered by severity then recency.
func (s *Service) DetectAnomalies(ctx context.Context, resourceIDs []string, durationHours float64) ([]models.AnomalyAlert, error) {
	resources := make([]models.Resource, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		res := models.Resource{ID: id}
		if found, err := s.topology.GetResource(ctx, id); err == nil {
			res = found
		}
		resources = append(resources, res)
	}
	return s.detect(ctx, resources, windowFor(durationHours)), nil
}

// AnalyzeTrafficPatterns scores every DEPENDS_ON edge.
func (s *Service) AnalyzeTrafficPatterns(ctx context.Context, durationHours float64) ([]models.TrafficPattern, error) {
	edges, err := s.topology.DependencyEdges(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	return s.traffic.Analyze(ctx, edges, windowFor(durationHours)), nil
}

// GetFailingDependencies returns edges whose target is failed or degraded.
func (s *Service) GetFailingDependencies(ctx context.Context, durationHours float64) ([]models.FailingDependency, error) {
	edges, err := s.topology.DependencyEdges(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	duration := windowFor(durationHours)
	seen := make(map[string]models.ServiceHealthStatus)
	return failingFrom(edges, func(id string) (models.ServiceHealthStatus, bool) {
		if svc, ok := seen[id]; ok {
			return svc, true
		}
		svc := s.health(ctx, models.Resource{ID: id}, duration)
		seen[id] = svc
		return svc, true
	}), nil
}

func (s *Service) healthOf(ctx context.Context, resources []models.Resource, duration time.Duration) []models.ServiceHealthStatus {
	out := make([]models.ServiceHealthStatus, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, res := range resources {
		g.Go(func() error {
			out[i] = s.health(gctx, res, duration)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) health(ctx context.Context, res models.Resource, duration time.Duration) models.ServiceHealthStatus {
	status := models.ServiceHealthStatus{
		ResourceID:   res.ID,
		ResourceName: res.DisplayName(),
		ResourceType: res.ResourceType,
		Anomalies:    []string{},
		Metrics:      map[string]float64{},
		LastUpdated:  s.now(),
	}
	bundle, err := s.metrics.GetResourceMetrics(ctx, res.ID, res.ResourceType, duration)
	if err != nil {
		s.logger.Warn("health metrics unavailable", slog.String("resource_id", res.ID), slog.Any("error", err))
		status.Status = models.HealthStatusUnknown
		return status
	}
	status.HealthScore = bundle.HealthScore
	status.Status = StatusForScore(bundle.HealthScore)
	if bundle.Anomalies != nil {
		status.Anomalies = bundle.Anomalies
	}
	for name := range bundle.Metrics {
		if v, ok := bundle.Latest(name); ok {
			status.Metrics[name] = v
		}
	}
	return status
}

func (s *Service) detect(ctx context.Context, resources []models.Resource, duration time.Duration) []models.AnomalyAlert {
	end := s.now()
	start := end.Add(-duration)
	step := stepFor(duration)

	alerts := []models.AnomalyAlert{}
	for _, res := range resources {
		if ctx.Err() != nil {
			s.logger.Warn("anomaly detection interrupted", slog.Int("alerts", len(alerts)), slog.Any("error", ctx.Err()))
			break
		}
		found, err := s.detectResource(ctx, res, start, end, step)
		if err != nil {
			s.logger.Warn("anomaly detection failed", slog.String("resource_id", res.ID), slog.Any("error", err))
			continue
		}
		alerts = append(alerts, found...)
	}
	SortAnomalies(alerts)
	for _, a := range alerts {
		metrics.ObserveAnomaly(string(a.Severity))
	}
	return alerts
}

func (s *Service) detectResource(ctx context.Context, res models.Resource, start, end time.Time, step time.Duration) ([]models.AnomalyAlert, error) {
	var alerts []models.AnomalyAlert
	var lastErr error
	answered := 0
	for _, metric := range anomalyMetrics {
		series, err := s.metrics.MetricRange(ctx, res.ID, metric, start, end, step)
		if err != nil {
			lastErr = err
			continue
		}
		answered++
		flagged := s.scorer.Score(series)
		if len(flagged) > maxAlertsPerMetric {
			flagged = flagged[:maxAlertsPerMetric]
		}
		expected := meanOf(series)
		for _, p := range flagged {
			alerts = append(alerts, buildAlert(res, metric, p, expected))
		}
	}
	if answered == 0 && lastErr != nil {
		return nil, lastErr
	}
	return alerts, nil
}

func buildAlert(res models.Resource, metric string, p anomaly.ScoredPoint, expected float64) models.AnomalyAlert {
	deviation := 0.0
	if expected != 0 {
		deviation = (p.Value - expected) / expected * 100
	} else if p.Value != 0 {
		deviation = 100
	}
	severity := anomaly.SeverityForScore(p.Score)
	causes := append([]string(nil), potentialCauses[metric]...)
	return models.AnomalyAlert{
		AlertID:             fmt.Sprintf("%s-%s-%d", res.ID, metric, p.Timestamp.Unix()),
		ResourceID:          res.ID,
		ResourceName:        res.DisplayName(),
		Severity:            severity,
		MetricName:          metric,
		CurrentValue:        p.Value,
		ExpectedValue:       expected,
		DeviationPercentage: deviation,
		AnomalyScore:        p.Score,
		DetectedAt:          p.Timestamp,
		Message: fmt.Sprintf("%s anomaly on %s: %.2f vs expected %.2f (%+.1f%%)",
			metric, res.DisplayName(), p.Value, expected, deviation),
		PotentialCauses: causes,
	}
}

// SortAnomalies orders alerts critical first, then newest first.
func SortAnomalies(alerts []models.AnomalyAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if !alerts[i].DetectedAt.Equal(alerts[j].DetectedAt) {
			return alerts[i].DetectedAt.After(alerts[j].DetectedAt)
		}
		return alerts[i].AlertID < alerts[j].AlertID
	})
}

func failingFrom(edges []models.DependencyEdge, healthOf func(string) (models.ServiceHealthStatus, bool)) []models.FailingDependency {
	failing := []models.FailingDependency{}
	for _, edge := range edges {
		target, ok := healthOf(edge.TargetID)
		if !ok {
			continue
		}
		if target.Status != models.HealthStatusFailed && target.Status != models.HealthStatusDegraded {
			continue
		}
		failing = append(failing, models.FailingDependency{
			SourceID:   edge.SourceID,
			SourceName: firstNonEmpty(edge.SourceName, edge.SourceID),
			TargetID:   edge.TargetID,
			TargetName: firstNonEmpty(edge.TargetName, target.ResourceName, edge.TargetID),
			ErrorDetails: models.DependencyError{
				Status:      target.Status,
				HealthScore: target.HealthScore,
				Anomalies:   target.Anomalies,
				Metrics:     target.Metrics,
				LastUpdated: target.LastUpdated,
			},
		})
	}
	return failing
}

func windowFor(hours float64) time.Duration {
	if hours <= 0 {
		hours = 1
	}
	return utils.HoursToDuration(hours)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
