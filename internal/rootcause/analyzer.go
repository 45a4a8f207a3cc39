package rootcause

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Correlation and decision tunables.
const (
	correlationBase   = 0.5
	sameResourceBoost = 0.3
	criticalBoost     = 0.2
	highBoost         = 0.1
	maxCorrelated     = 10

	maxDependencyEvents = 10
	maxPropagationDepth = 5
	// propagationDelaySeconds stands in until per-resource failure timestamps are tracked.
	propagationDelaySeconds = 300.0

	anomalyOffset    = 30 * time.Minute
	dependencyOffset = 15 * time.Minute
	deploymentWindow = time.Hour

	cascadingConfidence  = 0.8
	deploymentConfidence = 0.7
	resourceScoreCutoff  = 0.7
	networkScoreCutoff   = 0.6
	unknownConfidence    = 0.3

	defaultLookbackHours = 2.0
)

var (
	resourceKeywords = []string{"cpu", "memory", "disk", "connection"}
	networkKeywords  = []string{"latency", "error_rate", "timeout", "connection"}
)

// TopologySource supplies the graph lookups used while analysing a failure.
type TopologySource interface {
	GetResource(ctx context.Context, resourceID string) (models.Resource, error)
	Dependencies(ctx context.Context, resourceID string, limit int) ([]models.DependencyEdge, error)
	Deployments(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.DeploymentEvent, error)
}

// AnomalySource detects metric anomalies for a set of resources.
type AnomalySource interface {
	DetectAnomalies(ctx context.Context, resourceIDs []string, durationHours float64) ([]models.AnomalyAlert, error)
}

// Analyzer explains why a resource failed.
type Analyzer struct {
	topology  TopologySource
	anomalies AnomalySource
	rules     *RulePack
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewAnalyzer constructs an Analyzer. A nil rule pack serves the built-in recommendations.
func NewAnalyzer(topology TopologySource, anomalies AnomalySource, rules *RulePack, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		topology:  topology,
		anomalies: anomalies,
		rules:     rules,
		logger:    utils.Component(logger, "rootcause"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// AnalyzeFailure builds the timeline, correlations and propagation path for a failed resource
// and classifies its root cause. A zero failureTime means now.
func (a *Analyzer) AnalyzeFailure(ctx context.Context, resourceID string, failureTime time.Time, lookbackHours float64) (models.RootCauseAnalysis, error) {
	started := time.Now()
	if failureTime.IsZero() {
		failureTime = a.now()
	}
	if lookbackHours <= 0 {
		lookbackHours = defaultLookbackHours
	}

	resource, err := a.topology.GetResource(ctx, resourceID)
	if err != nil {
		if utils.IsNotFound(err) {
			return models.RootCauseAnalysis{}, err
		}
		a.logger.Warn("resource lookup failed", slog.String("resource_id", resourceID), slog.Any("error", err))
		resource = models.Resource{ID: resourceID}
	}

	deps, err := a.topology.Dependencies(ctx, resourceID, maxDependencyEvents)
	if err != nil {
		a.logger.Warn("dependency lookup failed", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	if len(deps) > maxDependencyEvents {
		deps = deps[:maxDependencyEvents]
	}

	alerts := a.detectAnomalies(ctx, resourceID, deps, lookbackHours)
	timeline := a.buildTimeline(ctx, resource, deps, alerts, failureTime, lookbackHours)
	correlated := CorrelateAnomalies(resourceID, alerts)
	propagation := a.analyzePropagation(ctx, resourceID)

	analysis := models.RootCauseAnalysis{
		AnalysisID:          a.newID(),
		ResourceID:          resourceID,
		ResourceName:        resource.DisplayName(),
		FailureTime:         failureTime,
		Timeline:            timeline,
		CorrelatedAnomalies: correlated,
		Propagation:         propagation,
	}
	Classify(&analysis)
	analysis.Recommendations = a.rules.Recommend(analysis)

	metrics.ObserveAnalysis(time.Since(started), string(analysis.RootCauseType))
	a.logger.Info("failure analysed",
		slog.String("resource_id", resourceID),
		slog.String("root_cause", string(analysis.RootCauseType)),
		slog.Float64("confidence", analysis.Confidence),
		slog.Int("timeline_events", len(timeline)))
	return analysis, nil
}

func (a *Analyzer) detectAnomalies(ctx context.Context, resourceID string, deps []models.DependencyEdge, lookbackHours float64) []models.AnomalyAlert {
	if a.anomalies == nil {
		return nil
	}
	ids := []string{resourceID}
	for _, dep := range deps {
		ids = append(ids, dep.TargetID)
	}
	alerts, err := a.anomalies.DetectAnomalies(ctx, ids, lookbackHours)
	if err != nil {
		a.logger.Warn("anomaly detection failed", slog.String("resource_id", resourceID), slog.Any("error", err))
		return nil
	}
	return alerts
}

func (a *Analyzer) buildTimeline(ctx context.Context, resource models.Resource, deps []models.DependencyEdge, alerts []models.AnomalyAlert, failureTime time.Time, lookbackHours float64) []models.TimelineEvent {
	timeline := []models.TimelineEvent{}

	start := failureTime.Add(-utils.HoursToDuration(lookbackHours))
	deployments, err := a.topology.Deployments(ctx, resource.ID, start, failureTime, 0)
	if err != nil {
		a.logger.Warn("deployment lookup failed", slog.String("resource_id", resource.ID), slog.Any("error", err))
	}
	for _, d := range deployments {
		timeline = append(timeline, DeploymentTimelineEvent(d, resource))
	}

	for _, alert := range alerts {
		at := alert.DetectedAt
		if at.IsZero() {
			at = failureTime.Add(-anomalyOffset)
		}
		description := alert.Message
		if description == "" {
			description = "Anomaly in " + alert.MetricName
		}
		timeline = append(timeline, models.TimelineEvent{
			Timestamp:    at,
			EventType:    models.EventAnomaly,
			ResourceID:   alert.ResourceID,
			ResourceName: alert.ResourceName,
			Description:  description,
			Severity:     string(alert.Severity),
			Metadata: map[string]string{
				"metric_name":   alert.MetricName,
				"anomaly_score": strconv.FormatFloat(alert.AnomalyScore, 'f', 3, 64),
			},
		})
	}

	for _, dep := range deps {
		timeline = append(timeline, models.TimelineEvent{
			Timestamp:    failureTime.Add(-dependencyOffset),
			EventType:    models.EventDependencyIssue,
			ResourceID:   dep.TargetID,
			ResourceName: firstNonEmpty(dep.TargetName, dep.TargetID),
			Description:  fmt.Sprintf("Upstream dependency %s of %s", firstNonEmpty(dep.TargetName, dep.TargetID), resource.DisplayName()),
			Severity:     "warning",
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	return timeline
}

// DeploymentTimelineEvent renders a deployment onto a timeline.
func DeploymentTimelineEvent(d models.DeploymentEvent, resource models.Resource) models.TimelineEvent {
	meta := map[string]string{"version": d.Version}
	if d.DeployedBy != "" {
		meta["deployed_by"] = d.DeployedBy
	}
	if d.Status != "" {
		meta["status"] = d.Status
	}
	return models.TimelineEvent{
		Timestamp:    d.DeployedAt,
		EventType:    models.EventDeployment,
		ResourceID:   firstNonEmpty(d.ResourceID, resource.ID),
		ResourceName: firstNonEmpty(d.ResourceName, resource.DisplayName()),
		Description:  fmt.Sprintf("Deployment of version %s", firstNonEmpty(d.Version, "unknown")),
		Severity:     "info",
		Metadata:     meta,
	}
}

// CorrelationScore rates how strongly an anomaly relates to the failed resource.
func CorrelationScore(resourceID string, alert models.AnomalyAlert) float64 {
	score := correlationBase
	if alert.ResourceID == resourceID {
		score += sameResourceBoost
	}
	switch alert.Severity {
	case models.SeverityCritical:
		score += criticalBoost
	case models.SeverityHigh:
		score += highBoost
	}
	if score > 1 {
		score = 1
	}
	return score
}

// CorrelateAnomalies scores alerts and keeps the strongest ten, highest first.
func CorrelateAnomalies(resourceID string, alerts []models.AnomalyAlert) []models.CorrelatedAnomaly {
	out := make([]models.CorrelatedAnomaly, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, models.CorrelatedAnomaly{
			AnomalyID:        alert.AlertID,
			ResourceID:       alert.ResourceID,
			ResourceName:     alert.ResourceName,
			MetricName:       alert.MetricName,
			Severity:         alert.Severity,
			DetectedAt:       alert.DetectedAt,
			CorrelationScore: CorrelationScore(resourceID, alert),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CorrelationScore > out[j].CorrelationScore
	})
	if len(out) > maxCorrelated {
		out = out[:maxCorrelated]
	}
	return out
}

// analyzePropagation walks DEPENDS_ON breadth-first and treats the first resource beyond the
// direct dependencies as the origin of the failure.
func (a *Analyzer) analyzePropagation(ctx context.Context, resourceID string) *models.FailurePropagation {
	type node struct {
		id    string
		depth int
	}
	parent := map[string]string{}
	visited := map[string]bool{resourceID: true}
	queue := []node{{id: resourceID}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxPropagationDepth {
			continue
		}
		edges, err := a.topology.Dependencies(ctx, current.id, 0)
		if err != nil {
			a.logger.Warn("propagation walk failed", slog.String("resource_id", current.id), slog.Any("error", err))
			continue
		}
		for _, edge := range edges {
			next := edge.TargetID
			if next == "" || visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = current.id
			if current.depth+1 > 1 {
				return propagationFrom(next, parent)
			}
			queue = append(queue, node{id: next, depth: current.depth + 1})
		}
	}
	return nil
}

func propagationFrom(origin string, parent map[string]string) *models.FailurePropagation {
	path := []string{origin}
	for id, ok := parent[origin]; ok; id, ok = parent[id] {
		path = append(path, id)
	}
	return &models.FailurePropagation{
		InitialFailure:   origin,
		PropagationPath:  path,
		PropagationDelay: propagationDelaySeconds,
		AffectedServices: append([]string(nil), path[1:]...),
	}
}

// Classify picks the root cause of an analysis whose timeline, correlations and propagation
// are populated. The first matching rule wins.
func Classify(analysis *models.RootCauseAnalysis) {
	factors := []string{}

	if p := analysis.Propagation; p != nil {
		analysis.RootCauseType = models.RootCauseCascadingFailure
		analysis.Confidence = cascadingConfidence
		analysis.PrimaryCause = fmt.Sprintf("Cascading failure originating from %s", p.InitialFailure)
		factors = append(factors, "Propagation path: "+strings.Join(p.PropagationPath, " -> "))
		factors = append(factors, fmt.Sprintf("%d services affected", len(p.AffectedServices)))
		analysis.ContributingFactors = factors
		return
	}

	if dep, ok := recentDeployment(analysis.Timeline); ok {
		analysis.RootCauseType = models.RootCauseDeployment
		analysis.Confidence = deploymentConfidence
		analysis.PrimaryCause = fmt.Sprintf("%s on %s", dep.Description, firstNonEmpty(dep.ResourceName, dep.ResourceID))
		factors = append(factors, "Deployment at "+utils.FormatTimestamp(dep.Timestamp))
		analysis.ContributingFactors = append(factors, anomalyFactors(analysis.CorrelatedAnomalies, 3)...)
		return
	}

	if top, ok := topMatching(analysis.CorrelatedAnomalies, resourceKeywords); ok && top.CorrelationScore > resourceScoreCutoff {
		analysis.RootCauseType = models.RootCauseResourceExhaustion
		analysis.Confidence = top.CorrelationScore
		analysis.PrimaryCause = fmt.Sprintf("Resource exhaustion: %s on %s", top.MetricName, firstNonEmpty(top.ResourceName, top.ResourceID))
		analysis.ContributingFactors = anomalyFactors(analysis.CorrelatedAnomalies, 3)
		return
	}

	if top, ok := topMatching(analysis.CorrelatedAnomalies, networkKeywords); ok && top.CorrelationScore > networkScoreCutoff {
		analysis.RootCauseType = models.RootCauseNetworkIssue
		analysis.Confidence = top.CorrelationScore
		analysis.PrimaryCause = fmt.Sprintf("Network issue: %s on %s", top.MetricName, firstNonEmpty(top.ResourceName, top.ResourceID))
		analysis.ContributingFactors = anomalyFactors(analysis.CorrelatedAnomalies, 3)
		return
	}

	analysis.RootCauseType = models.RootCauseUnknown
	analysis.Confidence = unknownConfidence
	analysis.PrimaryCause = "Unable to determine a root cause from the available signals"
	analysis.ContributingFactors = []string{
		fmt.Sprintf("%d correlated anomalies", len(analysis.CorrelatedAnomalies)),
		fmt.Sprintf("%d timeline events", len(analysis.Timeline)),
	}
}

// recentDeployment returns the latest deployment within an hour of the last timeline event.
func recentDeployment(timeline []models.TimelineEvent) (models.TimelineEvent, bool) {
	if len(timeline) == 0 {
		return models.TimelineEvent{}, false
	}
	last := timeline[len(timeline)-1].Timestamp
	var found models.TimelineEvent
	ok := false
	for _, ev := range timeline {
		if ev.EventType != models.EventDeployment {
			continue
		}
		gap := last.Sub(ev.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= deploymentWindow && (!ok || ev.Timestamp.After(found.Timestamp)) {
			found, ok = ev, true
		}
	}
	return found, ok
}

func topMatching(anomalies []models.CorrelatedAnomaly, keywords []string) (models.CorrelatedAnomaly, bool) {
	for _, a := range anomalies {
		metric := strings.ToLower(a.MetricName)
		for _, kw := range keywords {
			if strings.Contains(metric, kw) {
				return a, true
			}
		}
	}
	return models.CorrelatedAnomaly{}, false
}

func anomalyFactors(anomalies []models.CorrelatedAnomaly, limit int) []string {
	out := []string{}
	for i, a := range anomalies {
		if i == limit {
			break
		}
		out = append(out, fmt.Sprintf("%s anomaly on %s (correlation %.2f)", a.MetricName, firstNonEmpty(a.ResourceName, a.ResourceID), a.CorrelationScore))
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
