package rootcause

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

type fakeTopology struct {
	resources   map[string]models.Resource
	deps        map[string][]string
	deployments []models.DeploymentEvent
	depsErr     error
}

func (f *fakeTopology) GetResource(_ context.Context, id string) (models.Resource, error) {
	if r, ok := f.resources[id]; ok {
		return r, nil
	}
	return models.Resource{}, utils.NotFound("get_resource", "resource", id)
}

func (f *fakeTopology) Dependencies(_ context.Context, id string, _ int) ([]models.DependencyEdge, error) {
	if f.depsErr != nil {
		return nil, f.depsErr
	}
	var out []models.DependencyEdge
	for _, target := range f.deps[id] {
		out = append(out, models.DependencyEdge{SourceID: id, TargetID: target, TargetName: target})
	}
	return out, nil
}

func (f *fakeTopology) Deployments(context.Context, string, time.Time, time.Time, int) ([]models.DeploymentEvent, error) {
	return f.deployments, nil
}

type fakeAnomalies struct {
	alerts []models.AnomalyAlert
	err    error
	asked  []string
}

func (f *fakeAnomalies) DetectAnomalies(_ context.Context, ids []string, _ float64) ([]models.AnomalyAlert, error) {
	f.asked = ids
	return f.alerts, f.err
}

var failureTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(topo *fakeTopology, anomalies AnomalySource) *Analyzer {
	a := NewAnalyzer(topo, anomalies, nil, nil)
	a.newID = func() string { return "analysis-1" }
	return a
}

func TestAnalyzeFailureCascadingFromSecondHop(t *testing.T) {
	topo := &fakeTopology{
		resources: map[string]models.Resource{"api": {ID: "api", Name: "API"}},
		deps:      map[string][]string{"api": {"cache"}, "cache": {"db"}},
	}
	analysis, err := newTestAnalyzer(topo, &fakeAnomalies{}).AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if analysis.RootCauseType != models.RootCauseCascadingFailure || analysis.Confidence != 0.8 {
		t.Fatalf("expected cascading failure at 0.8, got %s %v", analysis.RootCauseType, analysis.Confidence)
	}
	p := analysis.Propagation
	if p == nil || p.InitialFailure != "db" || p.PropagationDelay != 300 {
		t.Fatalf("unexpected propagation %+v", p)
	}
	if len(p.PropagationPath) != 3 || p.PropagationPath[0] != "db" || p.PropagationPath[2] != "api" {
		t.Fatalf("unexpected path %v", p.PropagationPath)
	}
	if len(p.AffectedServices) != 2 || p.AffectedServices[0] != "cache" {
		t.Fatalf("unexpected affected services %v", p.AffectedServices)
	}
	if analysis.AnalysisID != "analysis-1" || len(analysis.Recommendations) == 0 {
		t.Fatalf("expected id and recommendations, got %+v", analysis)
	}
	if len(analysis.Timeline) != 1 || analysis.Timeline[0].EventType != models.EventDependencyIssue ||
		!analysis.Timeline[0].Timestamp.Equal(failureTime.Add(-15*time.Minute)) {
		t.Fatalf("unexpected timeline %+v", analysis.Timeline)
	}
}

func TestAnalyzeFailureDirectDependencyIsNotPropagation(t *testing.T) {
	topo := &fakeTopology{
		resources: map[string]models.Resource{"api": {ID: "api"}},
		deps:      map[string][]string{"api": {"db"}},
	}
	analysis, err := newTestAnalyzer(topo, &fakeAnomalies{}).AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if analysis.Propagation != nil || analysis.RootCauseType != models.RootCauseUnknown || analysis.Confidence != 0.3 {
		t.Fatalf("expected unknown without propagation, got %+v", analysis)
	}
	if len(analysis.ContributingFactors) != 2 || analysis.ContributingFactors[1] != "1 timeline events" {
		t.Fatalf("unexpected factors %v", analysis.ContributingFactors)
	}
}

func TestAnalyzeFailureRecentDeployment(t *testing.T) {
	topo := &fakeTopology{
		resources: map[string]models.Resource{"api": {ID: "api", Name: "API"}},
		deployments: []models.DeploymentEvent{
			{ID: "d1", Version: "v2", DeployedAt: failureTime.Add(-40 * time.Minute)},
		},
	}
	anomalies := &fakeAnomalies{alerts: []models.AnomalyAlert{
		{AlertID: "a1", ResourceID: "api", MetricName: "cpu_usage", Severity: models.SeverityCritical},
	}}
	analysis, err := newTestAnalyzer(topo, anomalies).AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if analysis.RootCauseType != models.RootCauseDeployment || analysis.Confidence != 0.7 {
		t.Fatalf("expected deployment, got %s %v", analysis.RootCauseType, analysis.Confidence)
	}
	if analysis.Timeline[0].EventType != models.EventDeployment || analysis.Timeline[1].EventType != models.EventAnomaly {
		t.Fatalf("expected chronological timeline, got %+v", analysis.Timeline)
	}
	if !analysis.Timeline[1].Timestamp.Equal(failureTime.Add(-30 * time.Minute)) {
		t.Fatalf("expected undated anomaly stamped 30m before failure, got %s", analysis.Timeline[1].Timestamp)
	}
}

func TestAnalyzeFailureResourceExhaustion(t *testing.T) {
	topo := &fakeTopology{resources: map[string]models.Resource{"api": {ID: "api"}}}
	anomalies := &fakeAnomalies{alerts: []models.AnomalyAlert{
		{AlertID: "a1", ResourceID: "other", MetricName: "latency_p95", Severity: models.SeverityCritical},
		{AlertID: "a2", ResourceID: "api", MetricName: "memory_usage", Severity: models.SeverityHigh},
	}}
	analysis, err := newTestAnalyzer(topo, anomalies).AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if analysis.RootCauseType != models.RootCauseResourceExhaustion || analysis.Confidence != 0.9 {
		t.Fatalf("expected resource exhaustion at 0.9, got %s %v", analysis.RootCauseType, analysis.Confidence)
	}
}

func TestAnalyzeFailureNetworkIssue(t *testing.T) {
	topo := &fakeTopology{resources: map[string]models.Resource{"api": {ID: "api"}}, deps: map[string][]string{}}
	anomalies := &fakeAnomalies{alerts: []models.AnomalyAlert{
		{AlertID: "a1", ResourceID: "gateway", MetricName: "error_rate", Severity: models.SeverityHigh},
		{AlertID: "a2", ResourceID: "gateway", MetricName: "request_timeout", Severity: models.SeverityCritical},
	}}
	analysis, err := newTestAnalyzer(topo, anomalies).AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if analysis.RootCauseType != models.RootCauseNetworkIssue || analysis.Confidence != 0.7 {
		t.Fatalf("expected network issue, got %s %v", analysis.RootCauseType, analysis.Confidence)
	}
}

func TestAnalyzeFailureUnknownResource(t *testing.T) {
	_, err := newTestAnalyzer(&fakeTopology{}, &fakeAnomalies{}).AnalyzeFailure(context.Background(), "ghost", failureTime, 2)
	if !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAnalyzeFailureToleratesBackendErrors(t *testing.T) {
	topo := &fakeTopology{resources: map[string]models.Resource{"api": {ID: "api"}}, depsErr: errors.New("neo4j down")}
	analysis, err := newTestAnalyzer(topo, &fakeAnomalies{err: errors.New("prometheus down")}).
		AnalyzeFailure(context.Background(), "api", failureTime, 2)
	if err != nil {
		t.Fatalf("expected best-effort analysis, got %v", err)
	}
	if analysis.RootCauseType != models.RootCauseUnknown || analysis.Timeline == nil {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
}

func TestCorrelateAnomaliesScoresAndCaps(t *testing.T) {
	var alerts []models.AnomalyAlert
	for i := 0; i < 12; i++ {
		alerts = append(alerts, models.AnomalyAlert{ResourceID: "other", Severity: models.SeverityLow})
	}
	alerts = append(alerts, models.AnomalyAlert{ResourceID: "api", Severity: models.SeverityCritical})
	got := CorrelateAnomalies("api", alerts)
	if len(got) != 10 {
		t.Fatalf("expected top 10, got %d", len(got))
	}
	if got[0].CorrelationScore != 1 || got[1].CorrelationScore != 0.5 {
		t.Fatalf("unexpected scores %v %v", got[0].CorrelationScore, got[1].CorrelationScore)
	}
}
