package diagnostics

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/anomaly"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

type fakeMetrics struct {
	mu        sync.Mutex
	health    map[string]float64
	healthErr map[string]error
	series    map[string][]models.MetricPoint
	rangeErr  map[string]error
	edges     map[string]map[string][]models.MetricPoint
	edgeCalls []string
}

func (f *fakeMetrics) GetResourceMetrics(_ context.Context, resourceID, _ string, _ time.Duration) (models.ResourceMetrics, error) {
	if err := f.healthErr[resourceID]; err != nil {
		return models.ResourceMetrics{}, err
	}
	score, ok := f.health[resourceID]
	if !ok {
		score = 100
	}
	return models.ResourceMetrics{
		ResourceID:  resourceID,
		HealthScore: score,
		Metrics: map[string][]models.MetricPoint{
			"cpu_usage": {{Value: 10}, {Value: 20}},
		},
	}, nil
}

func (f *fakeMetrics) MetricRange(_ context.Context, resourceID, metric string, _, _ time.Time, _ time.Duration) ([]models.MetricPoint, error) {
	if err := f.rangeErr[resourceID]; err != nil {
		return nil, err
	}
	return f.series[resourceID+"/"+metric], nil
}

func (f *fakeMetrics) EdgeMetricRange(_ context.Context, sourceID, targetID, metric string, _, _ time.Time, _ time.Duration) ([]models.MetricPoint, error) {
	f.mu.Lock()
	f.edgeCalls = append(f.edgeCalls, sourceID+">"+targetID)
	f.mu.Unlock()
	return f.edges[sourceID+">"+targetID][metric], nil
}

type fakeTopology struct {
	resources []models.Resource
	edges     []models.DependencyEdge
	listErr   error
}

func (f *fakeTopology) ListResources(context.Context, int) ([]models.Resource, error) {
	return f.resources, f.listErr
}

func (f *fakeTopology) GetResource(_ context.Context, id string) (models.Resource, error) {
	for _, r := range f.resources {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Resource{}, utils.NotFound("get_resource", "resource", id)
}

func (f *fakeTopology) DependencyEdges(context.Context, int) ([]models.DependencyEdge, error) {
	return f.edges, nil
}

type stubScorer struct {
	byValue map[float64]float64
}

func (s stubScorer) Score(series []models.MetricPoint) []anomaly.ScoredPoint {
	var out []anomaly.ScoredPoint
	for i, p := range series {
		if score, ok := s.byValue[p.Value]; ok {
			out = append(out, anomaly.ScoredPoint{Index: i, Timestamp: p.Timestamp, Value: p.Value, Score: score})
		}
	}
	return out
}

func statuses(list ...models.HealthStatus) []models.ServiceHealthStatus {
	out := make([]models.ServiceHealthStatus, len(list))
	for i, s := range list {
		out[i].Status = s
	}
	return out
}

func repeat(s models.HealthStatus, n int) []models.HealthStatus {
	out := make([]models.HealthStatus, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestStatusForScoreBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  models.HealthStatus
	}{
		{100, models.HealthStatusHealthy},
		{70, models.HealthStatusHealthy},
		{69.999, models.HealthStatusDegraded},
		{50, models.HealthStatusDegraded},
		{49.999, models.HealthStatusFailed},
		{0, models.HealthStatusFailed},
	}
	for _, tc := range cases {
		if got := StatusForScore(tc.score); got != tc.want {
			t.Fatalf("score %v: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestOverallHealthOf(t *testing.T) {
	if got := OverallHealthOf(statuses(models.HealthStatusHealthy, models.HealthStatusHealthy, models.HealthStatusFailed)); got != models.OverallCritical {
		t.Fatalf("expected critical, got %s", got)
	}
	thirty := append(repeat(models.HealthStatusHealthy, 7), repeat(models.HealthStatusDegraded, 3)...)
	if got := OverallHealthOf(statuses(thirty...)); got != models.OverallHealthy {
		t.Fatalf("expected healthy at exactly 30%%, got %s", got)
	}
	forty := append(repeat(models.HealthStatusDegraded, 4), repeat(models.HealthStatusHealthy, 6)...)
	if got := OverallHealthOf(statuses(forty...)); got != models.OverallDegraded {
		t.Fatalf("expected degraded at 40%%, got %s", got)
	}
	if got := OverallHealthOf(nil); got != models.OverallUnknown {
		t.Fatalf("expected unknown for empty set, got %s", got)
	}
}

func TestGetServiceHealthUnknownOnBackendFailure(t *testing.T) {
	svc := NewService(&fakeMetrics{healthErr: map[string]error{"api": errors.New("down")}}, &fakeTopology{}, nil, Options{}, nil)
	status, err := svc.GetServiceHealth(context.Background(), "api", "service", 1)
	if err != nil {
		t.Fatalf("GetServiceHealth: %v", err)
	}
	if status.Status != models.HealthStatusUnknown || status.HealthScore != 0 {
		t.Fatalf("expected unknown status, got %+v", status)
	}
}

func TestDetectAnomaliesSortsAndSkipsFailures(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeMetrics{
		series: map[string][]models.MetricPoint{
			"api/cpu_usage":   {{Timestamp: base, Value: 1}, {Timestamp: base.Add(time.Minute), Value: 90}},
			"api/error_rate":  {{Timestamp: base.Add(2 * time.Minute), Value: 0.5}},
			"web/latency_p95": {{Timestamp: base.Add(5 * time.Minute), Value: 3}},
		},
		rangeErr: map[string]error{"broken": errors.New("timeout")},
	}
	scorer := stubScorer{byValue: map[float64]float64{90: 0.85, 0.5: 0.65, 3: 0.9}}
	svc := NewService(src, &fakeTopology{}, scorer, Options{}, nil)

	alerts, err := svc.DetectAnomalies(context.Background(), []string{"api", "broken", "web"}, 1)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %+v", alerts)
	}
	if alerts[0].ResourceID != "web" || alerts[1].MetricName != "cpu_usage" || alerts[2].Severity != models.SeverityHigh {
		t.Fatalf("unexpected ordering %+v", alerts)
	}
	if alerts[1].ExpectedValue != 45.5 {
		t.Fatalf("expected series mean as expected value, got %v", alerts[1].ExpectedValue)
	}
	if alerts[0].AlertID != "web-latency_p95-"+strconv.FormatInt(base.Add(5*time.Minute).Unix(), 10) {
		t.Fatalf("unexpected alert id %s", alerts[0].AlertID)
	}
}

func TestGetLiveSnapshot(t *testing.T) {
	topo := &fakeTopology{
		resources: []models.Resource{
			{ID: "web", Name: "Web"},
			{ID: "db", Name: "DB"},
			{ID: "cache", Name: "Cache"},
		},
		edges: []models.DependencyEdge{
			{SourceID: "web", TargetID: "db"},
			{SourceID: "web", TargetID: "cache"},
			{SourceID: "web", TargetID: "bad id;drop"},
		},
	}
	src := &fakeMetrics{
		health: map[string]float64{"db": 30, "cache": 60},
		edges: map[string]map[string][]models.MetricPoint{
			"web>db": {
				"request_rate": {{Value: 10}, {Value: 10}, {Value: 20}, {Value: 20}},
				"error_rate":   {{Value: 0.06}},
				"latency_p95":  {{Value: 1.5}},
			},
		},
	}
	svc := NewService(src, topo, stubScorer{}, Options{Concurrency: 2}, nil)

	snap, err := svc.GetLiveSnapshot(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetLiveSnapshot: %v", err)
	}
	if snap.OverallHealth != models.OverallCritical {
		t.Fatalf("expected critical, got %s", snap.OverallHealth)
	}
	if len(snap.Services) != 3 || snap.Services[0].ResourceID != "web" || snap.Services[1].Status != models.HealthStatusFailed {
		t.Fatalf("expected services in input order, got %+v", snap.Services)
	}
	if len(snap.TrafficPatterns) != 2 {
		t.Fatalf("expected unsafe edge skipped, got %+v", snap.TrafficPatterns)
	}
	for _, call := range src.edgeCalls {
		if call == "web>bad id;drop" {
			t.Fatalf("unsafe identifier reached the metrics backend")
		}
	}
	p := snap.TrafficPatterns[0]
	if !p.IsAbnormal || p.AnomalyScore != 0.7 || p.Trend != models.TrendIncreasing {
		t.Fatalf("unexpected web>db pattern %+v", p)
	}
	if len(snap.FailingDependencies) != 2 || snap.FailingDependencies[0].ErrorDetails.Status != models.HealthStatusFailed {
		t.Fatalf("unexpected failing dependencies %+v", snap.FailingDependencies)
	}
	if svc.SnapshotLatency(50) <= 0 {
		t.Fatalf("expected snapshot latency recorded")
	}
}

func TestGetLiveSnapshotTopologyDown(t *testing.T) {
	svc := NewService(&fakeMetrics{}, &fakeTopology{listErr: errors.New("neo4j down")}, stubScorer{}, Options{}, nil)
	snap, err := svc.GetLiveSnapshot(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected best-effort snapshot, got %v", err)
	}
	if snap.OverallHealth != models.OverallUnknown || snap.Services == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGetFailingDependencies(t *testing.T) {
	topo := &fakeTopology{edges: []models.DependencyEdge{
		{SourceID: "a", TargetID: "b"},
		{SourceID: "c", TargetID: "b"},
		{SourceID: "a", TargetID: "d"},
	}}
	src := &fakeMetrics{health: map[string]float64{"b": 55, "d": 90}}
	svc := NewService(src, topo, stubScorer{}, Options{}, nil)

	failing, err := svc.GetFailingDependencies(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetFailingDependencies: %v", err)
	}
	if len(failing) != 2 || failing[0].ErrorDetails.Status != models.HealthStatusDegraded || failing[0].ErrorDetails.HealthScore != 55 {
		t.Fatalf("unexpected failing deps %+v", failing)
	}
}
