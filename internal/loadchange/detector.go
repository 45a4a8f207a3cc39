package loadchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Metric names read from the metrics source.
const (
	replicaMetric = "replica_count"
	cpuMetric     = "cpu_usage"
	memoryMetric  = "memory_usage"
	requestMetric = "request_rate"
	latencyMetric = "latency_p95"
	errorMetric   = "error_rate"
)

// Impact windows relative to the scaling event.
const (
	baselineOffset = 5 * time.Minute
	impactOffset   = 10 * time.Minute
	windowLength   = 15 * time.Minute
	impactStep     = 30 * time.Second

	criticalChangePercent    = 50.0
	criticalErrorPercent     = 20.0
	significantChangePercent = 25.0
	moderateChangePercent    = 10.0

	stabilizationWindow    = 5 * time.Minute
	cpuStableDelta         = 0.05
	latencyStableDelta     = 0.1
	maxStabilizationMinute = 30
)

// Prediction tuning.
const (
	similarReplicaRange   = 2
	maxHistoricalEvents   = 10
	historyBaseConfidence = 0.5
	historyConfidenceStep = 0.1
	maxConfidence         = 0.9
	naiveConfidence       = 0.3
	currentReplicaWindow  = time.Hour
	maxReplicaPoints      = 1000
)

var stabilizationProbes = []int{5, 10, 15, 20, 30}

var impactMetrics = []string{cpuMetric, memoryMetric, requestMetric, latencyMetric, errorMetric}

// MetricsSource supplies ranged metric values for a resource.
type MetricsSource interface {
	MetricRange(ctx context.Context, resourceID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error)
}

// Detector finds replica-count changes and quantifies their effect on resource metrics.
type Detector struct {
	metrics MetricsSource
	logger  *slog.Logger
	now     func() time.Time
}

// NewDetector constructs a load change detector.
func NewDetector(metrics MetricsSource, logger *slog.Logger) *Detector {
	return &Detector{metrics: metrics, logger: utils.Component(logger, "loadchange"), now: time.Now}
}

// GetLoadBaseline returns the replica-count samples of the lookback window with their
// min, max and mean. A backend failure yields an empty baseline.
func (d *Detector) GetLoadBaseline(ctx context.Context, resourceID string, lookbackHours float64) (models.LoadBaseline, error) {
	end := d.now().UTC()
	start := end.Add(-utils.HoursToDuration(lookbackHours))
	out := models.LoadBaseline{ResourceID: resourceID, Samples: []models.ReplicaSample{}, Start: start, End: end}
	samples, err := d.replicas(ctx, resourceID, start, end)
	if err != nil {
		d.logger.Warn("replica history unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
		return out, nil
	}
	if len(samples) == 0 {
		return out, nil
	}
	out.Samples = samples
	out.MinPods, out.MaxPods = samples[0].Replicas, samples[0].Replicas
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s.Replicas)
		if s.Replicas < out.MinPods {
			out.MinPods = s.Replicas
		}
		if s.Replicas > out.MaxPods {
			out.MaxPods = s.Replicas
		}
	}
	out.AvgPods = stat.Mean(values, nil)
	return out, nil
}

// DetectScalingEvents reports every change between consecutive replica-count samples in the
// lookback window, oldest first.
func (d *Detector) DetectScalingEvents(ctx context.Context, resourceID string, lookbackHours float64) ([]models.ScalingEvent, error) {
	end := d.now().UTC()
	start := end.Add(-utils.HoursToDuration(lookbackHours))
	samples, err := d.replicas(ctx, resourceID, start, end)
	if err != nil {
		d.logger.Warn("replica history unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
		return []models.ScalingEvent{}, nil
	}
	return EventsFromSamples(resourceID, samples), nil
}

// EventsFromSamples turns consecutive unequal replica samples into scaling events.
func EventsFromSamples(resourceID string, samples []models.ReplicaSample) []models.ScalingEvent {
	events := []models.ScalingEvent{}
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		if prev.Replicas == cur.Replicas {
			continue
		}
		kind := models.ScaleUp
		if cur.Replicas < prev.Replicas {
			kind = models.ScaleDown
		}
		events = append(events, models.ScalingEvent{
			ResourceID:   resourceID,
			Timestamp:    cur.Timestamp,
			EventType:    kind,
			FromReplicas: prev.Replicas,
			ToReplicas:   cur.Replicas,
		})
	}
	return events
}

func (d *Detector) replicas(ctx context.Context, resourceID string, start, end time.Time) ([]models.ReplicaSample, error) {
	step := end.Sub(start) / maxReplicaPoints
	if step < time.Minute {
		step = time.Minute
	}
	points, err := d.metrics.MetricRange(ctx, resourceID, replicaMetric, start, end, step)
	if err != nil {
		return nil, err
	}
	samples := make([]models.ReplicaSample, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.Value) {
			continue
		}
		samples = append(samples, models.ReplicaSample{Timestamp: p.Timestamp, Replicas: int(math.Round(p.Value))})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

// AnalyzeLoadImpact compares the 15 minutes ending 5 minutes before the event with the 15
// minutes starting 10 minutes after it. Metrics the backend cannot serve report no change.
func (d *Detector) AnalyzeLoadImpact(ctx context.Context, resourceID string, event models.ScalingEvent) (models.LoadImpact, error) {
	at := event.Timestamp
	start := at.Add(-baselineOffset - windowLength)
	end := at.Add(maxStabilizationMinute*time.Minute + stabilizationWindow)
	if limit := at.Add(impactOffset + windowLength); limit.After(end) {
		end = limit
	}
	series := d.fetch(ctx, resourceID, impactMetrics, start, end)

	change := func(metric string) float64 {
		before := meanBetween(series[metric], at.Add(-baselineOffset-windowLength), at.Add(-baselineOffset))
		after := meanBetween(series[metric], at.Add(impactOffset), at.Add(impactOffset+windowLength))
		return relativeChange(before, after) * 100
	}
	impact := models.LoadImpact{
		ResourceID:        resourceID,
		Event:             event,
		CPUChange:         change(cpuMetric),
		MemoryChange:      change(memoryMetric),
		RequestRateChange: change(requestMetric),
		LatencyChange:     change(latencyMetric),
		ErrorRateChange:   change(errorMetric),
	}
	impact.ImpactLevel = ImpactLevel(impact)
	impact.StabilizationMinutes = StabilizationMinutes(at, series[cpuMetric], series[latencyMetric])
	return impact, nil
}

// ImpactLevel grades the largest absolute metric change.
func ImpactLevel(impact models.LoadImpact) string {
	largest := 0.0
	for _, c := range []float64{impact.CPUChange, impact.MemoryChange, impact.RequestRateChange, impact.LatencyChange, impact.ErrorRateChange} {
		largest = math.Max(largest, math.Abs(c))
	}
	switch {
	case largest > criticalChangePercent || math.Abs(impact.ErrorRateChange) > criticalErrorPercent:
		return models.ImpactCritical
	case largest > significantChangePercent:
		return models.ImpactSignificant
	case largest > moderateChangePercent:
		return models.ImpactModerate
	default:
		return models.ImpactMinimal
	}
}

// StabilizationMinutes probes 5, 10, 15, 20 and 30 minutes after the event. At each probe it
// compares the five minutes before with the five minutes after; the first probe where the
// relative cpu delta is under 0.05 and the latency delta under 0.1 is returned. Nil means the
// metrics did not settle within 30 minutes.
func StabilizationMinutes(at time.Time, cpu, latency []models.MetricPoint) *float64 {
	for _, minutes := range stabilizationProbes {
		probe := at.Add(time.Duration(minutes) * time.Minute)
		cpuBefore, cpuOK := meanIn(cpu, probe.Add(-stabilizationWindow), probe)
		cpuAfter, cpuOK2 := meanIn(cpu, probe, probe.Add(stabilizationWindow))
		latBefore, latOK := meanIn(latency, probe.Add(-stabilizationWindow), probe)
		latAfter, latOK2 := meanIn(latency, probe, probe.Add(stabilizationWindow))
		if !cpuOK || !cpuOK2 || !latOK || !latOK2 {
			continue
		}
		if math.Abs(relativeChange(cpuBefore, cpuAfter)) < cpuStableDelta &&
			math.Abs(relativeChange(latBefore, latAfter)) < latencyStableDelta {
			v := float64(minutes)
			return &v
		}
	}
	return nil
}

// PredictLoadImpact estimates the effect of scaling to targetReplicas. Past scaling events that
// landed within two replicas of the target are averaged; without any, metrics are assumed to
// scale inversely with the replica ratio and the result is flagged low confidence.
func (d *Detector) PredictLoadImpact(ctx context.Context, resourceID string, targetReplicas, lookbackDays int) (models.LoadPrediction, error) {
	if targetReplicas <= 0 {
		return models.LoadPrediction{}, utils.NewAppError("predict_load_impact", "target replica count must be positive", nil)
	}
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	out := models.LoadPrediction{ResourceID: resourceID, TargetReplicas: targetReplicas}

	now := d.now().UTC()
	recent, err := d.replicas(ctx, resourceID, now.Add(-currentReplicaWindow), now)
	if err != nil || len(recent) == 0 {
		if err != nil {
			d.logger.Warn("current replica count unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
		}
		out.LowConfidence = true
		out.Notes = []string{"current replica count unavailable"}
		return out, nil
	}
	out.CurrentReplicas = recent[len(recent)-1].Replicas
	if out.CurrentReplicas == targetReplicas {
		out.Confidence = maxConfidence
		out.Notes = []string{"target equals the current replica count"}
		return out, nil
	}

	events, _ := d.DetectScalingEvents(ctx, resourceID, float64(lookbackDays*24))
	similar := SimilarEvents(events, out.CurrentReplicas, targetReplicas)
	if len(similar) > maxHistoricalEvents {
		similar = similar[len(similar)-maxHistoricalEvents:]
	}

	var cpu, memory, latency, errRate []float64
	for _, ev := range similar {
		impact, err := d.AnalyzeLoadImpact(ctx, resourceID, ev)
		if err != nil {
			continue
		}
		cpu = append(cpu, impact.CPUChange)
		memory = append(memory, impact.MemoryChange)
		latency = append(latency, impact.LatencyChange)
		errRate = append(errRate, impact.ErrorRateChange)
	}
	if n := len(cpu); n > 0 {
		out.PredictedCPUChange = stat.Mean(cpu, nil)
		out.PredictedMemoryChange = stat.Mean(memory, nil)
		out.PredictedLatency = stat.Mean(latency, nil)
		out.PredictedErrorRate = stat.Mean(errRate, nil)
		out.Confidence = math.Min(maxConfidence, historyBaseConfidence+historyConfidenceStep*float64(n))
		out.BasedOnEvents = n
		out.Notes = []string{fmt.Sprintf("averaged over %d similar scaling events", n)}
		return out, nil
	}

	// Per-pod load scales with current/target.
	naive := (float64(out.CurrentReplicas)/float64(targetReplicas) - 1) * 100
	out.PredictedCPUChange = naive
	out.PredictedMemoryChange = naive
	out.PredictedLatency = naive
	out.Confidence = naiveConfidence
	out.LowConfidence = true
	out.Notes = []string{"no similar scaling history; assuming metrics scale inversely with replica count"}
	return out, nil
}

// SimilarEvents keeps events moving in the same direction as current→target whose resulting
// replica count is within two of the target.
func SimilarEvents(events []models.ScalingEvent, current, target int) []models.ScalingEvent {
	direction := models.ScaleUp
	if target < current {
		direction = models.ScaleDown
	}
	var out []models.ScalingEvent
	for _, ev := range events {
		if ev.EventType != direction {
			continue
		}
		if diff := ev.ToReplicas - target; diff < -similarReplicaRange || diff > similarReplicaRange {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (d *Detector) fetch(ctx context.Context, resourceID string, metrics []string, start, end time.Time) map[string][]models.MetricPoint {
	results := make([][]models.MetricPoint, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	for i, metric := range metrics {
		i, metric := i, metric
		g.Go(func() error {
			points, err := d.metrics.MetricRange(gctx, resourceID, metric, start, end, impactStep)
			if err != nil {
				d.logger.Warn("metric unavailable",
					slog.String("resource_id", resourceID),
					slog.String("metric", metric),
					slog.Any("error", err))
				return nil
			}
			results[i] = points
			return nil
		})
	}
	_ = g.Wait()
	out := make(map[string][]models.MetricPoint, len(metrics))
	for i, metric := range metrics {
		out[metric] = results[i]
	}
	return out
}

// meanIn averages samples with start <= t < end.
func meanIn(points []models.MetricPoint, start, end time.Time) (float64, bool) {
	var values []float64
	for _, p := range points {
		if p.Timestamp.Before(start) || !p.Timestamp.Before(end) || math.IsNaN(p.Value) {
			continue
		}
		values = append(values, p.Value)
	}
	if len(values) == 0 {
		return 0, false
	}
	return stat.Mean(values, nil), true
}

func meanBetween(points []models.MetricPoint, start, end time.Time) float64 {
	v, _ := meanIn(points, start, end)
	return v
}

// relativeChange is (after-before)/|before|, or 0 without a baseline value.
func relativeChange(before, after float64) float64 {
	if before == 0 {
		return 0
	}
	return (after - before) / math.Abs(before)
}
