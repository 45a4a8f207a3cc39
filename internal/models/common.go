package models

import "time"

// Severity captures anomaly impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that critical sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MetricPoint is a single numeric sample.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// InstantSample is one series value from an instant query.
type InstantSample struct {
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
}

// RangeSeries is one labelled series from a range query.
type RangeSeries struct {
	Labels  map[string]string `json:"labels"`
	Samples []MetricPoint     `json:"samples"`
}

// ResourceMetrics is the health bundle computed by the metrics backend for one resource.
type ResourceMetrics struct {
	ResourceID  string                   `json:"resource_id"`
	Metrics     map[string][]MetricPoint `json:"metrics"`
	HealthScore float64                  `json:"health_score"`
	Anomalies   []string                 `json:"anomalies"`
}

// Latest returns the most recent value of the named series.
func (r ResourceMetrics) Latest(name string) (float64, bool) {
	series := r.Metrics[name]
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1].Value, true
}
