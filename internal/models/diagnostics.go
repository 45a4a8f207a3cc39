package models

import "time"

// HealthStatus is the per-resource health classification.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusFailed   HealthStatus = "failed"
	HealthStatusUnknown  HealthStatus = "unknown"
)

// OverallHealth is the topology-wide classification of a snapshot.
type OverallHealth string

const (
	OverallHealthy  OverallHealth = "healthy"
	OverallDegraded OverallHealth = "degraded"
	OverallCritical OverallHealth = "critical"
	OverallUnknown  OverallHealth = "unknown"
)

// ServiceHealthStatus is derived fresh from the metrics backend on each query.
type ServiceHealthStatus struct {
	ResourceID   string             `json:"resource_id"`
	ResourceName string             `json:"resource_name"`
	ResourceType string             `json:"resource_type"`
	Status       HealthStatus       `json:"status"`
	HealthScore  float64            `json:"health_score"`
	Anomalies    []string           `json:"anomalies"`
	Metrics      map[string]float64 `json:"metrics"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// AnomalyAlert is a single detected metric deviation.
type AnomalyAlert struct {
	AlertID             string    `json:"alert_id"`
	ResourceID          string    `json:"resource_id"`
	ResourceName        string    `json:"resource_name"`
	Severity            Severity  `json:"severity"`
	MetricName          string    `json:"metric_name"`
	CurrentValue        float64   `json:"current_value"`
	ExpectedValue       float64   `json:"expected_value"`
	DeviationPercentage float64   `json:"deviation_percentage"`
	AnomalyScore        float64   `json:"anomaly_score"`
	DetectedAt          time.Time `json:"detected_at"`
	Message             string    `json:"message"`
	PotentialCauses     []string  `json:"potential_causes"`
}

// TrafficTrend describes the direction of request volume on an edge.
type TrafficTrend string

const (
	TrendIncreasing TrafficTrend = "increasing"
	TrendDecreasing TrafficTrend = "decreasing"
	TrendStable     TrafficTrend = "stable"
)

// TrafficPattern summarises traffic on one directed dependency edge.
type TrafficPattern struct {
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RequestRate  float64      `json:"request_rate"`
	ErrorRate    float64      `json:"error_rate"`
	LatencyP95   float64      `json:"latency_p95"`
	IsAbnormal   bool         `json:"is_abnormal"`
	AnomalyScore float64      `json:"anomaly_score"`
	Trend        TrafficTrend `json:"trend"`
}

// FailingDependency is a dependency edge whose target is failed or degraded.
type FailingDependency struct {
	SourceID     string          `json:"source_id"`
	SourceName   string          `json:"source_name"`
	TargetID     string          `json:"target_id"`
	TargetName   string          `json:"target_name"`
	ErrorDetails DependencyError `json:"error_details"`
}

// DependencyError mirrors the failing target's health fields.
type DependencyError struct {
	Status      HealthStatus       `json:"status"`
	HealthScore float64            `json:"health_score"`
	Anomalies   []string           `json:"anomalies"`
	Metrics     map[string]float64 `json:"metrics"`
	LastUpdated time.Time          `json:"last_updated"`
}

// LiveDiagnosticsSnapshot is a point-in-time aggregation across the topology.
type LiveDiagnosticsSnapshot struct {
	Timestamp           time.Time             `json:"timestamp"`
	OverallHealth       OverallHealth         `json:"overall_health"`
	Services            []ServiceHealthStatus `json:"services"`
	Anomalies           []AnomalyAlert        `json:"anomalies"`
	TrafficPatterns     []TrafficPattern      `json:"traffic_patterns"`
	FailingDependencies []FailingDependency   `json:"failing_dependencies"`
}
