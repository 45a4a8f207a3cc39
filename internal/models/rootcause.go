package models

import "time"

// RootCauseType enumerates root cause categories.
type RootCauseType string

const (
	RootCauseDependencyFailure  RootCauseType = "dependency_failure"
	RootCauseResourceExhaustion RootCauseType = "resource_exhaustion"
	RootCauseConfigChange       RootCauseType = "configuration_change"
	RootCauseNetworkIssue       RootCauseType = "network_issue"
	RootCauseDeployment         RootCauseType = "deployment"
	RootCauseExternalService    RootCauseType = "external_service"
	RootCauseCascadingFailure   RootCauseType = "cascading_failure"
	RootCauseUnknown            RootCauseType = "unknown"
)

// Timeline event types.
const (
	EventDeployment      = "deployment"
	EventAnomaly         = "anomaly"
	EventDependencyIssue = "dependency_issue"
	EventError           = "error"
	EventLog             = "log"
)

// TimelineEvent is one entry of an analysis timeline.
type TimelineEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	ResourceID   string            `json:"resource_id"`
	ResourceName string            `json:"resource_name"`
	Description  string            `json:"description"`
	Severity     string            `json:"severity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CorrelatedAnomaly is an anomaly scored against the failed resource.
type CorrelatedAnomaly struct {
	AnomalyID        string    `json:"anomaly_id"`
	ResourceID       string    `json:"resource_id"`
	ResourceName     string    `json:"resource_name"`
	MetricName       string    `json:"metric_name"`
	Severity         Severity  `json:"severity"`
	DetectedAt       time.Time `json:"detected_at"`
	CorrelationScore float64   `json:"correlation_score"`
}

// FailurePropagation describes how a failure travelled to the analysed resource.
type FailurePropagation struct {
	InitialFailure   string   `json:"initial_failure"`
	PropagationPath  []string `json:"propagation_path"`
	PropagationDelay float64  `json:"propagation_delay"`
	AffectedServices []string `json:"affected_services"`
}

// RootCauseAnalysis is the immutable result of one analysis.
type RootCauseAnalysis struct {
	AnalysisID          string              `json:"analysis_id"`
	ResourceID          string              `json:"resource_id"`
	ResourceName        string              `json:"resource_name"`
	FailureTime         time.Time           `json:"failure_time"`
	RootCauseType       RootCauseType       `json:"root_cause_type"`
	PrimaryCause        string              `json:"primary_cause"`
	ContributingFactors []string            `json:"contributing_factors"`
	Confidence          float64             `json:"confidence"`
	Timeline            []TimelineEvent     `json:"timeline"`
	CorrelatedAnomalies []CorrelatedAnomaly `json:"correlated_anomalies"`
	Propagation         *FailurePropagation `json:"propagation,omitempty"`
	Recommendations     []string            `json:"recommendations"`
}
