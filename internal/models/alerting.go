package models

import "time"

// AlertSeverity is the severity configured on a rule.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

// TriggerType selects the condition a rule evaluates.
type TriggerType string

const (
	TriggerHealthScoreDrop          TriggerType = "health_score_drop"
	TriggerCriticalAnomaly          TriggerType = "critical_anomaly"
	TriggerMultipleServicesDegraded TriggerType = "multiple_services_degraded"
	TriggerTrafficPatternAnomaly    TriggerType = "traffic_pattern_anomaly"
	TriggerServiceFailure           TriggerType = "service_failure"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerHealthScoreDrop, TriggerCriticalAnomaly, TriggerMultipleServicesDegraded,
		TriggerTrafficPatternAnomaly, TriggerServiceFailure:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// DestinationType is the notification channel kind.
type DestinationType string

const (
	DestinationEmail     DestinationType = "email"
	DestinationSlack     DestinationType = "slack"
	DestinationPagerDuty DestinationType = "pagerduty"
	DestinationWebhook   DestinationType = "webhook"
)

// AlertRule configures one evaluated condition. Threshold is nil when the trigger default applies.
type AlertRule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	TriggerType     TriggerType       `json:"trigger_type"`
	Enabled         bool              `json:"enabled"`
	Threshold       *float64          `json:"threshold,omitempty"`
	DurationMinutes int               `json:"duration_minutes"`
	Severity        AlertSeverity     `json:"severity"`
	Destinations    []string          `json:"destinations"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Alert is a triggered rule instance.
type Alert struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"rule_id"`
	TriggerType    TriggerType       `json:"trigger_type"`
	Severity       AlertSeverity     `json:"severity"`
	Status         AlertStatus       `json:"status"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	ResourceID     string            `json:"resource_id,omitempty"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AlertDestination is a notification target. Config keys depend on Type.
type AlertDestination struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Type    DestinationType   `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config"`
}
