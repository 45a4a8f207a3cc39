package api

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// ToStruct converts a JSON-serialisable value into a Struct. v must encode as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("message must be a JSON object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// FromStruct decodes a Struct into out using the JSON field names of out.
func FromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// SnapshotRequest selects the metrics window of a live snapshot or rule evaluation.
type SnapshotRequest struct {
	DurationHours float64 `json:"duration_hours"`
}

// ServiceHealthRequest asks for the health of one resource.
type ServiceHealthRequest struct {
	ResourceID    string  `json:"resource_id"`
	ResourceType  string  `json:"resource_type"`
	DurationHours float64 `json:"duration_hours"`
}

// BaselineRequest asks for a resource baseline.
type BaselineRequest struct {
	ResourceID string   `json:"resource_id"`
	Metrics    []string `json:"metrics"`
	Force      bool     `json:"force"`
}

// CompareRequest asks for a comparison against a historical period.
type CompareRequest struct {
	ResourceID string                  `json:"resource_id"`
	Period     models.HistoricalPeriod `json:"period"`
	Metrics    []string                `json:"metrics"`
}

// AnalyzeFailureRequest asks for a root-cause analysis. A zero FailureTime means now.
type AnalyzeFailureRequest struct {
	ResourceID    string    `json:"resource_id"`
	FailureTime   time.Time `json:"failure_time"`
	LookbackHours float64   `json:"lookback_hours"`
}

// ErrorIDRequest names a captured error.
type ErrorIDRequest struct {
	ErrorID string `json:"error_id"`
}

// SearchErrorsResponse wraps search results.
type SearchErrorsResponse struct {
	Errors []models.ErrorSnapshot `json:"errors"`
}

// ErrorStatisticsRequest bounds an error statistics query. Zero times default to the last 24h.
type ErrorStatisticsRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// EvaluateRulesResponse lists the alerts raised by an evaluation.
type EvaluateRulesResponse struct {
	Alerts []models.Alert `json:"alerts"`
}

// AlertRequest names an alert and, for acknowledgement, who acknowledged it.
type AlertRequest struct {
	AlertID        string `json:"alert_id"`
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
}

// ScalingEventsRequest asks for replica changes in a lookback window.
type ScalingEventsRequest struct {
	ResourceID    string  `json:"resource_id"`
	LookbackHours float64 `json:"lookback_hours"`
}

// ScalingEventsResponse wraps detected scaling events.
type ScalingEventsResponse struct {
	Events []models.ScalingEvent `json:"events"`
}

// PredictRequest asks for the expected impact of scaling to TargetReplicas.
type PredictRequest struct {
	ResourceID     string `json:"resource_id"`
	TargetReplicas int    `json:"target_replicas"`
	LookbackDays   int    `json:"lookback_days"`
}
