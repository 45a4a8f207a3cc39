package models

import "time"

// ReplicaSample is the replica count observed at a point in time.
type ReplicaSample struct {
	Timestamp time.Time `json:"timestamp"`
	Replicas  int       `json:"replicas"`
}

// LoadBaseline summarises replica counts over a lookback window.
type LoadBaseline struct {
	ResourceID string          `json:"resource_id"`
	Samples    []ReplicaSample `json:"samples"`
	MinPods    int             `json:"min_pods"`
	MaxPods    int             `json:"max_pods"`
	AvgPods    float64         `json:"avg_pods"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
}

// Scaling directions.
const (
	ScaleUp   = "scale_up"
	ScaleDown = "scale_down"
)

// ScalingEvent is a step change in replica count.
type ScalingEvent struct {
	ResourceID   string    `json:"resource_id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	FromReplicas int       `json:"from_replicas"`
	ToReplicas   int       `json:"to_replicas"`
}

// Delta returns the signed replica change.
func (e ScalingEvent) Delta() int { return e.ToReplicas - e.FromReplicas }

// Impact levels.
const (
	ImpactMinimal     = "minimal"
	ImpactModerate    = "moderate"
	ImpactSignificant = "significant"
	ImpactCritical    = "critical"
)

// LoadImpact quantifies metric changes around a scaling event, in percent.
// StabilizationMinutes is nil when the metrics did not settle within 30 minutes.
type LoadImpact struct {
	ResourceID           string       `json:"resource_id"`
	Event                ScalingEvent `json:"event"`
	CPUChange            float64      `json:"cpu_change"`
	MemoryChange         float64      `json:"memory_change"`
	RequestRateChange    float64      `json:"request_rate_change"`
	LatencyChange        float64      `json:"latency_change"`
	ErrorRateChange      float64      `json:"error_rate_change"`
	ImpactLevel          string       `json:"impact_level"`
	StabilizationMinutes *float64     `json:"stabilization_minutes,omitempty"`
}

// LoadPrediction is the expected percentage impact of scaling to a target replica count.
type LoadPrediction struct {
	ResourceID            string   `json:"resource_id"`
	CurrentReplicas       int      `json:"current_replicas"`
	TargetReplicas        int      `json:"target_replicas"`
	PredictedCPUChange    float64  `json:"predicted_cpu_change"`
	PredictedMemoryChange float64  `json:"predicted_memory_change"`
	PredictedLatency      float64  `json:"predicted_latency_change"`
	PredictedErrorRate    float64  `json:"predicted_error_rate_change"`
	Confidence            float64  `json:"confidence"`
	LowConfidence         bool     `json:"low_confidence"`
	BasedOnEvents         int      `json:"based_on_events"`
	Notes                 []string `json:"notes,omitempty"`
}
