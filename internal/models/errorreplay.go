package models

import "time"

// LogEntry is a normalized log line from any log backend.
type LogEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	Message       string            `json:"message"`
	Level         string            `json:"level"`
	ResourceID    string            `json:"resource_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// TraceSpan is a single span fetched from a tracing backend.
type TraceSpan struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	ServiceName   string            `json:"service_name"`
	OperationName string            `json:"operation_name"`
	StartTime     time.Time         `json:"start_time"`
	DurationMs    float64           `json:"duration_ms"`
	Error         bool              `json:"error"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// TopologySnapshot is the resource node with its direct edges at capture time.
type TopologySnapshot struct {
	Resource     *Resource        `json:"resource,omitempty"`
	Dependencies []DependencyEdge `json:"dependencies"`
	Dependents   []DependencyEdge `json:"dependents"`
}

// ErrorSnapshot is the immutable full-context record of a captured error.
type ErrorSnapshot struct {
	ErrorID           string                   `json:"error_id"`
	Timestamp         time.Time                `json:"timestamp"`
	Severity          string                   `json:"severity"`
	Source            string                   `json:"source"`
	ResourceID        string                   `json:"resource_id,omitempty"`
	ResourceType      string                   `json:"resource_type,omitempty"`
	Message           string                   `json:"message"`
	ErrorType         string                   `json:"error_type,omitempty"`
	StackTrace        string                   `json:"stack_trace,omitempty"`
	CorrelationID     string                   `json:"correlation_id,omitempty"`
	TraceID           string                   `json:"trace_id,omitempty"`
	SpanID            string                   `json:"span_id,omitempty"`
	Logs              []LogEntry               `json:"logs"`
	Metrics           map[string][]MetricPoint `json:"metrics"`
	Traces            []TraceSpan              `json:"traces"`
	TopologySnapshot  TopologySnapshot         `json:"topology_snapshot"`
	RelatedErrors     []string                 `json:"related_errors"`
	AffectedResources []string                 `json:"affected_resources"`
	DeploymentContext []DeploymentEvent        `json:"deployment_context"`
	Tags              []string                 `json:"tags"`
	Metadata          map[string]string        `json:"metadata"`
}

// CaptureRequest carries the caller-supplied fields of capture_error.
type CaptureRequest struct {
	Message       string            `json:"message"`
	Severity      string            `json:"severity,omitempty"`
	Source        string            `json:"source,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ErrorType     string            `json:"error_type,omitempty"`
	StackTrace    string            `json:"stack_trace,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ErrorSearchFilter narrows search_errors. Zero values are ignored.
type ErrorSearchFilter struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Severity      string    `json:"severity,omitempty"`
	Source        string    `json:"source,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	ResourceType  string    `json:"resource_type,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

// Matches reports whether a snapshot satisfies every set field of the filter.
func (f ErrorSearchFilter) Matches(s ErrorSnapshot) bool {
	switch {
	case !f.StartTime.IsZero() && s.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && s.Timestamp.After(f.EndTime):
		return false
	case f.Severity != "" && s.Severity != f.Severity:
		return false
	case f.Source != "" && s.Source != f.Source:
		return false
	case f.ResourceID != "" && s.ResourceID != f.ResourceID:
		return false
	case f.ResourceType != "" && s.ResourceType != f.ResourceType:
		return false
	case f.ErrorType != "" && s.ErrorType != f.ErrorType:
		return false
	case f.CorrelationID != "" && s.CorrelationID != f.CorrelationID:
		return false
	case f.TraceID != "" && s.TraceID != f.TraceID:
		return false
	}
	return true
}

// ErrorReplayResult is the reconstruction of a captured error.
type ErrorReplayResult struct {
	Snapshot        ErrorSnapshot   `json:"snapshot"`
	Timeline        []TimelineEvent `json:"timeline"`
	RootCause       RootCauseType   `json:"root_cause"`
	RootCauseDetail string          `json:"root_cause_detail"`
	Confidence      float64         `json:"confidence"`
	Recommendations []string        `json:"recommendations"`
	ReplayedAt      time.Time       `json:"replayed_at"`
}

// ResourceErrorCount pairs a resource with its error count.
type ResourceErrorCount struct {
	ResourceID string `json:"resource_id"`
	Count      int    `json:"count"`
}

// ErrorStatistics aggregates captured errors over a window.
type ErrorStatistics struct {
	StartTime    time.Time            `json:"start_time"`
	EndTime      time.Time            `json:"end_time"`
	Total        int                  `json:"total"`
	BySeverity   map[string]int       `json:"by_severity"`
	BySource     map[string]int       `json:"by_source"`
	TopResources []ResourceErrorCount `json:"top_resources"`
}
