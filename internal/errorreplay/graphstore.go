package errorreplay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/repo"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const snapshotColumns = `e.error_id AS error_id, e.timestamp AS timestamp, e.severity AS severity,
	e.source AS source, e.resource_id AS resource_id, e.resource_type AS resource_type,
	e.message AS message, e.error_type AS error_type, e.stack_trace AS stack_trace,
	e.correlation_id AS correlation_id, e.trace_id AS trace_id, e.span_id AS span_id,
	e.logs AS logs, e.metrics AS metrics, e.traces AS traces, e.topology_snapshot AS topology_snapshot,
	e.related_errors AS related_errors, e.affected_resources AS affected_resources,
	e.deployment_context AS deployment_context, e.tags AS tags, e.metadata AS metadata`

// GraphStore persists snapshots as ErrorSnapshot nodes. Nested structures are stored as JSON
// strings since node properties cannot hold maps.
type GraphStore struct {
	graph  repo.GraphRunner
	logger *slog.Logger
}

// NewGraphStore constructs a graph-backed store.
func NewGraphStore(graph repo.GraphRunner, logger *slog.Logger) *GraphStore {
	return &GraphStore{graph: graph, logger: utils.Component(logger, "errorstore")}
}

// Save merges the snapshot node by error_id.
func (g *GraphStore) Save(ctx context.Context, s models.ErrorSnapshot) error {
	props, err := snapshotProperties(s)
	if err != nil {
		return utils.NewAppError("save_error", "encode snapshot "+s.ErrorID, err)
	}
	cypher := `MERGE (e:ErrorSnapshot {error_id: $error_id}) SET e += $props`
	if _, err := g.graph.Run(ctx, cypher, map[string]any{"error_id": s.ErrorID, "props": props}); err != nil {
		return fmt.Errorf("save error snapshot %s: %w", s.ErrorID, err)
	}
	return nil
}

// Get loads one snapshot.
func (g *GraphStore) Get(ctx context.Context, errorID string) (models.ErrorSnapshot, error) {
	cypher := `MATCH (e:ErrorSnapshot {error_id: $error_id}) RETURN ` + snapshotColumns + ` LIMIT 1`
	rows, err := g.graph.Run(ctx, cypher, map[string]any{"error_id": errorID})
	if err != nil {
		return models.ErrorSnapshot{}, fmt.Errorf("get error snapshot %s: %w", errorID, err)
	}
	if len(rows) == 0 {
		return models.ErrorSnapshot{}, utils.NotFound("get_error", "error", errorID)
	}
	return g.decode(rows[0]), nil
}

// Search builds a parametrised query from the set filter fields, newest first.
func (g *GraphStore) Search(ctx context.Context, filter models.ErrorSearchFilter) ([]models.ErrorSnapshot, error) {
	cypher, params := searchQuery(filter)
	rows, err := g.graph.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("search error snapshots: %w", err)
	}
	out := make([]models.ErrorSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, g.decode(row))
	}
	return out, nil
}

func searchQuery(f models.ErrorSearchFilter) (string, map[string]any) {
	var where []string
	params := map[string]any{}
	if !f.StartTime.IsZero() {
		where = append(where, "e.timestamp >= $start_time")
		params["start_time"] = utils.FormatTimestamp(f.StartTime)
	}
	if !f.EndTime.IsZero() {
		where = append(where, "e.timestamp <= $end_time")
		params["end_time"] = utils.FormatTimestamp(f.EndTime)
	}
	equals := []struct {
		field string
		value string
	}{
		{"severity", f.Severity},
		{"source", f.Source},
		{"resource_id", f.ResourceID},
		{"resource_type", f.ResourceType},
		{"error_type", f.ErrorType},
		{"correlation_id", f.CorrelationID},
		{"trace_id", f.TraceID},
	}
	for _, eq := range equals {
		if eq.value == "" {
			continue
		}
		where = append(where, "e."+eq.field+" = $"+eq.field)
		params[eq.field] = eq.value
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	params["limit"] = int64(limit)

	var b strings.Builder
	b.WriteString("MATCH (e:ErrorSnapshot)")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" RETURN ")
	b.WriteString(snapshotColumns)
	b.WriteString(" ORDER BY e.timestamp DESC LIMIT $limit")
	return b.String(), params
}

func snapshotProperties(s models.ErrorSnapshot) (map[string]any, error) {
	props := map[string]any{
		"timestamp":      utils.FormatTimestamp(s.Timestamp),
		"severity":       s.Severity,
		"source":         s.Source,
		"resource_id":    s.ResourceID,
		"resource_type":  s.ResourceType,
		"message":        s.Message,
		"error_type":     s.ErrorType,
		"stack_trace":    s.StackTrace,
		"correlation_id": s.CorrelationID,
		"trace_id":       s.TraceID,
		"span_id":        s.SpanID,
	}
	nested := map[string]any{
		"logs":               s.Logs,
		"metrics":            s.Metrics,
		"traces":             s.Traces,
		"topology_snapshot":  s.TopologySnapshot,
		"related_errors":     s.RelatedErrors,
		"affected_resources": s.AffectedResources,
		"deployment_context": s.DeploymentContext,
		"tags":               s.Tags,
		"metadata":           s.Metadata,
	}
	for key, value := range nested {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		props[key] = string(data)
	}
	return props, nil
}

func (g *GraphStore) decode(row map[string]any) models.ErrorSnapshot {
	s := models.ErrorSnapshot{
		ErrorID:       repo.AsString(row["error_id"]),
		Severity:      repo.AsString(row["severity"]),
		Source:        repo.AsString(row["source"]),
		ResourceID:    repo.AsString(row["resource_id"]),
		ResourceType:  repo.AsString(row["resource_type"]),
		Message:       repo.AsString(row["message"]),
		ErrorType:     repo.AsString(row["error_type"]),
		StackTrace:    repo.AsString(row["stack_trace"]),
		CorrelationID: repo.AsString(row["correlation_id"]),
		TraceID:       repo.AsString(row["trace_id"]),
		SpanID:        repo.AsString(row["span_id"]),
	}
	if ts, err := utils.ParseTimestamp(repo.AsString(row["timestamp"])); err == nil {
		s.Timestamp = ts
	} else {
		g.logger.Warn("stored timestamp unreadable", slog.String("error_id", s.ErrorID), slog.Any("error", err))
	}

	g.unmarshal(s.ErrorID, row, "logs", &s.Logs)
	g.unmarshal(s.ErrorID, row, "metrics", &s.Metrics)
	g.unmarshal(s.ErrorID, row, "traces", &s.Traces)
	g.unmarshal(s.ErrorID, row, "topology_snapshot", &s.TopologySnapshot)
	g.unmarshal(s.ErrorID, row, "related_errors", &s.RelatedErrors)
	g.unmarshal(s.ErrorID, row, "affected_resources", &s.AffectedResources)
	g.unmarshal(s.ErrorID, row, "deployment_context", &s.DeploymentContext)
	g.unmarshal(s.ErrorID, row, "tags", &s.Tags)
	g.unmarshal(s.ErrorID, row, "metadata", &s.Metadata)
	normalize(&s)
	return s
}

func (g *GraphStore) unmarshal(errorID string, row map[string]any, key string, out any) {
	raw := repo.AsString(row[key])
	if raw == "" || raw == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		g.logger.Warn("stored field unreadable", slog.String("error_id", errorID), slog.String("field", key), slog.Any("error", err))
	}
}

// normalize replaces nil collections so every snapshot renders the same shape.
func normalize(s *models.ErrorSnapshot) {
	if s.Logs == nil {
		s.Logs = []models.LogEntry{}
	}
	if s.Metrics == nil {
		s.Metrics = map[string][]models.MetricPoint{}
	}
	if s.Traces == nil {
		s.Traces = []models.TraceSpan{}
	}
	if s.TopologySnapshot.Dependencies == nil {
		s.TopologySnapshot.Dependencies = []models.DependencyEdge{}
	}
	if s.TopologySnapshot.Dependents == nil {
		s.TopologySnapshot.Dependents = []models.DependencyEdge{}
	}
	if s.RelatedErrors == nil {
		s.RelatedErrors = []string{}
	}
	if s.AffectedResources == nil {
		s.AffectedResources = []string{}
	}
	if s.DeploymentContext == nil {
		s.DeploymentContext = []models.DeploymentEvent{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
}
