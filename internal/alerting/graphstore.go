package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/repo"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// GraphStore persists alerting state as AlertRule, AlertDestination and Alert nodes.
// Nested values are stored as JSON strings.
type GraphStore struct {
	graph  repo.GraphRunner
	logger *slog.Logger
}

// NewGraphStore constructs a graph-backed store.
func NewGraphStore(graph repo.GraphRunner, logger *slog.Logger) *GraphStore {
	return &GraphStore{graph: graph, logger: utils.Component(logger, "alertstore")}
}

func (g *GraphStore) SaveRule(ctx context.Context, rule models.AlertRule) error {
	props := map[string]any{
		"name":             rule.Name,
		"trigger_type":     string(rule.TriggerType),
		"enabled":          rule.Enabled,
		"duration_minutes": int64(rule.DurationMinutes),
		"severity":         string(rule.Severity),
		"destinations":     encodeJSON(rule.Destinations),
		"metadata":         encodeJSON(rule.Metadata),
	}
	if rule.Threshold != nil {
		props["threshold"] = *rule.Threshold
	}
	// SET += never removes properties, so an unset threshold is removed explicitly.
	cypher := `MERGE (r:AlertRule {id: $id}) SET r += $props`
	if rule.Threshold == nil {
		cypher += ` REMOVE r.threshold`
	}
	return g.exec(ctx, "save rule", rule.ID, cypher, props)
}

func (g *GraphStore) GetRule(ctx context.Context, id string) (models.AlertRule, error) {
	rows, err := g.graph.Run(ctx, `MATCH (r:AlertRule {id: $id}) RETURN r.id AS id, r.name AS name,
		r.trigger_type AS trigger_type, r.enabled AS enabled, r.threshold AS threshold,
		r.duration_minutes AS duration_minutes, r.severity AS severity, r.destinations AS destinations,
		r.metadata AS metadata`, map[string]any{"id": id})
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("get rule %s: %w", id, err)
	}
	if len(rows) == 0 {
		return models.AlertRule{}, utils.NotFound("get_rule", "alert rule", id)
	}
	return g.ruleFromRow(rows[0]), nil
}

func (g *GraphStore) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := g.graph.Run(ctx, `MATCH (r:AlertRule) RETURN r.id AS id, r.name AS name,
		r.trigger_type AS trigger_type, r.enabled AS enabled, r.threshold AS threshold,
		r.duration_minutes AS duration_minutes, r.severity AS severity, r.destinations AS destinations,
		r.metadata AS metadata ORDER BY r.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]models.AlertRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, g.ruleFromRow(row))
	}
	return out, nil
}

func (g *GraphStore) DeleteRule(ctx context.Context, id string) error {
	return g.delete(ctx, "AlertRule", "delete_rule", "alert rule", id)
}

func (g *GraphStore) SaveDestination(ctx context.Context, dest models.AlertDestination) error {
	props := map[string]any{
		"name":    dest.Name,
		"type":    string(dest.Type),
		"enabled": dest.Enabled,
		"config":  encodeJSON(dest.Config),
	}
	return g.exec(ctx, "save destination", dest.ID, `MERGE (d:AlertDestination {id: $id}) SET d += $props`, props)
}

func (g *GraphStore) GetDestination(ctx context.Context, id string) (models.AlertDestination, error) {
	rows, err := g.graph.Run(ctx, `MATCH (d:AlertDestination {id: $id}) RETURN d.id AS id, d.name AS name,
		d.type AS type, d.enabled AS enabled, d.config AS config`, map[string]any{"id": id})
	if err != nil {
		return models.AlertDestination{}, fmt.Errorf("get destination %s: %w", id, err)
	}
	if len(rows) == 0 {
		return models.AlertDestination{}, utils.NotFound("get_destination", "alert destination", id)
	}
	return g.destinationFromRow(rows[0]), nil
}

func (g *GraphStore) ListDestinations(ctx context.Context) ([]models.AlertDestination, error) {
	rows, err := g.graph.Run(ctx, `MATCH (d:AlertDestination) RETURN d.id AS id, d.name AS name,
		d.type AS type, d.enabled AS enabled, d.config AS config ORDER BY d.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	out := make([]models.AlertDestination, 0, len(rows))
	for _, row := range rows {
		out = append(out, g.destinationFromRow(row))
	}
	return out, nil
}

func (g *GraphStore) DeleteDestination(ctx context.Context, id string) error {
	return g.delete(ctx, "AlertDestination", "delete_destination", "alert destination", id)
}

func (g *GraphStore) SaveAlert(ctx context.Context, alert models.Alert) error {
	props := map[string]any{
		"rule_id":         alert.RuleID,
		"trigger_type":    string(alert.TriggerType),
		"severity":        string(alert.Severity),
		"status":          string(alert.Status),
		"title":           alert.Title,
		"message":         alert.Message,
		"resource_id":     alert.ResourceID,
		"triggered_at":    utils.FormatTimestamp(alert.TriggeredAt),
		"acknowledged_by": alert.AcknowledgedBy,
		"metadata":        encodeJSON(alert.Metadata),
	}
	if alert.AcknowledgedAt != nil {
		props["acknowledged_at"] = utils.FormatTimestamp(*alert.AcknowledgedAt)
	}
	if alert.ResolvedAt != nil {
		props["resolved_at"] = utils.FormatTimestamp(*alert.ResolvedAt)
	}
	return g.exec(ctx, "save alert", alert.ID, `MERGE (a:Alert {id: $id}) SET a += $props`, props)
}

const alertColumns = `a.id AS id, a.rule_id AS rule_id, a.trigger_type AS trigger_type, a.severity AS severity,
	a.status AS status, a.title AS title, a.message AS message, a.resource_id AS resource_id,
	a.triggered_at AS triggered_at, a.acknowledged_at AS acknowledged_at, a.resolved_at AS resolved_at,
	a.acknowledged_by AS acknowledged_by, a.metadata AS metadata`

func (g *GraphStore) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	rows, err := g.graph.Run(ctx, `MATCH (a:Alert {id: $id}) RETURN `+alertColumns, map[string]any{"id": id})
	if err != nil {
		return models.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	if len(rows) == 0 {
		return models.Alert{}, utils.NotFound("get_alert", "alert", id)
	}
	return g.alertFromRow(rows[0]), nil
}

func (g *GraphStore) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := g.graph.Run(ctx, `MATCH (a:Alert) WHERE $status = '' OR a.status = $status
		RETURN `+alertColumns+` ORDER BY a.triggered_at DESC LIMIT $limit`,
		map[string]any{"status": string(status), "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, g.alertFromRow(row))
	}
	return out, nil
}

func (g *GraphStore) exec(ctx context.Context, op, id, cypher string, props map[string]any) error {
	if _, err := g.graph.Run(ctx, cypher, map[string]any{"id": id, "props": props}); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

func (g *GraphStore) delete(ctx context.Context, label, op, kind, id string) error {
	rows, err := g.graph.Run(ctx, `MATCH (n:`+label+` {id: $id}) DETACH DELETE n RETURN count(*) AS deleted`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if len(rows) == 0 || repo.AsInt(rows[0]["deleted"]) == 0 {
		return utils.NotFound(op, kind, id)
	}
	return nil
}

func (g *GraphStore) ruleFromRow(row map[string]any) models.AlertRule {
	rule := models.AlertRule{
		ID:              repo.AsString(row["id"]),
		Name:            repo.AsString(row["name"]),
		TriggerType:     models.TriggerType(repo.AsString(row["trigger_type"])),
		Enabled:         repo.AsBool(row["enabled"]),
		DurationMinutes: repo.AsInt(row["duration_minutes"]),
		Severity:        models.AlertSeverity(repo.AsString(row["severity"])),
	}
	if row["threshold"] != nil {
		v := repo.AsFloat(row["threshold"])
		rule.Threshold = &v
	}
	g.decodeJSON(rule.ID, "destinations", row["destinations"], &rule.Destinations)
	g.decodeJSON(rule.ID, "metadata", row["metadata"], &rule.Metadata)
	return rule
}

func (g *GraphStore) destinationFromRow(row map[string]any) models.AlertDestination {
	dest := models.AlertDestination{
		ID:      repo.AsString(row["id"]),
		Name:    repo.AsString(row["name"]),
		Type:    models.DestinationType(repo.AsString(row["type"])),
		Enabled: repo.AsBool(row["enabled"]),
	}
	g.decodeJSON(dest.ID, "config", row["config"], &dest.Config)
	return dest
}

func (g *GraphStore) alertFromRow(row map[string]any) models.Alert {
	alert := models.Alert{
		ID:             repo.AsString(row["id"]),
		RuleID:         repo.AsString(row["rule_id"]),
		TriggerType:    models.TriggerType(repo.AsString(row["trigger_type"])),
		Severity:       models.AlertSeverity(repo.AsString(row["severity"])),
		Status:         models.AlertStatus(repo.AsString(row["status"])),
		Title:          repo.AsString(row["title"]),
		Message:        repo.AsString(row["message"]),
		ResourceID:     repo.AsString(row["resource_id"]),
		AcknowledgedBy: repo.AsString(row["acknowledged_by"]),
	}
	if ts, err := utils.ParseTimestamp(repo.AsString(row["triggered_at"])); err == nil {
		alert.TriggeredAt = ts
	}
	if ts, err := utils.ParseTimestamp(repo.AsString(row["acknowledged_at"])); err == nil {
		alert.AcknowledgedAt = &ts
	}
	if ts, err := utils.ParseTimestamp(repo.AsString(row["resolved_at"])); err == nil {
		alert.ResolvedAt = &ts
	}
	g.decodeJSON(alert.ID, "metadata", row["metadata"], &alert.Metadata)
	return alert
}

func (g *GraphStore) decodeJSON(id, field string, raw any, out any) {
	text := repo.AsString(raw)
	if text == "" || text == "null" {
		return
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		g.logger.Warn("stored field unreadable", slog.String("id", id), slog.String("field", field), slog.Any("error", err))
	}
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
