package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Topology reads resources, DEPENDS_ON edges and DEPLOYED_TO events from the graph.
type Topology struct {
	graph GraphRunner
}

// NewTopology wraps a graph runner with typed topology queries.
func NewTopology(graph GraphRunner) *Topology {
	return &Topology{graph: graph}
}

const resourceProjection = `r.id AS id, r.name AS name,
	coalesce(r.resource_type, head(labels(r))) AS resource_type,
	r.cloud_provider AS cloud_provider, r.region AS region`

// ListResources returns up to limit resources carrying an id.
func (t *Topology) ListResources(ctx context.Context, limit int) ([]models.Resource, error) {
	cypher := `MATCH (r) WHERE r.id IS NOT NULL AND NOT r:ErrorSnapshot AND NOT r:Alert
		AND NOT r:AlertRule AND NOT r:AlertDestination AND NOT r:Deployment
		RETURN ` + resourceProjection + ` ORDER BY r.id LIMIT $limit`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"limit": int64(limitOr(limit, 1000))})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	resources := make([]models.Resource, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, resourceFromRow(row))
	}
	return resources, nil
}

// GetResource returns a single resource or a not-found error.
func (t *Topology) GetResource(ctx context.Context, resourceID string) (models.Resource, error) {
	cypher := `MATCH (r {id: $id}) RETURN ` + resourceProjection + ` LIMIT 1`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"id": resourceID})
	if err != nil {
		return models.Resource{}, fmt.Errorf("get resource %s: %w", resourceID, err)
	}
	if len(rows) == 0 {
		return models.Resource{}, utils.NotFound("get_resource", "resource", resourceID)
	}
	return resourceFromRow(rows[0]), nil
}

// DependencyEdges returns every DEPENDS_ON edge between identified resources.
func (t *Topology) DependencyEdges(ctx context.Context, limit int) ([]models.DependencyEdge, error) {
	cypher := `MATCH (s)-[d:DEPENDS_ON]->(t)
		WHERE s.id IS NOT NULL AND t.id IS NOT NULL
		RETURN s.id AS source_id, s.name AS source_name, t.id AS target_id, t.name AS target_name,
			d.category AS category
		LIMIT $limit`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"limit": int64(limitOr(limit, 5000))})
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	return edgesFromRows(rows), nil
}

// Dependencies returns the direct upstream DEPENDS_ON neighbours of a resource.
func (t *Topology) Dependencies(ctx context.Context, resourceID string, limit int) ([]models.DependencyEdge, error) {
	cypher := `MATCH (s {id: $id})-[d:DEPENDS_ON]->(t)
		WHERE t.id IS NOT NULL
		RETURN s.id AS source_id, s.name AS source_name, t.id AS target_id, t.name AS target_name,
			d.category AS category
		ORDER BY t.id LIMIT $limit`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"id": resourceID, "limit": int64(limitOr(limit, 100))})
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", resourceID, err)
	}
	return edgesFromRows(rows), nil
}

// DirectDependents returns the resources that depend directly on resourceID.
func (t *Topology) DirectDependents(ctx context.Context, resourceID string, limit int) ([]models.DependencyEdge, error) {
	cypher := `MATCH (s)-[d:DEPENDS_ON]->(t {id: $id})
		WHERE s.id IS NOT NULL
		RETURN s.id AS source_id, s.name AS source_name, t.id AS target_id, t.name AS target_name,
			d.category AS category
		ORDER BY s.id LIMIT $limit`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"id": resourceID, "limit": int64(limitOr(limit, 100))})
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", resourceID, err)
	}
	return edgesFromRows(rows), nil
}

// Dependents returns the ids of resources depending on resourceID up to depth hops away.
func (t *Topology) Dependents(ctx context.Context, resourceID string, depth, limit int) ([]string, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	// Variable-length bounds cannot be parameters; depth is clamped above.
	cypher := fmt.Sprintf(`MATCH (r {id: $id})<-[:DEPENDS_ON*1..%d]-(d)
		WHERE d.id IS NOT NULL AND d.id <> $id
		RETURN DISTINCT d.id AS id ORDER BY id LIMIT $limit`, depth)
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"id": resourceID, "limit": int64(limitOr(limit, 20))})
	if err != nil {
		return nil, fmt.Errorf("transitive dependents of %s: %w", resourceID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := AsString(row["id"]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Deployments returns DEPLOYED_TO events for a resource within [start, end], newest first.
func (t *Topology) Deployments(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.DeploymentEvent, error) {
	cypher := `MATCH (d)-[:DEPLOYED_TO]->(r {id: $id})
		RETURN coalesce(d.id, toString(id(d))) AS id, d.version AS version, d.deployed_by AS deployed_by,
			d.status AS status, coalesce(d.deployed_at, d.timestamp) AS deployed_at, r.name AS resource_name
		LIMIT 500`
	rows, err := t.graph.Run(ctx, cypher, map[string]any{"id": resourceID})
	if err != nil {
		return nil, fmt.Errorf("deployments of %s: %w", resourceID, err)
	}

	// Stored timestamps may be native temporals or strings, so the window is applied here.
	events := make([]models.DeploymentEvent, 0, len(rows))
	for _, row := range rows {
		at := AsTime(row["deployed_at"])
		if at.IsZero() || at.Before(start) || at.After(end) {
			continue
		}
		events = append(events, models.DeploymentEvent{
			ID:           AsString(row["id"]),
			ResourceID:   resourceID,
			ResourceName: AsString(row["resource_name"]),
			Version:      AsString(row["version"]),
			DeployedBy:   AsString(row["deployed_by"]),
			Status:       AsString(row["status"]),
			DeployedAt:   at,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].DeployedAt.After(events[j].DeployedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func resourceFromRow(row map[string]any) models.Resource {
	return models.Resource{
		ID:            AsString(row["id"]),
		Name:          AsString(row["name"]),
		ResourceType:  AsString(row["resource_type"]),
		CloudProvider: AsString(row["cloud_provider"]),
		Region:        AsString(row["region"]),
	}
}

func edgesFromRows(rows []map[string]any) []models.DependencyEdge {
	edges := make([]models.DependencyEdge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, models.DependencyEdge{
			SourceID:   AsString(row["source_id"]),
			SourceName: AsString(row["source_name"]),
			TargetID:   AsString(row["target_id"]),
			TargetName: AsString(row["target_name"]),
			Category:   AsString(row["category"]),
		})
	}
	return edges
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
