package errorreplay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

type fakeGraph struct {
	cypher []string
	params []map[string]any
	rows   []map[string]any
}

func (f *fakeGraph) Run(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.cypher = append(f.cypher, cypher)
	f.params = append(f.params, params)
	return f.rows, nil
}

func TestGraphStoreSaveEncodesNestedFields(t *testing.T) {
	graph := &fakeGraph{}
	store := NewGraphStore(graph, nil)
	snap := models.ErrorSnapshot{
		ErrorID:   "abc",
		Timestamp: errorTime,
		Message:   "boom",
		Metadata:  map[string]string{"k": "v"},
		Tags:      []string{"payments"},
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	props := graph.params[0]["props"].(map[string]any)
	if props["metadata"] != `{"k":"v"}` || props["tags"] != `["payments"]` {
		t.Fatalf("expected JSON strings for nested fields, got %v %v", props["metadata"], props["tags"])
	}
	if props["timestamp"] != "2024-05-10T08:30:00.123456Z" {
		t.Fatalf("unexpected stored timestamp %v", props["timestamp"])
	}
	if !strings.Contains(graph.cypher[0], "MERGE (e:ErrorSnapshot") {
		t.Fatalf("unexpected cypher %s", graph.cypher[0])
	}
}

func TestGraphStoreGetDecodes(t *testing.T) {
	graph := &fakeGraph{rows: []map[string]any{{
		"error_id":          "abc",
		"timestamp":         "2024-05-10T08:30:00.123456",
		"severity":          "critical",
		"message":           "boom",
		"logs":              `[{"timestamp":"2024-05-10T08:29:00Z","message":"start","level":"info"}]`,
		"metrics":           `{"cpu_usage":[{"timestamp":"2024-05-10T08:29:00Z","value":0.9}]}`,
		"topology_snapshot": `{"resource":{"id":"api","name":"API","resource_type":"service"},"dependencies":[],"dependents":[]}`,
		"tags":              `not json`,
	}}}
	snap, err := NewGraphStore(graph, nil).Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !snap.Timestamp.Equal(errorTime.Truncate(time.Microsecond)) {
		t.Fatalf("expected zone-less timestamp read as UTC, got %s", snap.Timestamp)
	}
	if len(snap.Logs) != 1 || snap.Metrics["cpu_usage"][0].Value != 0.9 || snap.TopologySnapshot.Resource.Name != "API" {
		t.Fatalf("unexpected decode %+v", snap)
	}
	if snap.Tags == nil || len(snap.Tags) != 0 || snap.Metadata == nil {
		t.Fatalf("expected unreadable fields replaced with empty values, got %+v", snap)
	}
}

func TestGraphStoreGetMissing(t *testing.T) {
	_, err := NewGraphStore(&fakeGraph{}, nil).Get(context.Background(), "nope")
	if !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSearchQueryParametrised(t *testing.T) {
	cypher, params := searchQuery(models.ErrorSearchFilter{
		StartTime:  errorTime,
		Severity:   "critical",
		ResourceID: "api' OR 1=1",
	})
	if !strings.Contains(cypher, "e.severity = $severity") || !strings.Contains(cypher, "e.resource_id = $resource_id") {
		t.Fatalf("expected parametrised filters, got %s", cypher)
	}
	if strings.Contains(cypher, "OR 1=1") {
		t.Fatalf("filter value leaked into query text")
	}
	if !strings.HasSuffix(cypher, "ORDER BY e.timestamp DESC LIMIT $limit") || params["limit"] != int64(100) {
		t.Fatalf("expected newest-first default limit, got %s %v", cypher, params["limit"])
	}
	if strings.Contains(cypher, "$trace_id") {
		t.Fatalf("unset filters must not appear")
	}
}
