package alerting

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	rule := models.AlertRule{ID: "r1", Name: "Low health", TriggerType: models.TriggerHealthScoreDrop, Enabled: true,
		Threshold: threshold(40), DurationMinutes: 5, Severity: models.AlertError, Destinations: []string{"d1"}}
	if err := store.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	got, err := store.GetRule(ctx, "r1")
	if err != nil || got.Threshold == nil || *got.Threshold != 40 || got.Destinations[0] != "d1" {
		t.Fatalf("unexpected rule %+v (%v)", got, err)
	}
	if _, err := store.GetRule(ctx, "nope"); !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	dest := models.AlertDestination{ID: "d1", Type: models.DestinationSlack, Enabled: true, Config: map[string]string{"webhook_url": "u"}}
	if err := store.SaveDestination(ctx, dest); err != nil {
		t.Fatalf("SaveDestination: %v", err)
	}
	dests, err := store.ListDestinations(ctx)
	if err != nil || len(dests) != 1 || dests[0].Config["webhook_url"] != "u" {
		t.Fatalf("unexpected destinations %+v (%v)", dests, err)
	}

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []models.AlertStatus{models.AlertActive, models.AlertResolved, models.AlertActive} {
		alert := models.Alert{ID: "a" + string(rune('1'+i)), RuleID: "r1", Status: status,
			Severity: models.AlertError, TriggeredAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("SaveAlert: %v", err)
		}
	}
	active, err := store.ListAlerts(ctx, models.AlertActive, 0)
	if err != nil || len(active) != 2 || active[0].ID != "a3" || active[1].ID != "a1" {
		t.Fatalf("expected active alerts newest first, got %+v (%v)", active, err)
	}
	limited, _ := store.ListAlerts(ctx, "", 1)
	if len(limited) != 1 || limited[0].ID != "a3" {
		t.Fatalf("expected limit to keep the newest alert, got %+v", limited)
	}
	alert, err := store.GetAlert(ctx, "a2")
	if err != nil || !alert.TriggeredAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected alert %+v (%v)", alert, err)
	}

	if err := store.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := store.DeleteRule(ctx, "r1"); !utils.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteDestination(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDestination: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

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

func TestGraphStoreSaveRule(t *testing.T) {
	graph := &fakeGraph{}
	store := NewGraphStore(graph, nil)
	rule := models.AlertRule{ID: "r1", TriggerType: models.TriggerCriticalAnomaly, Destinations: []string{"d1", "d2"}}
	if err := store.SaveRule(context.Background(), rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	props := graph.params[0]["props"].(map[string]any)
	if props["destinations"] != `["d1","d2"]` {
		t.Fatalf("expected JSON-encoded destinations, got %v", props["destinations"])
	}
	if !strings.Contains(graph.cypher[0], "REMOVE r.threshold") {
		t.Fatalf("expected threshold removal for nil threshold, got %s", graph.cypher[0])
	}
}

func TestGraphStoreDecodesAlert(t *testing.T) {
	graph := &fakeGraph{rows: []map[string]any{{
		"id":           "a1",
		"rule_id":      "r1",
		"status":       "resolved",
		"severity":     "critical",
		"triggered_at": "2024-06-01T12:00:00",
		"resolved_at":  "2024-06-01T12:05:00.000000Z",
		"metadata":     `{"rule_name":"x"}`,
	}}}
	store := NewGraphStore(graph, nil)
	alert, err := store.GetAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !alert.TriggeredAt.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected triggered_at %v", alert.TriggeredAt)
	}
	if alert.ResolvedAt == nil || alert.AcknowledgedAt != nil {
		t.Fatalf("unexpected lifecycle timestamps %+v", alert)
	}
	if alert.Metadata["rule_name"] != "x" || alert.Status != models.AlertResolved {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestGraphStoreMissing(t *testing.T) {
	store := NewGraphStore(&fakeGraph{}, nil)
	if _, err := store.GetDestination(context.Background(), "d"); !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteRule(context.Background(), "r"); !utils.IsNotFound(err) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}
