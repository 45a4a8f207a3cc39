package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

type fakeSnapshotter struct {
	snapshot models.LiveDiagnosticsSnapshot
	err      error
}

func (f *fakeSnapshotter) GetLiveSnapshot(context.Context, float64) (models.LiveDiagnosticsSnapshot, error) {
	return f.snapshot, f.err
}

type recordingNotifications struct {
	mu         sync.Mutex
	dispatched map[string][]string
	sent       []string
}

func (r *recordingNotifications) Dispatch(_ context.Context, alert models.Alert, destinations []models.AlertDestination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatched == nil {
		r.dispatched = map[string][]string{}
	}
	for _, d := range destinations {
		r.dispatched[alert.ID] = append(r.dispatched[alert.ID], d.ID)
	}
}

func (r *recordingNotifications) Send(_ context.Context, dest models.AlertDestination, _ models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, dest.ID)
	return nil
}

var engineBase = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func threshold(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, snapshot models.LiveDiagnosticsSnapshot) (*Engine, *recordingNotifications, *time.Time) {
	t.Helper()
	notify := &recordingNotifications{}
	engine := NewEngine(nil, &fakeSnapshotter{snapshot: snapshot}, notify, nil)
	clock := engineBase
	engine.now = func() time.Time { return clock }
	return engine, notify, &clock
}

func degradedSnapshot() models.LiveDiagnosticsSnapshot {
	return models.LiveDiagnosticsSnapshot{
		Timestamp: engineBase,
		Services: []models.ServiceHealthStatus{
			{ResourceID: "api", ResourceName: "API", Status: models.HealthStatusHealthy, HealthScore: 90},
			{ResourceID: "db", ResourceName: "Orders DB", Status: models.HealthStatusFailed, HealthScore: 30,
				Anomalies: []string{"High CPU usage"}},
		},
	}
}

func TestHealthScoreDropProducesOneAlertWithRuleSeverity(t *testing.T) {
	ctx := context.Background()
	engine, notify, _ := newTestEngine(t, degradedSnapshot())
	if _, err := engine.CreateDestination(ctx, models.AlertDestination{ID: "slack", Type: models.DestinationSlack, Enabled: true}); err != nil {
		t.Fatalf("CreateDestination: %v", err)
	}
	if _, err := engine.CreateDestination(ctx, models.AlertDestination{ID: "off", Type: models.DestinationWebhook}); err != nil {
		t.Fatalf("CreateDestination: %v", err)
	}
	_, err := engine.CreateRule(ctx, models.AlertRule{
		ID: "low-health", Name: "Low health", TriggerType: models.TriggerHealthScoreDrop, Enabled: true,
		Threshold: threshold(50), DurationMinutes: 5, Severity: models.AlertError,
		Destinations: []string{"slack", "off", "missing"},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	alerts, err := engine.EvaluateRules(ctx, 1)
	if err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	alert := alerts[0]
	if alert.Severity != models.AlertError {
		t.Fatalf("expected rule severity, got %s", alert.Severity)
	}
	if alert.ResourceID != "db" || alert.Status != models.AlertActive {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if alert.ID != "low-health-1717243200" {
		t.Fatalf("unexpected alert id %s", alert.ID)
	}
	if !strings.Contains(alert.Title, "Orders DB") {
		t.Fatalf("expected resource name in title, got %q", alert.Title)
	}
	if got := notify.dispatched[alert.ID]; len(got) != 1 || got[0] != "slack" {
		t.Fatalf("expected dispatch to the enabled destination only, got %v", got)
	}
	if active, _ := engine.GetActiveAlerts(ctx); len(active) != 1 {
		t.Fatalf("expected one active alert, got %d", len(active))
	}
}

func TestEvaluateRulesDeduplicatesWithinDuration(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t, degradedSnapshot())
	if _, err := engine.CreateRule(ctx, models.AlertRule{
		ID: "fail", TriggerType: models.TriggerServiceFailure, Enabled: true, DurationMinutes: 5, Severity: models.AlertCritical,
	}); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	first, _ := engine.EvaluateRules(ctx, 1)
	*clock = clock.Add(time.Minute)
	second, _ := engine.EvaluateRules(ctx, 1)
	if len(first)+len(second) != 1 {
		t.Fatalf("expected one alert across two evaluations, got %d and %d", len(first), len(second))
	}

	engine.lastAlertTimes["fail"] = engine.lastAlertTimes["fail"].Add(-10 * time.Minute)
	third, _ := engine.EvaluateRules(ctx, 1)
	if len(third) != 1 {
		t.Fatalf("expected a new alert once the window passed, got %d", len(third))
	}
	if third[0].ID == first[0].ID {
		t.Fatalf("expected a distinct alert id, got %s twice", third[0].ID)
	}
	history, _ := engine.ListAlerts(ctx, "", 0)
	if len(history) != 2 {
		t.Fatalf("expected two alerts in history, got %d", len(history))
	}
}

func TestEvaluateRulesSkipsDisabledRules(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, degradedSnapshot())
	_, _ = engine.CreateRule(ctx, models.AlertRule{ID: "off", TriggerType: models.TriggerServiceFailure})
	alerts, err := engine.EvaluateRules(ctx, 1)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("expected no alerts from a disabled rule, got %d (%v)", len(alerts), err)
	}
}

func TestEvaluateRulesSnapshotFailure(t *testing.T) {
	engine := NewEngine(nil, &fakeSnapshotter{err: errors.New("down")}, nil, nil)
	if _, err := engine.EvaluateRules(context.Background(), 1); err == nil {
		t.Fatalf("expected snapshot failure to surface")
	}
}

func TestTriggers(t *testing.T) {
	services := func(statuses ...models.HealthStatus) []models.ServiceHealthStatus {
		out := make([]models.ServiceHealthStatus, len(statuses))
		for i, s := range statuses {
			out[i] = models.ServiceHealthStatus{ResourceID: string(rune('a' + i)), Status: s, HealthScore: 80}
		}
		return out
	}
	cases := []struct {
		name     string
		rule     models.AlertRule
		snapshot models.LiveDiagnosticsSnapshot
		want     bool
	}{
		{
			name: "health score at threshold does not trigger",
			rule: models.AlertRule{TriggerType: models.TriggerHealthScoreDrop},
			snapshot: models.LiveDiagnosticsSnapshot{Services: []models.ServiceHealthStatus{
				{ResourceID: "a", Status: models.HealthStatusDegraded, HealthScore: 50},
			}},
		},
		{
			name: "unknown service is not a health drop",
			rule: models.AlertRule{TriggerType: models.TriggerHealthScoreDrop},
			snapshot: models.LiveDiagnosticsSnapshot{Services: []models.ServiceHealthStatus{
				{ResourceID: "a", Status: models.HealthStatusUnknown, HealthScore: 0},
			}},
		},
		{
			name: "critical anomaly",
			rule: models.AlertRule{TriggerType: models.TriggerCriticalAnomaly},
			snapshot: models.LiveDiagnosticsSnapshot{Anomalies: []models.AnomalyAlert{
				{ResourceID: "a", Severity: models.SeverityHigh},
				{ResourceID: "b", Severity: models.SeverityCritical},
			}},
			want: true,
		},
		{
			name:     "high anomaly only",
			rule:     models.AlertRule{TriggerType: models.TriggerCriticalAnomaly},
			snapshot: models.LiveDiagnosticsSnapshot{Anomalies: []models.AnomalyAlert{{Severity: models.SeverityHigh}}},
		},
		{
			name: "three degraded or failed services",
			rule: models.AlertRule{TriggerType: models.TriggerMultipleServicesDegraded},
			snapshot: models.LiveDiagnosticsSnapshot{Services: services(
				models.HealthStatusDegraded, models.HealthStatusFailed, models.HealthStatusDegraded, models.HealthStatusHealthy)},
			want: true,
		},
		{
			name: "two degraded services",
			rule: models.AlertRule{TriggerType: models.TriggerMultipleServicesDegraded},
			snapshot: models.LiveDiagnosticsSnapshot{Services: services(
				models.HealthStatusDegraded, models.HealthStatusFailed, models.HealthStatusHealthy)},
		},
		{
			name: "custom degraded count",
			rule: models.AlertRule{TriggerType: models.TriggerMultipleServicesDegraded, Threshold: threshold(2)},
			snapshot: models.LiveDiagnosticsSnapshot{Services: services(
				models.HealthStatusDegraded, models.HealthStatusFailed)},
			want: true,
		},
		{
			name: "abnormal traffic",
			rule: models.AlertRule{TriggerType: models.TriggerTrafficPatternAnomaly},
			snapshot: models.LiveDiagnosticsSnapshot{TrafficPatterns: []models.TrafficPattern{
				{SourceID: "a", TargetID: "b", IsAbnormal: true},
			}},
			want: true,
		},
		{
			name:     "no failed service",
			rule:     models.AlertRule{TriggerType: models.TriggerServiceFailure},
			snapshot: models.LiveDiagnosticsSnapshot{Services: services(models.HealthStatusDegraded)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, got := evaluateTrigger(tc.rule, tc.snapshot); got != tc.want {
				t.Fatalf("expected triggered=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestAlertStateMachine(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t, degradedSnapshot())

	if alert, err := engine.ResolveAlert(ctx, "missing"); alert != nil || err != nil {
		t.Fatalf("expected nil result for unknown alert, got %v %v", alert, err)
	}
	if alert, err := engine.AcknowledgeAlert(ctx, "missing", "ops"); alert != nil || err != nil {
		t.Fatalf("expected nil result for unknown alert, got %v %v", alert, err)
	}

	_, _ = engine.CreateRule(ctx, models.AlertRule{ID: "fail", TriggerType: models.TriggerServiceFailure, Enabled: true})
	alerts, _ := engine.EvaluateRules(ctx, 1)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	id := alerts[0].ID

	*clock = clock.Add(time.Minute)
	resolved, err := engine.ResolveAlert(ctx, id)
	if err != nil || resolved == nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if resolved.Status != models.AlertResolved || resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(*clock) {
		t.Fatalf("expected direct active to resolved transition, got %+v", resolved)
	}
	if active, _ := engine.GetActiveAlerts(ctx); len(active) != 0 {
		t.Fatalf("resolved alert must leave the active set")
	}

	*clock = clock.Add(time.Minute)
	again, err := engine.ResolveAlert(ctx, id)
	if err != nil || again == nil || again.Status != models.AlertResolved {
		t.Fatalf("expected idempotent resolve, got %+v %v", again, err)
	}
	history, _ := engine.ListAlerts(ctx, models.AlertResolved, 10)
	if len(history) != 1 {
		t.Fatalf("resolved alert must remain in history, got %d", len(history))
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, degradedSnapshot())
	_, _ = engine.CreateRule(ctx, models.AlertRule{ID: "fail", TriggerType: models.TriggerServiceFailure, Enabled: true})
	alerts, _ := engine.EvaluateRules(ctx, 1)

	acked, err := engine.AcknowledgeAlert(ctx, alerts[0].ID, "alice")
	if err != nil || acked == nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if acked.Status != models.AlertAcknowledged || acked.AcknowledgedBy != "alice" || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged alert %+v", acked)
	}
	active, err := engine.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("GetActiveAlerts: %v", err)
	}
	if len(active) != 1 || active[0].Status != models.AlertAcknowledged {
		t.Fatalf("acknowledged alert should stay active, got %+v", active)
	}
}

func TestRuleValidationAndCRUD(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, degradedSnapshot())

	if _, err := engine.CreateRule(ctx, models.AlertRule{TriggerType: "cpu_spike"}); err == nil {
		t.Fatalf("expected unknown trigger type to be rejected")
	}
	var appErr *utils.AppError
	if _, err := engine.CreateDestination(ctx, models.AlertDestination{Type: "sms"}); !errors.As(err, &appErr) {
		t.Fatalf("expected AppError for unknown destination type, got %v", err)
	}

	rule, err := engine.CreateRule(ctx, models.AlertRule{Name: "x", TriggerType: models.TriggerCriticalAnomaly})
	if err != nil || rule.ID == "" {
		t.Fatalf("expected generated id, got %q (%v)", rule.ID, err)
	}
	if rule.Severity != models.AlertWarning {
		t.Fatalf("expected returned rule to carry the default severity, got %q", rule.Severity)
	}
	stored, err := engine.GetRule(ctx, rule.ID)
	if err != nil || stored.Severity != models.AlertWarning {
		t.Fatalf("expected default warning severity, got %+v (%v)", stored, err)
	}
	if _, err := engine.UpdateRule(ctx, models.AlertRule{ID: "nope", TriggerType: models.TriggerCriticalAnomaly}); !utils.IsNotFound(err) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if err := engine.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := engine.GetRule(ctx, rule.ID); !utils.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestTestDestination(t *testing.T) {
	ctx := context.Background()
	engine, notify, _ := newTestEngine(t, degradedSnapshot())
	_, _ = engine.CreateDestination(ctx, models.AlertDestination{ID: "hook", Type: models.DestinationWebhook})
	if err := engine.TestDestination(ctx, "hook"); err != nil {
		t.Fatalf("TestDestination: %v", err)
	}
	if len(notify.sent) != 1 || notify.sent[0] != "hook" {
		t.Fatalf("expected one test notification, got %v", notify.sent)
	}
	if err := engine.TestDestination(ctx, "missing"); !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsTakenIDs(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, degradedSnapshot())

	if _, err := engine.CreateRule(ctx, models.AlertRule{ID: "r1", Name: "first", TriggerType: models.TriggerServiceFailure}); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	_, err := engine.CreateRule(ctx, models.AlertRule{ID: "r1", Name: "second", TriggerType: models.TriggerServiceFailure})
	if !utils.IsAlreadyExists(err) {
		t.Fatalf("expected already-exists error, got %v", err)
	}
	stored, _ := engine.GetRule(ctx, "r1")
	if stored.Name != "first" {
		t.Fatalf("expected original rule kept, got %q", stored.Name)
	}

	updated, err := engine.UpdateRule(ctx, models.AlertRule{ID: "r1", Name: "second", TriggerType: models.TriggerServiceFailure})
	if err != nil || updated.Name != "second" || updated.Severity != models.AlertWarning {
		t.Fatalf("expected update to replace the rule, got %+v (%v)", updated, err)
	}

	if _, err := engine.CreateDestination(ctx, models.AlertDestination{ID: "hook", Type: models.DestinationWebhook}); err != nil {
		t.Fatalf("CreateDestination: %v", err)
	}
	if _, err := engine.CreateDestination(ctx, models.AlertDestination{ID: "hook", Type: models.DestinationSlack}); !utils.IsAlreadyExists(err) {
		t.Fatalf("expected already-exists error for destination, got %v", err)
	}
	dest, _ := engine.GetDestination(ctx, "hook")
	if dest.Type != models.DestinationWebhook {
		t.Fatalf("expected original destination kept, got %s", dest.Type)
	}
}

func TestEvaluateRulesWithoutWindowKeepsEveryAlert(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t, degradedSnapshot())
	_, _ = engine.CreateRule(ctx, models.AlertRule{ID: "fail", TriggerType: models.TriggerServiceFailure, Enabled: true})

	first, _ := engine.EvaluateRules(ctx, 1)
	second, _ := engine.EvaluateRules(ctx, 1)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected an alert per evaluation, got %d and %d", len(first), len(second))
	}
	if second[0].ID != "fail-1717243200-2" {
		t.Fatalf("expected suffixed id, got %s", second[0].ID)
	}
	history, _ := engine.ListAlerts(ctx, "", 0)
	if len(history) != 2 {
		t.Fatalf("expected both alerts in history, got %d", len(history))
	}
}

func TestGetActiveAlertsReadsTheStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, a := range []models.Alert{
		{ID: "a1", Status: models.AlertActive, TriggeredAt: engineBase},
		{ID: "a2", Status: models.AlertAcknowledged, TriggeredAt: engineBase.Add(time.Minute)},
		{ID: "a3", Status: models.AlertResolved, TriggeredAt: engineBase},
	} {
		if err := store.SaveAlert(ctx, a); err != nil {
			t.Fatalf("SaveAlert: %v", err)
		}
	}

	restarted := NewEngine(store, &fakeSnapshotter{}, nil, nil)
	active, err := restarted.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("GetActiveAlerts: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a2" || active[1].ID != "a1" {
		t.Fatalf("expected a2 then a1, got %+v", active)
	}
}
