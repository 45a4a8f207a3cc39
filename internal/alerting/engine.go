package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Trigger defaults used when a rule carries no threshold.
const (
	DefaultHealthScoreThreshold = 50.0
	DefaultDegradedCount        = 3
)

// Snapshotter produces the live diagnostics view the rules are evaluated against.
type Snapshotter interface {
	GetLiveSnapshot(ctx context.Context, durationHours float64) (models.LiveDiagnosticsSnapshot, error)
}

// Notifications delivers triggered alerts.
type Notifications interface {
	Dispatch(ctx context.Context, alert models.Alert, destinations []models.AlertDestination)
	Send(ctx context.Context, dest models.AlertDestination, alert models.Alert) error
}

// Engine evaluates alert rules against live diagnostics and tracks alert lifecycle.
// All mutations of rules, destinations and alerts are serialised by mu.
type Engine struct {
	mu             sync.Mutex
	store          Store
	diagnostics    Snapshotter
	notify         Notifications
	lastAlertTimes map[string]time.Time
	now            func() time.Time
	logger         *slog.Logger
}

// NewEngine constructs an engine. A nil store keeps state in memory.
func NewEngine(store Store, diagnostics Snapshotter, notify Notifications, logger *slog.Logger) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Engine{
		store:          store,
		diagnostics:    diagnostics,
		notify:         notify,
		lastAlertTimes: make(map[string]time.Time),
		now:            time.Now,
		logger:         utils.Component(logger, "alerting"),
	}
}

// EvaluateRules fetches one snapshot and evaluates every enabled rule against it. The alerts
// created by this call are returned after they have been dispatched.
func (e *Engine) EvaluateRules(ctx context.Context, durationHours float64) ([]models.Alert, error) {
	snapshot, err := e.diagnostics.GetLiveSnapshot(ctx, durationHours)
	if err != nil {
		return nil, utils.NewAppError("evaluate_rules", "live snapshot unavailable", err)
	}

	type pending struct {
		alert models.Alert
		rule  models.AlertRule
	}
	var fired []pending

	e.mu.Lock()
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("list rules: %w", err)
	}
	now := e.now().UTC()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if last, ok := e.lastAlertTimes[rule.ID]; ok && now.Sub(last) < time.Duration(rule.DurationMinutes)*time.Minute {
			e.logger.Debug("rule suppressed", slog.String("rule_id", rule.ID), slog.Time("last_alert", last))
			continue
		}
		details, triggered := evaluateTrigger(rule, snapshot)
		if !triggered {
			continue
		}
		alert := buildAlert(rule, details, now)
		alert.ID = e.uniqueAlertID(ctx, alert.ID)
		if err := e.store.SaveAlert(ctx, alert); err != nil {
			e.logger.Warn("alert not persisted", slog.String("rule_id", rule.ID), slog.Any("error", err))
			continue
		}
		e.lastAlertTimes[rule.ID] = now
		metrics.ObserveAlert(string(rule.TriggerType))
		e.logger.Info("alert triggered",
			slog.String("alert_id", alert.ID),
			slog.String("rule_id", rule.ID),
			slog.String("severity", string(alert.Severity)))
		fired = append(fired, pending{alert: alert, rule: rule})
	}
	e.mu.Unlock()

	out := make([]models.Alert, 0, len(fired))
	for _, p := range fired {
		if e.notify != nil {
			e.notify.Dispatch(ctx, p.alert, e.destinationsFor(ctx, p.rule))
		}
		out = append(out, p.alert)
	}
	return out, nil
}

func (e *Engine) destinationsFor(ctx context.Context, rule models.AlertRule) []models.AlertDestination {
	var out []models.AlertDestination
	for _, id := range rule.Destinations {
		dest, err := e.store.GetDestination(ctx, id)
		if err != nil {
			e.logger.Warn("destination unavailable",
				slog.String("rule_id", rule.ID),
				slog.String("destination_id", id),
				slog.Any("error", err))
			continue
		}
		if dest.Enabled {
			out = append(out, dest)
		}
	}
	return out
}

// uniqueAlertID suffixes id when the store already holds an alert under it, which happens when a
// rule without a dedup window fires twice within one second.
func (e *Engine) uniqueAlertID(ctx context.Context, id string) string {
	candidate := id
	for n := 2; ; n++ {
		if _, err := e.store.GetAlert(ctx, candidate); err != nil {
			return candidate
		}
		candidate = id + "-" + strconv.Itoa(n)
	}
}

// triggerDetails carries what the title and message templates need.
type triggerDetails struct {
	service models.ServiceHealthStatus
	anomaly models.AnomalyAlert
	pattern models.TrafficPattern
	count   int
	total   int
	names   []string
}

func evaluateTrigger(rule models.AlertRule, snapshot models.LiveDiagnosticsSnapshot) (triggerDetails, bool) {
	var d triggerDetails
	switch rule.TriggerType {
	case models.TriggerHealthScoreDrop:
		threshold := DefaultHealthScoreThreshold
		if rule.Threshold != nil {
			threshold = *rule.Threshold
		}
		for _, svc := range snapshot.Services {
			// An unknown service has no score to compare.
			if svc.Status == models.HealthStatusUnknown {
				continue
			}
			if svc.HealthScore < threshold {
				if d.count == 0 {
					d.service = svc
				}
				d.count++
			}
		}
		return d, d.count > 0

	case models.TriggerCriticalAnomaly:
		for _, a := range snapshot.Anomalies {
			if a.Severity == models.SeverityCritical {
				if d.count == 0 {
					d.anomaly = a
				}
				d.count++
			}
		}
		return d, d.count > 0

	case models.TriggerMultipleServicesDegraded:
		threshold := DefaultDegradedCount
		if rule.Threshold != nil {
			threshold = int(*rule.Threshold)
		}
		for _, svc := range snapshot.Services {
			if svc.Status == models.HealthStatusDegraded || svc.Status == models.HealthStatusFailed {
				d.count++
				d.names = append(d.names, firstNonEmpty(svc.ResourceName, svc.ResourceID))
			}
		}
		d.total = len(snapshot.Services)
		return d, d.count >= threshold

	case models.TriggerTrafficPatternAnomaly:
		for _, p := range snapshot.TrafficPatterns {
			if p.IsAbnormal {
				if d.count == 0 {
					d.pattern = p
				}
				d.count++
			}
		}
		return d, d.count > 0

	case models.TriggerServiceFailure:
		for _, svc := range snapshot.Services {
			if svc.Status == models.HealthStatusFailed {
				if d.count == 0 {
					d.service = svc
				}
				d.count++
			}
		}
		return d, d.count > 0
	}
	return d, false
}

func buildAlert(rule models.AlertRule, d triggerDetails, now time.Time) models.Alert {
	alert := models.Alert{
		ID:          rule.ID + "-" + strconv.FormatInt(now.Unix(), 10),
		RuleID:      rule.ID,
		TriggerType: rule.TriggerType,
		Severity:    rule.Severity,
		Status:      models.AlertActive,
		TriggeredAt: now,
		Metadata:    map[string]string{"rule_name": rule.Name},
	}
	switch rule.TriggerType {
	case models.TriggerHealthScoreDrop:
		name := firstNonEmpty(d.service.ResourceName, d.service.ResourceID)
		alert.Title = fmt.Sprintf("Health score drop: %s", name)
		alert.Message = fmt.Sprintf("%s health score is %.1f (status %s)", name, d.service.HealthScore, d.service.Status)
		if d.count > 1 {
			alert.Message += fmt.Sprintf("; %d services below threshold", d.count)
		}
		alert.ResourceID = d.service.ResourceID
		alert.Metadata["health_score"] = strconv.FormatFloat(d.service.HealthScore, 'f', 1, 64)
	case models.TriggerCriticalAnomaly:
		name := firstNonEmpty(d.anomaly.ResourceName, d.anomaly.ResourceID)
		alert.Title = fmt.Sprintf("Critical anomaly: %s", name)
		alert.Message = firstNonEmpty(d.anomaly.Message,
			fmt.Sprintf("%s on %s deviates %.1f%% from expected", d.anomaly.MetricName, name, d.anomaly.DeviationPercentage))
		if d.count > 1 {
			alert.Message += fmt.Sprintf(" (%d critical anomalies)", d.count)
		}
		alert.ResourceID = d.anomaly.ResourceID
		alert.Metadata["metric_name"] = d.anomaly.MetricName
		alert.Metadata["anomaly_id"] = d.anomaly.AlertID
	case models.TriggerMultipleServicesDegraded:
		alert.Title = fmt.Sprintf("%d services degraded", d.count)
		alert.Message = fmt.Sprintf("%d of %d services are degraded or failed: %s", d.count, d.total, strings.Join(d.names, ", "))
		alert.Metadata["degraded_count"] = strconv.Itoa(d.count)
	case models.TriggerTrafficPatternAnomaly:
		alert.Title = fmt.Sprintf("Abnormal traffic: %s -> %s", d.pattern.SourceID, d.pattern.TargetID)
		alert.Message = fmt.Sprintf("Traffic from %s to %s is abnormal (score %.2f, error rate %.3f, p95 latency %.3fs)",
			d.pattern.SourceID, d.pattern.TargetID, d.pattern.AnomalyScore, d.pattern.ErrorRate, d.pattern.LatencyP95)
		if d.count > 1 {
			alert.Message += fmt.Sprintf("; %d abnormal edges", d.count)
		}
		alert.ResourceID = d.pattern.TargetID
	case models.TriggerServiceFailure:
		name := firstNonEmpty(d.service.ResourceName, d.service.ResourceID)
		alert.Title = fmt.Sprintf("Service failure: %s", name)
		alert.Message = fmt.Sprintf("%s has failed (health score %.1f)", name, d.service.HealthScore)
		if len(d.service.Anomalies) > 0 {
			alert.Message += ": " + strings.Join(d.service.Anomalies, ", ")
		}
		alert.ResourceID = d.service.ResourceID
	}
	return alert
}

// AcknowledgeAlert marks an alert acknowledged. An unknown id yields a nil alert and no error.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, acknowledgedBy string) (*models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, err := e.store.GetAlert(ctx, alertID)
	if utils.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertResolved {
		return &alert, nil
	}
	now := e.now().UTC()
	alert.Status = models.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = acknowledgedBy
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ResolveAlert marks an alert resolved and drops it from the active set. Resolving twice keeps
// the first resolution time. An unknown id yields a nil alert and no error.
func (e *Engine) ResolveAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, err := e.store.GetAlert(ctx, alertID)
	if utils.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertResolved {
		return &alert, nil
	}
	now := e.now().UTC()
	alert.Status = models.AlertResolved
	alert.ResolvedAt = &now
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ListAlerts returns alert history newest first.
func (e *Engine) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	return e.store.ListAlerts(ctx, status, limit)
}

// GetActiveAlerts returns the unresolved alerts held by the store, newest first. Acknowledged
// alerts stay active until resolved.
func (e *Engine) GetActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	var out []models.Alert
	for _, status := range []models.AlertStatus{models.AlertActive, models.AlertAcknowledged} {
		alerts, err := e.store.ListAlerts(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("list %s alerts: %w", status, err)
		}
		out = append(out, alerts...)
	}
	sortAlerts(out)
	return out, nil
}

// CreateRule validates and stores a new rule, assigning an id when empty. An id that is already
// taken is rejected.
func (e *Engine) CreateRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule, err := normaliseRule("create_rule", rule)
	if err != nil {
		return models.AlertRule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.GetRule(ctx, rule.ID); err == nil {
		return models.AlertRule{}, utils.AlreadyExists("create_rule", "alert rule", rule.ID)
	} else if !utils.IsNotFound(err) {
		return models.AlertRule{}, err
	}
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return models.AlertRule{}, err
	}
	return rule, nil
}

// UpdateRule replaces an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	rule, err := normaliseRule("update_rule", rule)
	if err != nil {
		return models.AlertRule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.GetRule(ctx, rule.ID); err != nil {
		return models.AlertRule{}, err
	}
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return models.AlertRule{}, err
	}
	return rule, nil
}

func normaliseRule(op string, rule models.AlertRule) (models.AlertRule, error) {
	if !rule.TriggerType.Valid() {
		return rule, utils.NewAppError(op, fmt.Sprintf("unknown trigger type %q", rule.TriggerType), nil)
	}
	if rule.DurationMinutes < 0 {
		return rule, utils.NewAppError(op, "duration_minutes must not be negative", nil)
	}
	if rule.Severity == "" {
		rule.Severity = models.AlertWarning
	}
	return rule, nil
}

func (e *Engine) GetRule(ctx context.Context, id string) (models.AlertRule, error) {
	return e.store.GetRule(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	return e.store.ListRules(ctx)
}

// DeleteRule removes a rule and its deduplication state.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	delete(e.lastAlertTimes, id)
	return nil
}

// CreateDestination validates and stores a new destination, assigning an id when empty. An id
// that is already taken is rejected.
func (e *Engine) CreateDestination(ctx context.Context, dest models.AlertDestination) (models.AlertDestination, error) {
	if dest.ID == "" {
		dest.ID = uuid.NewString()
	}
	if err := validateDestination("create_destination", dest); err != nil {
		return models.AlertDestination{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.GetDestination(ctx, dest.ID); err == nil {
		return models.AlertDestination{}, utils.AlreadyExists("create_destination", "alert destination", dest.ID)
	} else if !utils.IsNotFound(err) {
		return models.AlertDestination{}, err
	}
	if err := e.store.SaveDestination(ctx, dest); err != nil {
		return models.AlertDestination{}, err
	}
	return dest, nil
}

// UpdateDestination replaces an existing destination.
func (e *Engine) UpdateDestination(ctx context.Context, dest models.AlertDestination) (models.AlertDestination, error) {
	if err := validateDestination("update_destination", dest); err != nil {
		return models.AlertDestination{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.GetDestination(ctx, dest.ID); err != nil {
		return models.AlertDestination{}, err
	}
	if err := e.store.SaveDestination(ctx, dest); err != nil {
		return models.AlertDestination{}, err
	}
	return dest, nil
}

func validateDestination(op string, dest models.AlertDestination) error {
	switch dest.Type {
	case models.DestinationEmail, models.DestinationSlack, models.DestinationPagerDuty, models.DestinationWebhook:
		return nil
	}
	return utils.NewAppError(op, fmt.Sprintf("unknown destination type %q", dest.Type), nil)
}

func (e *Engine) GetDestination(ctx context.Context, id string) (models.AlertDestination, error) {
	return e.store.GetDestination(ctx, id)
}

func (e *Engine) ListDestinations(ctx context.Context) ([]models.AlertDestination, error) {
	return e.store.ListDestinations(ctx)
}

func (e *Engine) DeleteDestination(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.DeleteDestination(ctx, id)
}

// TestDestination sends a synthetic info alert to one destination, enabled or not.
func (e *Engine) TestDestination(ctx context.Context, id string) error {
	dest, err := e.store.GetDestination(ctx, id)
	if err != nil {
		return err
	}
	if e.notify == nil {
		return utils.NewAppError("test_destination", "no notifier configured", nil)
	}
	now := e.now().UTC()
	alert := models.Alert{
		ID:          "test-" + strconv.FormatInt(now.Unix(), 10),
		RuleID:      "test",
		Severity:    models.AlertInfo,
		Status:      models.AlertActive,
		Title:       "Test alert",
		Message:     fmt.Sprintf("Test notification for destination %s", firstNonEmpty(dest.Name, dest.ID)),
		TriggeredAt: now,
	}
	return e.notify.Send(ctx, dest, alert)
}
