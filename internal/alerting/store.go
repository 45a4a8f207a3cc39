package alerting

import (
	"context"
	"sort"
	"sync"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Store persists rules, destinations and alert history. Lookups of unknown ids return an
// error satisfying utils.IsNotFound.
type Store interface {
	SaveRule(ctx context.Context, rule models.AlertRule) error
	GetRule(ctx context.Context, id string) (models.AlertRule, error)
	ListRules(ctx context.Context) ([]models.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error

	SaveDestination(ctx context.Context, dest models.AlertDestination) error
	GetDestination(ctx context.Context, id string) (models.AlertDestination, error)
	ListDestinations(ctx context.Context) ([]models.AlertDestination, error)
	DeleteDestination(ctx context.Context, id string) error

	SaveAlert(ctx context.Context, alert models.Alert) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	// ListAlerts returns alerts newest first. An empty status matches all.
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
}

// MemoryStore keeps all alerting state in process memory; it is lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	rules        map[string]models.AlertRule
	destinations map[string]models.AlertDestination
	alerts       map[string]models.Alert
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:        make(map[string]models.AlertRule),
		destinations: make(map[string]models.AlertDestination),
		alerts:       make(map[string]models.Alert),
	}
}

func (m *MemoryStore) SaveRule(_ context.Context, rule models.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return models.AlertRule{}, utils.NotFound("get_rule", "alert rule", id)
	}
	return rule, nil
}

func (m *MemoryStore) ListRules(context.Context) ([]models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return utils.NotFound("delete_rule", "alert rule", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) SaveDestination(_ context.Context, dest models.AlertDestination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[dest.ID] = dest
	return nil
}

func (m *MemoryStore) GetDestination(_ context.Context, id string) (models.AlertDestination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dest, ok := m.destinations[id]
	if !ok {
		return models.AlertDestination{}, utils.NotFound("get_destination", "alert destination", id)
	}
	return dest, nil
}

func (m *MemoryStore) ListDestinations(context.Context) ([]models.AlertDestination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertDestination, 0, len(m.destinations))
	for _, dest := range m.destinations {
		out = append(out, dest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteDestination(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.destinations[id]; !ok {
		return utils.NotFound("delete_destination", "alert destination", id)
	}
	delete(m.destinations, id)
	return nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, utils.NotFound("get_alert", "alert", id)
	}
	return alert, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	m.mu.RLock()
	out := make([]models.Alert, 0)
	for _, alert := range m.alerts {
		if status == "" || alert.Status == status {
			out = append(out, alert)
		}
	}
	m.mu.RUnlock()
	sortAlerts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
}
