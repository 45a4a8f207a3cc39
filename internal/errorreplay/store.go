package errorreplay

import (
	"context"
	"sort"
	"sync"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// Store persists error snapshots.
type Store interface {
	Save(ctx context.Context, snapshot models.ErrorSnapshot) error
	Get(ctx context.Context, errorID string) (models.ErrorSnapshot, error)
	// Search returns matches newest first, at most filter.Limit when positive.
	Search(ctx context.Context, filter models.ErrorSearchFilter) ([]models.ErrorSnapshot, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.ErrorSnapshot
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]models.ErrorSnapshot)}
}

// Save stores or replaces a snapshot.
func (m *MemoryStore) Save(_ context.Context, snapshot models.ErrorSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.ErrorID] = snapshot
	return nil
}

// Get returns a snapshot by id.
func (m *MemoryStore) Get(_ context.Context, errorID string) (models.ErrorSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[errorID]
	if !ok {
		return models.ErrorSnapshot{}, utils.NotFound("get_error", "error", errorID)
	}
	return s, nil
}

// Search scans every snapshot.
func (m *MemoryStore) Search(_ context.Context, filter models.ErrorSearchFilter) ([]models.ErrorSnapshot, error) {
	m.mu.RLock()
	out := make([]models.ErrorSnapshot, 0)
	for _, s := range m.snapshots {
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ErrorID < out[j].ErrorID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
