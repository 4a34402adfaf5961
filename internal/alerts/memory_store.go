package alerts

import (
	"context"
	"errors"
	"sync"

	"grainwatch/internal/domain"
)

// MemoryStore keeps alerts in process memory for single-instance mode.
// Params: alert map plus unique hold index keyed by dedup key.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]domain.Alert
	holds  map[domain.DedupKey]string
}

// NewMemoryStore creates in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]domain.Alert),
		holds:  make(map[domain.DedupKey]string),
	}
}

// Create inserts alert and claims its dedup key when DedupHeld.
// Params: alert with ID set.
// Returns: stored alert with Version=1 or ErrConflict.
func (s *MemoryStore) Create(_ context.Context, alert domain.Alert) (domain.Alert, error) {
	if alert.ID == "" {
		return domain.Alert{}, errors.New("alert id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return domain.Alert{}, ErrConflict
	}
	if alert.DedupHeld {
		if _, held := s.holds[alert.Key()]; held {
			return domain.Alert{}, ErrConflict
		}
		s.holds[alert.Key()] = alert.ID
	}
	alert.Version = 1
	s.alerts[alert.ID] = alert.Clone()
	return alert.Clone(), nil
}

// Holder returns alert currently holding dedup key.
// Params: dedup key.
// Returns: holder or ErrNotFound when slot is free.
func (s *MemoryStore) Holder(_ context.Context, key domain.DedupKey) (domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.holds[key]
	if !ok {
		return domain.Alert{}, ErrNotFound
	}
	return s.alerts[id].Clone(), nil
}

// Get returns alert by id.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return domain.Alert{}, ErrNotFound
	}
	return alert.Clone(), nil
}

// Update replaces alert when versions match and moves the dedup hold accordingly.
// Params: alert carrying the version it was read at.
// Returns: stored alert with bumped version, ErrNotFound or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, alert domain.Alert) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.alerts[alert.ID]
	if !ok {
		return domain.Alert{}, ErrNotFound
	}
	if current.Version != alert.Version {
		return domain.Alert{}, ErrConflict
	}
	key := current.Key()
	switch {
	case alert.DedupHeld && !current.DedupHeld:
		if holder, held := s.holds[key]; held && holder != alert.ID {
			return domain.Alert{}, ErrConflict
		}
		s.holds[key] = alert.ID
	case !alert.DedupHeld && current.DedupHeld:
		if s.holds[key] == alert.ID {
			delete(s.holds, key)
		}
	}
	alert.DedupTrigger = current.DedupTrigger
	alert.Version = current.Version + 1
	s.alerts[alert.ID] = alert.Clone()
	return alert.Clone(), nil
}

// List returns matching alerts ordered by StartedAt desc.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.Alert, error) {
	s.mu.RLock()
	out := make([]domain.Alert, 0)
	for _, alert := range s.alerts {
		if filter.Matches(alert) {
			out = append(out, alert.Clone())
		}
	}
	s.mu.RUnlock()
	return sortAndPage(out, filter), nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
