package readings

import (
	"context"
	"sort"
	"sync"
	"time"

	"grainwatch/internal/domain"
)

// MemoryStore keeps reading history in process memory for single-instance mode.
// Params: per-series time-ordered slices guarded by one RWMutex; dedup entries outlive pruned readings by one retention.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[seriesKey][]domain.Reading
	seen      map[dedupKey]string
	retention time.Duration
}

// NewMemoryStore creates in-memory reading store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:    make(map[seriesKey][]domain.Reading),
		seen:      make(map[dedupKey]string),
		retention: DefaultRetention,
	}
}

// SetRetention updates how long dedup entries survive their pruned readings.
func (s *MemoryStore) SetRetention(retention time.Duration) {
	if retention <= 0 {
		return
	}
	s.mu.Lock()
	s.retention = retention
	s.mu.Unlock()
}

// Record inserts reading in time order; late readings land in place.
// Params: validated reading.
// Returns: false for duplicates.
func (s *MemoryStore) Record(_ context.Context, reading domain.Reading) (bool, error) {
	if err := reading.Validate(); err != nil {
		return false, err
	}
	reading.RecordedAt = reading.RecordedAt.UTC()
	dedup := dedupKeyOf(reading)
	key := seriesKey{cellID: reading.CellID, metric: reading.Metric}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.seen[dedup]; exists {
		return false, nil
	}
	s.seen[dedup] = reading.CellID

	list := s.series[key]
	idx := sort.Search(len(list), func(i int) bool { return before(reading, list[i]) })
	list = append(list, domain.Reading{})
	copy(list[idx+1:], list[idx:])
	list[idx] = reading
	s.series[key] = list
	return true, nil
}

// Latest returns newest reading for series.
func (s *MemoryStore) Latest(_ context.Context, cellID string, metric domain.Metric) (*domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.series[seriesKey{cellID: cellID, metric: metric}]
	if len(list) == 0 {
		return nil, nil
	}
	out := list[len(list)-1]
	return &out, nil
}

// AsOf returns newest reading with RecordedAt <= at.
func (s *MemoryStore) AsOf(_ context.Context, cellID string, metric domain.Metric, at time.Time) (*domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.series[seriesKey{cellID: cellID, metric: metric}]
	idx := sort.Search(len(list), func(i int) bool { return list[i].RecordedAt.After(at) })
	if idx == 0 {
		return nil, nil
	}
	out := list[idx-1]
	return &out, nil
}

// Prune drops readings older than before but keeps one anchor per series
// so as-of lookups at the retention edge still resolve. Dedup entries are
// forgotten one retention after the cutoff.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, list := range s.series {
		idx := sort.Search(len(list), func(i int) bool { return list[i].RecordedAt.After(cutoff) })
		drop := idx - 1
		if drop <= 0 {
			continue
		}
		s.series[key] = append([]domain.Reading(nil), list[drop:]...)
		removed += drop
	}
	forget := cutoff.Add(-s.retention).UnixNano()
	for dedup, cellID := range s.seen {
		if dedup.recordedAt < forget && !s.stored(dedup, cellID) {
			delete(s.seen, dedup)
		}
	}
	return removed, nil
}

// stored reports whether the reading behind dedup is still in its series.
func (s *MemoryStore) stored(dedup dedupKey, cellID string) bool {
	list := s.series[seriesKey{cellID: cellID, metric: dedup.metric}]
	idx := sort.Search(len(list), func(i int) bool { return list[i].RecordedAt.UnixNano() >= dedup.recordedAt })
	for ; idx < len(list) && list[idx].RecordedAt.UnixNano() == dedup.recordedAt; idx++ {
		if list[idx].SensorID == dedup.sensorID {
			return true
		}
	}
	return false
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
