// Package readings keeps per-cell metric history for latest and as-of lookups.
package readings

import (
	"context"
	"time"

	"grainwatch/internal/domain"
)

// DefaultRetention is the history floor kept for every series.
const DefaultRetention = 90 * 24 * time.Hour

// Store is the reading window store.
// Params: implementations must tolerate concurrent writers and re-delivered readings.
// Returns: latest and historical readings per (cell, metric).
type Store interface {
	// Record appends one reading; false means (sensor, metric, recordedAt) was already recorded.
	Record(ctx context.Context, reading domain.Reading) (bool, error)
	// Latest returns the most recent reading or nil.
	Latest(ctx context.Context, cellID string, metric domain.Metric) (*domain.Reading, error)
	// AsOf returns the most recent reading recorded at or before at, or nil.
	AsOf(ctx context.Context, cellID string, metric domain.Metric, at time.Time) (*domain.Reading, error)
	// Prune drops readings older than before, keeping the newest one at or before it per series.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Retention returns history to keep: max(floor, longest CHANGE window of any trigger).
// Params: active triggers and configured floor.
// Returns: retention duration.
func Retention(triggers []domain.Trigger, floor time.Duration) time.Duration {
	out := floor
	for _, trigger := range triggers {
		for _, hours := range trigger.MaxChangeWindowHours() {
			if window := time.Duration(hours * float64(time.Hour)); window > out {
				out = window
			}
		}
	}
	return out
}

type seriesKey struct {
	cellID string
	metric domain.Metric
}

type dedupKey struct {
	sensorID   string
	metric     domain.Metric
	recordedAt int64
}

func dedupKeyOf(reading domain.Reading) dedupKey {
	return dedupKey{sensorID: reading.SensorID, metric: reading.Metric, recordedAt: reading.RecordedAt.UnixNano()}
}

// before orders readings by time, then sensor id.
func before(a, b domain.Reading) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.Before(b.RecordedAt)
	}
	return a.SensorID < b.SensorID
}
