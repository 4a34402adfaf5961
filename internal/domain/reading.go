package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Reading is one immutable metric sample for one cell.
// Params: producing sensor, owning cell, metric, value and sample time.
// Returns: reading consumed by the window store and evaluator.
type Reading struct {
	SensorID   string    `json:"sensor_id"`
	CellID     string    `json:"cell_id"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks reading fields required by the window store.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.SensorID) == "" {
		return errors.New("sensorId is required")
	}
	if strings.TrimSpace(r.CellID) == "" {
		return errors.New("cellId is required")
	}
	if !r.Metric.Valid() {
		return fmt.Errorf("unsupported metric %q", r.Metric)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return errors.New("value must be finite")
	}
	if r.RecordedAt.IsZero() {
		return errors.New("recordedAt is required")
	}
	return nil
}

// BatchItem is one gateway sample carrying several metric fields.
// Params: sensorId or macId, optional cellId, metric-bearing fields, and recordedAt.
// Returns: transport model expanded by Expand.
type BatchItem struct {
	SensorID       string    `json:"sensorId,omitempty"`
	MacID          string    `json:"macId,omitempty"`
	CellID         string    `json:"cellId,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Humidity       *float64  `json:"humidity,omitempty"`
	EMC            *float64  `json:"emc,omitempty"`
	BatteryPercent *float64  `json:"batteryPercent,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Sensor returns sensor identity, preferring sensorId over macId.
func (b BatchItem) Sensor() string {
	if id := strings.TrimSpace(b.SensorID); id != "" {
		return id
	}
	return strings.TrimSpace(b.MacID)
}

// Validate checks sensor identity, timestamp, and that at least one field is present.
func (b BatchItem) Validate() error {
	if b.Sensor() == "" {
		return errors.New("sensorId or macId is required")
	}
	if b.RecordedAt.IsZero() {
		return errors.New("recordedAt is required")
	}
	if b.Temperature == nil && b.Humidity == nil && b.EMC == nil && b.BatteryPercent == nil {
		return errors.New("at least one metric field is required")
	}
	return nil
}

// Expand converts batch item into one reading per evaluable metric.
// Params: resolved cell ID (used when item has none).
// Returns: readings for temperature/humidity/emc; battery is not evaluable and is dropped.
func (b BatchItem) Expand(cellID string) []Reading {
	if strings.TrimSpace(b.CellID) != "" {
		cellID = strings.TrimSpace(b.CellID)
	}
	sensor := b.Sensor()
	at := b.RecordedAt.UTC()
	out := make([]Reading, 0, 3)
	appendMetric := func(metric Metric, value *float64) {
		if value == nil {
			return
		}
		out = append(out, Reading{SensorID: sensor, CellID: cellID, Metric: metric, Value: *value, RecordedAt: at})
	}
	appendMetric(MetricTemperature, b.Temperature)
	appendMetric(MetricHumidity, b.Humidity)
	appendMetric(MetricEMC, b.EMC)
	return out
}

// DecodeBatchItems decodes one object or an array of batch items.
// Params: raw JSON payload.
// Returns: validated items or decode/validation error.
func DecodeBatchItems(raw []byte) ([]BatchItem, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errors.New("empty payload")
	}
	var items []BatchItem
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode reading batch: %w", err)
		}
		if len(items) == 0 {
			return nil, errors.New("reading batch must contain at least one item")
		}
	} else {
		var item BatchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		items = []BatchItem{item}
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, fmt.Errorf("reading[%d]: %w", i, err)
		}
	}
	return items, nil
}
