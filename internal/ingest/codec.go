// Package ingest turns gateway payloads from HTTP, NATS, Kafka and MQTT into readings.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"grainwatch/internal/domain"
	"grainwatch/internal/metrics"
	"grainwatch/internal/retry"
)

// Source labels used in metrics and logs.
const (
	SourceHTTP  = "http"
	SourceNATS  = "nats"
	SourceKafka = "kafka"
	SourceMQTT  = "mqtt"
)

// ReadingSink receives decoded readings from ingest interfaces.
// Params: context, source label, and readings of one payload.
// Returns: processing error; transports redeliver or report failure on error.
type ReadingSink interface {
	PushReadings(ctx context.Context, source string, batch []domain.Reading) error
}

// CellLookup maps sensors to their cells.
type CellLookup interface {
	CellForSensor(sensorID string) (string, bool)
}

// Rejection describes one payload item that produced no readings.
type Rejection struct {
	Index    int    `json:"index"`
	SensorID string `json:"sensorId"`
	Reason   string `json:"reason"`
}

// Decoded is the outcome of decoding one payload.
type Decoded struct {
	Readings []domain.Reading
	Rejected []Rejection
}

// Decoder parses gateway payloads and resolves cells for sensors.
// Params: cell lookup consulted when an item omits cellId.
// Returns: shared decoder for every transport.
type Decoder struct {
	cells CellLookup
}

// NewDecoder creates payload decoder.
func NewDecoder(cells CellLookup) *Decoder {
	return &Decoder{cells: cells}
}

// Decode parses one object or an array of batch items.
// Params: raw JSON payload and source label for metrics.
// Returns: readings for resolvable items, per-item rejections, and error for malformed payload.
func (d *Decoder) Decode(raw []byte, source string) (Decoded, error) {
	items, err := domain.DecodeBatchItems(raw)
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues(source, "malformed").Inc()
		return Decoded{}, err
	}
	out := Decoded{Readings: make([]domain.Reading, 0, len(items)*3)}
	for i, item := range items {
		cellID := strings.TrimSpace(item.CellID)
		if cellID == "" {
			resolved, ok := d.lookup(item.Sensor())
			if !ok {
				out.Rejected = append(out.Rejected, Rejection{Index: i, SensorID: item.Sensor(), Reason: "unknown sensor"})
				continue
			}
			cellID = resolved
		}
		expanded := item.Expand(cellID)
		if len(expanded) == 0 {
			out.Rejected = append(out.Rejected, Rejection{Index: i, SensorID: item.Sensor(), Reason: "no evaluable metric"})
			continue
		}
		out.Readings = append(out.Readings, expanded...)
	}
	if len(out.Rejected) > 0 {
		metrics.ReadingsTotal.WithLabelValues(source, "unresolved").Add(float64(len(out.Rejected)))
	}
	return out, nil
}

func (d *Decoder) lookup(sensorID string) (string, bool) {
	if d.cells == nil || sensorID == "" {
		return "", false
	}
	return d.cells.CellForSensor(sensorID)
}

// decodeAndPush is the shared path of the stream transports.
// Params: decoder, sink, source label, and raw message.
// Returns: decoded result; malformed payloads come back marked retry.Permanent so the
// transport drops them, sink failures come back plain so the transport redelivers.
func decodeAndPush(ctx context.Context, decoder *Decoder, sink ReadingSink, source string, raw []byte) (Decoded, error) {
	decoded, err := decoder.Decode(raw, source)
	if err != nil {
		return Decoded{}, retry.Permanent(fmt.Errorf("decode %s payload: %w", source, err))
	}
	if len(decoded.Readings) == 0 {
		return decoded, nil
	}
	if err := sink.PushReadings(ctx, source, decoded.Readings); err != nil {
		return decoded, err
	}
	return decoded, nil
}
