package alerts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

// NATSStore persists alerts in JetStream KV buckets.
// Params: alerts bucket (id -> JSON alert) and holds bucket (dedup key -> alert id).
// Returns: KV-backed alert store; Version mirrors the alerts-bucket revision.
type NATSStore struct {
	nc       *nats.Conn
	alertsKV nats.KeyValue
	holdsKV  nats.KeyValue
}

// NewNATSStore connects to NATS and opens or creates both KV buckets.
// Params: server URLs and bucket names.
// Returns: initialized store or setup error.
func NewNATSStore(urls []string, buckets config.NATSKVConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	alertsKV, err := openBucket(js, buckets.AlertsBucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	holdsKV, err := openBucket(js, buckets.HoldsBucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSStore{nc: nc, alertsKV: alertsKV, holdsKV: holdsKV}, nil
}

func openBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// holdKey encodes dedup key into KV-safe token.
func holdKey(key domain.DedupKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.TriggerID)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(key.CellID))
}

// Create inserts alert with kv.Create, then claims its dedup hold.
// Params: alert with ID set.
// Returns: stored alert or ErrConflict when id or hold exists.
func (s *NATSStore) Create(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	if alert.ID == "" {
		return domain.Alert{}, errors.New("alert id is required")
	}
	alert.Version = 0
	body, err := json.Marshal(alert)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertsKV.Create(alert.ID, body)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return domain.Alert{}, ErrConflict
		}
		return domain.Alert{}, fmt.Errorf("create alert: %w", err)
	}
	if alert.DedupHeld {
		if err := s.claimHold(ctx, alert.Key(), alert.ID); err != nil {
			_ = s.alertsKV.Delete(alert.ID, nats.LastRevision(rev))
			return domain.Alert{}, err
		}
	}
	alert.Version = int64(rev)
	return alert, nil
}

// claimHold creates hold entry for id.
// A hold whose owner record is missing is in flight and never replaced; a hold whose
// owner no longer holds the key is replaced once.
func (s *NATSStore) claimHold(ctx context.Context, key domain.DedupKey, id string) error {
	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.holdsKV.Create(holdKey(key), []byte(id))
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("claim dedup hold: %w", err)
		}
		entry, err := s.holdsKV.Get(holdKey(key))
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read dedup hold: %w", err)
		}
		owner := string(entry.Value())
		if owner == id {
			// Bump the revision so a concurrent stale-hold delete fails.
			if _, err := s.holdsKV.Update(holdKey(key), []byte(id), entry.Revision()); err != nil {
				continue
			}
			return nil
		}
		current, err := s.Get(ctx, owner)
		if errors.Is(err, ErrNotFound) {
			return ErrHoldPending
		}
		if err != nil {
			return err
		}
		if current.DedupHeld && current.Key() == key {
			return ErrConflict
		}
		if err := s.holdsKV.Delete(holdKey(key), nats.LastRevision(entry.Revision())); err != nil {
			return ErrConflict
		}
	}
	return ErrConflict
}

func (s *NATSStore) releaseHold(key domain.DedupKey, id string) {
	entry, err := s.holdsKV.Get(holdKey(key))
	if err != nil || string(entry.Value()) != id {
		return
	}
	_ = s.holdsKV.Delete(holdKey(key), nats.LastRevision(entry.Revision()))
}

// Holder resolves hold entry into its alert.
// Returns: holder, ErrNotFound for a free or stale slot, ErrHoldPending while the owner record is not written.
func (s *NATSStore) Holder(ctx context.Context, key domain.DedupKey) (domain.Alert, error) {
	entry, err := s.holdsKV.Get(holdKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("get dedup hold: %w", err)
	}
	alert, err := s.Get(ctx, string(entry.Value()))
	if errors.Is(err, ErrNotFound) {
		return domain.Alert{}, ErrHoldPending
	}
	if err != nil {
		return domain.Alert{}, err
	}
	if !alert.DedupHeld || alert.Key() != key {
		return domain.Alert{}, ErrNotFound
	}
	return alert, nil
}

// Get reads alert and its KV revision.
func (s *NATSStore) Get(_ context.Context, id string) (domain.Alert, error) {
	entry, err := s.alertsKV.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	alert.Version = int64(entry.Revision())
	return alert, nil
}

// Update writes alert with revision CAS, then moves the dedup hold.
// Params: alert carrying the revision it was read at.
// Returns: alert with new revision, ErrNotFound or ErrConflict.
func (s *NATSStore) Update(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	current, err := s.Get(ctx, alert.ID)
	if err != nil {
		return domain.Alert{}, err
	}
	if current.Version != alert.Version {
		return domain.Alert{}, ErrConflict
	}
	alert.DedupTrigger = current.DedupTrigger

	rev, err := s.put(alert, uint64(alert.Version))
	if err != nil {
		return domain.Alert{}, err
	}
	if alert.DedupHeld && !current.DedupHeld {
		if err := s.claimHold(ctx, current.Key(), alert.ID); err != nil {
			if _, restoreErr := s.put(current, rev); restoreErr != nil {
				return domain.Alert{}, fmt.Errorf("restore alert after hold conflict: %w", restoreErr)
			}
			return domain.Alert{}, ErrConflict
		}
	}
	if !alert.DedupHeld && current.DedupHeld {
		s.releaseHold(current.Key(), alert.ID)
	}
	alert.Version = int64(rev)
	return alert, nil
}

func (s *NATSStore) put(alert domain.Alert, expected uint64) (uint64, error) {
	alert.Version = 0
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertsKV.Update(alert.ID, body, expected)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	return rev, nil
}

// List scans alerts bucket and filters in memory.
func (s *NATSStore) List(ctx context.Context, filter Filter) ([]domain.Alert, error) {
	keys, err := s.alertsKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []domain.Alert{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.Alert, 0, len(keys))
	for _, key := range keys {
		alert, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(alert) {
			out = append(out, alert)
		}
	}
	return sortAndPage(out, filter), nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
