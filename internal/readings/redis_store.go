package readings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grainwatch/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps reading history in Redis sorted sets.
// Params: one ZSET per (cell, metric) scored by unix µs with nanosecond members; SETNX dedup keys expire with retention.
// Returns: store shared by several evaluator processes.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore creates Redis-backed reading store.
// Params: connected client, key prefix, and dedup retention.
// Returns: initialized store.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "grainwatch"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// SetRetention updates dedup key TTL after catalog changes.
func (s *RedisStore) SetRetention(retention time.Duration) {
	if retention > 0 {
		s.retention = retention
	}
}

func (s *RedisStore) seriesKey(cellID string, metric domain.Metric) string {
	return s.prefix + ":series:" + cellID + ":" + string(metric)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":series"
}

func (s *RedisStore) dedupKey(reading domain.Reading) string {
	return fmt.Sprintf("%s:dedup:%s:%s:%d", s.prefix, reading.SensorID, reading.Metric, reading.RecordedAt.UnixNano())
}

// Record adds reading to its series unless (sensor, metric, recordedAt) was seen.
// Params: validated reading.
// Returns: false for duplicates or Redis error.
func (s *RedisStore) Record(ctx context.Context, reading domain.Reading) (bool, error) {
	if err := reading.Validate(); err != nil {
		return false, err
	}
	dedup := s.dedupKey(reading)
	fresh, err := s.client.SetNX(ctx, dedup, 1, s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup %s: %w", dedup, err)
	}
	if !fresh {
		return false, nil
	}

	key := s.seriesKey(reading.CellID, reading.Metric)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(reading.RecordedAt.UnixMicro()), Member: encodeMember(reading)})
		pipe.SAdd(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, dedup).Err()
		return false, fmt.Errorf("redis record %s: %w", key, err)
	}
	return true, nil
}

// Latest returns newest reading for series.
func (s *RedisStore) Latest(ctx context.Context, cellID string, metric domain.Metric) (*domain.Reading, error) {
	return s.newestUpTo(ctx, cellID, metric, nil)
}

// AsOf returns newest reading recorded at or before at.
func (s *RedisStore) AsOf(ctx context.Context, cellID string, metric domain.Metric, at time.Time) (*domain.Reading, error) {
	return s.newestUpTo(ctx, cellID, metric, &at)
}

// newestUpTo walks scores downward; members sharing a µs score are compared at full precision.
func (s *RedisStore) newestUpTo(ctx context.Context, cellID string, metric domain.Metric, at *time.Time) (*domain.Reading, error) {
	key := s.seriesKey(cellID, metric)
	max := "+inf"
	if at != nil {
		max = strconv.FormatInt(at.UnixMicro(), 10)
	}
	for {
		top, err := s.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max, Offset: 0, Count: 1}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("redis range %s: %w", key, err)
		}
		if len(top) == 0 {
			return nil, nil
		}
		score := strconv.FormatInt(int64(top[0].Score), 10)
		ties, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis range %s: %w", key, err)
		}
		var best *domain.Reading
		for _, member := range ties {
			reading, err := decodeMember(member, cellID, metric)
			if err != nil {
				return nil, fmt.Errorf("redis decode %s: %w", key, err)
			}
			if at != nil && reading.RecordedAt.After(*at) {
				continue
			}
			if best == nil || before(*best, reading) {
				candidate := reading
				best = &candidate
			}
		}
		if best != nil {
			return best, nil
		}
		max = "(" + score
	}
}

// Prune trims every series to readings after cutoff plus one anchor at or before it.
func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list series: %w", err)
	}
	removed := 0
	for _, key := range keys {
		cellID, metric, ok := s.parseSeriesKey(key)
		if !ok {
			continue
		}
		anchor, err := s.newestUpTo(ctx, cellID, metric, &cutoff)
		if err != nil {
			return removed, err
		}
		if anchor == nil {
			continue
		}
		n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(anchor.RecordedAt.UnixMicro(), 10)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis prune %s: %w", key, err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *RedisStore) parseSeriesKey(key string) (string, domain.Metric, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+":series:")
	if !ok {
		return "", "", false
	}
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		return "", "", false
	}
	return rest[:sep], domain.Metric(rest[sep+1:]), true
}

// Close closes Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeMember(reading domain.Reading) string {
	return reading.SensorID + "|" + strconv.FormatInt(reading.RecordedAt.UnixNano(), 10) + "|" + strconv.FormatFloat(reading.Value, 'g', -1, 64)
}

func decodeMember(member, cellID string, metric domain.Metric) (domain.Reading, error) {
	lastSep := strings.LastIndex(member, "|")
	if lastSep <= 0 {
		return domain.Reading{}, fmt.Errorf("malformed member %q", member)
	}
	midSep := strings.LastIndex(member[:lastSep], "|")
	if midSep <= 0 {
		return domain.Reading{}, fmt.Errorf("malformed member %q", member)
	}
	nanos, err := strconv.ParseInt(member[midSep+1:lastSep], 10, 64)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("malformed timestamp in %q: %w", member, err)
	}
	value, err := strconv.ParseFloat(member[lastSep+1:], 64)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("malformed value in %q: %w", member, err)
	}
	return domain.Reading{
		SensorID:   member[:midSep],
		CellID:     cellID,
		Metric:     metric,
		Value:      value,
		RecordedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
