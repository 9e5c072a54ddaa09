package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

const (
	traceKeyPrefix   = "loom:trace:"
	traceTimeIndex   = "loom:traces:by_time"
	traceAgentIndex  = "loom:traces:agent:"
	traceActionIndex = "loom:traces:action:"
)

// RedisStore is a Redis-backed trace store. Each trace is one JSON value
// written with SETNX so concurrent appends of the same id serialize to a
// single winner; sorted sets index by agent, action type, and start time.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. ttl of zero
// keeps traces forever (the usual provenance setting).
func NewRedisStore(addr, password string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// Store appends a trace; duplicates are rejected.
func (s *RedisStore) Store(ctx context.Context, trace *Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace must carry an id")
	}
	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	ok, err := s.client.SetNX(ctx, traceKeyPrefix+trace.ID, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store trace %s: %w", trace.ID, err)
	}
	if !ok {
		metrics.TraceStoreRejections.Inc()
		return fmt.Errorf("store trace %s: %w", trace.ID, ErrDuplicateTrace)
	}

	score := float64(trace.StartedAt.UnixNano())
	member := redis.Z{Score: score, Member: trace.ID}
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, traceTimeIndex, member)
	pipe.ZAdd(ctx, traceAgentIndex+trace.WasAssociatedWith.AgentDID, member)
	pipe.ZAdd(ctx, traceActionIndex+trace.ActionType(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index trace %s: %w", trace.ID, err)
	}

	metrics.TracesStored.Inc()
	return nil
}

// Query returns traces matching q ordered by descending StartedAt.
func (s *RedisStore) Query(ctx context.Context, q Query) ([]*Trace, error) {
	index := traceTimeIndex
	switch {
	case q.AgentDID != "":
		index = traceAgentIndex + q.AgentDID
	case q.ActionType != "":
		index = traceActionIndex + q.ActionType
	}

	min, max := "-inf", "+inf"
	if !q.FromTime.IsZero() {
		min = strconv.FormatInt(q.FromTime.UnixNano(), 10)
	}
	if !q.ToTime.IsZero() {
		max = strconv.FormatInt(q.ToTime.UnixNano(), 10)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("query trace index: %w", err)
	}

	// Offset/limit apply after residual filtering, so fetch and filter all
	// candidates from the chosen index.
	out := make([]*Trace, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetByID(ctx, id)
		if err != nil {
			// Index entry without a value: skip rather than fail the query.
			s.logger.Warn("Trace index entry missing value", zap.String("trace_id", id))
			continue
		}
		if q.matches(t) {
			out = append(out, t)
		}
	}
	return q.window(out), nil
}

// GetByID fetches one trace.
func (s *RedisStore) GetByID(ctx context.Context, id string) (*Trace, error) {
	data, err := s.client.Get(ctx, traceKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", id, err)
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trace %s: %w", id, err)
	}
	return &t, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
