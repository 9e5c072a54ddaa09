package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/internal/metrics"
)

const redisKeyPrefix = "loom:checkpoint:"

// RedisStore persists checkpoints in a sorted set per workflow, scored by
// creation time, with the payloads in a hash keyed by checkpoint id.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. ttl bounds how long
// checkpoint keys live; zero means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) indexKey(workflowID string) string {
	return redisKeyPrefix + "index:" + workflowID
}

func (s *RedisStore) dataKey(workflowID string) string {
	return redisKeyPrefix + "data:" + workflowID
}

// Create stores the snapshot unless an identical-content checkpoint already
// exists for the workflow.
func (s *RedisStore) Create(ctx context.Context, snapshot *Snapshot) (*Checkpoint, error) {
	hash, err := hashSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		ID:          checkpointID(snapshot.WorkflowID, hash),
		WorkflowID:  snapshot.WorkflowID,
		ContentHash: hash,
		CreatedAt:   time.Now(),
		Snapshot:    snapshot,
	}

	existing, err := s.client.HGet(ctx, s.dataKey(snapshot.WorkflowID), cp.ID).Result()
	if err == nil && existing != "" {
		var prev Checkpoint
		if jsonErr := json.Unmarshal([]byte(existing), &prev); jsonErr == nil {
			return &prev, nil
		}
	} else if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.dataKey(cp.WorkflowID), cp.ID, payload)
	pipe.ZAdd(ctx, s.indexKey(cp.WorkflowID), redis.Z{
		Score:  float64(cp.CreatedAt.UnixNano()),
		Member: cp.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.dataKey(cp.WorkflowID), s.ttl)
		pipe.Expire(ctx, s.indexKey(cp.WorkflowID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}

	metrics.CheckpointsCreated.Inc()
	return cp, nil
}

// Resume loads the latest snapshot for the workflow.
func (s *RedisStore) Resume(ctx context.Context, workflowID string) (*Snapshot, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(workflowID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	raw, err := s.client.HGet(ctx, s.dataKey(workflowID), ids[0]).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	metrics.CheckpointsResumed.Inc()
	return cp.Snapshot, nil
}

// PruneKeepLatest drops all but the newest keep checkpoints for a workflow.
func (s *RedisStore) PruneKeepLatest(ctx context.Context, workflowID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(workflowID), int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("read checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HDel(ctx, s.dataKey(workflowID), ids...)
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.ZRem(ctx, s.indexKey(workflowID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}
