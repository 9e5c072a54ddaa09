package sharedctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LocalEmitter fans changes out to subscribed replicas in-process. Used for
// tests and single-process deployments.
type LocalEmitter struct {
	mu   sync.RWMutex
	subs []chan *Change
}

// NewLocalEmitter returns an emitter with no subscribers.
func NewLocalEmitter() *LocalEmitter {
	return &LocalEmitter{}
}

// Subscribe returns a channel receiving every emitted change. buffer bounds
// the channel; a full subscriber drops changes rather than blocking the
// emitting replica.
func (e *LocalEmitter) Subscribe(buffer int) <-chan *Change {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Change, buffer)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Emit delivers the change to every subscriber.
func (e *LocalEmitter) Emit(_ context.Context, change *Change) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}

// RedisEmitter broadcasts changes over a Redis pub/sub channel per context,
// connecting replicas across processes.
type RedisEmitter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisEmitter wraps an existing Redis client.
func NewRedisEmitter(client *redis.Client, logger *zap.Logger) *RedisEmitter {
	return &RedisEmitter{client: client, logger: logger}
}

func changeChannel(contextID string) string {
	return "loom:sharedctx:" + contextID
}

// Emit publishes the change as JSON.
func (e *RedisEmitter) Emit(ctx context.Context, change *Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := e.client.Publish(ctx, changeChannel(change.ContextID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Listen subscribes to a context's change channel and applies remote changes
// to the replica until ctx is cancelled. Changes originated by the replica
// itself are skipped.
func (e *RedisEmitter) Listen(ctx context.Context, sc *SharedContext) error {
	sub := e.client.Subscribe(ctx, changeChannel(sc.ID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				e.logger.Warn("Malformed change payload", zap.Error(err))
				continue
			}
			if change.ReplicaID == sc.ReplicaID {
				continue
			}
			if err := sc.ApplyRemote(&change); err != nil {
				e.logger.Warn("Remote change rejected",
					zap.String("context_id", sc.ID),
					zap.String("change_id", change.ID),
					zap.Error(err),
				)
			}
		}
	}
}
