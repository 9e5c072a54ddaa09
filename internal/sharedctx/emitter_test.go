package sharedctx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisEmitterRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	emitter := NewRedisEmitter(client, logger)

	a, err := New(Config{ID: "ctx-r", ReplicaID: "r1", OwnerDID: "did:loom:owner", Emitter: emitter, Logger: logger})
	require.NoError(t, err)
	b, err := New(Config{ID: "ctx-r", ReplicaID: "r2", OwnerDID: "did:loom:owner", Emitter: emitter, Logger: logger})
	require.NoError(t, err)

	listenCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = emitter.Listen(listenCtx, b)
	}()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.AddNode(context.Background(), "did:loom:owner", "n1", "task"))

	assert.Eventually(t, func() bool {
		_, ok := b.Node("n1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalEmitterDropsWhenFull(t *testing.T) {
	emitter := NewLocalEmitter()
	ch := emitter.Subscribe(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, emitter.Emit(context.Background(), &Change{ID: "c"}))
	}

	// One buffered change; the rest were dropped instead of blocking.
	<-ch
	select {
	case <-ch:
		t.Fatal("expected overflow changes to be dropped")
	default:
	}
}
