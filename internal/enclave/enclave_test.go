package enclave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCreateSealCleanup(t *testing.T) {
	svc := NewMemoryService("git@example.com:org/repo.git", zaptest.NewLogger(t))
	ctx := context.Background()

	enc, err := svc.Create(ctx, Request{AgentDID: "did:loom:exec-1", Scope: "workspace"})
	require.NoError(t, err)
	assert.Equal(t, "workspace", enc.Scope)
	assert.Equal(t, "git@example.com:org/repo.git", enc.Repository)
	assert.Equal(t, 1, svc.Active())

	require.NoError(t, svc.Seal(ctx, enc.ID))
	assert.ErrorIs(t, svc.Seal(ctx, enc.ID), ErrSealed)

	assert.Equal(t, 1, svc.CleanupExpired(ctx))
	assert.Equal(t, 0, svc.Active())
}

func TestCleanupRemovesExpired(t *testing.T) {
	svc := NewMemoryService("repo", zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.Create(ctx, Request{AgentDID: "did:loom:a", Scope: "workspace", TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = svc.Create(ctx, Request{AgentDID: "did:loom:b", Scope: "workspace", TTL: time.Hour})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, svc.CleanupExpired(ctx))
	assert.Equal(t, 1, svc.Active())
}

func TestSealUnknown(t *testing.T) {
	svc := NewMemoryService("repo", zaptest.NewLogger(t))
	assert.ErrorIs(t, svc.Seal(context.Background(), "nope"), ErrNotFound)
}

func TestDisabledService(t *testing.T) {
	var svc Service = Disabled{}
	_, err := svc.Create(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 0, svc.CleanupExpired(context.Background()))
}
