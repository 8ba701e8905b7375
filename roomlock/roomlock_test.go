package roomlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/kv"
)

func newTestService(t *testing.T) (*Service, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	svc := NewService(store, map[string]time.Duration{
		"ai-schedule": 5 * time.Minute,
		"ai-route":    3 * time.Minute,
	}, zap.NewNop().Sugar())
	return svc, store
}

func TestAcquireIsExclusive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acquired, err := svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	assert.False(t, acquired, "second acquire while held should fail")

	svc.Release(ctx, "room1", "ai-schedule", -1)

	acquired, err = svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	assert.True(t, acquired, "acquire after release should succeed")
}

func TestLocksAreScopedByRoomAndTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acquired, err := svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	require.True(t, acquired)

	// A different room and a different task are both unaffected
	acquired, err = svc.Acquire(ctx, "room2", "ai-schedule", -1)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = svc.Acquire(ctx, "room1", "ai-route", 0)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRouteLocksAreScopedByDay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acquired, err := svc.Acquire(ctx, "room1", "ai-route", 1)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = svc.Acquire(ctx, "room1", "ai-route", 2)
	require.NoError(t, err)
	assert.True(t, acquired, "a different day is an independent lock")

	acquired, err = svc.Acquire(ctx, "room1", "ai-route", 1)
	require.NoError(t, err)
	assert.False(t, acquired, "the same day is still held")
}

func TestLeaseExpiresViaTTL(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	acquired, err := svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	require.True(t, acquired)

	// A crashed holder never releases; the TTL reaps the lease
	now = now.Add(6 * time.Minute)

	acquired, err = svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lease should be acquirable")
}

func TestSetTTLHotReload(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	svc.SetTTL("ai-schedule", 30*time.Second)

	acquired, err := svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	require.True(t, acquired)

	now = now.Add(time.Minute)

	acquired, err = svc.Acquire(ctx, "room1", "ai-schedule", -1)
	require.NoError(t, err)
	assert.True(t, acquired, "lease should expire under the reloaded TTL")
}
