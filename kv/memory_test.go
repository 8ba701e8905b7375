package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmesh/tripmesh/errors"
)

func newClockedStore() (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })
	return store, &now
}

func TestGetSetAndExpiry(t *testing.T) {
	store, now := newClockedStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	*now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestSetNXHonorsExistingKey(t *testing.T) {
	store, now := newClockedStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lease", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lease", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := store.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, "a", value, "losing SetNX must not overwrite")

	// Past the TTL the key is free again
	*now = now.Add(2 * time.Minute)
	ok, err = store.SetNX(ctx, "lease", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeysMatchesGlobs(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "draft:room1:day:0", "a", 0))
	require.NoError(t, store.Set(ctx, "draft:room1:day:2", "b", 0))
	require.NoError(t, store.Set(ctx, "draft:room2:day:0", "c", 0))

	keys, err := store.Keys(ctx, "draft:room1:day:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.NotContains(t, keys, "draft:room2:day:0")
}

func TestListPushTrimRange(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.LPush(ctx, "recent", v))
	}
	require.NoError(t, store.LTrim(ctx, "recent", 0, 2))

	list, err := store.LRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, list)

	empty, err := store.LRange(ctx, "nothing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPubSubPatternRouting(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()

	sub, err := store.PSubscribe(ctx, "room:schedule:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "room:schedule:room1", "hit"))
	require.NoError(t, store.Publish(ctx, "room:vote:room1", "miss"))
	require.NoError(t, store.Publish(ctx, "room:schedule:room2", "hit2"))

	msg := <-sub.Messages()
	assert.Equal(t, "room:schedule:room1", msg.Channel)
	assert.Equal(t, "hit", msg.Payload)

	msg = <-sub.Messages()
	assert.Equal(t, "room:schedule:room2", msg.Channel)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	store, _ := newClockedStore()

	sub, err := store.PSubscribe(context.Background(), "*")
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, open := <-sub.Messages()
	assert.False(t, open, "subscription channel should close with the store")
	assert.Error(t, store.Ping(context.Background()))
}
