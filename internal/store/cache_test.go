package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	memkv "github.com/tokencollector/collector-backend/pkg/kv/memory"
	"go.uber.org/zap"
)

func TestInMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache(zap.NewNop().Sugar(), nil)
	defer cache.Close()
	require.True(t, cache.IsInMemoryMode())

	ctx := context.Background()
	key := AttestationKey(6, "0xabc")

	var missing map[string]string
	assert.ErrorIs(t, cache.Get(ctx, key, &missing), ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, key, map[string]string{"status": "complete"}, time.Minute))

	var got map[string]string
	require.NoError(t, cache.Get(ctx, key, &got))
	assert.Equal(t, "complete", got["status"])

	require.NoError(t, cache.Delete(ctx, key))
	assert.ErrorIs(t, cache.Get(ctx, key, &got), ErrCacheMiss)
}

func TestInMemoryCacheExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newCacheWithStore(memkv.New(0, memkv.WithClock(func() time.Time { return now })), nil, nil)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", 1, time.Second))

	var v int
	require.NoError(t, cache.Get(ctx, "k", &v))
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, cache.Get(ctx, "k", &v), ErrCacheMiss)
}

func TestCacheUnreachableRedisFallsBackToMemory(t *testing.T) {
	cache, err := NewCache("127.0.0.1:1", zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	defer cache.Close()

	assert.True(t, cache.IsInMemoryMode())
	assert.Nil(t, cache.Client())
	assert.NoError(t, cache.Ping(context.Background()))

	require.NoError(t, cache.Set(context.Background(), BalancesKey("0x1"), []int{1, 2}, 0))
	var got []int
	require.NoError(t, cache.Get(context.Background(), BalancesKey("0x1"), &got))
	assert.Equal(t, []int{1, 2}, got)
}

func TestInMemoryPubSub(t *testing.T) {
	cache := NewMemoryCache(zap.NewNop().Sugar(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := cache.Subscribe(ctx, ChannelTransferState)
	defer sub.Close()

	require.NoError(t, cache.Publish(ctx, ChannelTransferState, map[string]string{"state": "burning"}))
	require.NoError(t, cache.Publish(ctx, "other", map[string]string{"state": "ignored"}))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, ChannelTransferState, msg.Channel)
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
		assert.Equal(t, "burning", payload["state"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pubsub message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubHubClosesOnContextCancel(t *testing.T) {
	hub := NewPubSubHub()
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "c")
	cancel()

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 0
	}, time.Second, 10*time.Millisecond)
}
