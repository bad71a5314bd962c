// Package kvtest holds behavior tests every kv.Store backend must pass.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/pkg/kv"
)

// StoreFactory returns a fresh, empty store. Keys used by the suite are
// prefixed with "kvtest:".
type StoreFactory func(t *testing.T) kv.Store

func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, s kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetMissing", testGetMissing},
		{"Overwrite", testOverwrite},
		{"DelExists", testDelExists},
		{"TTL", testTTL},
		{"Expiry", testExpiry},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.test(t, s)
		})
	}
}

func testSetGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "kvtest:a", []byte("hello")))

	got, err := s.Get(ctx, "kvtest:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func testGetMissing(t *testing.T, s kv.Store) {
	_, err := s.Get(context.Background(), "kvtest:missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testOverwrite(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "kvtest:o", []byte("one"), time.Minute))
	require.NoError(t, s.Set(ctx, "kvtest:o", []byte("two")))

	got, err := s.Get(ctx, "kvtest:o")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	// a plain Set clears the earlier expiry
	ttl, err := s.TTL(ctx, "kvtest:o")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func testDelExists(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "kvtest:d1", []byte("1")))
	require.NoError(t, s.Set(ctx, "kvtest:d2", []byte("2")))

	n, err := s.Exists(ctx, "kvtest:d1", "kvtest:d2", "kvtest:d3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Del(ctx, "kvtest:d1", "kvtest:d3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "kvtest:d1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	n, err = s.Exists(ctx, "kvtest:d2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testTTL(t *testing.T, s kv.Store) {
	ctx := context.Background()
	_, err := s.TTL(ctx, "kvtest:none")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "kvtest:t", []byte("x"), time.Minute))
	ttl, err := s.TTL(ctx, "kvtest:t")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func testExpiry(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "kvtest:e", []byte("x"), time.Second))

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "kvtest:e")
		return err == kv.ErrNotFound
	}, 3*time.Second, 50*time.Millisecond)
}

func testPing(t *testing.T, s kv.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
