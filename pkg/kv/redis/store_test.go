package redis

import (
	"context"
	"errors"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/tokencollector/collector-backend/pkg/kv"
	"github.com/tokencollector/collector-backend/pkg/kv/kvtest"
)

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TC_TEST_REDIS_ADDR not set, skipping Redis kv tests")
	}

	kvtest.RunConformanceTests(t, func(t *testing.T) kv.Store {
		s := New(addr)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("redis ping: %v", err)
		}
		_, _ = s.Del(context.Background(), "kvtest:a", "kvtest:o", "kvtest:d1", "kvtest:d2", "kvtest:t", "kvtest:e")
		return s
	})
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(goredis.Nil))
	assert.False(t, IsConnectionError(context.Canceled))
	assert.True(t, IsConnectionError(errors.New("dial tcp 127.0.0.1:1: connect: connection refused")))
	assert.False(t, IsConnectionError(errors.New("WRONGTYPE Operation against a key")))
}

func TestUnreachableServerIsBackendUnavailable(t *testing.T) {
	s := New("127.0.0.1:1")
	defer s.Close()

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, kv.ErrBackendUnavailable)
}
