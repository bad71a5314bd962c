package journal_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/journal/journaltest"
	"go.uber.org/zap"
)

func TestMemoryStore(t *testing.T) {
	journaltest.RunConformanceTests(t, func(t *testing.T) journal.Store {
		return journal.NewMemoryStore()
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TC_TEST_REDIS_ADDR not set, skipping Redis journal tests")
	}
	journaltest.RunConformanceTests(t, func(t *testing.T) journal.Store {
		s, err := journal.OpenRedis(context.Background(), addr)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TC_TEST_POSTGRES_DSN not set, skipping Postgres journal tests")
	}
	journaltest.RunConformanceTests(t, func(t *testing.T) journal.Store {
		s, err := journal.OpenPostgres(context.Background(), dsn, true)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenSelectsBackend(t *testing.T) {
	logger := zap.NewNop().Sugar()

	s, err := journal.Open(context.Background(), journal.Config{Backend: journal.BackendRedis, RedisAddr: "127.0.0.1:1"}, logger)
	require.Error(t, err, "an unreachable durable backend must not degrade to memory")
	assert.Nil(t, s)

	_, err = journal.Open(context.Background(), journal.Config{Backend: journal.BackendPostgres, PostgresDSN: "postgres://tc@127.0.0.1:1/tc?sslmode=disable&connect_timeout=1"}, logger)
	require.Error(t, err)

	s, err = journal.Open(context.Background(), journal.Config{Backend: journal.BackendMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &journal.MemoryStore{}, s)

	_, err = journal.Open(context.Background(), journal.Config{Backend: "sqlite"}, logger)
	assert.Error(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := journal.NewMemoryStore()
	require.NoError(t, s.Create(ctx, journal.Record{ID: "a", SourceChainIDs: []uint64{1}, Amounts: []string{"1"}}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.SourceChainIDs[0] = 99
	got.Burns = append(got.Burns, journal.Burn{SourceChainID: 1})

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, again.SourceChainIDs)
	assert.Empty(t, again.Burns)
}
