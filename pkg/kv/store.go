// Package kv is a small Redis-like key-value abstraction with an in-memory
// backend and a go-redis adapter. The cache runs on whichever one is
// reachable at startup.
//
//	s := memory.NewStore()
//	defer s.Close()
//
//	if err := s.Set(ctx, "key", []byte("value"), 10*time.Second); err != nil {
//		return err
//	}
//	value, err := s.Get(ctx, "key")
//	if errors.Is(err, kv.ErrNotFound) {
//		// missing or expired
//	}
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or has expired
var ErrNotFound = errors.New("not found")

// ErrBackendUnavailable wraps connection failures of a remote backend
var ErrBackendUnavailable = errors.New("backend unavailable")

// Store is the subset of Redis string and key commands the service relies on.
type Store interface {
	// Set stores value under key. A missing or zero ttl keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	// TTL returns -1 for a key without expiry and ErrNotFound for a missing key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	Ping(ctx context.Context) error
	Close() error
}
