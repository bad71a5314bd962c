package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tokencollector/collector-backend/pkg/kv"
)

const defaultJanitorInterval = 30 * time.Second

// Store is an in-memory kv.Store. Expired keys are dropped on access and by
// an optional background janitor.
type Store struct {
	mu          sync.RWMutex
	values      map[string][]byte
	expirations map[string]time.Time
	now         func() time.Time

	janitorInterval time.Duration
	janitorStop     chan struct{}
	janitorDone     chan struct{}
	closeOnce       sync.Once
}

type Option func(*Store)

// WithClock replaces time.Now, for tests that step over expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store. A zero janitorInterval disables background eviction.
func New(janitorInterval time.Duration, opts ...Option) *Store {
	s := &Store{
		values:          make(map[string][]byte),
		expirations:     make(map[string]time.Time),
		now:             time.Now,
		janitorInterval: janitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if janitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}
	return s
}

// NewStore creates a store with the default janitor interval
func NewStore() *Store {
	return New(defaultJanitorInterval)
}

func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			s.deleteLocked(key)
		}
	}
}

// liveLocked reports whether key exists and has not expired. Caller holds mu.
func (s *Store) liveLocked(key string, now time.Time) bool {
	if _, ok := s.values[key]; !ok {
		return false
	}
	if expiry, ok := s.expirations[key]; ok && now.After(expiry) {
		return false
	}
	return true
}

func (s *Store) deleteLocked(key string) {
	delete(s.values, key)
	delete(s.expirations, key)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = s.now().Add(ttl[0])
	} else {
		delete(s.expirations, key)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveLocked(key, s.now()) {
		s.deleteLocked(key)
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), s.values[key]...), nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for _, key := range keys {
		if s.liveLocked(key, now) {
			deleted++
		}
		s.deleteLocked(key)
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var n int64
	for _, key := range keys {
		if s.liveLocked(key, now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	if !s.liveLocked(key, now) {
		return 0, kv.ErrNotFound
	}
	expiry, ok := s.expirations[key]
	if !ok {
		return -1, nil
	}
	return expiry.Sub(now), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor and drops all keys.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
		<-s.janitorDone

		s.mu.Lock()
		s.values = make(map[string][]byte)
		s.expirations = make(map[string]time.Time)
		s.mu.Unlock()
	})
	return nil
}

var _ kv.Store = (*Store)(nil)
