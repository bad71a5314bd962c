package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "tc:journal:"
	redisIndexKey     = "tc:journal:index"
	maxTxRetries      = 5
)

// RedisStore keeps each record as one JSON value and an index sorted set
// scored by creation time. Mutations use WATCH/MULTI so concurrent writers
// never lose a burn.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func recordKey(id string) string { return redisRecordPrefix + id }

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	now := s.now()
	rec = cloneRecord(rec)
	rec.CreatedAt, rec.UpdatedAt = now, now
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err := s.client.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: rec.ID}).Err(); err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	return nil
}

// mutate applies fn to the stored record inside an optimistic transaction.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Record) error) error {
	key := recordKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update record %s: too much contention", id)
}

func (s *RedisStore) AppendBurn(ctx context.Context, id string, burn Burn) error {
	now := s.now()
	return s.mutate(ctx, id, func(rec *Record) error {
		return appendBurn(rec, burn, now)
	})
}

func (s *RedisStore) UpdateState(ctx context.Context, id string, upd StateUpdate) error {
	now := s.now()
	return s.mutate(ctx, id, func(rec *Record) error {
		applyUpdate(rec, upd, now)
		return nil
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // index entry outlived its record
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
