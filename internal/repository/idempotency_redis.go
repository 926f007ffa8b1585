package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/redis/go-redis/v9"
)

const idempotencyKeyPrefix = "idem:"

// RedisIdempotencyStore keeps each record as a JSON string whose TTL is the
// record's expiry. SET NX is the conditional insert.
type RedisIdempotencyStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisIdempotencyStore(rdb *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

func (s *RedisIdempotencyStore) Create(ctx context.Context, rec *model.IdempotencyRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return errors.New("idempotency record already expired")
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, idempotencyKeyPrefix+rec.Key, b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	b, err := s.rdb.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisIdempotencyStore) SaveResponse(ctx context.Context, key string, resp model.CapturedResponse) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	rec.Response = &resp

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.rdb.SetArgs(ctx, idempotencyKeyPrefix+key, b, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}
