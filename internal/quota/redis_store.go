package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each usage record in a hash with "count" and
// "created_at" fields.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var (
	_ Store    = (*RedisStore)(nil)
	_ Resetter = (*RedisStore)(nil)
)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "quota:user:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "quota:user:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

// incrementScript creates the record on first use and increments it.
// KEYS[1] = record hash key
// ARGV[1] = created_at (unix millis)
var incrementScript = redis.NewScript(`
redis.call("HSETNX", KEYS[1], "created_at", ARGV[1])
return redis.call("HINCRBY", KEYS[1], "count", 1)
`)

func (s *RedisStore) Get(ctx context.Context, userID string) (*UsageRecord, error) {
	vals, err := s.client.HMGet(ctx, s.key(userID), "count", "created_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	if vals[0] == nil {
		return nil, ErrNotFound
	}

	rec := &UsageRecord{UserID: userID}
	countStr, _ := vals[0].(string)
	if rec.Count, err = strconv.Atoi(countStr); err != nil {
		return nil, fmt.Errorf("corrupt usage count for %s: %w", userID, err)
	}
	if createdStr, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(createdStr, 10, 64); err == nil {
			rec.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return rec, nil
}

func (s *RedisStore) CreateOrIncrement(ctx context.Context, userID string) (int, error) {
	count, err := incrementScript.Run(ctx, s.client,
		[]string{s.key(userID)},
		s.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Reset(ctx context.Context, userID string) error {
	n, err := s.client.Del(ctx, s.key(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
