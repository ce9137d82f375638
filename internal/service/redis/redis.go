package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Service wraps the redis client with the list and KV operations the
	// relay uses for offline message queues and presence snapshots.
	Service struct {
		rdb *redis.Client
	}
)

func New(rdb *redis.Client) *Service {
	return &Service{
		rdb: rdb,
	}
}

func (r *Service) RPush(ctx context.Context, key string, values ...any) error {
	return r.rdb.RPush(ctx, key, values...).Err()
}

// LTrim keeps only the newest n entries of a list, bounding offline queues.
func (r *Service) LTrim(ctx context.Context, key string, n int64) error {
	return r.rdb.LTrim(ctx, key, -n, -1).Err()
}

func (r *Service) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *Service) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value for key, or "" with no error when the key is absent.
func (r *Service) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
