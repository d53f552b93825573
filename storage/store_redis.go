package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ SecureStore = (*RedisStore)(nil)

// RedisStore keeps items as plain redis strings under a key prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("[NewRedisStore] redis client is required")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key is required")
	}
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "[RedisStore.GetItem]")
	}
	return value, true, nil
}

func (s *RedisStore) SetItem(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}
	return errors.Wrap(s.client.Set(ctx, s.prefix+key, value, 0).Err(), "[RedisStore.SetItem]")
}

func (s *RedisStore) RemoveItem(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	return errors.Wrap(s.client.Del(ctx, s.prefix+key).Err(), "[RedisStore.RemoveItem]")
}
