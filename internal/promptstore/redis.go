package promptstore

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces prompt keys written by the call-creation service.
const RedisKeyPrefix = "prompt:"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) LookupPrompt(ctx context.Context, callID string) (string, error) {
	prompt, err := s.client.Get(ctx, RedisKeyPrefix+callID).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "get prompt")
	}
	return prompt, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
