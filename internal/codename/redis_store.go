package codename

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one string key per session under a common prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. An empty prefix defaults to "sweetlink:codenames:".
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "sweetlink:codenames:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan codenames: %w", err)
	}

	names := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return names, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read codenames: %w", err)
	}
	for i, v := range values {
		name, ok := v.(string)
		if !ok {
			continue
		}
		names[strings.TrimPrefix(keys[i], s.prefix)] = name
	}
	return names, nil
}

func (s *RedisStore) Put(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, name := range entries {
			pipe.Set(ctx, s.key(id), name, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write codenames: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
