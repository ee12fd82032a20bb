package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"
)

// RedisStore is a store capability backed by Redis, for embedders that share
// state between processes. Values are stored as JSON.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects a store capability to Redis.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentvm:"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get reads and decodes the value under key, nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (any, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("redis get %s: decode: %w", key, err)
	}
	return out, nil
}

// Set encodes and writes the value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis set %s: encode: %w", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Query scans keys and filters their JSON bodies with a gjson path. The
// query shape is {"prefix"?: keyPrefix, "path": gjsonPath, "equals"?: value}.
func (s *RedisStore) Query(ctx context.Context, q any) ([]any, error) {
	spec, ok := q.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query must be an object")
	}
	keyPrefix, _ := spec["prefix"].(string)
	path, _ := spec["path"].(string)
	equals, hasEquals := spec["equals"]

	pattern := s.prefix + keyPrefix + "*"
	var out []any
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			if path != "" {
				got := gjson.Get(raw, path)
				if !got.Exists() {
					continue
				}
				if hasEquals && fmt.Sprint(got.Value()) != fmt.Sprint(equals) {
					continue
				}
			}
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				continue
			}
			out = append(out, v)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// strip removes the store prefix from a raw Redis key.
func (s *RedisStore) strip(key string) string {
	return strings.TrimPrefix(key, s.prefix)
}
