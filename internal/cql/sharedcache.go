package cql

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedCache is the optional L2 tier for compiled libraries
// (SPEC_FULL.md §4.11, "optional shared L2 cache"). A nil SharedCache
// degrades LibraryCache to L1-only.
type SharedCache interface {
	Get(ctx context.Context, key string) (CompiledLibrary, bool, error)
	Set(ctx context.Context, key string, lib CompiledLibrary, ttl time.Duration) error
}

// RedisSharedCache implements SharedCache over go-redis/v9, storing each
// compiled library as a JSON blob under a namespaced key.
type RedisSharedCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSharedCache(client *redis.Client) *RedisSharedCache {
	return &RedisSharedCache{client: client, prefix: "cql:library:"}
}

func (r *RedisSharedCache) Get(ctx context.Context, key string) (CompiledLibrary, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return CompiledLibrary{}, false, nil
	}
	if err != nil {
		return CompiledLibrary{}, false, err
	}
	var lib CompiledLibrary
	if err := json.Unmarshal(raw, &lib); err != nil {
		return CompiledLibrary{}, false, err
	}
	return lib, true, nil
}

func (r *RedisSharedCache) Set(ctx context.Context, key string, lib CompiledLibrary, ttl time.Duration) error {
	raw, err := json.Marshal(lib)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, raw, ttl).Err()
}
