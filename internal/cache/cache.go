/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/rosterhq/roster/config"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
)

// ErrMiss is returned by Get when the key is not cached.
var ErrMiss = cache.ErrCacheMiss

// Cache is the read-through cache in front of transfer reads and the tenant-scoped entries
// the club pages are served from.
type Cache interface {
	// Set stores a value with the given time-to-live.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the cached value into data. It returns ErrMiss when the key is absent.
	Get(ctx context.Context, key string, data interface{}) error

	Delete(ctx context.Context, key string) error

	// Invalidate removes every key matching a Redis glob pattern and reports how many
	// keys were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// RedisCache keeps entries in Redis with a short-lived TinyLFU layer in process memory.
type RedisCache struct {
	client redis.UniversalClient
	cache  *cache.Cache
}

// NewCache connects to the configured Redis instance.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	client, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(client.Client()), nil
}

const (
	cacheSize     = 128000
	localCacheTTL = 10 * time.Second
	scanBatch     = 100
)

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, localCacheTTL),
	})
	return &RedisCache{client: client, cache: c}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	return r.cache.Get(ctx, key, data)
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	keys, err := r.matchingKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := r.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (r *RedisCache) matchingKeys(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := r.client.(*redis.ClusterClient)
	if !ok {
		return scanKeys(ctx, r.client, pattern)
	}

	var mu sync.Mutex
	var keys []string
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func scanKeys(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
