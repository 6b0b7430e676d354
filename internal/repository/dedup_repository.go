package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
)

// DeliveryDeduper remembers webhook delivery ids so re-deliveries are acknowledged
// without repeating side effects.
type DeliveryDeduper interface {
	// FirstDelivery records id and reports whether it had not been seen before.
	FirstDelivery(ctx context.Context, id string) (bool, error)
	// Forget drops id so a platform retry of a failed delivery is processed.
	Forget(ctx context.Context, id string) error
}

type redisDeduper struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisDeduper records ids under <prefix>:event:<id> for window.
func NewRedisDeduper(client *redis.Client, prefix string, window time.Duration) DeliveryDeduper {
	return &redisDeduper{client: client, prefix: prefix, window: window}
}

func (d *redisDeduper) key(id string) string {
	return fmt.Sprintf("%s:event:%s", d.prefix, id)
}

func (d *redisDeduper) FirstDelivery(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.key(id), 1, d.window).Result()
}

func (d *redisDeduper) Forget(ctx context.Context, id string) error {
	return d.client.Del(ctx, d.key(id)).Err()
}

type cacheDeduper struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
}

// NewCacheDeduper records ids in process memory; the cache life window bounds retention.
func NewCacheDeduper(cache *bigcache.BigCache) DeliveryDeduper {
	return &cacheDeduper{cache: cache}
}

func (d *cacheDeduper) FirstDelivery(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.cache.Get(id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, err
	}
	return true, d.cache.Set(id, []byte{1})
}

func (d *cacheDeduper) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cache.Delete(id); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}
