// Package cache holds derived read models that are cheap to rebuild.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	overviewKey           = "surveyhub:overview"
	overviewGenerationKey = "surveyhub:overview:gen"
)

// OverviewCache keeps the encoded survey overview in Redis. Every committed
// mutation invalidates it and bumps a generation counter. A payload built
// under an older generation is never stored, so a rebuild that raced with a
// mutation cannot put the old list back.
type OverviewCache struct {
	client *redis.Client
	key    string
	genKey string
	ttl    time.Duration
}

func NewOverviewCache(redisURL string, ttl time.Duration) (*OverviewCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewOverviewCacheWithClient(client, ttl), nil
}

func NewOverviewCacheWithClient(client *redis.Client, ttl time.Duration) *OverviewCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OverviewCache{client: client, key: overviewKey, genKey: overviewGenerationKey, ttl: ttl}
}

// Load returns the cached payload and whether it was present.
func (c *OverviewCache) Load(ctx context.Context) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load overview: %w", err)
	}
	return payload, true, nil
}

// Generation reads the invalidation counter. Callers take it before reading
// the data they are about to store.
func (c *OverviewCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load overview generation: %w", err)
	}
	return gen, nil
}

// Store writes the payload when the generation is still gen. It reports
// whether the payload was stored.
func (c *OverviewCache) Store(ctx context.Context, gen int64, payload []byte) (bool, error) {
	stored := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, c.genKey).Int64()
		if errors.Is(err, redis.Nil) {
			current, err = 0, nil
		}
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, payload, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, c.genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store overview: %w", err)
	}
	return stored, nil
}

func (c *OverviewCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate overview: %w", err)
	}
	return nil
}

func (c *OverviewCache) Close() error {
	return c.client.Close()
}
