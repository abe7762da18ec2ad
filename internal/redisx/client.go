package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Deduper remembers processed ids. It is a fast path in front of the
// database, which stays the source of truth: a lost key only costs one
// extra, idempotent, pass through reconciliation.
type Deduper struct {
	R       redis.Cmdable
	Service string
	TTL     time.Duration
}

func (d *Deduper) key(id string) string { return fmt.Sprintf(KeyDedup, d.Service, id) }

func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	if d == nil || d.R == nil || id == "" {
		return false, nil
	}
	return Exists(ctx, d.R, d.key(id))
}

// Mark records id only after it was processed successfully, so a failed
// attempt is retried in full.
func (d *Deduper) Mark(ctx context.Context, id string) error {
	if d == nil || d.R == nil || id == "" {
		return nil
	}
	ttl := d.TTL
	if ttl == 0 {
		ttl = TTLDedup
	}
	return d.R.Set(ctx, d.key(id), "1", ttl).Err()
}

// StatusCache keeps the JSON status body of an order by external reference.
type StatusCache struct {
	R   redis.Cmdable
	TTL time.Duration
}

func (c *StatusCache) Get(ctx context.Context, ref string) ([]byte, bool) {
	if c == nil || c.R == nil {
		return nil, false
	}
	b, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, ref)).Bytes()
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func (c *StatusCache) Set(ctx context.Context, ref string, body []byte) error {
	if c == nil || c.R == nil {
		return nil
	}
	ttl := c.TTL
	if ttl == 0 {
		ttl = TTLStatusCache
	}
	return c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, ref), body, ttl).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, ref string) error {
	if c == nil || c.R == nil {
		return nil
	}
	return c.R.Del(ctx, fmt.Sprintf(KeyOrderStatus, ref)).Err()
}
