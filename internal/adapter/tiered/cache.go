// Package tiered composes two cache levels behind the single cache port.
// serve pairs the in-process ristretto cache (L1) with the shared NATS KV
// bucket (L2) so engine probes and webhook resolutions survive restarts and
// are shared across replicas.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/port/cache"
)

// Cache reads through L1 then L2 and writes through both. An L2 hit is
// copied into L1 with the backfill TTL so repeat reads stay local.
type Cache struct {
	l1          cache.Cache
	l2          cache.Cache
	backfillTTL time.Duration
}

// New composes l1 and l2. backfillTTL bounds how long an entry copied up
// from L2 may outlive its bucket-side expiry.
func New(l1, l2 cache.Cache, backfillTTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, backfillTTL: backfillTTL}
}

// Get returns the first hit across levels. A failing level does not mask a
// hit on the other one; errors surface only when both levels miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, l1Err := c.l1.Get(ctx, key)
	if found {
		return val, true, nil
	}

	val, found, l2Err := c.l2.Get(ctx, key)
	if found {
		// Keep the next read local. Best effort: the L2 copy stands
		// either way.
		_ = c.l1.Set(ctx, key, val, c.backfillTTL)
		return val, true, nil
	}
	return nil, false, errors.Join(l1Err, l2Err)
}

// Set writes through to both levels. Both writes are attempted even when
// the first fails, so one flaky level cannot leave the other stale.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Join(
		c.l1.Set(ctx, key, value, ttl),
		c.l2.Set(ctx, key, value, ttl),
	)
}

// Delete invalidates both levels. An entry left in L2 would be backfilled
// into L1 on the next read, so deletion must reach both.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(
		c.l1.Delete(ctx, key),
		c.l2.Delete(ctx, key),
	)
}
