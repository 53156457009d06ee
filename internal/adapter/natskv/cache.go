// Package natskv adapts a NATS JetStream KeyValue bucket to the cache port.
// It is the shared L2 level of the tiered cache: every replica pointed at
// the same bucket sees the same probe results and webhook resolutions.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache implements the cache port over one KeyValue bucket. JetStream keys
// expire by bucket MaxAge, not per entry, so the TTL passed to Set is
// ignored; the bucket is created with the L2 lifetime.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps an existing KeyValue bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get returns the stored value. An unknown key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nats kv get: %w", err)
	}
	return entry.Value(), true, nil
}

// Set stores value under key. Expiry is governed by the bucket's MaxAge;
// the ttl argument exists to satisfy the port.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("nats kv put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is fine.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats kv delete: %w", err)
	}
	return nil
}

// keySafe is the JetStream KeyValue key charset minus '=', which encodeKey
// reserves as its escape byte.
const keySafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789/_.-"

// encodeKey maps arbitrary cache keys onto JetStream's restricted charset.
// Safe bytes pass through; everything else (the colons in "engine:avail:x",
// for one) becomes "=XX". Escaping '=' itself keeps the mapping injective,
// so distinct cache keys never collide in the bucket. Dots are additionally
// escaped at the ends, where JetStream rejects them.
func encodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		ch := key[i]
		safe := strings.IndexByte(keySafe, ch) >= 0
		if ch == '.' && (i == 0 || i == len(key)-1) {
			safe = false
		}
		if safe {
			b.WriteByte(ch)
		} else {
			fmt.Fprintf(&b, "=%02x", ch)
		}
	}
	return b.String()
}
