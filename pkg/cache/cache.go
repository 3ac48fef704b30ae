// Package cache implements the gateway's two-tier cache: an in-process LRU
// (L1) in front of an optional Redis tier (L2). Generalized from the
// teacher's pkg/runbook/cache.go (a single-purpose, single-tier TTL cache)
// into a class-aware, two-tier store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class identifies a cache entry's TTL/eviction policy.
type Class string

const (
	ClassSearch       Class = "search"
	ClassLLMResponse  Class = "llm_response"
	ClassSchemaFields Class = "schema_fields"
	ClassCreditReport Class = "credit_report"
)

// classTTLs are the remote-tier TTLs from spec §4.6.
var classTTLs = map[Class]time.Duration{
	ClassSearch:       time.Hour,
	ClassLLMResponse:  24 * time.Hour,
	ClassSchemaFields: time.Hour,
	ClassCreditReport: 30 * time.Minute,
}

const (
	l1Capacity = 1000
	l1TTL      = 15 * time.Minute
)

// Cache is the two-tier store. L2 (rdb) is nil when REDIS_URL was not
// configured; in that case the cache degrades to L1-only transparently.
type Cache struct {
	l1  *lru
	rdb redis.Cmdable

	mu             sync.Mutex
	lastL2Warning  time.Time
	l2WarningEvery time.Duration
}

// New builds a Cache. rdb may be nil, in which case only L1 is used.
func New(rdb redis.Cmdable) *Cache {
	return &Cache{
		l1:             newLRU(l1Capacity, l1TTL),
		rdb:            rdb,
		l2WarningEvery: time.Minute,
	}
}

// Key computes a class-prefixed, hashed cache key from the canonical input.
func Key(class Class, canonicalInput string) string {
	sum := sha256.Sum256([]byte(canonicalInput))
	return fmt.Sprintf("%s:%s", class, hex.EncodeToString(sum[:])[:32])
}

// Get looks up key, trying L1 then L2. Any L2 failure (dial refused,
// timeout, context deadline) is treated as a miss and logged at most once
// per minute — it never surfaces as an error to the caller (spec: "On L2
// cache outage, all requests still succeed").
func (c *Cache) Get(ctx context.Context, class Class, key string) ([]byte, bool) {
	if v, ok := c.l1.get(key); ok {
		return v, true
	}
	if c.rdb == nil {
		return nil, false
	}

	v, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warnL2Degraded(err)
		}
		return nil, false
	}
	c.l1.set(key, v)
	return v, true
}

// Set writes to L1 unconditionally and to L2 (if configured) with the
// class's TTL. L2 failures are logged and otherwise swallowed.
func (c *Cache) Set(ctx context.Context, class Class, key string, value []byte) {
	c.l1.set(key, value)
	if c.rdb == nil {
		return
	}
	ttl := classTTLs[class]
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.warnL2Degraded(err)
	}
}

// L2Healthy reports whether the remote tier is configured and currently
// reachable. Used by the detailed health endpoint.
func (c *Cache) L2Healthy(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// L1Len reports the number of live L1 entries, for diagnostics.
func (c *Cache) L1Len() int {
	return c.l1.len()
}

func (c *Cache) warnL2Degraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastL2Warning) < c.l2WarningEvery {
		return
	}
	c.lastL2Warning = time.Now()
	slog.Warn("L2 cache unavailable, degrading to L1-only", "error", err)
}
