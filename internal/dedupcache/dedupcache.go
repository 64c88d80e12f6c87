// Package dedupcache implements a Redis-backed fast-path dedup check for
// inbound webhooks, ahead of the authoritative Postgres uniqueness check
// every webhook handler still performs inside its transaction. It exists
// purely to avoid spending a DB round trip on the common case of a
// provider's own at-least-once retry of an event we already processed.
package dedupcache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// defaultTTL bounds how long a seen key is remembered. It only needs to
// outlive a provider's retry window, not the life of the payment.
const defaultTTL = 24 * time.Hour

// setter is the narrow redis.Client surface this package drives, so tests
// can substitute a fake without standing up a real server.
type setter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Cache deduplicates webhook deliveries by provider event id.
type Cache struct {
	client setter
	ttl    time.Duration
}

// New wraps client. A nil client is valid and makes every Seen call report
// not-seen, so dedupcache degrades to a no-op when CORE_REDIS_URL is unset.
func New(client *redis.Client) *Cache {
	if client == nil {
		return &Cache{ttl: defaultTTL}
	}
	return &Cache{client: client, ttl: defaultTTL}
}

// Open parses a CORE_REDIS_URL-style connection string and returns a ready
// *redis.Client. An empty url is not an error: callers pass the resulting
// nil client straight to New, which treats it as "dedup cache disabled."
func Open(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Seen reports whether key has already been recorded, recording it for
// future calls if not. A Redis error is treated as "not seen": the
// authoritative Postgres dedup check downstream is what correctness
// actually rests on, so a cache outage must never block processing.
func (c *Cache) Seen(ctx context.Context, namespace, key string) bool {
	if c == nil || c.client == nil || key == "" {
		return false
	}
	set, err := c.client.SetNX(ctx, namespace+":"+key, 1, c.ttl).Result()
	if err != nil {
		return false
	}
	return !set
}
