// Package unread caches per-user unread notification counts in Redis so
// the polling endpoint stays cheap. Mark-all-read bumps a per-user
// acknowledgment version; cache refreshes are compare-and-set against that
// version, so a recount that started before an acknowledgment can never
// overwrite the acknowledged zero with a stale value.
package unread

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

// Bump the counter only when the key is warm; a cold key means the next
// read recounts from the database and already includes this row.
var incrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCR", KEYS[1])
end
return -1
`)

// Write the recount only when the acknowledgment version is unchanged.
var setIfVersionScript = redis.NewScript(`
local ver = redis.call("GET", KEYS[2])
if not ver then ver = "0" end
if ver == ARGV[2] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
  return 1
end
return 0
`)

// Counter is the Redis-backed unread badge cache.
type Counter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCounter builds a counter against the given Redis instance.
func NewCounter(addr, password, prefix string, ttl time.Duration) *Counter {
	if prefix == "" {
		prefix = "campushub:unread"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Counter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Counter) countKey(userID string) string { return c.prefix + ":count:" + userID }
func (c *Counter) verKey(userID string) string   { return c.prefix + ":ver:" + userID }

// Get returns the cached count; the bool reports a cache hit.
func (c *Counter) Get(ctx context.Context, userID string) (int, bool, error) {
	val, err := c.client.Get(ctx, c.countKey(userID)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// Incr bumps the cached count after a new notification. A cold cache is
// left cold.
func (c *Counter) Incr(ctx context.Context, userID string) error {
	return incrScript.Run(ctx, c.client, []string{c.countKey(userID)}).Err()
}

// Version returns the user's current acknowledgment version.
func (c *Counter) Version(ctx context.Context, userID string) (int64, error) {
	val, err := c.client.Get(ctx, c.verKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// SetIfVersion stores a recounted value unless the user acknowledged their
// notifications while the recount was in flight.
func (c *Counter) SetIfVersion(ctx context.Context, userID string, count int, version int64) error {
	return setIfVersionScript.Run(ctx, c.client,
		[]string{c.countKey(userID), c.verKey(userID)},
		count,
		strconv.FormatInt(version, 10),
		c.ttl.Milliseconds(),
	).Err()
}

// Acknowledge zeroes the cached count and advances the version so stale
// in-flight recounts are discarded.
func (c *Counter) Acknowledge(ctx context.Context, userID string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.countKey(userID), 0, c.ttl)
	pipe.Incr(ctx, c.verKey(userID))
	_, err := pipe.Exec(ctx)
	return err
}
