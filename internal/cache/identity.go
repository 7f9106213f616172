package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
)

// Identities caches token -> identity lookups in Redis. Only the immutable
// identity fields are cached; attendance state always comes from the store.
// Redis failures are logged and treated as misses.
type Identities struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewIdentities creates a cache with entries expiring after ttl.
func NewIdentities(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Identities {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Identities{client: client, ttl: ttl, prefix: "qrattend:identity:", log: logger}
}

func (c *Identities) key(token string) string { return c.prefix + token }

// Get returns the cached identity for token.
func (c *Identities) Get(ctx context.Context, token string) (attendance.Identity, bool) {
	vals, err := c.client.HGetAll(ctx, c.key(token)).Result()
	if err != nil {
		c.log.Warn("identity cache get failed", "err", err)
		return attendance.Identity{}, false
	}
	name, ok := vals["name"]
	if !ok {
		return attendance.Identity{}, false
	}
	return attendance.Identity{Token: token, Name: name, RegisterNo: vals["registerNo"]}, true
}

// Put stores id until the TTL elapses.
func (c *Identities) Put(ctx context.Context, id attendance.Identity) {
	key := c.key(id.Token)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "name", id.Name, "registerNo", id.RegisterNo)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		c.log.Warn("identity cache put failed", "err", err)
	}
}
