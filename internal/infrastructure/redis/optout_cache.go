// Package redis caches opt-out lookups so the ingest hot path does not hit
// Postgres for every batch item. The cache is strictly advisory: any miss
// or Redis failure falls through to the database.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const optOutTTL = 5 * time.Minute

type OptOutCache struct {
	rdb *goredis.Client
	log zerolog.Logger
}

// NewOptOutCache returns nil when addr is empty; a nil cache is a valid
// no-op receiver, so callers never branch on configuration.
func NewOptOutCache(addr, password string, db int) *OptOutCache {
	if addr == "" {
		return nil
	}
	return &OptOutCache{
		rdb: goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		log: zlog.With().Str("component", "optout_cache").Logger(),
	}
}

func key(appUUID, anonUserID string) string {
	return "optout:" + appUUID + ":" + anonUserID
}

// Get returns (optedOut, found). Errors count as not found.
func (c *OptOutCache) Get(ctx context.Context, appUUID, anonUserID string) (bool, bool) {
	if c == nil {
		return false, false
	}
	v, err := c.rdb.Get(ctx, key(appUUID, anonUserID)).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Debug().Err(err).Msg("cache get failed")
		}
		return false, false
	}
	return v == "1", true
}

// Set records a lookup result with a TTL.
func (c *OptOutCache) Set(ctx context.Context, appUUID, anonUserID string, optedOut bool) {
	if c == nil {
		return
	}
	v := "0"
	if optedOut {
		v = "1"
	}
	if err := c.rdb.Set(ctx, key(appUUID, anonUserID), v, optOutTTL).Err(); err != nil {
		c.log.Debug().Err(err).Msg("cache set failed")
	}
}

// Invalidate drops the entry; the next lookup reloads from Postgres.
func (c *OptOutCache) Invalidate(ctx context.Context, appUUID, anonUserID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, key(appUUID, anonUserID)).Err(); err != nil {
		c.log.Debug().Err(err).Msg("cache invalidate failed")
	}
}

func (c *OptOutCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
