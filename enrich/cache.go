// Package enrich resolves record ids in change events to display names and
// attaches them to the event as context.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/store"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a resolved name is served without a new lookup
const DefaultTTL = 24 * time.Hour

// Lookup fetches a record's Name from the source
type Lookup interface {
	Lookup(ctx context.Context, entityType, id string) (name string, ok bool, err error)
}

type cachedName struct {
	Name      string `msgpack:"n"`
	FetchedAt int64  `msgpack:"t"` // unix ms of the lookup
}

type resolved struct {
	name string
	ok   bool
}

// Cache is a two-tier name cache: a bounded in-process LRU in front of the
// shared store. Entries are only ever written after a successful lookup.
type Cache struct {
	kv     store.KV
	lookup Lookup
	ttl    time.Duration
	local  *expirable.LRU[string, cachedName]
	group  singleflight.Group
	now    func() time.Time
}

// NewCache creates a cache. localSize 0 disables the in-process tier.
func NewCache(kv store.KV, lookup Lookup, ttl time.Duration, localSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		kv:     kv,
		lookup: lookup,
		ttl:    ttl,
		now:    time.Now,
	}
	if localSize > 0 {
		c.local = expirable.NewLRU[string, cachedName](localSize, nil, ttl)
	}
	return c
}

// CacheKey is the store key for a name
func CacheKey(entityType, id string) string {
	return "name-cache:" + entityType + ":" + id
}

func (c *Cache) fresh(e cachedName) bool {
	return c.now().Sub(time.UnixMilli(e.FetchedAt)) < c.ttl
}

// ResolveName returns the display name of id. ok is false when the source
// has no such record; that result is not cached.
func (c *Cache) ResolveName(ctx context.Context, id, entityType string) (string, bool, error) {
	key := CacheKey(entityType, id)

	if c.local != nil {
		if e, hit := c.local.Get(key); hit {
			if c.fresh(e) {
				telemetry.EnrichLookupsTotal.With("local_hit").Inc()
				return e.Name, true, nil
			}
			c.local.Remove(key)
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.resolve(ctx, key, id, entityType)
	})
	if err != nil {
		return "", false, err
	}
	r := v.(resolved)
	return r.name, r.ok, nil
}

func (c *Cache) resolve(ctx context.Context, key, id, entityType string) (resolved, error) {
	raw, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		var e cachedName
		if decErr := encoding.Unmarshal(raw, &e); decErr != nil {
			log.Warn().Err(decErr).Str("key", key).Msg("Ignoring undecodable cache entry")
		} else if c.fresh(e) {
			c.remember(key, e)
			telemetry.EnrichLookupsTotal.With("store_hit").Inc()
			return resolved{name: e.Name, ok: true}, nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		telemetry.EnrichLookupsTotal.With("error").Inc()
		return resolved{}, fmt.Errorf("read name cache: %w", err)
	}

	name, ok, err := c.lookup.Lookup(ctx, entityType, id)
	if err != nil {
		telemetry.EnrichLookupsTotal.With("error").Inc()
		return resolved{}, err
	}
	if !ok {
		telemetry.EnrichLookupsTotal.With("absent").Inc()
		log.Debug().Str("entity", entityType).Str("id", id).Msg("No record for name lookup")
		return resolved{}, nil
	}

	e := cachedName{Name: name, FetchedAt: c.now().UnixMilli()}
	data, err := encoding.Marshal(&e)
	if err != nil {
		return resolved{}, err
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		telemetry.EnrichLookupsTotal.With("error").Inc()
		return resolved{}, fmt.Errorf("write name cache: %w", err)
	}

	c.remember(key, e)
	telemetry.EnrichLookupsTotal.With("fetched").Inc()
	return resolved{name: name, ok: true}, nil
}

func (c *Cache) remember(key string, e cachedName) {
	if c.local != nil {
		c.local.Add(key, e)
	}
}

// Forget drops the in-process tier, as after a restart
func (c *Cache) Forget() {
	if c.local != nil {
		c.local.Purge()
	}
}
