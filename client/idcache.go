package client

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// IDCache maps container names and short IDs to full container IDs.
type IDCache struct {
	cache *ttlcache.Cache[string, string]
}

// NewIDCache creates a cache whose entries expire ttl after being set.
func NewIDCache(ttl time.Duration) *IDCache {
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &IDCache{cache: c}
}

// Close stops the cache expiration loop.
func (ic *IDCache) Close() {
	ic.cache.Stop()
}

// Get returns the cached full ID for ref, or "" if not cached/expired.
func (ic *IDCache) Get(ref string) string {
	item := ic.cache.Get(ref)
	if item == nil {
		return ""
	}
	return item.Value()
}

// Set records that ref resolves to id. The full ID maps to itself.
func (ic *IDCache) Set(ref, id string) {
	ic.cache.Set(ref, id, ttlcache.DefaultTTL)
	if ref != id {
		ic.cache.Set(id, id, ttlcache.DefaultTTL)
	}
}

// Forget drops ref, e.g. after the daemon reports the container is gone.
func (ic *IDCache) Forget(ref string) {
	ic.cache.Delete(ref)
}

// Len returns the number of live entries.
func (ic *IDCache) Len() int {
	return ic.cache.Len()
}
