// Package cache wraps an in-process TTL cache with key namespacing. Two
// instances exist at wiring time: one for embedding vectors ("embedding"),
// one for search result sets ("search"), so clearing one never evicts the
// other.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a namespaced TTL cache. All operations are safe for concurrent
// use. A zero TTL on Set falls back to the default expiration.
type Cache struct {
	prefix string
	c      *gocache.Cache
}

// New creates a cache whose keys are prefixed with namespace. Expired
// entries are swept every ten minutes.
func New(namespace string, defaultTTL time.Duration) *Cache {
	return &Cache{
		prefix: namespace + ":",
		c:      gocache.New(defaultTTL, 10*time.Minute),
	}
}

func (c *Cache) Get(key string) (any, bool) {
	return c.c.Get(c.prefix + key)
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.c.Set(c.prefix+key, value, ttl)
}

// Flush drops every entry in this namespace's instance.
func (c *Cache) Flush() {
	c.c.Flush()
}

// Len reports the number of live entries, expired items included until the
// next sweep.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}

// HashKey derives a fixed-length cache key from arbitrary content.
func HashKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
