package tools

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheCounters = 1e5
	defaultCacheMaxCost  = 1 << 24
	defaultCacheBuffer   = 64
	defaultCacheTTL      = 5 * time.Minute
)

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	MaxCost int64
	TTL     time.Duration
}

// Cache stores successful results of cacheable tools. Concurrent identical
// calls share one invocation.
type Cache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	group  singleflight.Group
	mu     sync.RWMutex
	closed bool
}

// NewCache creates a result cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	maxCost := cfg.MaxCost
	if maxCost <= 0 {
		maxCost = defaultCacheMaxCost
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultCacheCounters,
		MaxCost:     maxCost,
		BufferItems: defaultCacheBuffer,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

// Key derives the cache key for a tool call. encoding/json sorts map keys,
// so equal argument sets produce equal keys. Contextual tools also key on the
// request context and on whether the input was chained.
func Key(spec Spec, in Input) string {
	b, err := json.Marshal(in.Args)
	if err != nil {
		return ""
	}
	key := spec.Name + "\x00" + string(b)
	if spec.Contextual {
		key += "\x00" + strconv.FormatBool(in.FromPreviousStep) + "\x00" + in.Context
	}
	return key
}

// Do returns the cached value for key, or runs fn and caches its result when
// it succeeds. The boolean reports a cache hit; callers that joined an
// in-flight invocation are not hits.
func (c *Cache) Do(key string, fn func() (string, error)) (string, bool, error) {
	if c == nil || key == "" || c.isClosed() {
		out, err := fn()
		return out, false, err
	}

	if v, ok := c.cache.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, true, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		out, err := fn()
		if err != nil {
			return "", err
		}
		c.cache.SetWithTTL(key, out, int64(len(out))+int64(len(key)), c.ttl)
		return out, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// Wait blocks until pending writes are visible.
func (c *Cache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Close releases the cache.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
