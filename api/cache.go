package api

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL applies to cached requests that do not set CacheTTL.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	resp     *Response
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Entries   int      `json:"entries"`
	Hits      uint64   `json:"hits"`
	Misses    uint64   `json:"misses"`
	Evictions uint64   `json:"evictions"`
	Keys      []string `json:"keys"`
}

// Cache stores successful read responses until their TTL elapses. An entry is
// valid while now - storedAt <= ttl.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached response for key. An expired entry is removed and
// reported as a miss whether or not Sweep has run.
func (c *Cache) Get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.expired(c.now()) {
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.resp, true
}

func (c *Cache) Set(key string, resp *Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{resp: resp, storedAt: c.now(), ttl: ttl}
}

// Sweep removes every expired entry and returns how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions += uint64(removed)
	return removed
}

// Run sweeps on every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("Swept expired cache entries", "removed", n)
			}
		}
	}
}

// Clear removes entries whose key matches the regular expression pattern.
// An empty pattern clears everything.
func (c *Cache) Clear(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := len(c.entries)
		c.entries = make(map[string]cacheEntry)
		return n, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
	}
	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// ClearService removes every entry cached for service.
func (c *Cache) ClearService(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := service + "_"
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Keys:      keys,
	}
}

// CacheKey derives the key for (service, endpoint, params). Params are
// normalized first, so map order and nil values do not change the key.
func CacheKey(service, endpoint string, params map[string]any) string {
	h := fnv.New64a()
	h.Write([]byte(encodeParams(params)))
	return fmt.Sprintf("%s_%s_%016x", service, strings.Trim(endpoint, "/"), h.Sum64())
}

// encodeParams drops nil values and encodes the rest with sorted keys.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, v := range params {
		if v == nil {
			continue
		}
		switch typed := v.(type) {
		case []string:
			for _, s := range typed {
				values.Add(key, s)
			}
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return values.Encode()
}
