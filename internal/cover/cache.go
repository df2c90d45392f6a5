// Package cover resolves and downloads book cover images.
package cover

import (
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

const (
	defaultTTL        = time.Hour
	defaultMaxEntries = 10000
)

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache is a TTL map from identifier to cover URL, safe for concurrent use.
// When full, expired entries are dropped first, then the entry closest to
// expiry.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

var _ lookup.CoverCache = (*Cache)(nil)

// NewCache creates a cache. Non-positive arguments use the defaults
// (one hour, 10000 entries). clock may be nil.
func NewCache(ttl time.Duration, maxEntries int, clock lookup.Clock) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Cache{
		items:      make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Get returns the cover URL for identifier if present and not expired.
func (c *Cache) Get(identifier string) (string, bool) {
	key := NormalizeISBN(identifier)
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return "", false
	}
	return e.url, true
}

// Put stores url for identifier. Empty values are ignored.
func (c *Cache) Put(identifier, url string) {
	key := NormalizeISBN(identifier)
	if key == "" || url == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = entry{url: url, expiresAt: now.Add(c.ttl)}
}

// Invalidate removes a single identifier.
func (c *Cache) Invalidate(identifier string) {
	c.mu.Lock()
	delete(c.items, NormalizeISBN(identifier))
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.items) >= c.maxEntries && oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// NormalizeISBN strips separators so "978-87-400-6575-6" and
// "9788740065756" share a cache slot.
func NormalizeISBN(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		case r == '-' || r == ' ':
		default:
			return strings.TrimSpace(s)
		}
	}
	return b.String()
}
