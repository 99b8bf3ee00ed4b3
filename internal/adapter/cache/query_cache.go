package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"finrag/internal/domain"
)

// QueryCache is an LRU+TTL cache of retrieval results. Entries written at an
// older store generation are treated as misses.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	results   []domain.RetrievalCandidate
	timestamp time.Time
	gen       uint64
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key identifies a retrieval by its query, k and filters.
func Key(query string, k int, f domain.Filters) string {
	var b strings.Builder
	b.WriteString(query)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(k))
	b.WriteByte(0)
	b.WriteString(strings.ToUpper(f.Ticker))
	b.WriteByte(0)
	b.WriteString(string(f.DocumentType))
	b.WriteByte(0)
	if !f.From.IsZero() {
		b.WriteString(f.From.UTC().Format(time.RFC3339))
	}
	b.WriteByte(0)
	if !f.To.IsZero() {
		b.WriteString(f.To.UTC().Format(time.RFC3339))
	}
	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:16])
}

func (c *QueryCache) Get(key string, gen uint64) ([]domain.RetrievalCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) > c.ttl || entry.gen != gen {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}
	c.moveToEnd(key)
	return clone(entry.results), true
}

func (c *QueryCache) Put(key string, gen uint64, results []domain.RetrievalCandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{results: clone(results), timestamp: c.now(), gen: gen}
	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		c.moveToEnd(key)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
}

// Invalidate drops every entry.
func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

func (c *QueryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *QueryCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *QueryCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *QueryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// clone copies the slice so callers can reorder results without corrupting the cache.
func clone(in []domain.RetrievalCandidate) []domain.RetrievalCandidate {
	if in == nil {
		return nil
	}
	out := make([]domain.RetrievalCandidate, len(in))
	copy(out, in)
	return out
}
