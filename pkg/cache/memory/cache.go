// Package memory implements the in-process result cache: entries keyed by
// subject, operation and parameters, expired lazily by TTL and bounded by an
// entry ceiling enforced TTL-first, then oldest-inserted first.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/insight/pkg/models"
)

const (
	// DefaultTTL is used when Options.TTL is zero.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries is used when Options.MaxEntries is zero.
	DefaultMaxEntries = 100
)

// Options configures a Cache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	subject   string
	value     any
	createdAt time.Time
	ttl       time.Duration
	seq       uint64
}

func (e *entry) valid(now time.Time) bool {
	return now.Sub(e.createdAt) < e.ttl
}

// Cache is a bounded, time-expiring store of completed results. It is safe
// for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	hits    int64
	misses  int64

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

// Key derives the cache key for a subject and operation. The parts are
// encoded as a JSON array, so a separator inside a subject or operation can
// never make two requests share a key. Params, when non-nil, are appended;
// map keys encode in sorted order so equal parameter sets always produce the
// same key.
func Key(subjectID, operation string, params any) string {
	parts := []any{subjectID, operation}
	if params != nil {
		parts = append(parts, params)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		data, _ = json.Marshal([]any{subjectID, operation, fmt.Sprintf("%v", params)})
	}
	return string(data)
}

// Get returns the value stored for the key, or nil and false on a miss or an
// expired entry. Expired entries are removed.
func (c *Cache) Get(subjectID, operation string, params any) (any, bool) {
	key := Key(subjectID, operation, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.valid(c.now()) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value, replacing any existing entry for the key. A positive ttl
// overrides the default. If the store exceeds its ceiling afterwards, expired
// entries are removed, then the oldest-inserted ones.
func (c *Cache) Set(subjectID, operation string, value any, params any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(subjectID, operation, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = &entry{
		subject:   subjectID,
		value:     value,
		createdAt: c.now(),
		ttl:       ttl,
		seq:       c.seq,
	}
	if len(c.entries) > c.maxEntries {
		c.cleanupLocked()
	}
}

// Invalidate removes entries. With no subject it clears everything; with a
// subject only it removes every entry for that subject; with both it removes
// the single entry for subject and operation.
func (c *Cache) Invalidate(subjectID, operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.entries)
	switch {
	case subjectID == "":
		c.entries = make(map[string]*entry)
	case operation == "":
		for k, e := range c.entries {
			if e.subject == subjectID {
				delete(c.entries, k)
			}
		}
	default:
		delete(c.entries, Key(subjectID, operation, nil))
	}
	return before - len(c.entries)
}

// Info returns a diagnostic snapshot.
func (c *Cache) Info() models.CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	info := models.CacheInfo{
		Total: len(c.entries),
		Stats: models.CacheStats{Hits: c.hits, Misses: c.misses},
	}
	for _, e := range c.entries {
		if e.valid(now) {
			info.Active++
		} else {
			info.Expired++
		}
	}
	if total := c.hits + c.misses; total > 0 {
		info.HitRate = float64(c.hits) / float64(total)
	}
	return info
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep runs the cleanup pass and returns the number of entries removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked()
}

// Run sweeps the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("cache sweep")
			}
		}
	}
}

func (c *Cache) cleanupLocked() int {
	before := len(c.entries)
	now := c.now()
	for k, e := range c.entries {
		if !e.valid(now) {
			delete(c.entries, k)
		}
	}

	if over := len(c.entries) - c.maxEntries; over > 0 {
		keys := make([]string, 0, len(c.entries))
		for k := range c.entries {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := c.entries[keys[i]], c.entries[keys[j]]
			if !a.createdAt.Equal(b.createdAt) {
				return a.createdAt.Before(b.createdAt)
			}
			return a.seq < b.seq
		})
		for _, k := range keys[:over] {
			delete(c.entries, k)
		}
	}
	return before - len(c.entries)
}
