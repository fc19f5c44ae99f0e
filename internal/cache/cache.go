// Package cache implements the query result cache: a bounded table of
// fully materialized result sets keyed by a normalized query signature,
// invalidated whenever a write touches a collection a cached query read.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/cursordb/internal/config"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/metrics"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Mode is the process-wide cache policy.
type Mode int32

const (
	ModeOff    Mode = iota // never consulted, never populated
	ModeOn                 // every eligible query is cached
	ModeDemand             // cached only when the query opts in
)

func (m Mode) String() string {
	switch m {
	case ModeOn:
		return "on"
	case ModeDemand:
		return "demand"
	default:
		return "off"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "on":
		return ModeOn, nil
	case "demand":
		return ModeDemand, nil
	default:
		return ModeOff, fmt.Errorf("invalid cache mode %q", s)
	}
}

type entry struct {
	hash        uint64
	query       string
	binds       string
	rows        []value.Value
	collections []string
	createdAt   time.Time
}

// Cache is the process-wide query result cache. Entry storage is an LRU
// bounded by maxResults; a reverse index per collection drives
// write-triggered invalidation. Mode switches take effect immediately
// for subsequent queries and never touch stored entries.
type Cache struct {
	mode   atomic.Int32
	logger *logger.Logger

	// mu guards byCollection and maxResults. It is never held across
	// calls into the LRU: the eviction callback takes it.
	mu           sync.Mutex
	byCollection map[string]map[uint64]struct{}
	maxResults   int

	entries *lru.Cache[uint64, *entry]
}

func New(cfg config.CacheConfig, log *logger.Logger) (*Cache, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	max := cfg.MaxResults
	if max <= 0 {
		max = 128
	}

	c := &Cache{
		logger:       log,
		byCollection: make(map[string]map[uint64]struct{}),
		maxResults:   max,
	}
	c.mode.Store(int32(mode))

	c.entries, err = lru.NewWithEvict[uint64, *entry](max, c.onEvict)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) Mode() Mode {
	return Mode(c.mode.Load())
}

func (c *Cache) SetMode(m Mode) {
	c.mode.Store(int32(m))
	c.logger.Info("Query result cache mode set to %q", m)
}

// Properties returns the current mode and entry bound.
func (c *Cache) Properties() (Mode, int) {
	c.mu.Lock()
	max := c.maxResults
	c.mu.Unlock()
	return c.Mode(), max
}

// SetMaxResults resizes the entry bound, evicting oldest entries if the
// cache shrinks below its current size.
func (c *Cache) SetMaxResults(max int) {
	if max <= 0 {
		return
	}
	c.mu.Lock()
	c.maxResults = max
	c.mu.Unlock()
	c.entries.Resize(max)
	metrics.CacheEntries.Set(float64(c.entries.Len()))
}

// Key derives the cache signature hash from normalized query text and
// canonicalized bind values.
func Key(query, binds string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(query)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(binds)
	return d.Sum64()
}

// Lookup returns the cached result set for the signature, or nil. Always
// misses with mode off. The returned rows are shared and read-only.
func (c *Cache) Lookup(query, binds string) []value.Value {
	if c.Mode() == ModeOff {
		return nil
	}

	e, ok := c.entries.Get(Key(query, binds))
	if !ok || e.query != query || e.binds != binds {
		// absent, or a different query colliding on the hash
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return e.rows
}

// Store inserts or replaces the result set for the signature. A no-op
// with mode off. Rows are deep-copied so later mutation by the caller
// cannot corrupt the cache.
func (c *Cache) Store(query, binds string, rows []value.Value, collections []string) {
	if c.Mode() == ModeOff {
		return
	}

	owned := make([]value.Value, len(rows))
	for i, r := range rows {
		owned[i] = value.Clone(r)
	}

	h := Key(query, binds)
	e := &entry{
		hash:        h,
		query:       query,
		binds:       binds,
		rows:        owned,
		collections: collections,
		createdAt:   time.Now(),
	}

	c.entries.Add(h, e)

	c.mu.Lock()
	for _, col := range collections {
		set, ok := c.byCollection[col]
		if !ok {
			set = make(map[uint64]struct{})
			c.byCollection[col] = set
		}
		set[h] = struct{}{}
	}
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(c.entries.Len()))
}

// Invalidate drops every entry whose signature depends on any of the
// given collections. Called by the write path on every data
// modification; over-invalidation is safe, under-invalidation never is.
func (c *Cache) Invalidate(collections []string) {
	c.mu.Lock()
	var hashes []uint64
	for _, col := range collections {
		for h := range c.byCollection[col] {
			hashes = append(hashes, h)
		}
	}
	c.mu.Unlock()

	for _, h := range hashes {
		c.entries.Remove(h)
	}

	if len(hashes) > 0 {
		metrics.CacheInvalidations.Add(float64(len(hashes)))
		metrics.CacheEntries.Set(float64(c.entries.Len()))
		c.logger.Debug("Invalidated %d cached result(s) for collections %v", len(hashes), collections)
	}
}

// Clear drops every entry immediately.
func (c *Cache) Clear() {
	c.entries.Purge()
	metrics.CacheEntries.Set(0)
	c.logger.Info("Query result cache cleared")
}

// Len reports the number of cached result sets.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// onEvict runs for every entry leaving the LRU (overflow, invalidation,
// clear) and maintains the per-collection reverse index.
func (c *Cache) onEvict(h uint64, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, col := range e.collections {
		if set, ok := c.byCollection[col]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(c.byCollection, col)
			}
		}
	}
}
