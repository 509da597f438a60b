// Package toolcache stores tool call results with per-tool freshness windows.
//
// Entries are keyed by tool name plus a canonical encoding of the call
// arguments, so argument order never produces a different key. A fresh read
// (Get) only succeeds before the entry's expiry; a stale read (GetStale)
// accepts any entry younger than a caller-supplied age and is used when the
// upstream service is unavailable. Entries are overwritten on Set and never
// evicted.
package toolcache

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one cached tool result.
type Entry struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Hit is the result of a successful read.
type Hit struct {
	Payload string
	Age     time.Duration
	Stale   bool
}

// Stats counts reads since the cache was created.
type Stats struct {
	Hits      int64
	Misses    int64
	StaleHits int64
}

// Store holds entries by key.
type Store interface {
	Load(key string) (Entry, bool, error)
	Save(entry Entry) error
}

// Cache is safe for concurrent use if its Store is.
type Cache struct {
	store  Store
	now    func() time.Time
	ttl    func(tool string) time.Duration
	logger zerolog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	staleHits atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTLPolicy overrides TTLFor.
func WithTTLPolicy(ttl func(tool string) time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger.With().Str("component", "toolcache").Logger() }
}

// New creates a cache backed by a MemoryStore unless WithStore is given.
func New(opts ...Option) *Cache {
	c := &Cache{
		store:  NewMemoryStore(),
		now:    time.Now,
		ttl:    TTLFor,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key for a tool call. encoding/json writes map keys in
// sorted order at every depth, which makes the encoding canonical.
func Key(tool string, params map[string]any) string {
	if len(params) == 0 {
		return tool + ":{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		// unencodable arguments still get a deterministic key
		return fmt.Sprintf("%s:%v", tool, params)
	}
	return tool + ":" + string(b)
}

// Get returns a fresh entry for the call.
func (c *Cache) Get(tool string, params map[string]any) (Hit, bool) {
	e, ok := c.load(Key(tool, params))
	now := c.now()
	if !ok || !now.Before(e.ExpiresAt) {
		c.misses.Add(1)
		return Hit{}, false
	}
	c.hits.Add(1)
	return Hit{Payload: e.Payload, Age: now.Sub(e.CreatedAt)}, true
}

// GetStale returns the entry for the call if it is no older than maxAge,
// regardless of expiry. Stale is set when the entry is past its expiry.
// Fresh entries count as hits; misses are left to Get.
func (c *Cache) GetStale(tool string, params map[string]any, maxAge time.Duration) (Hit, bool) {
	e, ok := c.load(Key(tool, params))
	if !ok {
		return Hit{}, false
	}
	now := c.now()
	age := now.Sub(e.CreatedAt)
	if age > maxAge {
		return Hit{}, false
	}
	stale := !now.Before(e.ExpiresAt)
	if stale {
		c.staleHits.Add(1)
	} else {
		c.hits.Add(1)
	}
	return Hit{Payload: e.Payload, Age: age, Stale: stale}, true
}

// Set stores payload with the tool's policy TTL.
func (c *Cache) Set(tool string, params map[string]any, payload string) {
	c.SetWithTTL(tool, params, payload, c.ttl(tool))
}

// SetWithTTL stores payload with an explicit TTL, replacing any prior entry.
func (c *Cache) SetWithTTL(tool string, params map[string]any, payload string, ttl time.Duration) {
	now := c.now()
	e := Entry{
		Key:       Key(tool, params),
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.store.Save(e); err != nil {
		c.logger.Warn().Err(err).Str("tool", tool).Msg("Failed to store cache entry")
	}
}

// Stats returns read counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
	}
}

func (c *Cache) load(key string) (Entry, bool) {
	e, ok, err := c.store.Load(key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to read cache entry")
		return Entry{}, false
	}
	return e, ok
}
