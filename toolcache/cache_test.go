package toolcache

import (
	"path/filepath"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(c *clock, opts ...Option) *Cache {
	return New(append([]Option{WithClock(c.now)}, opts...)...)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	params := map[string]any{"symbol": "IBM"}

	cache.Set("GLOBAL_QUOTE", params, `{"price":1}`)
	hit, ok := cache.Get("GLOBAL_QUOTE", params)
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if hit.Payload != `{"price":1}` {
		t.Errorf("Expected payload to round-trip, got %q", hit.Payload)
	}
	if hit.Stale {
		t.Error("Expected fresh hit")
	}
}

func TestGetExpires(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	params := map[string]any{"symbol": "IBM"}

	cache.SetWithTTL("GLOBAL_QUOTE", params, "x", time.Minute)
	c.t = c.t.Add(59 * time.Second)
	if _, ok := cache.Get("GLOBAL_QUOTE", params); !ok {
		t.Error("Expected hit just before expiry")
	}
	c.t = c.t.Add(time.Second)
	if _, ok := cache.Get("GLOBAL_QUOTE", params); ok {
		t.Error("Expected miss at expiry")
	}
}

func TestStaleWindowScenario(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	params := map[string]any{"symbol": "IBM", "interval": "5min"}

	cache.SetWithTTL("TIME_SERIES_DAILY", params, "daily", time.Hour)

	c.t = c.t.Add(30 * time.Minute)
	hit, ok := cache.Get("TIME_SERIES_DAILY", params)
	if !ok || hit.Age != 30*time.Minute {
		t.Errorf("Expected fresh hit aged 30m, got %+v (ok=%v)", hit, ok)
	}

	c.t = c.t.Add(31 * time.Minute)
	if _, ok := cache.Get("TIME_SERIES_DAILY", params); ok {
		t.Error("Expected fresh read to miss after 61 minutes")
	}
	if _, ok := cache.GetStale("TIME_SERIES_DAILY", params, 10*time.Minute); ok {
		t.Error("Expected stale read with 10m window to miss at 61 minutes")
	}
	hit, ok = cache.GetStale("TIME_SERIES_DAILY", params, 2*time.Hour)
	if !ok || !hit.Stale {
		t.Errorf("Expected stale hit with 2h window, got %+v (ok=%v)", hit, ok)
	}
}

func TestGetStaleAcceptsFreshEntries(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	cache.SetWithTTL("GLOBAL_QUOTE", nil, "x", time.Minute)
	c.t = c.t.Add(10 * time.Second)

	hit, ok := cache.GetStale("GLOBAL_QUOTE", nil, 10*time.Minute)
	if !ok || hit.Stale {
		t.Errorf("Expected non-stale hit, got %+v (ok=%v)", hit, ok)
	}
}

func TestKeyIgnoresArgumentOrder(t *testing.T) {
	a := map[string]any{"symbol": "IBM", "interval": "5min", "opts": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"opts": map[string]any{"a": 2, "b": 1}, "interval": "5min", "symbol": "IBM"}
	if Key("TIME_SERIES_INTRADAY", a) != Key("TIME_SERIES_INTRADAY", b) {
		t.Errorf("Expected equal keys, got %q and %q", Key("TIME_SERIES_INTRADAY", a), Key("TIME_SERIES_INTRADAY", b))
	}
	if Key("A", a) == Key("B", a) {
		t.Error("Expected tool name to be part of the key")
	}
	if Key("A", nil) != Key("A", map[string]any{}) {
		t.Error("Expected nil and empty params to share a key")
	}
}

func TestSetOverwrites(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	cache := newTestCache(c, WithStore(store))
	cache.Set("MARKET_STATUS", nil, "old")
	cache.Set("MARKET_STATUS", nil, "new")

	hit, _ := cache.Get("MARKET_STATUS", nil)
	if hit.Payload != "new" {
		t.Errorf("Expected new payload, got %q", hit.Payload)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", store.Len())
	}
}

func TestStats(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	cache.Get("GLOBAL_QUOTE", nil)
	cache.SetWithTTL("GLOBAL_QUOTE", nil, "x", time.Minute)
	cache.Get("GLOBAL_QUOTE", nil)
	c.t = c.t.Add(2 * time.Minute)
	cache.GetStale("GLOBAL_QUOTE", nil, time.Hour)

	got := cache.Stats()
	want := Stats{Hits: 1, Misses: 1, StaleHits: 1}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestStatsCountFreshGetStale(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := newTestCache(c)
	cache.SetWithTTL("GLOBAL_QUOTE", nil, "x", time.Minute)
	if _, ok := cache.GetStale("GLOBAL_QUOTE", nil, time.Hour); !ok {
		t.Fatal("Expected fresh entry from GetStale")
	}

	got := cache.Stats()
	want := Stats{Hits: 1}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestTTLFor(t *testing.T) {
	tests := []struct {
		tool string
		want time.Duration
	}{
		{"MARKET_STATUS", time.Hour},
		{"TIME_SERIES_INTRADAY", 2 * time.Minute},
		{"CRYPTO_INTRADAY", 2 * time.Minute},
		{"TIME_SERIES_DAILY", time.Hour},
		{"TIME_SERIES_DAILY_ADJUSTED", time.Hour},
		{"TIME_SERIES_WEEKLY", 6 * time.Hour},
		{"TIME_SERIES_MONTHLY_ADJUSTED", 12 * time.Hour},
		{"REAL_GDP", 24 * time.Hour},
		{"TREASURY_YIELD", 24 * time.Hour},
		{"GLOBAL_QUOTE", 60 * time.Second},
		{"SOMETHING_NEW", DefaultTTL},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := TTLFor(tt.tool); got != tt.want {
				t.Errorf("TTLFor(%s) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "tools.db")
	c := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}

	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	cache := newTestCache(c, WithStore(store))
	cache.Set("MARKET_STATUS", nil, `{"markets":[]}`)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	cache = newTestCache(c, WithStore(reopened))
	hit, ok := cache.Get("MARKET_STATUS", nil)
	if !ok || hit.Payload != `{"markets":[]}` {
		t.Errorf("Expected persisted entry, got %+v (ok=%v)", hit, ok)
	}
}

func TestBoltStoreClosed(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	_ = store.Close()
	if err := store.Save(Entry{Key: "k"}); err != ErrStoreClosed {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
}
