// Package keypool tracks per-key daily request quotas for the market-data
// service and selects the next key with remaining capacity.
//
// Each key gets DailyLimit requests per UTC day. Selection is round-robin from
// a persistent cursor; exhausted slots are skipped and a slot whose reset time
// has passed is zeroed the first time it is looked at. Counters can be
// persisted through a Store so restarts do not hand out already-spent quota.
//
// A Pool is safe for concurrent use within one process. Several processes
// sharing the same keys each keep their own counters; coordinating them needs
// a Store with atomic increments, which SQLStore does not provide.
package keypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DailyLimit is the number of requests a single key may make per UTC day.
const DailyLimit = 25

// ErrNoKeys is returned by NewPool when no keys are configured.
var ErrNoKeys = errors.New("keypool: no API keys configured")

// Slot is the usage counter for one key.
type Slot struct {
	Index         int
	RequestsToday int
	ResetAt       time.Time
}

// Store persists slot counters.
type Store interface {
	LoadSlots(ctx context.Context) ([]Slot, error)
	SaveSlot(ctx context.Context, slot Slot) error
}

// Pool owns the usage counters for an ordered list of keys.
type Pool struct {
	mu     sync.Mutex
	keys   []string
	slots  []Slot
	cursor int
	limit  int

	now            func() time.Time
	store          Store
	persistTimeout time.Duration
	persistMu      sync.Mutex
	pending        sync.WaitGroup
	logger         zerolog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithStore persists counters to s.
func WithStore(s Store) Option {
	return func(p *Pool) { p.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) { p.logger = logger.With().Str("component", "keypool").Logger() }
}

// WithDailyLimit overrides DailyLimit.
func WithDailyLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.limit = n
		}
	}
}

// NewPool creates a pool for keys. Key order defines slot indices.
func NewPool(keys []string, opts ...Option) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	p := &Pool{
		keys:           append([]string(nil), keys...),
		limit:          DailyLimit,
		now:            time.Now,
		persistTimeout: 2 * time.Second,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	resetAt := NextReset(p.now())
	p.slots = make([]Slot, len(keys))
	for i := range p.slots {
		p.slots[i] = Slot{Index: i, ResetAt: resetAt}
	}
	return p, nil
}

// NextReset returns the first UTC midnight strictly after t.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Size returns the number of keys.
func (p *Pool) Size() int { return len(p.keys) }

// Limit returns the per-key daily limit.
func (p *Pool) Limit() int { return p.limit }

// Key returns the key at index.
func (p *Pool) Key(index int) string {
	if index < 0 || index >= len(p.keys) {
		return ""
	}
	return p.keys[index]
}

// NextAvailable returns the index of the next key with remaining quota,
// scanning at most Size slots from the cursor. The cursor moves past every
// slot inspected. ok is false when all keys are exhausted.
func (p *Pool) NextAvailable() (index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.slots)
	for range n {
		idx := p.cursor
		p.cursor = (p.cursor + 1) % n
		p.resetIfDue(idx, now)
		if p.slots[idx].RequestsToday < p.limit {
			return idx, true
		}
	}
	return -1, false
}

// IsExhausted reports whether the slot has used its daily quota, resetting it
// first if its reset time has passed.
func (p *Pool) IsExhausted(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid(index) {
		return true
	}
	p.resetIfDue(index, p.now())
	return p.slots[index].RequestsToday >= p.limit
}

// Increment records one request against the slot.
func (p *Pool) Increment(index int) {
	p.mu.Lock()
	if !p.valid(index) {
		p.mu.Unlock()
		return
	}
	p.resetIfDue(index, p.now())
	p.slots[index].RequestsToday++
	slot := p.slots[index]
	p.mu.Unlock()

	p.logger.Debug().Int("key", index).Int("requestsToday", slot.RequestsToday).Msg("Key usage incremented")
	p.persist(index)
}

// ForceExhaust marks the slot as spent for the rest of the day. Used when the
// service rejects a key for rate limiting before our own count reached the limit.
func (p *Pool) ForceExhaust(index int) {
	p.mu.Lock()
	if !p.valid(index) {
		p.mu.Unlock()
		return
	}
	p.resetIfDue(index, p.now())
	if p.slots[index].RequestsToday < p.limit {
		p.slots[index].RequestsToday = p.limit
	}
	slot := p.slots[index]
	p.mu.Unlock()

	p.logger.Warn().Int("key", index).Time("resetAt", slot.ResetAt).Msg("Key marked exhausted")
	p.persist(index)
}

// ResetExpired zeroes every slot whose reset time has passed and returns how
// many were reset.
func (p *Pool) ResetExpired() int {
	p.mu.Lock()
	now := p.now()
	var reset []Slot
	for i := range p.slots {
		if p.resetIfDue(i, now) {
			reset = append(reset, p.slots[i])
		}
	}
	p.mu.Unlock()

	for _, s := range reset {
		p.persist(s.Index)
	}
	if len(reset) > 0 {
		p.logger.Info().Int("slots", len(reset)).Msg("Daily key quotas reset")
	}
	return len(reset)
}

// Snapshot returns a copy of all slots.
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Slot(nil), p.slots...)
}

// Available returns the number of slots with remaining quota.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	count := 0
	for i := range p.slots {
		p.resetIfDue(i, now)
		if p.slots[i].RequestsToday < p.limit {
			count++
		}
	}
	return count
}

// Restore loads persisted counters. Slots for indices beyond the configured
// keys are ignored, and counters whose reset time has passed start at zero.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	saved, err := p.store.LoadSlots(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	restored := 0
	for _, s := range saved {
		if !p.valid(s.Index) {
			continue
		}
		p.slots[s.Index] = s
		p.resetIfDue(s.Index, now)
		restored++
	}
	p.logger.Debug().Int("slots", restored).Msg("Key usage restored")
	return nil
}

// Wait blocks until pending persistence writes finish.
func (p *Pool) Wait() {
	p.pending.Wait()
}

func (p *Pool) valid(index int) bool {
	return index >= 0 && index < len(p.slots)
}

// resetIfDue must be called with p.mu held.
func (p *Pool) resetIfDue(index int, now time.Time) bool {
	s := &p.slots[index]
	if now.Before(s.ResetAt) {
		return false
	}
	s.RequestsToday = 0
	s.ResetAt = NextReset(now)
	return true
}

// persist writes the slot in the background. Each write reads the slot's
// current value under persistMu, so the last write to finish is always the
// newest state.
func (p *Pool) persist(index int) {
	if p.store == nil {
		return
	}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.persistMu.Lock()
		defer p.persistMu.Unlock()

		p.mu.Lock()
		slot := p.slots[index]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.persistTimeout)
		defer cancel()
		if err := p.store.SaveSlot(ctx, slot); err != nil {
			p.logger.Debug().Err(err).Int("key", index).Msg("Failed to persist key usage")
		}
	}()
}
