package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryConfig configures NewMemory.
type MemoryConfig struct {
	// MaxKeys caps the number of tracked keys. New keys beyond the cap are
	// refused with ErrCapacity after idle entries are evicted.
	MaxKeys int
	// IdleTTL is how long an untouched key is kept.
	IdleTTL time.Duration
	Now     func() time.Time
}

type memoryEntry struct {
	limiter  *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

// Memory keeps a token-bucket limiter per key in process. Suitable for a
// single instance only; use the Redis store when several instances share
// the limit.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Memory{
		entries: make(map[string]*memoryEntry),
		maxKeys: cfg.MaxKeys,
		idleTTL: cfg.IdleTTL,
		now:     cfg.Now,
	}
}

// Allow refills limit tokens evenly over window with a burst of limit.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if window <= 0 {
		window = time.Second
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && (e.limit != limit || e.window != window) {
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		if len(m.entries) >= m.maxKeys {
			m.evictIdle(now)
		}
		if len(m.entries) >= m.maxKeys {
			return Decision{}, ErrCapacity
		}
		// A zero interval would make the limiter unlimited.
		every := window / time.Duration(limit)
		if every <= 0 {
			every = time.Nanosecond
		}
		e = &memoryEntry{
			limiter: rate.NewLimiter(rate.Every(every), limit),
			limit:   limit,
			window:  window,
		}
		m.entries[key] = e
	}
	e.lastSeen = now

	allowed := e.limiter.AllowN(now, 1)
	tokens := e.limiter.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAt: now}
	if tokens < 1 {
		perToken := window / time.Duration(limit)
		d.ResetAt = now.Add(time.Duration((1 - tokens) * float64(perToken)))
	}
	return d, nil
}

func (m *Memory) evictIdle(now time.Time) {
	for k, e := range m.entries {
		if now.Sub(e.lastSeen) > m.idleTTL {
			delete(m.entries, k)
		}
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
