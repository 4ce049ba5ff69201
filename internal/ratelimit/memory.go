package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryRateLimiter implements in-memory rate limiting with one token
// bucket per key. The bucket holds MaxRequests tokens and refills fully
// over Window.
type MemoryRateLimiter struct {
	config     *Config
	limiters   map[string]*limiterEntry
	mutex      sync.Mutex
	cleanupInt time.Duration
	stopClean  chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewMemoryRateLimiter creates a new in-memory rate limiter
func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	m := &MemoryRateLimiter{
		config:     config,
		limiters:   make(map[string]*limiterEntry),
		cleanupInt: 5 * time.Minute,
		stopClean:  make(chan struct{}),
		now:        time.Now,
	}

	go m.cleanup()

	return m
}

// Allow checks if a request should be allowed
func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	entry, exists := m.limiters[key]
	if !exists {
		every := m.config.Window / time.Duration(m.config.MaxRequests)
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(every), m.config.MaxRequests)}
		m.limiters[key] = entry
	}
	entry.lastAccess = now

	allowed := entry.limiter.AllowN(now, 1)
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     m.config.MaxRequests,
		Remaining: remaining,
		ResetTime: now.Add(m.config.Window),
	}, nil
}

// cleanup removes stale entries periodically
func (m *MemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(m.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mutex.Lock()
			now := m.now()
			for key, entry := range m.limiters {
				// A bucket idle for two windows is full again.
				if now.Sub(entry.lastAccess) > 2*m.config.Window {
					delete(m.limiters, key)
				}
			}
			m.mutex.Unlock()
		case <-m.stopClean:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (m *MemoryRateLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stopClean) })
	return nil
}

// MemoryPollLimiter tracks the last poll per device code in process. Entries
// idle for longer than retention are swept in the background.
type MemoryPollLimiter struct {
	mu        sync.Mutex
	lastPoll  map[string]time.Time
	retention time.Duration
	stopClean chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func NewMemoryPollLimiter() *MemoryPollLimiter {
	p := &MemoryPollLimiter{
		lastPoll:  make(map[string]time.Time),
		retention: time.Hour,
		stopClean: make(chan struct{}),
		now:       time.Now,
	}

	go p.cleanup(5 * time.Minute)

	return p
}

// WithClock replaces the time source; used by tests.
func (p *MemoryPollLimiter) WithClock(now func() time.Time) *MemoryPollLimiter {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
	return p
}

func (p *MemoryPollLimiter) Poll(_ context.Context, key string, interval time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	last, seen := p.lastPoll[key]
	p.lastPoll[key] = now
	return !seen || now.Sub(last) >= interval, nil
}

func (p *MemoryPollLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopClean:
			return
		}
	}
}

// sweep drops device codes that have not polled within retention.
func (p *MemoryPollLimiter) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, last := range p.lastPoll {
		if now.Sub(last) > p.retention {
			delete(p.lastPoll, key)
		}
	}
}

// Close stops the cleanup goroutine
func (p *MemoryPollLimiter) Close() error {
	p.closeOnce.Do(func() { close(p.stopClean) })
	return nil
}
