// Package ratelimiter implements process-wide sliding-window client
// admission. Admission is by distinct active client id, not request
// volume: once MaxClients ids are inside the window, new ids are
// denied until someone's window lapses.
package ratelimiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config sizes the limiter. Zero values fall back to safe defaults.
type Config struct {
	MaxClients      int
	Window          time.Duration
	CleanupInterval time.Duration
	Logger          zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	countInWindow int64
	windowStart   int64 // unix ms
	lastSeen      int64 // unix ms
}

// Limiter tracks per-client windows under one mutex. Allow is total:
// it never errors, it only admits or denies.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	maxClients int
	windowMS   int64
	now        func() int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          zerolog.Logger
}

// New builds a limiter and starts its background sweep.
func New(cfg Config) *Limiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.Window
	}
	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}

	l := &Limiter{
		entries:         make(map[string]*entry),
		maxClients:      cfg.MaxClients,
		windowMS:        cfg.Window.Milliseconds(),
		now:             func() int64 { return clock().UnixMilli() },
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          cfg.Logger.With().Str("component", "rate_limiter").Logger(),
	}
	go l.cleanupLoop()
	return l
}

// Allow admits clientID if it is already inside its active window, or
// if fewer than MaxClients distinct ids are active right now.
func (l *Limiter) Allow(clientID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}

	active := 0
	for _, e := range l.entries {
		if l.isActive(e, now) {
			active++
		}
	}

	e, known := l.entries[clientID]
	alreadyActive := known && l.isActive(e, now)

	if !alreadyActive && active >= l.maxClients {
		denialsTotal.Inc()
		l.logger.Warn().
			Str("client", clientID).
			Int("active", active).
			Int("max_clients", l.maxClients).
			Msg("Admission denied: window full")
		return false
	}

	if !known {
		e = &entry{}
		l.entries[clientID] = e
	}
	if !alreadyActive {
		e.countInWindow = 0
		e.windowStart = now
	}
	e.lastSeen = now
	e.countInWindow++
	return true
}

func (l *Limiter) isActive(e *entry, now int64) bool {
	return now-maxInt64(e.windowStart, e.lastSeen) < l.windowMS
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops entries whose window fully lapsed. Exposed within the
// package so tests can run it deterministically.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if maxInt64(e.windowStart, e.lastSeen)+l.windowMS <= now {
			delete(l.entries, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.entries)).Msg("Swept stale limiter entries")
	}
}

// ActiveCount reports how many ids are inside their window right now.
func (l *Limiter) ActiveCount() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	active := 0
	for _, e := range l.entries {
		if l.isActive(e, now) {
			active++
		}
	}
	return active
}

// Stats reports limiter state for health endpoints.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"tracked_clients": len(l.entries),
		"max_clients":     l.maxClients,
		"window_ms":       l.windowMS,
		"stopped":         l.stopped,
	}
}

// Stop flips the limiter into deny-everything mode and halts the
// sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
