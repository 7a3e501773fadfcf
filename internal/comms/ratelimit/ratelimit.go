// Package ratelimit provides a fixed-window send limiter keyed by
// (identity, channel kind). Buckets are created lazily and carry their
// own expiry, so no external cleanup is required for correctness; the
// janitor sweeps expired buckets only to bound memory.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cory-johannsen/comms/internal/comms"
)

// Policy is the admission policy for one channel kind.
type Policy struct {
	// Limit is the number of sends admitted per window. Zero or negative
	// means unlimited.
	Limit int
	// Window is the fixed window duration.
	Window time.Duration
}

type bucketKey struct {
	id   comms.Identity
	kind comms.ChannelKind
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter admits or rejects sends per (identity, channel kind) window.
// All methods are safe for concurrent use; Admit is O(1).
type Limiter struct {
	clock    func() time.Time
	mu       sync.Mutex
	policies map[comms.ChannelKind]Policy
	buckets  map[bucketKey]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (test hook).
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New creates a Limiter with the given per-kind policies. Kinds without
// a policy are admitted unconditionally.
func New(policies map[comms.ChannelKind]Policy, opts ...Option) *Limiter {
	l := &Limiter{
		clock:    time.Now,
		policies: make(map[comms.ChannelKind]Policy, len(policies)),
		buckets:  make(map[bucketKey]*bucket),
	}
	for k, p := range policies {
		l.policies[k] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit reports whether one send by id on kind is within the window
// limit, counting it if so.
//
// Postcondition: Exactly Limit sends are admitted per window per key;
// the next send in the same window is rejected.
func (l *Limiter) Admit(id comms.Identity, kind comms.ChannelKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.policies[kind]
	if !ok || p.Limit <= 0 || p.Window <= 0 {
		return true
	}

	now := l.clock()
	key := bucketKey{id: id, kind: kind}
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= p.Window {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true
	}
	if b.count >= p.Limit {
		return false
	}
	b.count++
	return true
}

// Sweep drops buckets whose window has elapsed.
//
// Postcondition: Returns the number of buckets dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	dropped := 0
	for key, b := range l.buckets {
		p, ok := l.policies[key.kind]
		if !ok || now.Sub(b.windowStart) >= p.Window {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live buckets (operational metric).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
