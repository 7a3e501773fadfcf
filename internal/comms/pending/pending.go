// Package pending buffers messages for identities that are briefly
// offline. Queues are bounded per identity (FIFO eviction) and every
// entry carries a TTL, so the buffer never grows without bound.
package pending

import (
	"sync"
	"time"

	"github.com/cory-johannsen/comms/internal/comms"
)

// Message is one buffered payload awaiting reconnection.
type Message struct {
	Payload    []byte
	EnqueuedAt time.Time
	TTL        time.Duration
}

func (m Message) expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.EnqueuedAt) >= m.TTL
}

// Buffer is the pending message store. All methods are safe for
// concurrent use.
type Buffer struct {
	maxPerIdentity int
	clock          func() time.Time

	mu     sync.Mutex
	queues map[comms.Identity][]Message
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the time source (test hook).
func WithClock(clock func() time.Time) Option {
	return func(b *Buffer) { b.clock = clock }
}

// New creates a Buffer holding at most maxPerIdentity messages per queue.
//
// Precondition: maxPerIdentity must be > 0.
func New(maxPerIdentity int, opts ...Option) *Buffer {
	if maxPerIdentity <= 0 {
		maxPerIdentity = 20
	}
	b := &Buffer{
		maxPerIdentity: maxPerIdentity,
		clock:          time.Now,
		queues:         make(map[comms.Identity][]Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue buffers one payload for id. If the queue is at capacity the
// oldest entry is evicted first, so the most recent messages win.
//
// Postcondition: len(queue(id)) <= maxPerIdentity.
func (b *Buffer) Enqueue(id comms.Identity, payload []byte, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[id]
	if len(q) >= b.maxPerIdentity {
		drop := len(q) - b.maxPerIdentity + 1
		q = append(q[:0], q[drop:]...)
	}
	b.queues[id] = append(q, Message{
		Payload:    payload,
		EnqueuedAt: b.clock(),
		TTL:        ttl,
	})
}

// Drain removes and returns every unexpired message for id, oldest first.
// Draining is destructive: entries are gone whether or not the caller
// delivers them onward.
//
// Postcondition: The identity's queue is empty.
func (b *Buffer) Drain(id comms.Identity) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[id]
	if !ok {
		return nil
	}
	delete(b.queues, id)

	now := b.clock()
	out := make([]Message, 0, len(q))
	for _, m := range q {
		if !m.expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// Size returns the queue length for one identity.
func (b *Buffer) Size(id comms.Identity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[id])
}

// Total returns the total number of buffered messages.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// Queues returns the number of identities with buffered messages.
func (b *Buffer) Queues() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// SweepExpired drops entries past their TTL and removes empty queues.
//
// Postcondition: Returns the number of entries dropped.
func (b *Buffer) SweepExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	dropped := 0
	for id, q := range b.queues {
		kept := q[:0]
		for _, m := range q {
			if m.expired(now) {
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(b.queues, id)
		} else {
			b.queues[id] = kept
		}
	}
	return dropped
}

// Trim caps every queue at max entries, discarding oldest-first. Used by
// the janitor when reconfigured below the construction-time bound.
//
// Postcondition: Returns the number of entries discarded.
func (b *Buffer) Trim(max int) int {
	if max <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	trimmed := 0
	for id, q := range b.queues {
		if len(q) <= max {
			continue
		}
		drop := len(q) - max
		b.queues[id] = append(q[:0], q[drop:]...)
		trimmed += drop
	}
	return trimmed
}
