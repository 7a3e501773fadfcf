// Package registry is the authoritative map of identity to live transport
// connections and session metadata. It is the single source of truth for
// "is this identity reachable right now" and the sole emitter of presence
// events.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
)

// ErrSessionMismatch is returned by Register when the presented session id
// does not match the identity's current session (stale client).
var ErrSessionMismatch = errors.New("session mismatch")

// ErrConnNotFound is returned by Unregister for an unknown connection id.
var ErrConnNotFound = errors.New("connection not found")

// Registry tracks every live connection. All methods are safe for
// concurrent use; connect/disconnect/session-change for one identity are
// strictly ordered via per-identity locking.
//
// Lock discipline: each identity entry carries two mutexes. emitMu is
// acquired first and held across both the state transition and the
// presence handler call, so no two transitions for one identity can
// interleave and their presence events are observed in transition order.
// mu guards the entry's connection map and is never held while calling
// out, so readers (ConnectionsFor, PresenceOf) are safe to use from
// inside a presence handler for any identity other than the subject.
type Registry struct {
	logger     *zap.Logger
	outboxSize int
	clock      func() time.Time

	handlerMu sync.RWMutex
	handler   PresenceHandler

	mu      sync.RWMutex
	entries map[comms.Identity]*entry
	conns   map[string]*Conn
}

type entry struct {
	emitMu   sync.Mutex
	mu       sync.Mutex
	identity comms.Identity
	session  comms.SessionID
	conns    map[string]*Conn
	lastSeen time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithOutboxSize sets the per-connection outbox capacity.
func WithOutboxSize(n int) Option {
	return func(r *Registry) { r.outboxSize = n }
}

// WithClock overrides the time source (test hook).
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// New creates an empty Registry.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:     logger,
		outboxSize: 64,
		clock:      time.Now,
		entries:    make(map[comms.Identity]*entry),
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPresenceHandler installs the consumer of presence events. The handler
// is invoked synchronously; transitions for the event's subject identity
// are blocked until it returns, so it must not call back into the Registry
// for that subject.
func (r *Registry) SetPresenceHandler(h PresenceHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = h
}

func (r *Registry) emit(evt PresenceEvent) {
	r.handlerMu.RLock()
	h := r.handler
	r.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

// getOrCreateEntry returns the entry for id, creating it with the given
// session if it does not exist yet.
func (r *Registry) getOrCreateEntry(id comms.Identity, session comms.SessionID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{
			identity: id,
			session:  session,
			conns:    make(map[string]*Conn),
		}
		r.entries[id] = e
	}
	return e
}

// lockEntry returns the live entry for id with emitMu and mu both held.
// PruneOffline can delete an entry between lookup and lock; re-checking
// membership under the locks and retrying guarantees a transition never
// lands on an entry the janitor already removed, which would strand its
// connections outside every registry view.
func (r *Registry) lockEntry(id comms.Identity, session comms.SessionID) *entry {
	for {
		e := r.getOrCreateEntry(id, session)
		e.emitMu.Lock()
		e.mu.Lock()
		r.mu.RLock()
		live := r.entries[id] == e
		r.mu.RUnlock()
		if live {
			return e
		}
		e.mu.Unlock()
		e.emitMu.Unlock()
	}
}

// Register opens a new connection for (identity, session).
//
// Precondition: identity and session must be non-empty; the pair has
// already been validated by the authentication collaborator.
// Postcondition: Returns the live Conn, or ErrSessionMismatch if session
// does not match the identity's current session. Emits exactly one
// "entered" presence event when the identity goes from zero to one
// connections.
func (r *Registry) Register(id comms.Identity, transport comms.TransportKind, session comms.SessionID) (*Conn, error) {
	if id == "" || session == "" {
		return nil, fmt.Errorf("registering connection: identity and session must be non-empty")
	}

	e := r.lockEntry(id, session)
	defer e.emitMu.Unlock()

	if e.session != session {
		current := e.session
		e.mu.Unlock()
		return nil, fmt.Errorf("registering %q under session %q (current %q): %w", id, session, current, ErrSessionMismatch)
	}

	now := r.clock()
	conn := newConn(uuid.NewString(), id, transport, session, r.outboxSize, now)
	e.conns[conn.id] = conn
	entered := len(e.conns) == 1

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()
	e.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("conn_id", conn.id),
		zap.String("identity", string(id)),
		zap.String("transport", transport.String()),
	)

	if entered {
		r.emit(newPresenceEvent(id, PresenceEntered, now))
	}
	return conn, nil
}

// Unregister closes and removes one connection.
//
// Postcondition: The connection is closed and forgotten. Emits exactly
// one "left" presence event when the identity drops to zero connections.
// Returns ErrConnNotFound for an unknown or already-removed id.
func (r *Registry) Unregister(connID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	var e *entry
	if ok {
		e = r.entries[conn.identity]
	}
	r.mu.RUnlock()
	if !ok || e == nil {
		return fmt.Errorf("unregistering %q: %w", connID, ErrConnNotFound)
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if _, present := e.conns[connID]; !present {
		// Lost a race with a session transition that already evicted it.
		e.mu.Unlock()
		return fmt.Errorf("unregistering %q: %w", connID, ErrConnNotFound)
	}
	delete(e.conns, connID)
	_ = conn.Close()

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()

	left := len(e.conns) == 0
	var at time.Time
	if left {
		at = r.clock()
		e.lastSeen = at
	}
	e.mu.Unlock()

	r.logger.Debug("connection unregistered",
		zap.String("conn_id", connID),
		zap.String("identity", string(conn.identity)),
	)

	if left {
		r.emit(newPresenceEvent(conn.identity, PresenceLeft, at))
	}
	return nil
}

// StartNewSession transitions the identity to a new session, force-closing
// and unregistering every connection from the prior session before the new
// session becomes active. No grace period is observed.
//
// Precondition: id and session must be non-empty.
// Postcondition: Returns the ids of the evicted connections. After return,
// only registrations presenting the new session id are accepted.
func (r *Registry) StartNewSession(id comms.Identity, session comms.SessionID) ([]string, error) {
	if id == "" || session == "" {
		return nil, fmt.Errorf("starting session: identity and session must be non-empty")
	}

	e := r.lockEntry(id, session)
	defer e.emitMu.Unlock()

	if e.session == session && len(e.conns) == 0 {
		e.mu.Unlock()
		return nil, nil
	}

	evicted := make([]string, 0, len(e.conns))
	for connID, conn := range e.conns {
		_ = conn.Close()
		delete(e.conns, connID)
		evicted = append(evicted, connID)
	}
	if len(evicted) > 0 {
		r.mu.Lock()
		for _, connID := range evicted {
			delete(r.conns, connID)
		}
		r.mu.Unlock()
	}

	prior := e.session
	e.session = session

	var at time.Time
	if len(evicted) > 0 {
		at = r.clock()
		e.lastSeen = at
	}
	e.mu.Unlock()

	r.logger.Info("session transition",
		zap.String("identity", string(id)),
		zap.String("prior_session", string(prior)),
		zap.String("new_session", string(session)),
		zap.Int("evicted", len(evicted)),
	)

	if len(evicted) > 0 {
		r.emit(newPresenceEvent(id, PresenceLeft, at))
	}
	return evicted, nil
}

// ConnectionsFor returns the live connections for an identity.
//
// Postcondition: Returns a copied slice (may be empty, never shared).
func (r *Registry) ConnectionsFor(id comms.Identity) []*Conn {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// CurrentSession returns the identity's active session id, if known.
func (r *Registry) CurrentSession(id comms.Identity) (comms.SessionID, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// PresenceOf returns the derived presence view for an identity.
func (r *Registry) PresenceOf(id comms.Identity) Presence {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Presence{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Presence{
		Online:          len(e.conns) > 0,
		LastSeen:        e.lastSeen,
		ConnectionCount: len(e.conns),
	}
}

// Known reports whether the identity has ever registered and has not
// been pruned.
func (r *Registry) Known(id comms.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// OnlineIdentities returns every identity with at least one live connection.
func (r *Registry) OnlineIdentities() []comms.Identity {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]comms.Identity, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if len(e.conns) > 0 {
			out = append(out, e.identity)
		}
		e.mu.Unlock()
	}
	return out
}
