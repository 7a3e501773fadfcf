package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
)

// Stats is the aggregate registry view exposed to operational tooling.
type Stats struct {
	// Identities is the number of tracked identities (online or within
	// the offline retention window).
	Identities int `json:"identities"`
	// Connections is the total number of live connections.
	Connections int `json:"connections"`
	// ByTransport is the live connection count per transport kind.
	ByTransport map[string]int `json:"by_transport"`
}

// Stats returns aggregate connection statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{
		Identities:  len(r.entries),
		Connections: len(r.conns),
		ByTransport: make(map[string]int, 2),
	}
	for _, c := range r.conns {
		s.ByTransport[c.transport.String()]++
	}
	r.mu.RUnlock()
	return s
}

// EvictStale closes and unregisters connections older than maxAge or idle
// longer than idleCutoff. A zero duration disables that criterion. Locks
// are held per identity only, so live dispatch is never blocked globally.
//
// Postcondition: Returns the ids of the evicted connections. Emits one
// "left" presence event per identity that dropped to zero connections.
func (r *Registry) EvictStale(maxAge, idleCutoff time.Duration) []string {
	now := r.clock()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var evicted []string
	for _, e := range entries {
		e.emitMu.Lock()

		e.mu.Lock()
		var dropped []string
		for connID, conn := range e.conns {
			tooOld := maxAge > 0 && now.Sub(conn.establishedAt) > maxAge
			idle := idleCutoff > 0 && now.Sub(conn.LastActivity()) > idleCutoff
			if !tooOld && !idle {
				continue
			}
			_ = conn.Close()
			delete(e.conns, connID)
			dropped = append(dropped, connID)
			r.logger.Info("evicting stale connection",
				zap.String("conn_id", connID),
				zap.String("identity", string(e.identity)),
				zap.Bool("too_old", tooOld),
				zap.Bool("idle", idle),
			)
		}
		left := false
		if len(dropped) > 0 {
			r.mu.Lock()
			for _, connID := range dropped {
				delete(r.conns, connID)
			}
			r.mu.Unlock()
			evicted = append(evicted, dropped...)
			if len(e.conns) == 0 {
				e.lastSeen = now
				left = true
			}
		}
		e.mu.Unlock()

		if left {
			r.emit(newPresenceEvent(e.identity, PresenceLeft, now))
		}
		e.emitMu.Unlock()
	}
	return evicted
}

// PruneOffline forgets identities that have had zero connections for
// longer than retention. Pruned identities are no longer "known", so
// direct sends to them resolve to no-match.
//
// Precondition: retention must be > 0.
// Postcondition: Returns the number of pruned identities.
func (r *Registry) PruneOffline(retention time.Duration) int {
	now := r.clock()

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	pruned := 0
	for _, e := range candidates {
		e.mu.Lock()
		stale := len(e.conns) == 0 && !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > retention
		if stale {
			r.mu.Lock()
			// The entry is still empty: adding a connection requires e.mu,
			// which we hold. A Register that raced past lookup detects the
			// deletion under its locks and retries on a fresh entry.
			delete(r.entries, e.identity)
			r.mu.Unlock()
			pruned++
		}
		e.mu.Unlock()
	}

	if pruned > 0 {
		r.logger.Debug("pruned offline identities", zap.Int("count", pruned))
	}
	return pruned
}

// Introspection is the per-identity operational view.
type Introspection struct {
	Identity    comms.Identity   `json:"identity"`
	Session     comms.SessionID  `json:"session"`
	Online      bool             `json:"online"`
	LastSeen    time.Time        `json:"last_seen,omitempty"`
	Connections []ConnectionInfo `json:"connections"`
}

// ConnectionInfo describes one live connection for introspection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	EstablishedAt time.Time `json:"established_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Inspect returns the operational view for one identity.
//
// Postcondition: Returns (view, true) if the identity is known.
func (r *Registry) Inspect(id comms.Identity) (Introspection, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Introspection{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	view := Introspection{
		Identity:    id,
		Session:     e.session,
		Online:      len(e.conns) > 0,
		LastSeen:    e.lastSeen,
		Connections: make([]ConnectionInfo, 0, len(e.conns)),
	}
	for _, c := range e.conns {
		view.Connections = append(view.Connections, ConnectionInfo{
			ID:            c.id,
			Transport:     c.transport.String(),
			EstablishedAt: c.establishedAt,
			LastActivity:  c.LastActivity(),
		})
	}
	return view, true
}
