package registry

import (
	"time"

	"github.com/cory-johannsen/comms/internal/comms"
)

// PresenceKind is the type of a presence transition.
type PresenceKind int

const (
	// PresenceEntered fires when an identity goes from zero to one connections.
	PresenceEntered PresenceKind = iota
	// PresenceLeft fires when an identity goes from one to zero connections.
	PresenceLeft
)

// String returns the presence kind name.
func (k PresenceKind) String() string {
	if k == PresenceEntered {
		return "entered"
	}
	return "left"
}

// PresenceEvent describes one presence transition. The Registry is the
// single authority for these: only this package can construct an event
// whose Authoritative method returns true, which structurally prevents
// any other subsystem from re-emitting presence broadcasts.
type PresenceEvent struct {
	Identity comms.Identity
	Kind     PresenceKind
	At       time.Time

	fromRegistry bool
}

// Authoritative reports whether this event was constructed by the Registry.
// Consumers must drop (and log) any event for which this returns false.
func (e PresenceEvent) Authoritative() bool {
	return e.fromRegistry
}

func newPresenceEvent(id comms.Identity, kind PresenceKind, at time.Time) PresenceEvent {
	return PresenceEvent{Identity: id, Kind: kind, At: at, fromRegistry: true}
}

// PresenceHandler consumes presence events emitted by the Registry.
// It is invoked synchronously while the identity's entry lock is held,
// so transitions for one identity are observed in strict order. The
// handler must not call back into the Registry for the event's subject.
type PresenceHandler func(PresenceEvent)

// Presence is the derived presence view for one identity.
type Presence struct {
	// Online is true iff the identity has at least one live connection.
	Online bool
	// LastSeen is the timestamp of the most recent connection loss.
	// Zero if the identity is online or has never connected.
	LastSeen time.Time
	// ConnectionCount is the number of live connections.
	ConnectionCount int
}
