// Package router resolves a logical channel to a concrete recipient set
// and a broker subject. Location membership is re-derived from the
// Locator collaborator on every call and never cached.
package router

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/comms/internal/comms"
)

// PresenceSource is the narrow registry view the router needs.
type PresenceSource interface {
	OnlineIdentities() []comms.Identity
	Known(id comms.Identity) bool
}

// Resolution is the outcome of resolving one send.
type Resolution struct {
	// Kind is the channel kind that was resolved.
	Kind comms.ChannelKind
	// Recipients is the candidate recipient set before dispatcher
	// inclusion/exclusion rules are applied. It may include the sender.
	Recipients []comms.Identity
	// Subject is the broker subject for cross-process fan-out. Empty when
	// the send has no subject (e.g. the sender has no location).
	Subject string
	// NoMatch is true for a direct send whose target is unknown. This is
	// an expected outcome, not an error, so callers can render a neutral
	// response without revealing whether the target exists.
	NoMatch bool
}

// Router resolves channel sends. Safe for concurrent use.
type Router struct {
	locator     comms.Locator
	eligibility comms.Eligibility
	presence    PresenceSource

	mu         sync.Mutex
	lastDirect map[comms.Identity]comms.Identity
}

// New creates a Router.
//
// Precondition: locator, eligibility, and presence must be non-nil.
func New(locator comms.Locator, eligibility comms.Eligibility, presence PresenceSource) *Router {
	return &Router{
		locator:     locator,
		eligibility: eligibility,
		presence:    presence,
		lastDirect:  make(map[comms.Identity]comms.Identity),
	}
}

// Resolve maps (kind, sender, target) to a recipient set and broker
// subject. For direct sends it also records the sender as the target's
// last direct correspondent, enabling replies.
//
// Postcondition: Returns a Resolution; an error only for a malformed
// request (missing direct target), never for an unknown one.
func (r *Router) Resolve(kind comms.ChannelKind, sender comms.Identity, target comms.Identity) (Resolution, error) {
	switch kind {
	case comms.ChannelLocation:
		loc, ok := r.locator.CurrentLocation(sender)
		if !ok {
			return Resolution{Kind: kind}, nil
		}
		return Resolution{
			Kind:       kind,
			Recipients: r.locator.IdentitiesAt(loc),
			Subject:    comms.SubjectLocation(loc),
		}, nil

	case comms.ChannelGlobal:
		online := r.presence.OnlineIdentities()
		recipients := make([]comms.Identity, 0, len(online))
		for _, id := range online {
			if r.eligibility.Eligible(id) {
				recipients = append(recipients, id)
			}
		}
		return Resolution{
			Kind:       kind,
			Recipients: recipients,
			Subject:    comms.SubjectGlobal,
		}, nil

	case comms.ChannelDirect:
		if target == "" {
			return Resolution{}, fmt.Errorf("direct send from %q: target must be non-empty", sender)
		}
		if !r.presence.Known(target) {
			return Resolution{Kind: kind, NoMatch: true}, nil
		}
		r.mu.Lock()
		r.lastDirect[target] = sender
		r.mu.Unlock()
		return Resolution{
			Kind:       kind,
			Recipients: []comms.Identity{target},
			Subject:    comms.SubjectDirect(target),
		}, nil

	case comms.ChannelSystem:
		return Resolution{
			Kind:       kind,
			Recipients: r.presence.OnlineIdentities(),
			Subject:    comms.SubjectSystem,
		}, nil

	default:
		return Resolution{}, fmt.Errorf("resolving send from %q: unknown channel kind %v", sender, kind)
	}
}

// ResolveLocal returns the locally-known recipients for an inbound broker
// message (already resolved and published by another node). No routing
// bookkeeping is performed.
func (r *Router) ResolveLocal(msg comms.Message) []comms.Identity {
	switch msg.Kind {
	case comms.ChannelDirect:
		if msg.Target == "" || !r.presence.Known(msg.Target) {
			return nil
		}
		return []comms.Identity{msg.Target}
	case comms.ChannelLocation:
		loc, ok := r.locator.CurrentLocation(msg.Sender)
		if !ok {
			return nil
		}
		return r.locator.IdentitiesAt(loc)
	case comms.ChannelGlobal:
		online := r.presence.OnlineIdentities()
		recipients := make([]comms.Identity, 0, len(online))
		for _, id := range online {
			if r.eligibility.Eligible(id) {
				recipients = append(recipients, id)
			}
		}
		return recipients
	default:
		return r.presence.OnlineIdentities()
	}
}

// LastDirectSender returns who last sent a direct message to id, for
// reply support.
//
// Postcondition: Returns (sender, true) if a direct message has been
// routed to id.
func (r *Router) LastDirectSender(id comms.Identity) (comms.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.lastDirect[id]
	return sender, ok
}

// Forget drops routing bookkeeping for an identity (janitor hook, called
// when the identity is pruned from the registry).
func (r *Router) Forget(id comms.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastDirect, id)
}
