// Package directory is an in-memory location/eligibility/mute directory
// used by the standalone daemon and tests. Production deployments
// substitute the real world service behind the same interfaces.
package directory

import (
	"sync"

	"github.com/cory-johannsen/comms/internal/comms"
)

// ChangeListener observes confirmed location changes (the broker bridge
// resubscribes location subjects through it).
type ChangeListener func(id comms.Identity, loc comms.LocationKey)

// Directory implements comms.Locator, comms.Eligibility, and comms.Muter.
// All methods are safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	locations map[comms.Identity]comms.LocationKey
	byLoc     map[comms.LocationKey]map[comms.Identity]bool
	levels    map[comms.Identity]int
	minLevel  int
	mutes     map[muteKey]bool
	listener  ChangeListener
}

type muteKey struct {
	recipient comms.Identity
	sender    comms.Identity
}

// New creates an empty Directory. Identities below minLevel are not
// eligible for the global channel.
func New(minLevel int) *Directory {
	return &Directory{
		locations: make(map[comms.Identity]comms.LocationKey),
		byLoc:     make(map[comms.LocationKey]map[comms.Identity]bool),
		levels:    make(map[comms.Identity]int),
		minLevel:  minLevel,
		mutes:     make(map[muteKey]bool),
	}
}

// SetChangeListener installs the location-change observer.
func (d *Directory) SetChangeListener(l ChangeListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
}

// CurrentLocation returns the identity's location, if placed.
func (d *Directory) CurrentLocation(id comms.Identity) (comms.LocationKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.locations[id]
	return loc, ok
}

// IdentitiesAt returns every identity at the given location.
func (d *Directory) IdentitiesAt(loc comms.LocationKey) []comms.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.byLoc[loc]
	if !ok {
		return nil
	}
	out := make([]comms.Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Eligible reports whether the identity meets the global-channel
// level threshold.
func (d *Directory) Eligible(id comms.Identity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.levels[id] >= d.minLevel
}

// Muted reports whether recipient has muted sender. Kind is accepted for
// interface compatibility; mutes here apply to every non-system kind.
func (d *Directory) Muted(recipient, sender comms.Identity, kind comms.ChannelKind) bool {
	if kind == comms.ChannelSystem {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mutes[muteKey{recipient: recipient, sender: sender}]
}

// Place moves one identity to a location and notifies the change listener.
//
// Precondition: id and loc must be non-empty.
func (d *Directory) Place(id comms.Identity, loc comms.LocationKey) {
	d.mu.Lock()
	listener := d.listener
	d.place(id, loc)
	d.mu.Unlock()

	if listener != nil {
		listener(id, loc)
	}
}

// Remove forgets one identity's placement.
func (d *Directory) Remove(id comms.Identity) {
	d.mu.Lock()
	listener := d.listener
	d.remove(id)
	d.mu.Unlock()

	if listener != nil {
		listener(id, "")
	}
}

// place requires d.mu held.
func (d *Directory) place(id comms.Identity, loc comms.LocationKey) {
	d.remove(id)
	d.locations[id] = loc
	if d.byLoc[loc] == nil {
		d.byLoc[loc] = make(map[comms.Identity]bool)
	}
	d.byLoc[loc][id] = true
}

// remove requires d.mu held.
func (d *Directory) remove(id comms.Identity) {
	old, ok := d.locations[id]
	if !ok {
		return
	}
	delete(d.locations, id)
	if set, ok := d.byLoc[old]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(d.byLoc, old)
		}
	}
}

// SyncLocations reconciles membership against a full snapshot from the
// world service. It mutates membership state directly and emits no
// presence notifications: the registry's connect/disconnect events are
// the only presence authority, and a sync that re-announced arrivals
// would duplicate them.
//
// Postcondition: Returns the number of identities whose location changed.
func (d *Directory) SyncLocations(snapshot map[comms.Identity]comms.LocationKey) int {
	d.mu.Lock()
	listener := d.listener
	var changed []comms.Identity
	for id, loc := range snapshot {
		if cur, ok := d.locations[id]; ok && cur == loc {
			continue
		}
		d.place(id, loc)
		changed = append(changed, id)
	}
	for id := range d.locations {
		if _, ok := snapshot[id]; !ok {
			d.remove(id)
			changed = append(changed, id)
		}
	}
	d.mu.Unlock()

	if listener != nil {
		for _, id := range changed {
			loc := snapshot[id]
			listener(id, loc)
		}
	}
	return len(changed)
}

// SetLevel records the identity's level for eligibility checks.
func (d *Directory) SetLevel(id comms.Identity, level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels[id] = level
}

// Mute records that recipient no longer hears sender.
func (d *Directory) Mute(recipient, sender comms.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutes[muteKey{recipient: recipient, sender: sender}] = true
}

// Unmute removes a mute.
func (d *Directory) Unmute(recipient, sender comms.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mutes, muteKey{recipient: recipient, sender: sender})
}
