package directory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/comms/internal/comms"
)

type changeLog struct {
	mu      sync.Mutex
	changes map[comms.Identity]comms.LocationKey
	count   int
}

func newChangeLog() *changeLog {
	return &changeLog{changes: make(map[comms.Identity]comms.LocationKey)}
}

func (c *changeLog) listen(id comms.Identity, loc comms.LocationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes[id] = loc
	c.count++
}

func TestPlaceAndRemove(t *testing.T) {
	d := New(0)
	log := newChangeLog()
	d.SetChangeListener(log.listen)

	d.Place("alice", "tavern")
	loc, ok := d.CurrentLocation("alice")
	require.True(t, ok)
	assert.Equal(t, comms.LocationKey("tavern"), loc)
	assert.ElementsMatch(t, []comms.Identity{"alice"}, d.IdentitiesAt("tavern"))
	assert.Equal(t, comms.LocationKey("tavern"), log.changes["alice"])

	d.Place("alice", "forest")
	assert.Empty(t, d.IdentitiesAt("tavern"), "a move vacates the old location")
	assert.ElementsMatch(t, []comms.Identity{"alice"}, d.IdentitiesAt("forest"))

	d.Remove("alice")
	_, ok = d.CurrentLocation("alice")
	assert.False(t, ok)
	assert.Equal(t, comms.LocationKey(""), log.changes["alice"])
}

func TestEligibility(t *testing.T) {
	d := New(5)
	assert.False(t, d.Eligible("alice"), "unknown identities default below the threshold")

	d.SetLevel("alice", 5)
	assert.True(t, d.Eligible("alice"))

	d.SetLevel("alice", 4)
	assert.False(t, d.Eligible("alice"))
}

func TestMutes(t *testing.T) {
	d := New(0)
	d.Mute("bob", "alice")

	assert.True(t, d.Muted("bob", "alice", comms.ChannelDirect))
	assert.True(t, d.Muted("bob", "alice", comms.ChannelLocation))
	assert.False(t, d.Muted("alice", "bob", comms.ChannelDirect), "mutes are one-directional")
	assert.False(t, d.Muted("bob", "alice", comms.ChannelSystem), "system bypasses mutes")

	d.Unmute("bob", "alice")
	assert.False(t, d.Muted("bob", "alice", comms.ChannelDirect))
}

func TestSyncLocationsReconciles(t *testing.T) {
	d := New(0)
	d.Place("alice", "tavern")
	d.Place("bob", "tavern")
	d.Place("carol", "forest")

	log := newChangeLog()
	d.SetChangeListener(log.listen)

	changed := d.SyncLocations(map[comms.Identity]comms.LocationKey{
		"alice": "tavern", // unchanged
		"bob":   "forest", // moved
		"dave":  "tavern", // appeared
		// carol absent: removed
	})
	assert.Equal(t, 3, changed)

	loc, _ := d.CurrentLocation("bob")
	assert.Equal(t, comms.LocationKey("forest"), loc)
	_, ok := d.CurrentLocation("carol")
	assert.False(t, ok)
	assert.ElementsMatch(t, []comms.Identity{"alice", "dave"}, d.IdentitiesAt("tavern"))

	// The listener saw only the three changes, never the unchanged entry.
	assert.Equal(t, 3, log.count)
	assert.NotContains(t, log.changes, comms.Identity("alice"))
	assert.Equal(t, comms.LocationKey(""), log.changes["carol"])
}
