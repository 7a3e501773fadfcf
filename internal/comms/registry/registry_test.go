package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/comms/internal/comms"
)

// eventRecorder collects presence events in emission order.
type eventRecorder struct {
	mu     sync.Mutex
	events []PresenceEvent
}

func (r *eventRecorder) handle(evt PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) all() []PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PresenceEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	reg := New(zaptest.NewLogger(t))
	reg.SetPresenceHandler(rec.handle)
	return reg, rec
}

func TestRegisterEmitsEnteredOnFirstConnectionOnly(t *testing.T) {
	reg, rec := newTestRegistry(t)

	c1, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := reg.Register("alice", comms.TransportPushStream, "s1")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, comms.Identity("alice"), events[0].Identity)
	assert.Equal(t, PresenceEntered, events[0].Kind)
	assert.True(t, events[0].Authoritative())

	p := reg.PresenceOf("alice")
	assert.True(t, p.Online)
	assert.Equal(t, 2, p.ConnectionCount)
}

func TestRegisterRejectsSessionMismatch(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)

	_, err = reg.Register("alice", comms.TransportSocket, "stale")
	require.ErrorIs(t, err, ErrSessionMismatch)

	// The rejected attempt must not disturb the active session.
	sess, ok := reg.CurrentSession("alice")
	require.True(t, ok)
	assert.Equal(t, comms.SessionID("s1"), sess)
	assert.Equal(t, 1, reg.PresenceOf("alice").ConnectionCount)
}

func TestUnregisterEmitsLeftOnLastConnection(t *testing.T) {
	reg, rec := newTestRegistry(t)

	c1, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)
	c2, err := reg.Register("alice", comms.TransportPushStream, "s1")
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(c1.ID()))
	assert.True(t, reg.PresenceOf("alice").Online)

	require.NoError(t, reg.Unregister(c2.ID()))
	p := reg.PresenceOf("alice")
	assert.False(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, PresenceEntered, events[0].Kind)
	assert.Equal(t, PresenceLeft, events[1].Kind)
}

func TestUnregisterUnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Unregister("no-such-conn")
	require.ErrorIs(t, err, ErrConnNotFound)
}

func TestStartNewSessionForceClosesPriorConnections(t *testing.T) {
	reg, rec := newTestRegistry(t)

	c1, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)
	c2, err := reg.Register("alice", comms.TransportPushStream, "s1")
	require.NoError(t, err)

	evicted, err := reg.StartNewSession("alice", "s2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID(), c2.ID()}, evicted)
	assert.True(t, c1.IsClosed())
	assert.True(t, c2.IsClosed())

	// Stale clients presenting s1 are rejected; s2 registers cleanly.
	_, err = reg.Register("alice", comms.TransportSocket, "s1")
	require.ErrorIs(t, err, ErrSessionMismatch)

	_, err = reg.Register("alice", comms.TransportSocket, "s2")
	require.NoError(t, err)

	// One entered for s1, one left for the forced eviction, one entered
	// for s2. Never a duplicate per transition.
	kinds := make([]PresenceKind, 0, 3)
	for _, evt := range rec.all() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []PresenceKind{PresenceEntered, PresenceLeft, PresenceEntered}, kinds)
}

func TestStartNewSessionIdempotentWhenOffline(t *testing.T) {
	reg, rec := newTestRegistry(t)

	evicted, err := reg.StartNewSession("alice", "s1")
	require.NoError(t, err)
	assert.Empty(t, evicted)

	evicted, err = reg.StartNewSession("alice", "s1")
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Empty(t, rec.all())
}

func TestOnlineIdentitiesAndKnown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	c, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)
	_, err = reg.Register("bob", comms.TransportSocket, "s1")
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(c.ID()))

	assert.ElementsMatch(t, []comms.Identity{"bob"}, reg.OnlineIdentities())
	assert.True(t, reg.Known("alice"), "disconnected identities stay known until pruned")
	assert.False(t, reg.Known("carol"))
}

func TestConnOutboxIsFIFOAndBounded(t *testing.T) {
	reg := New(zaptest.NewLogger(t), WithOutboxSize(2))

	c, err := reg.Register("alice", comms.TransportSocket, "s1")
	require.NoError(t, err)

	require.NoError(t, c.Push([]byte("one")))
	require.NoError(t, c.Push([]byte("two")))
	err = c.Push([]byte("three"))
	require.Error(t, err, "a full outbox rejects rather than blocks")

	assert.Equal(t, []byte("one"), <-c.Events())
	assert.Equal(t, []byte("two"), <-c.Events())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	require.Error(t, c.Push([]byte("late")))
	_, open := <-c.Events()
	assert.False(t, open)
}

// Presence events for one identity must strictly alternate entered/left
// under any interleaving of connects and disconnects.
func TestPresenceEventsAlternate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := &eventRecorder{}
		reg := New(zaptest.NewLogger(t))
		reg.SetPresenceHandler(rec.handle)

		var open []string
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(open) == 0 || rapid.Bool().Draw(rt, "connect") {
				c, err := reg.Register("alice", comms.TransportSocket, "s1")
				require.NoError(rt, err)
				open = append(open, c.ID())
			} else {
				idx := rapid.IntRange(0, len(open)-1).Draw(rt, "idx")
				require.NoError(rt, reg.Unregister(open[idx]))
				open = append(open[:idx], open[idx+1:]...)
			}
		}

		want := PresenceEntered
		for _, evt := range rec.all() {
			require.Equal(rt, want, evt.Kind, "presence events must alternate")
			if want == PresenceEntered {
				want = PresenceLeft
			} else {
				want = PresenceEntered
			}
		}
		assert.Equal(rt, len(open) > 0, reg.PresenceOf("alice").Online)
	})
}

func TestRegisterRacesWithPruneOffline(t *testing.T) {
	reg := New(zaptest.NewLogger(t))

	stop := make(chan struct{})
	var pruner sync.WaitGroup
	pruner.Add(1)
	go func() {
		defer pruner.Done()
		for {
			select {
			case <-stop:
				return
			default:
				reg.PruneOffline(time.Nanosecond)
			}
		}
	}()

	const workers = 8
	const rounds = 500
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := comms.Identity(fmt.Sprintf("wanderer-%d", n))
			for j := 0; j < rounds; j++ {
				c, err := reg.Register(id, comms.TransportSocket, "s1")
				if err != nil {
					errCh <- fmt.Errorf("register %s: %w", id, err)
					return
				}
				if len(reg.ConnectionsFor(id)) == 0 {
					errCh <- fmt.Errorf("%s registered but has no visible connections", id)
					return
				}
				if err := reg.Unregister(c.ID()); err != nil {
					errCh <- fmt.Errorf("unregister %s: %w", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	pruner.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, 0, reg.Stats().Connections, "every registered connection must stay reachable until unregistered")
}
