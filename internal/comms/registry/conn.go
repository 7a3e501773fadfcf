package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/comms/internal/comms"
)

// Conn is one live transport connection for an identity. It owns a
// buffered outbox channel; the transport goroutine drains Events() and
// writes each frame to the wire, so per-connection delivery is FIFO.
type Conn struct {
	id            string
	identity      comms.Identity
	transport     comms.TransportKind
	session       comms.SessionID
	establishedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	outbox       chan []byte
	closed       bool
}

func newConn(id string, identity comms.Identity, transport comms.TransportKind, session comms.SessionID, outboxSize int, now time.Time) *Conn {
	if outboxSize <= 0 {
		outboxSize = 64
	}
	return &Conn{
		id:            id,
		identity:      identity,
		transport:     transport,
		session:       session,
		establishedAt: now,
		lastActivity:  now,
		outbox:        make(chan []byte, outboxSize),
	}
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string { return c.id }

// Identity returns the identity this connection belongs to.
func (c *Conn) Identity() comms.Identity { return c.identity }

// Transport returns the connection's transport kind.
func (c *Conn) Transport() comms.TransportKind { return c.transport }

// Session returns the session the connection was registered under.
func (c *Conn) Session() comms.SessionID { return c.session }

// EstablishedAt returns the registration timestamp.
func (c *Conn) EstablishedAt() time.Time { return c.establishedAt }

// LastActivity returns the timestamp of the most recent Touch.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Touch records transport activity (a read or write on the wire).
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
}

// Push enqueues one wire frame to the outbox.
//
// Precondition: data must be non-nil.
// Postcondition: The frame is queued FIFO, or an error if the connection
// is closed or its outbox is full.
func (c *Conn) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return fmt.Errorf("connection %s outbox full", c.id)
	}
}

// Events returns the read-only outbox channel. The transport goroutine
// drains it until it is closed.
func (c *Conn) Events() <-chan []byte {
	return c.outbox
}

// Close marks the connection closed and closes the outbox. Idempotent.
//
// Postcondition: Further Push calls return an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
