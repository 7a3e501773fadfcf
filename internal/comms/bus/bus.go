// Package bus bridges in-process events to an external publish/subscribe
// broker subject space. The broker is an optional upstream: without one,
// delivery to locally-known connections continues unchanged. When the
// broker is unreachable, publishes are queued and retried with paced
// backoff. Broker failure is degraded mode, never a caller-visible error.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/comms/internal/comms"
)

// nodeHeader carries the publishing node's id so a node can skip the
// broker echo of its own publishes.
const nodeHeader = "Comms-Node"

// Subscription is one active broker subscription.
type Subscription interface {
	Unsubscribe() error
}

// BrokerConn is the narrow broker surface the bridge needs. *nats.Conn
// satisfies it through WrapConn; tests supply a fake.
type BrokerConn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	IsConnected() bool
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) PublishMsg(m *nats.Msg) error { return c.nc.PublishMsg(m) }
func (c natsConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return c.nc.Subscribe(subject, cb)
}
func (c natsConn) IsConnected() bool { return c.nc.IsConnected() }

// WrapConn adapts a live NATS connection to the BrokerConn surface.
//
// Precondition: nc must be non-nil.
func WrapConn(nc *nats.Conn) BrokerConn { return natsConn{nc: nc} }

// Deliverer consumes inbound broker messages for local fan-out.
type Deliverer interface {
	DeliverRemote(msg comms.Message)
}

type refSub struct {
	sub  Subscription
	refs int
}

// Bridge is the broker bridge. Safe for concurrent use.
type Bridge struct {
	conn      BrokerConn
	deliverer Deliverer
	nodeID    string
	logger    *zap.Logger

	retryLimiter *rate.Limiter
	retryCap     int

	mu        sync.Mutex
	locations map[comms.Identity]comms.LocationKey
	subs      map[string]*refSub
	retryQ    []*nats.Msg

	quit chan struct{}
	done chan struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRetryRate sets the paced republish rate (per second) and burst.
func WithRetryRate(perSec float64, burst int) Option {
	return func(b *Bridge) { b.retryLimiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// WithRetryQueueCap bounds the degraded-mode retry queue.
func WithRetryQueueCap(n int) Option {
	return func(b *Bridge) { b.retryCap = n }
}

// New creates a Bridge. conn may be nil for in-process-only operation.
//
// Precondition: deliverer, nodeID, and logger must be non-nil/non-empty.
func New(conn BrokerConn, deliverer Deliverer, nodeID string, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		conn:         conn,
		deliverer:    deliverer,
		nodeID:       nodeID,
		logger:       logger,
		retryLimiter: rate.NewLimiter(rate.Limit(10), 10),
		retryCap:     256,
		locations:    make(map[comms.Identity]comms.LocationKey),
		subs:         make(map[string]*refSub),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes the fixed subjects and runs the retry loop until Stop.
// Blocks, in the lifecycle Service convention.
func (b *Bridge) Start() error {
	if b.conn != nil {
		if err := b.refSubscribe(comms.SubjectGlobal); err != nil {
			return fmt.Errorf("subscribing global subject: %w", err)
		}
		if err := b.refSubscribe(comms.SubjectSystem); err != nil {
			return fmt.Errorf("subscribing system subject: %w", err)
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			b.teardown()
			close(b.done)
			return nil
		case <-ticker.C:
			b.flushRetries()
		}
	}
}

// Stop shuts the bridge down and waits for the retry loop to exit.
func (b *Bridge) Stop() {
	select {
	case <-b.quit:
		return
	default:
		close(b.quit)
	}
	<-b.done
}

func (b *Bridge) teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, rs := range b.subs {
		if err := rs.sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribing on shutdown", zap.String("subject", subject), zap.Error(err))
		}
		delete(b.subs, subject)
	}
}

// Publish forwards one dispatched message to the broker. Implements the
// dispatcher's Publisher. Failures degrade to the retry queue.
func (b *Bridge) Publish(subject string, msg comms.Message) {
	if b.conn == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		b.logger.Error("encoding broker publish", zap.String("subject", subject), zap.Error(err))
		return
	}
	m := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{nodeHeader: []string{b.nodeID}},
	}
	if !b.conn.IsConnected() {
		b.enqueueRetry(m)
		return
	}
	if err := b.conn.PublishMsg(m); err != nil {
		b.logger.Warn("broker publish failed, queuing for retry",
			zap.String("subject", subject),
			zap.Error(err),
		)
		b.enqueueRetry(m)
	}
}

func (b *Bridge) enqueueRetry(m *nats.Msg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.retryQ) >= b.retryCap {
		// Oldest-first discard keeps the queue bounded under a long outage.
		b.retryQ = b.retryQ[1:]
	}
	b.retryQ = append(b.retryQ, m)
}

func (b *Bridge) flushRetries() {
	if b.conn == nil || !b.conn.IsConnected() {
		return
	}
	for {
		b.mu.Lock()
		if len(b.retryQ) == 0 {
			b.mu.Unlock()
			return
		}
		if !b.retryLimiter.Allow() {
			b.mu.Unlock()
			return
		}
		m := b.retryQ[0]
		b.mu.Unlock()

		if err := b.conn.PublishMsg(m); err != nil {
			// Leave the message at the head so the retried stream stays
			// in send order; the next tick picks it up again.
			b.logger.Warn("broker republish failed", zap.String("subject", m.Subject), zap.Error(err))
			return
		}

		b.mu.Lock()
		// enqueueRetry may have discarded the head at capacity while we
		// were publishing; only dequeue if it is still ours.
		if len(b.retryQ) > 0 && b.retryQ[0] == m {
			b.retryQ = b.retryQ[1:]
		}
		b.mu.Unlock()
	}
}

// inbound handles one broker delivery.
func (b *Bridge) inbound(m *nats.Msg) {
	if m.Header.Get(nodeHeader) == b.nodeID {
		return
	}
	msg, err := comms.DecodeMessage(m.Data)
	if err != nil {
		b.logger.Warn("discarding malformed broker message",
			zap.String("subject", m.Subject),
			zap.Error(err),
		)
		return
	}
	b.deliverer.DeliverRemote(msg)
}

// refSubscribe adds one reference to a subject, subscribing on 0 -> 1.
func (b *Bridge) refSubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rs, ok := b.subs[subject]; ok {
		rs.refs++
		return nil
	}
	sub, err := b.conn.Subscribe(subject, b.inbound)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", subject, err)
	}
	b.subs[subject] = &refSub{sub: sub, refs: 1}
	b.logger.Debug("broker subscribe", zap.String("subject", subject))
	return nil
}

// unrefSubscribe drops one reference, unsubscribing on 1 -> 0.
func (b *Bridge) unrefSubscribe(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.subs[subject]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(b.subs, subject)
	if err := rs.sub.Unsubscribe(); err != nil {
		b.logger.Warn("broker unsubscribe", zap.String("subject", subject), zap.Error(err))
	} else {
		b.logger.Debug("broker unsubscribe", zap.String("subject", subject))
	}
}

// TrackConnect subscribes the identity's direct subject while it is online.
func (b *Bridge) TrackConnect(id comms.Identity) {
	if b.conn == nil {
		return
	}
	if err := b.refSubscribe(comms.SubjectDirect(id)); err != nil {
		b.logger.Warn("direct subject subscribe", zap.String("identity", string(id)), zap.Error(err))
	}
}

// TrackDisconnect releases the identity's direct subject and tears down
// any location subscription.
func (b *Bridge) TrackDisconnect(id comms.Identity) {
	if b.conn == nil {
		return
	}
	b.unrefSubscribe(comms.SubjectDirect(id))
	b.UpdateLocation(id, "")
}

// UpdateLocation transitions the identity's location-subject state
// machine: the old subscription is torn down before the new one is
// established, so no identity ever holds two location subjects at once.
// An empty loc means unsubscribed.
func (b *Bridge) UpdateLocation(id comms.Identity, loc comms.LocationKey) {
	if b.conn == nil {
		return
	}
	b.mu.Lock()
	old, had := b.locations[id]
	if had && old == loc {
		b.mu.Unlock()
		return
	}
	if loc == "" {
		delete(b.locations, id)
	} else {
		b.locations[id] = loc
	}
	b.mu.Unlock()

	if had {
		b.unrefSubscribe(comms.SubjectLocation(old))
	}
	if loc != "" {
		if err := b.refSubscribe(comms.SubjectLocation(loc)); err != nil {
			b.logger.Warn("location subject subscribe",
				zap.String("identity", string(id)),
				zap.String("location", string(loc)),
				zap.Error(err),
			)
		}
	}
}

// Stats is the bridge's operational view.
type Stats struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
	RetryQueue    int  `json:"retry_queue"`
}

// Stats returns the current bridge statistics.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Subscriptions: len(b.subs),
		RetryQueue:    len(b.retryQ),
	}
	if b.conn != nil {
		s.Connected = b.conn.IsConnected()
	}
	return s
}
