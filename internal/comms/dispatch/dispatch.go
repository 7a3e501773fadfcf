// Package dispatch applies channel-specific inclusion/exclusion rules and
// fans messages out to live connections and the pending buffer.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/pending"
	"github.com/cory-johannsen/comms/internal/comms/ratelimit"
	"github.com/cory-johannsen/comms/internal/comms/registry"
	"github.com/cory-johannsen/comms/internal/comms/router"
)

// Publisher forwards dispatched messages to the broker bridge. The bridge
// owns degraded-mode handling, so Publish never reports an error to the
// dispatch path.
type Publisher interface {
	Publish(subject string, msg comms.Message)
}

// Dispatcher is the broadcast dispatcher. Safe for concurrent use.
type Dispatcher struct {
	registry        *registry.Registry
	router          *router.Router
	limiter         *ratelimit.Limiter
	pending         *pending.Buffer
	muter           comms.Muter
	catalog         *router.Catalog
	publisher       Publisher
	reconnectWindow time.Duration
	clock           func() time.Time
	logger          *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher attaches the broker bridge publisher.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithClock overrides the time source (test hook).
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// New creates a Dispatcher.
//
// Precondition: reg, rt, limiter, buf, muter, catalog, and logger must be
// non-nil; reconnectWindow must be >= 0 (zero disables pending buffering).
func New(
	reg *registry.Registry,
	rt *router.Router,
	limiter *ratelimit.Limiter,
	buf *pending.Buffer,
	muter comms.Muter,
	catalog *router.Catalog,
	reconnectWindow time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		registry:        reg,
		router:          rt,
		limiter:         limiter,
		pending:         buf,
		muter:           muter,
		catalog:         catalog,
		reconnectWindow: reconnectWindow,
		clock:           time.Now,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// fanOptions controls one fan-out pass.
type fanOptions struct {
	// includeSender delivers to the sender's own connections. Set only
	// for direct-reply acknowledgements and system messages.
	includeSender bool
	// exclude is hard-excluded from both live and pending delivery
	// (self-notification exclusion for presence subjects).
	exclude comms.Identity
	// allowPending buffers for briefly-offline recipients.
	allowPending bool
	// skipMute bypasses the mute predicate (system channel only).
	skipMute bool
}

// Send dispatches payload from sender on the given channel kind. target
// is only consulted for direct sends. includeSelf echoes the message to
// the sender's own connections (direct replies, operator system sends).
//
// Postcondition: Returns a typed Result; an error only for malformed
// requests or encoding failures, never for expected outcomes.
func (d *Dispatcher) Send(sender comms.Identity, kind comms.ChannelKind, payload []byte, target comms.Identity, includeSelf bool) (Result, error) {
	if !d.limiter.Admit(sender, kind) {
		return Result{Code: CodeRateLimited}, nil
	}

	res, err := d.router.Resolve(kind, sender, target)
	if err != nil {
		return Result{}, err
	}
	if res.NoMatch {
		return Result{Code: CodeNoSuchTarget}, nil
	}
	if kind == comms.ChannelDirect && d.muter.Muted(target, sender, kind) {
		// Typed distinctly from no-such-target in-process; the wire
		// rendering of both is identical.
		return Result{Code: CodeMuted}, nil
	}

	msg := comms.Message{
		Kind:   kind,
		Sender: sender,
		Target: target,
		Body:   payload,
		SentAt: d.clock(),
	}
	result, err := d.fanOut(msg, res.Recipients, fanOptions{
		includeSender: includeSelf,
		allowPending:  true,
		skipMute:      kind == comms.ChannelSystem,
	})
	if err != nil {
		return Result{}, err
	}

	if d.publisher != nil && res.Subject != "" {
		d.publisher.Publish(res.Subject, msg)
	}
	return result, nil
}

// presenceNotice is the body of a presence notification message.
type presenceNotice struct {
	Event    string         `json:"event"`
	Identity comms.Identity `json:"identity"`
}

// HandlePresence fans out an "entered"/"left" notification to identities
// co-located with the event's subject. The subject itself is excluded
// from both live and pending delivery: an identity must never receive or
// have buffered its own departure notification.
//
// Events not constructed by the Registry are dropped and logged; the
// Registry is the single presence authority.
func (d *Dispatcher) HandlePresence(evt registry.PresenceEvent) {
	if !evt.Authoritative() {
		d.logger.Error("dropping non-authoritative presence event",
			zap.String("identity", string(evt.Identity)),
			zap.String("kind", evt.Kind.String()),
		)
		return
	}

	res, err := d.router.Resolve(comms.ChannelLocation, evt.Identity, "")
	if err != nil || len(res.Recipients) == 0 {
		return
	}

	body, err := json.Marshal(presenceNotice{
		Event:    evt.Kind.String(),
		Identity: evt.Identity,
	})
	if err != nil {
		d.logger.Error("encoding presence notice", zap.Error(err))
		return
	}

	msg := comms.Message{
		Kind:   comms.ChannelLocation,
		Sender: evt.Identity,
		Body:   body,
		SentAt: evt.At,
	}
	if _, err := d.fanOut(msg, res.Recipients, fanOptions{
		exclude:      evt.Identity,
		allowPending: true,
	}); err != nil {
		d.logger.Error("presence fan-out", zap.Error(err))
		return
	}

	if d.publisher != nil && res.Subject != "" {
		d.publisher.Publish(res.Subject, msg)
	}
}

// DeliverRemote fans out a message received from the broker bridge to
// locally-known recipients only. It never re-publishes (loop prevention)
// and never buffers pending messages; the origin node owns buffering.
func (d *Dispatcher) DeliverRemote(msg comms.Message) {
	recipients := d.router.ResolveLocal(msg)
	if len(recipients) == 0 {
		return
	}
	if _, err := d.fanOut(msg, recipients, fanOptions{
		skipMute: msg.Kind == comms.ChannelSystem,
	}); err != nil {
		d.logger.Error("remote fan-out", zap.Error(err))
	}
}

// FlushPending drains the identity's pending buffer onto a freshly
// registered connection. Draining is destructive and happens exactly
// once per registration; undeliverable frames are dropped with a log.
//
// Postcondition: Returns the number of frames pushed to the connection.
func (d *Dispatcher) FlushPending(conn *registry.Conn) int {
	msgs := d.pending.Drain(conn.Identity())
	pushed := 0
	for _, m := range msgs {
		if err := conn.Push(m.Payload); err != nil {
			d.logger.Warn("dropping pending frame",
				zap.String("identity", string(conn.Identity())),
				zap.Error(err),
			)
			continue
		}
		pushed++
	}
	return pushed
}

func (d *Dispatcher) fanOut(msg comms.Message, recipients []comms.Identity, opts fanOptions) (Result, error) {
	data, err := msg.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("dispatching %s message: %w", msg.Kind, err)
	}

	result := Result{Code: CodeDelivered}
	for _, recipient := range recipients {
		if recipient == opts.exclude && opts.exclude != "" {
			continue
		}
		if recipient == msg.Sender && !opts.includeSender {
			continue
		}
		if !opts.skipMute && d.muter.Muted(recipient, msg.Sender, msg.Kind) {
			continue
		}

		conns := d.registry.ConnectionsFor(recipient)
		if len(conns) > 0 {
			reached := false
			for _, c := range conns {
				if err := c.Push(data); err != nil {
					d.logger.Warn("dropping frame for slow connection",
						zap.String("conn_id", c.ID()),
						zap.String("identity", string(recipient)),
						zap.Error(err),
					)
					continue
				}
				reached = true
			}
			if reached {
				result.Live++
			}
			continue
		}

		if !opts.allowPending || d.reconnectWindow <= 0 {
			continue
		}
		p := d.registry.PresenceOf(recipient)
		if p.LastSeen.IsZero() || d.clock().Sub(p.LastSeen) > d.reconnectWindow {
			continue
		}
		d.pending.Enqueue(recipient, data, d.catalog.PendingTTL(msg.Kind))
		result.Pending++
	}
	return result, nil
}
