// Package testutil provides shared fakes for dispatcher and broker
// bridge tests.
package testutil

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/bus"
)

// PublishedMessage is one message captured by CapturePublisher.
type PublishedMessage struct {
	Subject string
	Message comms.Message
}

// CapturePublisher records every publish for assertion.
type CapturePublisher struct {
	mu        sync.Mutex
	published []PublishedMessage
}

// Publish records the message.
func (p *CapturePublisher) Publish(subject string, msg comms.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, PublishedMessage{Subject: subject, Message: msg})
}

// Published returns a copy of everything published so far.
func (p *CapturePublisher) Published() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, len(p.published))
	copy(out, p.published)
	return out
}

// FakeSubscription tracks whether Unsubscribe was called.
type FakeSubscription struct {
	mu           sync.Mutex
	subject      string
	unsubscribed bool
	broker       *FakeBroker
}

// Unsubscribed reports whether Unsubscribe has been called.
func (s *FakeSubscription) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// Unsubscribe removes the subscription from its broker.
func (s *FakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	s.broker.removeSub(s.subject)
	return nil
}

// FakeBroker is an in-memory bus.BrokerConn with controllable
// connectivity and inbound message injection.
type FakeBroker struct {
	mu           sync.Mutex
	connected    bool
	publishErr   error
	published    []*nats.Msg
	handlers     map[string]nats.MsgHandler
	subscribed   []string
	unsubscribed []string
}

// NewFakeBroker creates a connected FakeBroker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		connected: true,
		handlers:  make(map[string]nats.MsgHandler),
	}
}

// SetConnected toggles connectivity.
func (b *FakeBroker) SetConnected(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = up
}

// SetPublishError makes PublishMsg fail with err (nil clears).
func (b *FakeBroker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// IsConnected implements bus.BrokerConn.
func (b *FakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PublishMsg implements bus.BrokerConn.
func (b *FakeBroker) PublishMsg(m *nats.Msg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, m)
	return nil
}

// Subscribe implements bus.BrokerConn.
func (b *FakeBroker) Subscribe(subject string, cb nats.MsgHandler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = cb
	b.subscribed = append(b.subscribed, subject)
	return &FakeSubscription{subject: subject, broker: b}, nil
}

func (b *FakeBroker) removeSub(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subject)
	b.unsubscribed = append(b.unsubscribed, subject)
}

// Inject delivers one inbound message to the subject's handler, if
// subscribed. Returns whether a handler received it.
func (b *FakeBroker) Inject(m *nats.Msg) bool {
	b.mu.Lock()
	cb, ok := b.handlers[m.Subject]
	b.mu.Unlock()
	if !ok {
		return false
	}
	cb(m)
	return true
}

// Published returns a copy of every successfully published message.
func (b *FakeBroker) Published() []*nats.Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*nats.Msg, len(b.published))
	copy(out, b.published)
	return out
}

// ActiveSubjects returns the currently subscribed subjects.
func (b *FakeBroker) ActiveSubjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.handlers))
	for s := range b.handlers {
		out = append(out, s)
	}
	return out
}

// SubscribeHistory returns every subject ever subscribed, in order.
func (b *FakeBroker) SubscribeHistory() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subscribed))
	copy(out, b.subscribed)
	return out
}

// UnsubscribeHistory returns every subject ever unsubscribed, in order.
func (b *FakeBroker) UnsubscribeHistory() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.unsubscribed))
	copy(out, b.unsubscribed)
	return out
}

// CaptureDeliverer records remote deliveries for assertion.
type CaptureDeliverer struct {
	mu        sync.Mutex
	delivered []comms.Message
}

// DeliverRemote implements bus.Deliverer.
func (d *CaptureDeliverer) DeliverRemote(msg comms.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, msg)
}

// Delivered returns a copy of every delivered message.
func (d *CaptureDeliverer) Delivered() []comms.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]comms.Message, len(d.delivered))
	copy(out, d.delivered)
	return out
}
