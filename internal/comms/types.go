// Package comms defines the shared vocabulary of the real-time
// communication core: identities, sessions, channel kinds, messages,
// and the collaborator interfaces consumed from the surrounding game.
package comms

import (
	"encoding/json"
	"fmt"
	"time"
)

// Identity is the stable opaque player identifier. It is issued by the
// authentication system and only referenced here.
type Identity string

// SessionID identifies one logical game instance for an identity.
// A session change invalidates every connection opened under the prior one.
type SessionID string

// LocationKey identifies the sub-area an identity currently occupies.
// Location-scoped channels derive their membership from it on every call.
type LocationKey string

// TransportKind distinguishes the two concurrent delivery paths a single
// identity may hold open at once.
type TransportKind int

const (
	// TransportSocket is a bidirectional socket (WebSocket).
	TransportSocket TransportKind = iota
	// TransportPushStream is a unidirectional server-push stream (SSE).
	TransportPushStream
)

// String returns the transport kind name.
func (t TransportKind) String() string {
	switch t {
	case TransportSocket:
		return "socket"
	case TransportPushStream:
		return "push_stream"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// ChannelKind is the routing/broadcast policy category for a message.
type ChannelKind int

const (
	// ChannelLocation reaches all identities co-located with the sender.
	ChannelLocation ChannelKind = iota
	// ChannelGlobal reaches all online identities passing the eligibility gate.
	ChannelGlobal
	// ChannelDirect reaches exactly one named target.
	ChannelDirect
	// ChannelSystem reaches all online identities and bypasses mute filters.
	ChannelSystem
)

// String returns the channel kind name.
func (k ChannelKind) String() string {
	switch k {
	case ChannelLocation:
		return "location"
	case ChannelGlobal:
		return "global"
	case ChannelDirect:
		return "direct"
	case ChannelSystem:
		return "system"
	default:
		return fmt.Sprintf("channel(%d)", int(k))
	}
}

// ParseChannelKind converts a channel kind name to its ChannelKind.
//
// Postcondition: Returns the matching kind, or an error for unknown names.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch s {
	case "location":
		return ChannelLocation, nil
	case "global":
		return ChannelGlobal, nil
	case "direct":
		return ChannelDirect, nil
	case "system":
		return ChannelSystem, nil
	default:
		return 0, fmt.Errorf("unknown channel kind %q", s)
	}
}

// ChannelKinds lists every channel kind, in routing-policy order.
var ChannelKinds = []ChannelKind{ChannelLocation, ChannelGlobal, ChannelDirect, ChannelSystem}

// Message is the wire envelope delivered to connection outboxes and
// published to broker subjects.
type Message struct {
	// Kind is the channel kind the message was sent on.
	Kind ChannelKind `json:"-"`
	// KindName carries Kind across the wire.
	KindName string `json:"kind"`
	// Sender is the originating identity ("" for system-originated messages).
	Sender Identity `json:"sender,omitempty"`
	// Target is the recipient identity for direct messages.
	Target Identity `json:"target,omitempty"`
	// Body is the opaque payload supplied by the game-logic caller.
	Body []byte `json:"body,omitempty"`
	// SentAt is the server-side send timestamp.
	SentAt time.Time `json:"sent_at"`
}

// Encode serializes the message to its JSON wire form.
//
// Postcondition: Returns non-empty JSON bytes or a non-nil error.
func (m Message) Encode() ([]byte, error) {
	m.KindName = m.Kind.String()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message from %q: %w", m.Sender, err)
	}
	return data, nil
}

// DecodeMessage parses a JSON wire-form message.
//
// Postcondition: Returns the decoded Message or a non-nil error.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	kind, err := ParseChannelKind(m.KindName)
	if err != nil {
		return Message{}, err
	}
	m.Kind = kind
	return m, nil
}
