package comms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	sent := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := Message{
		Kind:   ChannelDirect,
		Sender: "alice",
		Target: "bob",
		Body:   []byte(`{"text":"meet me at the gate"}`),
		SentAt: sent,
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, ChannelDirect, decoded.Kind)
	assert.Equal(t, "direct", decoded.KindName)
	assert.Equal(t, Identity("alice"), decoded.Sender)
	assert.Equal(t, Identity("bob"), decoded.Target)
	assert.Equal(t, msg.Body, decoded.Body)
	assert.True(t, sent.Equal(decoded.SentAt))
}

func TestDecodeMessageRejectsUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"kind":"whisper"}`))
	require.Error(t, err)

	_, err = DecodeMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestParseChannelKindRoundTrip(t *testing.T) {
	for _, kind := range ChannelKinds {
		parsed, err := ParseChannelKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseChannelKind("shout")
	require.Error(t, err)
}

func TestSubjectNaming(t *testing.T) {
	assert.Equal(t, "comms.global", SubjectGlobal)
	assert.Equal(t, "comms.system", SubjectSystem)
	assert.Equal(t, "comms.location.tavern", SubjectLocation("tavern"))
	assert.Equal(t, "comms.direct.alice", SubjectDirect("alice"))
}

func TestSubjectTokensAreSanitized(t *testing.T) {
	// Separators and wildcards in a key must not widen or split the
	// subject hierarchy.
	assert.Equal(t, "comms.location.old_mill_loft", SubjectLocation("old.mill loft"))
	assert.Equal(t, "comms.direct.a_b", SubjectDirect("a>b"))
	assert.Equal(t, "comms.location._", SubjectLocation("*"))
}
