package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/dispatch"
	"github.com/cory-johannsen/comms/internal/comms/pending"
	"github.com/cory-johannsen/comms/internal/comms/ratelimit"
	"github.com/cory-johannsen/comms/internal/comms/registry"
	"github.com/cory-johannsen/comms/internal/comms/router"
	"github.com/cory-johannsen/comms/internal/directory"
)

type harness struct {
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	pending  *pending.Buffer
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := registry.New(logger)
	dir := directory.New(0)
	rt := router.New(dir, dir, reg)
	catalog := router.DefaultCatalog()
	limiter := ratelimit.New(catalog.RatePolicies())
	buf := pending.New(20)
	disp := dispatch.New(reg, rt, limiter, buf, dir, catalog, 2*time.Minute, logger)

	srv := httptest.NewServer(NewHandler(reg, disp, logger))
	t.Cleanup(srv.Close)
	return &harness{registry: reg, dispatch: disp, pending: buf, server: srv}
}

func (h *harness) stream(t *testing.T, ctx context.Context, identity, session string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderIdentity, identity)
	req.Header.Set(HeaderSession, session)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })
	return bufio.NewReader(resp.Body)
}

// readEvent scans forward to the next data line, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	lines := make(chan string, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
				return
			}
		}
	}()
	select {
	case line := <-lines:
		return line
	case <-deadline:
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestMissingHeaders(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := h.stream(t, ctx, "alice", "s1")

	require.Eventually(t, func() bool {
		return h.registry.PresenceOf("alice").Online
	}, 2*time.Second, 10*time.Millisecond)

	res, err := h.dispatch.Send("bob", comms.ChannelSystem, []byte(`"the realm trembles"`), "", false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Live)

	msg, err := comms.DecodeMessage([]byte(readEvent(t, r)))
	require.NoError(t, err)
	assert.Equal(t, comms.ChannelSystem, msg.Kind)
	assert.Equal(t, `"the realm trembles"`, string(msg.Body))
}

func TestStreamFlushesPendingOnConnect(t *testing.T) {
	h := newHarness(t)

	// Seed a pending message from a previous brief connection.
	c, err := h.registry.Register("alice", comms.TransportPushStream, "s1")
	require.NoError(t, err)
	require.NoError(t, h.registry.Unregister(c.ID()))
	res, err := h.dispatch.Send("bob", comms.ChannelDirect, []byte(`"while you were away"`), "alice", false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := h.stream(t, ctx, "alice", "s1")

	msg, err := comms.DecodeMessage([]byte(readEvent(t, r)))
	require.NoError(t, err)
	assert.Equal(t, `"while you were away"`, string(msg.Body))
	assert.Equal(t, 0, h.pending.Size("alice"))
}

func TestStreamRejectsStaleSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.StartNewSession("alice", "s2")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, h.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderIdentity, "alice")
	req.Header.Set(HeaderSession, "s1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamUnregistersOnClientDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_ = h.stream(t, ctx, "alice", "s1")
	require.Eventually(t, func() bool {
		return h.registry.PresenceOf("alice").Online
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return !h.registry.PresenceOf("alice").Online
	}, 2*time.Second, 10*time.Millisecond)
}
