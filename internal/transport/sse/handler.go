// Package sse provides the read-only server-push transport. Clients that
// cannot hold a WebSocket open receive events over a long-lived HTTP
// response; sends still go through the socket transport or game actions.
package sse

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/dispatch"
	"github.com/cory-johannsen/comms/internal/comms/registry"
)

// The push stream reuses the socket transport's identity headers.
const (
	HeaderIdentity = "X-Comms-Identity"
	HeaderSession  = "X-Comms-Session"
)

// heartbeatPeriod keeps intermediaries from timing out an idle stream.
const heartbeatPeriod = 15 * time.Second

// Handler serves one event stream per request.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewHandler creates a push-stream transport handler.
//
// Precondition: reg, disp, and logger must be non-nil.
func NewHandler(reg *registry.Registry, disp *dispatch.Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		logger:     logger,
	}
}

// ServeHTTP streams events until the client disconnects or the
// connection is closed server-side.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := comms.Identity(r.Header.Get(HeaderIdentity))
	session := comms.SessionID(r.Header.Get(HeaderSession))
	if identity == "" || session == "" {
		http.Error(w, "missing identity or session", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := h.registry.Register(identity, comms.TransportPushStream, session)
	if err != nil {
		http.Error(w, "session rejected", http.StatusConflict)
		return
	}
	defer func() {
		_ = h.registry.Unregister(conn.ID())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.dispatcher.FlushPending(conn)

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-conn.Events():
			if !ok {
				// Closed server-side: new session or janitor eviction.
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			conn.Touch(time.Now())
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
