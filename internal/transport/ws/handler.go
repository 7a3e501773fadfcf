// Package ws provides the bidirectional WebSocket transport. Each
// accepted socket registers one connection with the registry; a writer
// goroutine drains the connection outbox so per-connection delivery
// stays FIFO.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/dispatch"
	"github.com/cory-johannsen/comms/internal/comms/registry"
	"github.com/cory-johannsen/comms/internal/config"
)

// Identity and session arrive pre-validated from the auth gateway in
// these headers; this transport never performs credential checks.
const (
	HeaderIdentity = "X-Comms-Identity"
	HeaderSession  = "X-Comms-Session"
	// HeaderNewSession, when "true", starts a new session for the
	// identity before registering, force-closing prior connections.
	HeaderNewSession = "X-Comms-New-Session"
)

// clientFrame is one inbound wire frame.
type clientFrame struct {
	// Type is "send" or "reply".
	Type string `json:"type"`
	// Channel names the channel kind for "send" frames.
	Channel string `json:"channel,omitempty"`
	// Target is the recipient identity for direct sends.
	Target string `json:"target,omitempty"`
	// Body is the opaque payload.
	Body json.RawMessage `json:"body,omitempty"`
}

// resultFrame acknowledges one send with its neutral wire outcome.
type resultFrame struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	lastDirect LastDirectSource
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	pongWait   time.Duration
	logger     *zap.Logger
}

// LastDirectSource answers who last messaged an identity directly, for
// "reply" frames.
type LastDirectSource interface {
	LastDirectSender(id comms.Identity) (comms.Identity, bool)
}

// NewHandler creates a WebSocket transport handler.
//
// Precondition: reg, disp, lastDirect, and logger must be non-nil.
func NewHandler(cfg config.ServerConfig, reg *registry.Registry, disp *dispatch.Dispatcher, lastDirect LastDirectSource, logger *zap.Logger) *Handler {
	writeWait := cfg.WriteTimeout
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	pongWait := cfg.PongTimeout
	if pongWait <= 0 {
		pongWait = 30 * time.Second
	}
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		lastDirect: lastDirect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		writeWait: writeWait,
		pongWait:  pongWait,
		logger:    logger,
	}
}

// originChecker builds the upgrade origin policy. With no allowed
// origins configured, any origin is accepted; admission then rests on
// the identity headers set by the gateway. Requests without an Origin
// header are non-browser clients and always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP accepts one socket client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := comms.Identity(r.Header.Get(HeaderIdentity))
	session := comms.SessionID(r.Header.Get(HeaderSession))
	if identity == "" || session == "" {
		http.Error(w, "missing identity or session", http.StatusBadRequest)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("identity", string(identity)),
			zap.Error(err),
		)
		return
	}

	if r.Header.Get(HeaderNewSession) == "true" {
		if _, err := h.registry.StartNewSession(identity, session); err != nil {
			h.closeWith(sock, websocket.ClosePolicyViolation, "session rejected")
			return
		}
	}

	conn, err := h.registry.Register(identity, comms.TransportSocket, session)
	if err != nil {
		h.logger.Info("connection rejected",
			zap.String("identity", string(identity)),
			zap.Error(err),
		)
		h.closeWith(sock, websocket.ClosePolicyViolation, "session rejected")
		return
	}

	// Join ack first, then any buffered messages, then live traffic.
	h.ack(conn, "connected")
	h.dispatcher.FlushPending(conn)

	go h.writePump(sock, conn)
	h.readPump(sock, conn)
}

func (h *Handler) closeWith(sock *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeWait))
	_ = sock.Close()
}

// readPump consumes client frames until the socket fails or closes, then
// unregisters the connection.
func (h *Handler) readPump(sock *websocket.Conn, conn *registry.Conn) {
	defer func() {
		_ = h.registry.Unregister(conn.ID())
		_ = sock.Close()
	}()

	_ = sock.SetReadDeadline(time.Now().Add(h.pongWait))
	sock.SetPongHandler(func(string) error {
		conn.Touch(time.Now())
		return sock.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, payload, err := sock.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch(time.Now())

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.logger.Debug("discarding malformed frame",
				zap.String("identity", string(conn.Identity())),
				zap.Error(err),
			)
			continue
		}
		h.handleFrame(conn, frame)
	}
}

func (h *Handler) handleFrame(conn *registry.Conn, frame clientFrame) {
	var (
		result dispatch.Result
		err    error
	)
	switch frame.Type {
	case "send":
		kind, kerr := comms.ParseChannelKind(frame.Channel)
		if kerr != nil {
			h.ack(conn, "unknown channel")
			return
		}
		result, err = h.dispatcher.Send(conn.Identity(), kind, frame.Body, comms.Identity(frame.Target), false)
	case "reply":
		target, ok := h.lastDirect.LastDirectSender(conn.Identity())
		if !ok {
			h.ack(conn, "no one to reply to")
			return
		}
		result, err = h.dispatcher.Send(conn.Identity(), comms.ChannelDirect, frame.Body, target, true)
	default:
		h.ack(conn, "unknown frame type")
		return
	}

	if err != nil {
		h.logger.Warn("dispatch failed",
			zap.String("identity", string(conn.Identity())),
			zap.Error(err),
		)
		h.ack(conn, "undeliverable")
		return
	}
	h.ack(conn, result.WireResponse())
}

// ack queues a result frame behind any in-flight events so the client
// observes sends and deliveries in order.
func (h *Handler) ack(conn *registry.Conn, outcome string) {
	data, err := json.Marshal(resultFrame{Type: "result", Outcome: outcome})
	if err != nil {
		return
	}
	if err := conn.Push(data); err != nil {
		h.logger.Debug("dropping ack for closed connection",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	}
}

// writePump writes outbox frames and pings until the outbox closes
// (unregister, force-close, or janitor eviction).
func (h *Handler) writePump(sock *websocket.Conn, conn *registry.Conn) {
	pingPeriod := h.pongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sock.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Events():
			if !ok {
				h.closeWith(sock, websocket.CloseGoingAway, "connection closed")
				return
			}
			_ = sock.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			conn.Touch(time.Now())
		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
