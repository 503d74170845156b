package session

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studioclass/codesync/pkg/auth"
	"github.com/studioclass/codesync/pkg/document"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/room"
	"github.com/studioclass/codesync/pkg/snapshot"
	"github.com/studioclass/codesync/pkg/types"
)

// Options tunes per-connection behavior. Zero values fall back to the
// defaults used in production.
type Options struct {
	// HandlerTimeout is the budget for processing one inbound message.
	HandlerTimeout time.Duration
	// HeartbeatInterval is the ping cadence; the read deadline is twice it.
	HeartbeatInterval time.Duration
	// OutboundQueueSize bounds the per-connection send queue.
	OutboundQueueSize int
	// InboundRate and InboundBurst bound inbound messages per second.
	InboundRate  float64
	InboundBurst int
	// MalformedLimit is how many malformed frames a connection may send
	// before it is closed.
	MalformedLimit int
	// MaxFrameBytes caps a single inbound websocket frame.
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.OutboundQueueSize < 1 {
		o.OutboundQueueSize = 256
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 200
	}
	if o.InboundBurst < 1 {
		o.InboundBurst = 400
	}
	if o.MalformedLimit < 1 {
		o.MalformedLimit = 10
	}
	if o.MaxFrameBytes < 1024 {
		o.MaxFrameBytes = 4 << 20
	}
	return o
}

// Handler terminates sync websockets. It authenticates the handshake, runs
// the pump pair per connection, and dispatches frames against the document
// store, the router, and the snapshot store.
type Handler struct {
	auth   auth.Authenticator
	authz  auth.Authorizer
	docs   *document.Store
	router *room.Router
	snaps  snapshot.Store
	opts   Options
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHandler wires a session handler.
func NewHandler(
	authn auth.Authenticator,
	authz auth.Authorizer,
	docs *document.Store,
	router *room.Router,
	snaps snapshot.Store,
	opts Options,
) *Handler {
	return &Handler{
		auth:   authn,
		authz:  authz,
		docs:   docs,
		router: router,
		snaps:  snaps,
		opts:   opts.withDefaults(),
		logger: log.WithComponent("session"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the platform gateway; the
			// engine sees same-cluster traffic only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades /api/sync requests and runs the connection to
// completion. The handshake is refused with 401 when the bearer token is
// missing or unknown.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	conn := newConn(h, ws, identity)
	h.addConn(conn)
	conn.logger.Info().
		Str("kind", string(identity.Kind)).
		Str("remote", r.RemoteAddr).
		Msg("Peer connected")

	go conn.writePump()
	conn.readPump()

	h.teardown(conn)
}

// teardown runs after the read pump exits: the peer leaves every room and
// bucket, its document refcounts drop, and the registry forgets it. Refcounts
// are released from the connection's own attach handles rather than the
// router's view, which can be smaller after a mid-session kick.
func (h *Handler) teardown(c *Conn) {
	h.router.LeaveAll(c.id)
	for key := range c.subs {
		h.docs.Release(key)
	}
	h.removeConn(c.id)
	c.logger.Info().Int("subscriptions", len(c.subs)).Msg("Peer disconnected")
}

func (h *Handler) addConn(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) removeConn(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// ConnectionStats returns active connections by peer kind, for the metrics
// collector.
func (h *Handler) ConnectionStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := map[string]int{
		string(types.PeerBrowser):        0,
		string(types.PeerContainerAgent): 0,
		string(types.PeerService):        0,
	}
	for _, c := range h.conns {
		stats[string(c.identity.Kind)]++
	}
	return stats
}

// CloseAll kicks every live connection. Used at shutdown after intake stops.
func (h *Handler) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Kick("")
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter for browser clients that cannot set headers on
// websocket dials.
func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if strings.HasPrefix(v, "Bearer ") {
			return strings.TrimPrefix(v, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
