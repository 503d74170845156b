package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/studioclass/codesync/pkg/auth"
	"github.com/studioclass/codesync/pkg/document"
	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/metrics"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// writeWait bounds a single outbound websocket write.
const writeWait = 10 * time.Second

// Conn is one live sync connection. The read pump owns all dispatch state
// (subscriptions, malformed counter); the write pump owns the socket for
// writing. Other goroutines reach the connection only through Enqueue and
// Kick, both safe for concurrent use.
type Conn struct {
	id       string
	identity *auth.Identity
	ws       *websocket.Conn
	h        *Handler
	logger   zerolog.Logger

	sendCh    chan protocol.Message
	closeCh   chan struct{}
	closeOnce sync.Once
	kickCode  string

	limiter *rate.Limiter

	// Owned by the read pump; holds the attach handle per subscribed key.
	subs      map[types.DocumentKey]*document.Document
	malformed int
}

func newConn(h *Handler, ws *websocket.Conn, identity *auth.Identity) *Conn {
	id := "conn-" + uuid.NewString()
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		h:        h,
		logger:   h.logger.With().Str("conn_id", id).Logger(),
		sendCh:   make(chan protocol.Message, h.opts.OutboundQueueSize),
		closeCh:  make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.opts.InboundRate), h.opts.InboundBurst),
		subs:     make(map[types.DocumentKey]*document.Document),
	}
}

// ID implements room.Peer.
func (c *Conn) ID() string { return c.id }

// Enqueue implements room.Peer: it never blocks. A full queue is the
// caller's signal to treat this peer as a slow consumer.
func (c *Conn) Enqueue(msg protocol.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return errdefs.ErrSlowConsumer
	}
}

// Kick implements room.Peer: it asks the pumps to shut the connection down
// with the given wire code. Safe to call from any goroutine, repeatedly;
// only the first code wins.
func (c *Conn) Kick(code string) {
	c.closeOnce.Do(func() {
		c.kickCode = code
		close(c.closeCh)
	})
}

// reply enqueues a frame to this connection's own peer. The connection being
// its own slow consumer is handled the same as in fan-out.
func (c *Conn) reply(msg protocol.Message) {
	if err := c.Enqueue(msg); err != nil {
		metrics.SlowConsumerKicks.Inc()
		c.Kick("slow-consumer")
	}
}

// readPump processes inbound frames strictly in arrival order. It returns
// when the socket errors, the peer disconnects, or the connection is kicked.
func (c *Conn) readPump() {
	defer c.Kick("")

	pongWait := 2 * c.h.opts.HeartbeatInterval
	c.ws.SetReadLimit(c.h.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		if !c.limiter.Allow() {
			metrics.MessageErrors.WithLabelValues(errdefs.Code(errdefs.ErrTransient)).Inc()
			c.reply(protocol.ErrorFrame(
				fmt.Errorf("inbound rate exceeded, frame dropped: %w", errdefs.ErrTransient), "", ""))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if c.fail(err, protocol.Message{}) {
				return
			}
			continue
		}
		metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()

		if c.handle(msg) {
			return
		}

		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

// handle runs one message under the handler budget. It reports whether the
// connection must close.
func (c *Conn) handle(msg protocol.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.h.opts.HandlerTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := c.dispatch(ctx, msg)
	timer.ObserveDurationVec(metrics.HandlerDuration, string(msg.Kind))

	if err == nil {
		if ctx.Err() != nil {
			c.reply(protocol.ErrorFrame(errdefs.ErrHandlerTimeout, msg.BucketID, msg.FilePath))
			c.Kick("handler-timeout")
			return true
		}
		return false
	}
	return c.fail(err, msg)
}

// fail answers a per-message error and applies the connection-level policy:
// unauthorized and budget breaches close the connection, malformed frames
// close it past the threshold, everything else stays per-message.
func (c *Conn) fail(err error, msg protocol.Message) bool {
	metrics.MessageErrors.WithLabelValues(errdefs.Code(err)).Inc()
	c.reply(protocol.ErrorFrame(err, msg.BucketID, msg.FilePath))

	switch {
	case errdefs.IsUnauthorized(err):
		c.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("Scope violation, closing connection")
		c.Kick("unauthorized")
		return true
	case errdefs.IsHandlerTimeout(err):
		c.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("Handler budget exceeded, closing connection")
		c.Kick("handler-timeout")
		return true
	case errdefs.IsMalformedUpdate(err):
		c.malformed++
		if c.malformed >= c.h.opts.MalformedLimit {
			c.logger.Warn().Int("count", c.malformed).Msg("Malformed frame threshold reached, closing connection")
			c.Kick("malformed-update")
			return true
		}
	}
	return false
}

// dispatch routes one validated frame. Scope is re-checked against the
// frame's bucket on every document touch, so one connection can never drift
// across buckets on a stale grant.
func (c *Conn) dispatch(ctx context.Context, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindSubscribe:
		return c.onSubscribe(ctx, msg)
	case protocol.KindUnsubscribe:
		return c.onUnsubscribe(msg)
	case protocol.KindUpdate:
		return c.onUpdate(ctx, msg)
	case protocol.KindFileTreeChange:
		return c.onFileTreeChange(ctx, msg)
	case protocol.KindListFiles:
		return c.onListFiles(ctx, msg)
	case protocol.KindCreateBucket:
		return c.onCreateBucket(ctx, msg)
	case protocol.KindCloneBucket:
		return c.onCloneBucket(ctx, msg)
	case protocol.KindTombstoneBucket:
		return c.onTombstoneBucket(ctx, msg)
	default:
		return fmt.Errorf("unexpected %s frame from client: %w", msg.Kind, errdefs.ErrMalformedUpdate)
	}
}

func (c *Conn) onSubscribe(ctx context.Context, msg protocol.Message) error {
	key, err := msg.Key()
	if err != nil {
		return err
	}
	if err := c.h.authz.Authorize(ctx, c.identity, key.BucketID, types.RoleReader); err != nil {
		return err
	}

	if doc, ok := c.subs[key]; ok {
		if cur, live := c.h.docs.Lookup(key); live && cur == doc {
			// Re-subscribe: refresh room membership and resend state. The
			// attach refcount is already held.
			c.h.router.Join(key, c)
			c.reply(protocol.DocumentState(key, doc.State()))
			return nil
		}
		// The document was removed underneath this subscription (file
		// delete or bucket tombstone); treat this as a fresh subscribe.
		delete(c.subs, key)
	}

	doc, err := c.h.docs.Attach(ctx, key)
	if err != nil {
		return err
	}
	c.subs[key] = doc
	c.h.router.Join(key, c)
	c.h.router.JoinBucket(key.BucketID, c)

	// Joining before capturing state means an update racing this subscribe
	// may arrive both inside the state and as a frame; replica dedup makes
	// that harmless, while the reverse order could lose the update.
	c.reply(protocol.DocumentState(key, doc.State()))
	c.logger.Debug().Str("bucket_id", key.BucketID).Str("path", key.Path).Msg("Subscribed")
	return nil
}

func (c *Conn) onUnsubscribe(msg protocol.Message) error {
	key, err := msg.Key()
	if err != nil {
		return err
	}
	if _, ok := c.subs[key]; !ok {
		return fmt.Errorf("unsubscribe %s: %w", key, errdefs.ErrNotSubscribed)
	}
	delete(c.subs, key)
	c.h.router.Leave(key, c.id)
	c.h.docs.Release(key)
	return nil
}

func (c *Conn) onUpdate(ctx context.Context, msg protocol.Message) error {
	key, err := msg.Key()
	if err != nil {
		return err
	}
	if err := c.h.authz.Authorize(ctx, c.identity, key.BucketID, types.RoleWriter); err != nil {
		return err
	}
	if _, ok := c.subs[key]; !ok {
		return fmt.Errorf("update for %s: %w", key, errdefs.ErrNotSubscribed)
	}

	// Agents tag updates produced from their own filesystem scan; the tag
	// survives fan-out so the producing side can suppress the disk echo.
	// Nobody else gets to claim it.
	origin := types.Origin(c.id)
	if c.identity.Kind == types.PeerContainerAgent && msg.Origin == string(types.OriginFilesystemSync) {
		origin = types.OriginFilesystemSync
	}

	if _, err := c.h.docs.Apply(key, msg.Update, origin); err != nil {
		return err
	}
	c.h.router.Broadcast(key, protocol.UpdateFrame(key, msg.Update, origin), c.id)
	return nil
}

func (c *Conn) onFileTreeChange(ctx context.Context, msg protocol.Message) error {
	key, err := msg.Key()
	if err != nil {
		return err
	}
	if err := c.h.authz.Authorize(ctx, c.identity, key.BucketID, types.RoleWriter); err != nil {
		return err
	}

	switch msg.Action {
	case types.TreeCreate:
		if err := c.h.docs.Create(ctx, key); err != nil {
			return err
		}
	case types.TreeDelete:
		if err := c.h.docs.Remove(ctx, key); err != nil {
			return err
		}
		// The room dissolves silently; members hear about the delete once,
		// through the bucket-wide frame below.
		c.h.router.DropKey(key)
		if _, ok := c.subs[key]; ok {
			delete(c.subs, key)
		}
	}

	c.h.router.JoinBucket(key.BucketID, c)
	c.h.router.BroadcastBucket(key.BucketID, protocol.Message{
		Kind:     protocol.KindFileTreeChange,
		BucketID: key.BucketID,
		FilePath: key.Path,
		Action:   msg.Action,
	}, c.id)
	return nil
}

func (c *Conn) onListFiles(ctx context.Context, msg protocol.Message) error {
	if err := c.h.authz.Authorize(ctx, c.identity, msg.BucketID, types.RoleReader); err != nil {
		return err
	}
	paths, err := c.h.snaps.ListPaths(ctx, msg.BucketID)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	c.h.router.JoinBucket(msg.BucketID, c)
	c.reply(protocol.Message{Kind: protocol.KindFileList, BucketID: msg.BucketID, Paths: paths})
	return nil
}

func (c *Conn) requireService() error {
	if c.identity.Kind != types.PeerService {
		return fmt.Errorf("bucket administration requires a service token: %w", errdefs.ErrUnauthorized)
	}
	return nil
}

func (c *Conn) onCreateBucket(ctx context.Context, msg protocol.Message) error {
	if err := c.requireService(); err != nil {
		return err
	}
	b, err := c.h.snaps.CreateBucket(ctx, msg.Name, msg.Region, msg.IsTemplate)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	c.logger.Info().Str("bucket_id", b.ID).Str("name", b.Name).Msg("Bucket created")
	c.reply(protocol.Message{Kind: protocol.KindBucketCreated, BucketID: b.ID, Bucket: b})
	return nil
}

func (c *Conn) onCloneBucket(ctx context.Context, msg protocol.Message) error {
	if err := c.requireService(); err != nil {
		return err
	}
	b, err := c.h.snaps.Clone(ctx, msg.BucketID)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	c.logger.Info().Str("src", msg.BucketID).Str("bucket_id", b.ID).Msg("Bucket cloned")
	c.reply(protocol.Message{Kind: protocol.KindBucketCloned, BucketID: b.ID, Bucket: b})
	return nil
}

func (c *Conn) onTombstoneBucket(ctx context.Context, msg protocol.Message) error {
	if err := c.requireService(); err != nil {
		return err
	}
	if err := c.h.snaps.Tombstone(ctx, msg.BucketID); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}

	// Reject-then-evict: the tombstone is visible to Apply before the
	// resident documents and rooms go away.
	c.h.docs.CloseBucket(msg.BucketID)
	c.h.router.CloseBucket(msg.BucketID, func(key types.DocumentKey) protocol.Message {
		return protocol.ErrorFrame(
			fmt.Errorf("bucket %s tombstoned: %w", msg.BucketID, errdefs.ErrBucketClosed),
			key.BucketID, key.Path)
	})
	c.logger.Info().Str("bucket_id", msg.BucketID).Msg("Bucket tombstoned")
	c.reply(protocol.Message{Kind: protocol.KindOK, BucketID: msg.BucketID})
	return nil
}

// writePump owns socket writes: queued frames, heartbeat pings, and the
// closing handshake when the connection is kicked.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.h.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error().Err(err).Str("kind", string(msg.Kind)).Msg("Dropping unencodable frame")
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Kick("")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Kick("")
				return
			}
		case <-c.closeCh:
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes already-queued frames best-effort, then performs the
// websocket closing handshake carrying the kick code.
func (c *Conn) drainAndClose() {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case msg := <-c.sendCh:
			data, err := protocol.Encode(msg)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeStatus(c.kickCode), c.kickCode), deadline)
			return
		}
	}
}

func closeStatus(code string) int {
	switch code {
	case "":
		return websocket.CloseNormalClosure
	case "handler-timeout":
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}
