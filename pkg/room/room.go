package room

import (
	"sync"
	"time"

	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/metrics"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// Peer is the router's view of a connection. Enqueue must not block: it
// either accepts the frame into the peer's bounded outbound queue or fails.
// Kick asks the connection to close with a wire code; it must be safe to
// call from any goroutine and more than once.
type Peer interface {
	ID() string
	Enqueue(msg protocol.Message) error
	Kick(code string)
}

type subscription struct {
	peer     Peer
	joinedAt time.Time
}

// Router maintains document rooms: which peers are subscribed to which
// document key, and fans frames out to them. It holds peers only through the
// Peer interface and documents only through keys; it owns neither.
//
// Alongside per-document rooms it keeps per-bucket membership, used for
// frames that concern the whole workspace (file tree changes). A peer joins a
// bucket the first time it touches it and stays a member until disconnect.
type Router struct {
	mu      sync.RWMutex
	rooms   map[types.DocumentKey]map[string]subscription
	buckets map[string]map[string]Peer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		rooms:   make(map[types.DocumentKey]map[string]subscription),
		buckets: make(map[string]map[string]Peer),
	}
}

// Join adds a peer to a document's room. Re-joining refreshes the existing
// subscription. Write authorization happens per message in the session
// layer, so the room tracks membership only.
func (r *Router) Join(key types.DocumentKey, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]subscription)
		r.rooms[key] = members
	}
	members[peer.ID()] = subscription{peer: peer, joinedAt: time.Now()}
}

// Leave removes one peer from one room. Unknown members are ignored.
func (r *Router) Leave(key types.DocumentKey, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(key, peerID)
}

func (r *Router) leaveLocked(key types.DocumentKey, peerID string) {
	members, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.rooms, key)
	}
}

// LeaveAll removes a peer from every room and bucket it is in and returns
// the keys it was subscribed to, so the caller can release document refcounts.
func (r *Router) LeaveAll(peerID string) []types.DocumentKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []types.DocumentKey
	for key, members := range r.rooms {
		if _, ok := members[peerID]; !ok {
			continue
		}
		keys = append(keys, key)
		delete(members, peerID)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
	for bucketID, members := range r.buckets {
		delete(members, peerID)
		if len(members) == 0 {
			delete(r.buckets, bucketID)
		}
	}
	return keys
}

// JoinBucket registers a peer for bucket-wide frames. Idempotent; membership
// lasts until LeaveAll or the bucket is closed.
func (r *Router) JoinBucket(bucketID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.buckets[bucketID]
	if !ok {
		members = make(map[string]Peer)
		r.buckets[bucketID] = members
	}
	members[peer.ID()] = peer
}

// BroadcastBucket fans a frame out to every member of a bucket except the
// origin peer, with the same slow-consumer policy as Broadcast.
func (r *Router) BroadcastBucket(bucketID string, msg protocol.Message, exceptPeerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, peer := range r.buckets[bucketID] {
		if id == exceptPeerID {
			continue
		}
		if err := peer.Enqueue(msg); err != nil {
			log.Logger.Warn().
				Str("component", "room-router").
				Str("conn_id", id).
				Str("bucket_id", bucketID).
				Msg("outbound queue overflow, kicking slow consumer")
			metrics.SlowConsumerKicks.Inc()
			delete(r.buckets[bucketID], id)
			peer.Kick("slow-consumer")
		}
	}
}

// Broadcast fans a frame out to every member of the room except the origin
// peer. Delivery is best-effort per member: a peer whose queue is full is
// kicked with SlowConsumer and dropped from the room, and the loop moves on
// so one stalled consumer never delays its siblings.
func (r *Router) Broadcast(key types.DocumentKey, msg protocol.Message, exceptPeerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[key]
	fanout := 0
	for id, sub := range members {
		if id == exceptPeerID {
			continue
		}
		if err := sub.peer.Enqueue(msg); err != nil {
			log.Logger.Warn().
				Str("component", "room-router").
				Str("conn_id", id).
				Str("bucket_id", key.BucketID).
				Str("path", key.Path).
				Msg("outbound queue overflow, kicking slow consumer")
			metrics.SlowConsumerKicks.Inc()
			r.leaveLocked(key, id)
			sub.peer.Kick("slow-consumer")
			continue
		}
		fanout++
	}
	metrics.BroadcastFanout.Observe(float64(fanout))
}

// CloseKey terminates a room: every member receives the frame (typically a
// typed error), then the room is removed. Connections stay open; only the
// subscriptions end.
func (r *Router) CloseKey(key types.DocumentKey, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.rooms[key] {
		if err := sub.peer.Enqueue(msg); err != nil {
			metrics.SlowConsumerKicks.Inc()
			sub.peer.Kick("slow-consumer")
		}
	}
	delete(r.rooms, key)
}

// DropKey removes a room without sending anything. Used when the members are
// told through another channel, like the bucket-wide delete notification.
func (r *Router) DropKey(key types.DocumentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, key)
}

// CloseBucket terminates every room under a bucket, sending each member a
// frame built for that room's key, and drops the bucket membership.
func (r *Router) CloseBucket(bucketID string, frame func(types.DocumentKey) protocol.Message) {
	r.mu.Lock()
	keys := make([]types.DocumentKey, 0, 4)
	for key := range r.rooms {
		if key.BucketID == bucketID {
			keys = append(keys, key)
		}
	}
	delete(r.buckets, bucketID)
	r.mu.Unlock()

	for _, key := range keys {
		r.CloseKey(key, frame(key))
	}
}

// Peers returns the member IDs of a room.
func (r *Router) Peers(key types.DocumentKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[key]))
	for id := range r.rooms[key] {
		ids = append(ids, id)
	}
	return ids
}

// Subscribed reports whether a peer is in a room.
func (r *Router) Subscribed(key types.DocumentKey, peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[key][peerID]
	return ok
}

// Stats returns room and subscription counts for the metrics collector.
func (r *Router) Stats() (rooms, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, members := range r.rooms {
		subscriptions += len(members)
	}
	return len(r.rooms), subscriptions
}
