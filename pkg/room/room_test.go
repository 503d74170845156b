package room

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// fakePeer buffers frames in a bounded slice, mimicking a connection's
// outbound queue.
type fakePeer struct {
	id     string
	cap    int
	frames []protocol.Message
	kicked string
}

func newFakePeer(id string, cap int) *fakePeer {
	return &fakePeer{id: id, cap: cap}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Enqueue(msg protocol.Message) error {
	if len(p.frames) >= p.cap {
		return fmt.Errorf("queue full")
	}
	p.frames = append(p.frames, msg)
	return nil
}

func (p *fakePeer) Kick(code string) { p.kicked = code }

func testKey(t *testing.T, path string) types.DocumentKey {
	t.Helper()
	k, err := types.Key("ws-1", path)
	require.NoError(t, err)
	return k
}

func TestBroadcastSuppressesOrigin(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "main.py")

	origin := newFakePeer("conn-a", 10)
	other1 := newFakePeer("conn-b", 10)
	other2 := newFakePeer("conn-c", 10)
	r.Join(key, origin)
	r.Join(key, other1)
	r.Join(key, other2)

	msg := protocol.UpdateFrame(key, []byte{1, 2, 3}, types.Origin("conn-a"))
	r.Broadcast(key, msg, "conn-a")

	assert.Empty(t, origin.frames, "origin must never receive its own update")
	assert.Len(t, other1.frames, 1)
	assert.Len(t, other2.frames, 1)
}

func TestBroadcastKicksSlowConsumerAndContinues(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "main.py")

	slow := newFakePeer("conn-slow", 1)
	fast := newFakePeer("conn-fast", 10)
	r.Join(key, slow)
	r.Join(key, fast)

	msg := protocol.UpdateFrame(key, []byte{1}, "origin")
	r.Broadcast(key, msg, "nobody")
	r.Broadcast(key, msg, "nobody")
	r.Broadcast(key, msg, "nobody")

	assert.Equal(t, "slow-consumer", slow.kicked)
	assert.False(t, r.Subscribed(key, "conn-slow"), "kicked peer must leave the room")
	assert.Len(t, fast.frames, 3, "healthy peers keep receiving")
}

func TestBroadcastOrderPerRecipient(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "main.py")

	recv := newFakePeer("conn-b", 100)
	r.Join(key, recv)

	for i := 0; i < 20; i++ {
		msg := protocol.UpdateFrame(key, []byte{byte(i)}, "conn-a")
		r.Broadcast(key, msg, "conn-a")
	}

	require.Len(t, recv.frames, 20)
	for i, f := range recv.frames {
		assert.Equal(t, byte(i), f.Update[0], "frame %d out of order", i)
	}
}

func TestLeaveAll(t *testing.T) {
	r := NewRouter()
	k1 := testKey(t, "a.py")
	k2 := testKey(t, "b.py")

	p := newFakePeer("conn-a", 10)
	stays := newFakePeer("conn-b", 10)
	r.Join(k1, p)
	r.Join(k2, p)
	r.Join(k1, stays)

	keys := r.LeaveAll("conn-a")
	assert.ElementsMatch(t, []types.DocumentKey{k1, k2}, keys)
	assert.False(t, r.Subscribed(k1, "conn-a"))
	assert.True(t, r.Subscribed(k1, "conn-b"))

	rooms, subs := r.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, subs)
}

func TestCloseKeyNotifiesAndEmpties(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "old.py")

	p1 := newFakePeer("conn-a", 10)
	p2 := newFakePeer("conn-b", 10)
	r.Join(key, p1)
	r.Join(key, p2)

	frame := protocol.Message{Kind: protocol.KindError, Code: "bucket-closed", BucketID: key.BucketID, FilePath: key.Path}
	r.CloseKey(key, frame)

	require.Len(t, p1.frames, 1)
	assert.Equal(t, "bucket-closed", p1.frames[0].Code)
	require.Len(t, p2.frames, 1)

	rooms, _ := r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Empty(t, r.Peers(key))
}

func TestCloseBucketOnlyTouchesThatBucket(t *testing.T) {
	r := NewRouter()
	inBucket, err := types.Key("ws-1", "a.py")
	require.NoError(t, err)
	otherBucket, err := types.Key("ws-2", "a.py")
	require.NoError(t, err)

	p1 := newFakePeer("conn-a", 10)
	p2 := newFakePeer("conn-b", 10)
	r.Join(inBucket, p1)
	r.Join(otherBucket, p2)

	r.CloseBucket("ws-1", func(k types.DocumentKey) protocol.Message {
		return protocol.Message{Kind: protocol.KindError, Code: "bucket-closed", BucketID: k.BucketID, FilePath: k.Path}
	})

	assert.Len(t, p1.frames, 1)
	assert.Empty(t, p2.frames)
	assert.True(t, r.Subscribed(otherBucket, "conn-b"))
}

func TestRejoinReplacesRole(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "main.py")
	p := newFakePeer("conn-a", 10)

	r.Join(key, p)
	r.Join(key, p)

	_, subs := r.Stats()
	assert.Equal(t, 1, subs, "rejoin must not duplicate membership")
}

func TestBroadcastBucketReachesMembersOnce(t *testing.T) {
	r := NewRouter()

	origin := newFakePeer("conn-a", 10)
	agent := newFakePeer("conn-agent", 10)
	outsider := newFakePeer("conn-x", 10)
	r.JoinBucket("ws-1", origin)
	r.JoinBucket("ws-1", agent)
	r.JoinBucket("ws-1", agent) // idempotent
	r.JoinBucket("ws-2", outsider)

	frame := protocol.Message{Kind: protocol.KindFileTreeChange, BucketID: "ws-1", FilePath: "new.py", Action: types.TreeCreate}
	r.BroadcastBucket("ws-1", frame, "conn-a")

	assert.Empty(t, origin.frames, "origin must not hear its own tree change")
	assert.Len(t, agent.frames, 1)
	assert.Empty(t, outsider.frames)
}

func TestLeaveAllDropsBucketMembership(t *testing.T) {
	r := NewRouter()
	p := newFakePeer("conn-a", 10)
	r.JoinBucket("ws-1", p)

	r.LeaveAll("conn-a")
	r.BroadcastBucket("ws-1", protocol.Message{Kind: protocol.KindFileTreeChange}, "nobody")
	assert.Empty(t, p.frames)
}

func TestDropKeyIsSilent(t *testing.T) {
	r := NewRouter()
	key := testKey(t, "old.py")
	p := newFakePeer("conn-a", 10)
	r.Join(key, p)

	r.DropKey(key)
	assert.Empty(t, p.frames, "drop must not send frames")
	assert.False(t, r.Subscribed(key, "conn-a"))
}
