package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioclass/codesync/pkg/auth"
	"github.com/studioclass/codesync/pkg/client"
	"github.com/studioclass/codesync/pkg/crdt"
	"github.com/studioclass/codesync/pkg/document"
	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/room"
	"github.com/studioclass/codesync/pkg/snapshot"
	"github.com/studioclass/codesync/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type testServer struct {
	handler *Handler
	tokens  *auth.TokenRegistry
	snaps   snapshot.Store
	docs    *document.Store
	http    *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	snaps, err := snapshot.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	docs := document.NewStore(snaps, nil, document.Options{})
	router := room.NewRouter()
	tokens := auth.NewTokenRegistry()

	handler := NewHandler(tokens, auth.NewScopeAuthorizer(auth.AllowAll), docs, router, snaps, opts)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testServer{handler: handler, tokens: tokens, snaps: snaps, docs: docs, http: srv}
}

func (ts *testServer) newBucket(t *testing.T) *types.Bucket {
	t.Helper()
	b, err := ts.snaps.CreateBucket(context.Background(), "ws", "eu", false)
	require.NoError(t, err)
	return b
}

func (ts *testServer) dialBrowser(t *testing.T, userID string) *client.Client {
	t.Helper()
	token, err := ts.tokens.IssueBrowserToken(userID, time.Minute)
	require.NoError(t, err)
	return ts.dial(t, token)
}

func (ts *testServer) dialAgent(t *testing.T, bucketID string) *client.Client {
	t.Helper()
	token, err := ts.tokens.IssueContainerToken(bucketID, "container-1", time.Minute)
	require.NoError(t, err)
	return ts.dial(t, token)
}

func (ts *testServer) dialService(t *testing.T) *client.Client {
	t.Helper()
	ts.tokens.RegisterServiceToken("svc-token", "test-admin")
	return ts.dial(t, "svc-token")
}

func (ts *testServer) dial(t *testing.T, token string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), ts.http.URL, token)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recvKind reads frames until one of the wanted kind arrives.
func recvKind(t *testing.T, c *client.Client, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	got := make(chan protocol.Message, 1)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Recv()
			if err != nil {
				errc <- err
				return
			}
			if msg.Kind == kind {
				got <- msg
				return
			}
		}
	}()
	select {
	case msg := <-got:
		return msg
	case err := <-errc:
		t.Fatalf("connection failed waiting for %s: %v", kind, err)
	case <-deadline:
		t.Fatalf("timed out waiting for %s frame", kind)
	}
	return protocol.Message{}
}

// recvNothing asserts no frame arrives within the window.
func recvNothing(t *testing.T, c *client.Client, window time.Duration) {
	t.Helper()
	got := make(chan protocol.Message, 1)
	go func() {
		if msg, err := c.Recv(); err == nil {
			got <- msg
		}
	}()
	select {
	case msg := <-got:
		t.Fatalf("unexpected %s frame", msg.Kind)
	case <-time.After(window):
	}
}

func TestHandshakeRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t, Options{})

	_, err := client.Dial(context.Background(), ts.http.URL, "no-such-token")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestSubscribeDeliversDocumentState(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	require.NoError(t, ts.snaps.SaveText(context.Background(),
		types.DocumentKey{BucketID: b.ID, Path: "main.py"}, "print('hi')"))

	c := ts.dialBrowser(t, "user-1")
	require.NoError(t, c.Subscribe(b.ID, "main.py"))

	state := recvKind(t, c, protocol.KindDocumentState)
	doc, err := crdt.DecodeState(crdt.RandomSite(), state.State)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", doc.Text())
}

func TestUpdateFanOutSuppressesOrigin(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "main.py"}

	tabA := ts.dialBrowser(t, "user-1")
	tabB := ts.dialBrowser(t, "user-1")
	require.NoError(t, tabA.Subscribe(b.ID, "main.py"))
	stateA := recvKind(t, tabA, protocol.KindDocumentState)
	require.NoError(t, tabB.Subscribe(b.ID, "main.py"))
	recvKind(t, tabB, protocol.KindDocumentState)

	docA, err := crdt.DecodeState(crdt.RandomSite(), stateA.State)
	require.NoError(t, err)
	update, err := docA.ReplaceAll("print('hi')")
	require.NoError(t, err)
	require.NoError(t, tabA.SendUpdate(key, update, ""))

	// Every other subscriber receives the update; the origin never does.
	fanned := recvKind(t, tabB, protocol.KindUpdate)
	assert.Equal(t, update, fanned.Update)
	recvNothing(t, tabA, 200*time.Millisecond)

	// The server document converged.
	text, err := ts.docs.Snapshot(key)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", text)
}

func TestContainerTokenCannotCrossBuckets(t *testing.T) {
	ts := newTestServer(t, Options{})
	own := ts.newBucket(t)
	other := ts.newBucket(t)

	c := ts.dialAgent(t, own.ID)
	require.NoError(t, c.Subscribe(other.ID, "main.py"))

	reject := recvKind(t, c, protocol.KindError)
	assert.Equal(t, "unauthorized", reject.Code)

	// Scope violations are connection-fatal.
	_, err := c.Recv()
	require.Error(t, err)
}

func TestContainerTokenWorksInOwnBucket(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)

	c := ts.dialAgent(t, b.ID)
	require.NoError(t, c.Subscribe(b.ID, "main.py"))
	recvKind(t, c, protocol.KindDocumentState)
}

func TestUpdateWithoutSubscribeRejected(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)

	c := ts.dialBrowser(t, "user-1")
	update, err := crdt.FromText(1, "").ReplaceAll("x")
	require.NoError(t, err)
	require.NoError(t, c.SendUpdate(types.DocumentKey{BucketID: b.ID, Path: "main.py"}, update, ""))

	reject := recvKind(t, c, protocol.KindError)
	assert.Equal(t, "not-subscribed", reject.Code)
}

func TestMalformedUpdateIsPerMessage(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "main.py"}

	c := ts.dialBrowser(t, "user-1")
	require.NoError(t, c.Subscribe(b.ID, "main.py"))
	recvKind(t, c, protocol.KindDocumentState)

	require.NoError(t, c.SendUpdate(key, []byte{0xff, 0xee}, ""))
	reject := recvKind(t, c, protocol.KindError)
	assert.Equal(t, "malformed-update", reject.Code)

	// The connection survives and still works.
	require.NoError(t, c.Subscribe(b.ID, "other.py"))
	recvKind(t, c, protocol.KindDocumentState)
}

func TestFileTreeDeleteIsAuthoritative(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "old.py"}

	tabA := ts.dialBrowser(t, "user-1")
	tabB := ts.dialBrowser(t, "user-1")
	require.NoError(t, tabA.Subscribe(b.ID, "old.py"))
	recvKind(t, tabA, protocol.KindDocumentState)
	require.NoError(t, tabB.Subscribe(b.ID, "old.py"))
	stateB := recvKind(t, tabB, protocol.KindDocumentState)

	require.NoError(t, tabA.SendTreeChange(b.ID, "old.py", types.TreeDelete))
	change := recvKind(t, tabB, protocol.KindFileTreeChange)
	assert.Equal(t, types.TreeDelete, change.Action)

	// An in-flight update from the other tab lands after the delete.
	docB, err := crdt.DecodeState(crdt.RandomSite(), stateB.State)
	require.NoError(t, err)
	update, err := docB.ReplaceAll("zombie")
	require.NoError(t, err)
	require.NoError(t, tabB.SendUpdate(key, update, ""))

	reject := recvKind(t, tabB, protocol.KindError)
	assert.Equal(t, "not-subscribed", reject.Code)

	// The object is gone; a fresh attach sees an empty document.
	text, err := ts.snaps.LoadText(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTombstonedBucketRejectsEverything(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "main.py"}

	browser := ts.dialBrowser(t, "user-1")
	require.NoError(t, browser.Subscribe(b.ID, "main.py"))
	state := recvKind(t, browser, protocol.KindDocumentState)

	svc := ts.dialService(t)
	require.NoError(t, svc.TombstoneBucket(b.ID))

	// Existing subscriptions are terminated with the typed error.
	closed := recvKind(t, browser, protocol.KindError)
	assert.Equal(t, "bucket-closed", closed.Code)

	// Updates against the tombstoned bucket are rejected.
	doc, err := crdt.DecodeState(crdt.RandomSite(), state.State)
	require.NoError(t, err)
	update, err := doc.ReplaceAll("after close")
	require.NoError(t, err)
	require.NoError(t, browser.SendUpdate(key, update, ""))
	reject := recvKind(t, browser, protocol.KindError)
	assert.Equal(t, "bucket-closed", reject.Code)

	// Re-subscribing is rejected too.
	require.NoError(t, browser.Subscribe(b.ID, "main.py"))
	reject = recvKind(t, browser, protocol.KindError)
	assert.Equal(t, "bucket-closed", reject.Code)
}

func TestServiceBucketAdministration(t *testing.T) {
	ts := newTestServer(t, Options{})
	svc := ts.dialService(t)

	b, err := svc.CreateBucket("template-ws", "eu", true)
	require.NoError(t, err)
	assert.True(t, b.IsTemplate)

	require.NoError(t, ts.snaps.SaveText(context.Background(),
		types.DocumentKey{BucketID: b.ID, Path: "main.py"}, "print('seed')"))

	clone, err := svc.CloneBucket(b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, clone.ID)

	paths, err := svc.ListFiles(clone.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, paths)
}

func TestBrowserCannotAdministerBuckets(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)

	c := ts.dialBrowser(t, "user-1")
	_, err := c.CloneBucket(b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestAgentFilesystemSyncOriginSurvivesFanOut(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "main.py"}

	agent := ts.dialAgent(t, b.ID)
	browser := ts.dialBrowser(t, "user-1")
	require.NoError(t, agent.Subscribe(b.ID, "main.py"))
	stateAgent := recvKind(t, agent, protocol.KindDocumentState)
	require.NoError(t, browser.Subscribe(b.ID, "main.py"))
	recvKind(t, browser, protocol.KindDocumentState)

	doc, err := crdt.DecodeState(crdt.RandomSite(), stateAgent.State)
	require.NoError(t, err)
	update, err := doc.ReplaceAll("print('a')")
	require.NoError(t, err)
	require.NoError(t, agent.SendUpdate(key, update, types.OriginFilesystemSync))

	fanned := recvKind(t, browser, protocol.KindUpdate)
	assert.Equal(t, string(types.OriginFilesystemSync), fanned.Origin)
}

func TestBrowserCannotForgeFilesystemSyncOrigin(t *testing.T) {
	ts := newTestServer(t, Options{})
	b := ts.newBucket(t)
	key := types.DocumentKey{BucketID: b.ID, Path: "main.py"}

	browser := ts.dialBrowser(t, "user-1")
	watcher := ts.dialBrowser(t, "user-2")
	require.NoError(t, browser.Subscribe(b.ID, "main.py"))
	state := recvKind(t, browser, protocol.KindDocumentState)
	require.NoError(t, watcher.Subscribe(b.ID, "main.py"))
	recvKind(t, watcher, protocol.KindDocumentState)

	doc, err := crdt.DecodeState(crdt.RandomSite(), state.State)
	require.NoError(t, err)
	update, err := doc.ReplaceAll("forged")
	require.NoError(t, err)
	require.NoError(t, browser.SendUpdate(key, update, types.OriginFilesystemSync))

	fanned := recvKind(t, watcher, protocol.KindUpdate)
	assert.NotEqual(t, string(types.OriginFilesystemSync), fanned.Origin)
}
