package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioclass/codesync/pkg/types"
	"github.com/studioclass/codesync/test/framework"
)

func startHarness(t *testing.T, cfg *framework.HarnessConfig) *framework.Harness {
	t.Helper()
	h, err := framework.NewHarness(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		if err := h.Stop(); err != nil {
			t.Errorf("harness stop: %v", err)
		}
	})
	return h
}

// TestHelloWorldRoundTrip is the basic happy path: one student types a
// program, a second tab of the same session sees it live, and the text lands
// in the snapshot store.
func TestHelloWorldRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := startHarness(t, nil)
	w := framework.DefaultWaiter()
	require.NoError(t, w.WaitForReady(ctx, h))

	bucket, err := h.NewBucket(ctx, "lesson-1")
	require.NoError(t, err)
	key := types.DocumentKey{BucketID: bucket.ID, Path: "main.py"}

	tabA, err := framework.OpenTab(ctx, h, "student-1", key)
	require.NoError(t, err)
	defer tabA.Close()
	tabB, err := framework.OpenTab(ctx, h, "student-1", key)
	require.NoError(t, err)
	defer tabB.Close()

	const program = "print('Hello, world')\n"
	require.NoError(t, tabA.Replace(program))
	require.NoError(t, w.WaitForText(ctx, tabB, program))

	// The periodic flusher persists the text without any explicit save.
	require.NoError(t, w.WaitFor(ctx, func() bool {
		text, err := h.Engine.Snapshots.LoadText(ctx, key)
		return err == nil && text == program
	}, "snapshot flush"))
}

// TestConcurrentEditsConverge drives two tabs typing into the same document
// at once and checks that both replicas and the server agree afterwards.
func TestConcurrentEditsConverge(t *testing.T) {
	ctx := context.Background()
	h := startHarness(t, nil)
	w := framework.DefaultWaiter()

	bucket, err := h.NewBucket(ctx, "lesson-2")
	require.NoError(t, err)
	key := types.DocumentKey{BucketID: bucket.ID, Path: "main.py"}

	tabA, err := framework.OpenTab(ctx, h, "student-1", key)
	require.NoError(t, err)
	defer tabA.Close()
	tabB, err := framework.OpenTab(ctx, h, "student-2", key)
	require.NoError(t, err)
	defer tabB.Close()

	// Both sides type at position 0 concurrently. The inserts interleave on
	// the wire in whatever order the server receives them.
	for i := 0; i < 50; i++ {
		require.NoError(t, tabA.Insert(0, fmt.Sprintf("a%d ", i)))
		require.NoError(t, tabB.Insert(0, fmt.Sprintf("b%d ", i)))
	}

	require.NoError(t, w.WaitForConvergence(ctx, tabA, tabB))

	// The server's document matches the converged replicas.
	text, err := h.Engine.Documents.Snapshot(key)
	require.NoError(t, err)
	assert.Equal(t, tabA.Text(), text)
}

// TestLateJoinerSeesFullState subscribes a third tab after a burst of edits
// and expects the full document in the initial state frame.
func TestLateJoinerSeesFullState(t *testing.T) {
	ctx := context.Background()
	h := startHarness(t, nil)
	w := framework.DefaultWaiter()

	bucket, err := h.NewBucket(ctx, "lesson-3")
	require.NoError(t, err)
	key := types.DocumentKey{BucketID: bucket.ID, Path: "notes.md"}

	tabA, err := framework.OpenTab(ctx, h, "student-1", key)
	require.NoError(t, err)
	defer tabA.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, tabA.Insert(tabA.TextLen(), fmt.Sprintf("line %d\n", i)))
	}
	want := tabA.Text()

	// Give the server a beat to apply the tail of the burst.
	require.NoError(t, w.WaitFor(ctx, func() bool {
		text, err := h.Engine.Documents.Snapshot(key)
		return err == nil && text == want
	}, "server applied burst"))

	late, err := framework.OpenTab(ctx, h, "student-2", key)
	require.NoError(t, err)
	defer late.Close()
	assert.Equal(t, want, late.Text())
}

// TestIdleDocumentEvictedAfterFlush checks the resident set shrinks once the
// last subscriber leaves and the idle grace passes, with no data loss.
func TestIdleDocumentEvictedAfterFlush(t *testing.T) {
	ctx := context.Background()
	cfg := framework.DefaultHarnessConfig()
	h := startHarness(t, cfg)
	w := framework.NewWaiter(10*time.Second, 50*time.Millisecond)

	bucket, err := h.NewBucket(ctx, "lesson-4")
	require.NoError(t, err)
	key := types.DocumentKey{BucketID: bucket.ID, Path: "main.py"}

	tab, err := framework.OpenTab(ctx, h, "student-1", key)
	require.NoError(t, err)
	require.NoError(t, tab.Replace("ephemeral\n"))
	require.NoError(t, w.WaitFor(ctx, func() bool {
		text, err := h.Engine.Documents.Snapshot(key)
		return err == nil && text == "ephemeral\n"
	}, "server applied edit"))
	tab.Close()

	require.NoError(t, w.WaitFor(ctx, func() bool {
		return !h.Engine.Documents.Resident(key)
	}, "idle document eviction"))

	text, err := h.Engine.Snapshots.LoadText(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ephemeral\n", text)
}
