package document

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/metrics"
	"github.com/studioclass/codesync/pkg/snapshot"
	"github.com/studioclass/codesync/pkg/types"
)

// Options tunes the document store. Zero values fall back to the defaults
// used in production.
type Options struct {
	// IdleGrace is how long a clean, unsubscribed document stays resident.
	IdleGrace time.Duration
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
	// FlushInterval is how often dirty documents are flushed.
	FlushInterval time.Duration
	// FlushParallelism bounds concurrent snapshot writes during FlushAll.
	FlushParallelism int
	// FlushRetries bounds write attempts per flush before giving up until
	// the next cycle.
	FlushRetries int
	// SnapshotTimeout bounds each individual snapshot store call.
	SnapshotTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleGrace <= 0 {
		o.IdleGrace = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.FlushParallelism < 1 {
		o.FlushParallelism = 8
	}
	if o.FlushRetries < 1 {
		o.FlushRetries = 5
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 10 * time.Second
	}
	return o
}

// Store owns every resident document. It materializes documents from the
// snapshot store on first attach, applies updates under per-document locks,
// flushes dirty text back on a cycle, and evicts clean idle documents.
//
// Lock order is always store.mu before Document.mu, never the reverse.
// Readers of the resident map hold mu.RLock across the per-document work they
// do, so the sweeper (which takes mu for writing) cannot evict a document out
// from under an in-flight apply or attach.
type Store struct {
	snaps   snapshot.Store
	factory ReplicaFactory
	opts    Options
	logger  zerolog.Logger

	mu   sync.RWMutex
	docs map[types.DocumentKey]*Document

	group  singleflight.Group
	stopCh chan struct{}
}

// NewStore creates a document store over the given snapshot store.
func NewStore(snaps snapshot.Store, factory ReplicaFactory, opts Options) *Store {
	if factory == nil {
		factory = CRDTFactory{}
	}
	return &Store{
		snaps:   snaps,
		factory: factory,
		opts:    opts.withDefaults(),
		logger:  log.WithComponent("document-store"),
		docs:    make(map[types.DocumentKey]*Document),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the eviction sweeper and the periodic flusher.
func (s *Store) Start() {
	go s.sweepLoop()
	go s.flushLoop()
}

// Stop halts the background loops. It does not flush; callers that want a
// final flush run FlushAll themselves before discarding the store.
func (s *Store) Stop() {
	close(s.stopCh)
}

// Attach returns the resident document for key, materializing it from the
// snapshot store when absent, and registers one subscriber. Concurrent
// attaches for the same key share a single snapshot load. Every successful
// Attach must be paired with a Release.
func (s *Store) Attach(ctx context.Context, key types.DocumentKey) (*Document, error) {
	for {
		if s.snaps.IsTombstoned(key.BucketID) {
			metrics.AttachesTotal.WithLabelValues("error").Inc()
			return nil, errdefs.ErrBucketClosed
		}

		s.mu.RLock()
		if d, ok := s.docs[key]; ok {
			d.addSubscriber()
			s.mu.RUnlock()
			metrics.AttachesTotal.WithLabelValues("hit").Inc()
			return d, nil
		}
		s.mu.RUnlock()

		if err := ctx.Err(); err != nil {
			metrics.AttachesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
		}

		v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
			return s.materialize(ctx, key)
		})
		if err != nil {
			metrics.AttachesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		loaded := v.(*Document)

		// The document may have been evicted or removed between the shared
		// load and this registration; if so, take another pass.
		s.mu.RLock()
		if cur, ok := s.docs[key]; ok && cur == loaded {
			cur.addSubscriber()
			s.mu.RUnlock()
			metrics.AttachesTotal.WithLabelValues("load").Inc()
			return cur, nil
		}
		s.mu.RUnlock()
	}
}

// materialize loads key from the snapshot store and inserts it into the
// resident map. Runs inside the singleflight group.
func (s *Store) materialize(ctx context.Context, key types.DocumentKey) (*Document, error) {
	s.mu.RLock()
	if d, ok := s.docs[key]; ok {
		s.mu.RUnlock()
		return d, nil
	}
	s.mu.RUnlock()

	loadCtx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
	defer cancel()

	b, err := s.snaps.GetBucket(loadCtx, key.BucketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	if b.Tombstoned() {
		return nil, errdefs.ErrBucketClosed
	}
	text, err := s.snaps.LoadText(loadCtx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}

	d := newDocument(key, s.factory.FromText(text))
	s.mu.Lock()
	if cur, ok := s.docs[key]; ok {
		s.mu.Unlock()
		return cur, nil
	}
	s.docs[key] = d
	s.mu.Unlock()

	s.logger.Debug().
		Str("bucket_id", key.BucketID).
		Str("path", key.Path).
		Int("bytes", len(text)).
		Msg("Materialized document from snapshot")
	return d, nil
}

// Release drops one subscriber from key. Releasing an absent document is a
// no-op so teardown paths stay simple after removals and bucket closes.
func (s *Store) Release(key types.DocumentKey) {
	s.mu.RLock()
	if d, ok := s.docs[key]; ok {
		d.dropSubscriber()
	}
	s.mu.RUnlock()
}

// Apply merges an update into the resident document for key. Updates against
// tombstoned buckets are rejected with ErrBucketClosed even after the
// residents were evicted; updates for other non-resident documents (racing a
// file delete, or sent before subscribing) are rejected with
// ErrNotSubscribed. Malformed updates are rejected without mutating the
// replica.
func (s *Store) Apply(key types.DocumentKey, update []byte, origin types.Origin) (uint64, error) {
	if s.snaps.IsTombstoned(key.BucketID) {
		metrics.UpdatesRejected.WithLabelValues(errdefs.Code(errdefs.ErrBucketClosed)).Inc()
		return 0, errdefs.ErrBucketClosed
	}

	s.mu.RLock()
	d, ok := s.docs[key]
	if !ok {
		s.mu.RUnlock()
		metrics.UpdatesRejected.WithLabelValues(errdefs.Code(errdefs.ErrNotSubscribed)).Inc()
		return 0, errdefs.ErrNotSubscribed
	}
	seq, err := d.apply(update, origin)
	s.mu.RUnlock()
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues(errdefs.Code(err)).Inc()
		return 0, err
	}
	metrics.UpdatesApplied.Inc()
	return seq, nil
}

// Snapshot returns the current text of a resident document.
func (s *Store) Snapshot(key types.DocumentKey) (string, error) {
	s.mu.RLock()
	d, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return "", errdefs.ErrNotSubscribed
	}
	return d.Text(), nil
}

// Resident reports whether key is materialized in memory.
func (s *Store) Resident(key types.DocumentKey) bool {
	s.mu.RLock()
	_, ok := s.docs[key]
	s.mu.RUnlock()
	return ok
}

// Lookup returns the resident document for key without registering a
// subscriber. Holders of an attach handle use it to detect that the document
// was removed underneath them.
func (s *Store) Lookup(key types.DocumentKey) (*Document, bool) {
	s.mu.RLock()
	d, ok := s.docs[key]
	s.mu.RUnlock()
	return d, ok
}

// Create ensures the object for key exists in the snapshot store so agents
// and file listings discover it. Creating an existing file is a no-op and
// never truncates content; the resident document, if any, is left untouched.
func (s *Store) Create(ctx context.Context, key types.DocumentKey) error {
	if s.snaps.IsTombstoned(key.BucketID) {
		return errdefs.ErrBucketClosed
	}
	if s.Resident(key) {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
	defer cancel()

	text, err := s.snaps.LoadText(opCtx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	if text != "" {
		return nil
	}
	if err := s.snaps.SaveText(opCtx, key, ""); err != nil {
		if errdefs.IsBucketClosed(err) {
			return err
		}
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	return nil
}

// Remove evicts the resident document for key and deletes its object from
// the snapshot store so a later flush or attach cannot resurrect it.
func (s *Store) Remove(ctx context.Context, key types.DocumentKey) error {
	if s.snaps.IsTombstoned(key.BucketID) {
		return errdefs.ErrBucketClosed
	}
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
	defer cancel()
	if err := s.snaps.DeleteObject(opCtx, key); err != nil {
		if errdefs.IsBucketClosed(err) {
			return err
		}
		return fmt.Errorf("%w: %v", errdefs.ErrSnapshotUnavailable, err)
	}
	return nil
}

// CloseBucket evicts every resident document in bucketID and returns their
// keys so the caller can terminate the matching subscriptions. Dirty state is
// discarded: a closed bucket rejects writes, and archival copies are taken by
// cloning before the close.
func (s *Store) CloseBucket(bucketID string) []types.DocumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []types.DocumentKey
	for k := range s.docs {
		if k.BucketID == bucketID {
			keys = append(keys, k)
			delete(s.docs, k)
		}
	}
	return keys
}

// Flush writes the current text of key to the snapshot store if the document
// is resident and dirty. Absent documents flush trivially.
func (s *Store) Flush(ctx context.Context, key types.DocumentKey) error {
	s.mu.RLock()
	d, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.flushDoc(ctx, d)
}

// FlushAll flushes every dirty resident document with bounded parallelism.
// Individual failures are logged and counted but do not stop the rest.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.RLock()
	dirty := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		if d.Dirty() {
			dirty = append(dirty, d)
		}
	}
	s.mu.RUnlock()
	if len(dirty) == 0 {
		return nil
	}

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.opts.FlushParallelism)
	for _, d := range dirty {
		g.Go(func() error {
			if err := s.flushDoc(ctx, d); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d dirty documents failed to flush", n, len(dirty))
	}
	return nil
}

// flushDoc writes one document's text to the snapshot store. The capture is
// taken under the document lock; the write happens outside it so editing is
// never blocked on object storage. The document is marked clean only when no
// update arrived after the capture.
func (s *Store) flushDoc(ctx context.Context, d *Document) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	text, seq, dirty := d.capture()
	if !dirty {
		return nil
	}

	timer := metrics.NewTimer()
	op := func() (struct{}, error) {
		saveCtx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
		defer cancel()
		err := s.snaps.SaveText(saveCtx, d.key, text)
		if errdefs.IsBucketClosed(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.opts.FlushRetries)),
	)
	if err != nil {
		metrics.FlushesTotal.WithLabelValues("failure").Inc()
		s.logger.Error().Err(err).
			Str("bucket_id", d.key.BucketID).
			Str("path", d.key.Path).
			Uint64("seq", seq).
			Msg("Snapshot flush failed, document stays dirty")
		return err
	}

	d.markFlushed(seq)
	timer.ObserveDuration(metrics.FlushDuration)
	metrics.FlushesTotal.WithLabelValues("success").Inc()
	return nil
}

// Stats returns resident and dirty document counts for the metrics collector.
func (s *Store) Stats() (live, dirty int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live = len(s.docs)
	for _, d := range s.docs {
		if d.Dirty() {
			dirty++
		}
	}
	return live, dirty
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep evicts documents that are clean, unsubscribed, and past the idle
// grace window. Holding the write lock excludes attaches and applies for the
// duration, so an eviction can never race an in-flight update.
func (s *Store) sweep() {
	now := time.Now()
	evicted := 0

	s.mu.Lock()
	for k, d := range s.docs {
		if d.idle(now, s.opts.IdleGrace) {
			delete(s.docs, k)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		metrics.EvictionsTotal.Add(float64(evicted))
		s.logger.Debug().Int("count", evicted).Msg("Evicted idle documents")
	}
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.FlushAll(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("Periodic flush incomplete")
			}
		case <-s.stopCh:
			return
		}
	}
}
