package snapshot

import (
	"context"

	"github.com/studioclass/codesync/pkg/types"
)

// Store is the façade over the object store. It is the only layer that
// touches durable workspace bytes; everything above addresses buckets by
// opaque handles. All methods except IsTombstoned may block.
type Store interface {
	// LoadText fetches the materialized text for a key. A missing object is
	// an empty document, not an error.
	LoadText(ctx context.Context, key types.DocumentKey) (string, error)

	// SaveText durably writes the materialized text for a key. The write is
	// atomic from any observer's viewpoint. Tombstoned buckets reject writes
	// with errdefs.ErrBucketClosed.
	SaveText(ctx context.Context, key types.DocumentKey, text string) error

	// DeleteObject removes one object. Used when a file is deleted from the
	// tree so the snapshot stops resurrecting it.
	DeleteObject(ctx context.Context, key types.DocumentKey) error

	// ListPaths returns every object path in a bucket.
	ListPaths(ctx context.Context, bucketID string) ([]string, error)

	// CreateBucket mints a new workspace bucket.
	CreateBucket(ctx context.Context, name, region string, isTemplate bool) (*types.Bucket, error)

	// Clone deep-copies a bucket server-side and returns the new handle.
	// Tombstoned sources stay readable, so cloning them is allowed.
	Clone(ctx context.Context, srcBucketID string) (*types.Bucket, error)

	// Tombstone soft-deletes a bucket: reads keep working for archival
	// consumers, writes are rejected from then on. Idempotent.
	Tombstone(ctx context.Context, bucketID string) error

	// GetBucket returns the bucket handle.
	GetBucket(ctx context.Context, bucketID string) (*types.Bucket, error)

	// ListBuckets returns every bucket handle, tombstoned included.
	ListBuckets(ctx context.Context) ([]*types.Bucket, error)

	// IsTombstoned consults an in-memory cache and never performs I/O, so
	// the document store may call it under its per-document lock.
	IsTombstoned(bucketID string) bool

	Close() error
}
