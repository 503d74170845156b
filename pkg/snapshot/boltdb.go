package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/types"
)

var (
	// Bucket names
	bucketMeta    = []byte("buckets")
	bucketObjects = []byte("objects")
)

// BoltStore implements Store over an embedded bbolt database. Metadata lives
// in the "buckets" bolt-bucket as JSON; workspace objects live in one nested
// bolt-bucket per workspace under "objects", keyed by normalized path with
// UTF-8 text values.
type BoltStore struct {
	db *bolt.DB

	mu         sync.RWMutex
	tombstoned map[string]struct{}
}

// NewBoltStore opens (or creates) the database under dataDir and warms the
// tombstone cache.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "codesync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db, tombstoned: make(map[string]struct{})}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var b types.Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("corrupt bucket record %s: %w", k, err)
			}
			if b.Tombstoned() {
				s.tombstoned[b.ID] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) LoadText(ctx context.Context, key types.DocumentKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var text string
	err := s.db.View(func(tx *bolt.Tx) error {
		objs, err := objectBucket(tx, key.BucketID)
		if err != nil {
			return err
		}
		if data := objs.Get([]byte(key.Path)); data != nil {
			text = string(data)
		}
		return nil
	})
	return text, err
}

func (s *BoltStore) SaveText(ctx context.Context, key types.DocumentKey, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := getBucketMeta(tx, key.BucketID)
		if err != nil {
			return err
		}
		if meta.Tombstoned() {
			return fmt.Errorf("save %s: %w", key, errdefs.ErrBucketClosed)
		}
		objs, err := objectBucket(tx, key.BucketID)
		if err != nil {
			return err
		}
		return objs.Put([]byte(key.Path), []byte(text))
	})
}

func (s *BoltStore) DeleteObject(ctx context.Context, key types.DocumentKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := getBucketMeta(tx, key.BucketID)
		if err != nil {
			return err
		}
		if meta.Tombstoned() {
			return fmt.Errorf("delete %s: %w", key, errdefs.ErrBucketClosed)
		}
		objs, err := objectBucket(tx, key.BucketID)
		if err != nil {
			return err
		}
		return objs.Delete([]byte(key.Path))
	})
}

func (s *BoltStore) ListPaths(ctx context.Context, bucketID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var paths []string
	err := s.db.View(func(tx *bolt.Tx) error {
		objs, err := objectBucket(tx, bucketID)
		if err != nil {
			return err
		}
		return objs.ForEach(func(k, v []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	return paths, err
}

func (s *BoltStore) CreateBucket(ctx context.Context, name, region string, isTemplate bool) (*types.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &types.Bucket{
		ID:         "ws-" + uuid.New().String(),
		Name:       name,
		Region:     region,
		IsTemplate: isTemplate,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putBucketMeta(tx, b); err != nil {
			return err
		}
		_, err := tx.Bucket(bucketObjects).CreateBucketIfNotExists([]byte(b.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *BoltStore) Clone(ctx context.Context, srcBucketID string) (*types.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clone := &types.Bucket{
		ID:        "ws-" + uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		src, err := getBucketMeta(tx, srcBucketID)
		if err != nil {
			return err
		}
		clone.Name = src.Name
		clone.Region = src.Region

		if err := putBucketMeta(tx, clone); err != nil {
			return err
		}
		dst, err := tx.Bucket(bucketObjects).CreateBucketIfNotExists([]byte(clone.ID))
		if err != nil {
			return err
		}
		srcObjs, err := objectBucket(tx, srcBucketID)
		if err != nil {
			return err
		}
		// One transaction covers the whole copy, so a clone is never
		// observed half-populated.
		return srcObjs.ForEach(func(k, v []byte) error {
			return dst.Put(k, v)
		})
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (s *BoltStore) Tombstone(ctx context.Context, bucketID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := getBucketMeta(tx, bucketID)
		if err != nil {
			return err
		}
		if meta.Tombstoned() {
			return nil
		}
		now := time.Now().UTC()
		meta.DeletedAt = &now
		return putBucketMeta(tx, meta)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tombstoned[bucketID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetBucket(ctx context.Context, bucketID string) (*types.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b *types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		meta, err := getBucketMeta(tx, bucketID)
		if err != nil {
			return err
		}
		b = meta
		return nil
	})
	return b, err
}

func (s *BoltStore) ListBuckets(ctx context.Context) ([]*types.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buckets []*types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var b types.Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			buckets = append(buckets, &b)
			return nil
		})
	})
	return buckets, err
}

func (s *BoltStore) IsTombstoned(bucketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstoned[bucketID]
	return ok
}

func getBucketMeta(tx *bolt.Tx, bucketID string) (*types.Bucket, error) {
	data := tx.Bucket(bucketMeta).Get([]byte(bucketID))
	if data == nil {
		return nil, fmt.Errorf("bucket not found: %s", bucketID)
	}
	var b types.Bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func putBucketMeta(tx *bolt.Tx, b *types.Bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(b.ID), data)
}

func objectBucket(tx *bolt.Tx, bucketID string) (*bolt.Bucket, error) {
	objs := tx.Bucket(bucketObjects).Bucket([]byte(bucketID))
	if objs == nil {
		return nil, fmt.Errorf("bucket not found: %s", bucketID)
	}
	return objs, nil
}
