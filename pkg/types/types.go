package types

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// DocumentKey identifies one replicated document: a file path inside a
// workspace bucket. Path is always in normalized form (see NormalizePath).
type DocumentKey struct {
	BucketID string
	Path     string
}

// Key builds a DocumentKey, normalizing the path. The same (bucket, path)
// pair always yields the same key, so keys are safe as map keys.
func Key(bucketID, filePath string) (DocumentKey, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return DocumentKey{}, err
	}
	if bucketID == "" {
		return DocumentKey{}, errors.New("empty bucket id")
	}
	return DocumentKey{BucketID: bucketID, Path: p}, nil
}

// String renders the key as "bucket/path", the form used in logs and
// singleflight grouping.
func (k DocumentKey) String() string {
	return k.BucketID + "/" + k.Path
}

// NormalizePath canonicalizes a workspace-relative file path: forward
// slashes only, no leading slash, no empty or dot segments, and no escape
// above the workspace root.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("path %q contains backslash", p)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path %q contains NUL", p)
	}
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == "" {
		return "", errors.New("empty path")
	}
	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("path %q escapes workspace root", p)
	}
	return clean, nil
}

// Bucket is the handle for one workspace in the object store. Buckets are
// soft-deleted: DeletedAt marks a tombstone, the bytes stay readable for
// archival consumers.
type Bucket struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Region     string     `json:"region"`
	IsTemplate bool       `json:"isTemplate"`
	CreatedAt  time.Time  `json:"createdAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Tombstoned reports whether the bucket has been soft-deleted.
func (b *Bucket) Tombstoned() bool {
	return b != nil && b.DeletedAt != nil
}

// PeerKind distinguishes the three kinds of connection the engine accepts.
type PeerKind string

const (
	PeerBrowser        PeerKind = "browser"
	PeerContainerAgent PeerKind = "container-agent"
	PeerService        PeerKind = "service"
)

// Role is a subscription's access level on a document.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
)

// Origin tags an applied update with its producer so fan-out can suppress
// echoes. It is either one of the reserved tags below or a connection ID.
type Origin string

const (
	// OriginServer marks updates produced server-side (snapshot rehydration,
	// administrative edits).
	OriginServer Origin = "server"

	// OriginFilesystemSync marks updates a container agent produced from its
	// own filesystem scan. Agents never write these back to disk.
	OriginFilesystemSync Origin = "filesystem-sync"
)

// TreeAction is the action carried by a file-tree-change message.
type TreeAction string

const (
	TreeCreate TreeAction = "create"
	TreeDelete TreeAction = "delete"
)

// Valid reports whether the action is one of the two defined values.
func (a TreeAction) Valid() bool {
	return a == TreeCreate || a == TreeDelete
}
