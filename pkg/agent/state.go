package agent

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/studioclass/codesync/pkg/crdt"
	"github.com/studioclass/codesync/pkg/types"
)

// pathState is the agent's view of one synced file. All fields are guarded
// by the agent mutex; the debounce timer callback re-acquires it.
type pathState struct {
	// doc is the local replica. Nil between subscribe and the arrival of
	// document-state; remote updates in that gap are dropped, they are
	// contained in the state that follows.
	doc *crdt.Doc

	// lastRemote is when the previous remote update for this path arrived,
	// used to classify the next one as significant.
	lastRemote time.Time

	// pending is the armed debounced disk write, nil when none. Cancelled by
	// any filesystem event on the path.
	pending *time.Timer

	// lastWriteSum and lastWriteAt describe the agent's own most recent disk
	// write; a watcher event inside the quiet window matching the hash is an
	// echo and is dropped.
	lastWriteSum [sha256.Size]byte
	lastWriteAt  time.Time
}

// cancelPending disarms the debounced write, if any.
func (st *pathState) cancelPending() {
	if st.pending != nil {
		st.pending.Stop()
		st.pending = nil
	}
}

// abs resolves a normalized workspace-relative path to the disk path.
func (a *Agent) abs(rel string) string {
	return filepath.Join(a.cfg.WorkspacePath, filepath.FromSlash(rel))
}

// rel converts a watcher's absolute path into the normalized relative form
// used as the document path.
func (a *Agent) rel(absPath string) (string, error) {
	r, err := filepath.Rel(a.cfg.WorkspacePath, absPath)
	if err != nil {
		return "", err
	}
	return types.NormalizePath(filepath.ToSlash(r))
}

// readFile returns the file's text and whether it exists. Read failures on
// an existing file are logged and reported as absent; the next watcher event
// retries.
func (a *Agent) readFile(rel string) (string, bool) {
	data, err := os.ReadFile(a.abs(rel))
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn().Err(err).Str("path", rel).Msg("Read failed")
		}
		return "", false
	}
	return string(data), true
}

// writeFile writes text to the workspace path atomically (temp file plus
// rename) and records the quiet window on st.
func (a *Agent) writeFile(rel, text string, st *pathState) error {
	target := a.abs(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".codesync-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", rel, err)
	}

	st.lastWriteSum = sha256.Sum256([]byte(text))
	st.lastWriteAt = time.Now()
	return nil
}

// inQuietWindow reports whether content observed on disk is the echo of the
// agent's own last write.
func (st *pathState) inQuietWindow(text string, window time.Duration) bool {
	if st.lastWriteAt.IsZero() || time.Since(st.lastWriteAt) > window {
		return false
	}
	return sha256.Sum256([]byte(text)) == st.lastWriteSum
}
