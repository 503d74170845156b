package agent

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/studioclass/codesync/pkg/crdt"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// watchWorkspace sets up the recursive watcher and runs its event loop until
// the agent stops. Watcher errors are logged and the loop continues; the
// agent never exits because inotify hiccuped.
func (a *Agent) watchWorkspace(w *fsnotify.Watcher) {
	if err := a.addWatchesUnder(w, a.cfg.WorkspacePath); err != nil {
		a.logger.Error().Err(err).Msg("Initial watch setup incomplete")
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			a.handleFSEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.logger.Warn().Err(err).Msg("Watcher error")
		case <-a.stopCh:
			return
		}
	}
}

// addWatchesUnder registers root and every non-ignored directory below it.
func (a *Agent) addWatchesUnder(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			a.logger.Warn().Err(err).Str("path", p).Msg("Walk error")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root {
			rel, relErr := a.rel(p)
			if relErr != nil || Ignored(rel) {
				return filepath.SkipDir
			}
		}
		if err := w.Add(p); err != nil {
			a.logger.Warn().Err(err).Str("path", p).Msg("Watch add failed")
		}
		return nil
	})
}

// handleFSEvent dispatches one watcher event. Panics are recovered so a
// pathological path never kills the watch loop.
func (a *Agent) handleFSEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("event", ev.String()).
				Interface("panic", r).
				Msg("Recovered from watcher handler panic")
		}
	}()

	rel, err := a.rel(ev.Name)
	if err != nil || Ignored(rel) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, statErr := os.Stat(ev.Name)
		if statErr != nil {
			// Gone already; a Remove event follows.
			return
		}
		if info.IsDir() {
			// New directory: watch it and sync files that appeared with it
			// (mkdir -p followed by writes can beat the watch registration).
			if err := a.addWatchesUnder(w, ev.Name); err != nil {
				a.logger.Warn().Err(err).Str("path", rel).Msg("Watch new dir failed")
			}
			for _, f := range a.filesUnder(ev.Name) {
				a.localChange(f)
			}
			return
		}
		a.localChange(rel)
	case ev.Op.Has(fsnotify.Write):
		a.localChange(rel)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		a.localRemove(rel)
	}
}

// localChange mirrors a created or modified workspace file into the shared
// document set. New files announce themselves with a tree-change first; the
// content push happens when their document-state arrives and the local-wins
// rule fires.
func (a *Agent) localChange(rel string) {
	if Ignored(rel) {
		return
	}
	text, exists := a.readFile(rel)
	if !exists {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.paths[rel]
	if ok {
		// The filesystem is authoritative for what was just typed in a
		// terminal: a pending remote write for this path dies here.
		st.cancelPending()
		if st.inQuietWindow(text, a.cfg.QuietWindow) {
			return
		}
	}

	if !ok {
		delete(a.serverDeleted, rel)
		a.paths[rel] = &pathState{}
		a.sendLocked(protocol.Message{
			Kind:     protocol.KindFileTreeChange,
			BucketID: a.cfg.BucketID,
			FilePath: rel,
			Action:   types.TreeCreate,
		})
		a.subscribeLocked(rel)
		return
	}
	if st.doc == nil {
		// Still waiting for document-state; reconciliation will read the
		// file fresh when it arrives.
		return
	}

	update, err := st.doc.ReplaceAll(text)
	if err != nil {
		a.logger.Error().Err(err).Str("path", rel).Msg("Replica replace failed")
		return
	}
	if update == nil {
		return
	}
	a.sendLocked(protocol.UpdateFrame(
		types.DocumentKey{BucketID: a.cfg.BucketID, Path: rel},
		update, types.OriginFilesystemSync))
}

// localRemove mirrors a workspace file deletion to the server, unless the
// deletion is the echo of a server-ordered delete the agent just performed.
func (a *Agent) localRemove(rel string) {
	if Ignored(rel) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if at, ok := a.serverDeleted[rel]; ok {
		delete(a.serverDeleted, rel)
		if time.Since(at) <= a.cfg.QuietWindow {
			return
		}
	}

	st, ok := a.paths[rel]
	if !ok {
		return
	}
	st.cancelPending()
	delete(a.paths, rel)

	a.sendLocked(protocol.Message{
		Kind:     protocol.KindFileTreeChange,
		BucketID: a.cfg.BucketID,
		FilePath: rel,
		Action:   types.TreeDelete,
	})
	a.logger.Info().Str("path", rel).Msg("File deleted locally")
}

// localFiles returns every non-ignored file currently in the workspace, as
// normalized relative paths.
func (a *Agent) localFiles() []string {
	return a.filesUnder(a.cfg.WorkspacePath)
}

func (a *Agent) filesUnder(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := a.rel(p)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if p != a.cfg.WorkspacePath && Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if Ignored(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	return out
}

// seedReplica installs a replica for a path directly; used by tests to run
// the conflict and debounce paths without a subscribe round-trip.
func (a *Agent) seedReplica(rel string, doc *crdt.Doc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.paths[rel]
	if !ok {
		st = &pathState{}
		a.paths[rel] = st
	}
	st.doc = doc
}
