package agent

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studioclass/codesync/pkg/crdt"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/protocol"
	"github.com/studioclass/codesync/pkg/types"
)

// sender is the slice of the protocol client the handlers need, so tests can
// capture outbound frames without a server.
type sender interface {
	Send(msg protocol.Message) error
}

// Agent mirrors one workspace bucket between the local filesystem and the
// sync server.
type Agent struct {
	cfg    *Config
	logger zerolog.Logger

	mu    sync.Mutex
	conn  sender // nil while disconnected
	paths map[string]*pathState

	// serverDeleted suppresses the watcher echo of a delete the agent just
	// performed on the server's behalf.
	serverDeleted map[string]time.Time

	// initialPending tracks startup paths still waiting for document-state.
	// Nil once initial sync is complete.
	initialPending map[string]struct{}
	initialStarted bool
	markerOnce     sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an agent for the given configuration.
func New(cfg *Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg: cfg,
		logger: log.WithComponent("agent").With().
			Str("bucket_id", cfg.BucketID).
			Str("container_id", cfg.ContainerID).
			Logger(),
		paths:         make(map[string]*pathState),
		serverDeleted: make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Stop asks Run to return. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// setConn swaps the live connection. Passing nil marks the agent
// disconnected; outbound frames are dropped until the next session.
func (a *Agent) setConn(c sender) {
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
}

// send writes a frame on the current session, dropping it when disconnected.
// Reconnect re-subscribes everything, and document-state reconciliation
// replays whatever a dropped frame would have carried.
func (a *Agent) sendLocked(msg protocol.Message) {
	if a.conn == nil {
		return
	}
	if err := a.conn.Send(msg); err != nil {
		a.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("Send failed")
	}
}

func (a *Agent) subscribeLocked(rel string) {
	a.sendLocked(protocol.Message{
		Kind:     protocol.KindSubscribe,
		BucketID: a.cfg.BucketID,
		FilePath: rel,
	})
}

// HandleFrame processes one inbound server frame. Panics in handlers are
// recovered and logged; a bad frame must never take the whole agent down.
func (a *Agent) HandleFrame(msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("kind", string(msg.Kind)).
				Interface("panic", r).
				Msg("Recovered from frame handler panic")
		}
	}()

	switch msg.Kind {
	case protocol.KindDocumentState:
		a.onDocumentState(msg.FilePath, msg.State)
	case protocol.KindUpdate:
		a.onRemoteUpdate(msg.FilePath, msg.Update, types.Origin(msg.Origin))
	case protocol.KindFileTreeChange:
		a.onServerTreeChange(msg.FilePath, msg.Action)
	case protocol.KindFileList:
		a.onFileList(msg.Paths)
	case protocol.KindError:
		a.logger.Warn().
			Str("code", msg.Code).
			Str("path", msg.FilePath).
			Str("detail", msg.Text).
			Msg("Server reported error")
	default:
		a.logger.Debug().Str("kind", string(msg.Kind)).Msg("Ignoring frame")
	}
}

// onFileList handles the startup discovery reply: subscribe to every server
// path, then push local files the server does not know about yet. The first
// list also seeds the initial-sync pending set.
func (a *Agent) onFileList(serverPaths []string) {
	local := a.localFiles()

	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(serverPaths))
	for _, p := range serverPaths {
		rel, err := types.NormalizePath(p)
		if err != nil || Ignored(rel) {
			continue
		}
		seen[rel] = struct{}{}
		a.trackInitialLocked(rel)
		a.subscribeLocked(rel)
	}

	for _, rel := range local {
		if _, ok := seen[rel]; ok {
			continue
		}
		a.trackInitialLocked(rel)
		a.sendLocked(protocol.Message{
			Kind:     protocol.KindFileTreeChange,
			BucketID: a.cfg.BucketID,
			FilePath: rel,
			Action:   types.TreeCreate,
		})
		a.subscribeLocked(rel)
	}

	if !a.initialStarted {
		a.initialStarted = true
		if len(a.initialPending) == 0 {
			a.completeInitialSyncLocked("empty workspace")
		}
	}
}

func (a *Agent) trackInitialLocked(rel string) {
	if a.initialStarted || a.initialSyncedLocked() {
		return
	}
	if a.initialPending == nil {
		a.initialPending = make(map[string]struct{})
	}
	a.initialPending[rel] = struct{}{}
}

func (a *Agent) initialSyncedLocked() bool {
	return a.initialStarted && a.initialPending == nil
}

// completeInitialSyncLocked writes the readiness marker exactly once.
func (a *Agent) completeInitialSyncLocked(reason string) {
	a.initialPending = nil
	a.initialStarted = true
	a.markerOnce.Do(func() {
		marker := a.abs(MarkerFile)
		content := fmt.Sprintf("%s\n", time.Now().UTC().Format(time.RFC3339))
		if err := os.WriteFile(marker, []byte(content), 0644); err != nil {
			a.logger.Error().Err(err).Msg("Failed to write sync marker")
			return
		}
		a.logger.Info().Str("reason", reason).Msg("Initial sync complete")
	})
}

// onDocumentState reconciles an incoming full state against the local file.
func (a *Agent) onDocumentState(filePath string, state []byte) {
	rel, err := types.NormalizePath(filePath)
	if err != nil || Ignored(rel) {
		return
	}

	doc, err := crdt.DecodeState(crdt.RandomSite(), state)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", rel).Msg("Undecodable document state")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.paths[rel]
	if !ok {
		st = &pathState{}
		a.paths[rel] = st
	}
	// A fresh authoritative state supersedes any write still waiting on the
	// debounce timer.
	st.cancelPending()
	st.doc = doc

	localText, exists := a.readFile(rel)
	serverText := doc.Text()

	switch {
	case localText == "" && serverText != "":
		// Server wins: the file has never existed here, or exists with no
		// bytes (touched ahead of the agent, truncated write). Either way
		// the disk holds nothing worth keeping.
		if err := a.writeFile(rel, serverText, st); err != nil {
			a.logger.Error().Err(err).Str("path", rel).Msg("Materialize failed")
		}
	case exists && localText != "" && serverText == "":
		// Local wins: never let an empty server document clobber real bytes,
		// a just-cloned bucket has no snapshot yet.
		update, err := doc.ReplaceAll(localText)
		if err != nil {
			a.logger.Error().Err(err).Str("path", rel).Msg("Local content push failed")
			break
		}
		if update != nil {
			a.sendLocked(protocol.UpdateFrame(
				types.DocumentKey{BucketID: a.cfg.BucketID, Path: rel},
				update, types.OriginFilesystemSync))
		}
	case exists && localText != "" && serverText != "" && localText != serverText:
		// Both sides diverged: the object store is the durable source of
		// truth at reconnect time.
		if err := a.writeFile(rel, serverText, st); err != nil {
			a.logger.Error().Err(err).Str("path", rel).Msg("Server content write failed")
		}
	}

	if a.initialPending != nil {
		delete(a.initialPending, rel)
		if a.initialStarted && len(a.initialPending) == 0 {
			a.completeInitialSyncLocked("all document states processed")
		}
	}
}

// onRemoteUpdate applies a fanned-out update to the local replica and, for
// editor traffic, arms the debounced disk write.
func (a *Agent) onRemoteUpdate(filePath string, update []byte, origin types.Origin) {
	rel, err := types.NormalizePath(filePath)
	if err != nil || Ignored(rel) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.paths[rel]
	if !ok || st.doc == nil {
		// Between subscribe and document-state; the state will contain this
		// update.
		return
	}
	if err := st.doc.ApplyUpdate(update); err != nil {
		a.logger.Warn().Err(err).Str("path", rel).Msg("Undecodable update")
		return
	}

	if origin == types.OriginFilesystemSync {
		// Echo of this agent's own filesystem scan; the bytes are already on
		// disk.
		return
	}

	now := time.Now()
	significant := st.lastRemote.IsZero() ||
		now.Sub(st.lastRemote) > a.cfg.SignificantGap ||
		len(st.doc.Text()) > a.cfg.SignificantLen
	st.lastRemote = now

	delay := a.cfg.LongDebounce
	if significant {
		delay = a.cfg.ShortDebounce
	}
	st.cancelPending()
	st.pending = time.AfterFunc(delay, func() { a.flushPending(rel) })
}

// flushPending is the debounce timer callback: write the replica's current
// text to disk unless a filesystem event cancelled the write in the
// meantime.
func (a *Agent) flushPending(rel string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.paths[rel]
	if !ok || st.pending == nil || st.doc == nil {
		return
	}
	st.pending = nil
	if err := a.writeFile(rel, st.doc.Text(), st); err != nil {
		a.logger.Error().Err(err).Str("path", rel).Msg("Debounced write failed")
	}
}

// onServerTreeChange reacts to file creations and deletions announced by
// other peers.
func (a *Agent) onServerTreeChange(filePath string, action types.TreeAction) {
	rel, err := types.NormalizePath(filePath)
	if err != nil || Ignored(rel) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch action {
	case types.TreeCreate:
		a.subscribeLocked(rel)
	case types.TreeDelete:
		if st, ok := a.paths[rel]; ok {
			st.cancelPending()
			delete(a.paths, rel)
		}
		a.serverDeleted[rel] = time.Now()
		if err := os.Remove(a.abs(rel)); err != nil && !os.IsNotExist(err) {
			a.logger.Warn().Err(err).Str("path", rel).Msg("Delete failed")
		}
		a.logger.Info().Str("path", rel).Msg("File deleted by server")
	}
}
