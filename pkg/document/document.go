package document

import (
	"sync"
	"time"

	"github.com/studioclass/codesync/pkg/types"
)

// LogEntry is one accepted update, kept until a flush covers its sequence
// number. The origin tag records which side produced the update so echo
// suppression and diagnostics can tell editor traffic from filesystem traffic.
type LogEntry struct {
	Seq    uint64
	Origin types.Origin
	Update []byte
}

// Document is one resident document. All mutable fields are guarded by mu,
// which is only ever held for bounded in-memory work; snapshot I/O happens
// outside it under flushMu.
type Document struct {
	key types.DocumentKey

	mu           sync.Mutex
	replica      Replica
	seq          uint64
	flushedSeq   uint64
	dirty        bool
	subscribers  int
	lastActivity time.Time
	log          []LogEntry

	// flushMu serializes flushes of this document so two flushers cannot
	// interleave captures and write an older text over a newer one.
	flushMu sync.Mutex
}

func newDocument(key types.DocumentKey, replica Replica) *Document {
	return &Document{
		key:          key,
		replica:      replica,
		lastActivity: time.Now(),
	}
}

// Key returns the document key.
func (d *Document) Key() types.DocumentKey { return d.key }

// State returns the encoded replica state for transfer to a new subscriber.
func (d *Document) State() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeState()
}

// Text returns the materialized document text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Text()
}

// Seq returns the sequence number of the last accepted update.
func (d *Document) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Dirty reports whether the document has accepted updates not yet covered by
// a snapshot flush.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Subscribers returns the current subscriber count.
func (d *Document) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribers
}

// Log returns a copy of the update log accumulated since the last flush.
func (d *Document) Log() []LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LogEntry, len(d.log))
	copy(out, d.log)
	return out
}

// apply merges an update into the replica and records it in the log. The
// caller must not hold d.mu.
func (d *Document) apply(update []byte, origin types.Origin) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.replica.ApplyUpdate(update); err != nil {
		return 0, err
	}
	d.seq++
	d.dirty = true
	d.lastActivity = time.Now()
	d.log = append(d.log, LogEntry{Seq: d.seq, Origin: origin, Update: update})
	return d.seq, nil
}

// capture snapshots (text, seq) for a flush, or reports clean.
func (d *Document) capture() (text string, seq uint64, dirty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return "", 0, false
	}
	return d.replica.Text(), d.seq, true
}

// markFlushed records that a flush covering seq reached the snapshot store.
// The document stays dirty when updates arrived after the capture.
func (d *Document) markFlushed(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.flushedSeq {
		return
	}
	d.flushedSeq = seq
	if d.seq == seq {
		d.dirty = false
	}
	i := 0
	for i < len(d.log) && d.log[i].Seq <= seq {
		i++
	}
	d.log = append([]LogEntry(nil), d.log[i:]...)
}

func (d *Document) addSubscriber() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers++
	d.lastActivity = time.Now()
}

func (d *Document) dropSubscriber() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribers > 0 {
		d.subscribers--
	}
	d.lastActivity = time.Now()
}

// idle reports whether the document can be evicted: nobody subscribed, all
// updates flushed, and no activity inside the grace window.
func (d *Document) idle(now time.Time, grace time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribers == 0 && !d.dirty && now.Sub(d.lastActivity) > grace
}
