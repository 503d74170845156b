package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/studioclass/codesync/pkg/errdefs"
)

// ID identifies one inserted character across all replicas. Site is the
// replica that produced it, Clock its Lamport timestamp at that replica.
// The zero ID is reserved for the root sentinel.
type ID struct {
	Site  uint64
	Clock uint64
}

func (id ID) isRoot() bool { return id.Site == 0 && id.Clock == 0 }

// node is one character in the replicated sequence. Parent is the character
// it was inserted after (the root sentinel for position zero). Deleted nodes
// stay in the tree as tombstones so later references still resolve.
type node struct {
	id       ID
	parent   ID
	r        rune
	deleted  bool
	children []*node
}

// before reports whether a should render before b among siblings. Newer
// insertions win the spot closest to the shared parent, which keeps
// concurrent inserts at one anchor in the same order on every replica.
func before(a, b *node) bool {
	if a.id.Clock != b.id.Clock {
		return a.id.Clock > b.id.Clock
	}
	return a.id.Site > b.id.Site
}

// Doc is a replicated text document. It is not safe for concurrent use;
// callers serialize access.
type Doc struct {
	site  uint64
	clock uint64
	root  *node
	nodes map[ID]*node

	// Operations that arrived before the node they reference. Keyed by the
	// missing ID; drained as soon as that node is inserted.
	pendingIns map[ID][]insOp
	pendingDel map[ID][]delOp

	text      string
	textDirty bool
}

type insOp struct {
	id     ID
	parent ID
	r      rune
}

type delOp struct {
	target ID
}

// New creates an empty document with a random replica site.
func New() *Doc {
	return NewWithSite(RandomSite())
}

// NewWithSite creates an empty document with the given replica site.
// Site zero is reserved; callers passing it get a random site instead.
func NewWithSite(site uint64) *Doc {
	if site == 0 {
		site = RandomSite()
	}
	root := &node{}
	return &Doc{
		site:       site,
		root:       root,
		nodes:      map[ID]*node{{}: root},
		pendingIns: make(map[ID][]insOp),
		pendingDel: make(map[ID][]delOp),
	}
}

// FromText creates a document whose initial content is text. The content is
// produced as local insertions, so only one replica per document may
// bootstrap this way; all others must join via state or updates.
func FromText(site uint64, text string) *Doc {
	d := NewWithSite(site)
	if text != "" {
		// Insert cannot fail at position zero on an empty document.
		_, _ = d.Insert(0, text)
	}
	return d
}

// RandomSite draws a nonzero replica site from a random UUID.
func RandomSite() uint64 {
	for {
		u := uuid.New()
		if s := binary.BigEndian.Uint64(u[:8]); s != 0 {
			return s
		}
	}
}

// Site returns the replica site of this document.
func (d *Doc) Site() uint64 { return d.site }

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.refresh()
	return len([]rune(d.text))
}

// Text returns the current visible content.
func (d *Doc) Text() string {
	d.refresh()
	return d.text
}

// Pending returns how many buffered operations are waiting for a missing
// reference. A converged document has zero.
func (d *Doc) Pending() int {
	n := 0
	for _, ops := range d.pendingIns {
		n += len(ops)
	}
	for _, ops := range d.pendingDel {
		n += len(ops)
	}
	return n
}

func (d *Doc) refresh() {
	if !d.textDirty {
		return
	}
	var b strings.Builder
	d.walk(func(n *node) {
		if !n.deleted {
			b.WriteRune(n.r)
		}
	})
	d.text = b.String()
	d.textDirty = false
}

// walk visits every non-root node in display order. Iterative so documents
// typed as one long chain do not recurse thousands of frames deep.
func (d *Doc) walk(fn func(*node)) {
	stack := make([]*node, 0, 64)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

// visibleAt returns the visible node at rune position pos (0-based), or nil
// if pos is out of range.
func (d *Doc) visibleAt(pos int) *node {
	if pos < 0 {
		return nil
	}
	var found *node
	i := 0
	d.walk(func(n *node) {
		if n.deleted || found != nil {
			return
		}
		if i == pos {
			found = n
		}
		i++
	})
	return found
}

// Insert inserts text at rune position pos and returns the encoded update
// describing it. pos ranges from 0 (before the first rune) to Len().
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	n := d.Len()
	if pos < 0 || pos > n {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, n)
	}

	anchor := ID{}
	if pos > 0 {
		anchor = d.visibleAt(pos - 1).id
	}

	runes := []rune(text)
	ops := make([]op, 0, len(runes))
	parent := anchor
	for _, r := range runes {
		d.clock++
		in := insOp{id: ID{Site: d.site, Clock: d.clock}, parent: parent, r: r}
		d.applyInsert(in)
		ops = append(ops, op{kind: opInsert, ins: in})
		parent = in.id
	}
	return encodeOps(ops), nil
}

// Delete removes length runes starting at rune position pos and returns the
// encoded update describing it.
func (d *Doc) Delete(pos, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	n := d.Len()
	if pos < 0 || pos+length > n {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+length, n)
	}

	// Capture targets first: marking nodes deleted shifts visible positions.
	targets := make([]ID, 0, length)
	i := 0
	d.walk(func(nd *node) {
		if nd.deleted {
			return
		}
		if i >= pos && i < pos+length {
			targets = append(targets, nd.id)
		}
		i++
	})

	ops := make([]op, 0, len(targets))
	for _, t := range targets {
		del := delOp{target: t}
		d.applyDelete(del)
		ops = append(ops, op{kind: opDelete, del: del})
	}
	return encodeOps(ops), nil
}

// ReplaceAll rewrites the document to match text, producing the smallest
// span edit: the common prefix and suffix are kept, the differing middle is
// deleted and reinserted. Returns nil when the content already matches.
func (d *Doc) ReplaceAll(text string) ([]byte, error) {
	oldRunes := []rune(d.Text())
	newRunes := []rune(text)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	delLen := len(oldRunes) - prefix - suffix
	insText := string(newRunes[prefix : len(newRunes)-suffix])
	if delLen == 0 && insText == "" {
		return nil, nil
	}

	var ops []byte
	if delLen > 0 {
		u, err := d.Delete(prefix, delLen)
		if err != nil {
			return nil, err
		}
		ops = u
	}
	if insText != "" {
		u, err := d.Insert(prefix, insText)
		if err != nil {
			return nil, err
		}
		ops = concatUpdates(ops, u)
	}
	return ops, nil
}

// ApplyUpdate decodes and applies a remote update. Decoding is all-or-
// nothing: a malformed payload returns an error wrapping
// errdefs.ErrMalformedUpdate and leaves the document unchanged. Operations
// referencing characters not seen yet are buffered and replayed once the
// missing insert arrives, so out-of-order delivery still converges.
func (d *Doc) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}
	for _, o := range ops {
		switch o.kind {
		case opInsert:
			d.applyInsert(o.ins)
		case opDelete:
			d.applyDelete(o.del)
		}
	}
	return nil
}

func (d *Doc) applyInsert(in insOp) {
	if in.id.Clock > d.clock {
		d.clock = in.id.Clock
	}
	if _, exists := d.nodes[in.id]; exists {
		return
	}
	if _, ok := d.nodes[in.parent]; !ok {
		d.pendingIns[in.parent] = append(d.pendingIns[in.parent], in)
		return
	}
	d.applyInsertReady(in)
	d.drain(in.id)
}

func (d *Doc) applyDelete(del delOp) {
	n, ok := d.nodes[del.target]
	if !ok {
		d.pendingDel[del.target] = append(d.pendingDel[del.target], del)
		return
	}
	if n.deleted || n == d.root {
		return
	}
	n.deleted = true
	d.textDirty = true
}

// drain replays operations that were waiting for id. Inserts unblocked here
// can themselves unblock more, so this loops until quiet.
func (d *Doc) drain(id ID) {
	queue := []ID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if ins, ok := d.pendingIns[cur]; ok {
			delete(d.pendingIns, cur)
			for _, in := range ins {
				if _, exists := d.nodes[in.id]; exists {
					continue
				}
				d.applyInsertReady(in)
				queue = append(queue, in.id)
			}
		}
		if dels, ok := d.pendingDel[cur]; ok {
			delete(d.pendingDel, cur)
			for _, del := range dels {
				d.applyDelete(del)
			}
		}
	}
}

// applyInsertReady inserts a node whose parent is known to exist.
func (d *Doc) applyInsertReady(in insOp) {
	if in.id.Clock > d.clock {
		d.clock = in.id.Clock
	}
	parent := d.nodes[in.parent]
	n := &node{id: in.id, parent: in.parent, r: in.r}
	idx := sort.Search(len(parent.children), func(i int) bool {
		return before(n, parent.children[i])
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = n
	d.nodes[in.id] = n
	d.textDirty = true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrMalformedUpdate)...)
}
