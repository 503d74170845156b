/*
Package crdt implements the replicated text type that keeps every copy of a
workspace file convergent without coordination.

Each document is a Replicated Growable Array: every character is a node
identified by (site, clock) and anchored to the character it was inserted
after. Deletions tombstone nodes instead of removing them, so concurrent
operations always have something to reference. Two replicas that have seen
the same set of operations render the same text, regardless of arrival
order.

# Architecture

	┌───────────────────── REPLICATED DOCUMENT ─────────────────────┐
	│                                                                │
	│  ┌──────────────────────────────────────────────┐             │
	│  │              Character Tree                   │             │
	│  │  - Root sentinel anchors position zero        │             │
	│  │  - Node = (site, clock) + rune + tombstone    │             │
	│  │  - Children ordered newest-first so every     │             │
	│  │    replica linearizes siblings identically    │             │
	│  └──────────────────┬───────────────────────────┘             │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐             │
	│  │              Pending Buffer                   │             │
	│  │  - Holds inserts whose anchor hasn't arrived  │             │
	│  │  - Holds deletes whose target hasn't arrived  │             │
	│  │  - Drained transitively on each arrival       │             │
	│  └──────────────────┬───────────────────────────┘             │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐             │
	│  │              Binary Codecs                    │             │
	│  │  - Update: operation list (insert/delete)     │             │
	│  │  - State: full tree, tombstones included      │             │
	│  │  - Varint encoded, format byte versioned      │             │
	│  └──────────────────────────────────────────────┘             │
	└────────────────────────────────────────────────────────────────┘

# Properties

Convergence:
  - Apply order does not matter: siblings sort by (clock, site) and the
    pending buffer absorbs causality gaps
  - Duplicate delivery is a no-op: node IDs deduplicate inserts, tombstones
    deduplicate deletes

Atomicity:
  - ApplyUpdate decodes the whole payload before touching the tree; a
    malformed update returns errdefs.ErrMalformedUpdate and changes nothing

Positions:
  - Insert and Delete address rune positions in the visible text, matching
    what editors display

# Usage

	a := crdt.NewWithSite(1)
	update, _ := a.Insert(0, "hello")

	b := crdt.NewWithSite(2)
	if err := b.ApplyUpdate(update); err != nil { ... }
	// b.Text() == "hello"

	state := a.EncodeState()
	c, _ := crdt.DecodeState(3, state)
	// c edits under site 3 and exchanges updates with a and b

Documents are not safe for concurrent use. The document store serializes
access with a per-document mutex.
*/
package crdt
