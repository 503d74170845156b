// Package document owns the resident document set: the in-memory CRDT
// replicas that sit between live subscribers and the snapshot store.
//
// Lifecycle:
//
//	              attach (first subscriber)
//	 snapshot  ─────────────────────────────►  resident document
//	  store                                    (replica + update log)
//	    ▲                                            │
//	    │         flush (periodic, dirty only)       │ apply
//	    └────────────────────────────────────────────┘
//	              evict (clean + idle + unsubscribed)
//
// A document is materialized on first attach by loading its snapshot text
// and bootstrapping a replica from it. Concurrent first attaches share one
// snapshot load through a singleflight group. From then on every accepted
// update mutates the replica in memory, bumps the document sequence number,
// and marks the document dirty; durability is deferred to the flush cycle.
//
// Flushing captures (text, seq) under the document lock and writes outside
// it, so editors are never blocked on object storage. A flush marks the
// document clean only if no update arrived after the capture; otherwise it
// stays dirty and the next cycle picks it up. Failed flushes are retried
// with exponential backoff and, past the retry budget, left dirty for the
// next cycle. Dirty state is never discarded while the process lives.
//
// The sweeper evicts documents that are clean, have no subscribers, and
// have been idle past the grace window. Eviction is invisible to clients:
// the next attach rebuilds the replica from the snapshot, which by the
// flush invariant contains every accepted update.
package document
