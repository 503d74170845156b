package document

import (
	"github.com/studioclass/codesync/pkg/crdt"
)

// Replica is the narrow view of a CRDT the store programs against. Updates
// and states are opaque byte sequences; the store never inspects them.
type Replica interface {
	// ApplyUpdate merges a remote update. Malformed payloads are rejected
	// atomically with errdefs.ErrMalformedUpdate.
	ApplyUpdate(update []byte) error
	// Text returns the materialized document text.
	Text() string
	// EncodeState serializes the full replica for transfer to a new peer.
	EncodeState() []byte
}

// ReplicaFactory builds replicas when documents are materialized.
type ReplicaFactory interface {
	// FromText bootstraps a replica whose initial content is the snapshot
	// text. Only the store may bootstrap a document this way; every other
	// peer joins from the encoded state so character identities agree.
	FromText(text string) Replica
	// FromState rebuilds a replica from EncodeState output.
	FromState(state []byte) (Replica, error)
}

// CRDTFactory is the default ReplicaFactory, backed by pkg/crdt. Each
// materialization gets a fresh random site. Server replicas only generate
// local operations during bootstrap, and rehydration happens only when no
// subscriber holds older state, so sites never need to survive eviction.
type CRDTFactory struct{}

func (CRDTFactory) FromText(text string) Replica {
	return crdt.FromText(crdt.RandomSite(), text)
}

func (CRDTFactory) FromState(state []byte) (Replica, error) {
	return crdt.DecodeState(crdt.RandomSite(), state)
}
