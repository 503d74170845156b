// Package protocol defines the JSON wire frames of the sync stream: one
// Message struct discriminated by Kind, validated once at the edge. CRDT
// state and update bytes ride through opaque; nothing above the document
// store parses them.
package protocol
