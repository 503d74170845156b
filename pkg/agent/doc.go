// Package agent implements the in-container side of the sync engine. One
// agent runs per execution container, bound to one workspace bucket. It
// mirrors state in both directions: filesystem changes made by shells and
// build tools become CRDT updates pushed to the server, and remote updates
// from browser editors become debounced writes back to disk.
//
// The agent holds one replica per path and resolves conflicts when a
// document-state arrives: a missing local file takes the server content, a
// non-empty local file beats an empty server document, and when both sides
// have different non-empty content the server wins, because the object store
// is the durable source of truth at reconnect time.
//
// Echo suppression works on two layers. Updates tagged filesystem-sync are
// never written back to disk, since this agent produced them from disk in
// the first place. And for a short quiet window after the agent itself
// writes a file, the resulting watcher event is dropped when the content
// hash matches the write, so a remote edit does not bounce back as a fake
// local one.
//
// The agent never exits because the server is unreachable: it reconnects
// with exponential backoff forever, re-subscribing to every known path on
// each new session, and a periodic sweep re-subscribes even inside a healthy
// session in case a room silently lost it.
package agent
