// Package session terminates the sync websocket. Each connection runs a
// read pump and a write pump:
//
//	           ┌──────────────────────── Conn ───────────────────────┐
//	 inbound   │ readPump ─ rate limit ─ decode ─ dispatch (budget)  │
//	 ───────►  │                                        │            │
//	           │                                        ▼            │
//	           │             document store / router / snapshots     │
//	           │                                        │            │
//	 outbound  │ writePump ◄── bounded send queue ◄─────┘            │
//	 ◄───────  │           ◄── heartbeat ticker                      │
//	           └──────────────────────────────────────────────────────┘
//
// The read pump processes frames strictly in arrival order, each under a
// handler budget. The write pump is the only goroutine that writes to the
// socket; everything reaches it through the bounded send queue, so a stalled
// peer overflows its own queue instead of blocking the rest of the engine.
//
// The handshake authenticates a bearer token into one of three peer kinds.
// Authorization is re-checked against the bucket of every document-touching
// frame: container tokens never leave their bound bucket, browser grants are
// delegated to the injected policy, service tokens administer buckets.
//
// Connection-level failures (unauthorized, handler budget breach, queue
// overflow, repeated malformed frames) close the connection with a wire code
// in the websocket close message. Everything else is answered with a typed
// error frame and the stream continues.
package session
