// Package client is the Go peer for the sync protocol. The container agent,
// the admin subcommands, and the test suites all speak to the server through
// it: a websocket dial with a bearer token, typed frame send helpers, and a
// blocking Recv for the inbound stream.
package client
