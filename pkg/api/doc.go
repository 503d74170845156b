// Package api exposes the engine over HTTP: the sync websocket at /api/sync,
// health and readiness probes, and Prometheus metrics. It owns the listener
// and its graceful shutdown; everything behind the routes belongs to the
// engine components it is constructed with.
package api
