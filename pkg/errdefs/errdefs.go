// Package errdefs defines the error classes shared across the sync engine.
// Packages wrap these sentinels with context via fmt.Errorf("...: %w", ...)
// and callers classify with the Is* predicates, so the class survives
// wrapping while messages stay specific.
package errdefs

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when a peer lacks a valid token or the
	// required role for an operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBucketClosed is returned for writes against a tombstoned bucket.
	ErrBucketClosed = errors.New("bucket closed")

	// ErrNotSubscribed is returned when a peer addresses a document it has
	// no active subscription for.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrMalformedUpdate is returned when an update payload cannot be
	// decoded or applied. The document is left unchanged.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrSnapshotUnavailable is returned when the object store cannot
	// serve a read needed to materialize a document.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")

	// ErrSlowConsumer is returned when a peer's outbound queue overflows.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrHandlerTimeout is returned when a message handler exceeds its
	// processing budget.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrTransient marks retryable conditions such as rate limiting or a
	// briefly unreachable backend.
	ErrTransient = errors.New("transient")
)

func IsUnauthorized(err error) bool        { return errors.Is(err, ErrUnauthorized) }
func IsBucketClosed(err error) bool        { return errors.Is(err, ErrBucketClosed) }
func IsNotSubscribed(err error) bool       { return errors.Is(err, ErrNotSubscribed) }
func IsMalformedUpdate(err error) bool     { return errors.Is(err, ErrMalformedUpdate) }
func IsSnapshotUnavailable(err error) bool { return errors.Is(err, ErrSnapshotUnavailable) }
func IsSlowConsumer(err error) bool        { return errors.Is(err, ErrSlowConsumer) }
func IsTransient(err error) bool           { return errors.Is(err, ErrTransient) }

// IsHandlerTimeout also treats context.DeadlineExceeded as a handler
// timeout, since handler budgets are enforced with context deadlines.
func IsHandlerTimeout(err error) bool {
	return errors.Is(err, ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Code maps an error to the wire code carried in error frames. Unknown
// errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnauthorized(err):
		return "unauthorized"
	case IsBucketClosed(err):
		return "bucket-closed"
	case IsNotSubscribed(err):
		return "not-subscribed"
	case IsMalformedUpdate(err):
		return "malformed-update"
	case IsSnapshotUnavailable(err):
		return "snapshot-unavailable"
	case IsSlowConsumer(err):
		return "slow-consumer"
	case IsHandlerTimeout(err):
		return "handler-timeout"
	case IsTransient(err):
		return "rate-limited"
	default:
		return "internal"
	}
}
