// Package types defines the shared domain types of the sync engine:
// document keys, bucket handles, peer kinds, roles, and origin tags.
// It has no dependencies on other engine packages so every layer can
// import it freely.
package types
