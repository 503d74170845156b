// Package auth authenticates sync connections and enforces bucket scope.
// The Authenticator resolves bearer tokens to identities; the Authorizer is
// re-checked on every document-addressing message. Ownership policy for
// browser users belongs to the platform and is injected as a BrowserPolicy.
package auth
