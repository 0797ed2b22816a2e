// Package auth authenticates SSH clients by public key and loads the
// capabilities their sessions carry.
//
// # Identity
//
// A principal is identified by the SHA-256 fingerprint of its public key
// (lowercase hex over the wire-format key, see ComputeFingerprint). Only
// principals with status "approved" may log in; pending and revoked keys are
// refused during the handshake.
//
// # Permissions
//
// A successful PublicKeyCallback returns ssh.Permissions whose Extensions
// carry the principal id, fingerprint and display name. Identity reads them
// back once the connection is established.
//
// # Capabilities
//
// Capabilities are read once per session from the capability_grants table.
// The resulting set is immutable: grants changed while a session is open take
// effect on the next session.
//
// # Rejection logging
//
// Refused keys are logged at most once per window per fingerprint and
// reason, with a count of the attempts swallowed in between.
package auth
