// Package store persists the daemon's identities, grants and audit trail in
// SQLite.
//
// # Tables
//
//   - principals: one row per authorized SSH key (fingerprint is unique)
//   - capability_grants: (principal, capability) pairs; grant and revoke are idempotent
//   - audit_log: administrative actions and every finished or rejected command
//
// SQLiteStore also exposes raw statement execution (Query, Tables, Columns)
// for the gsql admin command. The schema is created on open and migrated in
// place; the database runs in WAL mode with foreign keys enforced.
package store
