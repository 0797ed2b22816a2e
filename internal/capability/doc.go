// Package capability models the opaque permissions held by a session and
// required by a command.
//
// A Set is immutable once built. Authorize is a pure function: it compares the
// capabilities a session was granted with the ones a command requires and
// reports which are missing. An empty requirement always allows.
package capability
