// Package session holds the state of one authenticated SSH session as seen by
// the command core.
//
// A Session is created by the transport once authentication succeeded and is
// closed when the channel or connection goes away. Closing cancels the session
// context, which every invocation started on the session derives from.
//
// The session also owns the bookkeeping for its in-flight invocations: a
// mutex-guarded set of active activities plus a FIFO of waiters. The executor
// uses it to enforce the per-session concurrency policy without any global
// lock.
package session
