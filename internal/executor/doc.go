// Package executor runs authorized command invocations, one goroutine each.
//
// # Lifecycle
//
//	Pending -> Running -> Completed | Failed | Cancelled
//
// An invocation is Pending while it waits for a session slot (queue policy)
// and Running once its handler was built. Terminal states are final: the first
// terminal transition wins and every later one is ignored.
//
// # Cancellation
//
// Cancelling an invocation, or closing its session, cancels the context the
// handler runs with. If the handler has not returned after the grace period,
// the invocation's bridge is aborted, which unblocks stream I/O, and the
// invocation becomes Cancelled whether or not the handler ever returns. Once
// cancellation was requested the terminal state is always Cancelled.
//
// # Cleanup
//
// Every terminal transition closes the bridge exactly once, releases the
// session slot, removes the invocation from the outstanding set, ends its
// trace span and calls the OnFinish hook. Failures write one line to the
// session's error stream before Join returns.
//
// # Policies
//
//	reject      one active invocation per session, others get a BusyError
//	queue       one active invocation per session, others wait in FIFO order
//	concurrent  no per-session limit
package executor
