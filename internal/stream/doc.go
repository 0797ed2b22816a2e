// Package stream lends a session's transport streams to one command at a time.
//
// # Input
//
// Input owns the transport reader. A single pump goroutine reads from it only
// when a consumer asks for data, and the bytes are handed to whichever Lease is
// reading. Closing a lease unblocks its pending Read immediately; anything the
// pump reads afterwards is kept for the next lease, so an abandoned command
// never swallows input meant for the shell.
//
// # Bridge
//
// Bridge is what a handler sees: Stdin, Stdout and Stderr. Writes to stdout and
// stderr are serialized in issue order and flushed when the underlying writer
// supports it. Close runs exactly once; after it every write fails with
// ErrClosed and the stdin lease returns ErrClosed.
package stream
