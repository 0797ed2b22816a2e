// Package dispatch turns a raw command line into a scheduled invocation.
//
// Each line goes through four steps, strictly in order:
//
//  1. parse: Tokenize splits the line into words (shell-like quoting)
//  2. resolve: the first word is looked up in the command registry
//  3. authorize: the session's capabilities must cover the command's
//  4. launch: the executor schedules the invocation
//
// A failure at any step ends the line there: later steps never run, one
// "fatal:" line is written to the session's error stream and the error is
// returned. Lines of one session are dispatched one at a time, so they are
// authorized in the order they were submitted. Dispatch returns as soon as
// the invocation is scheduled.
package dispatch
