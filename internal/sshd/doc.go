// Package sshd is the SSH session provider for coven-sshd.
//
// It terminates SSH connections with golang.org/x/crypto/ssh, authenticates
// principals by public key, and turns every "session" channel into a
// session.Session whose command lines go through the dispatcher.
//
// # Channel requests
//
//   - env: collected into the session environment before the command starts
//   - pty-req, window-change: terminal size for the interactive shell
//   - exec: one command line; its exit code is sent as exit-status
//   - shell: a line REPL; with a pty, golang.org/x/term provides echo and
//     line editing. Blank lines are skipped and "exit" or EOF ends it.
//   - signal: INT, TERM, HUP or KILL cancels the running command
//
// Other channel types and requests are refused. Closing the channel or the
// connection closes the session, which cancels whatever is still running.
//
// # Audit
//
// AuditSink adapts executor and dispatcher hooks to store audit entries so
// every finished or rejected command line is recorded with its trace id.
package sshd
