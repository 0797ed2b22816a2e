// Package dedupe suppresses repeats of the same event within a time window.
//
// The SSH authenticator uses it so a scanner hammering the daemon with an
// unknown key produces one log line per window instead of one per attempt.
// Each reported event carries the number of repeats swallowed since the
// previous report.
package dedupe
