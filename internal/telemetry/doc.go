// Package telemetry configures OpenTelemetry tracing for coven-sshd.
//
// Tracing is opt-in. With no endpoint configured Setup installs nothing and the
// global tracer provider stays the no-op default, so spans started by the
// dispatch and executor packages cost almost nothing.
package telemetry
