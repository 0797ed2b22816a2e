// Package health exposes the daemon's liveness over the standard gRPC health
// protocol (grpc.health.v1) and provides the client used by
// "coven-sshd health".
//
// The server reports SERVING for the overall status ("") and for
// ServiceName while the SSH listener accepts connections, and NOT_SERVING
// once shutdown begins.
package health
