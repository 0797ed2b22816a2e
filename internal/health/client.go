// ABOUTME: Client side of the gRPC health check used by the CLI
// ABOUTME: Dials a health endpoint and reports or waits for SERVING

package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotServing is returned by Check when the daemon answers but is not SERVING.
var ErrNotServing = errors.New("not serving")

// Dial opens a plaintext client connection to a health endpoint.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

// Check asks conn for the status of ServiceName once.
func Check(ctx context.Context, conn *grpc.ClientConn) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	status := resp.GetStatus()
	if status != healthpb.HealthCheckResponse_SERVING {
		return status, fmt.Errorf("%w: %s", ErrNotServing, status)
	}
	return status, nil
}

// WaitForServing polls until the endpoint reports SERVING or ctx ends.
func WaitForServing(ctx context.Context, conn *grpc.ClientConn, logf func(string, ...any)) error {
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := Check(callCtx, conn)
		cancel()
		if err == nil {
			return nil
		}
		if logf != nil {
			logf("waiting for health: %v", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}
