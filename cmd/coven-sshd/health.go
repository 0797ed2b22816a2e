// ABOUTME: The health subcommand querying the daemon's gRPC health endpoint
// ABOUTME: Optionally waits until the daemon reports SERVING

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/2389/coven-sshd/internal/health"
)

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	addr := fs.String("addr", "", "health endpoint (default server.health_addr from config)")
	wait := fs.Duration("wait", 0, "keep polling up to this long for SERVING")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	target := *addr
	if target == "" {
		cfg, _, err := loadConfig(*cfgPath)
		if err != nil {
			return err
		}
		target = cfg.Server.HealthAddr
	}
	if target == "" {
		return fmt.Errorf("no health endpoint: set server.health_addr or pass --addr")
	}

	conn, err := health.Dial(target)
	if err != nil {
		return err
	}
	defer conn.Close()

	if *wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		if err := health.WaitForServing(waitCtx, conn, nil); err != nil {
			return fmt.Errorf("unhealthy: %w", err)
		}
		fmt.Fprintln(out, "healthy")
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := health.Check(checkCtx, conn); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Fprintln(out, "healthy")
	return nil
}
