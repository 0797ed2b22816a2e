// ABOUTME: The serve subcommand wiring store, auth, executor, dispatcher and SSH server
// ABOUTME: Also starts the optional gRPC health endpoint and OTLP tracing

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/auth"
	"github.com/2389/coven-sshd/internal/builtins"
	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/config"
	"github.com/2389/coven-sshd/internal/dispatch"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/health"
	"github.com/2389/coven-sshd/internal/sshd"
	"github.com/2389/coven-sshd/internal/store"
	"github.com/2389/coven-sshd/internal/telemetry"
)

// configFlag registers the shared --config flag.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "config file (default "+config.DefaultPath()+")")
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("SSH:       %s\n", cfg.Server.SSHAddr)
	if cfg.Server.HealthAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Server.HealthAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Policy:    %s\n", cfg.Shell.Policy)
	if cfg.Telemetry.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Telemetry.Endpoint)
	}
	fmt.Println()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	hostKey, err := loadHostKey(cfg.Server.HostKey)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	policy, err := executor.ParsePolicy(cfg.Shell.Policy)
	if err != nil {
		return err
	}

	authn := auth.NewAuthenticator(db, logger)
	defer authn.Close()

	audit := sshd.NewAuditSink(db, logger)

	exec := executor.New(executor.Config{
		Policy:      policy,
		GracePeriod: cfg.Shell.GracePeriod,
		Logger:      logger,
		OnFinish:    audit.Finished,
	})

	registry := command.NewRegistry(logger)
	if err := builtins.Register(registry, builtins.Deps{Queue: exec, Store: db, Version: version}); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}
	registry.Seal()

	dispatcher, err := dispatch.New(dispatch.Config{
		Resolver:      registry,
		Launcher:      exec,
		ParseTimeout:  cfg.Shell.ParseTimeout,
		MaxLineLength: cfg.Shell.MaxLineLength,
		Logger:        logger,
		OnReject:      audit.Rejected,
	})
	if err != nil {
		return err
	}

	server, err := sshd.New(sshd.Config{
		HostKeys:      []ssh.Signer{hostKey},
		Auth:          authn,
		Dispatcher:    dispatcher,
		Prompt:        cfg.Shell.Prompt,
		Banner:        cfg.Server.Banner,
		MaxLineLength: cfg.Shell.MaxLineLength,
		Version:       version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.SSHAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.SSHAddr, err)
	}

	var hs *health.Server
	if cfg.Server.HealthAddr != "" {
		hlis, err := net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("listening on %s: %w", cfg.Server.HealthAddr, err)
		}
		hs = health.NewServer(logger)
		go func() {
			if err := hs.Serve(ctx, hlis); err != nil {
				logger.Error("health endpoint failed", "error", err)
			}
		}()
		hs.SetServing(true)
	}

	logger.Info("starting coven-sshd",
		"config", configPath,
		"ssh_addr", cfg.Server.SSHAddr,
		"policy", string(policy),
		"commands", len(registry.List()),
	)

	serveErr := server.Serve(ctx, lis)

	if hs != nil {
		hs.SetServing(false)
	}

	// Connections are closed; give stragglers the grace period to settle
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Shell.GracePeriod)
	defer cancel()
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor shutdown incomplete", "error", err, "outstanding", exec.Outstanding())
	}
	if hs != nil {
		hs.Stop()
	}

	logger.Info("coven-sshd stopped")
	return serveErr
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host key: %w (run 'coven-sshd init' to create one)", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %s: %w", path, err)
	}
	return signer, nil
}
