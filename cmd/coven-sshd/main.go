// ABOUTME: Entry point for coven-sshd, the SSH administration shell
// ABOUTME: Dispatches to serve, init, principal management and health subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/2389/coven-sshd/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___ ___| |__   __| |
 / __/ _ \ \ / / _ \ '_ \ _____/ __/ __| '_ \ / _' |
| (_| (_) \ V /  __/ | | |_____\__ \__ \ | | | (_| |
 \___\___/ \_/ \___|_| |_|     |___/___/_| |_|\__,_|
`

// errUsage marks errors that should print usage and exit 2.
var errUsage = errors.New("usage")

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-sshd <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                   Start the SSH server")
	fmt.Fprintln(w, "  init [--force]                          Write a default config and host key")
	fmt.Fprintln(w, "  add-principal --name N --key FILE       Register a public key (--grant CAP, repeatable)")
	fmt.Fprintln(w, "  principals [--status S]                 List registered principals")
	fmt.Fprintln(w, "  approve PRINCIPAL                       Approve a pending principal")
	fmt.Fprintln(w, "  revoke-principal PRINCIPAL              Block a principal from logging in")
	fmt.Fprintln(w, "  delete-principal PRINCIPAL              Remove a principal and its grants")
	fmt.Fprintln(w, "  grant PRINCIPAL CAP...                  Grant capabilities")
	fmt.Fprintln(w, "  revoke PRINCIPAL CAP...                 Revoke capabilities")
	fmt.Fprintln(w, "  audit [--principal P] [--action A]      Show the audit log (--target ID, --limit N)")
	fmt.Fprintln(w, "  health [--wait DURATION]                Check the daemon's health endpoint")
	fmt.Fprintln(w, "  version                                 Print the version")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Config: $%s, $XDG_CONFIG_HOME/coven/sshd.yaml or ~/.config/coven/sshd.yaml\n", config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "serve":
		return runServe(ctx, args)
	case "init":
		return runInit(args, out)
	case "add-principal":
		return runAddPrincipal(ctx, args, out)
	case "principals":
		return runPrincipals(ctx, args, out)
	case "approve":
		return runApprove(ctx, args, out)
	case "revoke-principal":
		return runRevokePrincipal(ctx, args, out)
	case "delete-principal":
		return runDeletePrincipal(ctx, args, out)
	case "audit":
		return runAudit(ctx, args, out)
	case "grant":
		return runGrant(ctx, args, out, true)
	case "revoke":
		return runGrant(ctx, args, out, false)
	case "health":
		return runHealth(ctx, args, out)
	case "version":
		fmt.Fprintf(out, "coven-sshd %s\n", version)
		return nil
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}
