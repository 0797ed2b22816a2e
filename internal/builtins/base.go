// ABOUTME: help, whoami and version commands available to every session
// ABOUTME: help only lists commands the session's capabilities allow

package builtins

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/2389/coven-sshd/internal/command"
)

// BaseCommands returns help, whoami and version.
func BaseCommands(reg *command.Registry, version string) []command.Descriptor {
	b := &baseHandlers{registry: reg, version: version}
	return []command.Descriptor{
		{
			Name:    "help",
			Usage:   "help [command]",
			Summary: "List available commands or describe one",
			Factory: b.Help,
		},
		{
			Name:    "whoami",
			Usage:   "whoami",
			Summary: "Show your identity, capabilities and environment",
			Factory: b.Whoami,
		},
		{
			Name:    "version",
			Usage:   "version",
			Summary: "Show the daemon version",
			Factory: b.Version,
		},
	}
}

type baseHandlers struct {
	registry *command.Registry
	version  string
}

// Help lists the commands visible to the session, or details one of them.
func (b *baseHandlers) Help(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		caps := env.Session.Capabilities()
		if len(env.Args) > 1 {
			return command.ExitUsage, fmt.Errorf("too many arguments; usage: help [command]")
		}

		if len(env.Args) == 1 {
			d, err := b.registry.Lookup(env.Args[0])
			if err != nil || !caps.Contains(d.Required) {
				return command.ExitFailure, fmt.Errorf("no help for %q: not a command you can run", env.Args[0])
			}
			fmt.Fprintf(env.Stdout, "usage: %s\n\n  %s\n", usageOf(d), d.Summary)
			if d.Required.Len() > 0 {
				fmt.Fprintf(env.Stdout, "\n  requires: %s\n", d.Required)
			}
			return command.ExitOK, nil
		}

		fmt.Fprintln(env.Stdout, "Available commands:")
		w := tabwriter.NewWriter(env.Stdout, 0, 0, 3, ' ', 0)
		for _, d := range b.registry.Visible(caps) {
			fmt.Fprintf(w, "   %s\t%s\n", d.Name, d.Summary)
		}
		if err := w.Flush(); err != nil {
			return command.ExitFailure, err
		}
		fmt.Fprintln(env.Stdout, "\nSee 'help <command>' for details.")
		return command.ExitOK, nil
	}), nil
}

// Whoami describes the session's principal.
func (b *baseHandlers) Whoami(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		s := env.Session
		caps := "(none)"
		if s.Capabilities().Len() > 0 {
			caps = s.Capabilities().String()
		}

		w := tabwriter.NewWriter(env.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "principal:\t%s\n", s.Principal())
		fmt.Fprintf(w, "fingerprint:\t%s\n", s.Fingerprint())
		fmt.Fprintf(w, "remote:\t%s\n", s.RemoteAddr())
		fmt.Fprintf(w, "session:\t%s\n", s.ID())
		fmt.Fprintf(w, "capabilities:\t%s\n", caps)
		if env := s.Environ(); len(env) > 0 {
			fmt.Fprintf(w, "environment:\t%s\n", strings.Join(env, " "))
		}
		if err := w.Flush(); err != nil {
			return command.ExitFailure, err
		}
		return command.ExitOK, nil
	}), nil
}

// Version prints the daemon version.
func (b *baseHandlers) Version(env command.Env) (command.Handler, error) {
	return command.HandlerFunc(func(ctx context.Context) (int, error) {
		_, err := fmt.Fprintf(env.Stdout, "coven-sshd %s\n", b.version)
		return command.ExitOK, err
	}), nil
}

func usageOf(d command.Descriptor) string {
	if d.Usage != "" {
		return d.Usage
	}
	return d.Name
}
