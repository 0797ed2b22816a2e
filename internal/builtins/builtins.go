// ABOUTME: Registers the builtin command set and shared argument helpers
// ABOUTME: Capabilities gating the builtins are declared here

package builtins

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/store"
)

// Capabilities required by builtin commands.
const (
	CapAdmin     capability.Capability = "ADMIN"
	CapViewQueue capability.Capability = "VIEW_QUEUE"
	CapKillTask  capability.Capability = "KILL_TASK"
)

// Queue is the executor surface used by show-queue and kill.
type Queue interface {
	List() []executor.Snapshot
	Cancel(id string) error
}

// Deps are the collaborators builtin handlers need.
type Deps struct {
	Queue   Queue
	Store   store.QueryStore
	Version string
}

// Register adds every builtin to reg.
func Register(reg *command.Registry, deps Deps) error {
	if deps.Queue == nil || deps.Store == nil {
		return errors.New("builtins: queue and store are required")
	}
	descriptors := append(BaseCommands(reg, deps.Version), QueueCommands(deps.Queue)...)
	descriptors = append(descriptors, QueryCommands(deps.Store)...)
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("registering %s: %w", d.Name, err)
		}
	}
	return nil
}

// newFlagSet returns a flag set that reports errors to the caller instead of
// printing them.
func newFlagSet(env command.Env) *flag.FlagSet {
	fs := flag.NewFlagSet(env.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseArgs parses env.Args into fs. When help was requested the usage is
// printed and done is true.
func parseArgs(fs *flag.FlagSet, env command.Env, usage string) (done bool, code int, err error) {
	err = fs.Parse(env.Args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprintf(env.Stdout, "usage: %s\n", usage)
		return true, command.ExitOK, nil
	case err != nil:
		return true, command.ExitUsage, fmt.Errorf("%v; usage: %s", err, usage)
	}
	return false, command.ExitOK, nil
}
