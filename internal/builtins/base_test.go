// ABOUTME: Tests for help, whoami and version
// ABOUTME: help must hide commands the session cannot run

package builtins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
)

func newHelpRegistry(t *testing.T) (*command.Registry, command.Descriptor) {
	t.Helper()
	reg := command.NewRegistry(nil)
	base := BaseCommands(reg, "1.2.3")
	for _, d := range base {
		require.NoError(t, reg.Register(d))
	}
	reg.MustRegister(command.Descriptor{
		Name:     "rotate-keys",
		Usage:    "rotate-keys [--dry-run]",
		Summary:  "Rotate host keys",
		Required: capability.NewSet(CapAdmin),
		Factory: func(command.Env) (command.Handler, error) {
			return command.HandlerFunc(func(context.Context) (int, error) { return 0, nil }), nil
		},
	})
	return reg, find(t, base, "help")
}

func TestHelp_ListsOnlyVisibleCommands(t *testing.T) {
	_, help := newHelpRegistry(t)

	res := run(t, help, newSession(t), nil)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Available commands:")
	assert.Contains(t, res.stdout, "whoami")
	assert.Contains(t, res.stdout, "version")
	assert.NotContains(t, res.stdout, "rotate-keys")

	res = run(t, help, newSession(t, CapAdmin), nil)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "rotate-keys")
	assert.Contains(t, res.stdout, "Rotate host keys")
}

func TestHelp_Command(t *testing.T) {
	_, help := newHelpRegistry(t)

	res := run(t, help, newSession(t, CapAdmin), nil, "rotate-keys")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "usage: rotate-keys [--dry-run]")
	assert.Contains(t, res.stdout, "requires: ADMIN")

	res = run(t, help, newSession(t), nil, "rotate-keys")
	assert.Error(t, res.err, "hidden commands are not described")
	assert.Equal(t, command.ExitFailure, res.code)

	res = run(t, help, newSession(t), nil, "nope")
	assert.Error(t, res.err)

	res = run(t, help, newSession(t), nil, "a", "b")
	assert.Equal(t, command.ExitUsage, res.code)
}

func TestWhoami(t *testing.T) {
	reg := command.NewRegistry(nil)
	whoami := find(t, BaseCommands(reg, "dev"), "whoami")

	res := run(t, whoami, newSession(t, CapViewQueue, CapAdmin), nil)
	require.NoError(t, res.err)
	assert.Regexp(t, `principal:\s+alice`, res.stdout)
	assert.Regexp(t, `fingerprint:\s+ab12`, res.stdout)
	assert.Regexp(t, `remote:\s+10\.0\.0\.7:50022`, res.stdout)
	assert.Regexp(t, `capabilities:\s+ADMIN,VIEW_QUEUE`, res.stdout)
	assert.Regexp(t, `environment:\s+LANG=C\.UTF-8 TERM=xterm`, res.stdout)

	res = run(t, whoami, newSession(t), nil)
	assert.Regexp(t, `capabilities:\s+\(none\)`, res.stdout)
}

func TestVersion(t *testing.T) {
	reg := command.NewRegistry(nil)
	res := run(t, find(t, BaseCommands(reg, "1.2.3"), "version"), newSession(t), nil)
	require.NoError(t, res.err)
	assert.Equal(t, "coven-sshd 1.2.3\n", res.stdout)
}
