// ABOUTME: Shared helpers and registration tests for builtin commands
// ABOUTME: Handlers are exercised directly through their factories

package builtins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/session"
	"github.com/2389/coven-sshd/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	tasks     []executor.Snapshot
	cancelled []string
}

func (q *fakeQueue) List() []executor.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]executor.Snapshot(nil), q.tasks...)
}

func (q *fakeQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			q.cancelled = append(q.cancelled, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", executor.ErrUnknownInvocation, id)
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "builtins.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, caps ...capability.Capability) *session.Session {
	t.Helper()
	s := session.New(context.Background(), session.Config{
		ID:           "sess-1",
		Principal:    "alice",
		Fingerprint:  "ab12",
		RemoteAddr:   "10.0.0.7:50022",
		Capabilities: capability.NewSet(caps...),
		Env:          map[string]string{"LANG": "C.UTF-8", "TERM": "xterm"},
	})
	t.Cleanup(s.Close)
	return s
}

type result struct {
	code   int
	err    error
	stdout string
	stderr string
}

// run builds and runs d for sess with the given stdin.
func run(t *testing.T, d command.Descriptor, sess *session.Session, stdin io.Reader, args ...string) result {
	t.Helper()
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var stdout, stderr bytes.Buffer
	h, err := d.Factory(command.Env{
		Session: sess,
		Name:    d.Name,
		Args:    args,
		Stdin:   stdin,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Run(ctx)
	return result{code: code, err: err, stdout: stdout.String(), stderr: stderr.String()}
}

func find(t *testing.T, ds []command.Descriptor, name string) command.Descriptor {
	t.Helper()
	for _, d := range ds {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("descriptor %s not found", name)
	return command.Descriptor{}
}

func TestRegister(t *testing.T) {
	reg := command.NewRegistry(nil)
	err := Register(reg, Deps{Queue: &fakeQueue{}, Store: setupTestStore(t), Version: "1.2.3"})
	require.NoError(t, err)

	var names []string
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"gsql", "help", "kill", "show-queue", "version", "whoami"}, names)

	gsql, err := reg.Lookup("gsql")
	require.NoError(t, err)
	assert.True(t, gsql.Required.Has(CapAdmin))

	err = Register(reg, Deps{Queue: &fakeQueue{}, Store: setupTestStore(t)})
	assert.ErrorIs(t, err, command.ErrDuplicateCommand)
}

func TestRegister_RequiresDeps(t *testing.T) {
	err := Register(command.NewRegistry(nil), Deps{})
	assert.Error(t, err)
}

func TestParseArgs_Help(t *testing.T) {
	res := run(t, find(t, QueueCommands(&fakeQueue{}), "show-queue"), newSession(t), nil, "-h")
	assert.Equal(t, command.ExitOK, res.code)
	assert.NoError(t, res.err)
	assert.Equal(t, "usage: show-queue [-w]\n", res.stdout)
}

func TestParseArgs_BadFlag(t *testing.T) {
	res := run(t, find(t, QueueCommands(&fakeQueue{}), "show-queue"), newSession(t), nil, "--bogus")
	assert.Equal(t, command.ExitUsage, res.code)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "usage: show-queue [-w]")
}
