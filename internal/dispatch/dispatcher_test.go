// ABOUTME: Tests for the dispatch pipeline ordering and rejection reporting
// ABOUTME: Counting resolver and launcher fakes observe which steps ran

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/session"
	"github.com/2389/coven-sshd/internal/stream"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingResolver struct {
	reg *command.Registry

	mu      sync.Mutex
	lookups []string
}

func (r *countingResolver) Lookup(name string) (command.Descriptor, error) {
	r.mu.Lock()
	r.lookups = append(r.lookups, name)
	r.mu.Unlock()
	return r.reg.Lookup(name)
}

func (r *countingResolver) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lookups...)
}

type countingLauncher struct {
	exec     *executor.Executor
	launches atomic.Int32
}

func (l *countingLauncher) Launch(ctx context.Context, req executor.Request) (*executor.Handle, error) {
	l.launches.Add(1)
	return l.exec.Launch(ctx, req)
}

type fixture struct {
	reg      *command.Registry
	resolver *countingResolver
	launcher *countingLauncher
	exec     *executor.Executor
	disp     *Dispatcher
	built    atomic.Int32

	mu         sync.Mutex
	rejections []Rejection
}

func newFixture(t *testing.T, policy executor.Policy) *fixture {
	t.Helper()
	f := &fixture{reg: command.NewRegistry(nil)}
	f.exec = executor.New(executor.Config{Policy: policy, GracePeriod: 50 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.exec.Shutdown(ctx)
	})
	f.resolver = &countingResolver{reg: f.reg}
	f.launcher = &countingLauncher{exec: f.exec}

	f.reg.MustRegister(command.Descriptor{
		Name: "echo",
		Factory: func(env command.Env) (command.Handler, error) {
			f.built.Add(1)
			return command.HandlerFunc(func(context.Context) (int, error) {
				_, err := io.WriteString(env.Stdout, strings.Join(env.Args, " ")+"\n")
				return 0, err
			}), nil
		},
	})
	f.reg.MustRegister(command.Descriptor{
		Name:     "kill",
		Required: capability.NewSet("KILL_TASK"),
		Factory: func(env command.Env) (command.Handler, error) {
			f.built.Add(1)
			return command.HandlerFunc(func(context.Context) (int, error) { return 0, nil }), nil
		},
	})
	f.reg.MustRegister(command.Descriptor{
		Name: "wait",
		Factory: func(env command.Env) (command.Handler, error) {
			f.built.Add(1)
			return command.HandlerFunc(func(ctx context.Context) (int, error) {
				_, err := io.ReadAll(env.Stdin)
				return 0, err
			}), nil
		},
	})
	f.reg.MustRegister(command.Descriptor{
		Name: "lines",
		Factory: func(env command.Env) (command.Handler, error) {
			f.built.Add(1)
			return command.HandlerFunc(func(context.Context) (int, error) {
				n, err := strconv.Atoi(env.Args[0])
				if err != nil {
					return command.ExitUsage, err
				}
				// Every third line goes to stderr.
				for i := 1; i <= n; i++ {
					w := env.Stdout
					if i%3 == 0 {
						w = env.Stderr
					}
					if _, err := fmt.Fprintf(w, "line %d\n", i); err != nil {
						return command.ExitFailure, err
					}
				}
				return command.ExitOK, nil
			}), nil
		},
	})
	f.reg.Seal()

	disp, err := New(Config{
		Resolver: f.resolver,
		Launcher: f.launcher,
		OnReject: func(_ context.Context, r Rejection) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.rejections = append(f.rejections, r)
		},
	})
	require.NoError(t, err)
	f.disp = disp
	return f
}

func (f *fixture) rejected() []Rejection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Rejection(nil), f.rejections...)
}

type testSession struct {
	*session.Session
	out *syncBuffer
	err *syncBuffer
}

func newTestSession(t *testing.T, in io.Reader, caps ...capability.Capability) *testSession {
	t.Helper()
	ts := &testSession{out: &syncBuffer{}, err: &syncBuffer{}}
	streams := stream.Streams{Out: ts.out, Err: ts.err}
	if in != nil {
		streams.In = stream.NewInput(in)
	}
	ts.Session = session.New(context.Background(), session.Config{
		Principal:    "bob",
		Capabilities: capability.NewSet(caps...),
		Streams:      streams,
	})
	t.Cleanup(ts.Close)
	return ts
}

func join(t *testing.T, h *executor.Handle) executor.ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Resolver: command.NewRegistry(nil)})
	assert.Error(t, err)
}

func TestDispatchRunsCommand(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil)

	h, err := f.disp.Dispatch(context.Background(), s.Session, `echo "hello world" again`)
	require.NoError(t, err)
	st := join(t, h)

	assert.Equal(t, executor.StateCompleted, st.State)
	assert.Equal(t, "hello world again\n", s.out.String())
	assert.Empty(t, s.err.String())
	assert.Empty(t, f.rejected())
}

func TestHandlerLinesArriveInOrder(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)

	// One buffer behind both streams shows the interleaving the client sees.
	combined := &syncBuffer{}
	sess := session.New(context.Background(), session.Config{
		Principal: "bob",
		Streams:   stream.Streams{Out: combined, Err: combined},
	})
	t.Cleanup(sess.Close)

	const n = 200
	h, err := f.disp.Dispatch(context.Background(), sess, "lines "+strconv.Itoa(n))
	require.NoError(t, err)
	st := h.Join()

	assert.Equal(t, executor.StateCompleted, st.State)
	assert.Equal(t, command.ExitOK, st.Code)
	assert.NoError(t, st.Err)

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("line %d", i+1)
	}
	assert.Equal(t, strings.Join(want, "\n")+"\n", combined.String())
}

func TestParseErrorStopsBeforeLookup(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil)

	for _, line := range []string{"", `echo 'oops`, `echo oops\`} {
		_, err := f.disp.Dispatch(context.Background(), s.Session, line)
		assert.ErrorIs(t, err, command.ErrParse, "line %q", line)
		assert.Equal(t, command.ExitUsage, command.ExitCode(err))
	}

	assert.Empty(t, f.resolver.seen())
	assert.Equal(t, int32(0), f.launcher.launches.Load())
	assert.Equal(t, 3, strings.Count(s.err.String(), "fatal: malformed command line"))
	require.Len(t, f.rejected(), 3)
	assert.Equal(t, "", f.rejected()[0].Command)
}

func TestOverlongLineIsParseError(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	disp, err := New(Config{Resolver: f.resolver, Launcher: f.launcher, MaxLineLength: 16})
	require.NoError(t, err)
	s := newTestSession(t, nil)

	_, err = disp.Dispatch(context.Background(), s.Session, "echo "+strings.Repeat("x", 32))
	var perr *command.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 16, perr.Offset)
	assert.Empty(t, f.resolver.seen())
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil)

	_, err := f.disp.Dispatch(context.Background(), s.Session, "frobnicate --all")
	assert.ErrorIs(t, err, command.ErrNotFound)
	assert.Equal(t, command.ExitNotFound, command.ExitCode(err))
	assert.Equal(t, "fatal: frobnicate: not found; type 'help' for a list of commands\n", s.err.String())
	assert.Equal(t, []string{"frobnicate"}, f.resolver.seen())
	assert.Equal(t, int32(0), f.launcher.launches.Load())

	rej := f.rejected()
	require.Len(t, rej, 1)
	assert.Equal(t, "frobnicate", rej[0].Command)
	assert.Equal(t, "frobnicate --all", rej[0].Line)
	assert.Equal(t, "bob", rej[0].Principal)
	assert.Equal(t, command.ExitNotFound, rej[0].Code)
}

func TestUnauthorizedNeverBuildsHandler(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil, "VIEW_QUEUE")

	_, err := f.disp.Dispatch(context.Background(), s.Session, "kill abc")
	var uerr *command.UnauthorizedError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, []capability.Capability{"KILL_TASK"}, uerr.Missing)
	assert.Equal(t, "bob", uerr.Principal)
	assert.Equal(t, command.ExitUnauthorized, command.ExitCode(err))

	assert.Equal(t, int32(0), f.built.Load())
	assert.Equal(t, int32(0), f.launcher.launches.Load())
	assert.Equal(t, "fatal: kill: not permitted, missing capability KILL_TASK\n", s.err.String())
}

func TestAuthorizedCommandRuns(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil, "KILL_TASK")

	h, err := f.disp.Dispatch(context.Background(), s.Session, "kill abc")
	require.NoError(t, err)
	assert.Equal(t, executor.StateCompleted, join(t, h).State)
	assert.Equal(t, int32(1), f.built.Load())
}

func TestBusyThenSucceeds(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	inR, inW := io.Pipe()
	s := newTestSession(t, inR)

	first, err := f.disp.Dispatch(context.Background(), s.Session, "wait")
	require.NoError(t, err)

	_, err = f.disp.Dispatch(context.Background(), s.Session, "echo second")
	assert.ErrorIs(t, err, command.ErrBusy)
	assert.Contains(t, s.err.String(), "fatal: echo: session busy")

	require.NoError(t, inW.Close())
	assert.Equal(t, executor.StateCompleted, join(t, first).State)

	h, err := f.disp.Dispatch(context.Background(), s.Session, "echo third")
	require.NoError(t, err)
	assert.Equal(t, executor.StateCompleted, join(t, h).State)
	assert.Equal(t, "third\n", s.out.String())
}

func TestSessionSurvivesManyLines(t *testing.T) {
	f := newFixture(t, executor.PolicyReject)
	s := newTestSession(t, nil)

	const n = 50
	var want strings.Builder
	for i := 0; i < n; i++ {
		line := fmt.Sprintf("echo line %d", i)
		if i%5 == 0 {
			line = fmt.Sprintf("nosuch%d", i)
		}
		h, err := f.disp.Dispatch(context.Background(), s.Session, line)
		if i%5 == 0 {
			assert.ErrorIs(t, err, command.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, executor.StateCompleted, join(t, h).State)
		fmt.Fprintf(&want, "line %d\n", i)
	}

	assert.Equal(t, want.String(), s.out.String())
	assert.Len(t, f.resolver.seen(), n)
	assert.Len(t, f.rejected(), n/5)
	assert.Equal(t, 0, f.exec.Outstanding())
}

func TestConcurrentDispatchIsSerializedPerSession(t *testing.T) {
	f := newFixture(t, executor.PolicyConcurrent)
	s := newTestSession(t, nil)

	var wg sync.WaitGroup
	handles := make(chan *executor.Handle, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := f.disp.Dispatch(context.Background(), s.Session, fmt.Sprintf("echo %d", i))
			if assert.NoError(t, err) {
				handles <- h
			}
		}(i)
	}
	wg.Wait()
	close(handles)

	count := 0
	for h := range handles {
		assert.Equal(t, executor.StateCompleted, join(t, h).State)
		count++
	}
	assert.Equal(t, 20, count)
	assert.Len(t, f.resolver.seen(), 20)
}
