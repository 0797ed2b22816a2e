// ABOUTME: Executor runs each authorized invocation on its own goroutine
// ABOUTME: Handles per-session policy, cooperative then forced cancellation and cleanup

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/session"
	"github.com/2389/coven-sshd/internal/stream"
)

// Policy decides what happens when a session already runs a command.
type Policy string

const (
	PolicyReject     Policy = "reject"
	PolicyQueue      Policy = "queue"
	PolicyConcurrent Policy = "concurrent"
)

// DefaultGracePeriod is how long a cancelled handler may keep running before
// its streams are torn down.
const DefaultGracePeriod = 5 * time.Second

var (
	// ErrUnknownInvocation is returned by Cancel for ids that are not outstanding.
	ErrUnknownInvocation = errors.New("unknown invocation")
	// ErrShuttingDown is returned by Launch after Shutdown started.
	ErrShuttingDown = errors.New("executor shutting down")
)

// ParsePolicy converts a config value into a Policy. Empty means reject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyQueue:
		return PolicyQueue, nil
	case PolicyConcurrent:
		return PolicyConcurrent, nil
	default:
		return "", fmt.Errorf("unknown concurrency policy %q (want reject, queue or concurrent)", s)
	}
}

// Config configures an Executor.
type Config struct {
	Policy      Policy
	GracePeriod time.Duration
	Logger      *slog.Logger
	// OnFinish is called once per invocation after it reached a terminal state.
	OnFinish func(Snapshot, ExitStatus)
}

// Executor owns every outstanding invocation.
type Executor struct {
	policy   Policy
	limit    int
	wait     bool
	grace    time.Duration
	onFinish func(Snapshot, ExitStatus)
	logger   *slog.Logger
	tracer   trace.Tracer

	mu          sync.Mutex
	outstanding map[string]*Invocation
	closing     bool
	wg          sync.WaitGroup
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyReject
	}

	e := &Executor{
		policy:      policy,
		grace:       grace,
		onFinish:    cfg.OnFinish,
		logger:      logger.With("component", "executor"),
		tracer:      otel.Tracer("github.com/2389/coven-sshd/internal/executor"),
		outstanding: make(map[string]*Invocation),
	}
	switch policy {
	case PolicyQueue:
		e.limit, e.wait = 1, true
	case PolicyConcurrent:
		e.limit, e.wait = 0, false
	default:
		e.limit, e.wait = 1, false
	}
	return e
}

// Policy returns the configured per-session policy.
func (e *Executor) Policy() Policy { return e.policy }

// Launch schedules req and returns without waiting for the handler. ctx only
// carries the trace parent; the invocation itself is bound to the session.
func (e *Executor) Launch(ctx context.Context, req Request) (*Handle, error) {
	name := req.Descriptor.Name
	inv := &Invocation{
		id:        uuid.New().String(),
		req:       req,
		startTime: time.Now(),
		done:      make(chan struct{}),
		state:     StatePending,
	}

	_, span := e.tracer.Start(ctx, "invoke "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coven.invocation.id", inv.id),
			attribute.String("coven.command", name),
			attribute.String("coven.session.id", req.Session.ID()),
			attribute.String("coven.principal", req.Session.Principal()),
		),
	)
	inv.span = span
	inv.ctx, inv.cancel = context.WithCancel(trace.ContextWithSpan(req.Session.Context(), span))

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		e.abort(inv, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	ready, err := req.Session.Begin(inv, e.limit, e.wait)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, session.ErrBusy) {
			err = &command.BusyError{Command: name, Active: len(req.Session.Active())}
		} else {
			err = &command.CancelledError{Command: name}
		}
		e.abort(inv, err)
		return nil, err
	}
	e.outstanding[inv.id] = inv
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Debug("invocation scheduled",
		"invocation", inv.id,
		"command", name,
		"session", req.Session.ID(),
		"principal", req.Session.Principal(),
	)

	go e.watch(inv)
	go e.run(inv, ready)
	return &Handle{inv: inv}, nil
}

// abort ends the span of an invocation that was never scheduled.
func (e *Executor) abort(inv *Invocation, err error) {
	inv.cancel()
	inv.span.RecordError(err)
	inv.span.SetStatus(codes.Error, "not scheduled")
	inv.span.End()
}

func (e *Executor) run(inv *Invocation, ready <-chan struct{}) {
	select {
	case <-ready:
	case <-inv.ctx.Done():
	}
	if inv.ctx.Err() != nil {
		e.finish(inv, cancelled(inv, false), false)
		return
	}

	bridge := stream.NewBridge(inv.req.Session.Streams())
	if !inv.begin(bridge) {
		bridge.Close()
		return
	}
	inv.span.AddEvent("running")

	handler, err := inv.req.Descriptor.Factory(command.Env{
		Session: inv.req.Session,
		Name:    inv.req.Descriptor.Name,
		Args:    append([]string(nil), inv.req.Args...),
		Stdin:   bridge.Stdin(),
		Stdout:  bridge.Stdout(),
		Stderr:  bridge.Stderr(),
	})
	if err != nil {
		e.finish(inv, outcome(inv, command.ExitFailure, err), false)
		return
	}

	code, err := safeRun(inv.ctx, handler)
	e.finish(inv, outcome(inv, code, err), false)
}

// watch escalates a cancellation that the handler ignores.
func (e *Executor) watch(inv *Invocation) {
	select {
	case <-inv.done:
		return
	case <-inv.ctx.Done():
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-inv.done:
	case <-timer.C:
		if e.finish(inv, cancelled(inv, true), true) {
			e.logger.Warn("handler ignored cancellation, streams aborted",
				"invocation", inv.id,
				"command", inv.req.Descriptor.Name,
				"grace", e.grace,
			)
		}
	}
}

// finish performs the single terminal transition. It reports whether this
// call won.
func (e *Executor) finish(inv *Invocation, st ExitStatus, forced bool) bool {
	bridge, ok := inv.claimFinish()
	if !ok {
		return false
	}
	sess := inv.req.Session

	if st.Err != nil {
		msg := command.Message(st.Err) + "\n"
		switch {
		case forced:
			if bridge != nil {
				bridge.Abort()
			}
			writeWithin(sess.Streams().Err, msg, e.grace)
		case bridge != nil:
			_, _ = io.WriteString(bridge.Stderr(), msg)
		default:
			writeWithin(sess.Streams().Err, msg, e.grace)
		}
	}
	if bridge != nil {
		bridge.Close()
	}

	if !sess.Abandon(inv) {
		sess.End(inv, e.limit)
	}
	e.mu.Lock()
	delete(e.outstanding, inv.id)
	e.mu.Unlock()

	inv.cancel()
	snap := inv.snapshot()
	snap.State = st.State

	if st.Err != nil {
		inv.span.RecordError(st.Err)
		inv.span.SetStatus(codes.Error, st.State.String())
	} else {
		inv.span.SetStatus(codes.Ok, "")
	}
	inv.span.SetAttributes(
		attribute.String("coven.state", st.State.String()),
		attribute.Int("coven.exit_code", st.Code),
	)
	inv.span.End()

	attrs := []any{
		"invocation", inv.id,
		"command", inv.req.Descriptor.Name,
		"session", sess.ID(),
		"state", st.State.String(),
		"exit_code", st.Code,
		"duration", time.Since(inv.startTime),
	}
	if st.State == StateFailed {
		e.logger.Warn("invocation failed", append(attrs, "error", st.Err)...)
	} else {
		e.logger.Info("invocation finished", attrs...)
	}

	if e.onFinish != nil {
		e.onFinish(snap, st)
	}
	inv.publish(st)
	e.wg.Done()
	return true
}

// Cancel requests cancellation of the invocation with the given id.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	inv, ok := e.outstanding[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	}
	e.logger.Info("invocation cancel requested", "invocation", id, "command", inv.req.Descriptor.Name)
	inv.cancel()
	return nil
}

// List returns snapshots of outstanding invocations, oldest first.
func (e *Executor) List() []Snapshot {
	e.mu.Lock()
	invs := make([]*Invocation, 0, len(e.outstanding))
	for _, inv := range e.outstanding {
		invs = append(invs, inv)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inv.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Outstanding returns the number of invocations that have not finished.
func (e *Executor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// Shutdown refuses new launches, cancels every outstanding invocation and
// waits until all of them reached a terminal state or ctx ends.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	invs := make([]*Invocation, 0, len(e.outstanding))
	for _, inv := range e.outstanding {
		invs = append(invs, inv)
	}
	e.mu.Unlock()

	for _, inv := range invs {
		inv.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for invocations: %w", ctx.Err())
	}
}

func safeRun(ctx context.Context, h command.Handler) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, err = command.ExitFailure, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Run(ctx)
}

func outcome(inv *Invocation, code int, err error) ExitStatus {
	if inv.ctx.Err() != nil {
		return cancelled(inv, false)
	}
	if err != nil {
		if code == command.ExitOK {
			code = command.ExitFailure
		}
		return ExitStatus{
			State: StateFailed,
			Code:  code,
			Err:   &command.HandlerError{Command: inv.req.Descriptor.Name, Code: code, Err: err},
		}
	}
	return ExitStatus{State: StateCompleted, Code: code}
}

func cancelled(inv *Invocation, forced bool) ExitStatus {
	return ExitStatus{
		State: StateCancelled,
		Code:  command.ExitCancelled,
		Err:   &command.CancelledError{Command: inv.req.Descriptor.Name, Forced: forced},
	}
}

// writeWithin writes msg to w but gives up after d so a stuck transport
// cannot hold a terminal transition hostage.
func writeWithin(w io.Writer, msg string, d time.Duration) {
	if w == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.WriteString(w, msg)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}
