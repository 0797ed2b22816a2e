// ABOUTME: Invocation state machine and the handle returned to dispatch callers
// ABOUTME: Terminal states are final; Join blocks until cleanup has completed

package executor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/session"
	"github.com/2389/coven-sshd/internal/stream"
)

// State is the lifecycle state of an invocation.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ExitStatus is the final outcome of an invocation.
type ExitStatus struct {
	State State
	Code  int
	Err   error
}

// Request is an authorized command ready to run.
type Request struct {
	Session    *session.Session
	Descriptor command.Descriptor
	Args       []string
	Line       string
}

// Snapshot is a point-in-time view of an invocation.
type Snapshot struct {
	ID        string
	Command   string
	Args      []string
	Line      string
	SessionID string
	Principal string
	State     State
	StartTime time.Time
	TraceID   string
	SpanID    string
}

// Invocation is one authorized, in-flight execution of a command.
type Invocation struct {
	id        string
	req       Request
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	span      trace.Span

	mu        sync.Mutex
	state     State
	finishing bool
	status    ExitStatus
	bridge    *stream.Bridge
}

// ID implements session.Activity.
func (inv *Invocation) ID() string { return inv.id }

func (inv *Invocation) snapshot() Snapshot {
	inv.mu.Lock()
	state := inv.state
	inv.mu.Unlock()

	s := Snapshot{
		ID:        inv.id,
		Command:   inv.req.Descriptor.Name,
		Args:      append([]string(nil), inv.req.Args...),
		Line:      inv.req.Line,
		SessionID: inv.req.Session.ID(),
		Principal: inv.req.Session.Principal(),
		State:     state,
		StartTime: inv.startTime,
	}
	if sc := inv.span.SpanContext(); sc.IsValid() {
		s.TraceID = sc.TraceID().String()
		s.SpanID = sc.SpanID().String()
	}
	return s
}

// begin moves a pending invocation to Running with its bridge attached.
// It fails if the invocation already started finishing.
func (inv *Invocation) begin(b *stream.Bridge) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.finishing {
		return false
	}
	inv.state = StateRunning
	inv.bridge = b
	return true
}

// claimFinish reserves the single terminal transition. It returns the bridge
// to clean up, if any.
func (inv *Invocation) claimFinish() (*stream.Bridge, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.finishing {
		return nil, false
	}
	inv.finishing = true
	return inv.bridge, true
}

func (inv *Invocation) publish(st ExitStatus) {
	inv.mu.Lock()
	inv.state = st.State
	inv.status = st
	inv.mu.Unlock()
	close(inv.done)
}

func (inv *Invocation) currentState() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Handle is the caller's grip on a launched invocation.
type Handle struct {
	inv *Invocation
}

// ID returns the invocation id.
func (h *Handle) ID() string { return h.inv.id }

// Command returns the command name.
func (h *Handle) Command() string { return h.inv.req.Descriptor.Name }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.inv.currentState() }

// Cancel requests cooperative cancellation. After the grace period the
// invocation is torn down regardless.
func (h *Handle) Cancel() { h.inv.cancel() }

// Done is closed once the invocation reached a terminal state and cleaned up.
func (h *Handle) Done() <-chan struct{} { return h.inv.done }

// Join waits for the invocation to finish.
func (h *Handle) Join() ExitStatus {
	<-h.inv.done
	h.inv.mu.Lock()
	defer h.inv.mu.Unlock()
	return h.inv.status
}

// Wait is Join bounded by ctx.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.inv.done:
		return h.Join(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Snapshot returns a view of the invocation.
func (h *Handle) Snapshot() Snapshot { return h.inv.snapshot() }
