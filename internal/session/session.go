// ABOUTME: Authenticated session state: identity, capabilities, environment, streams
// ABOUTME: Tracks in-flight activities per session and propagates teardown via context

package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/stream"
)

// ErrBusy is returned by Begin when the session has no free slot and the
// caller asked not to wait.
var ErrBusy = errors.New("session busy")

// ErrClosed is returned by Begin after the session was closed.
var ErrClosed = errors.New("session closed")

// Activity is anything that occupies a session slot, in practice an
// invocation.
type Activity interface {
	ID() string
}

// Config describes a new session.
type Config struct {
	ID           string // generated when empty
	Principal    string
	Fingerprint  string
	RemoteAddr   string
	Capabilities capability.Set
	Env          map[string]string
	Streams      stream.Streams
}

// Session is one authenticated connection context.
type Session struct {
	id           string
	principal    string
	fingerprint  string
	remoteAddr   string
	capabilities capability.Set
	env          map[string]string
	streams      stream.Streams

	ctx    context.Context
	cancel context.CancelFunc

	dispatchMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	active  map[string]Activity
	waiting []*waiter
}

type waiter struct {
	activity Activity
	ready    chan struct{}
}

// New creates a session whose lifetime is bounded by parent.
func New(parent context.Context, cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:           id,
		principal:    cfg.Principal,
		fingerprint:  cfg.Fingerprint,
		remoteAddr:   cfg.RemoteAddr,
		capabilities: cfg.Capabilities,
		env:          env,
		streams:      cfg.Streams,
		ctx:          ctx,
		cancel:       cancel,
		active:       make(map[string]Activity),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Principal() string { return s.principal }
func (s *Session) Fingerprint() string { return s.fingerprint }
func (s *Session) RemoteAddr() string { return s.remoteAddr }
func (s *Session) Capabilities() capability.Set { return s.capabilities }
func (s *Session) Streams() stream.Streams { return s.streams }
func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }
func (s *Session) Getenv(key string) string { return s.env[key] }
func (s *Session) LookupEnv(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

// Environ returns the environment as sorted KEY=VALUE pairs.
func (s *Session) Environ() []string {
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Close tears the session down. Every invocation derived from the session
// context observes the cancellation. Waiters still queued are released so
// they can notice the teardown. Safe to call multiple times.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, w := range s.waiting {
		close(w.ready)
	}
	s.waiting = nil
}

// LockDispatch serializes command-line authorization for this session so
// lines are authorized in submission order. The returned func unlocks.
func (s *Session) LockDispatch() func() {
	s.dispatchMu.Lock()
	return s.dispatchMu.Unlock
}

// Begin claims a slot for a. With limit 0 slots are unlimited. When the
// session is full and wait is false Begin returns ErrBusy; when wait is true
// a is queued and the returned channel closes once a slot was handed to it
// (or the session closed).
func (s *Session) Begin(a Activity, limit int, wait bool) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	ready := make(chan struct{})
	if limit <= 0 || len(s.active) < limit {
		s.active[a.ID()] = a
		close(ready)
		return ready, nil
	}
	if !wait {
		return nil, ErrBusy
	}
	s.waiting = append(s.waiting, &waiter{activity: a, ready: ready})
	return ready, nil
}

// End releases a's slot and hands freed slots to waiters in FIFO order.
func (s *Session) End(a Activity, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, a.ID())
	for len(s.waiting) > 0 && (limit <= 0 || len(s.active) < limit) {
		w := s.waiting[0]
		s.waiting = s.waiting[1:]
		s.active[w.activity.ID()] = w.activity
		close(w.ready)
	}
}

// Abandon removes a from the wait queue. It returns true if a was still
// queued; false means a already holds a slot and must call End.
func (s *Session) Abandon(a Activity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiting {
		if w.activity.ID() == a.ID() {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return true
		}
	}
	_, holding := s.active[a.ID()]
	return !holding
}

// Active returns the activities currently holding a slot.
func (s *Session) Active() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Activity, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Queued returns the number of activities waiting for a slot.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
