// ABOUTME: Command descriptors, handler contract and the capability gate
// ABOUTME: Factories build a handler bound to one session's bridged streams

package command

import (
	"context"
	"io"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/session"
)

// Env is what a factory receives: the session the command runs for, its
// arguments and the bridged streams.
type Env struct {
	Session *session.Session
	Name    string
	Args    []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Handler runs one command invocation. The context is cancelled when the
// invocation is cancelled; handlers should return promptly when it is.
// A non-nil error marks the invocation failed.
type Handler interface {
	Run(ctx context.Context) (int, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) (int, error)

// Run calls f(ctx).
func (f HandlerFunc) Run(ctx context.Context) (int, error) {
	return f(ctx)
}

// Factory builds a handler for one invocation. It is only called after the
// session was authorized.
type Factory func(env Env) (Handler, error)

// Descriptor is the registered metadata for one command.
type Descriptor struct {
	Name     string
	Usage    string
	Summary  string
	Required capability.Set
	Factory  Factory
}

// Authorize checks whether s may run d.
func Authorize(s *session.Session, d Descriptor) capability.Decision {
	return capability.Authorize(s.Capabilities(), d.Required)
}
