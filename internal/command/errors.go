// ABOUTME: Error taxonomy for command dispatch and the exit codes it maps to
// ABOUTME: Each failure renders as one human-readable line on the error stream

package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-sshd/internal/capability"
)

// Exit codes reported to the session.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitBusy         = 75
	ExitUnauthorized = 126
	ExitNotFound     = 127
	ExitCancelled    = 130
)

var (
	// ErrParse matches any *ParseError.
	ErrParse = errors.New("malformed command line")
	// ErrNotFound matches any *NotFoundError.
	ErrNotFound = errors.New("command not found")
	// ErrUnauthorized matches any *UnauthorizedError.
	ErrUnauthorized = errors.New("not authorized")
	// ErrBusy matches any *BusyError.
	ErrBusy = errors.New("session busy")
	// ErrHandler matches any *HandlerError.
	ErrHandler = errors.New("command failed")
	// ErrCancelled matches any *CancelledError.
	ErrCancelled = errors.New("command cancelled")
	// ErrDuplicateCommand matches any *DuplicateCommandError.
	ErrDuplicateCommand = errors.New("duplicate command")

	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed = errors.New("registry sealed")
	// ErrInvalidDescriptor is returned by Register for unusable descriptors.
	ErrInvalidDescriptor = errors.New("invalid command descriptor")
)

// ParseError reports a malformed command line. Offset is the byte offset
// where the problem was detected.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed command line at offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// NotFoundError reports an unknown command name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnauthorizedError reports a failed capability check.
type UnauthorizedError struct {
	Command   string
	Principal string
	Missing   []capability.Capability
}

func (e *UnauthorizedError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return fmt.Sprintf("%s: not permitted, missing capability %s", e.Command, strings.Join(names, ", "))
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// BusyError reports a rejection by the per-session concurrency policy.
type BusyError struct {
	Command string
	Active  int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: session busy, %d command(s) still running", e.Command, e.Active)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// HandlerError wraps a failure raised by a handler, including a recovered
// panic or a factory error.
type HandlerError struct {
	Command string
	Code    int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandler }

// CancelledError reports an invocation torn down by session teardown or an
// operator.
type CancelledError struct {
	Command string
	Forced  bool
}

func (e *CancelledError) Error() string {
	if e.Forced {
		return fmt.Sprintf("%s: cancelled (handler did not stop, streams closed)", e.Command)
	}
	return fmt.Sprintf("%s: cancelled", e.Command)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// DuplicateCommandError is returned when a name is registered twice.
type DuplicateCommandError struct {
	Name string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("command %q already registered", e.Name)
}

func (e *DuplicateCommandError) Is(target error) bool { return target == ErrDuplicateCommand }

// ExitCode maps an error from dispatch or execution to a session exit status.
// A nil error is success.
func ExitCode(err error) int {
	var herr *HandlerError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrParse):
		return ExitUsage
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrUnauthorized):
		return ExitUnauthorized
	case errors.Is(err, ErrBusy):
		return ExitBusy
	case errors.Is(err, ErrCancelled):
		return ExitCancelled
	case errors.As(err, &herr) && herr.Code != ExitOK:
		return herr.Code
	default:
		return ExitFailure
	}
}

// Message renders err as the single line written to the error stream.
func Message(err error) string {
	msg := err.Error()
	if errors.Is(err, ErrNotFound) {
		msg += "; type 'help' for a list of commands"
	}
	msg = strings.Join(strings.Fields(msg), " ")
	return "fatal: " + msg
}
