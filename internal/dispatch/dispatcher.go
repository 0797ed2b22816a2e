// ABOUTME: Dispatcher runs parse, resolve, authorize and launch for one line
// ABOUTME: Rejections are written to the session's error stream, logged and reported

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/session"
)

const (
	DefaultParseTimeout  = time.Second
	DefaultMaxLineLength = 64 * 1024
)

// Resolver finds the descriptor for a command name.
type Resolver interface {
	Lookup(name string) (command.Descriptor, error)
}

// Launcher schedules an authorized invocation.
type Launcher interface {
	Launch(ctx context.Context, req executor.Request) (*executor.Handle, error)
}

// Rejection describes a line that never became an invocation.
type Rejection struct {
	SessionID string
	Principal string
	Line      string
	Command   string
	Err       error
	Code      int
	TraceID   string
	SpanID    string
}

// Config configures a Dispatcher.
type Config struct {
	Resolver      Resolver
	Launcher      Launcher
	ParseTimeout  time.Duration
	MaxLineLength int
	Logger        *slog.Logger
	// OnReject is called for every line rejected before launch.
	OnReject func(context.Context, Rejection)
}

// Dispatcher is safe for concurrent use by many sessions.
type Dispatcher struct {
	resolver      Resolver
	launcher      Launcher
	parseTimeout  time.Duration
	maxLineLength int
	onReject      func(context.Context, Rejection)
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("dispatch: resolver is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("dispatch: launcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		resolver:      cfg.Resolver,
		launcher:      cfg.Launcher,
		parseTimeout:  cfg.ParseTimeout,
		maxLineLength: cfg.MaxLineLength,
		onReject:      cfg.OnReject,
		logger:        logger.With("component", "dispatch"),
		tracer:        otel.Tracer("github.com/2389/coven-sshd/internal/dispatch"),
	}
	if d.parseTimeout <= 0 {
		d.parseTimeout = DefaultParseTimeout
	}
	if d.maxLineLength <= 0 {
		d.maxLineLength = DefaultMaxLineLength
	}
	return d, nil
}

// Dispatch parses, resolves, authorizes and launches line for sess. It
// returns once the invocation is scheduled; use the handle to join it.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, line string) (*executor.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("coven.session.id", sess.ID()),
			attribute.String("coven.principal", sess.Principal()),
		),
	)
	defer span.End()

	unlock := sess.LockDispatch()
	defer unlock()

	args, err := d.parse(ctx, line)
	if err != nil {
		return nil, d.reject(ctx, sess, line, "", err)
	}
	name := args[0]
	span.SetAttributes(attribute.String("coven.command", name))

	desc, err := d.resolver.Lookup(name)
	if err != nil {
		if !errors.Is(err, command.ErrNotFound) {
			err = fmt.Errorf("resolving %s: %w", name, err)
		}
		return nil, d.reject(ctx, sess, line, name, err)
	}

	if dec := command.Authorize(sess, desc); !dec.Allowed {
		return nil, d.reject(ctx, sess, line, name, &command.UnauthorizedError{
			Command:   name,
			Principal: sess.Principal(),
			Missing:   dec.Missing,
		})
	}

	h, err := d.launcher.Launch(ctx, executor.Request{
		Session:    sess,
		Descriptor: desc,
		Args:       args[1:],
		Line:       line,
	})
	if err != nil {
		return nil, d.reject(ctx, sess, line, name, err)
	}
	span.SetAttributes(attribute.String("coven.invocation.id", h.ID()))
	return h, nil
}

func (d *Dispatcher) parse(ctx context.Context, line string) ([]string, error) {
	if len(line) > d.maxLineLength {
		return nil, &command.ParseError{
			Offset: d.maxLineLength,
			Reason: fmt.Sprintf("line longer than %d bytes", d.maxLineLength),
		}
	}
	ctx, cancel := context.WithTimeout(ctx, d.parseTimeout)
	defer cancel()
	return Tokenize(ctx, line)
}

func (d *Dispatcher) reject(ctx context.Context, sess *session.Session, line, name string, err error) error {
	code := command.ExitCode(err)
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "rejected")

	if w := sess.Streams().Err; w != nil {
		_, _ = io.WriteString(w, command.Message(err)+"\n")
	}

	level := slog.LevelInfo
	if errors.Is(err, command.ErrUnauthorized) {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "command rejected",
		"session", sess.ID(),
		"principal", sess.Principal(),
		"command", name,
		"exit_code", code,
		"error", err,
	)

	if d.onReject != nil {
		r := Rejection{
			SessionID: sess.ID(),
			Principal: sess.Principal(),
			Line:      line,
			Command:   name,
			Err:       err,
			Code:      code,
		}
		if sc := span.SpanContext(); sc.IsValid() {
			r.TraceID = sc.TraceID().String()
			r.SpanID = sc.SpanID().String()
		}
		d.onReject(ctx, r)
	}
	return err
}
