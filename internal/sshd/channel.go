// ABOUTME: Session channel handling: env, pty, exec, shell and signal requests
// ABOUTME: Builds the session for a channel and runs one command or a line REPL

package sshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/session"
	"github.com/2389/coven-sshd/internal/stream"
)

// RFC 4254 request payloads.
type (
	envRequest struct {
		Name  string
		Value string
	}
	ptyRequest struct {
		Term    string
		Columns uint32
		Rows    uint32
		Width   uint32
		Height  uint32
		Modes   string
	}
	windowChangeRequest struct {
		Columns uint32
		Rows    uint32
		Width   uint32
		Height  uint32
	}
	execRequest struct {
		Command string
	}
	signalRequest struct {
		Signal string
	}
	exitStatus struct {
		Status uint32
	}
)

type startRequest struct {
	shell bool
	line  string
}

// channel is the per-channel state shared between the request loop and the
// goroutine running the command or shell.
type channel struct {
	c  *connection
	ch ssh.Channel

	mu      sync.Mutex
	env     map[string]string
	pty     *ptyRequest
	term    *term.Terminal
	started bool
	current *executor.Handle
}

func (c *connection) handleChannel(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &channel{c: c, ch: ch, env: make(map[string]string)}
	start := make(chan startRequest, 1)

	go func() {
		// A closed request stream means the client closed the channel
		defer cancel()
		for req := range reqs {
			st.handleRequest(req, start)
		}
	}()

	select {
	case sr := <-start:
		code := st.run(ctx, sr)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
	case <-ctx.Done():
	}
}

func (st *channel) handleRequest(req *ssh.Request, start chan<- startRequest) {
	ok := false
	switch req.Type {
	case "env":
		var r envRequest
		if ssh.Unmarshal(req.Payload, &r) == nil {
			ok = st.setEnv(r.Name, r.Value)
		}
	case "pty-req":
		var r ptyRequest
		if ssh.Unmarshal(req.Payload, &r) == nil {
			ok = st.setPty(&r)
		}
	case "window-change":
		var r windowChangeRequest
		if ssh.Unmarshal(req.Payload, &r) == nil {
			st.resize(int(r.Columns), int(r.Rows))
			ok = true
		}
	case "shell":
		ok = st.claimStart()
		if ok {
			start <- startRequest{shell: true}
		}
	case "exec":
		var r execRequest
		if ssh.Unmarshal(req.Payload, &r) == nil && st.claimStart() {
			ok = true
			start <- startRequest{line: r.Command}
		}
	case "signal":
		var r signalRequest
		if ssh.Unmarshal(req.Payload, &r) == nil {
			ok = st.signal(r.Signal)
		}
	default:
		st.c.logger.Debug("refusing channel request", "type", req.Type)
	}
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func (st *channel) setEnv(name, value string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.started || name == "" {
		return false
	}
	st.env[name] = value
	return true
}

func (st *channel) setPty(r *ptyRequest) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.started {
		return false
	}
	st.pty = r
	if r.Term != "" {
		st.env["TERM"] = r.Term
	}
	return true
}

func (st *channel) resize(cols, rows int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pty != nil {
		st.pty.Columns, st.pty.Rows = uint32(cols), uint32(rows)
	}
	if st.term != nil && cols > 0 && rows > 0 {
		_ = st.term.SetSize(cols, rows)
	}
}

func (st *channel) claimStart() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.started {
		return false
	}
	st.started = true
	return true
}

// signal cancels the command currently running on this channel.
func (st *channel) signal(name string) bool {
	switch name {
	case "INT", "TERM", "HUP", "KILL":
	default:
		return false
	}
	st.mu.Lock()
	h := st.current
	st.mu.Unlock()
	if h == nil {
		return false
	}
	st.c.logger.Info("signal received", "signal", name, "invocation", h.ID())
	h.Cancel()
	return true
}

func (st *channel) setCurrent(h *executor.Handle) {
	st.mu.Lock()
	st.current = h
	st.mu.Unlock()
}

func (st *channel) run(ctx context.Context, sr startRequest) int {
	srv := st.c.srv

	caps, err := srv.cfg.Auth.Capabilities(ctx, st.c.identity.PrincipalID)
	if err != nil {
		st.c.logger.Error("loading capabilities", "error", err)
		fmt.Fprintf(st.ch.Stderr(), "fatal: cannot load capabilities for %s\n", st.c.identity.PrincipalID)
		return command.ExitFailure
	}

	st.mu.Lock()
	env := make(map[string]string, len(st.env))
	for k, v := range st.env {
		env[k] = v
	}
	pty := st.pty
	st.mu.Unlock()

	cfg := session.Config{
		Principal:    st.c.identity.PrincipalID,
		Fingerprint:  st.c.identity.Fingerprint,
		RemoteAddr:   st.c.conn.RemoteAddr().String(),
		Capabilities: caps,
		Env:          env,
	}

	if !sr.shell {
		return st.runExec(ctx, cfg, sr.line)
	}
	return st.runShell(ctx, cfg, pty)
}

func (st *channel) runExec(ctx context.Context, cfg session.Config, line string) int {
	in := stream.NewInput(st.ch)
	defer in.Close()

	cfg.Streams = stream.Streams{
		In:      in,
		Out:     st.ch,
		Err:     st.ch.Stderr(),
		Release: func() { _ = st.ch.CloseWrite() },
		Abort:   func() { _ = st.ch.Close() },
	}
	sess := session.New(ctx, cfg)
	defer sess.Close()

	st.c.logger.Debug("exec", "session", sess.ID(), "line", line)
	return st.dispatch(sess, line)
}

func (st *channel) runShell(ctx context.Context, cfg session.Config, pty *ptyRequest) int {
	srv := st.c.srv

	var (
		in        *stream.Input
		out, errw *busyWriter
		t         *term.Terminal
	)
	if pty != nil {
		t = term.NewTerminal(st.ch, "")
		if pty.Columns > 0 && pty.Rows > 0 {
			_ = t.SetSize(int(pty.Columns), int(pty.Rows))
		}
		st.mu.Lock()
		st.term = t
		st.mu.Unlock()

		in = stream.NewInput(&terminalReader{t: t})
		out = &busyWriter{w: t}
		errw = out
	} else {
		in = stream.NewInput(st.ch)
		out = &busyWriter{w: st.ch}
		errw = &busyWriter{w: st.ch.Stderr()}
	}
	defer in.Close()

	cfg.Streams = stream.Streams{
		In:  in,
		Out: out,
		Err: errw,
		// The shell outlives each command; only a write wedged in the
		// transport justifies dropping the channel.
		Abort: func() {
			if out.busy() || errw.busy() {
				st.c.logger.Warn("closing channel with a stuck write")
				_ = st.ch.Close()
			}
		},
	}
	sess := session.New(ctx, cfg)
	defer sess.Close()

	st.c.logger.Info("shell started", "session", sess.ID(), "pty", pty != nil)
	if srv.cfg.Banner != "" {
		_, _ = io.WriteString(out, strings.TrimRight(srv.cfg.Banner, "\n")+"\n")
	}

	lease := in.Lease()
	defer lease.Close()

	limit := srv.cfg.MaxLineLength
	code := command.ExitOK
	for sess.Context().Err() == nil {
		if t != nil {
			t.SetPrompt(srv.cfg.Prompt)
		}
		line, err := lease.ReadLine(limit + 1)
		if errors.Is(err, stream.ErrLineTooLong) {
			perr := &command.ParseError{Offset: limit, Reason: fmt.Sprintf("line longer than %d bytes", limit)}
			_, _ = io.WriteString(errw, command.Message(perr)+"\n")
			code = command.ExitCode(perr)
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case trimmed == "exit" || trimmed == "logout":
			return code
		default:
			if t != nil {
				t.SetPrompt("")
			}
			code = st.dispatch(sess, line)
		}

		if err != nil {
			break
		}
	}
	st.c.logger.Info("shell ended", "session", sess.ID())
	return code
}

// dispatch runs one line and waits for it.
func (st *channel) dispatch(sess *session.Session, line string) int {
	h, err := st.c.srv.cfg.Dispatcher.Dispatch(sess.Context(), sess, line)
	if err != nil {
		return command.ExitCode(err)
	}
	st.setCurrent(h)
	defer st.setCurrent(nil)
	return h.Join().Code
}

// terminalReader feeds lines edited by the terminal into the input pump.
type terminalReader struct {
	t   *term.Terminal
	buf []byte
}

func (r *terminalReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		line, err := r.t.ReadLine()
		if err != nil {
			return 0, err
		}
		r.buf = append([]byte(line), '\n')
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// busyWriter remembers whether a write is in flight.
type busyWriter struct {
	w        io.Writer
	inflight atomic.Int32
}

func (b *busyWriter) Write(p []byte) (int, error) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	return b.w.Write(p)
}

func (b *busyWriter) busy() bool { return b.inflight.Load() > 0 }
