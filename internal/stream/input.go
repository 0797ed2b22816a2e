// ABOUTME: Demand-driven input pump that lends a transport reader to one lease at a time
// ABOUTME: Closing a lease unblocks its reader without losing bytes for the next consumer

package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrClosed is returned by reads and writes on a closed lease or bridge.
var ErrClosed = errors.New("stream closed")

// ErrLineTooLong is returned by ReadLine for lines over the caller's limit.
var ErrLineTooLong = errors.New("line too long")

const pumpBufferSize = 32 * 1024

// Input multiplexes a single transport reader across successive consumers.
type Input struct {
	src    io.Reader
	demand chan struct{}
	chunks chan []byte
	stop   chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	pending []byte
	err     error
}

// NewInput starts the pump for r. The pump only reads when a lease asks.
func NewInput(r io.Reader) *Input {
	in := &Input{
		src:    r,
		demand: make(chan struct{}, 1),
		chunks: make(chan []byte),
		stop:   make(chan struct{}),
	}
	go in.pump()
	return in
}

func (in *Input) pump() {
	defer close(in.chunks)

	buf := make([]byte, pumpBufferSize)
	for {
		select {
		case <-in.demand:
		case <-in.stop:
			return
		}

		n, err := in.src.Read(buf)
		for n == 0 && err == nil {
			n, err = in.src.Read(buf)
		}
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case in.chunks <- chunk:
			case <-in.stop:
				return
			}
		}
		if err != nil {
			in.mu.Lock()
			in.err = err
			in.mu.Unlock()
			return
		}
	}
}

// Close stops the pump. A Read already blocked in the transport returns when
// the transport does; its bytes are discarded.
func (in *Input) Close() {
	in.stopOnce.Do(func() { close(in.stop) })
}

// Lease returns a reader over the input. Only one lease should read at a time.
func (in *Input) Lease() *Lease {
	return &Lease{in: in, closed: make(chan struct{})}
}

func (in *Input) takePending(p []byte) (int, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.pending) == 0 {
		return 0, false
	}
	n := copy(p, in.pending)
	in.pending = in.pending[n:]
	return n, true
}

func (in *Input) keep(rest []byte) {
	in.mu.Lock()
	in.pending = append(in.pending, rest...)
	in.mu.Unlock()
}

// unread puts p back in front of anything already pending.
func (in *Input) unread(p []byte) {
	if len(p) == 0 {
		return
	}
	in.mu.Lock()
	in.pending = append(append([]byte(nil), p...), in.pending...)
	in.mu.Unlock()
}

func (in *Input) terminalErr() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err == nil {
		return ErrClosed
	}
	return in.err
}

// Lease is one consumer's view of an Input.
type Lease struct {
	in        *Input
	closed    chan struct{}
	closeOnce sync.Once
}

// Read implements io.Reader. It returns ErrClosed once the lease is closed and
// the transport's error (usually io.EOF) once the input is exhausted.
func (l *Lease) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case <-l.closed:
		return 0, ErrClosed
	default:
	}

	if n, ok := l.in.takePending(p); ok {
		return n, nil
	}

	select {
	case l.in.demand <- struct{}{}:
	default:
	}

	select {
	case chunk, ok := <-l.in.chunks:
		if !ok {
			return 0, l.in.terminalErr()
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			l.in.keep(chunk[n:])
		}
		return n, nil
	case <-l.closed:
		return 0, ErrClosed
	}
}

// Close unblocks a pending Read. Safe to call multiple times.
func (l *Lease) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// ReadLine reads up to and including the next '\n' and returns the line
// without its terminator (a trailing '\r' is dropped as well). Bytes after the
// newline stay in the input for whoever reads next. A final line without a
// newline is returned together with the terminal error. Lines longer than max
// bytes fail with ErrLineTooLong after the rest of the line is discarded.
// If the lease closes mid-line the partial line is returned to the input.
func (l *Lease) ReadLine(max int) (string, error) {
	var line []byte
	buf := make([]byte, 4096)
	overflow := false
	for {
		n, err := l.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
				l.in.unread(chunk[i+1:])
				chunk = chunk[:i]
				if !overflow {
					line = append(line, chunk...)
				}
				if overflow || (max > 0 && len(line) > max) {
					return "", ErrLineTooLong
				}
				return strings.TrimSuffix(string(line), "\r"), nil
			}
			if !overflow {
				line = append(line, chunk...)
				if max > 0 && len(line) > max {
					overflow = true
					line = nil
				}
			}
		}
		if err != nil {
			if overflow {
				return "", ErrLineTooLong
			}
			if errors.Is(err, ErrClosed) {
				// The next lease picks up the partial line.
				l.in.unread(line)
				return "", err
			}
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return strings.TrimSuffix(string(line), "\r"), err
			}
			return "", err
		}
	}
}
