// ABOUTME: Bridge exposes a session's stdin/stdout/stderr to a command handler
// ABOUTME: Writes are ordered and flushed; closing happens exactly once per invocation

package stream

import (
	"io"
	"sync"
	"sync/atomic"
)

// Streams is the transport side of a session as handed over by the session
// provider. Release runs once when a bridge over these streams closes; Abort
// runs when a bridge is torn down forcibly and should unblock transport I/O.
// Both hooks are optional.
type Streams struct {
	In      *Input
	Out     io.Writer
	Err     io.Writer
	Release func()
	Abort   func()
}

type flusher interface {
	Flush() error
}

// Bridge lends Streams to one handler.
type Bridge struct {
	streams Streams
	stdin   io.Reader
	lease   *Lease

	// wmu orders writes across stdout and stderr.
	wmu    sync.Mutex
	closed atomic.Bool

	closeOnce sync.Once
	abortOnce sync.Once

	stdout *bridgeWriter
	stderr *bridgeWriter
}

// NewBridge opens a bridge over s. A nil In reads as immediate EOF; nil
// writers discard.
func NewBridge(s Streams) *Bridge {
	b := &Bridge{streams: s}
	if s.In != nil {
		b.lease = s.In.Lease()
		b.stdin = b.lease
	} else {
		b.stdin = eofReader{}
	}
	b.stdout = &bridgeWriter{b: b, w: s.Out}
	b.stderr = &bridgeWriter{b: b, w: s.Err}
	return b
}

// Stdin returns the handler's input.
func (b *Bridge) Stdin() io.Reader { return b.stdin }

// Stdout returns the handler's output.
func (b *Bridge) Stdout() io.Writer { return b.stdout }

// Stderr returns the handler's error output.
func (b *Bridge) Stderr() io.Writer { return b.stderr }

// Closed reports whether Close has run.
func (b *Bridge) Closed() bool { return b.closed.Load() }

// Close ends the handler's access to the streams. It never blocks on a write
// in progress and runs its effects exactly once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.lease != nil {
			b.lease.Close()
		}
		if b.streams.Release != nil {
			b.streams.Release()
		}
	})
}

// Abort closes the bridge and asks the transport to unblock any I/O still
// in flight.
func (b *Bridge) Abort() {
	b.Close()
	b.abortOnce.Do(func() {
		if b.streams.Abort != nil {
			b.streams.Abort()
		}
	})
}

type bridgeWriter struct {
	b *Bridge
	w io.Writer
}

func (w *bridgeWriter) Write(p []byte) (int, error) {
	if w.b.closed.Load() {
		return 0, ErrClosed
	}

	w.b.wmu.Lock()
	defer w.b.wmu.Unlock()

	if w.b.closed.Load() {
		return 0, ErrClosed
	}
	if w.w == nil {
		return len(p), nil
	}
	n, err := w.w.Write(p)
	if err != nil {
		return n, err
	}
	if f, ok := w.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
