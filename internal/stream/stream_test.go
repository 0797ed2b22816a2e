// ABOUTME: Tests for the input pump, leases and the handler-facing bridge
// ABOUTME: Covers unblocking on close, no data loss between leases, and write ordering

package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_ReadsUntilEOF(t *testing.T) {
	in := NewInput(strings.NewReader("hello world"))
	defer in.Close()

	data, err := io.ReadAll(in.Lease())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLease_KeepsLeftoverForNextRead(t *testing.T) {
	in := NewInput(strings.NewReader("abcdef"))
	defer in.Close()

	first := in.Lease()
	buf := make([]byte, 3)
	n, err := first.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	first.Close()

	second := in.Lease()
	n, err = second.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf[:n]))
}

func TestLease_ReadLineLeavesRestForNextLease(t *testing.T) {
	in := NewInput(strings.NewReader("help\r\nwhoami\npartial"))
	defer in.Close()

	repl := in.Lease()
	line, err := repl.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "help", line)

	// A handler lease sees the bytes the shell did not consume
	handler := in.Lease()
	line, err = handler.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "whoami", line)
	handler.Close()

	line, err = repl.ReadLine(0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "partial", line)
}

func TestLease_ReadLineTooLong(t *testing.T) {
	in := NewInput(strings.NewReader(strings.Repeat("x", 100) + "\nnext\n"))
	defer in.Close()

	l := in.Lease()
	_, err := l.ReadLine(10)
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err := l.ReadLine(10)
	require.NoError(t, err)
	assert.Equal(t, "next", line)
}

func TestLease_ReadLineClosedMidLineKeepsPartial(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	in := NewInput(pr)
	defer in.Close()

	first := in.Lease()
	errCh := make(chan error, 1)
	go func() {
		_, err := first.ReadLine(0)
		errCh <- err
	}()

	_, err := pw.Write([]byte("par"))
	require.NoError(t, err)
	first.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadLine did not return after Close")
	}

	go func() { _, _ = pw.Write([]byte("tial\nrest\n")) }()
	line, err := in.Lease().ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "partial", line)
}

func TestLines_UsesLeaseDirectly(t *testing.T) {
	in := NewInput(strings.NewReader("one\ntwo\n"))
	defer in.Close()

	l := in.Lease()
	assert.Same(t, l, Lines(l))

	line, err := Lines(l).ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	l.Close()

	rest, err := io.ReadAll(in.Lease())
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(rest))
}

func TestLines_BufferedReader(t *testing.T) {
	lr := Lines(strings.NewReader("a\r\n" + strings.Repeat("x", 20) + "\nlast"))

	line, err := lr.ReadLine(10)
	require.NoError(t, err)
	assert.Equal(t, "a", line)

	_, err = lr.ReadLine(10)
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err = lr.ReadLine(10)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "last", line)

	_, err = lr.ReadLine(10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLease_CloseUnblocksPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	in := NewInput(pr)
	defer in.Close()

	lease := in.Lease()
	errCh := make(chan error, 1)
	go func() {
		_, err := lease.Read(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestLease_BytesAfterCloseGoToNextLease(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	in := NewInput(pr)
	defer in.Close()

	abandoned := in.Lease()
	done := make(chan struct{})
	go func() {
		_, _ = abandoned.Read(make([]byte, 16))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	abandoned.Close()
	<-done

	go func() { _, _ = pw.Write([]byte("next line\n")) }()

	next := in.Lease()
	buf := make([]byte, 64)
	n, err := next.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "next line\n", string(buf[:n]))
}

func TestLease_ReadAfterCloseFails(t *testing.T) {
	in := NewInput(strings.NewReader("data"))
	defer in.Close()

	lease := in.Lease()
	lease.Close()
	lease.Close()

	_, err := lease.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() error {
	f.flushes++
	return nil
}

func TestBridge_WritesInOrderAndFlushes(t *testing.T) {
	out := &flushRecorder{}
	b := NewBridge(Streams{Out: out, Err: out})

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(b.Stdout(), "out\n")
		require.NoError(t, err)
		_, err = io.WriteString(b.Stderr(), "err\n")
		require.NoError(t, err)
	}

	assert.Equal(t, "out\nerr\nout\nerr\nout\nerr\n", out.String())
	assert.Equal(t, 6, out.flushes)
}

func TestBridge_CloseIsExactlyOnce(t *testing.T) {
	var releases, aborts int
	var mu sync.Mutex
	b := NewBridge(Streams{
		In:      NewInput(strings.NewReader("")),
		Out:     io.Discard,
		Release: func() { mu.Lock(); releases++; mu.Unlock() },
		Abort:   func() { mu.Lock(); aborts++; mu.Unlock() },
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Close()
			b.Abort()
		}()
	}
	wg.Wait()

	assert.True(t, b.Closed())
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, aborts)

	_, err := b.Stdout().Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Stdin().Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBridge_NilStreams(t *testing.T) {
	b := NewBridge(Streams{})
	defer b.Close()

	n, err := b.Stdout().Write([]byte("discarded"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = b.Stdin().Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
