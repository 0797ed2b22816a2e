// ABOUTME: Line-at-a-time reading for handlers that consume stdin by lines
// ABOUTME: Leases read exactly one line so type-ahead stays with the session

package stream

import (
	"bufio"
	"io"
	"strings"
)

// LineReader reads one line per call, without its terminator.
type LineReader interface {
	ReadLine(max int) (string, error)
}

// Lines returns a LineReader over r. A Lease is returned as is, so bytes
// after each line remain available to whoever reads the session next. Any
// other reader is buffered; it has no later consumer to hand bytes to.
func Lines(r io.Reader) LineReader {
	if lr, ok := r.(LineReader); ok {
		return lr
	}
	return &bufferedLines{r: bufio.NewReader(r)}
}

type bufferedLines struct {
	r *bufio.Reader
}

func (b *bufferedLines) ReadLine(max int) (string, error) {
	line, err := b.r.ReadString('\n')
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	if max > 0 && len(line) > max {
		return "", ErrLineTooLong
	}
	if err != nil && line == "" {
		return "", err
	}
	return line, err
}
