// ABOUTME: Shell-like tokenizer for command lines
// ABOUTME: Single quotes are literal, double quotes honour a few escapes, backslash escapes outside quotes

package dispatch

import (
	"context"
	"strings"

	"github.com/2389/coven-sshd/internal/command"
)

// ctxCheckInterval is how many bytes are scanned between context checks.
const ctxCheckInterval = 256

// Tokenize splits line into words. It fails with a *command.ParseError when
// quoting is unbalanced, the line ends in a backslash, the line has no words,
// or ctx ends first.
func Tokenize(ctx context.Context, line string) ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
		quote  byte
		qstart int
	)

	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(line); i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &command.ParseError{Offset: i, Reason: "parse timed out"}
			}
		}
		c := line[i]
		if c == 0 {
			return nil, &command.ParseError{Offset: i, Reason: "NUL byte in command line"}
		}

		switch quote {
		case '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
			continue
		case '"':
			switch {
			case c == '"':
				quote = 0
			case c == '\\' && i+1 < len(line) && isDoubleQuoteEscape(line[i+1]):
				i++
				cur.WriteByte(line[i])
			default:
				cur.WriteByte(c)
			}
			continue
		}

		switch {
		case isSpace(c):
			flush()
		case c == '\'' || c == '"':
			quote, qstart, inWord = c, i, true
		case c == '\\':
			if i+1 == len(line) {
				return nil, &command.ParseError{Offset: i, Reason: "trailing backslash"}
			}
			i++
			cur.WriteByte(line[i])
			inWord = true
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, &command.ParseError{Offset: qstart, Reason: "unterminated " + quoteName(quote) + " quote"}
	}
	flush()
	if len(words) == 0 {
		return nil, &command.ParseError{Offset: 0, Reason: "empty command line"}
	}
	return words, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDoubleQuoteEscape(c byte) bool {
	return c == '"' || c == '\\' || c == '$' || c == '`'
}

func quoteName(q byte) string {
	if q == '\'' {
		return "single"
	}
	return "double"
}
