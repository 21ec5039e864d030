// Package lines converts between byte streams and newline-delimited text lines.
package lines

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// ErrEmbeddedNewline is returned by Encode when a message contains a line break anywhere but at its end.
var ErrEmbeddedNewline = errors.New("message contains an embedded line break")

// Policy decides what happens to unterminated data at the end of a stream.
type Policy int

const (
	// FlushPartial emits trailing unterminated data as a final line.
	FlushPartial Policy = iota
	// DiscardPartial drops trailing unterminated data.
	DiscardPartial
)

func (p Policy) String() string {
	switch p {
	case FlushPartial:
		return "flush"
	case DiscardPartial:
		return "discard"
	}
	return "unknown"
}

type Option func(s *Scanner)

func WithPolicy(p Policy) Option {
	return func(s *Scanner) {
		s.policy = p
	}
}

// Scanner lazily produces lines from a reader.
// It is not goroutine-safe; one pump owns one Scanner.
type Scanner struct {
	r      *bufio.Reader
	policy Policy

	line string
	err  error
	done bool
}

func NewScanner(r io.Reader, opts ...Option) *Scanner {
	s := &Scanner{r: bufio.NewReader(r)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Next advances to the next line, blocking until one is complete or the stream ends.
// Closing the underlying reader from another goroutine unblocks Next.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	b, err := s.r.ReadBytes('\n')
	if err == nil {
		s.line = Decode(b[:len(b)-1])
		return true
	}

	s.done = true
	if err != io.EOF {
		s.err = err
	}
	if len(b) > 0 && s.policy == FlushPartial {
		s.line = Decode(b)
		return true
	}
	s.line = ""
	return false
}

// Line returns the line produced by the last successful call to Next, without its terminator.
func (s *Scanner) Line() string { return s.line }

// Err returns the first non-EOF error seen by the scanner.
func (s *Scanner) Err() error { return s.err }

var replaceIllFormed = runes.ReplaceIllFormed()

// Decode strips one trailing CR and converts b into valid UTF-8, replacing invalid sequences with U+FFFD.
func Decode(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	if utf8.Valid(b) {
		return string(b)
	}
	out, _, err := transform.Bytes(replaceIllFormed, b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte(string(utf8.RuneError))))
	}
	return string(out)
}

// Encode converts one message into exactly one newline-terminated line.
// A single trailing LF or CRLF is tolerated and normalized; any other line break is rejected.
func Encode(msg []byte) ([]byte, error) {
	msg = bytes.TrimSuffix(msg, []byte("\n"))
	msg = bytes.TrimSuffix(msg, []byte("\r"))
	if bytes.IndexByte(msg, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}
	if !utf8.Valid(msg) {
		msg = []byte(Decode(msg))
	}
	line := make([]byte, len(msg)+1)
	copy(line, msg)
	line[len(msg)] = '\n'
	return line, nil
}
