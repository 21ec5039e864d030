package lines

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s *Scanner) []string {
	var out []string
	for s.Next() {
		out = append(out, s.Line())
	}
	return out
}

func TestScanner(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		policy Policy
		exp    []string
	}{
		{
			name:  "empty stream",
			input: "",
		},
		{
			name:  "terminated lines",
			input: "1\n2\n3\n",
			exp:   []string{"1", "2", "3"},
		},
		{
			name:  "empty lines are kept",
			input: "a\n\nb\n",
			exp:   []string{"a", "", "b"},
		},
		{
			name:  "CRLF is stripped",
			input: "a\r\nb\r\n",
			exp:   []string{"a", "b"},
		},
		{
			name:  "only one trailing CR is stripped",
			input: "a\r\r\n",
			exp:   []string{"a\r"},
		},
		{
			name:  "partial trailing line is flushed by default",
			input: "a\nb",
			exp:   []string{"a", "b"},
		},
		{
			name:   "partial trailing line is discarded",
			input:  "a\nb",
			policy: DiscardPartial,
			exp:    []string{"a"},
		},
		{
			name:  "invalid UTF-8 is replaced",
			input: "ok\xff\xfe\n",
			exp:   []string{"ok��"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewScanner(strings.NewReader(c.input), WithPolicy(c.policy))
			assert.Equal(t, c.exp, collect(s))
			assert.NoError(t, s.Err())
			assert.False(t, s.Next())
		})
	}
}

func TestScannerUnblocksOnClose(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	s := NewScanner(r)
	_, err = io.WriteString(w, "first\n")
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, "first", s.Line())

	done := make(chan bool)
	go func() { done <- s.Next() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case more := <-done:
		assert.False(t, more)
		assert.Error(t, s.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("scanner did not unblock after the reader was closed")
	}
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name   string
		msg    string
		exp    string
		expErr error
	}{
		{name: "plain", msg: "hello", exp: "hello\n"},
		{name: "empty", msg: "", exp: "\n"},
		{name: "trailing LF tolerated", msg: "hello\n", exp: "hello\n"},
		{name: "trailing CRLF tolerated", msg: "hello\r\n", exp: "hello\n"},
		{name: "embedded LF rejected", msg: "a\nb", expErr: ErrEmbeddedNewline},
		{name: "two trailing LFs rejected", msg: "a\n\n", expErr: ErrEmbeddedNewline},
		{name: "invalid UTF-8 replaced", msg: "a\xffb", exp: "a�b\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode([]byte(c.msg))
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, string(b))
		})
	}
}
