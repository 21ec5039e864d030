package bridge

import (
	"strings"
	"syscall"
	"testing"
	"unicode/utf8"

	"github.com/guseggert/wsbridge/bridge/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestCloseCodeMappings(t *testing.T) {
	cases := []struct {
		name        string
		res         process.Result
		expPrivate  websocket.StatusCode
		expInternal websocket.StatusCode
		expReason   string
	}{
		{name: "success", res: process.Result{ExitCode: 0}, expPrivate: websocket.StatusNormalClosure, expInternal: websocket.StatusNormalClosure},
		{name: "exit 1", res: process.Result{ExitCode: 1}, expPrivate: 4001, expInternal: websocket.StatusInternalError, expReason: "process exited with code 1"},
		{name: "exit 255", res: process.Result{ExitCode: 255}, expPrivate: 4255, expInternal: websocket.StatusInternalError},
		{name: "out of range", res: process.Result{ExitCode: 1000}, expPrivate: websocket.StatusInternalError, expInternal: websocket.StatusInternalError},
		{
			name:        "signal",
			res:         process.Result{ExitCode: -1, Signal: syscall.SIGTERM},
			expPrivate:  websocket.StatusInternalError,
			expInternal: websocket.StatusInternalError,
			expReason:   "process terminated by signal: terminated",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, reason := PrivateRangeMapping(c.res)
			assert.Equal(t, c.expPrivate, code)
			if c.expReason != "" {
				assert.Equal(t, c.expReason, reason)
			}
			code, _ = InternalErrorMapping(c.res)
			assert.Equal(t, c.expInternal, code)
		})
	}
}

func TestExitCodeFromStatus(t *testing.T) {
	for exit := 0; exit < 256; exit++ {
		code, _ := PrivateRangeMapping(process.Result{ExitCode: exit})
		assert.Equal(t, exit, ExitCodeFromStatus(code))
	}
	assert.Equal(t, 1, ExitCodeFromStatus(websocket.StatusInternalError))
	assert.Equal(t, 1, ExitCodeFromStatus(websocket.StatusGoingAway))
}

func TestCloseCodeMappingByName(t *testing.T) {
	for _, name := range []string{"", "private", "internal"} {
		m, err := CloseCodeMappingByName(name)
		require.NoError(t, err)
		assert.NotNil(t, m)
	}
	_, err := CloseCodeMappingByName("bogus")
	assert.Error(t, err)
}

func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("x", 200)
	assert.Len(t, truncateReason(long), maxReasonLen)
	assert.Equal(t, "short", truncateReason("short"))

	multibyte := truncateReason("x" + strings.Repeat("é", 60))
	assert.Len(t, multibyte, maxReasonLen-1)
	assert.True(t, utf8.ValidString(multibyte))
}
