package bridge

import (
	"fmt"
	"unicode/utf8"

	"github.com/guseggert/wsbridge/bridge/process"
	"nhooyr.io/websocket"
)

// maxReasonLen keeps close reasons under the 123 byte limit of a close frame.
const maxReasonLen = 100

// CloseCodeMapping maps a child's exit to the close status and reason sent to the peer.
type CloseCodeMapping func(res process.Result) (websocket.StatusCode, string)

// PrivateRangeMapping closes normally on exit code 0, with 4000+code for exit codes 1-999,
// and with an internal error for signals and anything else.
func PrivateRangeMapping(res process.Result) (websocket.StatusCode, string) {
	switch {
	case res.Signaled():
		return websocket.StatusInternalError, fmt.Sprintf("process terminated by signal: %s", res.Signal)
	case res.ExitCode == 0:
		return websocket.StatusNormalClosure, ""
	case res.ExitCode > 0 && res.ExitCode < 1000:
		return websocket.StatusCode(4000 + res.ExitCode), fmt.Sprintf("process exited with code %d", res.ExitCode)
	}
	return websocket.StatusInternalError, fmt.Sprintf("process exited with code %d", res.ExitCode)
}

// InternalErrorMapping closes normally on exit code 0 and with an internal error otherwise.
func InternalErrorMapping(res process.Result) (websocket.StatusCode, string) {
	code, reason := PrivateRangeMapping(res)
	if code == websocket.StatusNormalClosure {
		return code, reason
	}
	return websocket.StatusInternalError, reason
}

// CloseCodeMappingByName returns the mapping called name: "private" or "internal".
func CloseCodeMappingByName(name string) (CloseCodeMapping, error) {
	switch name {
	case "", "private":
		return PrivateRangeMapping, nil
	case "internal":
		return InternalErrorMapping, nil
	}
	return nil, fmt.Errorf("unknown exit code mapping %q", name)
}

// ExitCodeFromStatus inverts PrivateRangeMapping, for clients that want to reproduce the child's exit code.
func ExitCodeFromStatus(code websocket.StatusCode) int {
	switch {
	case code == websocket.StatusNormalClosure:
		return 0
	case code > 4000 && code < 5000:
		return int(code) - 4000
	}
	return 1
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
