package bridge

import (
	"fmt"

	"github.com/guseggert/wsbridge/bridge/process"
	"nhooyr.io/websocket"
)

// LaunchError is returned when the child process could not be started.
type LaunchError = process.LaunchError

// TimeoutError is reported when a child had to be killed after the drain grace period.
type TimeoutError = process.TimeoutError

// ProtocolError is a session-fatal violation of the line protocol by the WebSocket peer.
type ProtocolError struct {
	// Code is the close status sent to the peer.
	Code websocket.StatusCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PumpIOError is an I/O failure in one of the session's pumps.
type PumpIOError struct {
	// Pump is the name of the failing pump, "inbound" or "outbound".
	Pump string
	Err  error
}

func (e *PumpIOError) Error() string {
	return fmt.Sprintf("%s pump: %s", e.Pump, e.Err)
}

func (e *PumpIOError) Unwrap() error { return e.Err }

// peerClosedError means the WebSocket peer went away, either with a close frame or by dropping the connection.
type peerClosedError struct {
	status websocket.StatusCode
	err    error
}

func (e *peerClosedError) Error() string {
	if e.status == -1 {
		return fmt.Sprintf("peer connection lost: %s", e.err)
	}
	return fmt.Sprintf("peer closed connection with status %d", e.status)
}

func (e *peerClosedError) Unwrap() error { return e.err }
