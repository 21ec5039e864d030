package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/guseggert/wsbridge/bridge/lines"
	"nhooyr.io/websocket"
)

// binaryChunkSize is the largest binary frame sent from the child's output.
const binaryChunkSize = 32768

var errBinaryFrame = errors.New("binary frames are not accepted")

// inbound relays WebSocket messages to the child's stdin, one line per text message.
// It returns when the peer goes away, the peer violates the protocol, or stdin can no longer be written.
func (s *Session) inbound(ctx context.Context) error {
	stdin := s.proc.Stdin()
	for {
		typ, b, err := s.readMessage(ctx)
		if err != nil {
			return err
		}

		var payload []byte
		switch {
		case s.binary:
			payload = b
		case typ == websocket.MessageBinary:
			return &ProtocolError{Code: websocket.StatusUnsupportedData, Err: errBinaryFrame}
		default:
			payload, err = lines.Encode(b)
			if err != nil {
				return &ProtocolError{Code: websocket.StatusInvalidFramePayloadData, Err: err}
			}
		}

		// one write per line, so the child sees each line as soon as it arrives
		_, err = stdin.Write(payload)
		if err != nil {
			return &PumpIOError{Pump: "inbound", Err: err}
		}
	}
}

// readMessage reads one message of at most readLimit bytes. The connection's own limit is set one byte
// higher, so an oversized message ends the session here as a protocol error rather than inside the library.
func (s *Session) readMessage(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, r, err := s.conn.Reader(ctx)
	if err != nil {
		return 0, nil, &peerClosedError{status: websocket.CloseStatus(err), err: err}
	}
	b, err := io.ReadAll(io.LimitReader(r, s.readLimit+1))
	if err != nil {
		return 0, nil, &peerClosedError{status: websocket.CloseStatus(err), err: err}
	}
	if int64(len(b)) > s.readLimit {
		return 0, nil, &ProtocolError{Code: websocket.StatusMessageTooBig, Err: fmt.Errorf("message exceeds %d bytes", s.readLimit)}
	}
	return typ, b, nil
}

// outbound relays the child's stdout to the WebSocket, one text message per line.
// It returns nil once stdout reaches EOF or is closed by the supervisor.
func (s *Session) outbound(ctx context.Context) error {
	if s.binary {
		return s.outboundBinary(ctx)
	}
	sc := lines.NewScanner(s.proc.Stdout(), lines.WithPolicy(s.policy))
	for sc.Next() {
		err := s.conn.Write(ctx, websocket.MessageText, []byte(sc.Line()))
		if err != nil {
			return &PumpIOError{Pump: "outbound", Err: err}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &PumpIOError{Pump: "outbound", Err: err}
	}
	return nil
}

func (s *Session) outboundBinary(ctx context.Context) error {
	buf := make([]byte, binaryChunkSize)
	stdout := s.proc.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			werr := s.conn.Write(ctx, websocket.MessageBinary, buf[:n])
			if werr != nil {
				return &PumpIOError{Pump: "outbound", Err: werr}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return &PumpIOError{Pump: "outbound", Err: err}
		}
	}
}

// diagnostics logs the child's stderr. Nothing written to stderr reaches the peer.
func (s *Session) diagnostics() {
	sc := lines.NewScanner(s.proc.Stderr())
	for sc.Next() {
		s.log.Warnw("stderr", "line", sc.Line())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Debugf("error reading stderr: %s", err)
	}
}
