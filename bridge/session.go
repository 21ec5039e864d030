package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/wsbridge/bridge/env"
	"github.com/guseggert/wsbridge/bridge/lines"
	"github.com/guseggert/wsbridge/bridge/process"
	inet "github.com/guseggert/wsbridge/internal/net"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// reverseLookupTimeout bounds the REMOTE_HOST lookup during the handshake.
const reverseLookupTimeout = 2 * time.Second

// Session is one WebSocket connection bridged to one child process.
type Session struct {
	// ID is unique per session and is exported to the child as UNIQUE_ID.
	ID string
	// Seq numbers sessions in the order the server accepted them.
	Seq uint64

	log      *zap.SugaredLogger
	conn     *websocket.Conn
	req      *http.Request
	script   script
	cfg      *Config
	mapping  CloseCodeMapping
	policy   lines.Policy
	resolver inet.Resolver
	binary    bool
	readLimit int64
	grace     time.Duration

	state atomic.Int32
	proc  *process.Handle
	start time.Time

	closeOnce   sync.Once
	closeStatus websocket.StatusCode
	closeReason string

	done   chan struct{}
	result process.Result
	err    error
}

func newSession(srv *Server, conn *websocket.Conn, req *http.Request, sc script) *Session {
	id := uuid.New().String()
	s := &Session{
		ID:       id,
		Seq:      srv.seq.Add(1),
		log:      srv.log.Named("session").With("id", id, "remote", req.RemoteAddr),
		conn:     conn,
		req:      req,
		script:   sc,
		cfg:      &srv.cfg,
		mapping:  srv.mapping,
		policy:   srv.policy,
		resolver: srv.resolver,
		binary:    srv.cfg.Binary,
		readLimit: srv.cfg.ReadLimit,
		grace:     srv.cfg.GracePeriod,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debugw("state change", "from", old, "to", st)
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseStatus returns the close status and reason the bridge sent. Only meaningful after Done.
func (s *Session) CloseStatus() (websocket.StatusCode, string) {
	<-s.done
	return s.closeStatus, s.closeReason
}

// Result returns the child's exit result. Only meaningful after Done.
func (s *Session) Result() process.Result {
	<-s.done
	return s.result
}

// Err returns the error that ended the session, if it did not end cleanly.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// environ assembles the child environment: pass-through variables from the parent,
// then the CGI variables, then the configured extras. Later entries win.
func (s *Session) environ(ctx context.Context) []string {
	remoteHost := ""
	if s.cfg.ReverseLookup {
		addr, _, err := net.SplitHostPort(s.req.RemoteAddr)
		if err == nil {
			lookupCtx, cancel := context.WithTimeout(ctx, reverseLookupTimeout)
			remoteHost = inet.RemoteHost(lookupCtx, s.resolver, addr)
			cancel()
		}
	}
	e := env.Build(s.req, env.Info{
		ID:             s.ID,
		RemoteHost:     remoteHost,
		ScriptName:     strings.TrimSuffix(s.cfg.BasePath, "/") + s.script.Name,
		PathInfo:       s.script.PathInfo,
		ServerSoftware: s.cfg.ServerSoftware,
	})

	environ := s.cfg.parentEnv()
	environ = append(environ, e.Environ()...)
	environ = append(environ, s.cfg.Env...)
	return environ
}

func (s *Session) command(ctx context.Context) process.Command {
	c := process.Command{
		Path: s.cfg.Command,
		Args: s.cfg.Args,
		Dir:  s.cfg.WorkDir,
		Env:  s.environ(ctx),
	}
	if s.script.Path != "" {
		c.Path = s.script.Path
		c.Args = nil
		if c.Dir == "" {
			c.Dir = filepath.Dir(s.script.Path)
		}
	}
	return c
}

// run drives the session until both the connection and the child are gone.
// shutdown is closed when the server is stopping.
func (s *Session) run(shutdown <-chan struct{}) {
	s.start = time.Now()
	defer s.finish()

	cmd := s.command(s.req.Context())

	s.setState(StateLaunching)
	proc, err := process.Launch(cmd, s.log)
	if err != nil {
		s.log.Errorw("could not launch process", "error", err)
		s.err = err
		s.close(websocket.StatusInternalError, "could not launch process")
		return
	}
	s.proc = proc
	s.log = s.log.With("pid", proc.Pid())
	s.log.Infow("CONNECT", "script", cmd.Path, "uri", s.req.RequestURI)

	// pumps get their own context: cancelling the request context would close the connection under them
	pumpCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inboundErr := make(chan error, 1)
	outboundErr := make(chan error, 1)
	stderrDone := make(chan struct{})

	s.setState(StateActive)
	var group errgroup.Group
	group.Go(func() error {
		err := s.inbound(pumpCtx)
		inboundErr <- err
		return err
	})
	group.Go(func() error {
		err := s.outbound(pumpCtx)
		outboundErr <- err
		return err
	})
	group.Go(func() error {
		s.diagnostics()
		close(stderrDone)
		return nil
	})

	s.supervise(inboundErr, outboundErr, stderrDone, shutdown)

	groupCtx, groupCancel := context.WithTimeout(context.Background(), s.grace+time.Second)
	proc.KillGroup(groupCtx, s.grace)
	groupCancel()
	proc.Release()
	cancel()
	group.Wait()
	s.result = proc.Result()
}

func (s *Session) supervise(inboundErr, outboundErr <-chan error, stderrDone <-chan struct{}, shutdown <-chan struct{}) {
	for {
		select {
		case err := <-inboundErr:
			s.setState(StateDraining)
			s.inboundEnded(err, outboundErr, stderrDone)
			return

		case err := <-outboundErr:
			outboundErr = nil
			if err == nil {
				// stdout is done, but the child may still be running
				continue
			}
			s.setState(StateDraining)
			s.log.Debugf("error sending output: %s", err)
			s.err = err
			s.close(websocket.StatusInternalError, "error sending output")
			s.terminate()
			return

		case <-s.proc.Done():
			s.setState(StateDraining)
			s.closeAfterExit(outboundErr, stderrDone)
			return

		case <-shutdown:
			s.setState(StateDraining)
			s.log.Debug("server shutting down")
			s.close(websocket.StatusGoingAway, "server shutting down")
			s.terminate()
			return
		}
	}
}

func (s *Session) inboundEnded(err error, outboundErr <-chan error, stderrDone <-chan struct{}) {
	var protoErr *ProtocolError
	var ioErr *PumpIOError
	switch {
	case errors.As(err, &protoErr):
		s.log.Infow("protocol error", "error", err)
		s.err = err
		s.close(protoErr.Code, protoErr.Err.Error())
		s.terminate()

	case errors.As(err, &ioErr):
		// the child stopped reading stdin; it usually exits shortly after
		s.log.Debugf("error writing to process: %s", err)
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-s.proc.Done():
			s.closeAfterExit(outboundErr, stderrDone)
			return
		case <-timer.C:
		}
		s.err = err
		s.close(websocket.StatusInternalError, "error writing to process")
		s.terminate()

	default:
		s.log.Debugf("peer went away: %s", err)
		s.terminate()
		var peerClose websocket.CloseError
		if errors.As(err, &peerClose) {
			// the library already echoed the peer's close frame
			s.recordClose(peerClose.Code, peerClose.Reason)
			return
		}
		closeErr := s.close(websocket.StatusNormalClosure, "")
		if closeErr != nil && strings.HasSuffix(closeErr.Error(), alreadyWroteClose) {
			// the library rejected a malformed frame and sent its own close
			s.recordClose(websocket.StatusProtocolError, rootCause(err).Error())
		}
	}
}

// alreadyWroteClose ends the error websocket.Conn.Close returns when a close frame was sent before.
const alreadyWroteClose = "already wrote close"

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// closeAfterExit waits for output the child already produced to be sent, then closes the connection
// with the status mapped from the exit result.
func (s *Session) closeAfterExit(outboundErr <-chan error, stderrDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	// background jobs of the child would otherwise hold stdout open until the grace period runs out
	go s.proc.KillGroup(context.Background(), s.grace)

	if outboundErr != nil {
		select {
		case err := <-outboundErr:
			if err != nil {
				s.log.Debugf("error flushing output: %s", err)
			}
		case <-ctx.Done():
			s.log.Warn("timed out flushing output, descendants of the process may still hold stdout open")
		}
	}
	select {
	case <-stderrDone:
	case <-ctx.Done():
	}

	code, reason := s.mapping(s.proc.Result())
	s.close(code, reason)
}

// terminate stops the child, killing it if it outlives the grace period.
func (s *Session) terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace+time.Second)
	defer cancel()
	err := s.proc.Terminate(ctx, s.grace)
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		s.log.Warnw("process killed", "error", err)
		return
	}
	if err != nil {
		s.log.Debugf("error terminating process: %s", err)
	}
}

// close sends a close frame with code and reason, unless the connection was closed already.
func (s *Session) close(code websocket.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		reason = truncateReason(reason)
		s.closeStatus = code
		s.closeReason = reason
		s.log.Debugw("closing conn", "code", code, "reason", reason)
		err = s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}

// recordClose notes a close status that was sent on the session's behalf.
func (s *Session) recordClose(code websocket.StatusCode, reason string) {
	s.closeStatus = code
	s.closeReason = truncateReason(reason)
}

func (s *Session) finish() {
	s.setState(StateClosed)
	fields := []interface{}{"duration", time.Since(s.start), "code", s.closeStatus}
	if s.proc != nil {
		fields = append(fields, "exit", s.result.ExitCode)
		if s.result.Signaled() {
			fields = append(fields, "signal", s.result.Signal.String())
		}
	}
	s.log.Infow("DISCONNECT", fields...)
	close(s.done)
}
