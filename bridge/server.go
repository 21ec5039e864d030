package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cgi"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/guseggert/wsbridge/bridge/lines"
	inet "github.com/guseggert/wsbridge/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Server accepts WebSocket connections and bridges each one to a new child process.
type Server struct {
	log *zap.SugaredLogger
	cfg Config

	mapping   CloseCodeMapping
	policy    lines.Policy
	resolver  inet.Resolver
	admission *admission

	router     *httprouter.Router
	static     http.Handler
	httpServer *http.Server

	seq          atomic.Uint64
	sessionsMut  sync.Mutex
	sessions     map[string]*Session
	sessionsWG   sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithCloseCodeMapping overrides the configured mapping from exit results to close statuses.
func WithCloseCodeMapping(m CloseCodeMapping) Option {
	return func(s *Server) {
		s.mapping = m
	}
}

// WithResolver sets the resolver used for REMOTE_HOST lookups.
func WithResolver(r inet.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New validates cfg and builds a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	mapping, _ := CloseCodeMappingByName(cfg.ExitCodeMapping)
	policy, _ := cfg.partialPolicy()

	s := &Server{
		log:       logger.Named("wsbridge").Sugar(),
		cfg:       cfg,
		mapping:   mapping,
		policy:    policy,
		resolver:  net.DefaultResolver,
		admission: newAdmission(cfg.MaxForks, cfg.MaxRate),
		sessions:  map[string]*Session{},
		shutdown:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.StaticDir != "" {
		s.static = http.StripPrefix(strings.TrimSuffix(cfg.BasePath, "/"), http.FileServer(http.Dir(cfg.StaticDir)))
	}

	router := httprouter.New()
	pattern := cfg.BasePath + "*path"
	router.GET(pattern, s.serve)
	router.HEAD(pattern, s.serve)
	router.POST(pattern, s.serve)
	s.router = router

	return s, nil
}

// Handler returns the server's HTTP handler, for mounting in another server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe listens on the configured address and serves until Stop is called.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

// Serve serves connections from l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	server := &http.Server{Handler: s.router}
	s.sessionsMut.Lock()
	s.httpServer = server
	s.sessionsMut.Unlock()
	if s.stopping() {
		l.Close()
		return nil
	}

	s.log.Infow("serving", "addr", l.Addr().String(), "basepath", s.cfg.BasePath)
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting connections, closes every session with StatusGoingAway, and waits for their children to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.sessionsMut.Lock()
		close(s.shutdown)
		s.sessionsMut.Unlock()
	})

	s.sessionsMut.Lock()
	server := s.httpServer
	s.sessionsMut.Unlock()
	if server != nil {
		err := server.Shutdown(ctx)
		if err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the sessions that are currently running.
func (s *Server) Sessions() []*Session {
	s.sessionsMut.Lock()
	defer s.sessionsMut.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Server) track(sess *Session) {
	s.sessionsMut.Lock()
	defer s.sessionsMut.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) untrack(sess *Session) {
	s.sessionsMut.Lock()
	defer s.sessionsMut.Unlock()
	delete(s.sessions, sess.ID)
}

// beginSession adds a session to the wait group unless the server is stopping.
func (s *Server) beginSession() bool {
	s.sessionsMut.Lock()
	defer s.sessionsMut.Unlock()
	if s.stopping() {
		return false
	}
	s.sessionsWG.Add(1)
	return true
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	urlPath := params.ByName("path")
	if !isWebSocketUpgrade(r) {
		s.serveFallback(w, r, urlPath)
		return
	}
	if s.stopping() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	sc, err := resolveScript(&s.cfg, urlPath)
	if err != nil {
		s.log.Debugw("no script for path", "path", urlPath, "error", err)
		http.NotFound(w, r)
		return
	}

	release, err := s.admission.admit()
	if err != nil {
		s.log.Infow("rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer release()

	// registered before the upgrade, so that Stop either waits for this session or refuses it
	if !s.beginSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessionsWG.Done()

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		// Accept has already written the error response
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit + 1)

	sess := newSession(s, conn, r, sc)
	s.track(sess)
	defer s.untrack(sess)

	sess.run(s.shutdown)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	}
	switch {
	case len(s.cfg.AllowOrigins) > 0:
		opts.OriginPatterns = s.cfg.AllowOrigins
	case s.cfg.SameOrigin:
		// Accept only allows an Origin matching the Host unless told otherwise
	default:
		opts.InsecureSkipVerify = true
	}
	return opts
}

// serveFallback handles plain HTTP requests, from the CGI dir if the path names a script there, else from the static dir.
func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request, urlPath string) {
	if s.cfg.CGIDir != "" {
		cleaned := path.Clean("/" + urlPath)
		file := filepath.Join(s.cfg.CGIDir, filepath.FromSlash(cleaned))
		fi, err := os.Stat(file)
		if err == nil && !fi.IsDir() {
			h := &cgi.Handler{
				Path:       file,
				Root:       strings.TrimSuffix(s.cfg.BasePath, "/") + cleaned,
				Dir:        filepath.Dir(file),
				Env:        s.cfg.Env,
				InheritEnv: s.cfg.PassEnv,
				Logger:     zap.NewStdLog(s.log.Named("cgi").Desugar()),
			}
			h.ServeHTTP(w, r)
			return
		}
	}
	if s.static != nil {
		s.static.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
