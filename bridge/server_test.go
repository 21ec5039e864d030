//go:build !windows

package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/wsbridge/bridge/client"
	inet "github.com/guseggert/wsbridge/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func noRetries() client.Option {
	return client.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	})
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func TestMaxForks(t *testing.T) {
	cfg := shConfig(t, `while read l; do echo "$l"; done`)
	cfg.MaxForks = 1
	_, url := newTestServer(t, cfg)

	first := dial(t, url)
	send(t, first, "x")
	assert.Equal(t, "x", receive(t, first))

	_, err := dialErr(url, noRetries())
	var handshakeErr *client.HandshakeError
	require.ErrorAs(t, err, &handshakeErr)
	assert.Equal(t, http.StatusTooManyRequests, handshakeErr.StatusCode)

	require.NoError(t, first.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		conn, err := dialErr(url, noRetries())
		if err != nil {
			return false
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMaxRate(t *testing.T) {
	cfg := shConfig(t, `exit 0`)
	cfg.MaxRate = 0.001
	_, url := newTestServer(t, cfg)

	conn := dial(t, url)
	assert.Equal(t, websocket.StatusNormalClosure, receiveClose(t, conn).Code)

	_, err := dialErr(url, noRetries())
	var handshakeErr *client.HandshakeError
	require.ErrorAs(t, err, &handshakeErr)
	assert.Equal(t, http.StatusTooManyRequests, handshakeErr.StatusCode)
}

func TestScriptDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "show.sh"), `printf '%s\n' "$SCRIPT_NAME" "$PATH_INFO" "$(pwd)"`)
	writeScript(t, filepath.Join(dir, "sub", "nested.sh"), `echo nested`)

	cfg := DefaultConfig()
	cfg.ScriptDir = dir
	cfg.BasePath = "/ws"
	_, url := newTestServer(t, cfg)

	conn := dial(t, url+"/ws/show.sh/extra/stuff")
	assert.Equal(t, "/ws/show.sh", receive(t, conn))
	assert.Equal(t, "/extra/stuff", receive(t, conn))
	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, realDir, receive(t, conn))
	assert.Equal(t, websocket.StatusNormalClosure, receiveClose(t, conn).Code)

	conn = dial(t, url+"/ws/sub/nested.sh")
	assert.Equal(t, "nested", receive(t, conn))

	for _, p := range []string{"/ws/missing.sh", "/ws/sub", "/ws/../show.sh"} {
		t.Run(p, func(t *testing.T) {
			_, err := dialErr(url+p, noRetries())
			var handshakeErr *client.HandshakeError
			require.ErrorAs(t, err, &handshakeErr)
			assert.Equal(t, http.StatusNotFound, handshakeErr.StatusCode)
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name       string
		sameOrigin bool
		allowed    []string
		origin     string
		expStatus  int
	}{
		{name: "any origin by default", origin: "http://elsewhere.example"},
		{name: "same origin rejects other hosts", sameOrigin: true, origin: "http://elsewhere.example", expStatus: http.StatusForbidden},
		{name: "allow list accepts listed host", allowed: []string{"*.example"}, origin: "http://good.example"},
		{name: "allow list rejects other hosts", allowed: []string{"good.example"}, origin: "http://evil.example", expStatus: http.StatusForbidden},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := shConfig(t, `exit 0`)
			cfg.SameOrigin = c.sameOrigin
			cfg.AllowOrigins = c.allowed
			_, url := newTestServer(t, cfg)

			conn, err := dialErr(url, noRetries(), client.WithHeader(http.Header{"Origin": {c.origin}}))
			if c.expStatus == 0 {
				require.NoError(t, err)
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			var handshakeErr *client.HandshakeError
			require.ErrorAs(t, err, &handshakeErr)
			assert.Equal(t, c.expStatus, handshakeErr.StatusCode)
		})
	}
}

func TestStopRacingUpgrades(t *testing.T) {
	cfg := shConfig(t, `echo ready; while read l; do :; done`)
	srv, err := New(cfg, WithLogger(log))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	const clients = 10
	results := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			conn, err := dialErr(url, noRetries())
			if err != nil {
				results <- err
				return
			}
			// every session that got through is closed by Stop
			closeErr := func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for {
					_, err := conn.Receive(ctx)
					if err != nil {
						return err
					}
				}
			}()
			results <- closeErr
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.Empty(t, srv.Sessions())

	for i := 0; i < clients; i++ {
		err := <-results
		var handshakeErr *client.HandshakeError
		if errors.As(err, &handshakeErr) {
			assert.Equal(t, http.StatusServiceUnavailable, handshakeErr.StatusCode)
			continue
		}
		assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	}
}

func TestHTTPFallback(t *testing.T) {
	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "hello.txt"), []byte("static hello"), 0o644))
	cgiDir := t.TempDir()
	writeScript(t, filepath.Join(cgiDir, "run.cgi"), `printf 'Content-Type: text/plain\r\n\r\ncgi %s' "$QUERY_STRING"`)

	cases := []struct {
		name      string
		staticDir string
		cgiDir    string
		path      string
		expStatus int
		expBody   string
	}{
		{name: "static file", staticDir: staticDir, path: "/hello.txt", expStatus: http.StatusOK, expBody: "static hello"},
		{name: "missing static file", staticDir: staticDir, path: "/nope.txt", expStatus: http.StatusNotFound},
		{name: "cgi script", cgiDir: cgiDir, path: "/run.cgi?q=1", expStatus: http.StatusOK, expBody: "cgi q=1"},
		{name: "cgi dir falls through to static", staticDir: staticDir, cgiDir: cgiDir, path: "/hello.txt", expStatus: http.StatusOK, expBody: "static hello"},
		{name: "no fallback configured", path: "/hello.txt", expStatus: http.StatusNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := shConfig(t, `exit 0`)
			cfg.StaticDir = c.staticDir
			cfg.CGIDir = c.cgiDir
			srv, err := New(cfg, WithLogger(log))
			require.NoError(t, err)
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + c.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, c.expStatus, resp.StatusCode)
			if c.expBody != "" {
				b, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, c.expBody, string(b))
			}
		})
	}
}

type fakeResolver struct{}

func (fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return []string{"client.example."}, nil
}

func TestReverseLookup(t *testing.T) {
	cfg := shConfig(t, `printf '%s %s\n' "$REMOTE_HOST" "$REMOTE_ADDR"`)
	cfg.ReverseLookup = true
	_, url := newTestServer(t, cfg, WithResolver(fakeResolver{}))
	conn := dial(t, url)
	assert.Equal(t, "client.example 127.0.0.1", receive(t, conn))
}

func TestListenAndServe(t *testing.T) {
	addr, err := inet.EphemeralAddr()
	require.NoError(t, err)
	cfg := shConfig(t, `while read l; do echo "got $l"; done`)
	cfg.Addr = addr
	srv, err := New(cfg, WithLogger(log))
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	c, err := client.New("ws://"+addr+"/", client.WithLogger(log))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))

	conn, err := c.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, "ping"))
	line, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "got ping", line)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-served)
}

func TestPipe(t *testing.T) {
	_, url := newTestServer(t, shConfig(t, `for i in 1 2 3; do read n; echo $((n*2)); done; exit 7`))
	c, err := client.New(url, client.WithLogger(log))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := c.Dial(ctx)
	require.NoError(t, err)

	inR, inW := io.Pipe()
	defer inW.Close()
	go io.WriteString(inW, "1\n2\n3\n")

	out := &strings.Builder{}
	status, err := conn.Pipe(ctx, inR, out)
	require.NoError(t, err)
	assert.Equal(t, "2\n4\n6\n", out.String())
	assert.Equal(t, websocket.StatusCode(4007), status)
	assert.Equal(t, 7, ExitCodeFromStatus(status))
}

func TestPipeClosesWhenInputEnds(t *testing.T) {
	srv, url := newTestServer(t, shConfig(t, `while read l; do :; done`))
	c, err := client.New(url, client.WithLogger(log))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := c.Dial(ctx)
	require.NoError(t, err)

	status, err := conn.Pipe(ctx, strings.NewReader(""), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, status)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestIsWebSocketUpgrade(t *testing.T) {
	cases := []struct {
		name    string
		headers http.Header
		exp     bool
	}{
		{name: "upgrade", headers: http.Header{"Connection": {"Upgrade"}, "Upgrade": {"websocket"}}, exp: true},
		{name: "token list", headers: http.Header{"Connection": {"keep-alive, Upgrade"}, "Upgrade": {"WebSocket"}}, exp: true},
		{name: "plain request", headers: http.Header{}, exp: false},
		{name: "other protocol", headers: http.Header{"Connection": {"upgrade"}, "Upgrade": {"h2c"}}, exp: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header = c.headers
			assert.Equal(t, c.exp, isWebSocketUpgrade(req))
		})
	}
}
