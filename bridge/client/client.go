// Package client is a line-oriented client for bridged WebSocket endpoints.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/guseggert/wsbridge/bridge/lines"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// HandshakeError is returned by Dial when the server answered the upgrade request with something other than 101.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed with HTTP status %d: %s", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	// URL is the ws:// or wss:// URL of the endpoint.
	URL string

	header                   http.Header
	readLimit                int64
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("wsbridge_client").Sugar()
	}
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

func WithReadLimit(n int64) Option {
	return func(c *Client) {
		c.readLimit = n
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the endpoint at rawURL. Handshakes that fail with a connection error,
// a 429, or a 5xx are retried.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		URL:          rawURL,
		readLimit:    32768,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	// hand the last response back instead of a generic error, so the handshake status is visible
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

// Dial opens a WebSocket connection to the endpoint.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	c.Logger.Debugw("dialing WebSocket", "URL", c.URL)
	wsConn, resp, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		HTTPHeader:      c.header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(c.readLimit)
	return &Conn{log: c.Logger, ws: wsConn}, nil
}

// WaitForServer polls the endpoint until the server answers any HTTP request.
func (c *Client) WaitForServer(ctx context.Context) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.ping(ctx, u.String())
			if err == nil {
				c.Logger.Debug("server answered, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got error waiting for server: %s", err)
		}
	}
}

func (c *Client) ping(ctx context.Context, u string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Conn is an open connection to a bridged process.
type Conn struct {
	log *zap.SugaredLogger
	ws  *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// Send sends one line to the process. line must not contain a newline.
func (c *Conn) Send(ctx context.Context, line string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(line))
}

// SendBinary sends a binary message, which is only accepted by servers in binary mode.
func (c *Conn) SendBinary(ctx context.Context, b []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, b)
}

// Receive returns the next line written by the process.
// Once the server closes the connection, the error carries its close status, see websocket.CloseStatus.
func (c *Conn) Receive(ctx context.Context) (string, error) {
	_, b, err := c.ws.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReceiveMessage returns the next message along with its type.
func (c *Conn) ReceiveMessage(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(code, reason)
		if c.closeErr != nil {
			c.log.Debugf("error closing conn: %s", c.closeErr)
		}
	})
	return c.closeErr
}

// Pipe sends every line read from in and writes every received message to out, one line each,
// until the connection is closed. When in is exhausted the connection is closed normally.
// It returns the status the connection was closed with.
func (c *Conn) Pipe(ctx context.Context, in io.Reader, out io.Writer) (websocket.StatusCode, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// reading in may block forever, so this goroutine is not waited for
	go func() {
		sc := lines.NewScanner(in)
		for sc.Next() {
			err := c.Send(ctx, sc.Line())
			if err != nil {
				c.log.Debugf("error sending line: %s", err)
				return
			}
		}
		if err := sc.Err(); err != nil {
			c.log.Debugf("error reading input: %s", err)
		}
		c.log.Debug("input done, closing conn")
		c.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, b, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 {
				return status, fmt.Errorf("reading message: %w", err)
			}
			c.log.Debugw("conn closed", "Status", status)
			return status, nil
		}
		if typ == websocket.MessageText {
			b = append(b, '\n')
		}
		_, err = out.Write(b)
		if err != nil {
			c.Close(websocket.StatusInternalError, "output failed")
			return -1, fmt.Errorf("writing output: %w", err)
		}
	}
}
