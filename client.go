package h2mux

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
)

// Pool limits
const (
	DefaultMaxOrigins        = 64
	DefaultMaxConnsPerOrigin = 4
	DefaultDialTimeout       = 10 * time.Second
	NextProtoH2              = "h2"

	maxDispatchAttempts = 3
	defaultHTTPSPort    = "443"
	defaultHTTPPort     = "80"
)

// ErrClientClosed is returned for requests issued after Close.
var ErrClientClosed = errors.New("client closed")

// DialFunc opens the byte transport for an authority.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConfig sets the configuration every connection is created with.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) { c.cfg = cfg }
}

// WithTLSConfig sets the base TLS configuration for https origins. NextProtos is forced to h2.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// WithClientMetrics records metrics for every connection of the client.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithMaxOrigins bounds how many origins keep connections; the least recently used origin
// is shut down gently when the bound is exceeded.
func WithMaxOrigins(n int) ClientOption {
	return func(c *Client) { c.maxOrigins = n }
}

// WithMaxConnsPerOrigin bounds the connections opened to a single origin.
func WithMaxConnsPerOrigin(n int) ClientOption {
	return func(c *Client) { c.maxConnsPerOrigin = n }
}

// originPool holds the live connections of one origin.
type originPool struct {
	key   string
	conns []*Connection
}

// Client provides high-level HTTP/2 client functionality on top of pooled connections.
// It is the resend collaborator for its connections: aborted requests are routed to
// another connection of the same origin.
type Client struct {
	cfg               Config
	tlsConfig         *tls.Config
	dial              DialFunc
	metrics           *Metrics
	maxOrigins        int
	maxConnsPerOrigin int

	mu     sync.Mutex
	pools  *lru.Cache[string, *originPool]
	closed bool
}

// NewClient creates a new HTTP/2 client
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		cfg:               DefaultConfig(),
		maxOrigins:        DefaultMaxOrigins,
		maxConnsPerOrigin: DefaultMaxConnsPerOrigin,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.dial == nil {
		d := &net.Dialer{Timeout: DefaultDialTimeout}
		c.dial = d.DialContext
	}
	if c.maxConnsPerOrigin <= 0 {
		c.maxConnsPerOrigin = DefaultMaxConnsPerOrigin
	}

	pools, err := lru.NewWithEvict(max(c.maxOrigins, 1), c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	c.pools = pools
	return c, nil
}

// onEvict runs with the pool lock held by the caller of Add.
func (c *Client) onEvict(key string, p *originPool) {
	LogConnection("origin_evicted", key, map[string]interface{}{
		"connections": len(p.conns),
	})
	for _, conn := range p.conns {
		conn.Shutdown(ShutdownGentle)
	}
}

// originKey normalises scheme and authority into the pool key and dial address.
func originKey(scheme, authority string) (key, addr string, err error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		port = defaultHTTPSPort
		if scheme == SchemeHTTP {
			port = defaultHTTPPort
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("authority %q has no host", authority)
	}
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}
	addr = net.JoinHostPort(host, port)
	return scheme + "://" + addr, addr, nil
}

// Do sends req and waits for the response headers. The body streams as it arrives.
func (c *Client) Do(req *Request) (*Response, error) {
	resp, ok := req.Sink.(*Response)
	if !ok || resp == nil {
		resp = NewResponse(req)
		req.Sink = resp
	}
	if err := c.submit(req); err != nil {
		return nil, err
	}
	if err := resp.Wait(req.Context()); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendRequest sends an HTTP/2 request and waits for the response headers.
func (c *Client) SendRequest(req *Request) (*Response, error) {
	return c.Do(req)
}

// submit places req on a connection of its origin, opening one if none has room.
func (c *Client) submit(req *Request) error {
	var lastErr error
	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		conn, err := c.connFor(req.Context(), req.Scheme, req.Authority)
		if err != nil {
			return err
		}
		err = conn.Submit(req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConnectionGoingAway) && !errors.Is(err, ErrConnectionClosed) {
			return err
		}
		c.forget(conn, nil)
		lastErr = err
	}
	return fmt.Errorf("no connection accepted the request: %w", lastErr)
}

// resend takes over an aborted request from one of the client's connections. It runs on
// the connection's writer goroutine, so the new dispatch happens elsewhere.
func (c *Client) resend(req *Request) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	go func() {
		if err := c.submit(req); err != nil {
			req.Sink.OnFinish(fmt.Errorf("resend failed: %w", err))
		}
	}()
	return true
}

// connFor returns the least loaded connection of the origin with free capacity, dialing
// a new one while the origin is below its connection limit.
func (c *Client) connFor(ctx context.Context, scheme, authority string) (*Connection, error) {
	key, addr, err := originKey(scheme, authority)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	p, ok := c.pools.Get(key)
	if !ok {
		p = &originPool{key: key}
		c.pools.Add(key, p)
	}
	best, free := pickConn(p.conns)
	if best != nil && (free > 0 || len(p.conns) >= c.maxConnsPerOrigin) {
		c.mu.Unlock()
		return best, nil
	}
	c.mu.Unlock()

	conn, err := c.dialConn(ctx, scheme, authority, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	defer c.mu.Unlock()
	p, ok = c.pools.Get(key)
	if !ok {
		p = &originPool{key: key}
		c.pools.Add(key, p)
	}
	p.conns = append(p.conns, conn)
	return conn, nil
}

// pickConn returns the accepting connection with the most free stream slots. When every
// connection is full the least loaded one is returned with a non-positive free count.
func pickConn(conns []*Connection) (best *Connection, free int) {
	for _, conn := range conns {
		snap := conn.Snapshot()
		if !snap.Accepting {
			continue
		}
		avail := snap.MaxStreams - snap.ActiveStreams - snap.PendingRequests
		if best == nil || avail > free {
			best, free = conn, avail
		}
	}
	return best, free
}

func (c *Client) dialConn(ctx context.Context, scheme, authority, addr string) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	LogConnection("dialing", addr, map[string]interface{}{"scheme": scheme})
	nc, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		LogError(err, "dial_failed", map[string]interface{}{"address": addr})
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if scheme == SchemeHTTPS {
		host, _, _ := net.SplitHostPort(addr)
		cfg := &tls.Config{}
		if c.tlsConfig != nil {
			cfg = c.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		cfg.NextProtos = []string{NextProtoH2}

		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(dialCtx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != NextProtoH2 {
			_ = tc.Close()
			return nil, fmt.Errorf("%s negotiated %q instead of %q", addr, proto, NextProtoH2)
		}
		nc = tc
	}

	return NewConnection(nc, c.cfg,
		WithAuthority(authority),
		WithResend(c.resend),
		WithMetrics(c.metrics),
		WithOnClose(c.forget),
	)
}

// forget removes a closed or draining connection from its origin pool.
func (c *Client) forget(conn *Connection, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.pools.Keys() {
		p, ok := c.pools.Peek(key)
		if !ok {
			continue
		}
		for i, pc := range p.conns {
			if pc == conn {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) newRequest(method, rawURL string, body []byte, contentType string) (*Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := NewRequest(method, rawURL, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.SetHeader(HeaderContentType, contentType)
	}
	return req, nil
}

func (c *Client) send(method, rawURL string, body []byte, contentType string) (*Response, error) {
	req, err := c.newRequest(method, rawURL, body, contentType)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// GET sends a GET request
func (c *Client) GET(rawURL string) (*Response, error) {
	return c.send(MethodGET, rawURL, nil, "")
}

// POST sends a POST request with body
func (c *Client) POST(rawURL string, body []byte, contentType string) (*Response, error) {
	return c.send(MethodPOST, rawURL, body, contentType)
}

// PUT sends a PUT request with body
func (c *Client) PUT(rawURL string, body []byte, contentType string) (*Response, error) {
	return c.send(MethodPUT, rawURL, body, contentType)
}

// DELETE sends a DELETE request
func (c *Client) DELETE(rawURL string) (*Response, error) {
	return c.send(MethodDELETE, rawURL, nil, "")
}

// HEAD sends a HEAD request
func (c *Client) HEAD(rawURL string) (*Response, error) {
	return c.send(MethodHEAD, rawURL, nil, "")
}

// PATCH sends a PATCH request with body
func (c *Client) PATCH(rawURL string, body []byte, contentType string) (*Response, error) {
	return c.send(MethodPATCH, rawURL, body, contentType)
}

// OPTIONS sends an OPTIONS request
func (c *Client) OPTIONS(rawURL string) (*Response, error) {
	return c.send(MethodOPTIONS, rawURL, nil, "")
}

// ConnectionInfo returns a snapshot of every pooled connection.
func (c *Client) ConnectionInfo() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Snapshot
	for _, key := range c.pools.Keys() {
		p, ok := c.pools.Peek(key)
		if !ok {
			continue
		}
		for _, conn := range p.conns {
			out = append(out, conn.Snapshot())
		}
	}
	return out
}

// Shutdown closes every connection gently and waits until they stopped or ctx ends.
func (c *Client) Shutdown(ctx context.Context) error {
	conns := c.detach()
	for _, conn := range conns {
		conn.Shutdown(ShutdownGentle)
	}
	for _, conn := range conns {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return multierr.Append(ctx.Err(), c.closeAll(conns))
		}
	}
	return nil
}

// Close closes all pooled connections immediately.
func (c *Client) Close() error {
	return c.closeAll(c.detach())
}

func (c *Client) detach() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var conns []*Connection
	for _, key := range c.pools.Keys() {
		if p, ok := c.pools.Peek(key); ok {
			conns = append(conns, p.conns...)
			p.conns = nil
		}
	}
	c.pools.Purge()
	return conns
}

func (c *Client) closeAll(conns []*Connection) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", conn.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
