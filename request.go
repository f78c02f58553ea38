package h2mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
)

// HTTP/2 pseudo-headers as per RFC 7540 Section 8.1.2.3 and RFC 8441 Section 4
const (
	PseudoHeaderMethod    = ":method"
	PseudoHeaderPath      = ":path"
	PseudoHeaderScheme    = ":scheme"
	PseudoHeaderAuthority = ":authority"
	PseudoHeaderStatus    = ":status"
	PseudoHeaderProtocol  = ":protocol"
)

// HTTP methods
const (
	MethodGET     = "GET"
	MethodPOST    = "POST"
	MethodPUT     = "PUT"
	MethodDELETE  = "DELETE"
	MethodHEAD    = "HEAD"
	MethodOPTIONS = "OPTIONS"
	MethodPATCH   = "PATCH"
	MethodCONNECT = "CONNECT"
)

// HTTP schemes
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Standard HTTP headers
const (
	HeaderContentType     = "content-type"
	HeaderContentLength   = "content-length"
	HeaderAccept          = "accept"
	HeaderAcceptEncoding  = "accept-encoding"
	HeaderContentEncoding = "content-encoding"
	HeaderUserAgent       = "user-agent"
	HeaderAuthorization   = "authorization"
)

// Connection-specific headers must not appear in HTTP/2 requests (RFC 7540 Section 8.1.2.2).
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func isConnectionSpecific(name string) bool {
	return connectionSpecificHeaders[name]
}

// Request is one request/response exchange. A request is owned by a single connection at a
// time; after an abort it may be handed to another connection for resend.
//
// Body is read from the connection's writer goroutine and must not block. A read that has
// no data yet returns ErrBodyNotReady; BodyPipe implements that contract for bodies that are
// produced asynchronously.
type Request struct {
	ID        uuid.UUID
	Method    string
	Scheme    string
	Authority string
	Path      string
	Protocol  string // extended CONNECT protocol (RFC 8441), e.g. "websocket"
	Header    []HeaderField

	Body          io.Reader
	GetBody       func() (io.Reader, error) // returns a fresh copy of Body for resend
	ContentLength int64                     // -1 when unknown

	// MaxRetries is how many times the request may be resent after an abort.
	// Negative means the connection's configured default.
	MaxRetries int

	// Sink receives the response. Nil means a *Response is created on submit.
	Sink ResponseSink

	ctx         context.Context
	cancel      context.CancelFunc
	retries     int
	bodyStarted bool
	headersSeen bool
}

// NewRequest builds a request for rawURL. body may be nil.
func NewRequest(method, rawURL string, body io.Reader) (*Request, error) {
	return NewRequestWithContext(context.Background(), method, rawURL, body)
}

// NewRequestWithContext builds a request that is cancelled together with ctx.
func NewRequestWithContext(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	path := u.RequestURI()

	req := &Request{
		ID:            uuid.New(),
		Method:        strings.ToUpper(method),
		Scheme:        u.Scheme,
		Authority:     u.Host,
		Path:          path,
		ContentLength: -1,
		MaxRetries:    -1,
		ctx:           ctx,
	}
	if req.Scheme == "" {
		req.Scheme = SchemeHTTPS
	}
	req.WithBody(body)
	return req, nil
}

// Context returns the request context, never nil.
func (req *Request) Context() context.Context {
	if req.ctx == nil {
		return context.Background()
	}
	return req.ctx
}

// WithContext sets the context that cancels the request.
func (req *Request) WithContext(ctx context.Context) *Request {
	req.ctx = ctx
	return req
}

// Retries returns how many times the request has been resent.
func (req *Request) Retries() int { return req.retries }

// Cancel aborts the request. The owning stream sends RST_STREAM(CANCEL) on its next cycle.
func (req *Request) Cancel() {
	if req.cancel != nil {
		req.cancel()
	}
}

// SetHeader replaces every value of name with value
func (req *Request) SetHeader(name, value string) *Request {
	name = strings.ToLower(name)
	out := req.Header[:0]
	for _, hf := range req.Header {
		if hf.Name != name {
			out = append(out, hf)
		}
	}
	req.Header = append(out, HeaderField{Name: name, Value: value})
	return req
}

// AddHeaders appends header values in the given order
func (req *Request) AddHeaders(fields ...HeaderField) *Request {
	for _, hf := range fields {
		req.Header = append(req.Header, HeaderField{Name: strings.ToLower(hf.Name), Value: hf.Value})
	}
	return req
}

// GetHeader returns the first value of name.
func (req *Request) GetHeader(name string) string {
	name = strings.ToLower(name)
	for _, hf := range req.Header {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// WithBody sets the request body. In-memory bodies get a GetBody so they can be resent.
func (req *Request) WithBody(body io.Reader) *Request {
	req.Body = body
	req.GetBody = nil
	req.ContentLength = -1
	switch b := body.(type) {
	case nil:
		req.ContentLength = 0
	case *bytes.Reader:
		snapshot := *b
		req.ContentLength = int64(b.Len())
		req.GetBody = func() (io.Reader, error) {
			r := snapshot
			return &r, nil
		}
	case *bytes.Buffer:
		buf := b.Bytes()
		req.ContentLength = int64(len(buf))
		req.GetBody = func() (io.Reader, error) { return bytes.NewReader(buf), nil }
	case *strings.Reader:
		snapshot := *b
		req.ContentLength = int64(b.Len())
		req.GetBody = func() (io.Reader, error) {
			r := snapshot
			return &r, nil
		}
	}
	return req
}

// hasBody reports whether HEADERS must leave the stream open.
func (req *Request) hasBody() bool {
	return req.Body != nil && req.ContentLength != 0
}

// replayable reports whether the body can be sent again from the start.
func (req *Request) replayable() bool {
	return !req.bodyStarted || req.GetBody != nil
}

// rewindBody restores the body for a resend.
func (req *Request) rewindBody() error {
	if !req.bodyStarted {
		return nil
	}
	if req.GetBody == nil {
		return errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to rewind request body: %w", err)
	}
	req.Body = body
	req.bodyStarted = false
	return nil
}

// canResend reports whether an aborted request may be handed to another connection.
func (req *Request) canResend() bool {
	return req.retries < req.MaxRetries && !req.headersSeen && req.replayable()
}

// validate checks the request before it is admitted to a connection.
func (req *Request) validate() error {
	if req.Method == "" {
		return fmt.Errorf("method is required")
	}
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return fmt.Errorf("invalid HTTP method: %q", req.Method)
	}
	if req.Authority == "" {
		return fmt.Errorf("authority is required")
	}
	if req.Method == MethodCONNECT && req.Protocol == "" {
		return nil
	}
	if req.Path == "" {
		return fmt.Errorf("path is required")
	}
	if req.Scheme == "" {
		req.Scheme = SchemeHTTPS
	}
	if req.Protocol != "" && req.Method != MethodCONNECT {
		return fmt.Errorf(":protocol requires the CONNECT method, got %s", req.Method)
	}
	for _, hf := range req.Header {
		if !httpguts.ValidHeaderFieldName(hf.Name) {
			return fmt.Errorf("invalid header field name %q", hf.Name)
		}
		if !httpguts.ValidHeaderFieldValue(hf.Value) {
			return fmt.Errorf("invalid header field value for %q", hf.Name)
		}
	}
	return nil
}

// headerFields lists the request header block: pseudo-headers first in a fixed order,
// then regular fields in lower case without connection-specific ones.
func (req *Request) headerFields() []HeaderField {
	fields := make([]HeaderField, 0, len(req.Header)+5)
	fields = append(fields, HeaderField{Name: PseudoHeaderMethod, Value: req.Method})
	if req.Method == MethodCONNECT && req.Protocol == "" {
		// Plain CONNECT carries only :method and :authority (RFC 7540 Section 8.3)
		fields = append(fields, HeaderField{Name: PseudoHeaderAuthority, Value: req.Authority})
	} else {
		fields = append(fields,
			HeaderField{Name: PseudoHeaderScheme, Value: req.Scheme},
			HeaderField{Name: PseudoHeaderAuthority, Value: req.Authority},
			HeaderField{Name: PseudoHeaderPath, Value: req.Path},
		)
		if req.Protocol != "" {
			fields = append(fields, HeaderField{Name: PseudoHeaderProtocol, Value: req.Protocol})
		}
	}

	sawLength := false
	for _, hf := range req.Header {
		name := strings.ToLower(hf.Name)
		if hf.IsPseudo() || isConnectionSpecific(name) || name == "host" {
			continue
		}
		if name == "te" && !strings.EqualFold(hf.Value, "trailers") {
			continue
		}
		if name == HeaderContentLength {
			sawLength = true
		}
		fields = append(fields, HeaderField{Name: name, Value: hf.Value})
	}
	if !sawLength && req.ContentLength > 0 {
		fields = append(fields, HeaderField{Name: HeaderContentLength, Value: strconv.FormatInt(req.ContentLength, 10)})
	}
	return fields
}

// BodyPipe is a request body written by another goroutine. Reads never block: an empty pipe
// returns ErrBodyNotReady and the next Write wakes the connection. Writes block while the
// pipe holds more than its limit.
type BodyPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	limit  int
	err    error // io.EOF after Close
	closed bool
	wake   func()
}

// DefaultBodyPipeLimit is the buffered byte count above which BodyPipe.Write blocks.
const DefaultBodyPipeLimit = 64 << 10

// NewBodyPipe creates a pipe that buffers up to limit bytes.
func NewBodyPipe(limit int) *BodyPipe {
	if limit <= 0 {
		limit = DefaultBodyPipeLimit
	}
	p := &BodyPipe{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetWake installs the function called whenever new data or EOF is available.
func (p *BodyPipe) SetWake(fn func()) {
	p.mu.Lock()
	p.wake = fn
	p.mu.Unlock()
}

// Write appends b, blocking while the pipe is full.
func (p *BodyPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	for p.buf.Len() >= p.limit && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	wake := p.wake
	p.mu.Unlock()
	if wake != nil {
		wake()
	}
	return n, nil
}

// Close ends the body; the reader sees io.EOF once the buffer drains.
func (p *BodyPipe) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError ends the body with err, or io.EOF when err is nil.
func (p *BodyPipe) CloseWithError(err error) error {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.err = err
	}
	wake := p.wake
	p.cond.Broadcast()
	p.mu.Unlock()
	if wake != nil {
		wake()
	}
	return nil
}

// Read implements io.Reader without blocking.
func (p *BodyPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		if p.closed {
			return 0, p.err
		}
		return 0, ErrBodyNotReady
	}
	n, _ := p.buf.Read(b)
	p.cond.Broadcast()
	return n, nil
}

// ResponseSink receives one response. Methods are called from the connection's writer
// goroutine and must not block.
type ResponseSink interface {
	// OnHeaders delivers the final status and header list.
	OnHeaders(status int, header []HeaderField) error
	// OnData delivers one chunk of the body; p is only valid during the call.
	OnData(p []byte) error
	// OnTrailers delivers the trailing header block.
	OnTrailers(trailer []HeaderField)
	// Buffered returns how many delivered body bytes the consumer has not read yet.
	Buffered() int
	// OnFinish is called exactly once; err is nil on success.
	OnFinish(err error)
}

// wakeSetter is implemented by sinks and bodies that signal the connection when they make
// progress outside the writer goroutine.
type wakeSetter interface {
	SetWake(fn func())
}

// Response is the default ResponseSink. Body reads as the response arrives.
type Response struct {
	Status     string
	StatusCode int
	Header     []HeaderField
	Trailer    []HeaderField // valid after Body returned io.EOF
	Body       io.ReadCloser
	Request    *Request

	ready    chan struct{}
	readyErr error
	once     sync.Once
	body     *responseBody
}

// NewResponse creates an empty response sink bound to req.
func NewResponse(req *Request) *Response {
	b := &responseBody{}
	b.cond = sync.NewCond(&b.mu)
	if req != nil {
		b.cancel = req.Cancel
	}
	return &Response{Request: req, Body: b, body: b, ready: make(chan struct{})}
}

// GetHeader returns the first value of name.
func (r *Response) GetHeader(name string) string {
	name = strings.ToLower(name)
	for _, hf := range r.Header {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// Wait blocks until the response headers arrived or the exchange failed.
func (r *Response) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		if r.Request != nil {
			r.Request.Cancel()
		}
		return ctx.Err()
	}
}

// ReadAll drains the body.
func (r *Response) ReadAll() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (r *Response) SetWake(fn func()) {
	r.body.mu.Lock()
	r.body.wake = fn
	r.body.mu.Unlock()
}

func (r *Response) OnHeaders(status int, header []HeaderField) error {
	r.StatusCode = status
	r.Status = strconv.Itoa(status)
	r.Header = header
	r.once.Do(func() { close(r.ready) })
	return nil
}

func (r *Response) OnData(p []byte) error {
	return r.body.write(p)
}

func (r *Response) OnTrailers(trailer []HeaderField) {
	r.body.mu.Lock()
	r.Trailer = trailer
	r.body.mu.Unlock()
}

func (r *Response) Buffered() int {
	return r.body.buffered()
}

func (r *Response) OnFinish(err error) {
	r.body.finish(err)
	r.once.Do(func() {
		r.readyErr = err
		if err == nil {
			r.readyErr = errors.New("response finished without headers")
		}
		close(r.ready)
	})
}

// responseBody is the bounded buffer between the writer goroutine and the body reader.
// Flow control bounds how much the peer can put in it; each read wakes the connection so
// it can grant more window.
type responseBody struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	err    error // io.EOF on success
	closed bool
	wake   func()
	cancel func()
}

var errBodyClosed = errors.New("read on closed response body")

func (b *responseBody) write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBodyClosed
	}
	b.buf.Write(p)
	b.cond.Broadcast()
	return nil
}

func (b *responseBody) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *responseBody) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *responseBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	for b.buf.Len() == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return 0, errBodyClosed
	}
	if b.buf.Len() == 0 {
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	n, _ := b.buf.Read(p)
	wake := b.wake
	b.mu.Unlock()
	if wake != nil {
		wake()
	}
	return n, nil
}

// Close discards unread data. Closing before EOF cancels the request.
func (b *responseBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	finished := b.err != nil
	b.buf.Reset()
	b.cond.Broadcast()
	wake, cancel := b.wake, b.cancel
	b.mu.Unlock()

	if !finished && cancel != nil {
		cancel()
	}
	if wake != nil {
		wake()
	}
	return nil
}
