package h2mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// HTTP2Transport implements http.RoundTripper interface for HTTP/2 communication.
// It allows using standard http.Client with HTTP/2 transport layer.
type HTTP2Transport struct {
	client *Client
	closed atomic.Bool

	// DisableCompression stops the transport from requesting gzip on its own.
	DisableCompression bool
}

// NewHTTP2Transport creates a new HTTP/2 transport instance.
func NewHTTP2Transport(opts ...ClientOption) (*HTTP2Transport, error) {
	LogConnection("creating_transport", "", map[string]interface{}{
		"protocol": "HTTP/2.0",
	})

	client, err := NewClient(opts...)
	if err != nil {
		LogError(err, "transport_creation_failed", nil)
		return nil, fmt.Errorf("failed to create HTTP/2 client: %w", err)
	}

	return &HTTP2Transport{client: client}, nil
}

// RoundTrip implements the http.RoundTripper interface.
// It converts standard http.Request to HTTP/2 format, sends it over a pooled HTTP/2
// connection, and converts the response back to standard http.Response format.
func (t *HTTP2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.closed.Load() {
		LogError(fmt.Errorf("transport closed"), "roundtrip_failed", map[string]interface{}{
			"url": req.URL.String(),
		})
		return nil, fmt.Errorf("transport is closed")
	}

	// Convert standard http.Request to internal Request format
	h2Req, requestedGzip, err := t.convertRequest(req)
	if err != nil {
		LogError(err, "request_conversion_failed", map[string]interface{}{
			"method": req.Method,
			"url":    req.URL.String(),
		})
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}

	h2Resp, err := t.client.Do(h2Req)
	if err != nil {
		LogError(err, "http2_request_failed", map[string]interface{}{
			"method": req.Method,
			"url":    req.URL.String(),
		})
		return nil, fmt.Errorf("HTTP/2 request failed: %w", err)
	}

	return convertResponse(h2Resp, req, requestedGzip), nil
}

// Close terminates the HTTP/2 transport and underlying connections.
func (t *HTTP2Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		return t.client.Close()
	}
	return nil
}

// Client returns the pooled client behind the transport.
func (t *HTTP2Transport) Client() *Client { return t.client }

// convertRequest converts a standard http.Request to the internal Request format.
// It reports whether the transport added Accept-Encoding: gzip itself.
func (t *HTTP2Transport) convertRequest(req *http.Request) (*Request, bool, error) {
	h2Req, err := ConvertHTTPRequest(req)
	if err != nil {
		return nil, false, err
	}

	// Request gzip only when the caller did not ask for an encoding and the
	// request is not for a range of the representation.
	requestedGzip := false
	if !t.DisableCompression &&
		req.Header.Get("Accept-Encoding") == "" &&
		req.Header.Get("Range") == "" &&
		req.Method != http.MethodHead {
		h2Req.SetHeader(HeaderAcceptEncoding, "gzip")
		requestedGzip = true
	}
	return h2Req, requestedGzip, nil
}

// ConvertHTTPRequest converts a standard http.Request to the internal Request format.
// Streaming bodies are pumped into a BodyPipe by a separate goroutine so the connection
// never blocks on them.
func ConvertHTTPRequest(req *http.Request) (*Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = MethodGET
	}

	Logger.Debug().
		Str("event", "request_conversion").
		Str("method", method).
		Str("url", req.URL.String()).
		Msg("Converting HTTP request to HTTP/2")

	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	if authority == "" {
		return nil, fmt.Errorf("request has no host")
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = SchemeHTTPS
	}

	h2Req := &Request{
		Method:     method,
		Scheme:     scheme,
		Authority:  authority,
		Path:       req.URL.RequestURI(),
		MaxRetries: -1,
		ctx:        req.Context(),
	}
	if method == MethodCONNECT {
		h2Req.Path = ""
		h2Req.Protocol = req.Header.Get(PseudoHeaderProtocol)
		if h2Req.Protocol != "" {
			h2Req.Path = req.URL.RequestURI()
		}
	}

	// HTTP/2 header names must be lowercase per RFC 7540
	for name, values := range req.Header {
		headerName := strings.ToLower(name)
		if isConnectionSpecific(headerName) || strings.HasPrefix(headerName, ":") {
			continue
		}
		for _, v := range values {
			h2Req.Header = append(h2Req.Header, HeaderField{Name: headerName, Value: v})
		}
	}

	if req.Body == nil || req.Body == http.NoBody {
		h2Req.ContentLength = 0
		return h2Req, nil
	}
	h2Req.ContentLength = req.ContentLength
	if h2Req.ContentLength == 0 {
		h2Req.ContentLength = -1
	}
	h2Req.Body = pipeBody(req.Body)
	if req.GetBody != nil {
		h2Req.GetBody = func() (io.Reader, error) {
			rc, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			return pipeBody(rc), nil
		}
	}
	return h2Req, nil
}

// pipeBody copies rc into a BodyPipe from its own goroutine.
func pipeBody(rc io.ReadCloser) *BodyPipe {
	pipe := NewBodyPipe(DefaultBodyPipeLimit)
	go func() {
		_, err := io.Copy(pipe, rc)
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
		_ = pipe.CloseWithError(err)
	}()
	return pipe
}

// ConvertHTTPResponse converts an internal Response to standard http.Response format.
func ConvertHTTPResponse(resp *Response, originalReq *http.Request) *http.Response {
	return convertResponse(resp, originalReq, false)
}

func convertResponse(resp *Response, originalReq *http.Request, requestedGzip bool) *http.Response {
	Logger.Debug().
		Str("event", "response_conversion").
		Int("status_code", resp.StatusCode).
		Msg("Converting HTTP/2 response to HTTP")

	statusText := http.StatusText(resp.StatusCode)
	if statusText == "" {
		statusText = "Unknown"
	}

	// Convert HTTP/2 headers back to HTTP/1.1 format
	httpHeaders := make(http.Header, len(resp.Header))
	for _, hf := range resp.Header {
		if hf.IsPseudo() {
			continue
		}
		httpHeaders.Add(hf.Name, hf.Value)
	}

	contentLength := int64(-1)
	if v := httpHeaders.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			contentLength = n
		}
	}

	httpResp := &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, statusText),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        httpHeaders,
		Body:          &trailerBody{body: resp.Body, resp: resp},
		ContentLength: contentLength,
		Request:       originalReq,
	}
	httpResp.Trailer = make(http.Header)
	httpResp.Body.(*trailerBody).trailer = httpResp.Trailer

	if requestedGzip && strings.EqualFold(httpHeaders.Get("Content-Encoding"), "gzip") {
		httpHeaders.Del("Content-Encoding")
		httpHeaders.Del("Content-Length")
		httpResp.ContentLength = -1
		httpResp.Uncompressed = true
		httpResp.Body = &gzipReader{body: httpResp.Body}
	}
	return httpResp
}

// trailerBody copies the response trailers into the http.Response once the body hit EOF.
type trailerBody struct {
	body    io.ReadCloser
	resp    *Response
	trailer http.Header
}

func (b *trailerBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if errors.Is(err, io.EOF) {
		for _, hf := range b.resp.Trailer {
			b.trailer.Add(hf.Name, hf.Value)
		}
	}
	return n, err
}

func (b *trailerBody) Close() error { return b.body.Close() }

// gzipReader wraps a response body so it can lazily call gzip.NewReader on the first Read.
type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
	zerr error
}

func (gz *gzipReader) Read(p []byte) (int, error) {
	if gz.zerr != nil {
		return 0, gz.zerr
	}
	if gz.zr == nil {
		zr, err := gzip.NewReader(gz.body)
		if err != nil {
			gz.zerr = err
			return 0, err
		}
		gz.zr = zr
	}
	return gz.zr.Read(p)
}

func (gz *gzipReader) Close() error {
	if err := gz.body.Close(); err != nil {
		return err
	}
	gz.zerr = fs.ErrClosed
	return nil
}

// HTTP2Client wraps the standard http.Client with HTTP/2 transport.
// It provides a drop-in replacement for http.Client that uses HTTP/2 protocol.
type HTTP2Client struct {
	*http.Client
	transport *HTTP2Transport
}

// NewHTTP2Client creates a new HTTP client with HTTP/2 transport.
func NewHTTP2Client(opts ...ClientOption) (*HTTP2Client, error) {
	transport, err := NewHTTP2Transport(opts...)
	if err != nil {
		return nil, err
	}

	return &HTTP2Client{
		Client:    &http.Client{Transport: transport},
		transport: transport,
	}, nil
}

// Close terminates the HTTP/2 client and underlying connections.
func (c *HTTP2Client) Close() error {
	return c.transport.Close()
}

// SendHTTPRequest sends a standard http.Request over HTTP/2 and returns http.Response.
func (c *Client) SendHTTPRequest(req *http.Request) (*http.Response, error) {
	h2Req, err := ConvertHTTPRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}

	h2Resp, err := c.Do(h2Req)
	if err != nil {
		return nil, fmt.Errorf("HTTP/2 request failed: %w", err)
	}
	return ConvertHTTPResponse(h2Resp, req), nil
}

// NewGetRequest creates a GET request for urlStr.
func NewGetRequest(urlStr string) (*http.Request, error) {
	return http.NewRequest(http.MethodGet, urlStr, nil)
}

// NewPostRequest creates a POST request carrying a JSON body.
func NewPostRequest(urlStr string, jsonBody []byte) (*http.Request, error) {
	return newPostRequest(urlStr, "application/json", bytes.NewReader(jsonBody))
}

// NewPostFormRequest creates a POST request carrying form-encoded data.
func NewPostFormRequest(urlStr string, formData url.Values) (*http.Request, error) {
	return newPostRequest(urlStr, "application/x-www-form-urlencoded", strings.NewReader(formData.Encode()))
}

func newPostRequest(urlStr, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// DoGet sends a GET for urlStr over the pool.
func (c *Client) DoGet(urlStr string) (*http.Response, error) {
	return c.sendBuilt(NewGetRequest(urlStr))
}

// DoPost sends jsonBody to urlStr.
func (c *Client) DoPost(urlStr string, jsonBody []byte) (*http.Response, error) {
	return c.sendBuilt(NewPostRequest(urlStr, jsonBody))
}

// DoPostForm sends formData to urlStr.
func (c *Client) DoPostForm(urlStr string, formData url.Values) (*http.Response, error) {
	return c.sendBuilt(NewPostFormRequest(urlStr, formData))
}

func (c *Client) sendBuilt(req *http.Request, err error) (*http.Response, error) {
	if err != nil {
		return nil, err
	}
	return c.SendHTTPRequest(req)
}
