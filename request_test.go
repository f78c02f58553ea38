package h2mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("post", "https://example.com:8443/upload?x=1", strings.NewReader("hello"))
	require.NoError(t, err)

	assert.Equal(t, MethodPOST, req.Method)
	assert.Equal(t, SchemeHTTPS, req.Scheme)
	assert.Equal(t, "example.com:8443", req.Authority)
	assert.Equal(t, "/upload?x=1", req.Path)
	assert.Equal(t, int64(5), req.ContentLength)
	assert.Equal(t, -1, req.MaxRetries)
	assert.NotEqual(t, [16]byte{}, [16]byte(req.ID))
	assert.True(t, req.hasBody())

	_, err = NewRequest(MethodGET, "/relative", nil)
	assert.Error(t, err)
}

func TestRequestHeaderFields(t *testing.T) {
	req, err := NewRequest(MethodPOST, "https://example.com/api", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	req.AddHeaders(
		HeaderField{Name: "Content-Type", Value: "application/json"},
		HeaderField{Name: "Connection", Value: "keep-alive"},
		HeaderField{Name: "Host", Value: "other.example.com"},
		HeaderField{Name: "TE", Value: "gzip"},
		HeaderField{Name: "X-Multi", Value: "a"},
		HeaderField{Name: "X-Multi", Value: "b"},
	)

	assert.Equal(t, []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/api"},
		{Name: "content-type", Value: "application/json"},
		{Name: "x-multi", Value: "a"},
		{Name: "x-multi", Value: "b"},
		{Name: "content-length", Value: "2"},
	}, req.headerFields())
}

func TestRequestHeaderFieldsConnect(t *testing.T) {
	plain := &Request{Method: MethodCONNECT, Authority: "proxy.example.com:443"}
	require.NoError(t, plain.validate())
	assert.Equal(t, []HeaderField{
		{Name: ":method", Value: "CONNECT"},
		{Name: ":authority", Value: "proxy.example.com:443"},
	}, plain.headerFields())

	ws := &Request{Method: MethodCONNECT, Scheme: SchemeHTTPS, Authority: "example.com", Path: "/chat", Protocol: "websocket"}
	require.NoError(t, ws.validate())
	assert.Equal(t, HeaderField{Name: ":protocol", Value: "websocket"}, ws.headerFields()[4])
}

func TestRequestValidate(t *testing.T) {
	testCases := []struct {
		name string
		req  Request
	}{
		{"missing method", Request{Authority: "a", Path: "/"}},
		{"bad method", Request{Method: "GE T", Authority: "a", Path: "/"}},
		{"missing authority", Request{Method: "GET", Path: "/"}},
		{"missing path", Request{Method: "GET", Authority: "a"}},
		{"protocol without CONNECT", Request{Method: "GET", Authority: "a", Path: "/", Protocol: "websocket"}},
		{"bad header name", Request{Method: "GET", Authority: "a", Path: "/", Header: []HeaderField{{Name: "bad name", Value: "v"}}}},
		{"bad header value", Request{Method: "GET", Authority: "a", Path: "/", Header: []HeaderField{{Name: "x", Value: "a\r\nb"}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			assert.Error(t, req.validate())
		})
	}
}

func TestRequestSetHeader(t *testing.T) {
	req := &Request{}
	req.AddHeaders(HeaderField{Name: "Accept", Value: "a"}, HeaderField{Name: "accept", Value: "b"})
	req.SetHeader("ACCEPT", "c")
	assert.Equal(t, []HeaderField{{Name: "accept", Value: "c"}}, req.Header)
	assert.Equal(t, "c", req.GetHeader("Accept"))
	assert.Empty(t, req.GetHeader("missing"))
}

func TestRequestRewindBody(t *testing.T) {
	req, err := NewRequest(MethodPUT, "https://example.com/", strings.NewReader("payload"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = req.Body.Read(buf)
	require.NoError(t, err)
	req.bodyStarted = true

	require.True(t, req.replayable())
	require.NoError(t, req.rewindBody())
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	streaming := &Request{Body: NewBodyPipe(0), ContentLength: -1, bodyStarted: true, MaxRetries: 3}
	assert.False(t, streaming.replayable())
	assert.False(t, streaming.canResend())
	assert.Error(t, streaming.rewindBody())
}

func TestRequestCanResend(t *testing.T) {
	req := &Request{MaxRetries: 1}
	assert.True(t, req.canResend())

	req.headersSeen = true
	assert.False(t, req.canResend(), "a response already started")

	req = &Request{MaxRetries: 1, retries: 1}
	assert.False(t, req.canResend(), "budget spent")
}

func TestBodyPipe(t *testing.T) {
	p := NewBodyPipe(4)
	var wakes atomic.Int32
	p.SetWake(func() { wakes.Add(1) })

	buf := make([]byte, 8)
	_, err := p.Read(buf)
	assert.ErrorIs(t, err, ErrBodyNotReady)

	n, err := p.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	written := make(chan struct{})
	go func() {
		_, _ = p.Write([]byte("ef"))
		close(written)
	}()
	select {
	case <-written:
		t.Fatal("write into a full pipe must block")
	case <-time.After(20 * time.Millisecond):
	}

	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	<-written

	require.NoError(t, p.Close())
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))

	_, err = p.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, wakes.Load(), int32(3))

	_, err = p.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestBodyPipeCloseWithError(t *testing.T) {
	p := NewBodyPipe(0)
	boom := errors.New("producer failed")
	require.NoError(t, p.CloseWithError(boom))
	_, err := p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, boom)
}

func TestResponseSink(t *testing.T) {
	req := &Request{}
	resp := NewResponse(req)

	var wakes atomic.Int32
	resp.SetWake(func() { wakes.Add(1) })

	require.NoError(t, resp.OnHeaders(200, []HeaderField{{Name: "content-type", Value: "text/plain"}}))
	require.NoError(t, resp.Wait(context.Background()))
	assert.Equal(t, "200", resp.Status)
	assert.Equal(t, "text/plain", resp.GetHeader("Content-Type"))

	require.NoError(t, resp.OnData([]byte("hello ")))
	require.NoError(t, resp.OnData([]byte("world")))
	assert.Equal(t, 11, resp.Buffered())
	resp.OnTrailers([]HeaderField{{Name: "grpc-status", Value: "0"}})
	resp.OnFinish(nil)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, []HeaderField{{Name: "grpc-status", Value: "0"}}, resp.Trailer)
	assert.Positive(t, wakes.Load())
}

func TestResponseFinishWithoutHeaders(t *testing.T) {
	resp := NewResponse(nil)
	resp.OnFinish(ErrConnectionClosed)
	assert.ErrorIs(t, resp.Wait(context.Background()), ErrConnectionClosed)

	resp = NewResponse(nil)
	resp.OnFinish(nil)
	assert.Error(t, resp.Wait(context.Background()))
}

func TestResponseBodyCloseCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := &Request{ctx: ctx, cancel: cancel}
	resp := NewResponse(req)
	require.NoError(t, resp.OnHeaders(200, nil))
	require.NoError(t, resp.OnData([]byte("partial")))

	require.NoError(t, resp.Body.Close())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Error(t, resp.OnData([]byte("more")))

	_, err := resp.Body.Read(make([]byte, 4))
	assert.Error(t, err)
}

func TestResponseWaitContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, NewResponse(nil).Wait(ctx), context.DeadlineExceeded)
}
