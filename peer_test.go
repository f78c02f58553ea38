package h2mux

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const peerTimeout = 2 * time.Second

// peerFrame is a frame written by the client. Fields holds the decoded header block on the
// frame that completed it.
type peerFrame struct {
	Frame  Frame
	Fields []HeaderField
	Err    error
}

func (pf peerFrame) Header() FrameHeader { return pf.Frame.Header() }

// testPeer is the server end of a net.Pipe. It decodes every client frame in order on its
// own goroutine, so header blocks keep the HPACK tables in step.
type testPeer struct {
	t      *testing.T
	conn   net.Conn
	enc    *HPACKCodec
	frames chan peerFrame
	wmu    sync.Mutex
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	p := &testPeer{
		t:      t,
		conn:   conn,
		enc:    newTestCodec(0),
		frames: make(chan peerFrame, 1024),
	}
	go p.readLoop()
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.frames)

	preface := make([]byte, len(ConnectionPreface))
	if _, err := io.ReadFull(p.conn, preface); err != nil {
		p.frames <- peerFrame{Err: err}
		return
	}
	if !bytes.Equal(preface, ConnectionPreface) {
		p.frames <- peerFrame{Err: io.ErrUnexpectedEOF}
		return
	}

	fr := NewFrameReader(p.conn, NewBufferPool(), 1<<16)
	dec := newTestCodec(0)
	var block []byte
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		pf := peerFrame{Frame: f}
		switch f := f.(type) {
		case *HeadersFrame:
			block = append(block[:0], f.BlockFragment...)
			if f.Flags.Has(FlagHeadersEndHeaders) {
				pf.Fields, pf.Err = dec.DecodeHeaders(block)
			}
		case *ContinuationFrame:
			block = append(block, f.BlockFragment...)
			if f.Flags.Has(FlagContinuationEndHeaders) {
				pf.Fields, pf.Err = dec.DecodeHeaders(block)
			}
		}
		p.frames <- pf
	}
}

// next returns the next client frame in order.
func (p *testPeer) next() peerFrame {
	p.t.Helper()
	select {
	case pf, ok := <-p.frames:
		require.True(p.t, ok, "client closed the connection")
		require.NoError(p.t, pf.Err)
		return pf
	case <-time.After(peerTimeout):
		p.t.Fatal("timed out waiting for a client frame")
		return peerFrame{}
	}
}

// expect skips frames until one matches.
func (p *testPeer) expect(match func(pf peerFrame) bool) peerFrame {
	p.t.Helper()
	deadline := time.After(peerTimeout)
	for {
		select {
		case pf, ok := <-p.frames:
			require.True(p.t, ok, "client closed the connection")
			require.NoError(p.t, pf.Err)
			if match(pf) {
				return pf
			}
		case <-deadline:
			p.t.Fatal("timed out waiting for a matching client frame")
			return peerFrame{}
		}
	}
}

func (p *testPeer) expectType(typ FrameType, streamID uint32) peerFrame {
	p.t.Helper()
	return p.expect(func(pf peerFrame) bool {
		h := pf.Header()
		return h.Type == typ && h.StreamID == streamID
	})
}

// expectTicking is expect for frames that need the mock clock to move.
func (p *testPeer) expectTicking(mock *clock.Mock, match func(pf peerFrame) bool) peerFrame {
	p.t.Helper()
	for i := 0; i < 120; i++ {
		mock.Add(time.Second)
		select {
		case pf, ok := <-p.frames:
			require.True(p.t, ok, "client closed the connection")
			require.NoError(p.t, pf.Err)
			if match(pf) {
				return pf
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	p.t.Fatal("timed out waiting for a matching client frame")
	return peerFrame{}
}

// expectNone checks that no matching frame shows up for a short while.
func (p *testPeer) expectNone(match func(pf peerFrame) bool) {
	p.t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case pf, ok := <-p.frames:
			if !ok {
				return
			}
			require.NoError(p.t, pf.Err)
			require.False(p.t, match(pf), "unexpected frame %v", pf.Header())
		case <-deadline:
			return
		}
	}
}

// closed waits until the client closed its end.
func (p *testPeer) closed() {
	p.t.Helper()
	deadline := time.After(peerTimeout)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("client did not close the connection")
		}
	}
}

func (p *testPeer) write(frames ...Frame) {
	p.t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	for _, f := range frames {
		raw, err := EncodeFrame(f)
		require.NoError(p.t, err)
		_, err = p.conn.Write(raw)
		require.NoError(p.t, err)
	}
}

// writeRaw writes bytes the codec would refuse to produce.
func (p *testPeer) writeRaw(b []byte) {
	p.t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func rawFrame(typ FrameType, flags Flags, streamID uint32, payload []byte) []byte {
	n := len(payload)
	b := []byte{byte(n >> 16), byte(n >> 8), byte(n), byte(typ), byte(flags),
		byte(streamID >> 24), byte(streamID >> 16), byte(streamID >> 8), byte(streamID)}
	return append(b, payload...)
}

func (p *testPeer) settings(settings ...Setting) {
	p.t.Helper()
	p.write(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameTypeSETTINGS}, Settings: settings})
}

// collectData reads DATA frames of a stream until n payload bytes arrived.
func (p *testPeer) collectData(streamID uint32, n int) {
	p.t.Helper()
	got := 0
	for got < n {
		got += len(p.expectType(FrameTypeDATA, streamID).Frame.(*DataFrame).Data)
	}
	require.Equal(p.t, n, got)
}

// handshake exchanges SETTINGS and their ACKs.
func (p *testPeer) handshake(settings ...Setting) {
	p.t.Helper()
	p.write(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameTypeSETTINGS}, Settings: settings})
	p.expect(func(pf peerFrame) bool {
		s, ok := pf.Frame.(*SettingsFrame)
		return ok && !s.IsAck()
	})
	p.write(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameTypeSETTINGS, Flags: FlagSettingsAck}})
	p.expect(func(pf peerFrame) bool {
		s, ok := pf.Frame.(*SettingsFrame)
		return ok && s.IsAck()
	})
}

// headerFrames encodes a response header block split into fragments of at most maxFragment.
func (p *testPeer) headerFrames(streamID uint32, endStream bool, maxFragment int, fields ...HeaderField) []Frame {
	p.t.Helper()
	frags, err := p.enc.EncodeHeaders(fields, maxFragment)
	require.NoError(p.t, err)

	first := &HeadersFrame{FrameHeader: FrameHeader{Type: FrameTypeHEADERS, StreamID: streamID}, BlockFragment: frags[0]}
	if endStream {
		first.Flags |= FlagHeadersEndStream
	}
	if len(frags) == 1 {
		first.Flags |= FlagHeadersEndHeaders
	}
	out := []Frame{first}
	for i, frag := range frags[1:] {
		c := &ContinuationFrame{FrameHeader: FrameHeader{Type: FrameTypeCONTINUATION, StreamID: streamID}, BlockFragment: frag}
		if i == len(frags)-2 {
			c.Flags |= FlagContinuationEndHeaders
		}
		out = append(out, c)
	}
	return out
}

func (p *testPeer) respond(streamID uint32, status string, endStream bool, extra ...HeaderField) {
	p.t.Helper()
	fields := append([]HeaderField{{Name: ":status", Value: status}}, extra...)
	p.write(p.headerFrames(streamID, endStream, DefaultMaxFrameSize, fields...)...)
}

func (p *testPeer) data(streamID uint32, payload []byte, endStream bool) {
	p.t.Helper()
	f := &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: streamID}, Data: payload}
	if endStream {
		f.Flags |= FlagDataEndStream
	}
	p.write(f)
}

func (p *testPeer) windowUpdate(streamID, inc uint32) {
	p.t.Helper()
	p.write(&WindowUpdateFrame{FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE, StreamID: streamID}, Increment: inc})
}

// connHarness is a Connection wired to a testPeer on a mock clock.
type connHarness struct {
	conn  *Connection
	peer  *testPeer
	clock *clock.Mock
	pool  *BufferPool
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.IdleTimeout = 0
	cfg.Clock = clock.NewMock()
	return cfg
}

func newTestConn(t *testing.T, mutate func(cfg *Config), opts ...Option) *connHarness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	client, server := net.Pipe()
	h := &connHarness{
		peer:  newTestPeer(t, server),
		clock: cfg.Clock.(*clock.Mock),
		pool:  NewBufferPool(),
	}
	opts = append([]Option{WithBufferPool(h.pool), WithAuthority("example.com:443")}, opts...)
	conn, err := NewConnection(client, cfg, opts...)
	require.NoError(t, err)
	h.conn = conn

	t.Cleanup(func() {
		_ = conn.Close()
		_ = server.Close()
	})
	return h
}

// waitClosed waits for the connection goroutines to stop.
func (h *connHarness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.conn.Done():
	case <-time.After(peerTimeout):
		t.Fatal("connection did not stop")
	}
}

// waitClosedTicking moves the mock clock until the connection stops.
func (h *connHarness) waitClosedTicking(t *testing.T) {
	t.Helper()
	for i := 0; i < 120; i++ {
		select {
		case <-h.conn.Done():
			return
		default:
		}
		h.clock.Add(100 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection did not stop")
}

func newGet(t *testing.T, path string) *Request {
	t.Helper()
	req, err := NewRequest(MethodGET, "https://example.com"+path, nil)
	require.NoError(t, err)
	return req
}

func isType(typ FrameType, streamID uint32) func(pf peerFrame) bool {
	return func(pf peerFrame) bool {
		h := pf.Header()
		return h.Type == typ && h.StreamID == streamID
	}
}
