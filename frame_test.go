package h2mux

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeBytes parses one encoded frame through a fresh pooled buffer.
func decodeBytes(t *testing.T, pool *BufferPool, raw []byte) (Frame, error) {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), FrameHeaderLen)
	h := ParseFrameHeader(raw)
	var payload *Buffer
	if h.Length > 0 {
		payload = pool.Get(int(h.Length))
		copy(payload.Bytes(), raw[FrameHeaderLen:])
	}
	return DecodeFrame(h, payload)
}

func TestFrameRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "DATA",
			frame: &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: 1}, Data: []byte("hello")},
		},
		{
			name: "DATA padded with END_STREAM",
			frame: &DataFrame{
				FrameHeader: FrameHeader{Type: FrameTypeDATA, Flags: FlagDataEndStream | FlagDataPadded, StreamID: 3},
				PadLength:   7,
				Data:        []byte("payload"),
			},
		},
		{
			name:  "DATA empty END_STREAM",
			frame: &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, Flags: FlagDataEndStream, StreamID: 5}},
		},
		{
			name: "HEADERS with priority and padding",
			frame: &HeadersFrame{
				FrameHeader:   FrameHeader{Type: FrameTypeHEADERS, Flags: FlagHeadersEndHeaders | FlagHeadersPadded | FlagHeadersPriority, StreamID: 1},
				PadLength:     3,
				Priority:      &PriorityParam{StreamDep: 0, Exclusive: true, Weight: 15},
				BlockFragment: []byte{0x82, 0x86, 0x84},
			},
		},
		{
			name: "HEADERS END_STREAM without END_HEADERS",
			frame: &HeadersFrame{
				FrameHeader:   FrameHeader{Type: FrameTypeHEADERS, Flags: FlagHeadersEndStream, StreamID: 7},
				BlockFragment: []byte{0x88},
			},
		},
		{
			name: "PRIORITY",
			frame: &PriorityFrame{
				FrameHeader:   FrameHeader{Type: FrameTypePRIORITY, StreamID: 9},
				PriorityParam: PriorityParam{StreamDep: 1, Weight: 200},
			},
		},
		{
			name:  "RST_STREAM",
			frame: &RSTStreamFrame{FrameHeader: FrameHeader{Type: FrameTypeRST_STREAM, StreamID: 1}, ErrCode: ErrorCodeCancel},
		},
		{
			name: "SETTINGS",
			frame: &SettingsFrame{
				FrameHeader: FrameHeader{Type: FrameTypeSETTINGS},
				Settings: []Setting{
					{ID: SettingsInitialWindowSize, Val: 10000},
					{ID: SettingsMaxConcurrentStreams, Val: 1},
				},
			},
		},
		{
			name:  "SETTINGS ACK",
			frame: &SettingsFrame{FrameHeader: FrameHeader{Type: FrameTypeSETTINGS, Flags: FlagSettingsAck}},
		},
		{
			name: "PUSH_PROMISE padded",
			frame: &PushPromiseFrame{
				FrameHeader:   FrameHeader{Type: FrameTypePUSH_PROMISE, Flags: FlagPushPromiseEndHeaders | FlagPushPromisePadded, StreamID: 1},
				PadLength:     2,
				PromisedID:    2,
				BlockFragment: []byte{0x82},
			},
		},
		{
			name:  "PING ACK",
			frame: &PingFrame{FrameHeader: FrameHeader{Type: FrameTypePING, Flags: FlagPingAck}, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		},
		{
			name: "GOAWAY with debug data",
			frame: &GoAwayFrame{
				FrameHeader:  FrameHeader{Type: FrameTypeGOAWAY},
				LastStreamID: 5,
				ErrCode:      ErrorCodeEnhanceYourCalm,
				DebugData:    []byte("slow down"),
			},
		},
		{
			name:  "WINDOW_UPDATE",
			frame: &WindowUpdateFrame{FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE, StreamID: 3}, Increment: maxWindowSize},
		},
		{
			name: "CONTINUATION",
			frame: &ContinuationFrame{
				FrameHeader:   FrameHeader{Type: FrameTypeCONTINUATION, Flags: FlagContinuationEndHeaders, StreamID: 1},
				BlockFragment: []byte{0x40, 0x01, 'a', 0x01, 'b'},
			},
		},
		{
			name: "ALTSVC",
			frame: &AltSvcFrame{
				FrameHeader: FrameHeader{Type: FrameTypeALTSVC},
				Origin:      "https://example.com",
				FieldValue:  `h2="alt.example.com:443"`,
			},
		},
		{
			name:  "unknown type",
			frame: &UnknownFrame{FrameHeader: FrameHeader{Type: FrameType(0xfa), StreamID: 1}, Payload: []byte{9, 9}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool := NewBufferPool()
			raw, err := EncodeFrame(tc.frame)
			require.NoError(t, err)

			decoded, err := decodeBytes(t, pool, raw)
			require.NoError(t, err)

			want := tc.frame
			setLength(want, uint32(len(raw)-FrameHeaderLen))
			assert.Equal(t, normalize(want), normalize(decoded))

			again, err := EncodeFrame(decoded)
			require.NoError(t, err)
			assert.Equal(t, raw, again)

			decoded.Release()
			assert.Zero(t, pool.Outstanding())
		})
	}
}

// setLength fills the header length the encoder computed, for comparison.
func setLength(f Frame, n uint32) {
	switch f := f.(type) {
	case *DataFrame:
		f.Length = n
	case *HeadersFrame:
		f.Length = n
	case *PriorityFrame:
		f.Length = n
	case *RSTStreamFrame:
		f.Length = n
	case *SettingsFrame:
		f.Length = n
	case *PushPromiseFrame:
		f.Length = n
	case *PingFrame:
		f.Length = n
	case *GoAwayFrame:
		f.Length = n
	case *WindowUpdateFrame:
		f.Length = n
	case *ContinuationFrame:
		f.Length = n
	case *AltSvcFrame:
		f.Length = n
	case *UnknownFrame:
		f.Length = n
	}
}

// normalize strips the pooled buffer handles so frames compare by value.
func normalize(f Frame) Frame {
	switch f := f.(type) {
	case *DataFrame:
		c := *f
		c.buf = nil
		if len(c.Data) == 0 {
			c.Data = nil
		}
		return &c
	case *HeadersFrame:
		c := *f
		c.buf = nil
		return &c
	case *PushPromiseFrame:
		c := *f
		c.buf = nil
		return &c
	case *ContinuationFrame:
		c := *f
		c.buf = nil
		return &c
	}
	return f
}

func TestDecodeFrameErrors(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
		code ErrCode
	}{
		{
			name: "padding longer than payload",
			// DATA, PADDED, stream 1, pad length 10 with 2 bytes of data
			raw:  []byte{0, 0, 3, 0x0, 0x8, 0, 0, 0, 1, 10, 'h', 'i'},
			code: ErrorCodeProtocolError,
		},
		{
			name: "padded DATA without pad length",
			raw:  []byte{0, 0, 0, 0x0, 0x8, 0, 0, 0, 1},
			code: ErrorCodeFrameSizeError,
		},
		{
			name: "DATA on stream 0",
			raw:  []byte{0, 0, 1, 0x0, 0x0, 0, 0, 0, 0, 'x'},
			code: ErrorCodeProtocolError,
		},
		{
			name: "short PING",
			raw:  []byte{0, 0, 4, 0x6, 0x0, 0, 0, 0, 0, 1, 2, 3, 4},
			code: ErrorCodeFrameSizeError,
		},
		{
			name: "SETTINGS length not a multiple of 6",
			raw:  []byte{0, 0, 4, 0x4, 0x0, 0, 0, 0, 0, 0, 1, 0, 0},
			code: ErrorCodeFrameSizeError,
		},
		{
			name: "SETTINGS ACK with payload",
			raw:  []byte{0, 0, 6, 0x4, 0x1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 1},
			code: ErrorCodeFrameSizeError,
		},
		{
			name: "RST_STREAM wrong size",
			raw:  []byte{0, 0, 2, 0x3, 0x0, 0, 0, 0, 1, 0, 8},
			code: ErrorCodeFrameSizeError,
		},
		{
			name: "HEADERS priority truncated",
			raw:  []byte{0, 0, 2, 0x1, 0x24, 0, 0, 0, 1, 0, 0},
			code: ErrorCodeFrameSizeError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool := NewBufferPool()
			f, err := decodeBytes(t, pool, tc.raw)
			require.Nil(t, f)

			var fe *FrameError
			require.True(t, errors.As(err, &fe), "expected *FrameError, got %v", err)
			assert.Equal(t, tc.code, fe.Code)
			assert.Zero(t, pool.Outstanding(), "codec must release the payload on error")
		})
	}
}

func TestEncodeFrameMasksReservedBit(t *testing.T) {
	raw, err := EncodeFrame(&WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE, StreamID: 1<<31 | 3},
		Increment:   1<<31 | 10,
	})
	require.NoError(t, err)

	h := ParseFrameHeader(raw)
	assert.Equal(t, uint32(3), h.StreamID)
	assert.Zero(t, raw[5]&0x80)
	assert.Zero(t, raw[9]&0x80)
}

func TestCanReadFullFrame(t *testing.T) {
	raw, err := EncodeFrame(&DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: 1}, Data: []byte("abcdef")})
	require.NoError(t, err)

	pr, pw := io.Pipe()
	br := bufio.NewReaderSize(pr, 64)
	go func() {
		_, _ = pw.Write(raw[:FrameHeaderLen+2])
	}()
	_, err = br.Peek(FrameHeaderLen + 2)
	require.NoError(t, err)
	assert.False(t, CanReadFullFrame(br))

	go func() {
		_, _ = pw.Write(raw[FrameHeaderLen+2:])
	}()
	_, err = br.Peek(len(raw))
	require.NoError(t, err)
	assert.True(t, CanReadFullFrame(br))
	assert.Equal(t, len(raw), br.Buffered(), "peeking must not consume")
}

func TestFrameReader(t *testing.T) {
	var stream bytes.Buffer
	for _, f := range []Frame{
		&SettingsFrame{FrameHeader: FrameHeader{Type: FrameTypeSETTINGS}, Settings: []Setting{{ID: SettingsMaxFrameSize, Val: 20000}}},
		&DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: 1}, Data: bytes.Repeat([]byte("x"), 100)},
		&PingFrame{FrameHeader: FrameHeader{Type: FrameTypePING}},
	} {
		raw, err := EncodeFrame(f)
		require.NoError(t, err)
		stream.Write(raw)
	}

	pool := NewBufferPool()
	fr := NewFrameReader(&stream, pool, DefaultMaxFrameSize)

	f, err := fr.ReadFrame()
	require.NoError(t, err)
	require.IsType(t, &SettingsFrame{}, f)
	assert.True(t, fr.Buffered())

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	data := f.(*DataFrame)
	assert.Len(t, data.Data, 100)
	assert.Equal(t, int64(1), pool.Outstanding())
	data.Release()
	assert.Zero(t, pool.Outstanding())

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	require.IsType(t, &PingFrame{}, f)
	assert.False(t, fr.Buffered())

	_, err = fr.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	raw, err := EncodeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: 1},
		Data:        make([]byte, DefaultMaxFrameSize+1),
	})
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(raw), NewBufferPool(), DefaultMaxFrameSize)
	_, err = fr.ReadFrame()

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorCodeFrameSizeError, ce.Code)
}

func TestFrameReaderTruncatedPayload(t *testing.T) {
	raw, err := EncodeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FrameTypePING}})
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(raw[:FrameHeaderLen+3]), NewBufferPool(), DefaultMaxFrameSize)
	_, err = fr.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDataFrameWireLength(t *testing.T) {
	f := &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, Flags: FlagDataPadded}, PadLength: 4, Data: []byte("abc")}
	assert.Equal(t, 3+1+4, f.WireLength())

	f = &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA}, Data: []byte("abc")}
	assert.Equal(t, 3, f.WireLength())
}
