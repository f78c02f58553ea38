package h2mux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderLen is the size of the fixed frame header (RFC 7540 Section 4.1).
const FrameHeaderLen = 9

const (
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
	maxWindowSize   = 1<<31 - 1
	streamIDMask    = 0x7FFFFFFF
)

// ConnectionPreface is the client connection preface (RFC 7540 Section 3.5).
var ConnectionPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// FrameType is the 8-bit frame type.
type FrameType uint8

// Frame types as defined in RFC 7540 Section 6 and RFC 7838 Section 4
const (
	FrameTypeDATA          FrameType = 0x0
	FrameTypeHEADERS       FrameType = 0x1
	FrameTypePRIORITY      FrameType = 0x2
	FrameTypeRST_STREAM    FrameType = 0x3
	FrameTypeSETTINGS      FrameType = 0x4
	FrameTypePUSH_PROMISE  FrameType = 0x5
	FrameTypePING          FrameType = 0x6
	FrameTypeGOAWAY        FrameType = 0x7
	FrameTypeWINDOW_UPDATE FrameType = 0x8
	FrameTypeCONTINUATION  FrameType = 0x9
	FrameTypeALTSVC        FrameType = 0xa
)

var frameTypeNames = [...]string{
	FrameTypeDATA:          "DATA",
	FrameTypeHEADERS:       "HEADERS",
	FrameTypePRIORITY:      "PRIORITY",
	FrameTypeRST_STREAM:    "RST_STREAM",
	FrameTypeSETTINGS:      "SETTINGS",
	FrameTypePUSH_PROMISE:  "PUSH_PROMISE",
	FrameTypePING:          "PING",
	FrameTypeGOAWAY:        "GOAWAY",
	FrameTypeWINDOW_UPDATE: "WINDOW_UPDATE",
	FrameTypeCONTINUATION:  "CONTINUATION",
	FrameTypeALTSVC:        "ALTSVC",
}

func (t FrameType) String() string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("UNKNOWN_FRAME_0x%x", uint8(t))
}

// Flags is the 8-bit frame flags field. Meaning depends on the frame type.
type Flags uint8

// Flags for different frame types
const (
	FlagDataEndStream          Flags = 0x1
	FlagDataPadded             Flags = 0x8
	FlagHeadersEndStream       Flags = 0x1
	FlagHeadersEndHeaders      Flags = 0x4
	FlagHeadersPadded          Flags = 0x8
	FlagHeadersPriority        Flags = 0x20
	FlagSettingsAck            Flags = 0x1
	FlagPingAck                Flags = 0x1
	FlagContinuationEndHeaders Flags = 0x4
	FlagPushPromiseEndHeaders  Flags = 0x4
	FlagPushPromisePadded      Flags = 0x8
)

// Has reports whether all bits of v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// FrameHeader is the 9-byte header shared by every frame.
type FrameHeader struct {
	Length   uint32 // 24-bit length
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31-bit stream identifier
}

// Header returns the frame header. Promoted into every frame variant.
func (h FrameHeader) Header() FrameHeader { return h }

// Release is a no-op for variants that do not hold a pooled payload.
func (h FrameHeader) Release() {}

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=0x%x", h.Type, h.StreamID, h.Length, uint8(h.Flags))
}

// ParseFrameHeader decodes the first 9 bytes of b. The reserved stream id bit is masked off.
func ParseFrameHeader(b []byte) FrameHeader {
	_ = b[FrameHeaderLen-1]
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}

func (h FrameHeader) put(b []byte) {
	b[0] = byte(h.Length >> 16)
	b[1] = byte(h.Length >> 8)
	b[2] = byte(h.Length)
	b[3] = byte(h.Type)
	b[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[5:9], h.StreamID&streamIDMask)
}

// Frame is one decoded frame. Variants that keep a pooled payload must be released
// exactly once by whichever component consumes them last.
type Frame interface {
	Header() FrameHeader
	Release()
}

// PriorityParam is the stream dependency block of HEADERS and PRIORITY frames.
type PriorityParam struct {
	StreamDep uint32
	Exclusive bool
	Weight    uint8
}

func parsePriority(p []byte) PriorityParam {
	v := binary.BigEndian.Uint32(p[:4])
	return PriorityParam{
		StreamDep: v & streamIDMask,
		Exclusive: v&^streamIDMask != 0,
		Weight:    p[4],
	}
}

func appendPriority(dst []byte, p PriorityParam) []byte {
	v := p.StreamDep & streamIDMask
	if p.Exclusive {
		v |= 1 << 31
	}
	dst = binary.BigEndian.AppendUint32(dst, v)
	return append(dst, p.Weight)
}

// DataFrame carries request or response body bytes.
type DataFrame struct {
	FrameHeader
	PadLength uint8
	Data      []byte
	buf       *Buffer
}

// Release returns the payload buffer to its pool.
func (f *DataFrame) Release() {
	releaseLogged(f.buf, "data_frame")
	f.Data = nil
}

// StreamEnded reports END_STREAM.
func (f *DataFrame) StreamEnded() bool { return f.Flags.Has(FlagDataEndStream) }

// WireLength is the flow-controlled size: payload plus pad length byte and padding.
func (f *DataFrame) WireLength() int {
	n := len(f.Data)
	if f.Flags.Has(FlagDataPadded) || f.PadLength > 0 {
		n += 1 + int(f.PadLength)
	}
	return n
}

// HeadersFrame opens a stream or carries trailers.
type HeadersFrame struct {
	FrameHeader
	PadLength     uint8
	Priority      *PriorityParam
	BlockFragment []byte
	buf           *Buffer
}

// Release returns the payload buffer to its pool.
func (f *HeadersFrame) Release() {
	releaseLogged(f.buf, "headers_frame")
	f.BlockFragment = nil
}

func (f *HeadersFrame) takeBuffer() *Buffer {
	b := f.buf
	f.buf = nil
	return b
}

// PriorityFrame is parsed but never influences scheduling.
type PriorityFrame struct {
	FrameHeader
	PriorityParam
}

// RSTStreamFrame terminates a single stream.
type RSTStreamFrame struct {
	FrameHeader
	ErrCode ErrCode
}

// SettingsFrame carries parameters or acknowledges them.
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

// IsAck reports the ACK flag.
func (f *SettingsFrame) IsAck() bool { return f.Flags.Has(FlagSettingsAck) }

// PushPromiseFrame is parsed so its header block can be discarded; push is never accepted.
type PushPromiseFrame struct {
	FrameHeader
	PadLength     uint8
	PromisedID    uint32
	BlockFragment []byte
	buf           *Buffer
}

// Release returns the payload buffer to its pool.
func (f *PushPromiseFrame) Release() {
	releaseLogged(f.buf, "push_promise_frame")
	f.BlockFragment = nil
}

func (f *PushPromiseFrame) takeBuffer() *Buffer {
	b := f.buf
	f.buf = nil
	return b
}

// PingFrame carries 8 opaque bytes.
type PingFrame struct {
	FrameHeader
	Data [8]byte
}

// IsAck reports the ACK flag.
func (f *PingFrame) IsAck() bool { return f.Flags.Has(FlagPingAck) }

// GoAwayFrame announces connection shutdown.
type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32
	ErrCode      ErrCode
	DebugData    []byte
}

// WindowUpdateFrame grants flow-control credit.
type WindowUpdateFrame struct {
	FrameHeader
	Increment uint32
}

// ContinuationFrame continues a header block.
type ContinuationFrame struct {
	FrameHeader
	BlockFragment []byte
	buf           *Buffer
}

// Release returns the payload buffer to its pool.
func (f *ContinuationFrame) Release() {
	releaseLogged(f.buf, "continuation_frame")
	f.BlockFragment = nil
}

func (f *ContinuationFrame) takeBuffer() *Buffer {
	b := f.buf
	f.buf = nil
	return b
}

// AltSvcFrame (RFC 7838) is parsed and ignored.
type AltSvcFrame struct {
	FrameHeader
	Origin     string
	FieldValue string
}

// UnknownFrame holds a frame of an unregistered type. It is always ignored.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

// DecodeFrame decodes the payload of a frame whose header has already been parsed.
// Ownership of payload passes to the codec: it is released here for variants that copy
// their fields out and on every error, and kept by DATA, HEADERS, CONTINUATION and
// PUSH_PROMISE frames until their Release.
func DecodeFrame(h FrameHeader, payload *Buffer) (Frame, error) {
	p := payload.Bytes()
	if uint32(len(p)) != h.Length {
		releaseLogged(payload, "codec")
		return nil, frameErr(h, ErrorCodeFrameSizeError, "payload is %d bytes, header says %d", len(p), h.Length)
	}

	var (
		f    Frame
		err  error
		keep bool
	)
	switch h.Type {
	case FrameTypeDATA:
		f, err = decodeData(h, p, payload)
		keep = true
	case FrameTypeHEADERS:
		f, err = decodeHeaders(h, p, payload)
		keep = true
	case FrameTypePRIORITY:
		f, err = decodePriority(h, p)
	case FrameTypeRST_STREAM:
		f, err = decodeRSTStream(h, p)
	case FrameTypeSETTINGS:
		f, err = decodeSettings(h, p)
	case FrameTypePUSH_PROMISE:
		f, err = decodePushPromise(h, p, payload)
		keep = true
	case FrameTypePING:
		f, err = decodePing(h, p)
	case FrameTypeGOAWAY:
		f, err = decodeGoAway(h, p)
	case FrameTypeWINDOW_UPDATE:
		f, err = decodeWindowUpdate(h, p)
	case FrameTypeCONTINUATION:
		f, err = decodeContinuation(h, p, payload)
		keep = true
	case FrameTypeALTSVC:
		f, err = decodeAltSvc(h, p)
	default:
		// Implementations MUST ignore and discard frames of unknown types (RFC 7540 Section 4.1)
		f = &UnknownFrame{FrameHeader: h, Payload: append([]byte(nil), p...)}
	}
	if err != nil || !keep {
		releaseLogged(payload, "codec")
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// splitPadding removes the pad length byte and trailing padding.
// prefix is the number of fixed bytes that sit between the pad length and the body.
func splitPadding(h FrameHeader, p []byte, padded bool, prefix int) (fixed, body []byte, pad uint8, err error) {
	if padded {
		if len(p) < 1 {
			return nil, nil, 0, frameErr(h, ErrorCodeFrameSizeError, "missing pad length")
		}
		pad = p[0]
		p = p[1:]
	}
	if len(p) < prefix {
		return nil, nil, 0, frameErr(h, ErrorCodeFrameSizeError, "payload shorter than %d fixed bytes", prefix)
	}
	fixed, p = p[:prefix], p[prefix:]
	if int(pad) > len(p) {
		return nil, nil, 0, frameErr(h, ErrorCodeProtocolError, "padding %d exceeds remaining payload %d", pad, len(p))
	}
	return fixed, p[:len(p)-int(pad)], pad, nil
}

func decodeData(h FrameHeader, p []byte, buf *Buffer) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "DATA frame with zero stream ID")
	}
	_, body, pad, err := splitPadding(h, p, h.Flags.Has(FlagDataPadded), 0)
	if err != nil {
		return nil, err
	}
	return &DataFrame{FrameHeader: h, PadLength: pad, Data: body, buf: buf}, nil
}

func decodeHeaders(h FrameHeader, p []byte, buf *Buffer) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "HEADERS frame with zero stream ID")
	}
	prefix := 0
	if h.Flags.Has(FlagHeadersPriority) {
		prefix = 5
	}
	fixed, body, pad, err := splitPadding(h, p, h.Flags.Has(FlagHeadersPadded), prefix)
	if err != nil {
		return nil, err
	}
	f := &HeadersFrame{FrameHeader: h, PadLength: pad, BlockFragment: body, buf: buf}
	if prefix > 0 {
		prio := parsePriority(fixed)
		f.Priority = &prio
	}
	return f, nil
}

func decodePriority(h FrameHeader, p []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "PRIORITY frame with zero stream ID")
	}
	if len(p) != 5 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "PRIORITY payload must be 5 bytes")
	}
	return &PriorityFrame{FrameHeader: h, PriorityParam: parsePriority(p)}, nil
}

func decodeRSTStream(h FrameHeader, p []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "RST_STREAM frame with zero stream ID")
	}
	if len(p) != 4 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "RST_STREAM payload must be 4 bytes")
	}
	return &RSTStreamFrame{FrameHeader: h, ErrCode: ErrCode(binary.BigEndian.Uint32(p))}, nil
}

func decodeSettings(h FrameHeader, p []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "SETTINGS frame with non-zero stream ID")
	}
	if h.Flags.Has(FlagSettingsAck) && len(p) != 0 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "SETTINGS ACK with non-empty payload")
	}
	if len(p)%6 != 0 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "SETTINGS payload %d is not a multiple of 6", len(p))
	}
	f := &SettingsFrame{FrameHeader: h}
	if len(p) > 0 {
		f.Settings = make([]Setting, 0, len(p)/6)
	}
	for i := 0; i < len(p); i += 6 {
		f.Settings = append(f.Settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(p[i : i+2])),
			Val: binary.BigEndian.Uint32(p[i+2 : i+6]),
		})
	}
	return f, nil
}

func decodePushPromise(h FrameHeader, p []byte, buf *Buffer) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "PUSH_PROMISE frame with zero stream ID")
	}
	fixed, body, pad, err := splitPadding(h, p, h.Flags.Has(FlagPushPromisePadded), 4)
	if err != nil {
		return nil, err
	}
	return &PushPromiseFrame{
		FrameHeader:   h,
		PadLength:     pad,
		PromisedID:    binary.BigEndian.Uint32(fixed) & streamIDMask,
		BlockFragment: body,
		buf:           buf,
	}, nil
}

func decodePing(h FrameHeader, p []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "PING frame with non-zero stream ID")
	}
	if len(p) != 8 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "PING payload must be 8 bytes")
	}
	f := &PingFrame{FrameHeader: h}
	copy(f.Data[:], p)
	return f, nil
}

func decodeGoAway(h FrameHeader, p []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "GOAWAY frame with non-zero stream ID")
	}
	if len(p) < 8 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "GOAWAY payload shorter than 8 bytes")
	}
	f := &GoAwayFrame{
		FrameHeader:  h,
		LastStreamID: binary.BigEndian.Uint32(p[0:4]) & streamIDMask,
		ErrCode:      ErrCode(binary.BigEndian.Uint32(p[4:8])),
	}
	if len(p) > 8 {
		f.DebugData = append([]byte(nil), p[8:]...)
	}
	return f, nil
}

func decodeWindowUpdate(h FrameHeader, p []byte) (Frame, error) {
	if len(p) != 4 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "WINDOW_UPDATE payload must be 4 bytes")
	}
	return &WindowUpdateFrame{FrameHeader: h, Increment: binary.BigEndian.Uint32(p) & streamIDMask}, nil
}

func decodeContinuation(h FrameHeader, p []byte, buf *Buffer) (Frame, error) {
	if h.StreamID == 0 {
		return nil, frameErr(h, ErrorCodeProtocolError, "CONTINUATION frame with zero stream ID")
	}
	return &ContinuationFrame{FrameHeader: h, BlockFragment: p, buf: buf}, nil
}

func decodeAltSvc(h FrameHeader, p []byte) (Frame, error) {
	if len(p) < 2 {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "ALTSVC payload shorter than 2 bytes")
	}
	n := int(binary.BigEndian.Uint16(p[:2]))
	if 2+n > len(p) {
		return nil, frameErr(h, ErrorCodeFrameSizeError, "ALTSVC origin length %d exceeds payload", n)
	}
	return &AltSvcFrame{FrameHeader: h, Origin: string(p[2 : 2+n]), FieldValue: string(p[2+n:])}, nil
}

// EncodeFrame serializes f. Length and the PADDED/PRIORITY flags are derived from the
// typed fields; the header's Length is ignored.
func EncodeFrame(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	start := len(dst)
	h := f.Header()
	dst = append(dst, make([]byte, FrameHeaderLen)...)

	switch f := f.(type) {
	case *DataFrame:
		dst, h.Flags = appendPadded(dst, h.Flags, FlagDataPadded, f.PadLength, nil, f.Data)
	case *HeadersFrame:
		var prio []byte
		if f.Priority != nil {
			h.Flags |= FlagHeadersPriority
			prio = appendPriority(nil, *f.Priority)
		} else {
			h.Flags &^= FlagHeadersPriority
		}
		dst, h.Flags = appendPadded(dst, h.Flags, FlagHeadersPadded, f.PadLength, prio, f.BlockFragment)
	case *PriorityFrame:
		dst = appendPriority(dst, f.PriorityParam)
	case *RSTStreamFrame:
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.ErrCode))
	case *SettingsFrame:
		for _, s := range f.Settings {
			dst = binary.BigEndian.AppendUint16(dst, uint16(s.ID))
			dst = binary.BigEndian.AppendUint32(dst, s.Val)
		}
	case *PushPromiseFrame:
		promised := binary.BigEndian.AppendUint32(nil, f.PromisedID&streamIDMask)
		dst, h.Flags = appendPadded(dst, h.Flags, FlagPushPromisePadded, f.PadLength, promised, f.BlockFragment)
	case *PingFrame:
		dst = append(dst, f.Data[:]...)
	case *GoAwayFrame:
		dst = binary.BigEndian.AppendUint32(dst, f.LastStreamID&streamIDMask)
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.ErrCode))
		dst = append(dst, f.DebugData...)
	case *WindowUpdateFrame:
		dst = binary.BigEndian.AppendUint32(dst, f.Increment&streamIDMask)
	case *ContinuationFrame:
		dst = append(dst, f.BlockFragment...)
	case *AltSvcFrame:
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Origin)))
		dst = append(dst, f.Origin...)
		dst = append(dst, f.FieldValue...)
	case *UnknownFrame:
		dst = append(dst, f.Payload...)
	default:
		return dst[:start], fmt.Errorf("cannot encode frame of type %T", f)
	}

	length := len(dst) - start - FrameHeaderLen
	if length > maxMaxFrameSize {
		return dst[:start], fmt.Errorf("%w: %s payload of %d bytes", ErrFrameTooLarge, h.Type, length)
	}
	h.Length = uint32(length)
	h.put(dst[start : start+FrameHeaderLen])
	return dst, nil
}

func appendPadded(dst []byte, flags, padFlag Flags, pad uint8, fixed, body []byte) ([]byte, Flags) {
	padded := flags.Has(padFlag) || pad > 0
	if padded {
		flags |= padFlag
		dst = append(dst, pad)
	}
	dst = append(dst, fixed...)
	dst = append(dst, body...)
	for i := 0; i < int(pad); i++ {
		dst = append(dst, 0)
	}
	return dst, flags
}

// Peeker is the read side of a transport that can look ahead without consuming.
// *bufio.Reader satisfies it.
type Peeker interface {
	Peek(n int) ([]byte, error)
	Buffered() int
}

// CanReadFullFrame reports whether a complete frame is already buffered in r.
// It only peeks at the 3 length bytes; nothing is consumed.
func CanReadFullFrame(r Peeker) bool {
	if r.Buffered() < FrameHeaderLen {
		return false
	}
	hdr, err := r.Peek(3)
	if err != nil {
		return false
	}
	length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
	return r.Buffered() >= FrameHeaderLen+length
}

// FrameReader decodes frames from an ordered byte stream. A frame is decoded only once it is
// completely buffered; its payload is copied into a pooled buffer.
type FrameReader struct {
	r            *bufio.Reader
	pool         *BufferPool
	maxFrameSize uint32
}

// NewFrameReader wraps r with a buffer large enough to hold one frame of maxFrameSize.
func NewFrameReader(r io.Reader, pool *BufferPool, maxFrameSize uint32) *FrameReader {
	if pool == nil {
		pool = defaultBufferPool
	}
	if maxFrameSize < minMaxFrameSize {
		maxFrameSize = minMaxFrameSize
	}
	return &FrameReader{
		r:            bufio.NewReaderSize(r, FrameHeaderLen+int(maxFrameSize)),
		pool:         pool,
		maxFrameSize: maxFrameSize,
	}
}

// ReadFrame blocks until one whole frame is buffered and decodes it.
// A *FrameError means the frame was consumed but malformed; the stream stays usable.
// Any other error is fatal for the transport.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	hdr, err := fr.r.Peek(FrameHeaderLen)
	if err != nil {
		if len(hdr) > 0 && err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	h := ParseFrameHeader(hdr)
	if h.Length > fr.maxFrameSize {
		return nil, &ConnectionError{
			Code:   ErrorCodeFrameSizeError,
			Reason: fmt.Sprintf("%s frame of %d bytes exceeds max frame size %d", h.Type, h.Length, fr.maxFrameSize),
		}
	}

	total := FrameHeaderLen + int(h.Length)
	raw, err := fr.r.Peek(total)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read %s frame payload: %w", h.Type, err)
	}

	var payload *Buffer
	if h.Length > 0 {
		payload = fr.pool.Get(int(h.Length))
		copy(payload.Bytes(), raw[FrameHeaderLen:])
	}
	if _, err := fr.r.Discard(total); err != nil {
		releaseLogged(payload, "frame_reader")
		return nil, err
	}
	return DecodeFrame(h, payload)
}

// Buffered reports whether another complete frame can be read without blocking.
func (fr *FrameReader) Buffered() bool { return CanReadFullFrame(fr.r) }
