package h2mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// StreamState represents the state of an HTTP/2 stream as defined in RFC 7540 Section 5.1.
// Client streams never enter the reserved states because push is disabled.
type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

var streamStateNames = [...]string{
	StreamStateIdle:             "idle",
	StreamStateOpen:             "open",
	StreamStateHalfClosedLocal:  "half_closed_local",
	StreamStateHalfClosedRemote: "half_closed_remote",
	StreamStateClosed:           "closed",
}

func (s StreamState) String() string {
	if int(s) < len(streamStateNames) {
		return streamStateNames[s]
	}
	return "unknown"
}

// StreamEnv is what a stream borrows from its connection. Everything in it is owned by the
// connection's writer goroutine except Wake, which may be called from anywhere.
type StreamEnv struct {
	Config  *Config
	Remote  *Settings
	Codec   HeaderCodec
	Pool    *BufferPool
	Logger  zerolog.Logger
	Metrics *Metrics

	// Resend hands an aborted request to another connection. It reports whether the
	// request was accepted; nil means requests are never resent.
	Resend func(req *Request) bool
	// Wake interrupts the writer's end-of-cycle sleep.
	Wake func()
}

// StreamProcessor is one request/response exchange as seen by the connection.
// All methods are called from the connection's writer goroutine.
type StreamProcessor interface {
	ID() uint32
	State() StreamState
	Request() *Request

	// HandleFrame applies an incoming stream frame and takes ownership of it. Frames are
	// handled in receipt order so header blocks decode against the shared HPACK table.
	// A non-nil error is a connection error.
	HandleFrame(f Frame) error

	// Process advances the stream and returns at most one frame to write, or nil.
	// connWindow is the connection send window still available in this cycle.
	Process(now time.Time, connWindow int64) Frame

	// Requeue puts back a frame the connection could not send in this cycle.
	Requeue(f Frame)

	// AdjustRemoteWindow applies a change of the peer's INITIAL_WINDOW_SIZE.
	AdjustRemoteWindow(delta int64)

	// Abort terminates the stream after a connection-level failure.
	Abort(err error)

	// Done reports that the stream is Closed and has nothing left to write.
	Done() bool

	// NextDeadline is the next time the stream needs a cycle without any event; zero if none.
	NextDeadline() time.Time
}

// StreamFactory creates the processor for a newly admitted request.
type StreamFactory func(id uint32, req *Request, env StreamEnv) StreamProcessor

// DefaultStreamFactory builds the standard Stream.
func DefaultStreamFactory(id uint32, req *Request, env StreamEnv) StreamProcessor {
	return NewStream(id, req, env)
}

// Stream is the standard client stream.
type Stream struct {
	id    uint32
	state StreamState
	req   *Request
	sink  ResponseSink
	env   StreamEnv
	log   zerolog.Logger

	remoteWindow int64 // bytes we may still send
	localWindow  int64 // bytes the peer may still send
	unacked      int64 // consumed local window not yet returned with WINDOW_UPDATE

	outgoing []Frame
	sentAny  bool
	finished bool
	bodySent int64

	headers        fragmentView
	assembling     bool
	blockEndStream bool
	gotHeaders     bool

	stopWake func() bool
}

// NewStream creates a stream in the Idle state for req.
func NewStream(id uint32, req *Request, env StreamEnv) *Stream {
	s := &Stream{
		id:           id,
		state:        StreamStateIdle,
		req:          req,
		sink:         req.Sink,
		env:          env,
		log:          env.Logger.With().Uint32("stream_id", id).Str("request_id", req.ID.String()).Logger(),
		remoteWindow: int64(env.Remote.Get(SettingsInitialWindowSize)),
		localWindow:  int64(env.Config.InitialWindowSize),
	}
	if env.Wake != nil {
		if ws, ok := s.sink.(wakeSetter); ok {
			ws.SetWake(env.Wake)
		}
		if ws, ok := req.Body.(wakeSetter); ok {
			ws.SetWake(env.Wake)
		}
		s.stopWake = context.AfterFunc(req.Context(), env.Wake)
	}
	LogStream(s.log, id, s.state, "created", map[string]interface{}{
		"method": req.Method,
		"path":   req.Path,
	})
	return s
}

func (s *Stream) ID() uint32         { return s.id }
func (s *Stream) State() StreamState { return s.state }
func (s *Stream) Request() *Request  { return s.req }

// RemoteWindow returns the stream send window.
func (s *Stream) RemoteWindow() int64 { return s.remoteWindow }

// LocalWindow returns the stream receive window.
func (s *Stream) LocalWindow() int64 { return s.localWindow }

func (s *Stream) Done() bool {
	return s.state == StreamStateClosed && len(s.outgoing) == 0
}

func (s *Stream) NextDeadline() time.Time {
	if s.state == StreamStateClosed {
		return time.Time{}
	}
	if d, ok := s.req.Context().Deadline(); ok {
		return d
	}
	return time.Time{}
}

func (s *Stream) setState(next StreamState, event string) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	LogStream(s.log, s.id, next, event, map[string]interface{}{"from": prev.String()})
	if next == StreamStateClosed && s.stopWake != nil {
		s.stopWake()
	}
}

// HandleFrame applies f immediately; see StreamProcessor.
func (s *Stream) HandleFrame(f Frame) error {
	switch f := f.(type) {
	case *HeadersFrame:
		if s.assembling {
			f.Release()
			return &ConnectionError{Code: ErrorCodeProtocolError, Reason: fmt.Sprintf("HEADERS on stream %d inside an open header block", s.id)}
		}
		s.assembling = true
		s.blockEndStream = f.Flags.Has(FlagHeadersEndStream)
		s.headers.append(f.BlockFragment, f.takeBuffer())
		f.Release()
		if f.Flags.Has(FlagHeadersEndHeaders) {
			return s.endHeaderBlock()
		}
		return nil

	case *ContinuationFrame:
		if !s.assembling {
			f.Release()
			return &ConnectionError{Code: ErrorCodeProtocolError, Reason: fmt.Sprintf("CONTINUATION on stream %d without HEADERS", s.id)}
		}
		s.headers.append(f.BlockFragment, f.takeBuffer())
		f.Release()
		if f.Flags.Has(FlagContinuationEndHeaders) {
			return s.endHeaderBlock()
		}
		return nil

	case *DataFrame:
		s.handleData(f)
		return nil

	case *RSTStreamFrame:
		s.handleReset(f.ErrCode)
		return nil

	case *WindowUpdateFrame:
		s.handleWindowUpdate(f.Increment)
		return nil

	default:
		// PRIORITY and anything else stream-scoped is parsed and ignored
		f.Release()
		return nil
	}
}

func (s *Stream) handleData(f *DataFrame) {
	defer f.Release()
	if s.state == StreamStateClosed {
		return
	}
	if s.state == StreamStateHalfClosedRemote {
		s.resetLocal(ErrorCodeStreamClosed, errors.New("DATA after END_STREAM"))
		return
	}
	if !s.gotHeaders {
		s.resetLocal(ErrorCodeProtocolError, errors.New("DATA before response headers"))
		return
	}

	wire := int64(f.WireLength())
	s.localWindow -= wire
	s.unacked += wire
	if s.localWindow < 0 {
		s.resetLocal(ErrorCodeFlowControlError, fmt.Errorf("peer overran stream window by %d bytes", -s.localWindow))
		return
	}
	if len(f.Data) > 0 {
		if err := s.sink.OnData(f.Data); err != nil {
			s.log.Debug().Err(err).Int("bytes", len(f.Data)).Msg("response sink dropped data")
		}
	}
	if f.StreamEnded() {
		s.remoteEnded()
	}
}

func (s *Stream) handleReset(code ErrCode) {
	if s.state == StreamStateClosed {
		return
	}
	s.env.Metrics.streamReset(code, true)
	s.discardOutgoing()
	s.setState(StreamStateClosed, "reset_by_peer")
	if s.finished {
		return
	}
	s.resendOrFail(&StreamError{StreamID: s.id, Code: code, Remote: true})
}

func (s *Stream) handleWindowUpdate(inc uint32) {
	if s.state == StreamStateClosed {
		return
	}
	if inc == 0 {
		s.resetLocal(ErrorCodeProtocolError, errors.New("WINDOW_UPDATE with zero increment"))
		return
	}
	s.remoteWindow += int64(inc)
	if s.remoteWindow > maxWindowSize {
		s.resetLocal(ErrorCodeFlowControlError, fmt.Errorf("stream window %d exceeds %d", s.remoteWindow, int64(maxWindowSize)))
		return
	}
	LogFlowControl(s.log, s.id, s.remoteWindow, "window_update_received")
}

// endHeaderBlock decodes the assembled block. It always decodes, even for a stream that no
// longer wants the headers, so the HPACK table stays in sync with the peer.
func (s *Stream) endHeaderBlock() error {
	block := s.headers.bytes()
	fields, err := s.env.Codec.DecodeHeaders(block)
	s.headers.release()
	s.assembling = false
	endStream := s.blockEndStream
	s.blockEndStream = false

	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return err
		}
		s.resetLocal(ErrorCodeProtocolError, err)
		return nil
	}
	if s.state == StreamStateClosed || s.state == StreamStateHalfClosedRemote {
		return nil
	}

	if s.gotHeaders {
		if !endStream {
			s.resetLocal(ErrorCodeProtocolError, errors.New("trailers without END_STREAM"))
			return nil
		}
		s.sink.OnTrailers(regularFields(fields))
		s.remoteEnded()
		return nil
	}

	status, err := statusOf(fields)
	if err != nil {
		s.resetLocal(ErrorCodeProtocolError, err)
		return nil
	}
	// Interim responses are skipped; 101 is final (RFC 7540 Section 8.1)
	if status >= 100 && status < 200 && status != 101 {
		if endStream {
			s.resetLocal(ErrorCodeProtocolError, fmt.Errorf("interim response %d with END_STREAM", status))
		}
		return nil
	}

	s.gotHeaders = true
	s.req.headersSeen = true
	header := regularFields(fields)
	LogResponse(status, header, -1)
	if err := s.sink.OnHeaders(status, header); err != nil {
		s.resetLocal(ErrorCodeCancel, err)
		return nil
	}
	if endStream {
		s.remoteEnded()
	}
	return nil
}

func statusOf(fields []HeaderField) (int, error) {
	for _, hf := range fields {
		if hf.Name == PseudoHeaderStatus {
			code, err := strconv.Atoi(hf.Value)
			if err != nil || code < 100 || code > 999 {
				return 0, fmt.Errorf("malformed :status %q", hf.Value)
			}
			return code, nil
		}
	}
	return 0, errors.New("response without :status")
}

func regularFields(fields []HeaderField) []HeaderField {
	out := make([]HeaderField, 0, len(fields))
	for _, hf := range fields {
		if !hf.IsPseudo() {
			out = append(out, hf)
		}
	}
	return out
}

// remoteEnded finalizes the response once the peer sent END_STREAM.
func (s *Stream) remoteEnded() {
	s.finish(nil)
	switch s.state {
	case StreamStateOpen:
		s.setState(StreamStateHalfClosedRemote, "end_stream_received")
	case StreamStateHalfClosedLocal:
		s.setState(StreamStateClosed, "end_stream_received")
	}
}

func (s *Stream) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.sink.OnFinish(err)
}

// resendOrFail hands the request to the resend collaborator when its budget allows and
// nothing of the response was delivered; otherwise the sink gets a terminal error.
func (s *Stream) resendOrFail(cause error) {
	req := s.req
	if req.canResend() && s.env.Resend != nil {
		if err := req.rewindBody(); err == nil {
			req.retries++
			if s.env.Resend(req) {
				s.finished = true
				s.env.Metrics.resend()
				s.log.Info().Err(cause).Int("retries", req.retries).Msg("request requeued for resend")
				return
			}
			req.retries--
		}
	}
	if req.retries >= req.MaxRetries {
		cause = fmt.Errorf("%w: %w", ErrRetryExhausted, cause)
	}
	s.finish(cause)
}

// resetLocal closes the stream with RST_STREAM(code) and a terminal error.
func (s *Stream) resetLocal(code ErrCode, cause error) {
	if s.state == StreamStateClosed {
		return
	}
	s.discardOutgoing()
	s.outgoing = append(s.outgoing, s.rstFrame(code))
	s.env.Metrics.streamReset(code, false)
	s.log.Warn().Err(cause).Str("code", code.String()).Msg("resetting stream")
	s.setState(StreamStateClosed, "reset")
	s.finish(&StreamError{StreamID: s.id, Code: code, Cause: cause})
}

func (s *Stream) rstFrame(code ErrCode) *RSTStreamFrame {
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameTypeRST_STREAM, StreamID: s.id},
		ErrCode:     code,
	}
}

func (s *Stream) discardOutgoing() {
	for _, f := range s.outgoing {
		f.Release()
	}
	s.outgoing = s.outgoing[:0]
}

func (s *Stream) Abort(err error) {
	if s.state == StreamStateClosed && s.finished {
		s.discardOutgoing()
		return
	}
	s.discardOutgoing()
	s.setState(StreamStateClosed, "aborted")
	if !s.finished {
		s.resendOrFail(err)
	}
}

func (s *Stream) AdjustRemoteWindow(delta int64) {
	s.remoteWindow += delta
	LogFlowControl(s.log, s.id, s.remoteWindow, "initial_window_changed")
}

func (s *Stream) Requeue(f Frame) {
	if d, ok := f.(*DataFrame); ok {
		// Sending debited the window and applied END_STREAM; undo both.
		s.remoteWindow += int64(len(d.Data))
		if d.StreamEnded() {
			switch s.state {
			case StreamStateHalfClosedLocal:
				s.state = StreamStateOpen
			case StreamStateClosed:
				s.state = StreamStateHalfClosedRemote
			}
		}
	}
	s.outgoing = append([]Frame{f}, s.outgoing...)
}

// Process implements the per-cycle step of the stream: cancellation, header emission,
// WINDOW_UPDATE, body pumping, then one queued frame.
func (s *Stream) Process(now time.Time, connWindow int64) Frame {
	// Remaining fragments of a header block go out back to back
	if len(s.outgoing) > 0 {
		if _, ok := s.outgoing[0].(*ContinuationFrame); ok {
			return s.pop()
		}
	}
	if s.state == StreamStateClosed {
		return s.pop()
	}

	if err := s.req.Context().Err(); err != nil {
		s.cancel(err)
		return s.pop()
	}

	if s.state == StreamStateIdle && len(s.outgoing) == 0 {
		if err := s.queueHeaders(); err != nil {
			s.discardOutgoing()
			s.setState(StreamStateClosed, "headers_failed")
			s.finish(err)
			return nil
		}
		return s.pop()
	}

	if wu := s.windowUpdate(); wu != nil {
		return wu
	}

	// The peer may finish its response before the upload ends (RFC 7540 Section 8.1)
	if (s.state == StreamStateOpen || s.state == StreamStateHalfClosedRemote) && len(s.outgoing) == 0 && s.req.hasBody() {
		s.pumpBody(connWindow)
	}
	return s.pop()
}

// cancel discards queued frames, resets the stream if the peer knows about it and reports
// the cancellation.
func (s *Stream) cancel(cause error) {
	s.discardOutgoing()
	if s.sentAny {
		s.outgoing = append(s.outgoing, s.rstFrame(ErrorCodeCancel))
		s.env.Metrics.streamReset(ErrorCodeCancel, false)
	}
	s.setState(StreamStateClosed, "canceled")
	s.finish(fmt.Errorf("%w: %w", ErrRequestCanceled, cause))
}

func (s *Stream) queueHeaders() error {
	if s.req.Protocol != "" && s.env.Remote.Get(SettingsEnableConnectProtocol) != 1 {
		return ErrExtendedConnectDisabled
	}
	fields := s.req.headerFields()
	frags, err := s.env.Codec.EncodeHeaders(fields, int(s.env.Remote.Get(SettingsMaxFrameSize)))
	if err != nil {
		return err
	}
	LogRequest(s.req.Method, s.req.Path, s.req.Authority, fields)

	first := &HeadersFrame{
		FrameHeader:   FrameHeader{Type: FrameTypeHEADERS, StreamID: s.id},
		BlockFragment: frags[0],
	}
	if !s.req.hasBody() {
		first.Flags |= FlagHeadersEndStream
	}
	if len(frags) == 1 {
		first.Flags |= FlagHeadersEndHeaders
	}
	s.outgoing = append(s.outgoing, first)
	for i, frag := range frags[1:] {
		c := &ContinuationFrame{
			FrameHeader:   FrameHeader{Type: FrameTypeCONTINUATION, StreamID: s.id},
			BlockFragment: frag,
		}
		if i == len(frags)-2 {
			c.Flags |= FlagContinuationEndHeaders
		}
		s.outgoing = append(s.outgoing, c)
	}
	return nil
}

// windowUpdate returns our stream WINDOW_UPDATE once the consumer has caught up.
func (s *Stream) windowUpdate() Frame {
	if s.state != StreamStateOpen && s.state != StreamStateHalfClosedLocal {
		return nil
	}
	if s.unacked <= 0 || s.sink.Buffered() >= s.env.Config.WindowUpdateThreshold {
		return nil
	}
	inc := s.unacked
	s.unacked = 0
	s.localWindow += inc
	s.sentAny = true
	LogFlowControl(s.log, s.id, s.localWindow, "window_update_sent")
	return &WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameTypeWINDOW_UPDATE, StreamID: s.id},
		Increment:   uint32(inc),
	}
}

// pumpBody reads at most one chunk of the request body into a DATA frame.
// A body of known length ends with the chunk that completes it.
func (s *Stream) pumpBody(connWindow int64) {
	length := s.req.ContentLength
	if length > 0 && s.bodySent >= length {
		s.outgoing = append(s.outgoing, &DataFrame{
			FrameHeader: FrameHeader{Type: FrameTypeDATA, Flags: FlagDataEndStream, StreamID: s.id},
		})
		return
	}

	n := int64(s.env.Config.UploadChunkSize)
	n = min(n, s.remoteWindow, int64(s.env.Remote.Get(SettingsMaxFrameSize)), connWindow)
	if length > 0 {
		n = min(n, length-s.bodySent)
	}
	if n <= 0 {
		return
	}

	buf := s.env.Pool.Get(int(n))
	nr, err := s.req.Body.Read(buf.Bytes())
	if nr > 0 {
		s.req.bodyStarted = true
	}
	if nr == 0 && errors.Is(err, ErrBodyNotReady) {
		releaseLogged(buf, "stream_body")
		return
	}
	if err != nil && err != io.EOF && !errors.Is(err, ErrBodyNotReady) {
		releaseLogged(buf, "stream_body")
		s.discardOutgoing()
		s.outgoing = append(s.outgoing, s.rstFrame(ErrorCodeCancel))
		s.env.Metrics.streamReset(ErrorCodeCancel, false)
		s.setState(StreamStateClosed, "body_failed")
		s.finish(fmt.Errorf("failed to read request body: %w", err))
		return
	}

	f := &DataFrame{FrameHeader: FrameHeader{Type: FrameTypeDATA, StreamID: s.id}}
	if nr > 0 {
		f.Data = buf.Bytes()[:nr]
		f.buf = buf
	} else {
		releaseLogged(buf, "stream_body")
	}
	s.bodySent += int64(nr)
	// A non-positive read ends the body
	if err == io.EOF || nr == 0 || (length > 0 && s.bodySent >= length) {
		f.Flags |= FlagDataEndStream
	}
	s.outgoing = append(s.outgoing, f)
}

// pop removes the next frame and applies the state transition of sending it.
func (s *Stream) pop() Frame {
	if len(s.outgoing) == 0 {
		return nil
	}
	f := s.outgoing[0]
	// The send window is debited when DATA leaves the stream; a queued frame waits while
	// the window, shrunk by a SETTINGS change, cannot hold it.
	if d, ok := f.(*DataFrame); ok {
		n := int64(len(d.Data))
		if n > 0 && n > s.remoteWindow {
			return nil
		}
		s.remoteWindow -= n
	}
	s.outgoing[0] = nil
	s.outgoing = s.outgoing[1:]
	s.sentAny = true

	endStream := false
	switch f := f.(type) {
	case *HeadersFrame:
		endStream = f.Flags.Has(FlagHeadersEndStream)
		if !endStream && s.state == StreamStateIdle {
			s.setState(StreamStateOpen, "headers_sent")
		}
	case *DataFrame:
		endStream = f.StreamEnded()
	}
	if endStream {
		switch s.state {
		case StreamStateIdle, StreamStateOpen:
			s.setState(StreamStateHalfClosedLocal, "end_stream_sent")
		case StreamStateHalfClosedRemote:
			s.setState(StreamStateClosed, "end_stream_sent")
		}
	}
	return f
}
