package h2mux

import (
	"errors"
	"fmt"
)

// ErrCode is an HTTP/2 error code as defined in RFC 7540 Section 7
type ErrCode uint32

// Error codes as defined in RFC 7540 Section 7
const (
	ErrorCodeNoError            ErrCode = 0x0
	ErrorCodeProtocolError      ErrCode = 0x1
	ErrorCodeInternalError      ErrCode = 0x2
	ErrorCodeFlowControlError   ErrCode = 0x3
	ErrorCodeSettingsTimeout    ErrCode = 0x4
	ErrorCodeStreamClosed       ErrCode = 0x5
	ErrorCodeFrameSizeError     ErrCode = 0x6
	ErrorCodeRefusedStream      ErrCode = 0x7
	ErrorCodeCancel             ErrCode = 0x8
	ErrorCodeCompressionError   ErrCode = 0x9
	ErrorCodeConnectError       ErrCode = 0xa
	ErrorCodeEnhanceYourCalm    ErrCode = 0xb
	ErrorCodeInadequateSecurity ErrCode = 0xc
	ErrorCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = [...]string{
	ErrorCodeNoError:            "NO_ERROR",
	ErrorCodeProtocolError:      "PROTOCOL_ERROR",
	ErrorCodeInternalError:      "INTERNAL_ERROR",
	ErrorCodeFlowControlError:   "FLOW_CONTROL_ERROR",
	ErrorCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrorCodeStreamClosed:       "STREAM_CLOSED",
	ErrorCodeFrameSizeError:     "FRAME_SIZE_ERROR",
	ErrorCodeRefusedStream:      "REFUSED_STREAM",
	ErrorCodeCancel:             "CANCEL",
	ErrorCodeCompressionError:   "COMPRESSION_ERROR",
	ErrorCodeConnectError:       "CONNECT_ERROR",
	ErrorCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrorCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrorCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if int(c) < len(errCodeNames) {
		return errCodeNames[c]
	}
	return fmt.Sprintf("UNKNOWN_ERROR_0x%x", uint32(c))
}

var (
	// ErrConnectionClosed is returned for requests submitted to a connection that has stopped.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrConnectionGoingAway is returned when a connection no longer admits new streams.
	ErrConnectionGoingAway = errors.New("connection is going away")
	// ErrPingTimeout marks a connection whose keepalive PING was not acknowledged in time.
	ErrPingTimeout = errors.New("ping timeout")
	// ErrIdleTimeout is the close reason of a connection shut down for inactivity.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrRequestCanceled is reported to the response sink of a cancelled request.
	ErrRequestCanceled = errors.New("request canceled")
	// ErrBodyNotReady is returned by a body source that has no bytes available yet.
	ErrBodyNotReady = errors.New("request body not ready")
	// ErrBufferReleased is returned when a pooled buffer is released more than once.
	ErrBufferReleased = errors.New("buffer already released")
	// ErrFrameTooLarge is returned when a frame exceeds the negotiated MAX_FRAME_SIZE.
	ErrFrameTooLarge = errors.New("frame exceeds max frame size")
	// ErrRetryExhausted wraps the final error of a request whose retry budget is spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")
	// ErrExtendedConnectDisabled is returned for a :protocol request the peer did not enable.
	ErrExtendedConnectDisabled = errors.New("peer did not enable extended CONNECT")
	// ErrNoStreamCapacity fails requests queued while the peer allowed no concurrent streams.
	ErrNoStreamCapacity = errors.New("peer allows no concurrent streams")
)

// ConnectionError is a connection-level protocol error (RFC 7540 Section 5.4.1).
type ConnectionError struct {
	Code   ErrCode
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Reason)
}

// StreamError is a stream-level error (RFC 7540 Section 5.4.2), either received in a
// RST_STREAM frame or raised locally.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Remote   bool
	Cause    error
}

func (e *StreamError) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if e.Cause != nil {
		return fmt.Sprintf("stream %d reset (%s, %s): %v", e.StreamID, e.Code, origin, e.Cause)
	}
	return fmt.Sprintf("stream %d reset (%s, %s)", e.StreamID, e.Code, origin)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// GoAwayError is delivered to every stream aborted because the peer sent GOAWAY.
type GoAwayError struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    string
}

func (e *GoAwayError) Error() string {
	if e.DebugData != "" {
		return fmt.Sprintf("connection terminated by peer: GOAWAY %s, last stream %d, debug %q",
			e.Code, e.LastStreamID, e.DebugData)
	}
	return fmt.Sprintf("connection terminated by peer: GOAWAY %s, last stream %d", e.Code, e.LastStreamID)
}

// FrameError reports a frame whose payload violates the layout of its type.
type FrameError struct {
	Type     FrameType
	StreamID uint32
	Length   uint32 // payload length from the frame header
	Code     ErrCode
	Reason   string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %s frame on stream %d (%s): %s", e.Type, e.StreamID, e.Code, e.Reason)
}

func frameErr(h FrameHeader, code ErrCode, format string, args ...interface{}) *FrameError {
	return &FrameError{Type: h.Type, StreamID: h.StreamID, Length: h.Length, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// errCodeOf extracts the HTTP/2 error code carried by err, defaulting to INTERNAL_ERROR.
func errCodeOf(err error) ErrCode {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorCodeInternalError
}
