package h2mux

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrCodeString(t *testing.T) {
	assert.Equal(t, "FLOW_CONTROL_ERROR", ErrorCodeFlowControlError.String())
	assert.Equal(t, "UNKNOWN_ERROR_0x42", ErrCode(0x42).String())
}

func TestErrCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCodeCompressionError, errCodeOf(&ConnectionError{Code: ErrorCodeCompressionError}))
	assert.Equal(t, ErrorCodeFrameSizeError, errCodeOf(fmt.Errorf("read: %w", &FrameError{Code: ErrorCodeFrameSizeError})))
	assert.Equal(t, ErrorCodeCancel, errCodeOf(&StreamError{Code: ErrorCodeCancel}))
	assert.Equal(t, ErrorCodeInternalError, errCodeOf(errors.New("boom")))
}

func TestStreamErrorUnwrap(t *testing.T) {
	err := &StreamError{StreamID: 3, Code: ErrorCodeCancel, Cause: ErrRequestCanceled}
	assert.ErrorIs(t, err, ErrRequestCanceled)
	assert.Contains(t, err.Error(), "local")

	remote := &StreamError{StreamID: 5, Code: ErrorCodeRefusedStream, Remote: true}
	assert.Equal(t, "stream 5 reset (REFUSED_STREAM, remote)", remote.Error())
}

func TestGoAwayErrorMessage(t *testing.T) {
	err := &GoAwayError{LastStreamID: 7, Code: ErrorCodeNoError, DebugData: "maintenance"}
	assert.Contains(t, err.Error(), `debug "maintenance"`)
	assert.Contains(t, err.Error(), "last stream 7")
}
