package h2mux

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(limit uint32) *HPACKCodec {
	return NewHPACKCodec(DefaultHeaderTableSize, limit, zerolog.Nop())
}

func TestHPACKRoundTrip(t *testing.T) {
	enc := newTestCodec(0)
	dec := newTestCodec(0)

	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/index.html"},
		{Name: "user-agent", Value: "h2mux"},
		{Name: "x-trace", Value: "abc123"},
	}

	first, err := enc.EncodeHeaders(fields, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Len(t, first, 1)

	got, err := dec.DecodeHeaders(first[0])
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	// The second block references the dynamic table built by the first.
	second, err := enc.EncodeHeaders(fields, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Less(t, len(second[0]), len(first[0]))

	got, err = dec.DecodeHeaders(second[0])
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestHPACKFragments(t *testing.T) {
	enc := newTestCodec(0)
	dec := newTestCodec(0)

	fields := []HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-long", Value: strings.Repeat("v", 100)},
	}
	frags, err := enc.EncodeHeaders(fields, 16)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	var block []byte
	for _, f := range frags {
		assert.LessOrEqual(t, len(f), 16)
		block = append(block, f...)
	}
	got, err := dec.DecodeHeaders(block)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestHPACKEmptyBlock(t *testing.T) {
	frags, err := newTestCodec(0).EncodeHeaders(nil, 100)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Empty(t, frags[0])

	_, err = newTestCodec(0).EncodeHeaders(nil, 0)
	assert.Error(t, err)
}

func TestHPACKDecodeErrors(t *testing.T) {
	t.Run("invalid block is a compression error", func(t *testing.T) {
		// indexed field with index 0
		_, err := newTestCodec(0).DecodeHeaders([]byte{0x80})

		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, ErrorCodeCompressionError, ce.Code)
	})

	t.Run("oversized header list is a stream level failure", func(t *testing.T) {
		fields := []HeaderField{
			{Name: "a", Value: strings.Repeat("x", 40)},
			{Name: "b", Value: strings.Repeat("y", 40)},
		}
		frags, err := newTestCodec(0).EncodeHeaders(fields, 1000)
		require.NoError(t, err)

		got, err := newTestCodec(100).DecodeHeaders(bytes.Join(frags, nil))
		require.Error(t, err)
		var ce *ConnectionError
		assert.False(t, errors.As(err, &ce))
		assert.Equal(t, fields, got)
	})
}

func TestHeaderField(t *testing.T) {
	assert.True(t, HeaderField{Name: ":path"}.IsPseudo())
	assert.False(t, HeaderField{Name: "path"}.IsPseudo())
	assert.Equal(t, uint32(32+4+3), HeaderField{Name: "host", Value: "a.b"}.Size())
}
