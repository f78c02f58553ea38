package h2mux

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2/hpack"
)

// HeaderField represents an HTTP header name-value pair as per RFC 7541
type HeaderField struct {
	Name  string
	Value string
}

// IsPseudo reports whether the field is a pseudo-header (RFC 7540 Section 8.1.2.1).
func (hf HeaderField) IsPseudo() bool {
	return len(hf.Name) > 0 && hf.Name[0] == ':'
}

// Size is the HPACK accounting size of the field (RFC 7541 Section 4.1).
func (hf HeaderField) Size() uint32 {
	return uint32(len(hf.Name) + len(hf.Value) + 32)
}

// HeaderCodec compresses request headers and decompresses response headers.
// Both directions carry dynamic table state, so blocks must be encoded in the order they
// are written and decoded in the order they are received.
type HeaderCodec interface {
	// EncodeHeaders returns the header block split into fragments of at most maxFragment bytes.
	EncodeHeaders(fields []HeaderField, maxFragment int) ([][]byte, error)
	// DecodeHeaders decodes one complete header block.
	DecodeHeaders(block []byte) ([]HeaderField, error)
	// SetEncoderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
	SetEncoderTableSize(v uint32)
}

// HPACKCodec is the HeaderCodec backed by golang.org/x/net/http2/hpack.
// It is owned by the connection's writer goroutine and is not safe for concurrent use.
type HPACKCodec struct {
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	dec    *hpack.Decoder

	maxHeaderListSize uint32
	log               zerolog.Logger
}

// NewHPACKCodec creates a codec whose decoder table is sized by our HEADER_TABLE_SIZE.
func NewHPACKCodec(headerTableSize, maxHeaderListSize uint32, log zerolog.Logger) *HPACKCodec {
	c := &HPACKCodec{maxHeaderListSize: maxHeaderListSize, log: log}
	c.enc = hpack.NewEncoder(&c.encBuf)
	c.dec = hpack.NewDecoder(headerTableSize, nil)
	if maxHeaderListSize > 0 {
		c.dec.SetMaxStringLength(int(maxHeaderListSize))
	}
	return c
}

// EncodeHeaders encodes fields in order and splits the block for HEADERS and CONTINUATION frames.
func (c *HPACKCodec) EncodeHeaders(fields []HeaderField, maxFragment int) ([][]byte, error) {
	if maxFragment <= 0 {
		return nil, fmt.Errorf("invalid header fragment size %d", maxFragment)
	}
	c.encBuf.Reset()
	raw := 0
	for _, f := range fields {
		if err := c.enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, fmt.Errorf("HPACK encoding failed: %w", err)
		}
		raw += len(f.Name) + len(f.Value)
	}
	LogHPACK(c.log, "encode", raw, c.encBuf.Len())

	block := c.encBuf.Bytes()
	frags := make([][]byte, 0, len(block)/maxFragment+1)
	for len(block) > maxFragment {
		frags = append(frags, append([]byte(nil), block[:maxFragment]...))
		block = block[maxFragment:]
	}
	// An empty header block still needs one HEADERS frame.
	frags = append(frags, append([]byte(nil), block...))
	return frags, nil
}

// DecodeHeaders decodes a complete header block. A failure leaves the dynamic table
// unusable, so it is reported as a COMPRESSION_ERROR connection error.
func (c *HPACKCodec) DecodeHeaders(block []byte) ([]HeaderField, error) {
	hfs, err := c.dec.DecodeFull(block)
	if err != nil {
		return nil, &ConnectionError{Code: ErrorCodeCompressionError, Reason: err.Error()}
	}

	fields := make([]HeaderField, 0, len(hfs))
	var size uint32
	for _, hf := range hfs {
		f := HeaderField{Name: hf.Name, Value: hf.Value}
		size += f.Size()
		fields = append(fields, f)
	}
	LogHPACK(c.log, "decode", int(size), len(block))

	if c.maxHeaderListSize > 0 && size > c.maxHeaderListSize {
		return fields, fmt.Errorf("header list of %d bytes exceeds limit %d", size, c.maxHeaderListSize)
	}
	return fields, nil
}

// SetEncoderTableSize resizes the encoder's dynamic table. The x/net encoder caps it at
// its default 4096 byte limit.
func (c *HPACKCodec) SetEncoderTableSize(v uint32) {
	c.enc.SetMaxDynamicTableSize(v)
}
