package recorder

import (
	"bufio"
	"encoding/binary"
	"io"

	"ordercore/internal/schema"
)

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes journal records sequentially.
type Reader struct {
	r       *bufio.Reader
	opts    ReaderOptions
	header  [recordHeaderSize]byte
	payload []byte
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{r: bufio.NewReader(r), opts: opts}
}

// Next returns the next record header and payload. The payload is only
// valid until the next call to Next. A clean end of input returns io.EOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if n, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF && n == 0 {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, err
	}
	header, size, err := parseHeader(r.header[:])
	if err != nil {
		return header, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && size > uint32(r.opts.MaxPayloadSize) {
		return header, nil, ErrPayloadTooLarge
	}

	if cap(r.payload) < int(size) {
		r.payload = make([]byte, size)
	}
	r.payload = r.payload[:size]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return header, nil, err
	}

	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return header, nil, err
	}
	if !r.opts.DisableChecksum && binary.LittleEndian.Uint32(sum[:]) != checksum(r.header[:], r.payload) {
		return header, nil, ErrChecksumMismatch
	}
	return header, r.payload, nil
}
