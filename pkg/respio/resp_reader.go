package respio

import (
	"bytes"
	"io"
)

// RespReader is a blocking convenience over RespDecoder for callers that
// own an io.Reader directly. The multiplexer's read loop feeds the decoder
// itself; everything else (probes, the CLI) reads through this.
type RespReader struct {
	src   io.Reader
	dec   *RespDecoder
	chunk []byte
}

func NewRespReader(src io.Reader) *RespReader {
	return &RespReader{
		src:   src,
		dec:   NewRespDecoder(),
		chunk: make([]byte, DefaultBufferSize),
	}
}

func NewRespReaderFromBytes(data []byte) *RespReader {
	return NewRespReader(bytes.NewReader(data))
}

// Read blocks until one complete top-level value is available, then
// returns it. Decode errors are terminal for the reader.
func (r *RespReader) Read() (*RespValue, error) {
	for {
		v, err := r.dec.Next()
		if err != nil || v != nil {
			return v, err
		}
		n, readErr := r.src.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
			continue
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

// Buffered returns the number of bytes consumed from the source but not
// yet decoded into a value.
func (r *RespReader) Buffered() int {
	return r.dec.Buffered()
}
