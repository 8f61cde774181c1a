package respio

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/pzhenzhou/redkit/pkg/common"
)

const (
	DefaultBufferSize = 8 * common.KB // 8KB
	MaxBufferSize     = 512 * common.MB
)

var (
	ErrInvalidSyntax = errors.New("invalid RESP syntax")
	ErrTooLarge      = errors.New("value too large")
	ErrBadCRLFEnd    = errors.New("bad CRLF end")
)

// bulkState suspends decoding in the middle of a length-prefixed payload
// ($, ! or =) until the declared byte count plus CRLF is buffered.
type bulkState struct {
	tag  byte
	want int
}

// RespDecoder is an incremental RESP parser. The transport feeds it byte
// chunks cut at arbitrary boundaries; Next returns one fully-formed value
// per top-level wire frame, in arrival order.
//
// All parse state is explicit data: the unconsumed byte buffer, a stack of
// in-progress aggregates with their remaining-element counters, and an
// optional pending bulk payload. Decoding therefore suspends at any byte
// boundary, including mid-length-prefix or mid-payload, and resumes without
// re-scanning consumed bytes when more data arrives.
//
// Any decode error is terminal: the caller must treat the connection as
// corrupted, and every later Next call returns the same error.
type RespDecoder struct {
	buf      []byte
	scanFrom int // bytes of buf already scanned for '\n'
	stack    []*aggFrame
	bulk     *bulkState
	// pendingAttrs holds a completed attribute map until the value that
	// syntactically follows it is delivered.
	pendingAttrs *RespValue
	err          error
}

func NewRespDecoder() *RespDecoder {
	return &RespDecoder{buf: make([]byte, 0, DefaultBufferSize)}
}

// Feed appends transport bytes. Feeding after a decode error is a no-op.
func (d *RespDecoder) Feed(chunk []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of fed bytes not yet consumed by Next.
func (d *RespDecoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete top-level value, (nil, nil) when the
// buffered bytes do not yet form one, or the terminal decode error.
func (d *RespDecoder) Next() (*RespValue, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		v, complete, err := d.step()
		if err != nil {
			d.err = err
			return nil, err
		}
		if !complete {
			return nil, nil
		}
		if v != nil {
			return v, nil
		}
		// A nested element or attribute map was consumed; keep going.
	}
}

// step consumes at most one wire frame element from the buffer. It returns
// complete=false when more bytes are needed, and a non-nil value only when
// a top-level value finished.
func (d *RespDecoder) step() (*RespValue, bool, error) {
	if d.bulk != nil {
		return d.stepBulk()
	}
	line, ok, err := d.takeLine()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if len(line) == 0 {
		return nil, false, ErrInvalidSyntax
	}
	tag, body := line[0], line[1:]
	switch tag {
	case RespStatus, RespError:
		return d.deliverStep(&RespValue{Type: tag, Data: bytes.Clone(body)})

	case RespInt:
		n, err := decodeInt64(body)
		if err != nil {
			return nil, false, err
		}
		return d.deliverStep(NewInt(n))

	case RespNil:
		if len(body) != 0 {
			return nil, false, ErrInvalidSyntax
		}
		return d.deliverStep(NewNil())

	case RespBool:
		switch {
		case len(body) == 1 && body[0] == 't':
			return d.deliverStep(NewBool(true))
		case len(body) == 1 && body[0] == 'f':
			return d.deliverStep(NewBool(false))
		}
		return nil, false, ErrInvalidSyntax

	case RespFloat:
		f, err := strconv.ParseFloat(string(body), 64)
		if err != nil {
			return nil, false, ErrInvalidSyntax
		}
		return d.deliverStep(NewFloat(f))

	case RespBigInt:
		if len(body) == 0 {
			return nil, false, ErrInvalidSyntax
		}
		return d.deliverStep(&RespValue{Type: RespBigInt, Data: bytes.Clone(body)})

	case RespString, RespBlobError, RespVerbatim:
		length, err := decodeInt64(body)
		if err != nil {
			return nil, false, err
		}
		if length == -1 {
			// Legacy null bulk string; only '$' carries it.
			if tag != RespString {
				return nil, false, ErrInvalidSyntax
			}
			return d.deliverStep(NewNil())
		}
		if length < 0 {
			return nil, false, ErrInvalidSyntax
		}
		if length > MaxBufferSize {
			return nil, false, ErrTooLarge
		}
		d.bulk = &bulkState{tag: tag, want: int(length)}
		return nil, true, nil

	case RespArray, RespSet, RespPush, RespMap, RespAttr:
		length, err := decodeInt64(body)
		if err != nil {
			return nil, false, err
		}
		if length == -1 {
			// Legacy null array.
			if tag != RespArray {
				return nil, false, ErrInvalidSyntax
			}
			return d.deliverStep(NewNil())
		}
		if length < 0 {
			return nil, false, ErrInvalidSyntax
		}
		if length > MaxBufferSize {
			return nil, false, ErrTooLarge
		}
		elemCount := int(length)
		if pairElems(tag) {
			elemCount *= 2
		}
		if elemCount == 0 {
			return d.deliverStep(&RespValue{Type: tag, Elems: []*RespValue{}})
		}
		d.pushAggregate(tag, elemCount)
		return nil, true, nil

	default:
		logger.Info("RespDecoder invalid RESP type", "type", string(tag))
		return nil, false, ErrInvalidSyntax
	}
}

// stepBulk completes a suspended length-prefixed payload once want+CRLF
// bytes are buffered. The payload is taken verbatim, control bytes included.
func (d *RespDecoder) stepBulk() (*RespValue, bool, error) {
	need := d.bulk.want + 2
	if len(d.buf) < need {
		return nil, false, nil
	}
	payload := d.buf[:d.bulk.want]
	if d.buf[d.bulk.want] != '\r' || d.buf[d.bulk.want+1] != '\n' {
		return nil, false, ErrBadCRLFEnd
	}
	v := &RespValue{Type: d.bulk.tag, Data: bytes.Clone(payload)}
	if d.bulk.tag == RespVerbatim {
		// =<len>\r\nFORMAT:<bytes>\r\n with a fixed three-byte format tag.
		if len(v.Data) < 4 || v.Data[3] != ':' {
			return nil, false, ErrInvalidSyntax
		}
		v.Format = string(v.Data[:3])
		v.Data = v.Data[4:]
	}
	d.consume(need)
	d.bulk = nil
	return d.deliverStep(v)
}

// deliver routes a completed frame: attribute maps park in pendingAttrs,
// nested elements append to the innermost open aggregate, and finished
// aggregates pop the stack and recurse upward. A non-nil return is a
// top-level value ready for the caller.
func (d *RespDecoder) deliver(v *RespValue) *RespValue {
	for {
		if v.Type == RespAttr {
			d.pendingAttrs = v
			return nil
		}
		if d.pendingAttrs != nil {
			v.Attrs = d.pendingAttrs
			d.pendingAttrs = nil
		}
		if len(d.stack) == 0 {
			return v
		}
		top := d.stack[len(d.stack)-1]
		top.elems = append(top.elems, v)
		top.remaining--
		if top.remaining > 0 {
			return nil
		}
		d.stack = d.stack[:len(d.stack)-1]
		v = &RespValue{Type: top.tag, Elems: top.elems, Attrs: top.attrs}
		releaseAggFrame(top)
	}
}

func (d *RespDecoder) deliverStep(v *RespValue) (*RespValue, bool, error) {
	return d.deliver(v), true, nil
}

func (d *RespDecoder) pushAggregate(tag byte, elemCount int) {
	frame := acquireAggFrame()
	frame.tag = tag
	frame.remaining = elemCount
	// An attribute seen just before the aggregate belongs to the aggregate
	// itself, not to its first element.
	frame.attrs = d.pendingAttrs
	d.pendingAttrs = nil
	d.stack = append(d.stack, frame)
}

// takeLine consumes one CRLF-terminated line (CRLF excluded). The scan
// cursor remembers how far the buffer was searched so a partial line is not
// re-scanned on the next Feed.
func (d *RespDecoder) takeLine() ([]byte, bool, error) {
	idx := bytes.IndexByte(d.buf[d.scanFrom:], '\n')
	if idx < 0 {
		d.scanFrom = len(d.buf)
		// An unterminated line must not grow the buffer without bound.
		if len(d.buf) > MaxBufferSize {
			return nil, false, ErrTooLarge
		}
		return nil, false, nil
	}
	end := d.scanFrom + idx
	if end < 1 || d.buf[end-1] != '\r' {
		return nil, false, ErrBadCRLFEnd
	}
	line := d.buf[:end-1]
	d.consume(end + 1)
	return line, true, nil
}

func (d *RespDecoder) consume(n int) {
	d.buf = d.buf[n:]
	d.scanFrom = 0
	if len(d.buf) == 0 && cap(d.buf) > MaxBufferSize/2 {
		d.buf = nil
	}
}

// decodeInt64 parses a decimal line with a fast path for short numbers.
func decodeInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidSyntax
	}
	if len(b) < 10 { // Fast path for small numbers
		var neg, i = false, 0
		switch b[0] {
		case '-':
			neg = true
			fallthrough
		case '+':
			i++
		}
		if len(b) != i {
			var n int64
			for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
				n = int64(b[i]-'0') + n*10
			}
			if len(b) == i {
				if neg {
					n = -n
				}
				return n, nil
			}
		}
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, ErrInvalidSyntax
	}
	return n, nil
}
