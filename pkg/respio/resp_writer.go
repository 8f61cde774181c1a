package respio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

type RespWriter struct {
	writer *bufio.Writer
}

func NewRespWriter(w io.Writer) *RespWriter {
	return &RespWriter{
		writer: bufio.NewWriterSize(w, DefaultBufferSize),
	}
}

// WriteCommand writes one request frame: an array of bulk strings, the
// first being the command name. The caller flushes when the pipeline batch
// is complete.
func (w *RespWriter) WriteCommand(args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("empty command frame")
	}
	if err := w.writer.WriteByte(RespArray); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(args))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteStatus writes a status response (e.g., "OK")
func (w *RespWriter) WriteStatus(status string) error {
	if err := w.writer.WriteByte(RespStatus); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(status); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) WriteInt64(n int64) error {
	if err := w.writer.WriteByte(RespInt); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// Write writes a complete RESP value to the underlying bufio.Writer. An
// attached attribute map is emitted first, as it arrived on the wire.
func (w *RespWriter) Write(v *RespValue) error {
	if v.Attrs != nil {
		if err := w.writeArrayLike(RespAttr, v.Attrs.Elems, true); err != nil {
			return err
		}
	}
	switch v.Type {
	case RespStatus:
		// +<string>\r\n
		return w.WriteStatus(string(v.Data))

	case RespError:
		// -<string>\r\n
		return w.WriteError(string(v.Data))

	case RespInt:
		// :<int>\r\n
		return w.WriteInt64(v.Int)

	case RespString:
		// $<len>\r\n<bytes>\r\n
		return w.WriteBulkString(v.Data)

	case RespArray:
		// *<len>\r\n<element-1>...<element-n>
		return w.writeArrayLike(RespArray, v.Elems, false)

	case RespNil:
		// _\r\n
		return w.writeNull()

	case RespFloat:
		// ,<floating>\r\n
		if err := w.writer.WriteByte(RespFloat); err != nil {
			return err
		}
		if _, err := w.writer.WriteString(FormatFloat(v.Float)); err != nil {
			return err
		}
		return w.writeCRLF()

	case RespBool:
		// #t\r\n or #f\r\n
		if err := w.writer.WriteByte(RespBool); err != nil {
			return err
		}
		b := byte('f')
		if v.Bool {
			b = 't'
		}
		if err := w.writer.WriteByte(b); err != nil {
			return err
		}
		return w.writeCRLF()

	case RespBlobError:
		// !<len>\r\n<bytes>\r\n
		return w.writeBulkWithTag(RespBlobError, v.Data)

	case RespVerbatim:
		// =<len>\r\nFORMAT:<bytes>\r\n
		if len(v.Format) != 3 {
			return fmt.Errorf("invalid verbatim format tag %q: must be three bytes", v.Format)
		}
		payload := make([]byte, 0, len(v.Format)+1+len(v.Data))
		payload = append(payload, v.Format...)
		payload = append(payload, ':')
		payload = append(payload, v.Data...)
		return w.writeBulkWithTag(RespVerbatim, payload)

	case RespBigInt:
		// (<big int>\r\n
		if err := w.writer.WriteByte(RespBigInt); err != nil {
			return err
		}
		if _, err := w.writer.Write(v.Data); err != nil {
			return err
		}
		return w.writeCRLF()

	case RespMap:
		// %<len>\r\n(key)(value)(key)(value)...
		return w.writeArrayLike(RespMap, v.Elems, true)

	case RespSet:
		// ~<len>\r\n<element-1>...<element-n>
		return w.writeArrayLike(RespSet, v.Elems, false)

	case RespAttr:
		// |<len>\r\n(key)(value)(key)(value)...
		return w.writeArrayLike(RespAttr, v.Elems, true)

	case RespPush:
		// ><len>\r\n<element-1>...<element-n>
		return w.writeArrayLike(RespPush, v.Elems, false)

	default:
		logger.Info("RespWriter unknown value type", "type", v.Type)
		return ErrInvalidSyntax
	}
}

// WriteBulkString writes a bulk string
func (w *RespWriter) WriteBulkString(b []byte) error {
	if b == nil {
		return w.writeNullBulk()
	}
	return w.writeBulkWithTag(RespString, b)
}

func (w *RespWriter) writeBulkWithTag(tag byte, b []byte) error {
	if err := w.writer.WriteByte(tag); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteError writes an error response
func (w *RespWriter) WriteError(msg string) error {
	if err := w.writer.WriteByte(RespError); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(msg); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) writeCRLF() error {
	_, err := w.writer.WriteString(CRLF)
	return err
}

func (w *RespWriter) writeNullBulk() error {
	_, err := w.writer.WriteString(Nil)
	return err
}

func (w *RespWriter) writeNullArray() error {
	_, err := w.writer.WriteString(NilArray)
	return err
}

func (w *RespWriter) writeNull() error {
	if err := w.writer.WriteByte(RespNil); err != nil {
		return err
	}
	return w.writeCRLF()
}

// writeArrayLike writes any aggregate tag with the given elements. For
// pair-counted tags the declared length is the pair count.
func (w *RespWriter) writeArrayLike(tag byte, elems []*RespValue, isMap bool) error {
	if elems == nil {
		// Only '*' has a legacy null form; for every other aggregate the
		// RESP3 null is the one valid spelling.
		if tag == RespArray {
			return w.writeNullArray()
		}
		return w.writeNull()
	}
	if isMap && len(elems)%2 != 0 {
		return fmt.Errorf("invalid map length %d: must contain even number of elements for key-value pairs",
			len(elems))
	}

	// Write tag and length
	if err := w.writer.WriteByte(tag); err != nil {
		return err
	}

	length := len(elems)
	if isMap {
		length = length / 2
	}

	if _, err := w.writer.WriteString(strconv.Itoa(length)); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}

	for _, elem := range elems {
		if err := w.Write(elem); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered data to the underlying io.Writer
func (w *RespWriter) Flush() error {
	return w.writer.Flush()
}
