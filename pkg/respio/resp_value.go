package respio

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pzhenzhou/redkit/pkg/common"
)

var logger = common.InitLogger().WithName("resp")

// RespValue is one fully-decoded wire frame. The Type tag selects which of
// the payload fields is meaningful:
//
//	RespStatus/RespError/RespBigInt   Data (one line of text)
//	RespString/RespBlobError          Data (binary safe; nil Data on RespString
//	                                  never happens after decode, nil bulks
//	                                  decode to RespNil)
//	RespVerbatim                      Format + Data
//	RespInt                           Int
//	RespFloat                         Float
//	RespBool                          Bool
//	RespArray/RespSet/RespPush        Elems
//	RespMap/RespAttr                  Elems as flattened key/value pairs, in
//	                                  arrival order, repeats preserved
//	RespNil                           nothing
//
// Attrs carries the attribute map that preceded this value on the wire, or
// nil. Decoded values own all their bytes; nothing aliases the read buffer.
type RespValue struct {
	Type   byte
	Data   []byte
	Int    int64
	Float  float64
	Bool   bool
	Format string
	Elems  []*RespValue
	Attrs  *RespValue
}

func NewNil() *RespValue                { return &RespValue{Type: RespNil} }
func NewStatus(s string) *RespValue     { return &RespValue{Type: RespStatus, Data: []byte(s)} }
func NewError(msg string) *RespValue    { return &RespValue{Type: RespError, Data: []byte(msg)} }
func NewInt(n int64) *RespValue         { return &RespValue{Type: RespInt, Int: n} }
func NewFloat(f float64) *RespValue     { return &RespValue{Type: RespFloat, Float: f} }
func NewBool(b bool) *RespValue         { return &RespValue{Type: RespBool, Bool: b} }
func NewBulkString(b []byte) *RespValue { return &RespValue{Type: RespString, Data: b} }
func NewBigInt(digits string) *RespValue {
	return &RespValue{Type: RespBigInt, Data: []byte(digits)}
}

func NewArray(elems ...*RespValue) *RespValue {
	return &RespValue{Type: RespArray, Elems: elems}
}

func NewSet(elems ...*RespValue) *RespValue {
	return &RespValue{Type: RespSet, Elems: elems}
}

// NewMap builds a map value from flattened key/value pairs.
func NewMap(pairs ...*RespValue) *RespValue {
	return &RespValue{Type: RespMap, Elems: pairs}
}

func (v *RespValue) IsNil() bool {
	return v == nil || v.Type == RespNil
}

// IsError reports whether this is a server-reported error reply. Error
// replies are routed and fulfilled like any other value; callers decide
// what to do with them.
func (v *RespValue) IsError() bool {
	return v != nil && (v.Type == RespError || v.Type == RespBlobError)
}

// Equal is deep structural equality, attributes included.
func (v *RespValue) Equal(o *RespValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Type != o.Type {
		return false
	}
	if !bytes.Equal(v.Data, o.Data) || v.Format != o.Format {
		return false
	}
	if v.Int != o.Int || v.Bool != o.Bool {
		return false
	}
	if v.Float != o.Float && !(math.IsNaN(v.Float) && math.IsNaN(o.Float)) {
		return false
	}
	if len(v.Elems) != len(o.Elems) {
		return false
	}
	for i := range v.Elems {
		if !v.Elems[i].Equal(o.Elems[i]) {
			return false
		}
	}
	if v.Attrs != nil || o.Attrs != nil {
		if v.Attrs == nil || o.Attrs == nil {
			return false
		}
		return v.Attrs.Equal(o.Attrs)
	}
	return true
}

// String returns a string representation of the RespValue
// Only for debugging purposes
func (v *RespValue) String() string {
	switch v.Type {
	case RespStatus:
		return fmt.Sprintf("Status: %q", string(v.Data))

	case RespError:
		return fmt.Sprintf("Error: %s", string(v.Data))

	case RespInt:
		return fmt.Sprintf("Integer: %d", v.Int)

	case RespString:
		if v.Data == nil {
			return "String: (nil)"
		}
		return fmt.Sprintf("String: %q", string(v.Data))

	case RespNil:
		return "(nil)"

	case RespFloat:
		return fmt.Sprintf("Float: %s", FormatFloat(v.Float))

	case RespBool:
		return fmt.Sprintf("Bool: %t", v.Bool)

	case RespBlobError:
		return fmt.Sprintf("BlobError: %s", string(v.Data))

	case RespVerbatim:
		return fmt.Sprintf("Verbatim(%s): %s", v.Format, string(v.Data))

	case RespBigInt:
		return fmt.Sprintf("BigInt: %s", string(v.Data))

	case RespArray, RespSet, RespPush:
		label := "Array"
		if v.Type == RespSet {
			label = "Set"
		} else if v.Type == RespPush {
			label = "Push"
		}
		if v.Elems == nil {
			return label + ": (nil)"
		}
		if len(v.Elems) == 0 {
			return label + ": (empty)"
		}
		var b strings.Builder
		b.WriteString(label + ":\n")
		for i, elem := range v.Elems {
			elemStr := elem.String()
			lines := strings.Split(elemStr, "\n")
			b.WriteString(fmt.Sprintf("  %d) %s\n", i+1, lines[0]))
			for _, line := range lines[1:] {
				b.WriteString(fmt.Sprintf("     %s\n", line))
			}
		}
		return strings.TrimRight(b.String(), "\n")

	case RespMap, RespAttr:
		label := "Map"
		if v.Type == RespAttr {
			label = "Attr"
		}
		var b strings.Builder
		b.WriteString(label + ":\n")
		for i := 0; i < len(v.Elems); i += 2 {
			key := v.Elems[i].String()
			value := "nil"
			if i+1 < len(v.Elems) {
				value = v.Elems[i+1].String()
			}
			b.WriteString(fmt.Sprintf("  %s => %s\n", key, value))
		}
		return strings.TrimRight(b.String(), "\n")

	default:
		return fmt.Sprintf("(unknown type: %c)", v.Type)
	}
}

// FormatFloat renders a double the way the wire carries it: shortest form
// that round-trips the IEEE-754 value, with infinities and NaN spelled out.
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
