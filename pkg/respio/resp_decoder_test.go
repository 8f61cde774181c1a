package respio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeAll feeds the whole input at once and drains every complete value.
func decodeAll(t *testing.T, input []byte) []*RespValue {
	t.Helper()
	dec := NewRespDecoder()
	dec.Feed(input)
	var values []*RespValue
	for {
		v, err := dec.Next()
		require.NoError(t, err)
		if v == nil {
			return values
		}
		values = append(values, v)
	}
}

func TestRespDecoder_Scalars(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected *RespValue
	}{
		{"status", []byte("+OK\r\n"), NewStatus("OK")},
		{"error", []byte("-ERR unknown command\r\n"), NewError("ERR unknown command")},
		{"integer", []byte(":1000\r\n"), NewInt(1000)},
		{"negative integer", []byte(":-42\r\n"), NewInt(-42)},
		{"bulk string", []byte("$5\r\nHello\r\n"), NewBulkString([]byte("Hello"))},
		{"empty bulk string", []byte("$0\r\n\r\n"), NewBulkString([]byte{})},
		{"bulk with control bytes", []byte("$6\r\na\r\nb\x00c\r\n"), NewBulkString([]byte("a\r\nb\x00c"))},
		{"null bulk string", []byte("$-1\r\n"), NewNil()},
		{"null array", []byte("*-1\r\n"), NewNil()},
		{"resp3 nil", []byte("_\r\n"), NewNil()},
		{"bool true", []byte("#t\r\n"), NewBool(true)},
		{"bool false", []byte("#f\r\n"), NewBool(false)},
		{"float", []byte(",3.25\r\n"), NewFloat(3.25)},
		{"float inf", []byte(",inf\r\n"), NewFloat(math.Inf(1))},
		{"float -inf", []byte(",-inf\r\n"), NewFloat(math.Inf(-1))},
		{"big int", []byte("(3492890328409238509324850943850943825024385\r\n"),
			NewBigInt("3492890328409238509324850943850943825024385")},
		{"blob error", []byte("!21\r\nSYNTAX invalid syntax\r\n"),
			&RespValue{Type: RespBlobError, Data: []byte("SYNTAX invalid syntax")}},
		{"verbatim", []byte("=15\r\ntxt:Some string\r\n"),
			&RespValue{Type: RespVerbatim, Format: "txt", Data: []byte("Some string")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := decodeAll(t, tt.input)
			require.Len(t, values, 1)
			assert.True(t, tt.expected.Equal(values[0]),
				"expected %s, got %s", tt.expected.String(), values[0].String())
		})
	}
}

func TestRespDecoder_Aggregates(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected *RespValue
	}{
		{
			name:     "array with trailing null element",
			input:    []byte("*2\r\n$3\r\nfoo\r\n$-1\r\n"),
			expected: NewArray(NewBulkString([]byte("foo")), NewNil()),
		},
		{
			name:     "empty array",
			input:    []byte("*0\r\n"),
			expected: &RespValue{Type: RespArray, Elems: []*RespValue{}},
		},
		{
			name:  "nested array",
			input: []byte("*2\r\n*2\r\n:1\r\n:2\r\n*1\r\n+OK\r\n"),
			expected: NewArray(
				NewArray(NewInt(1), NewInt(2)),
				NewArray(NewStatus("OK")),
			),
		},
		{
			name:  "map preserves arrival order",
			input: []byte("%2\r\n+first\r\n:1\r\n+second\r\n:2\r\n"),
			expected: NewMap(
				NewStatus("first"), NewInt(1),
				NewStatus("second"), NewInt(2),
			),
		},
		{
			name:     "set",
			input:    []byte("~2\r\n+a\r\n+b\r\n"),
			expected: NewSet(NewStatus("a"), NewStatus("b")),
		},
		{
			name:  "push frame",
			input: []byte(">3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nhello\r\n"),
			expected: &RespValue{Type: RespPush, Elems: []*RespValue{
				NewBulkString([]byte("message")),
				NewBulkString([]byte("ch")),
				NewBulkString([]byte("hello")),
			}},
		},
		{
			name:  "mixed types inside array",
			input: []byte("*4\r\n:1\r\n#t\r\n,2.5\r\n_\r\n"),
			expected: NewArray(
				NewInt(1), NewBool(true), NewFloat(2.5), NewNil(),
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := decodeAll(t, tt.input)
			require.Len(t, values, 1)
			assert.True(t, tt.expected.Equal(values[0]),
				"expected %s, got %s", tt.expected.String(), values[0].String())
		})
	}
}

func TestRespDecoder_Attributes(t *testing.T) {
	t.Run("attribute attaches to following scalar", func(t *testing.T) {
		input := []byte("|1\r\n+ttl\r\n:3600\r\n$5\r\nvalue\r\n")
		values := decodeAll(t, input)
		require.Len(t, values, 1)
		v := values[0]
		assert.Equal(t, RespString, v.Type)
		assert.Equal(t, []byte("value"), v.Data)
		require.NotNil(t, v.Attrs)
		require.Len(t, v.Attrs.Elems, 2)
		assert.Equal(t, []byte("ttl"), v.Attrs.Elems[0].Data)
		assert.EqualValues(t, 3600, v.Attrs.Elems[1].Int)
	})

	t.Run("attribute attaches to the aggregate not its first element", func(t *testing.T) {
		input := []byte("|1\r\n+hint\r\n+x\r\n*2\r\n:1\r\n:2\r\n")
		values := decodeAll(t, input)
		require.Len(t, values, 1)
		v := values[0]
		assert.Equal(t, RespArray, v.Type)
		require.NotNil(t, v.Attrs)
		assert.Nil(t, v.Elems[0].Attrs)
		assert.Nil(t, v.Elems[1].Attrs)
	})

	t.Run("attribute inside aggregate attaches to element", func(t *testing.T) {
		input := []byte("*2\r\n|1\r\n+k\r\n+v\r\n:7\r\n:8\r\n")
		values := decodeAll(t, input)
		require.Len(t, values, 1)
		v := values[0]
		require.Len(t, v.Elems, 2)
		require.NotNil(t, v.Elems[0].Attrs)
		assert.EqualValues(t, 7, v.Elems[0].Int)
		assert.Nil(t, v.Elems[1].Attrs)
	})
}

// Fragmentation must be invisible: any split of the same byte stream yields
// the same values in the same order.
func TestRespDecoder_FragmentationInvariance(t *testing.T) {
	stream := []byte("+OK\r\n" +
		"*2\r\n$3\r\nfoo\r\n$-1\r\n" +
		"%1\r\n+k\r\n*1\r\n:42\r\n" +
		"=15\r\ntxt:Some string\r\n" +
		">3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nhello\r\n" +
		":-7\r\n")
	want := decodeAll(t, stream)
	require.Len(t, want, 6)

	splits := []struct {
		name string
		size int
	}{
		{"byte at a time", 1},
		{"two bytes", 2},
		{"seven bytes", 7},
		{"large chunks", 64},
	}
	for _, split := range splits {
		t.Run(split.name, func(t *testing.T) {
			dec := NewRespDecoder()
			var got []*RespValue
			for off := 0; off < len(stream); off += split.size {
				end := off + split.size
				if end > len(stream) {
					end = len(stream)
				}
				dec.Feed(stream[off:end])
				for {
					v, err := dec.Next()
					require.NoError(t, err)
					if v == nil {
						break
					}
					got = append(got, v)
				}
			}
			require.Len(t, got, len(want))
			for i := range want {
				assert.True(t, want[i].Equal(got[i]),
					"value %d: expected %s, got %s", i, want[i].String(), got[i].String())
			}
			assert.Equal(t, 0, dec.Buffered())
		})
	}
}

func TestRespDecoder_IncompleteInput(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"partial line", []byte("+OK")},
		{"partial bulk payload", []byte("$10\r\nhello")},
		{"partial aggregate", []byte("*3\r\n:1\r\n:2\r\n")},
		{"lone attribute", []byte("|1\r\n+k\r\n+v\r\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewRespDecoder()
			dec.Feed(tt.input)
			v, err := dec.Next()
			assert.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestRespDecoder_ErrorsAreSticky(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected error
	}{
		{"unknown tag", []byte("?what\r\n"), ErrInvalidSyntax},
		{"bare LF line", []byte("+OK\n"), ErrBadCRLFEnd},
		{"bulk payload bad terminator", []byte("$3\r\nfooXY"), ErrBadCRLFEnd},
		{"negative aggregate length", []byte("*-2\r\n"), ErrInvalidSyntax},
		{"non-numeric length", []byte("$abc\r\n"), ErrInvalidSyntax},
		{"bad bool", []byte("#x\r\n"), ErrInvalidSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewRespDecoder()
			dec.Feed(tt.input)
			_, err := dec.Next()
			require.ErrorIs(t, err, tt.expected)

			// The error is terminal: later feeds are ignored and every
			// Next repeats it.
			dec.Feed([]byte("+OK\r\n"))
			_, err = dec.Next()
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestRespDecoder_UnterminatedLineTooLarge(t *testing.T) {
	dec := NewRespDecoder()
	dec.Feed([]byte{RespStatus})
	chunk := make([]byte, 64*1024*1024) // no '\n' anywhere

	var err error
	for dec.Buffered() <= MaxBufferSize {
		dec.Feed(chunk)
		_, err = dec.Next()
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrTooLarge)

	// Terminal like every other decode error.
	dec.Feed([]byte("+OK\r\n"))
	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestRespDecoder_PipelinedValues(t *testing.T) {
	input := []byte("+OK\r\n:1\r\n$2\r\nhi\r\n")
	values := decodeAll(t, input)
	require.Len(t, values, 3)
	assert.Equal(t, RespStatus, values[0].Type)
	assert.EqualValues(t, 1, values[1].Int)
	assert.Equal(t, []byte("hi"), values[2].Data)
}

func TestRespDecoder_ValuesOwnTheirBytes(t *testing.T) {
	chunk := []byte("$5\r\nhello\r\n")
	dec := NewRespDecoder()
	dec.Feed(chunk)
	v, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, v)

	// Mutating the fed chunk must not corrupt the decoded value.
	for i := range chunk {
		chunk[i] = 'X'
	}
	assert.Equal(t, []byte("hello"), v.Data)
}

func TestDecodeInt64(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1000", 1000, false},
		{"-42", -42, false},
		{"+7", 7, false},
		{"9223372036854775807", math.MaxInt64, false},
		{"-9223372036854775808", math.MinInt64, false},
		{"", 0, true},
		{"12x", 0, true},
		{"-", 0, true},
	}
	for _, tt := range tests {
		n, err := decodeInt64([]byte(tt.input))
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		assert.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, n, "input %q", tt.input)
	}
}
