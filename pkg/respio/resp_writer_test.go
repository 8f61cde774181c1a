package respio

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespWriter_WriteCommand(t *testing.T) {
	var buf bytes.Buffer
	w := NewRespWriter(&buf)
	err := w.WriteCommand([][]byte{[]byte("SET"), []byte("key"), []byte("value")})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n", buf.String())
}

func TestRespWriter_WriteCommandBinarySafe(t *testing.T) {
	var buf bytes.Buffer
	w := NewRespWriter(&buf)
	err := w.WriteCommand([][]byte{[]byte("SET"), []byte("k"), {0x00, '\r', '\n', 0xff}})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$4\r\n\x00\r\n\xff\r\n", buf.String())
}

func TestRespWriter_RejectsEmptyCommand(t *testing.T) {
	var buf bytes.Buffer
	w := NewRespWriter(&buf)
	assert.Error(t, w.WriteCommand(nil))
}

func TestRespWriter_RejectsOddMap(t *testing.T) {
	var buf bytes.Buffer
	w := NewRespWriter(&buf)
	odd := &RespValue{Type: RespMap, Elems: []*RespValue{NewStatus("lonely-key")}}
	assert.Error(t, w.Write(odd))
}

func TestRespWriter_NilElemsAggregates(t *testing.T) {
	tests := []struct {
		name     string
		tag      byte
		expected string
	}{
		{"array keeps legacy null form", RespArray, "*-1\r\n"},
		{"map", RespMap, "_\r\n"},
		{"set", RespSet, "_\r\n"},
		{"push", RespPush, "_\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewRespWriter(&buf)
			require.NoError(t, w.Write(&RespValue{Type: tt.tag}))
			require.NoError(t, w.Flush())
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

// Every value the writer emits must decode back to an equal value.
func TestRespWriter_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value *RespValue
	}{
		{"status", NewStatus("OK")},
		{"error", NewError("ERR something")},
		{"integer", NewInt(-12345)},
		{"nil", NewNil()},
		{"bool", NewBool(true)},
		{"float", NewFloat(3.1415926535)},
		{"float positive infinity", NewFloat(math.Inf(1))},
		{"float negative infinity", NewFloat(math.Inf(-1))},
		{"big int", NewBigInt("123456789012345678901234567890")},
		{"bulk string", NewBulkString([]byte("hello world"))},
		{"binary bulk string", NewBulkString([]byte{0, 1, 2, '\r', '\n', 0xfe})},
		{"blob error", &RespValue{Type: RespBlobError, Data: []byte("SYNTAX oops")}},
		{"verbatim", &RespValue{Type: RespVerbatim, Format: "txt", Data: []byte("plain text")}},
		{"empty array", &RespValue{Type: RespArray, Elems: []*RespValue{}}},
		{"array", NewArray(NewInt(1), NewBulkString([]byte("two")), NewNil())},
		{"nested array", NewArray(NewArray(NewStatus("a")), NewSet(NewInt(9)))},
		{"map", NewMap(NewBulkString([]byte("k1")), NewInt(1), NewBulkString([]byte("k2")), NewInt(2))},
		{"push", &RespValue{Type: RespPush, Elems: []*RespValue{
			NewBulkString([]byte("message")), NewBulkString([]byte("ch")), NewBulkString([]byte("hi")),
		}}},
		{"value with attributes", &RespValue{
			Type: RespString, Data: []byte("payload"),
			Attrs: &RespValue{Type: RespAttr, Elems: []*RespValue{
				NewBulkString([]byte("ttl")), NewInt(3600),
			}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewRespWriter(&buf)
			require.NoError(t, w.Write(tt.value))
			require.NoError(t, w.Flush())

			reader := NewRespReaderFromBytes(buf.Bytes())
			got, err := reader.Read()
			require.NoError(t, err)
			assert.True(t, tt.value.Equal(got),
				"expected %s, got %s", tt.value.String(), got.String())
			assert.Equal(t, 0, reader.Buffered())
		})
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		input    float64
		expected string
	}{
		{3.25, "3.25"},
		{-0.5, "-0.5"},
		{10, "10"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
		{math.NaN(), "nan"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatFloat(tt.input))
	}
}
