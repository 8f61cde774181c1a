// Package command turns typed command parameters into wire-ready request
// frames. It is pure: building a frame never touches the network, and every
// misuse is reported before a single byte is written.
package command

import (
	"errors"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/pzhenzhou/redkit/pkg/respio"
)

var (
	ErrEmptyCommand = errors.New("command name must not be empty")
	ErrEmptyKeyword = errors.New("option keyword must not be empty")
)

// Frame is one complete request: an ordered list of binary-safe byte
// strings, the first of which is the command name. A Frame is immutable
// once built; the multiplexer relies on that.
type Frame struct {
	args [][]byte
}

// New serializes a command name and its typed parameters into a Frame.
// Parameters expand in declaration order; absent optionals and false flags
// contribute nothing.
func New(name string, params ...Arg) (*Frame, error) {
	if name == "" {
		return nil, ErrEmptyCommand
	}
	args := make([][]byte, 0, 1+len(params))
	args = append(args, []byte(name))
	var err error
	for _, p := range params {
		if p == nil {
			continue
		}
		args, err = p.appendArgs(args)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{args: args}, nil
}

// MustNew is New for statically-known commands; it panics on misuse.
func MustNew(name string, params ...Arg) *Frame {
	frame, err := New(name, params...)
	if err != nil {
		panic(err)
	}
	return frame
}

// Name returns the command name (the first argument).
func (f *Frame) Name() string {
	return string(f.args[0])
}

// Args exposes the serialized argument list for the wire writer. Callers
// must not mutate it.
func (f *Frame) Args() [][]byte {
	return f.args
}

func (f *Frame) Len() int {
	return len(f.args)
}

func (f *Frame) String() string {
	parts := lo.Map(f.args, func(arg []byte, _ int) string {
		return strconv.Quote(string(arg))
	})
	return "[" + strings.Join(parts, " ") + "]"
}

// Arg is one typed parameter. appendArgs serializes it as zero or more
// binary-safe byte strings appended to dst.
type Arg interface {
	appendArgs(dst [][]byte) ([][]byte, error)
}

type strArg string

func (a strArg) appendArgs(dst [][]byte) ([][]byte, error) {
	return append(dst, []byte(a)), nil
}

// Str is a plain string parameter.
func Str(s string) Arg { return strArg(s) }

type bytesArg []byte

func (a bytesArg) appendArgs(dst [][]byte) ([][]byte, error) {
	return append(dst, a), nil
}

// Bytes is a binary-safe parameter; embedded control bytes pass verbatim.
func Bytes(b []byte) Arg { return bytesArg(b) }

type intArg int64

func (a intArg) appendArgs(dst [][]byte) ([][]byte, error) {
	return append(dst, []byte(strconv.FormatInt(int64(a), 10))), nil
}

// Int serializes as decimal ASCII.
func Int(n int64) Arg { return intArg(n) }

type floatArg float64

func (a floatArg) appendArgs(dst [][]byte) ([][]byte, error) {
	return append(dst, []byte(respio.FormatFloat(float64(a)))), nil
}

// Float serializes with the wire's round-trippable textual form; the
// infinities and NaN are spelled out.
func Float(f float64) Arg { return floatArg(f) }

type flagArg struct {
	keyword string
	on      bool
}

func (a flagArg) appendArgs(dst [][]byte) ([][]byte, error) {
	if a.keyword == "" {
		return nil, ErrEmptyKeyword
	}
	if !a.on {
		return dst, nil
	}
	return append(dst, []byte(a.keyword)), nil
}

// Flag is a pure boolean token: nothing when off, exactly the keyword when
// on (NX, XX, KEEPTTL, ...).
func Flag(keyword string, on bool) Arg {
	return flagArg{keyword: keyword, on: on}
}

type labeledArg struct {
	keyword string
	value   Arg
}

func (a labeledArg) appendArgs(dst [][]byte) ([][]byte, error) {
	if a.keyword == "" {
		return nil, ErrEmptyKeyword
	}
	if a.value == nil {
		return dst, nil
	}
	mark := len(dst)
	dst = append(dst, []byte(a.keyword))
	dst, err := a.value.appendArgs(dst)
	if err != nil {
		return nil, err
	}
	// A value that expanded to nothing (off flag, empty group) must not
	// leave a dangling keyword behind.
	if len(dst) == mark+1 {
		return dst[:mark], nil
	}
	return dst, nil
}

// Labeled is a keyword-prefixed option value (EX 5, LIMIT 0 10). A nil
// value means the option is absent and contributes zero arguments.
func Labeled(keyword string, value Arg) Arg {
	return labeledArg{keyword: keyword, value: value}
}

type groupArg []Arg

func (a groupArg) appendArgs(dst [][]byte) ([][]byte, error) {
	var err error
	for _, inner := range a {
		if inner == nil {
			continue
		}
		dst, err = inner.appendArgs(dst)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// Group serializes nested parameters in declaration order, adjacent in the
// output. It is also the variadic expansion for heterogeneous lists.
func Group(params ...Arg) Arg { return groupArg(params) }

type strsArg []string

func (a strsArg) appendArgs(dst [][]byte) ([][]byte, error) {
	return append(dst, lo.Map(a, func(s string, _ int) []byte {
		return []byte(s)
	})...), nil
}

// Strs expands a variadic string list in the order given.
func Strs(ss ...string) Arg { return strsArg(ss) }
