package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/common"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

// testServer scripts the far side of a net.Pipe. Pipe writes are synchronous,
// so the script must read every frame the connection sends before replying.
type testServer struct {
	conn   net.Conn
	reader *respio.RespReader
}

func newTestConn(t *testing.T) (*Conn, *testServer) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := NewConn(clientSide, common.DefaultClientConfig())
	srv := &testServer{conn: serverSide, reader: respio.NewRespReader(serverSide)}
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverSide.Close()
	})
	return c, srv
}

// readFrame consumes one request frame and returns its arguments as strings.
func (s *testServer) readFrame(t *testing.T) []string {
	t.Helper()
	v, err := s.reader.Read()
	require.NoError(t, err)
	require.Equal(t, respio.RespArray, v.Type)
	args := make([]string, 0, len(v.Elems))
	for _, elem := range v.Elems {
		args = append(args, string(elem.Data))
	}
	return args
}

// reply writes raw wire bytes back to the connection.
func (s *testServer) reply(t *testing.T, raw string) {
	t.Helper()
	_, err := s.conn.Write([]byte(raw))
	require.NoError(t, err)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConn_SubmitSingle(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		args := srv.readFrame(t)
		assert.Equal(t, []string{"GET", "k"}, args)
		srv.reply(t, "$5\r\nhello\r\n")
	}()

	reply, err := c.Submit(ctx, command.MustNew("GET", command.Str("k")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply.Data)
	<-done
}

func TestConn_PipelinedFIFO(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p1, err := c.enqueue(ctx, command.MustNew("SET", command.Str("k"), command.Str("v")), false, nil)
	require.NoError(t, err)
	p2, err := c.enqueue(ctx, command.MustNew("INCR", command.Str("n")), false, nil)
	require.NoError(t, err)

	assert.Equal(t, "SET", srv.readFrame(t)[0])
	assert.Equal(t, "INCR", srv.readFrame(t)[0])
	srv.reply(t, "+OK\r\n:1\r\n")

	r1, err := p1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, respio.RespStatus, r1.Type)
	assert.Equal(t, []byte("OK"), r1.Data)

	r2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r2.Int)
}

func TestConn_ReplySplitAcrossReads(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p, err := c.enqueue(ctx, command.MustNew("GET", command.Str("k")), false, nil)
	require.NoError(t, err)
	srv.readFrame(t)

	srv.reply(t, "$11\r\nhel")
	time.Sleep(10 * time.Millisecond)
	srv.reply(t, "lo world\r\n")

	reply, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), reply.Data)
}

// A server error reply is a value, not a transport failure.
func TestConn_ServerErrorIsAValue(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p, err := c.enqueue(ctx, command.MustNew("NOPE"), false, nil)
	require.NoError(t, err)
	srv.readFrame(t)
	srv.reply(t, "-ERR unknown command\r\n")

	reply, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, reply.IsError())

	serverErr := AsServerError(reply)
	require.Error(t, serverErr)
	assert.Contains(t, serverErr.Error(), "unknown command")
}

// A push frame between two replies must not consume a reply slot.
func TestConn_PushDoesNotShiftSlots(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p1, err := c.enqueue(ctx, command.MustNew("GET", command.Str("a")), false, nil)
	require.NoError(t, err)
	p2, err := c.enqueue(ctx, command.MustNew("GET", command.Str("b")), false, nil)
	require.NoError(t, err)
	srv.readFrame(t)
	srv.readFrame(t)

	srv.reply(t, "$1\r\nA\r\n")
	srv.reply(t, ">3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$4\r\nping\r\n")
	srv.reply(t, "$1\r\nB\r\n")

	r1, err := p1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), r1.Data)
	r2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), r2.Data)
}

// Cancelling a waiter abandons the result but never the queue position: the
// late reply is consumed and discarded, and the next reply lands on the next
// slot.
func TestConn_CancelKeepsQueueAligned(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p1, err := c.enqueue(ctx, command.MustNew("BLPOP", command.Str("q"), command.Int(0)), false, nil)
	require.NoError(t, err)
	p2, err := c.enqueue(ctx, command.MustNew("GET", command.Str("k")), false, nil)
	require.NoError(t, err)
	srv.readFrame(t)
	srv.readFrame(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p1.Wait(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	srv.reply(t, "*-1\r\n$5\r\nvalue\r\n")

	r2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), r2.Data)
}

func TestConn_LossFailsAllOutstanding(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	var pendings []*Pending
	for _, key := range []string{"a", "b", "c"} {
		p, err := c.enqueue(ctx, command.MustNew("GET", command.Str(key)), false, nil)
		require.NoError(t, err)
		pendings = append(pendings, p)
		srv.readFrame(t)
	}

	require.NoError(t, srv.conn.Close())

	for _, p := range pendings {
		_, err := p.Wait(ctx)
		assert.ErrorIs(t, err, ErrConnClosed)
	}

	require.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)
	_, err := c.Submit(ctx, command.MustNew("PING"))
	assert.ErrorIs(t, err, ErrConnClosed)
}

// Protocol corruption is terminal for the whole connection.
func TestConn_ProtocolCorruptionTearsDown(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	p, err := c.enqueue(ctx, command.MustNew("GET", command.Str("k")), false, nil)
	require.NoError(t, err)
	srv.readFrame(t)
	srv.reply(t, "?bogus\r\n")

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)
	require.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)
}

func TestConn_SubmitValidation(t *testing.T) {
	c, _ := newTestConn(t)
	_, err := c.Submit(testCtx(t), nil)
	assert.ErrorIs(t, err, command.ErrEmptyCommand)
}

func TestConn_Watch(t *testing.T) {
	c, srv := newTestConn(t)
	ctx := testCtx(t)

	go func() {
		args := srv.readFrame(t)
		assert.Equal(t, []string{"WATCH", "k1", "k2"}, args)
		srv.reply(t, "+OK\r\n")
		args = srv.readFrame(t)
		assert.Equal(t, []string{"UNWATCH"}, args)
		srv.reply(t, "+OK\r\n")
	}()

	require.NoError(t, c.Watch(ctx, "k1", "k2"))
	require.NoError(t, c.Unwatch(ctx))
}
