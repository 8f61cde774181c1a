package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/common"
	"github.com/pzhenzhou/redkit/pkg/metrics"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

var (
	logger       = common.InitLogger().WithName("client")
	drainTimeout = 500 * time.Millisecond
)

// Conn multiplexes one pipelined, full-duplex connection. Any number of
// goroutines submit command frames; a single write loop puts them on the
// wire and appends their Pending slots to the FIFO in the same order, and a
// single read loop feeds the decoder and binds every non-push value to the
// oldest unresolved slot. The queue position is the only correlation key:
// the protocol sends no request IDs.
//
// Blocking commands (BLPOP, XREAD BLOCK, ...) are ordinary submits here.
// The caller contract is one blocking command in flight per connection;
// take a sibling Conn from the pool for anything else, and unblock a stuck
// one with CLIENT UNBLOCK from another connection. A local ctx timeout
// alone never desynchronizes the queue: the server's eventual reply is
// still consumed positionally and discarded.
type Conn struct {
	Id   string
	cfg  *common.ClientConfig
	conn net.Conn

	dec    *respio.RespDecoder
	writer *respio.RespWriter

	// writeQ is the submission order; the write loop is the single owner
	// of the socket's send half and of pendingQ's producer side.
	writeQ chan *Pending
	// pendingQ holds the frames written but not yet matched to a reply.
	pendingQ chan *Pending

	quit       chan struct{}
	closed     atomic.Bool
	closeCause atomic.Value
	wg         sync.WaitGroup

	created time.Time
	usedAt  int64

	subs      *subscriptionRegistry
	txActive  atomic.Bool
	collector metrics.ClientMetricsCollector
}

// Dial establishes a TCP connection and starts its loops. Protocol-version
// negotiation (HELLO) is the caller's precondition, as is authentication.
func Dial(addr string, cfg *common.ClientConfig) (*Conn, error) {
	if cfg == nil {
		cfg = common.DefaultClientConfig()
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		logger.Error(err, "Failed to dial server", "Addr", addr)
		return nil, err
	}
	return NewConn(nc, cfg), nil
}

// NewConn wraps an established transport (tests hand in one half of a
// net.Pipe) and starts the write and read loops.
func NewConn(nc net.Conn, cfg *common.ClientConfig) *Conn {
	if cfg == nil {
		cfg = common.DefaultClientConfig()
	}
	collector := metrics.ClientMetricsCollector(metrics.NopCollector{})
	if cfg.Metrics.EnableMetrics {
		if mc, err := metrics.NewMetricsCollector(&metrics.Config{
			ServiceName:         cfg.Metrics.ServiceName,
			AggregationInterval: 5 * time.Second,
			RetentionPeriod:     10 * time.Minute,
		}); err == nil {
			collector = mc
		} else {
			logger.Error(err, "Failed to initialize metrics collector, using nop")
		}
	}
	c := &Conn{
		Id:        shortuuid.New(),
		cfg:       cfg,
		conn:      nc,
		dec:       respio.NewRespDecoder(),
		writer:    respio.NewRespWriter(nc),
		writeQ:    make(chan *Pending, cfg.WriteQueueLen),
		pendingQ:  make(chan *Pending, cfg.PendingLen),
		quit:      make(chan struct{}),
		created:   time.Now(),
		usedAt:    time.Now().Unix(),
		subs:      newSubscriptionRegistry(cfg.PushBufferLen),
		collector: collector,
	}
	c.collector.IncrementActiveConnections()
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Submit writes one command frame and blocks until its reply value arrives
// or ctx is done. Server error replies come back as ordinary values with
// a nil error; use AsServerError to lift them. A ctx expiry cancels only
// this caller's wait: the slot stays queued and its reply is discarded.
func (c *Conn) Submit(ctx context.Context, frame *command.Frame) (*respio.RespValue, error) {
	p, err := c.enqueue(ctx, frame, false, nil)
	if err != nil {
		return nil, err
	}
	return c.wait(ctx, p)
}

func (c *Conn) enqueue(ctx context.Context, frame *command.Frame, writeOnly bool,
	handler func(*respio.RespValue, error)) (*Pending, error) {
	if frame == nil || frame.Len() == 0 {
		return nil, command.ErrEmptyCommand
	}
	if c.closed.Load() {
		return nil, c.closeError()
	}
	p := newPending(frame)
	p.writeOnly = writeOnly
	p.handler = handler
	c.collector.IncrementCommandCounter(frame.Name())
	select {
	case c.writeQ <- p:
		c.SetUsedAt(time.Now())
		return p, nil
	case <-c.quit:
		return nil, c.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) wait(ctx context.Context, p *Pending) (*respio.RespValue, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		p.cancelled.Store(true)
		return nil, ctx.Err()
	case <-c.quit:
		// Teardown fails every queued slot; give the drain a moment so the
		// caller sees the terminal cause rather than a bare closed error.
		select {
		case <-p.done:
			return p.reply, p.err
		case <-time.After(drainTimeout):
			return nil, c.closeError()
		case <-ctx.Done():
			p.cancelled.Store(true)
			return nil, ctx.Err()
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case p, ok := <-c.writeQ:
			if !ok {
				return
			}
			if err := c.writeAndFlush(p.frame); err != nil {
				logger.Error(err, "Conn failed to write frame", "Id", c.Id)
				p.fulfill(nil, err)
				// bufio write errors are sticky and a partial frame
				// corrupts the stream, so any write failure is terminal.
				c.teardown(err)
				return
			}
			if p.writeOnly {
				p.fulfill(nil, nil)
				continue
			}
			select {
			case c.pendingQ <- p:
			case <-c.quit:
				p.fulfill(nil, c.closeError())
				return
			}
		}
	}
}

func (c *Conn) writeAndFlush(frame *command.Frame) error {
	if err := c.writer.WriteCommand(frame.Args()); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, respio.DefaultBufferSize)
	for {
		select {
		case <-c.quit:
			return
		default:
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			if !c.drainDecoder() {
				return
			}
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

// drainDecoder routes every value the buffered bytes complete. It returns
// false when the connection died underneath it.
func (c *Conn) drainDecoder() bool {
	for {
		v, err := c.dec.Next()
		if err != nil {
			// Garbage on the wire is not resynchronizable.
			logger.Error(err, "Conn protocol corruption", "Id", c.Id)
			c.collector.IncrementErrorCounter("protocol_corruption")
			c.teardown(err)
			return false
		}
		if v == nil {
			return true
		}
		if !c.route(v) {
			return false
		}
	}
}

// route binds one decoded value: push frames fan out to subscriptions and
// never consume a Pending slot; everything else resolves the oldest
// unresolved request, strictly in order.
func (c *Conn) route(v *respio.RespValue) bool {
	if v.Type == respio.RespPush {
		c.subs.dispatch(c, v)
		return true
	}
	var p *Pending
	select {
	case p = <-c.pendingQ:
	case <-c.quit:
		return false
	}
	if p.cancelled.Load() {
		// The caller stopped waiting. The reply had to be consumed to keep
		// the queue aligned; now it is dropped.
		p.fulfill(v, nil)
		return true
	}
	p.fulfill(v, nil)
	c.collector.RecordCommandLatency(p.frame.Name(), time.Since(p.start))
	return true
}

// Watch adds keys to the server-side watch set for the next transaction.
// It must run before BeginTx; keys are opaque here.
func (c *Conn) Watch(ctx context.Context, keys ...string) error {
	frame, err := command.New(string(respio.WatchCmd), command.Strs(keys...))
	if err != nil {
		return err
	}
	return c.submitSimple(ctx, frame)
}

func (c *Conn) Unwatch(ctx context.Context) error {
	return c.submitSimple(ctx, command.MustNew(string(respio.UnwatchCmd)))
}

// submitSimple runs a command whose only interesting outcome is OK/error.
func (c *Conn) submitSimple(ctx context.Context, frame *command.Frame) error {
	reply, err := c.Submit(ctx, frame)
	if err != nil {
		return err
	}
	return AsServerError(reply)
}

func (c *Conn) teardown(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if cause != nil {
		c.closeCause.Store(cause)
		if common.IsConnUnavailable(cause) {
			c.collector.IncrementErrorCounter("conn_lost")
		}
	}
	close(c.quit)
	if closeErr := c.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		logger.Info("Conn transport close", "Id", c.Id, "error", closeErr)
	}
	c.drainQueues()
	c.subs.closeAll()
	c.collector.DecrementActiveConnections()
}

// drainQueues fails every still-queued request with the terminal condition.
func (c *Conn) drainQueues() {
	failErr := c.closeError()
	timeout := time.After(drainTimeout)
	for {
		select {
		case <-timeout:
			logger.Info("Conn drain timeout", "Id", c.Id)
			return
		case p := <-c.writeQ:
			p.fulfill(nil, failErr)
		case p := <-c.pendingQ:
			p.fulfill(nil, failErr)
		default:
			return
		}
	}
}

func (c *Conn) closeError() error {
	if v := c.closeCause.Load(); v != nil {
		if err, ok := v.(error); ok && !errors.Is(err, net.ErrClosed) {
			return connClosedError(err)
		}
	}
	return ErrConnClosed
}

// Close tears the connection down and waits briefly for both loops.
func (c *Conn) Close() error {
	c.teardown(nil)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		return nil
	case <-time.After(1 * time.Second):
		logger.Info("Conn shutdown timed out", "Id", c.Id)
		return nil
	}
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) UsedAt() time.Time {
	sec := atomic.LoadInt64(&c.usedAt)
	return time.Unix(sec, 0)
}

func (c *Conn) SetUsedAt(inTime time.Time) {
	atomic.StoreInt64(&c.usedAt, inTime.Unix())
}

func (c *Conn) RemoteAddr() net.Addr {
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return nil
}
