package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pzhenzhou/redkit/pkg/common"
)

var (
	// ephemeralTimers recycles the timers that bound pool-slot waits.
	ephemeralTimers = sync.Pool{
		New: func() interface{} {
			t := time.NewTimer(time.Hour)
			t.Stop()
			return t
		},
	}

	// ErrClosed performs any operation on a closed pool will return this error.
	ErrClosed = errors.New("redkit: pool is closed")

	// ErrPoolExhausted is returned when the maximum number of connections
	// in the pool has been reached.
	ErrPoolExhausted = errors.New("redkit: connection pool exhausted")

	// ErrPoolTimeout timed out waiting to get a connection from the pool.
	ErrPoolTimeout = errors.New("redkit: connection pool timeout")

	defaultTryDialBackoff = backoff.WithMaxElapsedTime(30 * time.Minute)
)

// PoolStatus is a point-in-time counter snapshot.
type PoolStatus struct {
	// ImmediateGets got a connection without waiting.
	ImmediateGets uint32
	// DelayedGets had to dial a fresh connection.
	DelayedGets uint32
	// Timeouts waited out a full slot-wait window.
	Timeouts uint32
	// StaleConns removed or expired connections.
	StaleConns uint32
}

// ConnPool hands out multiplexed connections. A pooled Conn is shared-safe,
// so the pool exists for the workloads that need a connection to themselves:
// blocking commands, transactions, and subscriptions each monopolize one.
type ConnPool struct {
	cfg    *common.ClientConfig
	dialer func(context.Context) (*Conn, error)

	queue     chan struct{}
	mu        sync.Mutex
	conns     []*Conn
	idleConns []*Conn
	// createConn and idleConnLen are guarded by mu; the slices mirror them.
	createConn  int
	idleConnLen int

	errNums     uint32
	closed      uint32
	status      *PoolStatus
	lastDialErr atomic.Value
}

// NewConnPool builds a pool over cfg.Addr and pre-dials MinIdle connections
// in the background.
func NewConnPool(cfg *common.ClientConfig) *ConnPool {
	if cfg == nil {
		cfg = common.DefaultClientConfig()
	}
	return NewConnPoolWithDialer(cfg, func(context.Context) (*Conn, error) {
		return Dial(cfg.Addr, cfg)
	})
}

// NewConnPoolWithDialer is NewConnPool with the transport factory supplied
// by the caller.
func NewConnPoolWithDialer(cfg *common.ClientConfig, dialer func(context.Context) (*Conn, error)) *ConnPool {
	p := &ConnPool{
		cfg:       cfg,
		dialer:    dialer,
		queue:     make(chan struct{}, cfg.Pool.MaxSize),
		conns:     make([]*Conn, 0, cfg.Pool.MaxSize),
		idleConns: make([]*Conn, 0, cfg.Pool.MaxSize),
		status:    &PoolStatus{},
	}
	p.mu.Lock()
	p.checkMinIdleConns()
	p.mu.Unlock()
	return p
}

func (p *ConnPool) checkMinIdleConns() {
	if p.cfg.Pool.MinIdle == 0 {
		return
	}
	for p.createConn < p.cfg.Pool.MaxSize && p.idleConnLen < p.cfg.Pool.MinIdle {
		select {
		// A slot from the queue; equivalent to sem.TryAcquire(1).
		case p.queue <- struct{}{}:
			p.createConn++
			p.idleConnLen++

			go func() {
				err := p.addIdleConn()
				if err != nil && !errors.Is(err, ErrClosed) {
					logger.Error(err, "Failed to add idle connection", "Addr", p.cfg.Addr)
					p.mu.Lock()
					p.createConn--
					p.idleConnLen--
					p.mu.Unlock()
				}
				p.freeSlot()
			}()
		default:
			return
		}
	}
}

func (p *ConnPool) addIdleConn() error {
	if p.IsClosed() {
		return ErrClosed
	}
	conn, err := p.dialConn(context.TODO())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
	p.idleConns = append(p.idleConns, conn)
	return nil
}

func (p *ConnPool) IsClosed() bool {
	return atomic.LoadUint32(&p.closed) == 1
}

func (p *ConnPool) freeSlot() {
	<-p.queue
}

// testConn probes the server after a dial failure until it answers again,
// then resets the error gate.
func (p *ConnPool) testConn() {
	conn, err := backoff.Retry[*Conn](context.Background(), func() (*Conn, error) {
		if p.IsClosed() {
			return nil, nil
		}
		probe, dialErr := p.dialer(context.Background())
		if dialErr != nil {
			p.lastDialErr.Store(dialErr)
			return nil, dialErr
		}
		atomic.StoreUint32(&p.errNums, 0)
		return probe, nil
	}, defaultTryDialBackoff)

	if err == nil && conn != nil {
		_ = conn.Close()
	}
}

// getIdleConn must be called with mu held.
func (p *ConnPool) getIdleConn() (*Conn, error) {
	if p.IsClosed() {
		return nil, ErrClosed
	}
	idleLen := len(p.idleConns)
	if idleLen == 0 {
		return nil, nil
	}
	lastIdx := idleLen - 1
	conn := p.idleConns[lastIdx]
	p.idleConns = p.idleConns[:lastIdx]
	p.idleConnLen--
	p.checkMinIdleConns()
	return conn, nil
}

func (p *ConnPool) dialConn(ctx context.Context) (*Conn, error) {
	if p.IsClosed() {
		return nil, ErrClosed
	}
	if atomic.LoadUint32(&p.errNums) >= uint32(p.cfg.Pool.MaxSize) {
		return nil, p.lastDialError()
	}
	conn, err := p.dialer(ctx)
	if err != nil {
		atomic.AddUint32(&p.errNums, 1)
		p.lastDialErr.Store(err)
		go p.testConn()
		return nil, err
	}
	return conn, nil
}

func (p *ConnPool) lastDialError() error {
	if v := p.lastDialErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Get returns a healthy connection, reusing an idle one when possible and
// dialing otherwise. The caller must Put it back.
func (p *ConnPool) Get(ctx context.Context) (*Conn, error) {
	if p.IsClosed() {
		return nil, ErrClosed
	}
	if err := p.getSlot(ctx); err != nil {
		return nil, err
	}
	for {
		p.mu.Lock()
		conn, err := p.getIdleConn()
		p.mu.Unlock()
		if err != nil {
			p.freeSlot()
			return nil, err
		}
		if conn == nil {
			break
		}
		if !p.health(conn) {
			_ = p.removeConnAndClose(conn)
			continue
		}
		atomic.AddUint32(&p.status.ImmediateGets, 1)
		return conn, nil
	}
	atomic.AddUint32(&p.status.DelayedGets, 1)
	newConn, err := p.makeConn(ctx)
	if err != nil {
		p.freeSlot()
		return nil, err
	}
	return newConn, nil
}

// Put returns a connection to the idle set. Dead connections are dropped;
// so is the overflow beyond MaxIdle.
func (p *ConnPool) Put(conn *Conn) {
	if p.IsClosed() {
		_ = conn.Close()
		return
	}
	if conn.IsClosed() {
		p.mu.Lock()
		p.tryRemoveConn(conn)
		p.mu.Unlock()
		p.freeSlot()
		return
	}
	var closeConn bool
	p.mu.Lock()
	if p.cfg.Pool.MaxIdle == 0 || p.idleConnLen < p.cfg.Pool.MaxIdle {
		p.idleConns = append(p.idleConns, conn)
		p.idleConnLen++
	} else {
		p.tryRemoveConn(conn)
		closeConn = true
	}
	p.mu.Unlock()
	p.freeSlot()
	if closeConn {
		_ = conn.Close()
	}
}

func (p *ConnPool) makeConn(ctx context.Context) (*Conn, error) {
	if p.IsClosed() {
		return nil, ErrClosed
	}
	p.mu.Lock()
	if p.createConn >= p.cfg.Pool.MaxSize {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()
	conn, err := p.dialConn(ctx)
	if err != nil {
		logger.Error(err, "Failed to dial for pool", "Addr", p.cfg.Addr)
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createConn >= p.cfg.Pool.MaxSize {
		_ = conn.Close()
		return nil, ErrPoolExhausted
	}
	p.conns = append(p.conns, conn)
	p.createConn++
	return conn, nil
}

// health rejects torn-down and over-age connections. The read loop owns the
// socket, so liveness is the closed flag rather than a raw peek.
func (p *ConnPool) health(conn *Conn) bool {
	if conn.IsClosed() {
		return false
	}
	now := time.Now()
	maxLifetime := p.cfg.Pool.MaxLifetime
	if maxLifetime > 0 && now.Sub(conn.created) > maxLifetime {
		return false
	}
	if maxLifetime > 0 && now.Sub(conn.UsedAt()) > maxLifetime {
		return false
	}
	conn.SetUsedAt(now)
	return true
}

func (p *ConnPool) getSlot(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case p.queue <- struct{}{}:
		return nil
	default:
	}

	timer := ephemeralTimers.Get().(*time.Timer)
	timer.Reset(p.cfg.Pool.WaitTimeout)

	select {
	case p.queue <- struct{}{}:
		if !timer.Stop() {
			<-timer.C
		}
		ephemeralTimers.Put(timer)
		return nil
	case <-timer.C:
		atomic.AddUint32(&p.status.Timeouts, 1)
		return ErrPoolTimeout
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		ephemeralTimers.Put(timer)
		return ctx.Err()
	}
}

func (p *ConnPool) removeConnAndClose(conn *Conn) error {
	p.mu.Lock()
	p.tryRemoveConn(conn)
	p.mu.Unlock()
	return conn.Close()
}

// tryRemoveConn must be called with mu held.
func (p *ConnPool) tryRemoveConn(conn *Conn) {
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			p.createConn--
			p.checkMinIdleConns()
			break
		}
	}
	atomic.AddUint32(&p.status.StaleConns, 1)
}

func (p *ConnPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *ConnPool) PoolStatus() *PoolStatus {
	return &PoolStatus{
		ImmediateGets: atomic.LoadUint32(&p.status.ImmediateGets),
		DelayedGets:   atomic.LoadUint32(&p.status.DelayedGets),
		Timeouts:      atomic.LoadUint32(&p.status.Timeouts),
		StaleConns:    atomic.LoadUint32(&p.status.StaleConns),
	}
}

func (p *ConnPool) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var returnErr error
	for _, conn := range p.conns {
		if err := conn.Close(); err != nil && returnErr == nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error(err, "Failed to close pooled connection")
				returnErr = err
			}
		}
	}
	p.conns = nil
	p.createConn = 0
	p.idleConns = nil
	p.idleConnLen = 0
	return returnErr
}
