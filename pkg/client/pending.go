package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

// Pending correlates one written command frame with exactly one eventual
// reply. Its slot is fulfilled exactly once: by the read loop when the
// matching reply frame is decoded, or by teardown when the connection
// fails. Cancelling a waiter never removes the slot from the FIFO; the
// eventual reply is still consumed from the stream and discarded, which is
// what keeps the queue aligned.
type Pending struct {
	frame *command.Frame
	start time.Time

	done  chan struct{}
	reply *respio.RespValue
	err   error

	fulfilled atomic.Bool
	cancelled atomic.Bool

	// writeOnly frames (SUBSCRIBE and friends) take no reply slot: their
	// acknowledgement arrives as a push frame.
	writeOnly bool

	// handler, when set, consumes the reply in the read loop instead of
	// waking a waiter. The transaction coordinator uses it to swallow
	// QUEUED acknowledgements.
	handler func(v *respio.RespValue, err error)
}

func newPending(frame *command.Frame) *Pending {
	return &Pending{
		frame: frame,
		start: time.Now(),
		done:  make(chan struct{}),
	}
}

// Frame returns the command frame this request carries.
func (p *Pending) Frame() *command.Frame {
	return p.frame
}

func (p *Pending) fulfill(v *respio.RespValue, err error) {
	if !p.fulfilled.CompareAndSwap(false, true) {
		return
	}
	if p.handler != nil {
		p.handler(v, err)
		return
	}
	p.reply = v
	p.err = err
	close(p.done)
}

// Wait blocks until the slot is fulfilled or ctx is done. A ctx expiry
// marks the request cancelled: this caller stops observing the result, the
// queue position is untouched, and the reply is discarded on arrival.
func (p *Pending) Wait(ctx context.Context) (*respio.RespValue, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		p.cancelled.Store(true)
		return nil, ctx.Err()
	}
}
