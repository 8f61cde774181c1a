package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

// Tx coordinates one MULTI/EXEC window on a single connection. Between
// BeginTx and Exec the server replies +QUEUED to every queued member; the
// coordinator swallows those acknowledgements in the read loop and hands the
// caller one Pending per member, fulfilled positionally from the EXEC array.
// A nil EXEC reply (WATCH invalidation) aborts every member.
//
// One transaction owns the connection at a time. Interleaved Submit calls
// from other goroutines during the window would be queued server-side into
// the transaction, so don't.
type Tx struct {
	conn *Conn

	mu sync.Mutex
	// members holds every queued slot in wire order. Slots rejected at
	// queue time are fulfilled early by the ack handler; EXEC's array fans
	// out over the rest.
	members []*Pending
	done    bool

	dirty atomic.Bool
}

// BeginTx opens a transaction window. WATCH keys must be registered before
// this call; the server binds the watch set to the next MULTI.
func (c *Conn) BeginTx(ctx context.Context) (*Tx, error) {
	if !c.txActive.CompareAndSwap(false, true) {
		return nil, ErrTxActive
	}
	if err := c.submitSimple(ctx, command.MustNew(string(respio.MultiCmd))); err != nil {
		c.txActive.Store(false)
		return nil, err
	}
	return &Tx{conn: c}, nil
}

// Queue enqueues one command into the transaction and returns its Pending.
// The returned slot resolves only at Exec (positionally from the EXEC
// array), at Discard, or immediately when the server rejects the command at
// queue time. Queue itself returns an error only for local failures; a
// server-side rejection surfaces on the member and marks the window dirty.
func (t *Tx) Queue(ctx context.Context, frame *command.Frame) (*Pending, error) {
	member := newPending(frame)
	ack := func(v *respio.RespValue, err error) {
		switch {
		case err != nil:
			member.fulfill(nil, err)
			t.dirty.Store(true)
		case v.IsError():
			// Rejected at queue time (bad arity, unknown command). The
			// server leaves it out of the EXEC array.
			member.fulfill(nil, AsServerError(v))
			t.dirty.Store(true)
		case v.Type != respio.RespStatus || !bytes.Equal(v.Data, respio.QueuedStatus):
			member.fulfill(nil, fmt.Errorf("redkit: unexpected queue ack %s", v.String()))
			t.dirty.Store(true)
		}
	}

	// Held across enqueue so the members order matches the wire order.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	if _, err := t.conn.enqueue(ctx, frame, false, ack); err != nil {
		return nil, err
	}
	t.members = append(t.members, member)
	return member, nil
}

// Dirty reports whether any member was rejected at queue time. The server
// fails EXEC on a dirty transaction; callers may prefer to Discard.
func (t *Tx) Dirty() bool {
	return t.dirty.Load()
}

// Exec closes the window and resolves every queued member from the EXEC
// reply: element i fulfills the i-th accepted member. A nil reply means the
// transaction was aborted (a watched key changed); every member then fails
// with ErrTxAborted, which Exec also returns.
func (t *Tx) Exec(ctx context.Context) error {
	members, err := t.close()
	if err != nil {
		return err
	}
	defer t.conn.txActive.Store(false)

	reply, err := t.conn.Submit(ctx, command.MustNew(string(respio.ExecCmd)))
	if err != nil {
		failMembers(members, err)
		return err
	}
	// The EXEC reply is the last reply of the window, so every queue
	// acknowledgement has already been routed: rejected members are
	// fulfilled by now and the array covers exactly the rest.
	switch {
	case reply.IsNil():
		t.conn.collector.IncrementErrorCounter("tx_aborted")
		failMembers(members, ErrTxAborted)
		return ErrTxAborted
	case reply.IsError():
		serverErr := AsServerError(reply)
		failMembers(members, serverErr)
		return serverErr
	case reply.Type != respio.RespArray:
		err := fmt.Errorf("redkit: unexpected exec reply %s", reply.String())
		failMembers(members, err)
		return err
	}
	accepted := make([]*Pending, 0, len(members))
	for _, member := range members {
		if !member.fulfilled.Load() {
			accepted = append(accepted, member)
		}
	}
	if len(reply.Elems) != len(accepted) {
		err := fmt.Errorf("redkit: exec returned %d replies for %d queued commands",
			len(reply.Elems), len(accepted))
		failMembers(accepted, err)
		return err
	}
	for i, member := range accepted {
		member.fulfill(reply.Elems[i], nil)
	}
	return nil
}

// Discard abandons the window; every queued member fails with
// ErrTxDiscarded, while Discard itself returns nil on success.
func (t *Tx) Discard(ctx context.Context) error {
	members, err := t.close()
	if err != nil {
		return err
	}
	defer t.conn.txActive.Store(false)

	failMembers(members, ErrTxDiscarded)
	return t.conn.submitSimple(ctx, command.MustNew(string(respio.DiscardCmd)))
}

func (t *Tx) close() ([]*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	t.done = true
	members := t.members
	t.members = nil
	return members, nil
}

// failMembers resolves slots not already fulfilled; early rejections keep
// their own error.
func failMembers(members []*Pending, err error) {
	for _, member := range members {
		member.fulfill(nil, err)
	}
}
