package client

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

var ErrNoChannels = errors.New("redkit: at least one channel is required")

// PushMessage is one out-of-band frame delivered to a subscription. Kind is
// the first push element ("message", "pmessage", or a subscribe/unsubscribe
// acknowledgement); Payload is the message body, or the remaining-count for
// acknowledgements.
type PushMessage struct {
	Kind    string
	Channel string
	Pattern string
	Payload *respio.RespValue
}

// Subscription is a live handle over one or more channel or pattern names.
// It is created once the server acknowledges SUBSCRIBE/PSUBSCRIBE, retired
// name-by-name on unsubscribe acknowledgements, and closed outright on
// connection loss. The delivery stream is ordered and restartable only by
// resubscribing; when the buffer is full the oldest unread message wins and
// the new one is dropped with a log line.
type Subscription struct {
	Id        string
	conn      *Conn
	isPattern bool

	mu          sync.Mutex
	names       map[string]struct{}
	pendingAcks int
	closed      bool

	msgs chan *PushMessage
	live chan struct{}
	once sync.Once
}

func newSubscription(c *Conn, names []string, isPattern bool, bufLen int) *Subscription {
	if bufLen <= 0 {
		bufLen = 64
	}
	nameSet := make(map[string]struct{}, len(names))
	for _, name := range names {
		nameSet[name] = struct{}{}
	}
	return &Subscription{
		Id:          shortuuid.New(),
		conn:        c,
		isPattern:   isPattern,
		names:       nameSet,
		pendingAcks: len(nameSet),
		msgs:        make(chan *PushMessage, bufLen),
		live:        make(chan struct{}),
	}
}

// Messages is the ordered stream of push messages. It is closed when the
// last name is unsubscribed or the connection is lost.
func (s *Subscription) Messages() <-chan *PushMessage {
	return s.msgs
}

// Names returns the channel or pattern names still live on this handle.
func (s *Subscription) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	return names
}

// Unsubscribe retires the given names, or every name when none are given.
// The handle closes once the server has acknowledged the last one.
func (s *Subscription) Unsubscribe(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = s.Names()
	}
	if len(names) == 0 {
		return nil
	}
	cmdName := string(respio.UnsubscribeCmd)
	if s.isPattern {
		cmdName = string(respio.PUnsubscribe)
	}
	frame, err := command.New(cmdName, command.Strs(names...))
	if err != nil {
		return err
	}
	_, err = s.conn.enqueue(ctx, frame, true, nil)
	return err
}

func (s *Subscription) deliver(m *PushMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- m:
	default:
		logger.Info("Subscription buffer full, dropping push",
			"Id", s.Id, "kind", m.Kind, "channel", m.Channel)
	}
}

// markAck flips the handle live once every initial name is acknowledged.
func (s *Subscription) markAck() {
	s.mu.Lock()
	if s.pendingAcks > 0 {
		s.pendingAcks--
	}
	ready := s.pendingAcks == 0
	s.mu.Unlock()
	if ready {
		s.once.Do(func() { close(s.live) })
	}
}

// retire drops one acknowledged name; the last one closes the handle.
func (s *Subscription) retire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
	if len(s.names) > 0 || s.closed {
		return false
	}
	s.closed = true
	close(s.msgs)
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.msgs)
}

// subscriptionRegistry fans push frames out to live subscriptions, matched
// by the channel or pattern name the push payload carries.
type subscriptionRegistry struct {
	bufLen   int
	channels *xsync.MapOf[string, *Subscription]
	patterns *xsync.MapOf[string, *Subscription]
}

func newSubscriptionRegistry(bufLen int) *subscriptionRegistry {
	return &subscriptionRegistry{
		bufLen:   bufLen,
		channels: xsync.NewMapOf[string, *Subscription](),
		patterns: xsync.NewMapOf[string, *Subscription](),
	}
}

// dispatch routes one push-tagged value. Push frames never consume a
// Pending slot, whatever their kind.
func (r *subscriptionRegistry) dispatch(c *Conn, v *respio.RespValue) {
	elems := v.Elems
	if len(elems) == 0 || elems[0].Data == nil {
		logger.Info("Conn dropping malformed push frame", "Id", c.Id)
		return
	}
	kind := strings.ToLower(string(elems[0].Data))
	c.collector.IncrementPushCounter(kind)
	switch kind {
	case "message":
		if len(elems) < 3 {
			logger.Info("Conn dropping short message push", "Id", c.Id)
			return
		}
		channel := string(elems[1].Data)
		if sub, ok := r.channels.Load(channel); ok {
			sub.deliver(&PushMessage{Kind: kind, Channel: channel, Payload: elems[2]})
			return
		}
		logger.Info("Conn push for unknown channel", "Id", c.Id, "channel", channel)

	case "pmessage":
		if len(elems) < 4 {
			logger.Info("Conn dropping short pmessage push", "Id", c.Id)
			return
		}
		pattern := string(elems[1].Data)
		channel := string(elems[2].Data)
		if sub, ok := r.patterns.Load(pattern); ok {
			sub.deliver(&PushMessage{Kind: kind, Channel: channel, Pattern: pattern, Payload: elems[3]})
			return
		}
		logger.Info("Conn push for unknown pattern", "Id", c.Id, "pattern", pattern)

	case "subscribe", "psubscribe":
		if len(elems) < 3 {
			return
		}
		name := string(elems[1].Data)
		if sub, ok := r.lookup(kind == "psubscribe", name); ok {
			sub.markAck()
			sub.deliver(&PushMessage{Kind: kind, Channel: name, Payload: elems[2]})
		}

	case "unsubscribe", "punsubscribe":
		if len(elems) < 3 {
			return
		}
		name := string(elems[1].Data)
		if sub, ok := r.remove(kind == "punsubscribe", name); ok {
			sub.retire(name)
		}

	default:
		// Server-initiated pushes with no subscriber (e.g. invalidate).
		logger.Info("Conn dropping unroutable push", "Id", c.Id, "kind", kind)
	}
}

func (r *subscriptionRegistry) lookup(isPattern bool, name string) (*Subscription, bool) {
	if isPattern {
		return r.patterns.Load(name)
	}
	return r.channels.Load(name)
}

func (r *subscriptionRegistry) remove(isPattern bool, name string) (*Subscription, bool) {
	if isPattern {
		return r.patterns.LoadAndDelete(name)
	}
	return r.channels.LoadAndDelete(name)
}

func (r *subscriptionRegistry) register(sub *Subscription, names []string) error {
	target := r.channels
	if sub.isPattern {
		target = r.patterns
	}
	for i, name := range names {
		if _, loaded := target.LoadOrStore(name, sub); loaded {
			for _, undo := range names[:i] {
				target.Delete(undo)
			}
			return errors.New("redkit: already subscribed to " + name)
		}
	}
	return nil
}

func (r *subscriptionRegistry) unregister(sub *Subscription, names []string) {
	target := r.channels
	if sub.isPattern {
		target = r.patterns
	}
	for _, name := range names {
		target.Compute(name, func(old *Subscription, loaded bool) (*Subscription, bool) {
			// Delete only our own registration; a missing key stays missing.
			return old, !loaded || old == sub
		})
	}
}

// closeAll fails every live subscription on connection teardown.
func (r *subscriptionRegistry) closeAll() {
	seen := make(map[*Subscription]struct{})
	collect := func(_ string, sub *Subscription) bool {
		seen[sub] = struct{}{}
		return true
	}
	r.channels.Range(collect)
	r.patterns.Range(collect)
	r.channels.Clear()
	r.patterns.Clear()
	for sub := range seen {
		sub.close()
	}
}

// Subscribe registers interest in the given channels, writes the SUBSCRIBE
// frame and blocks until the server's push-frame acknowledgement flips the
// handle live. The frame takes no Pending slot: its acknowledgement is an
// out-of-band push, so ordinary replies stay aligned.
func (c *Conn) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return c.subscribe(ctx, string(respio.SubscribeCmd), channels, false)
}

// PSubscribe is Subscribe for glob patterns.
func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	return c.subscribe(ctx, string(respio.PSubscribeCmd), patterns, true)
}

func (c *Conn) subscribe(ctx context.Context, cmdName string, names []string, isPattern bool) (*Subscription, error) {
	if len(names) == 0 {
		return nil, ErrNoChannels
	}
	if c.closed.Load() {
		return nil, c.closeError()
	}
	sub := newSubscription(c, names, isPattern, c.subs.bufLen)
	if err := c.subs.register(sub, names); err != nil {
		return nil, err
	}
	frame, err := command.New(cmdName, command.Strs(names...))
	if err != nil {
		c.subs.unregister(sub, names)
		return nil, err
	}
	if _, err := c.enqueue(ctx, frame, true, nil); err != nil {
		c.subs.unregister(sub, names)
		return nil, err
	}
	select {
	case <-sub.live:
		return sub, nil
	case <-ctx.Done():
		c.subs.unregister(sub, names)
		return nil, ctx.Err()
	case <-c.quit:
		c.subs.unregister(sub, names)
		return nil, c.closeError()
	}
}
