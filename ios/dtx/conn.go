package dtx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/internal/logging"
	"go.ioshost.dev/ioshost/ios/transport"
)

// callbackPoolSize bounds how many selector-callback notifications run
// concurrently; the reader goroutine itself is never blocked by a slow
// callback beyond this many in flight.
const callbackPoolSize = 8

// Connection is one DTX connection: a transport.Conn already in ModeDTX,
// a single reader goroutine that reassembles fragments and routes
// messages, and a bounded worker pool that runs registered selector
// callbacks without blocking the reader.
type Connection struct {
	conn *transport.Conn
	ctx  context.Context

	sendMu          sync.Mutex
	nextMessageID   uint32
	nextChannelCode int32

	waitersMu sync.Mutex
	waiters   map[uint32]chan *Message

	callbacksMu sync.Mutex
	callbacks   map[int32]map[string]func(*Message)

	reassembler *reassembler

	g      *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	finishedOnce sync.Once
	finishedCh   chan struct{}
	closeOnce    sync.Once
}

// Open switches an already-dialed transport.Conn to ModeDTX, wraps it as a
// DTX connection, and starts its reader goroutine. ctx scopes logging and
// the callback worker pool's lifetime; canceling it closes the connection.
func Open(ctx context.Context, conn *transport.Conn) *Connection {
	conn.SetMode(transport.ModeDTX)
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)

	c := &Connection{
		conn:            conn,
		ctx:             ctx,
		nextChannelCode: 1,
		waiters:         map[uint32]chan *Message{},
		callbacks:       map[int32]map[string]func(*Message){},
		reassembler:     newReassembler(),
		g:               g,
		gctx:            gctx,
		cancel:          cancel,
		sem:             make(chan struct{}, callbackPoolSize),
		finishedCh:      make(chan struct{}),
	}

	go func() {
		<-gctx.Done()
		c.Close()
	}()
	go c.readLoop()
	return c
}

// Finished reports connection teardown: closed exactly once when the
// reader goroutine exits, whether from a read error, a protocol error, or
// an explicit Close.
func (c *Connection) Finished() <-chan struct{} { return c.finishedCh }

// Close cancels the callback worker pool, closes the underlying socket,
// and waits for in-flight callbacks to finish.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
		_ = c.g.Wait()
		c.fireFinished()
	})
	return err
}

func (c *Connection) fireFinished() {
	c.finishedOnce.Do(func() { close(c.finishedCh) })
}

func (c *Connection) allocateChannelCode() int32 {
	return atomic.AddInt32(&c.nextChannelCode, 1) - 1
}

func (c *Connection) allocateMessageID() uint32 {
	return atomic.AddUint32(&c.nextMessageID, 1) - 1
}

// RegisterSelectorCallback routes future notification messages (messages
// not claimed by a pending reply waiter) on channelCode whose selector
// matches to fn, run on the bounded callback worker pool.
func (c *Connection) RegisterSelectorCallback(channelCode int32, selector string, fn func(*Message)) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	m, ok := c.callbacks[channelCode]
	if !ok {
		m = map[string]func(*Message){}
		c.callbacks[channelCode] = m
	}
	m[selector] = fn
}

func (c *Connection) selectorCallback(channelCode int32, selector string) (func(*Message), bool) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	m, ok := c.callbacks[channelCode]
	if !ok {
		return nil, false
	}
	fn, ok := m[selector]
	return fn, ok
}

// Call sends an invocation on channelCode expecting a reply and blocks
// until the reply arrives, ctx is done, or the connection finishes. A
// ctx deadline miss returns a Timeout and discards the waiter; a reply that
// arrives after that point is dropped with a warning.
func (c *Connection) Call(ctx context.Context, channelCode int32, selector string, args ...interface{}) (*Message, error) {
	msg := NewInvocation(channelCode, true, selector, args...)
	msg.MessageID = c.allocateMessageID()

	ch := make(chan *Message, 1)
	c.waitersMu.Lock()
	c.waiters[msg.MessageID] = ch
	c.waitersMu.Unlock()

	if err := c.send(msg); err != nil {
		c.waitersMu.Lock()
		delete(c.waiters, msg.MessageID)
		c.waitersMu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		c.waitersMu.Lock()
		delete(c.waiters, msg.MessageID)
		c.waitersMu.Unlock()
		return nil, errors.NewTimeout("dtx call " + selector)
	case <-c.finishedCh:
		c.waitersMu.Lock()
		delete(c.waiters, msg.MessageID)
		c.waitersMu.Unlock()
		return nil, errors.NewProtocolError("dtx: connection closed while waiting for reply to %s", selector)
	}
}

// Notify sends an invocation on channelCode that does not expect a reply.
func (c *Connection) Notify(channelCode int32, selector string, args ...interface{}) error {
	msg := NewInvocation(channelCode, false, selector, args...)
	msg.MessageID = c.allocateMessageID()
	return c.send(msg)
}

// Reply sends a message back to the peer correlated to request by
// message_id and channel, with conversation_index=1, the shape a
// selector-callback uses to answer a reply-in-place notification (e.g.
// _XCT_testRunnerReadyWithCapabilities:).
func (c *Connection) Reply(request *Message, object interface{}) error {
	msg := NewRawArchive(request.ChannelCode, false, object)
	msg.MessageID = request.MessageID
	msg.ConversationIndex = 1
	return c.send(msg)
}

func (c *Connection) send(msg *Message) error {
	payload, err := msg.marshalPayload()
	if err != nil {
		return err
	}
	fragments, err := buildFragments(msg.ChannelCode, msg.MessageID, msg.ConversationIndex, msg.ExpectsReply, payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range fragments {
		if _, err := c.conn.Write(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) readLoop() {
	defer c.fireFinished()
	for {
		var hb [headerSize]byte
		if err := c.conn.ReadFull(hb[:]); err != nil {
			if c.gctx.Err() == nil {
				logging.Debugf(c.ctx, "dtx: read loop exiting: %v", err)
			}
			return
		}
		h, err := unmarshalHeader(hb[:])
		if err != nil {
			logging.Errorf(c.ctx, "dtx: %v", err)
			return
		}

		fragPayload, err := c.readFragmentPayload(h)
		if err != nil {
			logging.Errorf(c.ctx, "dtx: %v", err)
			return
		}

		full, err := c.reassembler.feed(h, fragPayload)
		if err != nil {
			logging.Errorf(c.ctx, "dtx: %v", err)
			return
		}
		if full == nil {
			continue
		}

		msg, err := unmarshalPayload(h.ChannelCode, h.MessageID, h.ConversationIndex, full)
		if err != nil {
			logging.Errorf(c.ctx, "dtx: %v", err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Connection) readFragmentPayload(h *fragmentHeader) ([]byte, error) {
	var want uint32
	switch {
	case h.FragmentCount == 1:
		want = h.Length
	case h.FragmentIndex == 0:
		want = 0
	case h.FragmentIndex == h.FragmentCount-1:
		consumed := uint32(h.FragmentIndex-1) * maxFragmentPayload
		if consumed > h.Length {
			return nil, errors.NewProtocolError("dtx: fragment index %d inconsistent with length %d", h.FragmentIndex, h.Length)
		}
		want = h.Length - consumed
	default:
		want = maxFragmentPayload
	}
	if want == 0 {
		return nil, nil
	}
	buf := make([]byte, want)
	if err := c.conn.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Connection) dispatch(msg *Message) {
	if msg.ConversationIndex == 1 {
		c.waitersMu.Lock()
		ch, ok := c.waiters[msg.MessageID]
		if ok {
			delete(c.waiters, msg.MessageID)
		}
		c.waitersMu.Unlock()
		if ok {
			ch <- msg
			return
		}
		logging.Warnf(c.ctx, "dtx: dropping late or unexpected reply for message %d", msg.MessageID)
		return
	}

	fn, ok := c.selectorCallback(msg.ChannelCode, msg.Selector)
	if !ok {
		logging.Debugf(c.ctx, "dtx: unregistered notification %q on channel %d", msg.Selector, msg.ChannelCode)
		return
	}

	c.g.Go(func() error {
		select {
		case c.sem <- struct{}{}:
		case <-c.gctx.Done():
			return nil
		}
		defer func() { <-c.sem }()
		fn(msg)
		return nil
	})
}

// CallWithTimeout is a convenience wrapper around Call for callers that
// want a plain duration rather than threading a context.
func (c *Connection) CallWithTimeout(d time.Duration, channelCode int32, selector string, args ...interface{}) (*Message, error) {
	ctx, cancel := context.WithTimeout(c.ctx, d)
	defer cancel()
	return c.Call(ctx, channelCode, selector, args...)
}
