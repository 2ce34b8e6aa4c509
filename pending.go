package msgbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReplyHandler receives the outcome of an asynchronous method call:
// the reply message, or an error. If the reply is an error message,
// both are set, and err is the message's [CallError].
//
// ctx is the context passed when the call was made.
type ReplyHandler func(ctx context.Context, reply *Message, err error)

// pendingCall is an outstanding method call awaiting its reply.
//
// A pendingCall is resolved exactly once, by whichever of the read
// loop, timeout loop, cancelation or shutdown first removes it from
// Conn.pending.
type pendingCall struct {
	serial   uint32
	deadline time.Time

	// done receives the result of a synchronous call.
	done chan callResult

	// ctx and handler are set for asynchronous calls.
	ctx     context.Context
	handler ReplyHandler
	stop    func() bool

	// onReply, if set, runs on the read loop with a successful reply
	// before the call is resolved, so its effects are visible to any
	// message that follows the reply.
	onReply func(*Message)
}

type callResult struct {
	msg *Message
	err error
}

func comparePending(a, b *pendingCall) int {
	return a.deadline.Compare(b.deadline)
}

// addPending registers p, so that replies to p.serial resolve it.
func (c *Conn) addPending(p *pendingCall) error {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if c.pending == nil {
		return ErrDisconnected
	}
	c.pending[p.serial] = p
	c.timeouts.Add(p)
	select {
	case c.wakeTimeouts <- struct{}{}:
	default:
	}
	return nil
}

// takePending removes and returns the pending call with the given
// serial, or nil if it was already resolved.
func (c *Conn) takePending(serial uint32) *pendingCall {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	ret := c.pending[serial]
	delete(c.pending, serial)
	return ret
}

// resolve completes p. p must have been removed from c.pending by the
// caller.
func (c *Conn) resolve(p *pendingCall, msg *Message, err error) {
	if p.handler == nil {
		p.done <- callResult{msg, err}
		return
	}
	if p.stop != nil {
		p.stop()
	}
	fn := func() { p.handler(p.ctx, msg, err) }
	if !c.disp.add(fn) {
		// Dispatcher already shut down, the handler still gets its
		// answer.
		go c.disp.run(fn)
	}
}

// startCall sends the method call m, registering a pending call for
// its reply unless m expects none. The returned pendingCall is nil if
// no reply is expected.
func (c *Conn) startCall(m *Message, timeout time.Duration, setup func(*pendingCall)) (*pendingCall, error) {
	if m.Type != MessageMethodCall {
		return nil, fmt.Errorf("%w: cannot call with a %s message", ErrInvalidArgs, m.Type)
	}
	m.Serial = c.nextSerial()
	if !m.WantReply() {
		return nil, c.send(m)
	}
	p := &pendingCall{
		serial:   m.Serial,
		deadline: time.Now().Add(timeout),
	}
	setup(p)
	if err := c.addPending(p); err != nil {
		if p.stop != nil {
			p.stop()
		}
		return nil, err
	}
	if p.ctx != nil && p.ctx.Err() != nil {
		// Canceled before the call was registered, so the AfterFunc
		// found nothing to resolve.
		if c.takePending(p.serial) != nil {
			c.resolve(p, nil, p.ctx.Err())
		}
		return p, nil
	}
	if err := c.send(m); err != nil {
		if c.takePending(p.serial) == nil {
			// Lost a race with shutdown, which resolved p.
			return p, nil
		}
		if p.stop != nil {
			p.stop()
		}
		return nil, err
	}
	return p, nil
}

// call sends m and waits for its reply. If the reply is an error
// message, it is returned along with its CallError.
func (c *Conn) call(ctx context.Context, m *Message, timeout time.Duration) (*Message, error) {
	return c.callHook(ctx, m, timeout, nil)
}

// callHook is like call, but runs onReply on the read loop with a
// successful reply before returning it.
func (c *Conn) callHook(ctx context.Context, m *Message, timeout time.Duration, onReply func(*Message)) (*Message, error) {
	p, err := c.startCall(m, timeout, func(p *pendingCall) {
		p.done = make(chan callResult, 1)
		p.onReply = onReply
	})
	if err != nil || p == nil {
		return nil, err
	}
	select {
	case r := <-p.done:
		return r.msg, r.err
	case <-ctx.Done():
		if c.takePending(p.serial) != nil {
			return nil, ctx.Err()
		}
		// Resolution already in flight.
		r := <-p.done
		return r.msg, r.err
	}
}

// callAsync sends m and arranges for handler to receive its outcome
// on the dispatch goroutine. If m expects no reply, handler is never
// called.
func (c *Conn) callAsync(ctx context.Context, m *Message, timeout time.Duration, handler ReplyHandler) error {
	return c.callAsyncHook(ctx, m, timeout, handler, nil)
}

// callAsyncHook is like callAsync, but runs onReply on the read loop
// with a successful reply before handler is queued.
func (c *Conn) callAsyncHook(ctx context.Context, m *Message, timeout time.Duration, handler ReplyHandler, onReply func(*Message)) error {
	if handler == nil {
		return fmt.Errorf("%w: nil ReplyHandler", ErrInvalidArgs)
	}
	_, err := c.startCall(m, timeout, func(p *pendingCall) {
		p.ctx = ctx
		p.handler = handler
		p.onReply = onReply
		serial := p.serial
		p.stop = context.AfterFunc(ctx, func() {
			if p := c.takePending(serial); p != nil {
				c.resolve(p, nil, ctx.Err())
			}
		})
	})
	return err
}

func (c *Conn) timeoutLoop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		if next := c.expireCalls(time.Now()); !next.IsZero() {
			timer.Reset(time.Until(next))
		}
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-c.wakeTimeouts:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// expireCalls resolves every pending call whose deadline is at or
// before now, and returns the earliest remaining deadline.
func (c *Conn) expireCalls(now time.Time) time.Time {
	var expired []*pendingCall
	next := func() time.Time {
		c.pendMu.Lock()
		defer c.pendMu.Unlock()
		for {
			p, ok := c.timeouts.Pop()
			if !ok {
				return time.Time{}
			}
			if c.pending[p.serial] != p {
				// Already resolved.
				continue
			}
			if p.deadline.After(now) {
				c.timeouts.Add(p)
				return p.deadline
			}
			delete(c.pending, p.serial)
			expired = append(expired, p)
		}
	}()
	for _, p := range expired {
		c.log.Debug("method call timed out", zap.Uint32("serial", p.serial))
		c.resolve(p, nil, fmt.Errorf("%w: call serial %d", ErrTimeout, p.serial))
	}
	return next
}

// CallOption modifies a method call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	flags   Flags
}

// WithTimeout sets the time to wait for a reply.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithFlags sets additional header flags on the call.
func WithFlags(f Flags) CallOption {
	return func(o *callOptions) { o.flags |= f }
}

func (c *Conn) callOptions(opts []CallOption) callOptions {
	ret := callOptions{timeout: c.opts.callTimeout()}
	for _, o := range opts {
		o(&ret)
	}
	return ret
}
