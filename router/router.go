// Package router implements a message bus router.
//
// The router accepts connections from msgbus clients, assigns each
// a unique name, and forwards messages between them: method calls,
// replies and directed signals by destination name, broadcast
// signals according to each connection's match rules, and session
// signals to the members of a session. It also implements the bus
// methods of [msgbus.RouterInterface], which manage well-known
// names, match rules, name advertisements and sessions.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/transport"
)

// Router is a message bus router.
type Router struct {
	cfg  Config
	log  *zap.Logger
	guid string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connID    atomic.Uint64
	sessionID atomic.Uint32
	serial    atomic.Uint32

	pendMu  sync.Mutex
	pending map[uint32]chan *msgbus.Message

	mu        sync.Mutex
	closed    bool
	listeners []transport.Listener
	conns     map[string]*endpoint
	names     map[string]*nameEntry
	adverts   map[string]map[string]msgbus.TransportMask
	finders   map[string]mapset.Set[string]
	ports     map[portKey]msgbus.SessionOpts
	sessions  map[msgbus.SessionID]*session
}

// New returns a router configured by cfg. A nil logger logs nothing.
func New(cfg *Config, logger *zap.Logger) *Router {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	guid := strings.ReplaceAll(uuid.NewString(), "-", "")
	ret := &Router{
		cfg:      c.withDefaults(),
		log:      logger.With(zap.String("router", guid)),
		guid:     guid,
		pending:  map[uint32]chan *msgbus.Message{},
		conns:    map[string]*endpoint{},
		names:    map[string]*nameEntry{},
		adverts:  map[string]map[string]msgbus.TransportMask{},
		finders:  map[string]mapset.Set[string]{},
		ports:    map[portKey]msgbus.SessionOpts{},
		sessions: map[msgbus.SessionID]*session{},
	}
	ret.ctx, ret.cancel = context.WithCancel(context.Background())
	return ret
}

// GUID returns the router's GUID, which it presents to clients
// during the handshake.
func (r *Router) GUID() string { return r.guid }

// ListenAndServe listens on every address of the router's config,
// and serves connections until the router is closed.
func (r *Router) ListenAndServe(ctx context.Context) error {
	if len(r.cfg.Listen) == 0 {
		return errors.New("no listen addresses configured")
	}
	var ls []transport.Listener
	for _, addr := range r.cfg.Listen {
		l, err := transport.Listen(ctx, addr)
		if err != nil {
			for _, l := range ls {
				l.Close()
			}
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		r.log.Info("listening", zap.String("addr", l.Addr()))
		ls = append(ls, l)
	}
	errs := make(chan error, len(ls))
	for _, l := range ls {
		go func() { errs <- r.Serve(l) }()
	}
	var ret []error
	for range ls {
		if err := <-errs; err != nil {
			ret = append(ret, err)
			r.Close()
		}
	}
	return errors.Join(ret...)
}

// Serve accepts connections from l and serves them, until the router
// is closed or l fails. Serve closes l before returning.
func (r *Router) Serve(l transport.Listener) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
	defer l.Close()

	for {
		t, err := l.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.ServeTransport(t); err != nil {
				r.log.Debug("client connection failed", zap.String("peer", t.Peer().Addr), zap.Error(err))
			}
		}()
	}
}

// Connect returns the client end of a new in-process connection to
// the router.
func (r *Router) Connect() (transport.Transport, error) {
	client, server := transport.Pipe()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		client.Close()
		server.Close()
		return nil, net.ErrClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.ServeTransport(server); err != nil {
			r.log.Debug("in-process connection failed", zap.Error(err))
		}
	}()
	return client, nil
}

// ServeTransport runs the server handshake on t, then routes t's
// messages until it disconnects or the router is closed. t is closed
// before ServeTransport returns.
func (r *Router) ServeTransport(t transport.Transport) error {
	defer t.Close()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandshakeTimeout)
	creds, err := transport.ServerHandshake(ctx, t, r.guid, r.cfg.Auth.policy())
	cancel()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	ep := r.newEndpoint(t, creds)
	if ep == nil {
		return net.ErrClosed
	}
	defer r.disconnect(ep)
	ep.log.Debug("client connected", zap.String("mechanism", creds.Mechanism), zap.Int("uid", creds.UID))

	for {
		m, err := msgbus.ReadMessage(t)
		if err != nil {
			if recoverable(err) {
				ep.log.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !r.route(ep, m) {
			return fmt.Errorf("protocol violation from %s", ep.name)
		}
	}
}

// recoverable reports whether a ReadMessage error left the stream
// positioned at the next message.
func recoverable(err error) bool {
	if errors.Is(err, msgbus.ErrFraming) {
		return false
	}
	return errors.Is(err, msgbus.ErrCorruptMessage) || errors.Is(err, msgbus.ErrBadBodySignature)
}

// Close shuts down the router, closing all listeners and client
// connections, and waits for their goroutines to exit.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ls := r.listeners
	r.listeners = nil
	var eps []*endpoint
	for _, ep := range r.conns {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	r.cancel()
	for _, l := range ls {
		l.Close()
	}
	for _, ep := range eps {
		ep.t.Close()
	}
	r.wg.Wait()
	return nil
}

func (r *Router) nextSerial() uint32 {
	for {
		if s := r.serial.Inc(); s != 0 {
			return s
		}
	}
}

// route handles one message from ep. It reports false if ep broke
// the protocol badly enough to be disconnected.
func (r *Router) route(ep *endpoint, m *msgbus.Message) bool {
	m.Sender = ep.name
	if !ep.hello.Load() {
		if m.Type != msgbus.MessageMethodCall || m.Destination != msgbus.RouterName || m.Member != "Hello" {
			ep.log.Info("first message is not Hello", zap.Stringer("msg", m))
			return false
		}
	}
	if m.Expired() {
		ep.log.Debug("dropping expired message", zap.Stringer("msg", m))
		return true
	}

	switch {
	case m.Destination == msgbus.RouterName:
		switch m.Type {
		case msgbus.MessageMethodCall:
			r.handleBusCall(ep, m)
		case msgbus.MessageMethodReturn, msgbus.MessageError:
			r.resolve(m)
		}
	case m.Destination != "":
		r.unicast(ep, m)
	case m.Type == msgbus.MessageSignal && m.SessionID != 0:
		r.sessioncast(ep, m)
	case m.Type == msgbus.MessageSignal:
		r.broadcast(m)
	default:
		ep.log.Debug("dropping message with no destination", zap.Stringer("msg", m))
	}
	return true
}

// lookup returns the endpoint that owns name, or nil.
func (r *Router) lookup(name string) *endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name)
}

func (r *Router) lookupLocked(name string) *endpoint {
	if strings.HasPrefix(name, ":") {
		return r.conns[name]
	}
	if n := r.names[name]; n != nil {
		return r.conns[n.owner]
	}
	return nil
}

func (r *Router) unicast(from *endpoint, m *msgbus.Message) {
	dst := r.lookup(m.Destination)
	if dst == nil {
		if m.WantReply() {
			r.replyError(from, m, msgbus.ErrorNameServiceUnknown, fmt.Sprintf("name %q has no owner", m.Destination))
		}
		return
	}
	if err := r.forward(dst, m); err != nil && m.WantReply() {
		r.replyError(from, m, msgbus.ErrorNameFailed, err.Error())
	}
}

func (r *Router) broadcast(m *msgbus.Message) {
	bs, err := r.marshal(m)
	if err != nil {
		r.log.Warn("dropping unforwardable signal", zap.Stringer("msg", m), zap.Error(err))
		return
	}
	for _, ep := range r.endpoints() {
		if ep.matches(m) {
			ep.write(bs)
		}
	}
}

func (r *Router) sessioncast(from *endpoint, m *msgbus.Message) {
	r.mu.Lock()
	s := r.sessions[m.SessionID]
	var dsts []*endpoint
	if s != nil && s.has(from.name) {
		for _, name := range s.participants() {
			if ep := r.conns[name]; ep != nil && name != from.name {
				dsts = append(dsts, ep)
			}
		}
	}
	r.mu.Unlock()
	if len(dsts) == 0 {
		from.log.Debug("dropping session signal with no recipients", zap.Stringer("msg", m))
		return
	}

	bs, err := r.marshal(m)
	if err != nil {
		r.log.Warn("dropping unforwardable signal", zap.Stringer("msg", m), zap.Error(err))
		return
	}
	for _, ep := range dsts {
		ep.write(bs)
	}
}

// endpoints returns the connections that have completed Hello.
func (r *Router) endpoints() []*endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*endpoint, 0, len(r.conns))
	for _, ep := range r.conns {
		if ep.hello.Load() {
			ret = append(ret, ep)
		}
	}
	return ret
}

func (r *Router) marshal(m *msgbus.Message) ([]byte, error) {
	bs, err := m.Marshal(m.ByteOrder())
	if err != nil {
		return nil, err
	}
	if len(bs) > r.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", msgbus.ErrMessageTooLarge, len(bs))
	}
	return bs, nil
}

func (r *Router) forward(dst *endpoint, m *msgbus.Message) error {
	bs, err := r.marshal(m)
	if err != nil {
		return err
	}
	return dst.write(bs)
}

// send sends a message originating from the router itself.
func (r *Router) send(dst *endpoint, m *msgbus.Message) error {
	m.Sender = msgbus.RouterName
	if m.Serial == 0 {
		m.Serial = r.nextSerial()
	}
	return r.forward(dst, m)
}

func (r *Router) reply(dst *endpoint, call *msgbus.Message, args ...msgbus.Value) {
	if !call.WantReply() {
		return
	}
	r.send(dst, &msgbus.Message{
		Type:        msgbus.MessageMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		SessionID:   call.SessionID,
		Args:        args,
	})
}

func (r *Router) replyError(dst *endpoint, call *msgbus.Message, name, detail string) {
	if !call.WantReply() {
		return
	}
	r.send(dst, &msgbus.Message{
		Type:        msgbus.MessageError,
		ErrorName:   name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Args:        []msgbus.Value{msgbus.MakeString(detail)},
	})
}

// signal sends a router signal. If dst is nil, the signal is
// broadcast to connections whose match rules accept it.
func (r *Router) signal(dst *endpoint, member string, args ...any) {
	mem, ok := msgbus.RouterInterfaceDescription().Member(member)
	if !ok {
		panic(fmt.Sprintf("unknown router signal %q", member))
	}
	vals, err := msgbus.BuildArgs(mem.Signature.String(), args...)
	if err != nil {
		panic(fmt.Sprintf("building %s: %v", member, err))
	}
	m := &msgbus.Message{
		Type:      msgbus.MessageSignal,
		Path:      msgbus.RouterPath,
		Interface: msgbus.RouterInterface,
		Member:    member,
		Sender:    msgbus.RouterName,
		Serial:    r.nextSerial(),
		Args:      vals,
	}
	if dst == nil {
		r.broadcast(m)
		return
	}
	m.Destination = dst.name
	r.send(dst, m)
}

// call calls a method on dst and waits for the reply.
func (r *Router) call(ctx context.Context, dst *endpoint, m *msgbus.Message) (*msgbus.Message, error) {
	m.Serial = r.nextSerial()
	m.Destination = dst.name
	ch := make(chan *msgbus.Message, 1)
	r.pendMu.Lock()
	r.pending[m.Serial] = ch
	r.pendMu.Unlock()
	defer func() {
		r.pendMu.Lock()
		delete(r.pending, m.Serial)
		r.pendMu.Unlock()
	}()

	if err := r.send(dst, m); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if err := reply.Err(); err != nil {
			return reply, err
		}
		return reply, nil
	case <-dst.done:
		return nil, msgbus.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve delivers a reply to a call made by the router.
func (r *Router) resolve(m *msgbus.Message) {
	r.pendMu.Lock()
	ch := r.pending[m.ReplySerial]
	delete(r.pending, m.ReplySerial)
	r.pendMu.Unlock()
	if ch == nil {
		r.log.Debug("dropping unexpected reply", zap.Stringer("msg", m))
		return
	}
	ch <- m
}
