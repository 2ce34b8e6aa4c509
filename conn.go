package msgbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/danderson/msgbus/fragments"
	"github.com/danderson/msgbus/transport"
)

// DefaultCallTimeout is the time a method call waits for its reply,
// unless overridden by [Options.CallTimeout] or [WithTimeout].
const DefaultCallTimeout = 25 * time.Second

// Options configure a Conn. The zero value is valid.
type Options struct {
	// Logger receives the connection's logs. If nil, nothing is
	// logged.
	Logger *zap.Logger
	// CallTimeout is the default reply timeout for method calls. If
	// zero, DefaultCallTimeout is used.
	CallTimeout time.Duration
	// AuthMechanisms are the transport authentication mechanisms to
	// try, in order. If empty, EXTERNAL then ANONYMOUS are tried.
	AuthMechanisms []string
	// ByteOrder is the byte order of outgoing messages. If nil, the
	// process default is used.
	ByteOrder fragments.ByteOrder
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) callTimeout() time.Duration {
	if o == nil || o.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return o.CallTimeout
}

// Conn is a connection to a bus router.
type Conn struct {
	t    transport.Transport
	log  *zap.Logger
	opts Options

	guid       string
	routerGUID string
	uniqueName string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	disp   *dispatcher
	serial atomic.Uint32

	writeMu sync.Mutex
	enc     fragments.Encoder

	pendMu       sync.Mutex
	pending      map[uint32]*pendingCall
	timeouts     *heapq.Queue[*pendingCall]
	wakeTimeouts chan struct{}

	mu           sync.Mutex
	closed       bool
	closeErr     error
	ifaces       map[string]*InterfaceDescription
	objects      map[ObjectPath]*BusObject
	ports        map[SessionPort]*boundPort
	sessions     map[SessionID]*session
	busListeners []BusListener
	security     *peerSecurity

	subs subscriptions
}

// Dial connects to the router at addr, a semicolon separated list of
// transport addresses such as "unix:path=/run/msgbus.sock".
func Dial(ctx context.Context, addr string, opts *Options) (*Conn, error) {
	t, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	ret, err := NewConn(ctx, t, opts)
	if err != nil {
		t.Close()
		return nil, err
	}
	return ret, nil
}

// NewConn runs the client handshake on t and registers with the
// router. The Conn takes ownership of t.
func NewConn(ctx context.Context, t transport.Transport, opts *Options) (*Conn, error) {
	var mechs []string
	if opts != nil {
		mechs = opts.AuthMechanisms
	}
	routerGUID, err := transport.ClientHandshake(ctx, t, mechs...)
	if err != nil {
		return nil, fmt.Errorf("authenticating to router: %w", err)
	}

	ret := &Conn{
		t:            t,
		log:          opts.logger(),
		guid:         uuid.NewString(),
		routerGUID:   routerGUID,
		done:         make(chan struct{}),
		pending:      map[uint32]*pendingCall{},
		timeouts:     heapq.New(comparePending),
		wakeTimeouts: make(chan struct{}, 1),
		ifaces:       map[string]*InterfaceDescription{},
		objects:      map[ObjectPath]*BusObject{},
		ports:        map[SessionPort]*boundPort{},
		sessions:     map[SessionID]*session{},
	}
	if opts != nil {
		ret.opts = *opts
	}
	order := ret.opts.ByteOrder
	if order == nil {
		order = DefaultByteOrder()
	}
	ret.enc = fragments.Encoder{Order: order}
	ret.ctx, ret.cancel = context.WithCancel(context.Background())
	ret.disp = newDispatcher(ret.log)
	ret.subs.init()

	go ret.readLoop()
	go ret.timeoutLoop()

	reply, err := ret.callRouter(ctx, "Hello")
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("registering with router: %w", err)
	}
	var guid string
	if err := reply.Unpack("ss", &ret.uniqueName, &guid); err != nil {
		ret.Close()
		return nil, fmt.Errorf("decoding Hello reply: %w", err)
	}
	ret.log = ret.log.With(zap.String("conn", ret.uniqueName))
	ret.log.Debug("connected", zap.String("router_guid", guid))
	return ret, nil
}

// UniqueName returns the connection's unique bus name, assigned by
// the router.
func (c *Conn) UniqueName() string { return c.uniqueName }

// GUID returns the connection's globally unique ID, used to identify
// it to authenticating peers.
func (c *Conn) GUID() string { return c.guid }

// RouterGUID returns the GUID the router presented during the
// handshake.
func (c *Conn) RouterGUID() string { return c.routerGUID }

// Done returns a channel that is closed when the connection shuts
// down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsConnected reports whether the connection is still up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Err returns the reason the connection shut down, or nil if it is
// still connected.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the connection. Pending calls fail with
// [ErrDisconnected].
func (c *Conn) Close() error {
	err := c.t.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) nextSerial() uint32 {
	for {
		if s := c.serial.Inc(); s != 0 {
			return s
		}
	}
}

// send writes m to the router, assigning it a serial if it has none.
func (c *Conn) send(m *Message) error {
	if m.Serial == 0 {
		m.Serial = c.nextSerial()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.enc.Out = c.enc.Out[:0]
	if err := m.encode(&c.enc); err != nil {
		return err
	}
	if _, err := c.t.Write(c.enc.Out); err != nil {
		// The read loop notices the closed transport and shuts the
		// Conn down.
		c.t.Close()
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var err error
	for {
		var m *Message
		m, err = ReadMessage(c.t)
		if err != nil {
			if errors.Is(err, ErrCorruptMessage) || errors.Is(err, ErrBadBodySignature) {
				if !errors.Is(err, ErrFraming) {
					c.log.Warn("dropping malformed message", zap.Error(err))
					continue
				}
			}
			break
		}
		c.dispatchMsg(m)
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.shutdown(err)
}

func (c *Conn) dispatchMsg(m *Message) {
	if m.Expired() {
		c.log.Debug("dropping expired message", zap.Stringer("msg", m))
		return
	}
	switch m.Type {
	case MessageMethodReturn, MessageError:
		p := c.takePending(m.ReplySerial)
		if p == nil {
			// Reply to a call that timed out or was canceled.
			c.log.Debug("dropping unexpected reply", zap.Stringer("msg", m))
			return
		}
		if p.onReply != nil && m.Type == MessageMethodReturn {
			p.onReply(m)
		}
		c.resolve(p, m, m.Err())
	case MessageMethodCall:
		c.disp.add(func() { c.handleCall(m) })
	case MessageSignal:
		c.disp.add(func() {
			if !c.handleRouterSignal(m) {
				c.deliverSignal(m)
			}
		})
	default:
		c.log.Debug("ignoring message of unknown type", zap.Stringer("msg", m))
	}
}

func (c *Conn) shutdown(cause error) {
	disconnected := ErrDisconnected
	if cause != nil {
		disconnected = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	c.mu.Lock()
	c.closed = true
	c.closeErr = disconnected
	sessions := c.sessions
	c.sessions = map[SessionID]*session{}
	listeners := c.busListeners
	c.mu.Unlock()

	c.t.Close()
	c.cancel()

	c.pendMu.Lock()
	pend := c.pending
	c.pending = nil
	c.timeouts = heapq.New(comparePending)
	c.pendMu.Unlock()
	for p := range maps.Values(pend) {
		c.resolve(p, nil, disconnected)
	}

	for _, s := range sessions {
		if s.listener == nil {
			continue
		}
		c.disp.add(func() { s.listener.SessionLost(s.id, SessionLostRemoteEndClosed) })
	}
	for _, l := range listeners {
		c.disp.add(l.BusDisconnected)
	}
	c.disp.stopAsync()

	if cause != nil {
		c.log.Info("connection lost", zap.Error(cause))
	}
	close(c.done)
}

// CreateInterface creates a new interface description, known to this
// Conn by name. The interface must be activated before it is added to
// an object.
func (c *Conn) CreateInterface(name string, secure bool) (*InterfaceDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ifaces[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceExists, name)
	}
	if _, ok := builtinInterfaces[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceExists, name)
	}
	ret := NewInterface(name, secure)
	c.ifaces[name] = ret
	return ret, nil
}

// Interface returns the named interface description, or nil if the
// Conn has none by that name. The standard interfaces are always
// known.
func (c *Conn) Interface(name string) *InterfaceDescription {
	if ret, ok := builtinInterfaces[name]; ok {
		return ret
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ifaces[name]
}

// DeleteInterface forgets an interface that has not been activated.
func (c *Conn) DeleteInterface(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	iface, ok := c.ifaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	if iface.IsActivated() {
		return fmt.Errorf("%w: %s", ErrInterfaceActivated, name)
	}
	delete(c.ifaces, name)
	return nil
}

// newMethodCall builds a call to member of iface, with args built
// from the member's input signature.
func newMethodCall(iface *InterfaceDescription, dest string, path ObjectPath, member string, args ...any) (*Message, error) {
	mem, ok := iface.Member(member)
	if !ok || mem.Type != MessageMethodCall {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, iface.Name(), member)
	}
	vals, err := BuildArgs(mem.Signature.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", mem, err)
	}
	return &Message{
		Type:        MessageMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface.Name(),
		Member:      member,
		Args:        vals,
	}, nil
}

func (c *Conn) routerCall(member string, args ...any) (*Message, error) {
	return newMethodCall(routerIface, RouterName, RouterPath, member, args...)
}

// callRouter calls one of the router's bus methods.
func (c *Conn) callRouter(ctx context.Context, member string, args ...any) (*Message, error) {
	m, err := c.routerCall(member, args...)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, m, c.opts.callTimeout())
}

// reply sends a method return for call.
func (c *Conn) reply(call *Message, args ...Value) error {
	return c.sendReply(call, &Message{
		Type: MessageMethodReturn,
		Args: args,
	})
}

// replyError sends an error reply for call.
func (c *Conn) replyError(call *Message, name, detail string) error {
	m := &Message{
		Type:      MessageError,
		ErrorName: name,
	}
	if detail != "" {
		m.Args = []Value{MakeString(detail)}
	}
	return c.sendReply(call, m)
}

func (c *Conn) sendReply(call *Message, reply *Message) error {
	if call.Type != MessageMethodCall {
		return fmt.Errorf("%w: cannot reply to %s", ErrInvalidArgs, call.Type)
	}
	if !call.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if !call.WantReply() {
		return nil
	}
	reply.ReplySerial = call.Serial
	reply.Destination = call.Sender
	reply.SessionID = call.SessionID
	return c.send(reply)
}
