package msgbus

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SessionID identifies a session. Zero means no session.
type SessionID uint32

// SessionPort is a port that session hosts bind and joiners connect
// to.
type SessionPort uint16

// SessionPortAny asks the router to pick a free session port.
const SessionPortAny SessionPort = 0

// TrafficType is the kind of traffic a session carries.
type TrafficType uint8

const (
	TrafficMessages      TrafficType = 0x01
	TrafficRawUnreliable TrafficType = 0x02
	TrafficRawReliable   TrafficType = 0x04
)

// Proximity restricts how far away session peers may be.
type Proximity uint8

const (
	ProximityAny      Proximity = 0xFF
	ProximityPhysical Proximity = 0x01
	ProximityNetwork  Proximity = 0x02
)

// TransportMask is a set of transports a session or advertisement may
// use.
type TransportMask uint16

const (
	TransportNone      TransportMask = 0
	TransportLocal     TransportMask = 0x0001
	TransportBluetooth TransportMask = 0x0002
	TransportWLAN      TransportMask = 0x0004
	TransportWWAN      TransportMask = 0x0008
	TransportLAN       TransportMask = 0x0010
	TransportAny       TransportMask = 0xFFFF
)

// SessionOpts are the negotiated properties of a session.
type SessionOpts struct {
	Traffic    TrafficType
	Multipoint bool
	Proximity  Proximity
	Transports TransportMask
}

// DefaultSessionOpts returns options for a point to point message
// session over any transport.
func DefaultSessionOpts() SessionOpts {
	return SessionOpts{
		Traffic:    TrafficMessages,
		Proximity:  ProximityAny,
		Transports: TransportAny,
	}
}

// IsCompatible reports whether a host offering o can accept a joiner
// asking for other. Options are compatible if they have at least one
// traffic type, proximity and transport in common.
func (o SessionOpts) IsCompatible(other SessionOpts) bool {
	return o.Traffic&other.Traffic != 0 &&
		o.Proximity&other.Proximity != 0 &&
		o.Transports&other.Transports != 0
}

// Compare orders session options by traffic, multipoint, proximity
// and transports.
func (o SessionOpts) Compare(other SessionOpts) int {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	return cmp.Or(
		cmp.Compare(o.Traffic, other.Traffic),
		cmp.Compare(b(o.Multipoint), b(other.Multipoint)),
		cmp.Compare(o.Proximity, other.Proximity),
		cmp.Compare(o.Transports, other.Transports))
}

func (o SessionOpts) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("traffic=0x%02x", uint8(o.Traffic)))
	if o.Multipoint {
		parts = append(parts, "multipoint")
	}
	parts = append(parts, fmt.Sprintf("proximity=0x%02x", uint8(o.Proximity)))
	parts = append(parts, fmt.Sprintf("transports=0x%04x", uint16(o.Transports)))
	return strings.Join(parts, ",")
}

// Value returns the wire representation of o.
func (o SessionOpts) Value() Value {
	return MakeStruct(
		MakeByte(uint8(o.Traffic)),
		MakeBool(o.Multipoint),
		MakeByte(uint8(o.Proximity)),
		MakeUint16(uint16(o.Transports)))
}

// SessionOptsFromValue decodes session options from their wire
// representation.
func SessionOptsFromValue(v Value) (SessionOpts, error) {
	var s struct {
		Traffic    uint8
		Multipoint bool
		Proximity  uint8
		Transports uint16
	}
	if err := v.Get(sessionOptsSig, &s); err != nil {
		return SessionOpts{}, fmt.Errorf("decoding session options: %w", err)
	}
	return SessionOpts{
		Traffic:    TrafficType(s.Traffic),
		Multipoint: s.Multipoint,
		Proximity:  Proximity(s.Proximity),
		Transports: TransportMask(s.Transports),
	}, nil
}

// SessionLostReason explains why a session was lost.
type SessionLostReason uint32

const (
	SessionLostInvalid         SessionLostReason = 0
	SessionLostRemoteEndLeft   SessionLostReason = 1
	SessionLostRemoteEndClosed SessionLostReason = 2
	SessionLostRemovedByHost   SessionLostReason = 3
	SessionLostLinkTimeout     SessionLostReason = 4
	SessionLostOther           SessionLostReason = 5
)

func (r SessionLostReason) String() string {
	switch r {
	case SessionLostRemoteEndLeft:
		return "remote end left session"
	case SessionLostRemoteEndClosed:
		return "remote end closed abruptly"
	case SessionLostRemovedByHost:
		return "removed by host"
	case SessionLostLinkTimeout:
		return "link timeout"
	case SessionLostOther:
		return "other"
	default:
		return "invalid"
	}
}

// A SessionPortListener decides whether to accept joiners on a bound
// session port.
//
// Its methods run on the Conn's dispatch goroutine.
type SessionPortListener interface {
	// AcceptSessionJoiner reports whether joiner may join a session
	// on port with the given options.
	AcceptSessionJoiner(port SessionPort, joiner string, opts SessionOpts) bool
	// SessionJoined is called once an accepted joiner has joined.
	SessionJoined(port SessionPort, id SessionID, joiner string)
}

// A SessionListener is notified of changes to a joined or hosted
// session.
//
// Its methods run on the Conn's dispatch goroutine.
type SessionListener interface {
	SessionLost(id SessionID, reason SessionLostReason)
	SessionMemberAdded(id SessionID, member string)
	SessionMemberRemoved(id SessionID, member string)
}

// SessionPortFuncs is a SessionPortListener built from functions. A
// nil Accept accepts every joiner.
type SessionPortFuncs struct {
	Accept func(port SessionPort, joiner string, opts SessionOpts) bool
	Joined func(port SessionPort, id SessionID, joiner string)
}

func (f *SessionPortFuncs) AcceptSessionJoiner(port SessionPort, joiner string, opts SessionOpts) bool {
	if f.Accept == nil {
		return true
	}
	return f.Accept(port, joiner, opts)
}

func (f *SessionPortFuncs) SessionJoined(port SessionPort, id SessionID, joiner string) {
	if f.Joined != nil {
		f.Joined(port, id, joiner)
	}
}

// SessionFuncs is a SessionListener built from functions. Nil
// functions are ignored.
type SessionFuncs struct {
	Lost          func(id SessionID, reason SessionLostReason)
	MemberAdded   func(id SessionID, member string)
	MemberRemoved func(id SessionID, member string)
}

func (f *SessionFuncs) SessionLost(id SessionID, reason SessionLostReason) {
	if f.Lost != nil {
		f.Lost(id, reason)
	}
}

func (f *SessionFuncs) SessionMemberAdded(id SessionID, member string) {
	if f.MemberAdded != nil {
		f.MemberAdded(id, member)
	}
}

func (f *SessionFuncs) SessionMemberRemoved(id SessionID, member string) {
	if f.MemberRemoved != nil {
		f.MemberRemoved(id, member)
	}
}

// JoinSessionHandler receives the outcome of
// [Conn.JoinSessionAsync]. ctx is the context passed to
// JoinSessionAsync.
type JoinSessionHandler func(ctx context.Context, id SessionID, opts SessionOpts, err error)

type boundPort struct {
	opts     SessionOpts
	listener SessionPortListener
}

type session struct {
	id       SessionID
	host     bool
	port     SessionPort
	peer     string
	listener SessionListener
}

// BindSessionPort binds a session port, so that other connections may
// join sessions on it. port may be SessionPortAny to have the router
// pick a free port. The bound port is returned.
func (c *Conn) BindSessionPort(ctx context.Context, port SessionPort, opts SessionOpts, listener SessionPortListener) (SessionPort, error) {
	if listener == nil {
		return 0, fmt.Errorf("%w: nil SessionPortListener", ErrInvalidArgs)
	}
	reply, err := c.callRouter(ctx, "BindSessionPort", uint16(port), opts.Value())
	if err != nil {
		return 0, err
	}
	var (
		disp  uint32
		bound uint16
	)
	if err := reply.Unpack("uq", &disp, &bound); err != nil {
		return 0, err
	}
	switch disp {
	case ReplySuccess:
	case ReplyAlreadyExists:
		return 0, fmt.Errorf("%w: %d", ErrSessionPortInUse, port)
	default:
		return 0, fmt.Errorf("binding session port %d failed with disposition %d", port, disp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports[SessionPort(bound)] = &boundPort{opts, listener}
	return SessionPort(bound), nil
}

// UnbindSessionPort releases a bound session port. Existing sessions
// on the port are not affected.
func (c *Conn) UnbindSessionPort(ctx context.Context, port SessionPort) error {
	reply, err := c.callRouter(ctx, "UnbindSessionPort", uint16(port))
	if err != nil {
		return err
	}
	var disp uint32
	if err := reply.Unpack("u", &disp); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.ports, port)
	c.mu.Unlock()
	if disp != ReplySuccess {
		return fmt.Errorf("%w: session port %d is not bound", ErrInvalidArgs, port)
	}
	return nil
}

// JoinSession joins the session bound to port by host. listener, if
// not nil, is notified of changes to the session. The router's
// negotiated options are returned along with the session ID.
func (c *Conn) JoinSession(ctx context.Context, host string, port SessionPort, opts SessionOpts, listener SessionListener) (SessionID, SessionOpts, error) {
	msg, err := c.routerCall("JoinSession", host, uint16(port), opts.Value())
	if err != nil {
		return 0, SessionOpts{}, err
	}
	// The session is recorded on the read loop, before any router
	// signal about it can be dispatched.
	var res joinOutcome
	_, err = c.callHook(ctx, msg, c.opts.callTimeout(), func(reply *Message) {
		res.id, res.opts, res.err = c.joinResult(host, port, listener, reply)
	})
	if err != nil {
		return 0, SessionOpts{}, err
	}
	return res.id, res.opts, res.err
}

type joinOutcome struct {
	id   SessionID
	opts SessionOpts
	err  error
}

// JoinSessionAsync is like JoinSession, but returns immediately.
// handler is called with the outcome on the dispatch goroutine.
func (c *Conn) JoinSessionAsync(ctx context.Context, host string, port SessionPort, opts SessionOpts, listener SessionListener, handler JoinSessionHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil JoinSessionHandler", ErrInvalidArgs)
	}
	msg, err := c.routerCall("JoinSession", host, uint16(port), opts.Value())
	if err != nil {
		return err
	}
	var res joinOutcome
	onReply := func(reply *Message) {
		res.id, res.opts, res.err = c.joinResult(host, port, listener, reply)
	}
	return c.callAsyncHook(ctx, msg, c.opts.callTimeout(), func(ctx context.Context, reply *Message, err error) {
		if err != nil {
			handler(ctx, 0, SessionOpts{}, err)
			return
		}
		handler(ctx, res.id, res.opts, res.err)
	}, onReply)
}

func (c *Conn) joinResult(host string, port SessionPort, listener SessionListener, reply *Message) (SessionID, SessionOpts, error) {
	var (
		disp    uint32
		id      uint32
		optsVal Value
	)
	if err := reply.Unpack("uu"+sessionOptsSig, &disp, &id, &optsVal); err != nil {
		return 0, SessionOpts{}, err
	}
	if err := JoinSessionReply(disp).Err(); err != nil {
		return 0, SessionOpts{}, fmt.Errorf("joining %s port %d: %w", host, port, err)
	}
	opts, err := SessionOptsFromValue(optsVal)
	if err != nil {
		return 0, SessionOpts{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[SessionID(id)] = &session{
		id:       SessionID(id),
		port:     port,
		peer:     host,
		listener: listener,
	}
	return SessionID(id), opts, nil
}

// LeaveSession leaves a joined or hosted session.
func (c *Conn) LeaveSession(ctx context.Context, id SessionID) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	reply, err := c.callRouter(ctx, "LeaveSession", uint32(id))
	if err != nil {
		return err
	}
	var disp uint32
	if err := reply.Unpack("u", &disp); err != nil {
		return err
	}
	if disp != ReplySuccess || !ok {
		return fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	return nil
}

// SetSessionListener sets the listener for a joined or hosted
// session. A nil listener stops notifications.
func (c *Conn) SetSessionListener(id SessionID, listener SessionListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	s.listener = listener
	return nil
}

// Sessions returns the IDs of the sessions the connection is in.
func (c *Conn) Sessions() []SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]SessionID, 0, len(c.sessions))
	for id := range c.sessions {
		ret = append(ret, id)
	}
	return ret
}

// handleAcceptSession answers the router's request to admit a joiner
// to a session on one of our bound ports.
func (c *Conn) handleAcceptSession(ctx context.Context, m *Message) {
	var (
		port    uint16
		id      uint32
		joiner  string
		optsVal Value
	)
	if err := m.Unpack("qus"+sessionOptsSig, &port, &id, &joiner, &optsVal); err != nil {
		c.replyError(m, ErrorNameInvalidArgs, err.Error())
		return
	}
	opts, err := SessionOptsFromValue(optsVal)
	if err != nil {
		c.replyError(m, ErrorNameInvalidArgs, err.Error())
		return
	}

	c.mu.Lock()
	bp := c.ports[SessionPort(port)]
	sec := c.security
	c.mu.Unlock()
	if bp == nil {
		c.reply(m, MakeBool(false))
		return
	}

	if sec != nil {
		if err := c.authenticatePeer(ctx, sec, joiner); err != nil {
			c.log.Info("rejecting session joiner that failed authentication",
				zap.String("joiner", joiner), zap.Error(err))
			c.replyError(m, ErrorNameSecurity, err.Error())
			return
		}
	}

	accept := bp.listener.AcceptSessionJoiner(SessionPort(port), joiner, opts)
	if accept {
		c.mu.Lock()
		// Later joiners of a multipoint session reuse the existing
		// record, and its listener.
		if c.sessions[SessionID(id)] == nil {
			c.sessions[SessionID(id)] = &session{
				id:   SessionID(id),
				host: true,
				port: SessionPort(port),
				peer: joiner,
			}
		}
		c.mu.Unlock()
	}
	c.reply(m, MakeBool(accept))
}

// handleRouterSignal processes session and name signals from the
// router. It reports whether m was such a signal.
func (c *Conn) handleRouterSignal(m *Message) bool {
	if m.Sender != RouterName || m.Interface != RouterInterface {
		return false
	}
	switch m.Member {
	case "SessionJoined":
		var (
			port   uint16
			id     uint32
			joiner string
		)
		if err := m.Unpack("qus", &port, &id, &joiner); err != nil {
			return true
		}
		c.mu.Lock()
		bp := c.ports[SessionPort(port)]
		c.mu.Unlock()
		if bp != nil {
			bp.listener.SessionJoined(SessionPort(port), SessionID(id), joiner)
		}
	case "SessionLost":
		var id, reason uint32
		if err := m.Unpack("uu", &id, &reason); err != nil {
			return true
		}
		c.mu.Lock()
		s := c.sessions[SessionID(id)]
		delete(c.sessions, SessionID(id))
		c.mu.Unlock()
		if s != nil && s.listener != nil {
			s.listener.SessionLost(SessionID(id), SessionLostReason(reason))
		}
	case "MPSessionChanged":
		var (
			id     uint32
			member string
			added  bool
		)
		if err := m.Unpack("usb", &id, &member, &added); err != nil {
			return true
		}
		c.mu.Lock()
		s := c.sessions[SessionID(id)]
		c.mu.Unlock()
		if s == nil || s.listener == nil {
			return true
		}
		if added {
			s.listener.SessionMemberAdded(SessionID(id), member)
		} else {
			s.listener.SessionMemberRemoved(SessionID(id), member)
		}
	case "FoundAdvertisedName", "LostAdvertisedName", "NameOwnerChanged":
		// Also delivered to signal handlers subscribed to them.
		c.deliverBusSignal(m)
		return false
	default:
		return false
	}
	return true
}
