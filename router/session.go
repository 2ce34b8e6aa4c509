package router

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/danderson/msgbus"
)

type portKey struct {
	host string
	port msgbus.SessionPort
}

// session is a session between a host and one or more joiners.
type session struct {
	id   msgbus.SessionID
	host string
	port msgbus.SessionPort
	opts msgbus.SessionOpts
	// members are the joiners, in join order.
	members []string
}

func (s *session) has(name string) bool {
	return name == s.host || slices.Contains(s.members, name)
}

// participants returns the host followed by the joiners.
func (s *session) participants() []string {
	return append([]string{s.host}, s.members...)
}

func (r *Router) newSessionID() msgbus.SessionID {
	for {
		if id := r.sessionID.Inc(); id != 0 {
			return msgbus.SessionID(id)
		}
	}
}

// negotiate returns the options of a session between a host offering
// host and a joiner asking for joiner. The options must be
// compatible.
func negotiate(host, joiner msgbus.SessionOpts) msgbus.SessionOpts {
	traffic := host.Traffic & joiner.Traffic
	return msgbus.SessionOpts{
		Traffic:    traffic & -traffic,
		Multipoint: host.Multipoint,
		Proximity:  host.Proximity & joiner.Proximity,
		Transports: host.Transports & joiner.Transports,
	}
}

func (r *Router) bindSessionPort(ep *endpoint, m *msgbus.Message) {
	var (
		port    uint16
		optsVal msgbus.Value
	)
	if !r.unpack(ep, m, "q(ybyq)", &port, &optsVal) {
		return
	}
	opts, err := msgbus.SessionOptsFromValue(optsVal)
	if err != nil {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, err.Error())
		return
	}
	result := func(disp uint32, port uint16) {
		r.reply(ep, m, msgbus.MakeUint32(disp), msgbus.MakeUint16(port))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if port == uint16(msgbus.SessionPortAny) {
		for p := uint16(1); p != 0; p++ {
			if _, ok := r.ports[portKey{ep.name, msgbus.SessionPort(p)}]; !ok {
				port = p
				break
			}
		}
		if port == 0 {
			result(msgbus.ReplyFailed, 0)
			return
		}
	}
	k := portKey{ep.name, msgbus.SessionPort(port)}
	if _, ok := r.ports[k]; ok {
		result(msgbus.ReplyAlreadyExists, port)
		return
	}
	r.ports[k] = opts
	result(msgbus.ReplySuccess, port)
}

func (r *Router) unbindSessionPort(ep *endpoint, m *msgbus.Message) {
	var port uint16
	if !r.unpack(ep, m, "q", &port) {
		return
	}
	k := portKey{ep.name, msgbus.SessionPort(port)}
	r.mu.Lock()
	_, ok := r.ports[k]
	delete(r.ports, k)
	r.mu.Unlock()
	if !ok {
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyNoSuchResource))
		return
	}
	r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplySuccess))
}

func (r *Router) joinSession(ep *endpoint, m *msgbus.Message) {
	var (
		host    string
		port    uint16
		optsVal msgbus.Value
	)
	if !r.unpack(ep, m, "sq(ybyq)", &host, &port, &optsVal) {
		return
	}
	opts, err := msgbus.SessionOptsFromValue(optsVal)
	if err != nil {
		r.replyError(ep, m, msgbus.ErrorNameInvalidArgs, err.Error())
		return
	}
	// Joining waits for the host to accept, which must not stall the
	// joiner's other traffic.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.join(ep, m, host, msgbus.SessionPort(port), opts)
	}()
}

func (r *Router) join(joiner *endpoint, m *msgbus.Message, hostName string, port msgbus.SessionPort, opts msgbus.SessionOpts) {
	log := joiner.log.With(zap.String("host", hostName), zap.Uint16("port", uint16(port)))
	fail := func(disp msgbus.JoinSessionReply) {
		log.Debug("join failed", zap.Error(disp.Err()))
		r.reply(joiner, m, msgbus.MakeUint32(uint32(disp)), msgbus.MakeUint32(0), opts.Value())
	}

	r.mu.Lock()
	host := r.lookupLocked(hostName)
	if host == nil {
		r.mu.Unlock()
		fail(msgbus.JoinUnreachable)
		return
	}
	bound, ok := r.ports[portKey{host.name, port}]
	if !ok {
		r.mu.Unlock()
		fail(msgbus.JoinNoSession)
		return
	}
	if !bound.IsCompatible(opts) {
		r.mu.Unlock()
		fail(msgbus.JoinBadSessionOpts)
		return
	}
	var id msgbus.SessionID
	for _, s := range r.sessions {
		if s.host != host.name || s.port != port {
			continue
		}
		if s.has(joiner.name) {
			r.mu.Unlock()
			fail(msgbus.JoinAlreadyJoined)
			return
		}
		if bound.Multipoint {
			id = s.id
		}
	}
	r.mu.Unlock()

	if id == 0 {
		id = r.newSessionID()
	}
	negotiated := negotiate(bound, opts)

	vals, err := msgbus.BuildArgs("qus(ybyq)", uint16(port), uint32(id), joiner.name, negotiated.Value())
	if err != nil {
		log.Error("building AcceptSession call", zap.Error(err))
		fail(msgbus.JoinFailed)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.JoinTimeout)
	defer cancel()
	reply, err := r.call(ctx, host, &msgbus.Message{
		Type:      msgbus.MessageMethodCall,
		Path:      "/",
		Interface: msgbus.PeerSessionInterface,
		Member:    "AcceptSession",
		Args:      vals,
	})
	if err != nil {
		var ce msgbus.CallError
		switch {
		case errors.As(err, &ce) && ce.Name == msgbus.ErrorNameSecurity:
			fail(msgbus.JoinAuthFailed)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, msgbus.ErrDisconnected):
			fail(msgbus.JoinConnectFailed)
		default:
			fail(msgbus.JoinFailed)
		}
		return
	}
	var accept bool
	if err := reply.Unpack("b", &accept); err != nil || !accept {
		fail(msgbus.JoinRejected)
		return
	}

	r.mu.Lock()
	if r.conns[host.name] == nil || r.conns[joiner.name] == nil {
		r.mu.Unlock()
		fail(msgbus.JoinFailed)
		return
	}
	s := r.sessions[id]
	if s == nil {
		s = &session{
			id:   id,
			host: host.name,
			port: port,
			opts: negotiated,
		}
		r.sessions[id] = s
	}
	existing := s.participants()
	s.members = append(s.members, joiner.name)
	r.mu.Unlock()

	log.Debug("joined session", zap.Uint32("session", uint32(id)))
	r.reply(joiner, m, msgbus.MakeUint32(uint32(msgbus.JoinSuccess)), msgbus.MakeUint32(uint32(id)), negotiated.Value())
	r.signal(host, "SessionJoined", uint16(port), uint32(id), joiner.name)
	if !negotiated.Multipoint {
		return
	}
	for _, name := range existing {
		ep := r.lookup(name)
		if ep == nil {
			continue
		}
		r.signal(ep, "MPSessionChanged", uint32(id), joiner.name, true)
		r.signal(joiner, "MPSessionChanged", uint32(id), name, true)
	}
}

func (r *Router) handleLeaveSession(ep *endpoint, m *msgbus.Message) {
	var id uint32
	if !r.unpack(ep, m, "u", &id) {
		return
	}
	if !r.leaveSession(ep, msgbus.SessionID(id), msgbus.SessionLostRemoteEndLeft) {
		r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplyNoSuchResource))
		return
	}
	r.reply(ep, m, msgbus.MakeUint32(msgbus.ReplySuccess))
}

// leaveSession removes ep from a session, and notifies the remaining
// participants. It reports whether ep was in the session.
//
// The session ends when its host leaves, when the joiner of a point
// to point session leaves, or when the last joiner of a multipoint
// session leaves.
func (r *Router) leaveSession(ep *endpoint, id msgbus.SessionID, reason msgbus.SessionLostReason) bool {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil || !s.has(ep.name) {
		r.mu.Unlock()
		return false
	}
	var lost, changed []string
	if ep.name == s.host {
		lost = s.members
		delete(r.sessions, id)
	} else {
		s.members = slices.DeleteFunc(s.members, func(n string) bool { return n == ep.name })
		if !s.opts.Multipoint || len(s.members) == 0 {
			lost = s.participants()
			delete(r.sessions, id)
		} else {
			changed = s.participants()
		}
	}
	r.mu.Unlock()

	for _, name := range lost {
		if dst := r.lookup(name); dst != nil {
			r.signal(dst, "SessionLost", uint32(id), uint32(reason))
		}
	}
	for _, name := range changed {
		if dst := r.lookup(name); dst != nil {
			r.signal(dst, "MPSessionChanged", uint32(id), ep.name, false)
		}
	}
	return true
}
