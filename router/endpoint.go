package router

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/transport"
)

// endpoint is a client connection to the router.
type endpoint struct {
	name  string
	t     transport.Transport
	creds transport.Credentials
	log   *zap.Logger
	hello atomic.Bool
	done  chan struct{}

	writeMu sync.Mutex

	mu    sync.Mutex
	rules []*msgbus.MatchRule
}

// newEndpoint registers a new client connection, or returns nil if
// the router is closed.
func (r *Router) newEndpoint(t transport.Transport, creds transport.Credentials) *endpoint {
	name := fmt.Sprintf(":1.%d", r.connID.Inc())
	ep := &endpoint{
		name:  name,
		t:     t,
		creds: creds,
		log:   r.log.With(zap.String("conn", name)),
		done:  make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.conns[name] = ep
	return ep
}

// write sends an encoded message to the endpoint. Write errors close
// the endpoint's transport, which ends its read loop.
func (ep *endpoint) write(bs []byte) error {
	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	if _, err := ep.t.Write(bs); err != nil {
		ep.t.Close()
		return fmt.Errorf("%w: %w", msgbus.ErrDisconnected, err)
	}
	return nil
}

func (ep *endpoint) addMatch(rule *msgbus.MatchRule) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.rules = append(ep.rules, rule)
}

// removeMatch removes one instance of a rule equal to rule. It
// reports whether there was such a rule.
func (ep *endpoint) removeMatch(rule *msgbus.MatchRule) bool {
	want := rule.String()
	ep.mu.Lock()
	defer ep.mu.Unlock()
	i := slices.IndexFunc(ep.rules, func(r *msgbus.MatchRule) bool { return r.String() == want })
	if i < 0 {
		return false
	}
	ep.rules = slices.Delete(ep.rules, i, i+1)
	return true
}

// matches reports whether any of the endpoint's match rules accept
// m.
func (ep *endpoint) matches(m *msgbus.Message) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return slices.ContainsFunc(ep.rules, func(r *msgbus.MatchRule) bool { return r.Matches(m) })
}

// disconnect removes ep from the router, releasing its names,
// advertisements, searches, ports and sessions.
func (r *Router) disconnect(ep *endpoint) {
	close(ep.done)

	r.mu.Lock()
	delete(r.conns, ep.name)
	var (
		owned  []string
		queued []string
	)
	for name, n := range r.names {
		if n.owner == ep.name {
			owned = append(owned, name)
		} else if n.queued(ep.name) {
			queued = append(queued, name)
		}
	}
	var adverts []string
	for name, owners := range r.adverts {
		if _, ok := owners[ep.name]; ok {
			adverts = append(adverts, name)
		}
	}
	for prefix, fs := range r.finders {
		delete(fs, ep.name)
		if len(fs) == 0 {
			delete(r.finders, prefix)
		}
	}
	for k := range r.ports {
		if k.host == ep.name {
			delete(r.ports, k)
		}
	}
	var sessions []*session
	for _, s := range r.sessions {
		if s.has(ep.name) {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	for _, name := range queued {
		r.releaseName(ep, name)
	}
	for _, name := range owned {
		r.releaseName(ep, name)
	}
	for _, name := range adverts {
		r.cancelAdvertise(ep, name)
	}
	for _, s := range sessions {
		r.leaveSession(ep, s.id, msgbus.SessionLostRemoteEndClosed)
	}
	if ep.hello.Load() {
		r.signal(nil, "NameOwnerChanged", ep.name, ep.name, "")
	}
	ep.log.Debug("client disconnected")
}
