package msgbus

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/creachadair/mds/value"
	"go.uber.org/zap"
)

// A SignalHandler receives signals subscribed to with
// [Conn.RegisterSignalHandler].
//
// Handlers are identified by value when unregistering, so
// implementations must be comparable. Use [NewSignalHandler] to make
// a handler from a function.
type SignalHandler interface {
	HandleSignal(ctx context.Context, member *Member, srcPath ObjectPath, msg *Message)
}

type funcSignalHandler struct {
	fn func(ctx context.Context, member *Member, srcPath ObjectPath, msg *Message)
}

func (h *funcSignalHandler) HandleSignal(ctx context.Context, member *Member, srcPath ObjectPath, msg *Message) {
	h.fn(ctx, member, srcPath, msg)
}

// NewSignalHandler returns a SignalHandler that calls fn. Each call
// returns a distinct handler.
func NewSignalHandler(fn func(ctx context.Context, member *Member, srcPath ObjectPath, msg *Message)) SignalHandler {
	return &funcSignalHandler{fn}
}

type memberKey struct {
	iface, member string
}

type subscription struct {
	receiver any
	handler  SignalHandler
	member   *Member
	path     value.Maybe[ObjectPath]
}

func (s *subscription) is(receiver any, handler SignalHandler, member *Member, path value.Maybe[ObjectPath]) bool {
	return s.receiver == receiver && s.handler == handler && s.member == member && s.path == path
}

// subscriptions is a Conn's table of signal handlers.
type subscriptions struct {
	// matchMu serializes changes that add or remove router match
	// rules, so that rules are added and removed in the same order
	// as handlers.
	matchMu sync.Mutex

	mu       sync.Mutex
	byMember map[memberKey][]*subscription
}

func (s *subscriptions) init() {
	s.byMember = map[memberKey][]*subscription{}
}

func keyOf(m *Member) memberKey {
	return memberKey{m.Interface.Name(), m.Name}
}

func matchFor(m *Member) string {
	return MatchSignal(m.Interface.Name(), m.Name).String()
}

func checkComparable(what string, v any) error {
	if v != nil && !reflect.TypeOf(v).Comparable() {
		return fmt.Errorf("%w: %s of type %T is not comparable", ErrInvalidArgs, what, v)
	}
	return nil
}

func optionalPath(p ObjectPath) value.Maybe[ObjectPath] {
	if p == "" {
		return value.Absent[ObjectPath]()
	}
	return value.Just(p)
}

// RegisterSignalHandler subscribes handler to the signal member.
//
// If srcPath is not empty, only signals emitted by the object at
// srcPath are delivered. receiver is an arbitrary comparable value
// that groups handlers for [Conn.UnregisterAllHandlers], and may be
// nil.
//
// The same handler may be registered several times, and receives one
// call per registration. The first registration for a signal adds a
// match rule at the router.
func (c *Conn) RegisterSignalHandler(ctx context.Context, receiver any, handler SignalHandler, member *Member, srcPath ObjectPath) error {
	if handler == nil {
		return fmt.Errorf("%w: nil SignalHandler", ErrInvalidArgs)
	}
	if member == nil || member.Type != MessageSignal {
		return fmt.Errorf("%w: %v is not a signal", ErrInvalidArgs, member)
	}
	if srcPath != "" && !srcPath.Valid() {
		return fmt.Errorf("%w: invalid source path %q", ErrInvalidArgs, srcPath)
	}
	if err := checkComparable("receiver", receiver); err != nil {
		return err
	}
	if err := checkComparable("handler", handler); err != nil {
		return err
	}

	sub := &subscription{receiver, handler, member, optionalPath(srcPath)}
	k := keyOf(member)

	c.subs.matchMu.Lock()
	defer c.subs.matchMu.Unlock()

	c.subs.mu.Lock()
	first := len(c.subs.byMember[k]) == 0
	c.subs.byMember[k] = append(c.subs.byMember[k], sub)
	c.subs.mu.Unlock()

	if !first {
		return nil
	}
	if _, err := c.callRouter(ctx, "AddMatch", matchFor(member)); err != nil {
		c.subs.mu.Lock()
		c.subs.byMember[k] = slices.DeleteFunc(c.subs.byMember[k], func(s *subscription) bool { return s == sub })
		c.subs.mu.Unlock()
		return fmt.Errorf("adding match for %s: %w", member, err)
	}
	return nil
}

// UnregisterSignalHandler removes one registration of handler for
// member made with the same receiver and srcPath. An empty srcPath
// only matches registrations made without a source path.
//
// Removing the last handler of a signal removes its match rule from
// the router.
func (c *Conn) UnregisterSignalHandler(ctx context.Context, receiver any, handler SignalHandler, member *Member, srcPath ObjectPath) error {
	if member == nil {
		return fmt.Errorf("%w: nil member", ErrInvalidArgs)
	}
	path := optionalPath(srcPath)
	k := keyOf(member)

	c.subs.matchMu.Lock()
	defer c.subs.matchMu.Unlock()

	c.subs.mu.Lock()
	subs := c.subs.byMember[k]
	i := slices.IndexFunc(subs, func(s *subscription) bool {
		return s.is(receiver, handler, member, path)
	})
	if i < 0 {
		c.subs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchHandler, member)
	}
	subs = slices.Delete(subs, i, i+1)
	last := len(subs) == 0
	if last {
		delete(c.subs.byMember, k)
	} else {
		c.subs.byMember[k] = subs
	}
	c.subs.mu.Unlock()

	if !last {
		return nil
	}
	return c.removeMatch(ctx, member)
}

// UnregisterAllHandlers removes every signal handler registered with
// receiver.
func (c *Conn) UnregisterAllHandlers(ctx context.Context, receiver any) error {
	if err := checkComparable("receiver", receiver); err != nil {
		return err
	}

	c.subs.matchMu.Lock()
	defer c.subs.matchMu.Unlock()

	var emptied []*Member
	c.subs.mu.Lock()
	for k, subs := range c.subs.byMember {
		member := subs[0].member
		subs = slices.DeleteFunc(subs, func(s *subscription) bool { return s.receiver == receiver })
		if len(subs) == 0 {
			delete(c.subs.byMember, k)
			emptied = append(emptied, member)
		} else {
			c.subs.byMember[k] = subs
		}
	}
	c.subs.mu.Unlock()

	var errs []error
	for _, m := range emptied {
		if err := c.removeMatch(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Conn) removeMatch(ctx context.Context, member *Member) error {
	if _, err := c.callRouter(ctx, "RemoveMatch", matchFor(member)); err != nil {
		return fmt.Errorf("removing match for %s: %w", member, err)
	}
	return nil
}

// deliverSignal calls the handlers subscribed to m. It runs on the
// dispatch goroutine.
func (c *Conn) deliverSignal(m *Message) {
	if m.Expired() {
		c.log.Debug("dropping expired signal", zap.Stringer("msg", m))
		return
	}
	c.subs.mu.Lock()
	subs := slices.Clone(c.subs.byMember[memberKey{m.Interface, m.Member}])
	c.subs.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	ctx := withContextMessage(c.ctx, c, m)
	for _, s := range subs {
		if p, ok := s.path.GetOK(); ok && p != m.Path {
			continue
		}
		if !s.member.Signature.Equal(m.Signature) {
			c.log.Warn("dropping signal with unexpected signature",
				zap.Stringer("msg", m),
				zap.Stringer("want", s.member.Signature))
			return
		}
		c.disp.run(func() { s.handler.HandleSignal(ctx, s.member, m.Path, m) })
	}
}
