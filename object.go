package msgbus

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MethodHandler handles a method call to a BusObject. It replies with
// [BusObject.MethodReply] or one of its variants, either before
// returning or later from another goroutine.
type MethodHandler func(ctx context.Context, member *Member, msg *Message)

// PropertyGetter returns the current value of a property. The value
// must have the property's signature.
type PropertyGetter func(ctx context.Context, iface, property string) (Value, error)

// PropertySetter sets the value of a property. val has the property's
// signature.
type PropertySetter func(ctx context.Context, iface, property string, val Value) error

// MethodEntry pairs a method with its handler, for
// [BusObject.AddMethodHandlers].
type MethodEntry struct {
	Member  *Member
	Handler MethodHandler
}

// BusObject is a local object that peers can call methods on, and
// that emits signals.
//
// Every registered BusObject also implements the standard Properties,
// Introspectable and Peer interfaces.
type BusObject struct {
	path ObjectPath

	mu       sync.Mutex
	conn     *Conn
	ifaces   []*InterfaceDescription
	handlers map[*Member]MethodHandler
	get      PropertyGetter
	set      PropertySetter
}

// NewBusObject returns an object to be registered at path.
func NewBusObject(path ObjectPath) *BusObject {
	return &BusObject{
		path:     path,
		handlers: map[*Member]MethodHandler{},
	}
}

// Path returns the object's path.
func (o *BusObject) Path() ObjectPath { return o.path }

// Conn returns the Conn the object is registered with, or nil.
func (o *BusObject) Conn() *Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

// AddInterface adds an activated interface to the object. Interfaces
// cannot be added once the object is registered.
func (o *BusObject) AddInterface(iface *InterfaceDescription) error {
	if !iface.IsActivated() {
		return fmt.Errorf("%w: %s", ErrInterfaceNotActivated, iface.Name())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		return fmt.Errorf("%w: %s", ErrObjectRegistered, o.path)
	}
	if o.findInterface(iface.Name()) != nil {
		return fmt.Errorf("%w: %s", ErrInterfaceExists, iface.Name())
	}
	o.ifaces = append(o.ifaces, iface)
	slices.SortFunc(o.ifaces, func(a, b *InterfaceDescription) int {
		return cmp.Compare(a.Name(), b.Name())
	})
	return nil
}

// Interfaces returns the interfaces added to the object, sorted by
// name.
func (o *BusObject) Interfaces() []*InterfaceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.ifaces)
}

// ImplementsInterface reports whether the object has the named
// interface.
func (o *BusObject) ImplementsInterface(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.findInterface(name) != nil
}

// findInterface returns the named interface of o, including the
// standard ones. o.mu must be held.
func (o *BusObject) findInterface(name string) *InterfaceDescription {
	for _, iface := range o.ifaces {
		if iface.Name() == name {
			return iface
		}
	}
	switch name {
	case PropertiesInterface:
		return propertiesIface
	case IntrospectableInterface:
		return introspectableIface
	case PeerInterface:
		return peerIface
	}
	return nil
}

// AddMethodHandler sets the handler for member, a method of one of
// the object's interfaces.
func (o *BusObject) AddMethodHandler(member *Member, h MethodHandler) error {
	if member == nil || h == nil {
		return fmt.Errorf("%w: nil member or handler", ErrInvalidArgs)
	}
	if member.Type != MessageMethodCall {
		return fmt.Errorf("%w: %s is not a method", ErrInvalidArgs, member)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !slices.Contains(o.ifaces, member.Interface) {
		return fmt.Errorf("%w: %s not added to object %s", ErrUnknownInterface, member.Interface.Name(), o.path)
	}
	o.handlers[member] = h
	return nil
}

// AddMethodHandlers adds several method handlers at once. No handler
// is added if any entry is invalid.
func (o *BusObject) AddMethodHandlers(entries ...MethodEntry) error {
	o.mu.Lock()
	for _, e := range entries {
		if e.Member == nil || e.Handler == nil || e.Member.Type != MessageMethodCall {
			o.mu.Unlock()
			return fmt.Errorf("%w: invalid method entry %v", ErrInvalidArgs, e.Member)
		}
		if !slices.Contains(o.ifaces, e.Member.Interface) {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s not added to object %s", ErrUnknownInterface, e.Member.Interface.Name(), o.path)
		}
	}
	for _, e := range entries {
		o.handlers[e.Member] = e.Handler
	}
	o.mu.Unlock()
	return nil
}

// SetPropertyHandlers sets the functions that read and write the
// object's properties. Either may be nil, in which case properties
// cannot be read or written respectively.
func (o *BusObject) SetPropertyHandlers(get PropertyGetter, set PropertySetter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.get, o.set = get, set
}

// MethodReply replies to msg with args.
func (o *BusObject) MethodReply(msg *Message, args ...Value) error {
	c := o.Conn()
	if c == nil {
		return fmt.Errorf("%w: %s is not registered", ErrUnknownObject, o.path)
	}
	return c.reply(msg, args...)
}

// MethodReplyError replies to msg with an error.
func (o *BusObject) MethodReplyError(msg *Message, name, description string) error {
	c := o.Conn()
	if c == nil {
		return fmt.Errorf("%w: %s is not registered", ErrUnknownObject, o.path)
	}
	return c.replyError(msg, name, description)
}

// MethodReplyErr replies to msg with an error derived from err. Errors
// of the well-known kinds, such as [ErrInvalidArgs], map to their
// standard error names, and a [CallError] is sent as is.
func (o *BusObject) MethodReplyErr(msg *Message, err error) error {
	name, detail := errorReplyFor(err)
	return o.MethodReplyError(msg, name, detail)
}

// Signal emits the signal member from the object.
//
// An empty dest broadcasts the signal, or sends it to every member of
// session if session is not zero. A non-zero ttl is the signal's time
// to live in milliseconds.
func (o *BusObject) Signal(dest string, session SessionID, member *Member, args []Value, ttl uint16, flags Flags) error {
	if member == nil || member.Type != MessageSignal {
		return fmt.Errorf("%w: %v is not a signal", ErrInvalidArgs, member)
	}
	o.mu.Lock()
	c := o.conn
	known := member.Interface == o.findInterface(member.Interface.Name())
	o.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s is not registered", ErrUnknownObject, o.path)
	}
	if !known {
		return fmt.Errorf("%w: %s not added to object %s", ErrUnknownInterface, member.Interface.Name(), o.path)
	}
	sig, err := signatureOfValues(args)
	if err != nil {
		return err
	}
	if !sig.Equal(member.Signature) {
		return fmt.Errorf("%w: %s takes %q, got %q", ErrSignatureMismatch, member, member.Signature, sig)
	}
	return c.send(&Message{
		Type:        MessageSignal,
		Flags:       flags,
		Path:        o.path,
		Interface:   member.Interface.Name(),
		Member:      member.Name,
		Destination: dest,
		SessionID:   session,
		TTL:         ttl,
		Args:        args,
	})
}

// EmitPropertyChanged broadcasts a PropertiesChanged signal for one
// property of the object.
func (o *BusObject) EmitPropertyChanged(iface, property string, val Value, session SessionID) error {
	o.mu.Lock()
	id := o.findInterface(iface)
	o.mu.Unlock()
	if id == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
	prop, ok := id.Property(property)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, iface, property)
	}
	if got := val.Signature(); got != prop.Signature.String() {
		return fmt.Errorf("%w: property %s.%s is %q, got %q", ErrSignatureMismatch, iface, property, prop.Signature, got)
	}
	entry, err := MakeDictEntry(MakeString(property), MakeVariant(val))
	if err != nil {
		return err
	}
	changed, err := MakeArray("{sv}", []Value{entry})
	if err != nil {
		return err
	}
	invalidated, err := MakeArray("s", nil)
	if err != nil {
		return err
	}
	member, _ := propertiesIface.Member("PropertiesChanged")
	return o.Signal("", session, member, []Value{MakeString(iface), changed, invalidated}, 0, 0)
}

// RegisterBusObject makes obj reachable by peers at its path.
func (c *Conn) RegisterBusObject(obj *BusObject) error {
	if err := obj.path.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[obj.path]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, obj.path)
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.conn != nil {
		return fmt.Errorf("%w: %s", ErrObjectRegistered, obj.path)
	}
	obj.conn = c
	c.objects[obj.path] = obj
	return nil
}

// UnregisterBusObject removes obj from the connection. Calls to its
// path then fail with UnknownObject.
func (c *Conn) UnregisterBusObject(obj *BusObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objects[obj.path] != obj {
		return fmt.Errorf("%w: %s", ErrUnknownObject, obj.path)
	}
	delete(c.objects, obj.path)
	obj.mu.Lock()
	obj.conn = nil
	obj.mu.Unlock()
	return nil
}

// children returns the names of the nodes directly below path that
// lead to registered objects. c.mu must be held.
func (c *Conn) children(path ObjectPath) []string {
	var ret []string
	for p := range c.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := strings.TrimPrefix(string(p), string(path))
		rest = strings.TrimPrefix(rest, "/")
		name, _, _ := strings.Cut(rest, "/")
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// handleCall dispatches an inbound method call. It runs on the
// dispatch goroutine.
func (c *Conn) handleCall(m *Message) {
	ctx := withContextMessage(c.ctx, c, m)
	switch m.Interface {
	case PeerSessionInterface:
		if m.Sender != RouterName {
			c.replyError(m, ErrorNameAccessDenied, "session requests must come from the router")
			return
		}
		if m.Member == "AcceptSession" {
			c.handleAcceptSession(ctx, m)
			return
		}
	case PeerAuthInterface:
		c.handleAuthCall(ctx, m)
		return
	case PeerInterface:
		c.handlePeerCall(m)
		return
	}

	c.mu.Lock()
	obj := c.objects[m.Path]
	children := c.children(m.Path)
	c.mu.Unlock()
	if obj == nil {
		if len(children) > 0 && m.Interface == IntrospectableInterface && m.Member == "Introspect" {
			// A path with registered descendants is an empty node.
			c.reply(m, MakeString(introspectNode(nil, children)))
			return
		}
		c.replyError(m, ErrorNameUnknownObject, fmt.Sprintf("no object at path %s", m.Path))
		return
	}
	obj.dispatch(ctx, c, m, children)
}

func (c *Conn) handlePeerCall(m *Message) {
	switch m.Member {
	case "Ping":
		c.reply(m)
	case "GetMachineId":
		c.reply(m, MakeString(machineID()))
	default:
		c.replyError(m, ErrorNameUnknownMethod, fmt.Sprintf("no method %s.%s", m.Interface, m.Member))
	}
}

// lookup finds the method called by m, and the interface that
// declares it.
func (o *BusObject) lookup(m *Message) (*Member, MethodHandler, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var member *Member
	if m.Interface != "" {
		iface := o.findInterface(m.Interface)
		if iface == nil {
			return nil, nil, ErrorNameUnknownInterface, fmt.Errorf("object %s has no interface %s", o.path, m.Interface)
		}
		mem, ok := iface.Member(m.Member)
		if !ok || mem.Type != MessageMethodCall {
			return nil, nil, ErrorNameUnknownMethod, fmt.Errorf("no method %s.%s", m.Interface, m.Member)
		}
		member = mem
	} else {
		for _, iface := range append(slices.Clone(o.ifaces), propertiesIface, introspectableIface, peerIface) {
			if mem, ok := iface.Member(m.Member); ok && mem.Type == MessageMethodCall {
				member = mem
				break
			}
		}
		if member == nil {
			return nil, nil, ErrorNameUnknownMethod, fmt.Errorf("object %s has no method %s", o.path, m.Member)
		}
	}
	if !member.Signature.Equal(m.Signature) {
		return nil, nil, ErrorNameInvalidArgs, fmt.Errorf("%s takes %q, got %q", member, member.Signature, m.Signature)
	}
	return member, o.handlers[member], "", nil
}

func (o *BusObject) dispatch(ctx context.Context, c *Conn, m *Message, children []string) {
	member, handler, errName, err := o.lookup(m)
	if err != nil {
		c.replyError(m, errName, err.Error())
		return
	}
	if member.Interface.IsSecure() && !c.isAuthenticated(m.Sender) {
		c.replyError(m, ErrorNameSecurity, fmt.Sprintf("%s requires an authenticated peer", member.Interface.Name()))
		return
	}

	switch member.Interface {
	case propertiesIface:
		o.handleProperties(ctx, c, member, m)
		return
	case introspectableIface:
		c.reply(m, MakeString(introspectNode(o.introspectInterfaces(), children)))
		return
	case peerIface:
		c.handlePeerCall(m)
		return
	}

	if handler == nil {
		c.replyError(m, ErrorNameUnknownMethod, fmt.Sprintf("no handler for %s", member))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered panic in method handler",
				zap.Stringer("member", member),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			if !m.replied.Load() {
				c.replyError(m, ErrorNameFailed, fmt.Sprintf("method handler panicked: %v", r))
			}
		}
	}()
	handler(ctx, member, m)
}

func (o *BusObject) introspectInterfaces() []*InterfaceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	ret := append(slices.Clone(o.ifaces), propertiesIface, introspectableIface, peerIface)
	slices.SortFunc(ret, func(a, b *InterfaceDescription) int {
		return cmp.Compare(a.Name(), b.Name())
	})
	return ret
}

func (o *BusObject) handleProperties(ctx context.Context, c *Conn, member *Member, m *Message) {
	fail := func(name string, format string, args ...any) {
		c.replyError(m, name, fmt.Sprintf(format, args...))
	}

	var ifaceName string
	if err := m.Arg(0).Get("s", &ifaceName); err != nil {
		fail(ErrorNameInvalidArgs, "%v", err)
		return
	}
	o.mu.Lock()
	iface := o.findInterface(ifaceName)
	get, set := o.get, o.set
	o.mu.Unlock()
	if iface == nil {
		fail(ErrorNameUnknownInterface, "object %s has no interface %s", o.path, ifaceName)
		return
	}
	if iface.IsSecure() && !c.isAuthenticated(m.Sender) {
		fail(ErrorNameSecurity, "%s requires an authenticated peer", ifaceName)
		return
	}

	read := func(prop *Property) (Value, bool) {
		if get == nil {
			fail(ErrorNameAccessDenied, "property %s.%s is not readable", ifaceName, prop.Name)
			return Value{}, false
		}
		v, err := get(ctx, ifaceName, prop.Name)
		if err != nil {
			name, detail := errorReplyFor(err)
			fail(name, "%s", detail)
			return Value{}, false
		}
		if got := v.Signature(); got != prop.Signature.String() {
			fail(ErrorNameFailed, "property %s.%s getter returned %q, want %q", ifaceName, prop.Name, got, prop.Signature)
			return Value{}, false
		}
		return v, true
	}

	switch member.Name {
	case "Get":
		var name string
		if err := m.Arg(1).Get("s", &name); err != nil {
			fail(ErrorNameInvalidArgs, "%v", err)
			return
		}
		prop, ok := iface.Property(name)
		if !ok {
			fail(ErrorNameUnknownProperty, "no property %s.%s", ifaceName, name)
			return
		}
		if prop.Access&PropRead == 0 {
			fail(ErrorNameAccessDenied, "property %s.%s is write only", ifaceName, name)
			return
		}
		v, ok := read(prop)
		if !ok {
			return
		}
		c.reply(m, MakeVariant(v))
	case "Set":
		var name string
		if err := m.Arg(1).Get("s", &name); err != nil {
			fail(ErrorNameInvalidArgs, "%v", err)
			return
		}
		prop, ok := iface.Property(name)
		if !ok {
			fail(ErrorNameUnknownProperty, "no property %s.%s", ifaceName, name)
			return
		}
		if prop.Access&PropWrite == 0 || set == nil {
			fail(ErrorNameAccessDenied, "property %s.%s is read only", ifaceName, name)
			return
		}
		v := m.Arg(2).Inner()
		if got := v.Signature(); got != prop.Signature.String() {
			fail(ErrorNameInvalidArgs, "property %s.%s is %q, got %q", ifaceName, name, prop.Signature, got)
			return
		}
		v.Stabilize()
		if err := set(ctx, ifaceName, name, v); err != nil {
			name, detail := errorReplyFor(err)
			fail(name, "%s", detail)
			return
		}
		c.reply(m)
	case "GetAll":
		var entries []Value
		for _, prop := range iface.Properties() {
			if prop.Access&PropRead == 0 {
				continue
			}
			v, ok := read(prop)
			if !ok {
				return
			}
			e, err := MakeDictEntry(MakeString(prop.Name), MakeVariant(v))
			if err != nil {
				fail(ErrorNameFailed, "%v", err)
				return
			}
			entries = append(entries, e)
		}
		all, err := MakeArray("{sv}", entries)
		if err != nil {
			fail(ErrorNameFailed, "%v", err)
			return
		}
		c.reply(m, all)
	}
}
