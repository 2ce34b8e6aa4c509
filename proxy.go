package msgbus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ProxyObject is a local handle to an object hosted by a peer.
//
// A ProxyObject knows the interfaces it has been told about, either
// explicitly with AddInterface, or by introspecting the remote
// object. Method calls are checked against these descriptions before
// they are sent.
type ProxyObject struct {
	conn    *Conn
	service string
	path    ObjectPath
	session SessionID

	mu       sync.Mutex
	ifaces   map[string]*InterfaceDescription
	children []string
}

// Proxy returns a proxy for the object at path, hosted by the
// connection owning service. If session is not zero, calls travel in
// that session.
//
// The returned value is a purely local handle. It does not indicate
// that the remote object exists, or that it is currently reachable.
func (c *Conn) Proxy(service string, path ObjectPath, session SessionID) *ProxyObject {
	return &ProxyObject{
		conn:    c,
		service: service,
		path:    path,
		session: session,
		ifaces:  map[string]*InterfaceDescription{},
	}
}

func (p *ProxyObject) Conn() *Conn          { return p.conn }
func (p *ProxyObject) ServiceName() string  { return p.service }
func (p *ProxyObject) Path() ObjectPath     { return p.path }
func (p *ProxyObject) SessionID() SessionID { return p.session }

func (p *ProxyObject) String() string {
	return fmt.Sprintf("%s:%s", p.service, p.path)
}

// AddInterface tells the proxy that the remote object implements
// iface, which must be activated. Adding an interface equal to one
// already known is not an error.
func (p *ProxyObject) AddInterface(iface *InterfaceDescription) error {
	if !iface.IsActivated() {
		return fmt.Errorf("%w: %s", ErrInterfaceNotActivated, iface.Name())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.ifaces[iface.Name()]; ok {
		if prev == iface || prev.Equal(iface) {
			return nil
		}
		return fmt.Errorf("%w: %s with a different definition", ErrInterfaceExists, iface.Name())
	}
	p.ifaces[iface.Name()] = iface
	return nil
}

// AddInterfaceByName is like AddInterface, with an interface known to
// the proxy's Conn.
func (p *ProxyObject) AddInterfaceByName(name string) error {
	iface := p.conn.Interface(name)
	if iface == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	return p.AddInterface(iface)
}

// Interface returns the named interface of the remote object, or nil.
// The standard interfaces are always available.
func (p *ProxyObject) Interface(name string) *InterfaceDescription {
	switch name {
	case PropertiesInterface:
		return propertiesIface
	case IntrospectableInterface:
		return introspectableIface
	case PeerInterface:
		return peerIface
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ifaces[name]
}

// Interfaces returns the interfaces known to the proxy, sorted by
// name.
func (p *ProxyObject) Interfaces() []*InterfaceDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]*InterfaceDescription, 0, len(p.ifaces))
	for _, k := range slices.Sorted(maps.Keys(p.ifaces)) {
		ret = append(ret, p.ifaces[k])
	}
	return ret
}

// ImplementsInterface reports whether the proxy knows the named
// interface.
func (p *ProxyObject) ImplementsInterface(name string) bool {
	return p.Interface(name) != nil
}

// IntrospectRemote fetches the remote object's introspection data,
// and adds the interfaces it describes to the proxy.
func (p *ProxyObject) IntrospectRemote(ctx context.Context, opts ...CallOption) error {
	reply, err := p.MethodCall(ctx, IntrospectableInterface, "Introspect", nil, opts...)
	if err != nil {
		return err
	}
	var doc string
	if err := reply.Unpack("s", &doc); err != nil {
		return err
	}
	desc, err := ParseIntrospection(doc)
	if err != nil {
		return fmt.Errorf("introspecting %s: %w", p, err)
	}
	for _, iface := range desc.Interfaces {
		if _, ok := builtinInterfaces[iface.Name()]; ok {
			continue
		}
		if err := p.AddInterface(iface); err != nil {
			return fmt.Errorf("introspecting %s: %w", p, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = desc.Children
	return nil
}

// Children returns proxies for the child objects found by the last
// IntrospectRemote.
func (p *ProxyObject) Children() []*ProxyObject {
	p.mu.Lock()
	names := slices.Clone(p.children)
	p.mu.Unlock()
	ret := make([]*ProxyObject, 0, len(names))
	for _, n := range names {
		ret = append(ret, p.conn.Proxy(p.service, p.path.Child(n), p.session))
	}
	return ret
}

// newCall builds a call to iface.method, checking args against the
// method's signature.
func (p *ProxyObject) newCall(iface, method string, args []Value) (*Message, *Member, error) {
	id := p.Interface(iface)
	if id == nil {
		return nil, nil, fmt.Errorf("%w: %s not known to proxy %s", ErrUnknownInterface, iface, p)
	}
	member, ok := id.Member(method)
	if !ok || member.Type != MessageMethodCall {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, iface, method)
	}
	sig, err := signatureOfValues(args)
	if err != nil {
		return nil, nil, err
	}
	if !sig.Equal(member.Signature) {
		return nil, nil, fmt.Errorf("%w: %s takes %q, got %q", ErrSignatureMismatch, member, member.Signature, sig)
	}
	return &Message{
		Type:        MessageMethodCall,
		Destination: p.service,
		Path:        p.path,
		Interface:   iface,
		Member:      method,
		SessionID:   p.session,
		Args:        args,
	}, member, nil
}

// MethodCall calls a method on the remote object and waits for the
// reply. If the reply is an error message, it is returned along with
// a [CallError].
func (p *ProxyObject) MethodCall(ctx context.Context, iface, method string, args []Value, opts ...CallOption) (*Message, error) {
	m, member, err := p.newCall(iface, method, args)
	if err != nil {
		return nil, err
	}
	o := p.conn.callOptions(opts)
	m.Flags |= o.flags
	if member.Annotation&MemberNoReply != 0 {
		m.Flags |= FlagNoReplyExpected
	}
	return p.conn.call(ctx, m, o.timeout)
}

// Call is like MethodCall, but builds the arguments from Go values
// according to the method's signature.
func (p *ProxyObject) Call(ctx context.Context, iface, method string, args ...any) (*Message, error) {
	id := p.Interface(iface)
	if id == nil {
		return nil, fmt.Errorf("%w: %s not known to proxy %s", ErrUnknownInterface, iface, p)
	}
	member, ok := id.Member(method)
	if !ok || member.Type != MessageMethodCall {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, iface, method)
	}
	vals, err := BuildArgs(member.Signature.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", member, err)
	}
	return p.MethodCall(ctx, iface, method, vals)
}

// MethodCallAsync calls a method on the remote object, and returns
// without waiting. handler receives the reply, an error reply, a
// timeout or a disconnection, exactly once, on the dispatch
// goroutine.
func (p *ProxyObject) MethodCallAsync(ctx context.Context, iface, method string, args []Value, handler ReplyHandler, opts ...CallOption) error {
	m, _, err := p.newCall(iface, method, args)
	if err != nil {
		return err
	}
	o := p.conn.callOptions(opts)
	m.Flags |= o.flags &^ FlagNoReplyExpected
	return p.conn.callAsync(ctx, m, o.timeout, handler)
}

// MethodCallNoReply calls a method on the remote object, asking for no
// reply.
func (p *ProxyObject) MethodCallNoReply(iface, method string, args []Value, opts ...CallOption) error {
	m, _, err := p.newCall(iface, method, args)
	if err != nil {
		return err
	}
	o := p.conn.callOptions(opts)
	m.Flags |= o.flags | FlagNoReplyExpected
	_, err = p.conn.startCall(m, o.timeout, nil)
	return err
}

// GetProperty returns the value of a property of the remote object.
func (p *ProxyObject) GetProperty(ctx context.Context, iface, property string, opts ...CallOption) (Value, error) {
	reply, err := p.MethodCall(ctx, PropertiesInterface, "Get", []Value{MakeString(iface), MakeString(property)}, opts...)
	if err != nil {
		return Value{}, err
	}
	var v Value
	if err := reply.Unpack("v", &v); err != nil {
		return Value{}, err
	}
	return v.Inner(), nil
}

// SetProperty sets a property of the remote object.
func (p *ProxyObject) SetProperty(ctx context.Context, iface, property string, val Value, opts ...CallOption) error {
	if id := p.Interface(iface); id != nil {
		if prop, ok := id.Property(property); ok && prop.Signature.String() != val.Signature() {
			return fmt.Errorf("%w: property %s.%s is %q, got %q", ErrSignatureMismatch, iface, property, prop.Signature, val.Signature())
		}
	}
	_, err := p.MethodCall(ctx, PropertiesInterface, "Set", []Value{MakeString(iface), MakeString(property), MakeVariant(val)}, opts...)
	return err
}

// GetAllProperties returns the readable properties of one interface
// of the remote object, as a dictionary of type a{sv}.
func (p *ProxyObject) GetAllProperties(ctx context.Context, iface string, opts ...CallOption) (Value, error) {
	reply, err := p.MethodCall(ctx, PropertiesInterface, "GetAll", []Value{MakeString(iface)}, opts...)
	if err != nil {
		return Value{}, err
	}
	var v Value
	if err := reply.Unpack("a{sv}", &v); err != nil {
		return Value{}, err
	}
	return v, nil
}
