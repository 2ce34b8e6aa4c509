package msgbus

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemberAnnotation is a set of flags describing a method or signal.
type MemberAnnotation uint8

const (
	// MemberNoReply marks a method whose callers expect no reply.
	MemberNoReply MemberAnnotation = 1
	// MemberDeprecated marks a member that should be avoided in new
	// code.
	MemberDeprecated MemberAnnotation = 2
)

// PropAccess is the access mode of a property.
type PropAccess uint8

const (
	PropRead      PropAccess = 1
	PropWrite     PropAccess = 2
	PropReadWrite PropAccess = PropRead | PropWrite
)

func (a PropAccess) String() string {
	switch a {
	case PropRead:
		return "read"
	case PropWrite:
		return "write"
	case PropReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// A Member is a method or signal of an interface.
type Member struct {
	// Interface is the interface the member belongs to.
	Interface *InterfaceDescription
	// Type is [MessageMethodCall] for methods and [MessageSignal] for
	// signals.
	Type MessageType
	// Name is the member name.
	Name string
	// Signature is the signature of the method's input arguments, or
	// of the signal's arguments.
	Signature Signature
	// ReturnSignature is the signature of the method's reply. It is
	// empty for signals.
	ReturnSignature Signature
	// ArgNames are the names of the member's arguments, inputs then
	// outputs. Unnamed arguments have an empty name.
	ArgNames []string
	// Annotation are the member's flags.
	Annotation MemberAnnotation
}

func (m *Member) String() string {
	kind := "method"
	if m.Type == MessageSignal {
		kind = "signal"
	}
	ret := fmt.Sprintf("%s %s.%s(%s)", kind, m.Interface.Name(), m.Name, m.Signature)
	if m.Type == MessageMethodCall && !m.ReturnSignature.IsZero() {
		ret += " " + m.ReturnSignature.String()
	}
	return ret
}

// A Property is a named, typed value exposed by an interface.
type Property struct {
	Name      string
	Signature Signature
	Access    PropAccess
}

// An InterfaceDescription is a named set of methods, signals and
// properties.
//
// Interfaces are built with the Add methods, then activated with
// [InterfaceDescription.Activate]. Activated interfaces are immutable
// and may be shared by any number of objects and proxies.
type InterfaceDescription struct {
	name   string
	secure bool

	mu        sync.RWMutex
	activated bool
	members   map[string]*Member
	props     map[string]*Property
}

// NewInterface returns an empty, unactivated interface description.
// Secure interfaces require peer authentication for access.
func NewInterface(name string, secure bool) *InterfaceDescription {
	return &InterfaceDescription{
		name:    name,
		secure:  secure,
		members: map[string]*Member{},
		props:   map[string]*Property{},
	}
}

// Name returns the interface name.
func (d *InterfaceDescription) Name() string { return d.name }

// IsSecure reports whether the interface requires peer
// authentication.
func (d *InterfaceDescription) IsSecure() bool { return d.secure }

// IsActivated reports whether the interface has been activated.
func (d *InterfaceDescription) IsActivated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activated
}

// Activate freezes the interface. Subsequent attempts to add members
// or properties fail with [ErrInterfaceActivated].
func (d *InterfaceDescription) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = true
}

// AddMember adds a method or signal. inSig and outSig may be empty;
// outSig must be empty for signals. argNames is a comma separated
// list of argument names, inputs then outputs.
func (d *InterfaceDescription) AddMember(typ MessageType, name, inSig, outSig, argNames string, annotation MemberAnnotation) error {
	if typ != MessageMethodCall && typ != MessageSignal {
		return fmt.Errorf("member %s: invalid member type %s", name, typ)
	}
	if typ == MessageSignal && outSig != "" {
		return fmt.Errorf("%w: signal %s cannot have return values", ErrMalformedSignature, name)
	}
	if name == "" {
		return fmt.Errorf("%w: empty member name", ErrInvalidArgs)
	}
	in, err := ParseSignature(inSig)
	if err != nil {
		return fmt.Errorf("member %s: %w", name, err)
	}
	out, err := ParseSignature(outSig)
	if err != nil {
		return fmt.Errorf("member %s: %w", name, err)
	}
	var names []string
	if argNames != "" {
		names = strings.Split(argNames, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return fmt.Errorf("%w: cannot add member %s to %s", ErrInterfaceActivated, name, d.name)
	}
	if _, ok := d.members[name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrMemberAlreadyExists, d.name, name)
	}
	d.members[name] = &Member{
		Interface:       d,
		Type:            typ,
		Name:            name,
		Signature:       in,
		ReturnSignature: out,
		ArgNames:        names,
		Annotation:      annotation,
	}
	return nil
}

// AddMethod adds a method.
func (d *InterfaceDescription) AddMethod(name, inSig, outSig, argNames string, annotation MemberAnnotation) error {
	return d.AddMember(MessageMethodCall, name, inSig, outSig, argNames, annotation)
}

// AddSignal adds a signal.
func (d *InterfaceDescription) AddSignal(name, sig, argNames string, annotation MemberAnnotation) error {
	return d.AddMember(MessageSignal, name, sig, "", argNames, annotation)
}

// AddProperty adds a property. sig must be a single complete type.
func (d *InterfaceDescription) AddProperty(name, sig string, access PropAccess) error {
	s, err := ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	if !s.IsCompleteType() {
		return fmt.Errorf("property %s: %w", name, ErrNotACompleteType)
	}
	if access&PropReadWrite == 0 || access&^PropReadWrite != 0 {
		return fmt.Errorf("%w: property %s has invalid access %d", ErrInvalidArgs, name, access)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return fmt.Errorf("%w: cannot add property %s to %s", ErrInterfaceActivated, name, d.name)
	}
	if _, ok := d.props[name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrPropertyAlreadyExists, d.name, name)
	}
	d.props[name] = &Property{name, s, access}
	return nil
}

// Member returns the named member.
func (d *InterfaceDescription) Member(name string) (*Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[name]
	return m, ok
}

// HasMember reports whether the interface has a member with the given
// name and signatures. Empty inSig or outSig match any signature.
func (d *InterfaceDescription) HasMember(name, inSig, outSig string) bool {
	m, ok := d.Member(name)
	if !ok {
		return false
	}
	if inSig != "" && m.Signature.String() != inSig {
		return false
	}
	if outSig != "" && m.ReturnSignature.String() != outSig {
		return false
	}
	return true
}

// Members returns the interface's members, sorted by name.
func (d *InterfaceDescription) Members() []*Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ret := make([]*Member, 0, len(d.members))
	for _, m := range d.members {
		ret = append(ret, m)
	}
	slices.SortFunc(ret, func(a, b *Member) int { return cmp.Compare(a.Name, b.Name) })
	return ret
}

// Property returns the named property.
func (d *InterfaceDescription) Property(name string) (*Property, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.props[name]
	return p, ok
}

// HasProperty reports whether the interface has the named property.
func (d *InterfaceDescription) HasProperty(name string) bool {
	_, ok := d.Property(name)
	return ok
}

// Properties returns the interface's properties, sorted by name.
func (d *InterfaceDescription) Properties() []*Property {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ret := make([]*Property, 0, len(d.props))
	for _, p := range d.props {
		ret = append(ret, p)
	}
	slices.SortFunc(ret, func(a, b *Property) int { return cmp.Compare(a.Name, b.Name) })
	return ret
}

// Equal reports whether d and o describe the same interface.
func (d *InterfaceDescription) Equal(o *InterfaceDescription) bool {
	if d.name != o.name || d.secure != o.secure {
		return false
	}
	dm, om := d.Members(), o.Members()
	if len(dm) != len(om) {
		return false
	}
	for i := range dm {
		a, b := dm[i], om[i]
		if a.Name != b.Name || a.Type != b.Type || !a.Signature.Equal(b.Signature) || !a.ReturnSignature.Equal(b.ReturnSignature) {
			return false
		}
	}
	dp, op := d.Properties(), o.Properties()
	if len(dp) != len(op) {
		return false
	}
	for i := range dp {
		a, b := dp[i], op[i]
		if a.Name != b.Name || a.Access != b.Access || !a.Signature.Equal(b.Signature) {
			return false
		}
	}
	return true
}
