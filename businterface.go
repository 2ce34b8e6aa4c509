package msgbus

import "fmt"

// The router's bus name, object path and interface.
const (
	RouterName      = "org.alljoyn.Bus"
	RouterPath      = ObjectPath("/org/alljoyn/Bus")
	RouterInterface = "org.alljoyn.Bus"
)

// Interfaces implemented by every registered BusObject.
const (
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface          = "org.freedesktop.DBus.Peer"
)

// Interfaces a Conn implements at "/" on behalf of the session
// machinery.
const (
	PeerSessionInterface = "org.alljoyn.Bus.Peer.Session"
	PeerAuthInterface    = "org.alljoyn.Bus.Peer.Authentication"
)

// sessionOptsSig is the wire signature of SessionOpts.
const sessionOptsSig = "(ybyq)"

type memberDef struct {
	typ                 MessageType
	name, in, out, args string
}

func mustInterface(name string, defs []memberDef) *InterfaceDescription {
	ret := NewInterface(name, false)
	for _, d := range defs {
		if err := ret.AddMember(d.typ, d.name, d.in, d.out, d.args, 0); err != nil {
			panic(fmt.Sprintf("defining %s: %v", name, err))
		}
	}
	ret.Activate()
	return ret
}

const (
	defCall   = MessageMethodCall
	defSignal = MessageSignal
)

var routerIface = mustInterface(RouterInterface, []memberDef{
	{defCall, "Hello", "", "ss", "unique,guid"},
	{defCall, "RequestName", "su", "u", "name,flags,disposition"},
	{defCall, "ReleaseName", "s", "u", "name,disposition"},
	{defCall, "NameHasOwner", "s", "b", "name,hasOwner"},
	{defCall, "ListNames", "", "as", "names"},
	{defCall, "GetNameOwner", "s", "s", "name,owner"},
	{defCall, "AddMatch", "s", "", "rule"},
	{defCall, "RemoveMatch", "s", "", "rule"},
	{defCall, "AdvertiseName", "sq", "u", "name,transports,disposition"},
	{defCall, "CancelAdvertiseName", "sq", "u", "name,transports,disposition"},
	{defCall, "FindAdvertisedName", "s", "u", "prefix,disposition"},
	{defCall, "CancelFindAdvertisedName", "s", "u", "prefix,disposition"},
	{defCall, "BindSessionPort", "q" + sessionOptsSig, "uq", "port,opts,disposition,port"},
	{defCall, "UnbindSessionPort", "q", "u", "port,disposition"},
	{defCall, "JoinSession", "sq" + sessionOptsSig, "uu" + sessionOptsSig, "host,port,opts,disposition,id,opts"},
	{defCall, "LeaveSession", "u", "u", "id,disposition"},
	{defSignal, "NameOwnerChanged", "sss", "", "name,oldOwner,newOwner"},
	{defSignal, "FoundAdvertisedName", "sqs", "", "name,transport,prefix"},
	{defSignal, "LostAdvertisedName", "sqs", "", "name,transport,prefix"},
	{defSignal, "SessionLost", "uu", "", "id,reason"},
	{defSignal, "SessionJoined", "qus", "", "port,id,joiner"},
	{defSignal, "MPSessionChanged", "usb", "", "id,member,added"},
})

var propertiesIface = mustInterface(PropertiesInterface, []memberDef{
	{defCall, "Get", "ss", "v", "interface,property,value"},
	{defCall, "Set", "ssv", "", "interface,property,value"},
	{defCall, "GetAll", "s", "a{sv}", "interface,values"},
	{defSignal, "PropertiesChanged", "sa{sv}as", "", "interface,changed,invalidated"},
})

var introspectableIface = mustInterface(IntrospectableInterface, []memberDef{
	{defCall, "Introspect", "", "s", "data"},
})

var peerIface = mustInterface(PeerInterface, []memberDef{
	{defCall, "Ping", "", "", ""},
	{defCall, "GetMachineId", "", "s", "machineID"},
})

var peerSessionIface = mustInterface(PeerSessionInterface, []memberDef{
	{defCall, "AcceptSession", "qus" + sessionOptsSig, "b", "port,id,joiner,opts,accept"},
})

var peerAuthIface = mustInterface(PeerAuthInterface, []memberDef{
	{defCall, "AuthChallenge", "ssay", "sayaysb", "mechanism,guid,nonce,guid,nonce,proof,user,cached"},
	{defCall, "AuthComplete", "sbay", "b", "mechanism,success,proof,ok"},
})

// builtinInterfaces are the interfaces every Conn knows by name.
var builtinInterfaces = map[string]*InterfaceDescription{
	RouterInterface:         routerIface,
	PropertiesInterface:     propertiesIface,
	IntrospectableInterface: introspectableIface,
	PeerInterface:           peerIface,
	PeerSessionInterface:    peerSessionIface,
	PeerAuthInterface:       peerAuthIface,
}

// RouterInterfaceDescription returns the description of the router's
// bus interface.
func RouterInterfaceDescription() *InterfaceDescription { return routerIface }

// PeerSessionInterfaceDescription returns the description of the
// interface through which the router asks a session host to accept a
// joiner.
func PeerSessionInterfaceDescription() *InterfaceDescription { return peerSessionIface }

// RequestName flags.
type NameRequestFlags uint32

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// Reply codes of RequestName.
const (
	RequestNamePrimaryOwner uint32 = 1
	RequestNameInQueue      uint32 = 2
	RequestNameExists       uint32 = 3
	RequestNameAlreadyOwner uint32 = 4
)

// Reply codes of ReleaseName.
const (
	ReleaseNameReleased    uint32 = 1
	ReleaseNameNonExistent uint32 = 2
	ReleaseNameNotOwner    uint32 = 3
)

// Reply codes shared by the advertisement, discovery and session port
// methods.
const (
	ReplySuccess        uint32 = 1
	ReplyAlreadyExists  uint32 = 2
	ReplyFailed         uint32 = 3
	ReplyNoSuchResource uint32 = 4
)

// JoinSessionReply is the disposition returned by the router's
// JoinSession method.
type JoinSessionReply uint32

const (
	JoinSuccess        JoinSessionReply = 1
	JoinNoSession      JoinSessionReply = 2
	JoinUnreachable    JoinSessionReply = 3
	JoinConnectFailed  JoinSessionReply = 4
	JoinRejected       JoinSessionReply = 5
	JoinBadSessionOpts JoinSessionReply = 6
	JoinAlreadyJoined  JoinSessionReply = 7
	JoinFailed         JoinSessionReply = 8
	JoinAuthFailed     JoinSessionReply = 9
)

// Err returns the error corresponding to the disposition, or nil for
// JoinSuccess.
func (r JoinSessionReply) Err() error {
	switch r {
	case JoinSuccess:
		return nil
	case JoinNoSession:
		return ErrNoSession
	case JoinUnreachable, JoinConnectFailed:
		return fmt.Errorf("%w: session host unreachable", ErrServiceUnknown)
	case JoinRejected:
		return ErrJoinRejected
	case JoinBadSessionOpts:
		return ErrSessionOptsIncompatible
	case JoinAlreadyJoined:
		return ErrAlreadyJoined
	case JoinAuthFailed:
		return ErrAuthenticationFailed
	default:
		return fmt.Errorf("join session failed with disposition %d", uint32(r))
	}
}
