package msgbus

import (
	"errors"
	"fmt"
	"reflect"
)

// Error kinds. Errors returned by this package wrap one of these, test
// for them with [errors.Is].
var (
	ErrMalformedSignature    = errors.New("malformed signature")
	ErrSignatureMismatch     = errors.New("signature mismatch")
	ErrNotACompleteType      = errors.New("signature is not a single complete type")
	ErrBadBodySignature      = errors.New("body signature does not match arguments")
	ErrCorruptMessage        = errors.New("corrupt message")
	ErrMessageTooLarge       = errors.New("message too large")
	ErrMemberAlreadyExists   = errors.New("member already exists")
	ErrPropertyAlreadyExists = errors.New("property already exists")
	ErrInterfaceExists       = errors.New("interface already exists")
	ErrInterfaceActivated    = errors.New("interface is activated")
	ErrInterfaceNotActivated = errors.New("interface is not activated")
	ErrUnknownObject         = errors.New("unknown object")
	ErrUnknownInterface      = errors.New("unknown interface")
	ErrUnknownMethod         = errors.New("unknown method")
	ErrUnknownProperty       = errors.New("unknown property")
	ErrAccessDenied          = errors.New("access denied")
	ErrInvalidArgs           = errors.New("invalid arguments")
	ErrServiceUnknown        = errors.New("service unknown")
	ErrObjectExists          = errors.New("object already registered")
	ErrObjectRegistered      = errors.New("object is registered")
	ErrTimeout               = errors.New("timed out waiting for reply")
	ErrDisconnected          = errors.New("disconnected")
	ErrAlreadyReplied        = errors.New("method call already replied to")
	ErrReplyIsErrorMessage   = errors.New("reply is an error message")
	ErrElementNotFound       = errors.New("element not found")
	ErrNotADictionary        = errors.New("value is not a dictionary")
	ErrNoSuchHandler         = errors.New("no matching signal handler")
	ErrAuthenticationFailed  = errors.New("authentication failed")

	ErrNoSession               = errors.New("no such session")
	ErrSessionOptsIncompatible = errors.New("incompatible session options")
	ErrJoinRejected            = errors.New("session join rejected")
	ErrAlreadyJoined           = errors.New("already joined session")
	ErrSessionPortInUse        = errors.New("session port already bound")
)

// Well-known error names carried in error replies.
const (
	ErrorNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrorNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrorNameAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNameTimeout          = "org.alljoyn.Bus.Timeout"
	ErrorNameSecurity         = "org.alljoyn.Bus.SecurityViolation"
	ErrorNameStatus           = "org.alljoyn.Bus.ErStatus"
)

var errorNameKinds = map[string]error{
	ErrorNameUnknownObject:    ErrUnknownObject,
	ErrorNameUnknownInterface: ErrUnknownInterface,
	ErrorNameUnknownMethod:    ErrUnknownMethod,
	ErrorNameUnknownProperty:  ErrUnknownProperty,
	ErrorNameAccessDenied:     ErrAccessDenied,
	ErrorNameInvalidArgs:      ErrInvalidArgs,
	ErrorNameServiceUnknown:   ErrServiceUnknown,
	ErrorNameTimeout:          ErrTimeout,
	ErrorNameSecurity:         ErrAuthenticationFailed,
}

// TypeError is the error returned when a Go type cannot be
// represented in the wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("msgbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func (e TypeError) Is(target error) bool {
	return target == ErrSignatureMismatch
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned when a method call gets an error
// reply.
//
// A CallError matches [ErrReplyIsErrorMessage] with [errors.Is], and
// also the more specific error kind for well-known error names, for
// example [ErrUnknownMethod].
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

func (e CallError) Is(target error) bool {
	if target == ErrReplyIsErrorMessage {
		return true
	}
	kind, ok := errorNameKinds[e.Name]
	return ok && kind == target
}

// errorReplyFor returns the error name and description to send in
// reply to a method call that failed with err.
func errorReplyFor(err error) (name, detail string) {
	var ce CallError
	if errors.As(err, &ce) {
		return ce.Name, ce.Detail
	}
	for name, kind := range errorNameKinds {
		if errors.Is(err, kind) {
			return name, err.Error()
		}
	}
	return ErrorNameFailed, err.Error()
}
