package msgbus

import (
	"fmt"
	"strings"
)

// MessageType is the type of a message.
type MessageType byte

const (
	MessageMethodCall MessageType = iota + 1
	MessageMethodReturn
	MessageError
	MessageSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageMethodCall:
		return "method_call"
	case MessageMethodReturn:
		return "method_return"
	case MessageError:
		return "error"
	case MessageSignal:
		return "signal"
	default:
		return fmt.Sprintf("message_type(%d)", byte(t))
	}
}

// Flags are the message header flags.
type Flags byte

const (
	// FlagNoReplyExpected marks a method call that wants no reply.
	FlagNoReplyExpected Flags = 0x01
	// FlagAutoStart asks the router to start the destination if it
	// is not running.
	FlagAutoStart Flags = 0x02
	// FlagAllowRemote allows the message to be delivered to
	// endpoints on other hosts.
	FlagAllowRemote Flags = 0x04
	// FlagGlobalBroadcast extends a broadcast signal past the local
	// router.
	FlagGlobalBroadcast Flags = 0x20
	// FlagCompressed marks a message whose header is compressed.
	FlagCompressed Flags = 0x40
	// FlagEncrypted marks a message whose body is encrypted.
	FlagEncrypted Flags = 0x80
)

func (f Flags) String() string {
	var ret []string
	for _, fl := range []struct {
		f Flags
		n string
	}{
		{FlagNoReplyExpected, "no_reply"},
		{FlagAutoStart, "auto_start"},
		{FlagAllowRemote, "allow_remote"},
		{FlagGlobalBroadcast, "global_broadcast"},
		{FlagCompressed, "compressed"},
		{FlagEncrypted, "encrypted"},
	} {
		if f&fl.f != 0 {
			ret = append(ret, fl.n)
		}
	}
	return strings.Join(ret, "|")
}

// Header field codes.
const (
	fieldPath             = 1
	fieldInterface        = 2
	fieldMember           = 3
	fieldErrorName        = 4
	fieldReplySerial      = 5
	fieldDestination      = 6
	fieldSender           = 7
	fieldSignature        = 8
	fieldHandles          = 9
	fieldTimestamp        = 0x10
	fieldTimeToLive       = 0x11
	fieldCompressionToken = 0x12
	fieldSessionID        = 0x13
)

// fieldTypes is the required value type of each known header field.
var fieldTypes = map[byte]TypeID{
	fieldPath:             TypeObjectPath,
	fieldInterface:        TypeString,
	fieldMember:           TypeString,
	fieldErrorName:        TypeString,
	fieldReplySerial:      TypeUint32,
	fieldDestination:      TypeString,
	fieldSender:           TypeString,
	fieldSignature:        TypeSignature,
	fieldHandles:          TypeUint32,
	fieldTimestamp:        TypeUint32,
	fieldTimeToLive:       TypeUint16,
	fieldCompressionToken: TypeUint32,
	fieldSessionID:        TypeUint32,
}

// Valid checks that the message header is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch m.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case MessageMethodCall:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case MessageMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case MessageError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return fmt.Errorf("missing required header field ErrorName")
		}
	case MessageSignal:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but must be tolerated
		// and ignored.
	}
	if m.Path != "" && !m.Path.Valid() {
		return fmt.Errorf("invalid object path %q", m.Path)
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MessageMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// IsBroadcastSignal reports whether m is a signal with no specific
// destination.
func (m *Message) IsBroadcastSignal() bool {
	return m.Type == MessageSignal && m.Destination == ""
}

// IsGlobalBroadcast reports whether m is a broadcast signal that
// should propagate past the local router.
func (m *Message) IsGlobalBroadcast() bool {
	return m.IsBroadcastSignal() && m.Flags&FlagGlobalBroadcast != 0
}

// IsEncrypted reports whether m's body is marked as encrypted.
func (m *Message) IsEncrypted() bool {
	return m.Flags&FlagEncrypted != 0
}
