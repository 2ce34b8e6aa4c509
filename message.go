package msgbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/danderson/msgbus/fragments"
)

// MaxMessageSize is the largest encoded message accepted or produced.
const MaxMessageSize = 1 << 17

// protocolVersion is the only supported wire protocol version.
const protocolVersion = 1

// fixedHeaderLen is the length of the fixed part of the header, up to
// and including the length of the header field array.
const fixedHeaderLen = 16

var defaultBigEndian = atomic.NewBool(fragments.NativeEndian.Flag() == 'B')

// SetDefaultByteOrder sets the byte order used to encode outgoing
// messages, process wide. The default is the machine's native order.
func SetDefaultByteOrder(order fragments.ByteOrder) {
	defaultBigEndian.Store(order.Flag() == 'B')
}

// DefaultByteOrder returns the byte order used to encode outgoing
// messages.
func DefaultByteOrder() fragments.ByteOrder {
	if defaultBigEndian.Load() {
		return fragments.BigEndian
	}
	return fragments.LittleEndian
}

// A Message is a single unit of communication on the bus: a method
// call, method return, error or signal.
type Message struct {
	Type   MessageType
	Flags  Flags
	Serial uint32

	// Path is the target object of a call, or the emitting object of
	// a signal.
	Path ObjectPath
	// Interface is the interface of the called method or emitted
	// signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrorName is the name of the error carried by an error reply.
	ErrorName string
	// ReplySerial is the serial of the call that a return or error
	// replies to.
	ReplySerial uint32
	// Destination is the bus name the message is sent to. It is
	// empty for broadcast signals.
	Destination string
	// Sender is the unique name of the sending connection. The router
	// sets it.
	Sender string
	// Signature is the signature of Args. It is computed when
	// marshaling.
	Signature Signature
	// SessionID is the session the message travels in, or 0.
	SessionID SessionID
	// CompressionToken identifies a compressed header.
	CompressionToken uint32
	// Timestamp is the sender's clock in milliseconds, modulo 2^32,
	// when the message was created.
	Timestamp uint32
	// TTL is the message's time to live in milliseconds. Zero means
	// the message never expires.
	TTL uint16

	// Args is the message body.
	Args []Value

	// created is the local time the message was created or its
	// creation time as reconstructed from Timestamp.
	created time.Time
	// order is the byte order the message was decoded with.
	order fragments.ByteOrder
	// replied is set once a reply to this method call has been sent.
	replied atomic.Bool
}

// Arg returns the i-th argument of m, or an invalid Value if there is
// no such argument.
func (m *Message) Arg(i int) Value {
	if i < 0 || i >= len(m.Args) {
		return Value{}
	}
	return m.Args[i]
}

// Unpack unpacks m's arguments, which must have signature sig, into
// outs. See [Unpack].
func (m *Message) Unpack(sig string, outs ...any) error {
	return Unpack(m.Args, sig, outs...)
}

// ErrorInfo returns the error name and human readable description
// carried by an error message.
func (m *Message) ErrorInfo() (name, detail string) {
	if m.Type != MessageError {
		return "", ""
	}
	if len(m.Args) > 0 && m.Args[0].typ == TypeString {
		detail = m.Args[0].str
	}
	return m.ErrorName, detail
}

// Err returns the CallError carried by an error message, or nil.
func (m *Message) Err() error {
	if m.Type != MessageError {
		return nil
	}
	name, detail := m.ErrorInfo()
	return CallError{name, detail}
}

// ByteOrder returns the byte order m was decoded with, or the default
// byte order for locally created messages.
func (m *Message) ByteOrder() fragments.ByteOrder {
	if m.order == nil {
		return DefaultByteOrder()
	}
	return m.order
}

// Created returns the time m was created.
func (m *Message) Created() time.Time { return m.created }

// Expired reports whether m's time to live has elapsed.
func (m *Message) Expired() bool {
	return m.expiredAt(time.Now())
}

func (m *Message) expiredAt(now time.Time) bool {
	if m.TTL == 0 || m.created.IsZero() {
		return false
	}
	return now.After(m.created.Add(time.Duration(m.TTL) * time.Millisecond))
}

// String returns a one line description of m.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Type, m.Serial)
	if m.Flags != 0 {
		fmt.Fprintf(&b, " flags=%s", m.Flags)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " dest=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Interface != "" || m.Member != "" {
		fmt.Fprintf(&b, " member=%s.%s", m.Interface, m.Member)
	}
	if m.ErrorName != "" {
		fmt.Fprintf(&b, " error=%s", m.ErrorName)
	}
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.ReplySerial)
	}
	if m.SessionID != 0 {
		fmt.Fprintf(&b, " session=%d", m.SessionID)
	}
	if !m.Signature.IsZero() {
		fmt.Fprintf(&b, " sig=%s", m.Signature)
	}
	return b.String()
}

func unixMillis32(t time.Time) uint32 {
	return uint32(t.UnixMilli())
}

// creationTime reconstructs the creation time of a message from its
// 32-bit millisecond timestamp. Timestamps that appear to be in the
// future, or further back than 2^31ms, are treated as now.
func creationTime(ts uint32, now time.Time) time.Time {
	age := unixMillis32(now) - ts
	if age > 1<<31 {
		return now
	}
	return now.Add(-time.Duration(age) * time.Millisecond)
}

// Marshal encodes m into its wire format with the given byte order.
//
// The body signature is computed from m.Args. If m.Signature is set
// and disagrees with the arguments, Marshal fails with
// [ErrBadBodySignature].
func (m *Message) Marshal(order fragments.ByteOrder) ([]byte, error) {
	e := fragments.Encoder{Order: order}
	if err := m.encode(&e); err != nil {
		return nil, err
	}
	return e.Out, nil
}

func (m *Message) encode(e *fragments.Encoder) error {
	sig, err := signatureOfValues(m.Args)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadBodySignature, err)
	}
	if !m.Signature.IsZero() && !m.Signature.Equal(sig) {
		return fmt.Errorf("%w: header says %q, arguments are %q", ErrBadBodySignature, m.Signature, sig)
	}
	m.Signature = sig
	if err := m.Valid(); err != nil {
		return err
	}
	if m.created.IsZero() {
		m.created = time.Now()
	}
	if m.TTL != 0 && m.Timestamp == 0 {
		m.Timestamp = unixMillis32(m.created)
	}

	e.ByteOrderFlag()
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protocolVersion)
	lenOffset := len(e.Out)
	e.Uint32(0)
	e.Uint32(m.Serial)

	err = e.Array(8, func() error {
		field := func(code byte, v Value) error {
			return e.Struct(func() error {
				e.Uint8(code)
				return encodeValue(e, MakeVariant(v))
			})
		}
		var errs []error
		addStr := func(code byte, s string) {
			if s != "" {
				errs = append(errs, field(code, MakeString(s)))
			}
		}
		addU32 := func(code byte, u uint32) {
			if u != 0 {
				errs = append(errs, field(code, MakeUint32(u)))
			}
		}
		if m.Path != "" {
			errs = append(errs, field(fieldPath, MakeObjectPath(m.Path)))
		}
		addStr(fieldInterface, m.Interface)
		addStr(fieldMember, m.Member)
		addStr(fieldErrorName, m.ErrorName)
		addU32(fieldReplySerial, m.ReplySerial)
		addStr(fieldDestination, m.Destination)
		addStr(fieldSender, m.Sender)
		if !sig.IsZero() {
			errs = append(errs, field(fieldSignature, MakeSignature(sig)))
		}
		addU32(fieldTimestamp, m.Timestamp)
		if m.TTL != 0 {
			errs = append(errs, field(fieldTimeToLive, MakeUint16(m.TTL)))
		}
		addU32(fieldCompressionToken, m.CompressionToken)
		addU32(fieldSessionID, uint32(m.SessionID))
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.Pad(8)
	bodyStart := len(e.Out)
	for i, arg := range m.Args {
		if err := encodeValue(e, arg); err != nil {
			return fmt.Errorf("encoding argument %d: %w", i, err)
		}
	}
	e.Order.PutUint32(e.Out[lenOffset:], uint32(len(e.Out)-bodyStart))

	if len(e.Out) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(e.Out))
	}
	return nil
}

var variantShape = MustParseSignature("v").shapes[0]

// UnmarshalMessage decodes a complete message. The byte order is
// detected from the message's byte order flag.
func UnmarshalMessage(bs []byte) (*Message, error) {
	return unmarshalMessage(bs, time.Now())
}

func unmarshalMessage(bs []byte, now time.Time) (*Message, error) {
	if len(bs) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(bs))
	}
	if len(bs) < fixedHeaderLen {
		return nil, fmt.Errorf("%w: short header", ErrCorruptMessage)
	}
	corrupt := func(err error) error {
		return fmt.Errorf("%w: %w", ErrCorruptMessage, err)
	}

	d := fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, corrupt(err)
	}
	var m Message
	m.order = d.Order
	typ, _ := d.Uint8()
	flags, _ := d.Uint8()
	version, _ := d.Uint8()
	if version != protocolVersion {
		return nil, corrupt(fmt.Errorf("unsupported protocol version %d", version))
	}
	m.Type, m.Flags = MessageType(typ), Flags(flags)
	bodyLen, _ := d.Uint32()
	m.Serial, _ = d.Uint32()

	_, err := d.Array(8, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := decodeValue(&d, variantShape, 0)
			if err != nil {
				return err
			}
			return m.setField(code, v.Inner())
		})
	})
	if err != nil {
		return nil, corrupt(err)
	}
	if err := d.Pad(8); err != nil {
		return nil, corrupt(err)
	}
	if d.Remaining() != int(bodyLen) {
		return nil, corrupt(fmt.Errorf("body length %d does not match remaining %d bytes", bodyLen, d.Remaining()))
	}

	if m.Signature.IsZero() && bodyLen > 0 {
		return nil, fmt.Errorf("%w: %d body bytes without a signature", ErrBadBodySignature, bodyLen)
	}
	for _, sh := range m.Signature.Shapes() {
		v, err := decodeValue(&d, sh, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: body does not match signature %q: %w", ErrBadBodySignature, m.Signature, err)
		}
		m.Args = append(m.Args, v)
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing body bytes after signature %q", ErrBadBodySignature, d.Remaining(), m.Signature)
	}

	if err := m.Valid(); err != nil {
		return nil, corrupt(err)
	}
	if m.TTL != 0 && m.Timestamp != 0 {
		m.created = creationTime(m.Timestamp, now)
	} else {
		m.created = now
	}
	return &m, nil
}

func (m *Message) setField(code byte, v Value) error {
	want, known := fieldTypes[code]
	if !known {
		// Unknown fields must be ignored.
		return nil
	}
	if v.typ != want {
		return fmt.Errorf("header field %d has type %s, want %s", code, v.typ, want)
	}
	switch code {
	case fieldPath:
		m.Path = ObjectPath(v.str)
	case fieldInterface:
		m.Interface = v.str
	case fieldMember:
		m.Member = v.str
	case fieldErrorName:
		m.ErrorName = v.str
	case fieldReplySerial:
		m.ReplySerial = uint32(v.bits)
	case fieldDestination:
		m.Destination = v.str
	case fieldSender:
		m.Sender = v.str
	case fieldSignature:
		sig, err := ParseSignature(v.str)
		if err != nil {
			return err
		}
		m.Signature = sig
	case fieldTimestamp:
		m.Timestamp = uint32(v.bits)
	case fieldTimeToLive:
		m.TTL = uint16(v.bits)
	case fieldCompressionToken:
		m.CompressionToken = uint32(v.bits)
	case fieldSessionID:
		m.SessionID = SessionID(v.bits)
	}
	return nil
}

// ErrFraming marks read errors after which the message boundaries of
// a stream are lost.
var ErrFraming = errors.New("framing error")

// ReadMessage reads one complete message from r.
//
// If the message is read in full but fails to decode, the stream
// remains usable and the next message can be read.
func ReadMessage(r io.Reader) (*Message, error) {
	var fixed [fixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch fixed[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: %w: unknown byte order flag %q", ErrFraming, ErrCorruptMessage, fixed[0])
	}
	bodyLen := int64(order.Uint32(fixed[4:8]))
	fieldsLen := int64(order.Uint32(fixed[12:16]))
	headerLen := fixedHeaderLen + fieldsLen
	if pad := headerLen % 8; pad != 0 {
		headerLen += 8 - pad
	}
	total := headerLen + bodyLen
	if total > MaxMessageSize {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrFraming, ErrMessageTooLarge, total)
	}
	bs := make([]byte, total)
	copy(bs, fixed[:])
	if _, err := io.ReadFull(r, bs[fixedHeaderLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return UnmarshalMessage(bs)
}
