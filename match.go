package msgbus

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// MatchRule is a filter over messages, used to subscribe to broadcast
// signals at the router.
//
// The zero MatchRule matches every message.
type MatchRule struct {
	typ           value.Maybe[MessageType]
	sender        value.Maybe[string]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	path          value.Maybe[ObjectPath]
	pathNamespace value.Maybe[ObjectPath]
	destination   value.Maybe[string]
	argStr        map[int]string
	argPath       map[int]ObjectPath
	arg0NS        value.Maybe[string]
}

// maxMatchArg is the highest argument index a rule can match on.
const maxMatchArg = 63

// MatchSignal returns a rule matching the given signal.
func MatchSignal(iface, member string) *MatchRule {
	return &MatchRule{
		typ:    value.Just(MessageSignal),
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// MatchAllSignals returns a rule matching every signal.
func MatchAllSignals() *MatchRule {
	return &MatchRule{typ: value.Just(MessageSignal)}
}

// Type restricts the rule to messages of type t.
func (m *MatchRule) Type(t MessageType) *MatchRule {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the rule to messages from the given bus name.
func (m *MatchRule) Sender(name string) *MatchRule {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the rule to messages of the given interface.
func (m *MatchRule) Interface(iface string) *MatchRule {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the rule to messages with the given member name.
func (m *MatchRule) Member(member string) *MatchRule {
	m.member = value.Just(member)
	return m
}

// Path restricts the rule to messages from a single object path.
func (m *MatchRule) Path(p ObjectPath) *MatchRule {
	m.pathNamespace = value.Absent[ObjectPath]()
	m.path = value.Just(p)
	return m
}

// PathNamespace restricts the rule to messages from objects rooted at
// the given path.
//
// For example, PathNamespace("/lights/kitchen") matches signals
// emitted by /lights/kitchen and /lights/kitchen/ceiling, but not
// /lights/kitchenette.
func (m *MatchRule) PathNamespace(p ObjectPath) *MatchRule {
	m.path = value.Absent[ObjectPath]()
	if p == "/" {
		// Every path is in the / namespace.
		m.pathNamespace = value.Absent[ObjectPath]()
	} else {
		m.pathNamespace = value.Just(p)
	}
	return m
}

// Destination restricts the rule to messages addressed to the given
// bus name.
func (m *MatchRule) Destination(name string) *MatchRule {
	m.destination = value.Just(name)
	return m
}

// ArgStr restricts the rule to messages whose i-th argument is a
// string equal to val.
func (m *MatchRule) ArgStr(i int, val string) *MatchRule {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the rule to messages whose i-th argument is
// a string or object path equal to or below val.
func (m *MatchRule) ArgPathPrefix(i int, val ObjectPath) *MatchRule {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the rule to messages whose first argument
// is a bus or interface name with the given dot separated prefix.
func (m *MatchRule) Arg0Namespace(val string) *MatchRule {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the rule in the text form accepted by the router's
// AddMatch and RemoveMatch methods. Equal rules have equal strings.
func (m *MatchRule) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", string(p))
	}
	if p, ok := m.pathNamespace.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if s, ok := m.destination.GetOK(); ok {
		kv("destination", s)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), string(m.argPath[i]))
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// ParseMatchRule parses a rule in the text form produced by
// [MatchRule.String].
func ParseMatchRule(s string) (*MatchRule, error) {
	ret := &MatchRule{}
	kvs, err := splitMatchRule(s)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		k, v := kv[0], kv[1]
		switch k {
		case "type":
			t, err := parseMessageType(v)
			if err != nil {
				return nil, err
			}
			ret.typ = value.Just(t)
		case "sender":
			ret.sender = value.Just(v)
		case "interface":
			ret.iface = value.Just(v)
		case "member":
			ret.member = value.Just(v)
		case "path":
			if !ObjectPath(v).Valid() {
				return nil, fmt.Errorf("%w: invalid path %q in match rule", ErrInvalidArgs, v)
			}
			ret.Path(ObjectPath(v))
		case "path_namespace":
			if !ObjectPath(v).Valid() {
				return nil, fmt.Errorf("%w: invalid path_namespace %q in match rule", ErrInvalidArgs, v)
			}
			ret.PathNamespace(ObjectPath(v))
		case "destination":
			ret.destination = value.Just(v)
		case "arg0namespace":
			ret.arg0NS = value.Just(v)
		default:
			n, ok := strings.CutPrefix(k, "arg")
			if !ok {
				return nil, fmt.Errorf("%w: unknown match key %q", ErrInvalidArgs, k)
			}
			n, isPath := strings.CutSuffix(n, "path")
			i, err := strconv.Atoi(n)
			if err != nil || i < 0 || i > maxMatchArg {
				return nil, fmt.Errorf("%w: unknown match key %q", ErrInvalidArgs, k)
			}
			if isPath {
				ret.ArgPathPrefix(i, ObjectPath(v))
			} else {
				ret.ArgStr(i, v)
			}
		}
	}
	return ret, nil
}

func parseMessageType(s string) (MessageType, error) {
	for _, t := range []MessageType{MessageMethodCall, MessageMethodReturn, MessageError, MessageSignal} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown message type %q in match rule", ErrInvalidArgs, s)
}

// splitMatchRule splits a match rule into key/value pairs. Values may
// be quoted with apostrophes. Outside quotes, \' is a literal
// apostrophe.
func splitMatchRule(s string) ([][2]string, error) {
	var (
		ret     [][2]string
		cur     strings.Builder
		key     string
		haveKey bool
		quoted  bool
	)
	flush := func() error {
		if !haveKey {
			if strings.TrimSpace(cur.String()) == "" {
				return nil
			}
			return fmt.Errorf("%w: match rule element %q has no value", ErrInvalidArgs, cur.String())
		}
		ret = append(ret, [2]string{key, cur.String()})
		cur.Reset()
		haveKey = false
		return nil
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case quoted:
			cur.WriteByte(c)
		case c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case c == '=' && !haveKey:
			key = strings.TrimSpace(cur.String())
			if key == "" {
				return nil, fmt.Errorf("%w: empty key in match rule %q", ErrInvalidArgs, s)
			}
			haveKey = true
			cur.Reset()
		case c == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote in match rule")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Matches reports whether msg matches the rule.
func (m *MatchRule) Matches(msg *Message) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}
	if p, ok := m.path.GetOK(); ok && msg.Path != p {
		return false
	}
	if p, ok := m.pathNamespace.GetOK(); ok && msg.Path != p && !msg.Path.IsChildOf(p) {
		return false
	}
	if s, ok := m.destination.GetOK(); ok && msg.Destination != s {
		return false
	}
	for i, want := range m.argStr {
		got, ok := stringArg(msg, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := stringArg(msg, i)
		if !ok || (got != string(want) && !ObjectPath(got).IsChildOf(want)) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := stringArg(msg, 0)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// stringArg returns the i-th argument of msg, if it is a string or
// object path.
func stringArg(msg *Message, i int) (string, bool) {
	v := msg.Arg(i)
	switch v.Type() {
	case TypeString, TypeObjectPath:
		return v.str, true
	default:
		return "", false
	}
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
