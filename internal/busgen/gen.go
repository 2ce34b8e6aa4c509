// Package busgen generates typed Go clients for bus interfaces.
package busgen

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"strings"
	"unicode"

	"github.com/danderson/msgbus"
)

type generator struct {
	out   bytes.Buffer
	iface *msgbus.InterfaceDescription
	typ   string
}

// Interface returns the source of a Go file in package pkg, which
// implements a client for iface.
func Interface(iface *msgbus.InterfaceDescription, pkg string) (string, error) {
	if iface == nil {
		return "", errors.New("no interface provided")
	}
	if pkg == "" {
		pkg = "client"
	}
	g := generator{
		iface: iface,
		typ:   publicIdentifier(iface.Name()),
	}
	g.header(pkg)
	g.describe()
	for _, m := range iface.Members() {
		switch m.Type {
		case msgbus.MessageMethodCall:
			g.method(m)
		case msgbus.MessageSignal:
			g.signal(m)
		}
	}
	for _, p := range iface.Properties() {
		g.property(p)
	}

	ret, err := format.Source(g.out.Bytes())
	if err != nil {
		return g.out.String(), err
	}
	return string(ret), nil
}

func (g *generator) s(s string) {
	g.out.WriteString(s)
}

func (g *generator) f(msg string, args ...any) {
	fmt.Fprintf(&g.out, msg, args...)
}

func (g *generator) header(pkg string) {
	imports := ""
	if len(g.iface.Members()) > 0 || len(g.iface.Properties()) > 0 {
		imports = `"context"` + "\n"
	}
	g.f(`// Code generated by msgbus generate. DO NOT EDIT.

package %[1]s

import (
  %[4]s
  "github.com/danderson/msgbus"
)

// InterfaceName is the name of the interface implemented by %[2]s.
const InterfaceName = %[3]q

// %[2]s is a client for the %[3]s interface.
type %[2]s struct { obj *msgbus.ProxyObject }

// New returns a %[2]s that calls obj. The interface is registered
// on obj's connection if needed.
func New(obj *msgbus.ProxyObject) (%[2]s, error) {
  if obj.Conn().Interface(InterfaceName) == nil {
    if _, err := Describe(obj.Conn()); err != nil {
      return %[2]s{}, err
    }
  }
  if err := obj.AddInterfaceByName(InterfaceName); err != nil {
    return %[2]s{}, err
  }
  return %[2]s{obj}, nil
}

// Object returns the proxy the client calls.
func (c %[2]s) Object() *msgbus.ProxyObject { return c.obj }
`, pkg, g.typ, g.iface.Name(), imports)
}

// describe writes a function that registers the interface on a
// connection.
func (g *generator) describe() {
	g.f(`
// Describe creates and activates the %[1]s interface on conn.
func Describe(conn *msgbus.Conn) (*msgbus.InterfaceDescription, error) {
  iface, err := conn.CreateInterface(InterfaceName, %[2]v)
  if err != nil {
    return nil, err
  }
`, g.iface.Name(), g.iface.IsSecure())
	for _, m := range g.iface.Members() {
		names := strings.Join(m.ArgNames, ",")
		if m.Type == msgbus.MessageSignal {
			g.f("if err := iface.AddSignal(%q, %q, %q, %d); err != nil {\nreturn nil, err\n}\n", m.Name, m.Signature.String(), names, m.Annotation)
		} else {
			g.f("if err := iface.AddMethod(%q, %q, %q, %q, %d); err != nil {\nreturn nil, err\n}\n", m.Name, m.Signature.String(), m.ReturnSignature.String(), names, m.Annotation)
		}
	}
	for _, p := range g.iface.Properties() {
		g.f("if err := iface.AddProperty(%q, %q, %d); err != nil {\nreturn nil, err\n}\n", p.Name, p.Signature.String(), p.Access)
	}
	g.s("iface.Activate()\nreturn iface, nil\n}\n")
}

type arg struct {
	name  string
	shape *msgbus.Shape
}

// args pairs the shapes of sig with names, starting at names[off].
func args(sig msgbus.Signature, names []string, off int) []arg {
	shapes := sig.Shapes()
	ret := make([]arg, len(shapes))
	for i, sh := range shapes {
		name := ""
		if off+i < len(names) {
			name = names[off+i]
		}
		ret[i] = arg{argName(i, name), sh}
	}
	return ret
}

func (g *generator) method(m *msgbus.Member) {
	in := args(m.Signature, m.ArgNames, 0)
	out := args(m.ReturnSignature, m.ArgNames, len(in))
	// Output names must not shadow the inputs.
	for i := range out {
		for _, a := range in {
			if out[i].name == a.name {
				out[i].name += "Out"
			}
		}
	}

	g.f("\n// %s calls the method %s.%s.\n", publicIdentifier(m.Name), g.iface.Name(), m.Name)
	g.f("func (c %s) %s(ctx context.Context", g.typ, publicIdentifier(m.Name))
	for _, a := range in {
		g.f(", %s %s", a.name, goType(a.shape))
	}
	g.s(") (")
	for _, a := range out {
		g.f("%s %s, ", a.name, goType(a.shape))
	}
	g.s("err error) {\n")

	callArgs := []string{"ctx", "InterfaceName", fmt.Sprintf("%q", m.Name)}
	for _, a := range in {
		callArgs = append(callArgs, a.name)
	}
	if m.Annotation&msgbus.MemberNoReply != 0 {
		g.s("vals, err := msgbus.BuildArgs(")
		g.f("%q", m.Signature.String())
		for _, a := range in {
			g.f(", %s", a.name)
		}
		g.f(")\nif err != nil {\nreturn\n}\n")
		g.f("err = c.obj.MethodCallNoReply(InterfaceName, %q, vals)\nreturn\n}\n", m.Name)
		return
	}
	if len(out) == 0 {
		g.f("_, err = c.obj.Call(%s)\nreturn\n}\n", strings.Join(callArgs, ", "))
		return
	}
	g.f("reply, err := c.obj.Call(%s)\n", strings.Join(callArgs, ", "))
	g.s("if err != nil {\nreturn\n}\n")
	g.f("err = reply.Unpack(%q", m.ReturnSignature.String())
	for _, a := range out {
		g.f(", &%s", a.name)
	}
	g.s(")\nreturn\n}\n")
}

func (g *generator) signal(m *msgbus.Member) {
	in := args(m.Signature, m.ArgNames, 0)
	name := publicIdentifier(m.Name)

	var params, decls, ptrs, vals []string
	for _, a := range in {
		params = append(params, a.name+" "+goType(a.shape))
		decls = append(decls, fmt.Sprintf("var %s %s\n", a.name, goType(a.shape)))
		ptrs = append(ptrs, "&"+a.name)
		vals = append(vals, a.name)
	}

	g.f(`
// On%[1]s calls fn for every %[2]s.%[3]s signal emitted by the
// client's object. receiver identifies the handler for
// [msgbus.Conn.UnregisterAllHandlers].
func (c %[4]s) On%[1]s(ctx context.Context, receiver any, fn func(%[5]s)) error {
  member, _ := c.obj.Interface(InterfaceName).Member(%[3]q)
  h := msgbus.NewSignalHandler(func(ctx context.Context, member *msgbus.Member, path msgbus.ObjectPath, msg *msgbus.Message) {
    %[6]s
`, name, g.iface.Name(), m.Name, g.typ, strings.Join(params, ", "), strings.Join(decls, ""))
	if len(in) > 0 {
		g.f("if err := msg.Unpack(%q, %s); err != nil {\nreturn\n}\n", m.Signature.String(), strings.Join(ptrs, ", "))
	}
	g.f(`    fn(%s)
  })
  return c.obj.Conn().RegisterSignalHandler(ctx, receiver, h, member, c.obj.Path())
}
`, strings.Join(vals, ", "))
}

func (g *generator) property(p *msgbus.Property) {
	name := publicIdentifier(p.Name)
	typ := goType(p.Signature.Shapes()[0])
	if p.Access&msgbus.PropRead != 0 {
		g.f(`
// %[2]s returns the value of the property %[4]q.
func (c %[1]s) %[2]s(ctx context.Context) (ret %[3]s, err error) {
  v, err := c.obj.GetProperty(ctx, InterfaceName, %[4]q)
  if err != nil {
    return ret, err
  }
  err = v.Get(%[5]q, &ret)
  return ret, err
}
`, g.typ, name, typ, p.Name, p.Signature.String())
	}
	if p.Access&msgbus.PropWrite != 0 {
		g.f(`
// Set%[2]s sets the value of the property %[4]q to val.
func (c %[1]s) Set%[2]s(ctx context.Context, val %[3]s) error {
  v, err := msgbus.Build(%[5]q, val)
  if err != nil {
    return err
  }
  return c.obj.SetProperty(ctx, InterfaceName, %[4]q, v)
}
`, g.typ, name, typ, p.Name, p.Signature.String())
	}
}

// goType returns the Go type used for values of shape sh. Structs and
// variants stay as msgbus.Value.
func goType(sh *msgbus.Shape) string {
	switch sh.Type {
	case msgbus.TypeBoolean:
		return "bool"
	case msgbus.TypeByte:
		return "uint8"
	case msgbus.TypeInt16:
		return "int16"
	case msgbus.TypeUint16:
		return "uint16"
	case msgbus.TypeInt32:
		return "int32"
	case msgbus.TypeUint32:
		return "uint32"
	case msgbus.TypeInt64:
		return "int64"
	case msgbus.TypeUint64:
		return "uint64"
	case msgbus.TypeDouble:
		return "float64"
	case msgbus.TypeString:
		return "string"
	case msgbus.TypeObjectPath:
		return "msgbus.ObjectPath"
	case msgbus.TypeSignature:
		return "msgbus.Signature"
	case msgbus.TypeHandle:
		return "msgbus.Handle"
	case msgbus.TypeArray:
		if sh.Elem.Type == msgbus.TypeDictEntry {
			return fmt.Sprintf("map[%s]%s", goType(sh.Elem.Fields[0]), goType(sh.Elem.Fields[1]))
		}
		return "[]" + goType(sh.Elem)
	default:
		return "msgbus.Value"
	}
}

func argName(n int, name string) string {
	if name == "" {
		name = fmt.Sprintf("arg%d", n)
	}
	name = identifier(name)
	switch name {
	case "type":
		name = "typ"
	case "func", "var", "map", "range", "chan", "go", "select", "default", "case", "string",
		"err", "ctx", "c", "ret", "reply", "vals", "v", "val", "msg", "path", "member", "h", "fn", "receiver":
		name += "_"
	}
	return name
}

func identifier(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	fs := strings.Split(s, "_")
	for i := range fs {
		if i == 0 {
			fs[i] = lowerFirst(fs[i])
			continue
		}
		switch fs[i] {
		case "id":
			fs[i] = "ID"
		default:
			fs[i] = upperFirst(fs[i])
		}
	}
	return strings.Join(fs, "")
}

func publicIdentifier(s string) string {
	return upperFirst(identifier(s))
}

func upperFirst(s string) string {
	for i, r := range s {
		return string(unicode.ToUpper(r)) + s[i+len(string(r)):]
	}
	return s
}

func lowerFirst(s string) string {
	for i, r := range s {
		return string(unicode.ToLower(r)) + s[i+len(string(r)):]
	}
	return s
}
