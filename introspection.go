package msgbus

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
)

const (
	annotationDeprecated = "org.freedesktop.DBus.Deprecated"
	annotationNoReply    = "org.freedesktop.DBus.Method.NoReply"
	annotationSecure     = "org.alljoyn.Bus.Secure"
)

const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Introspect returns the XML description of the interface, with each
// line indented by indent spaces.
//
// Members and properties are listed in name order. Each complete type
// of a member's signatures gets its own arg element.
func (d *InterfaceDescription) Introspect(indent int) string {
	var b strings.Builder
	pfx := strings.Repeat(" ", indent)
	line := func(depth int, format string, args ...any) {
		b.WriteString(pfx)
		b.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(0, `<interface name="%s">`, escape(d.name))
	if d.secure {
		line(1, `<annotation name="%s" value="true"/>`, annotationSecure)
	}
	for _, m := range d.Members() {
		kind := "method"
		if m.Type == MessageSignal {
			kind = "signal"
		}
		line(1, `<%s name="%s">`, kind, escape(m.Name))
		argIdx := 0
		writeArgs := func(sig Signature, dir string) {
			for _, sh := range sig.Shapes() {
				name := ""
				if argIdx < len(m.ArgNames) {
					name = m.ArgNames[argIdx]
				}
				argIdx++
				if name != "" {
					line(2, `<arg name="%s" type="%s" direction="%s"/>`, escape(name), escape(sh.String()), dir)
				} else {
					line(2, `<arg type="%s" direction="%s"/>`, escape(sh.String()), dir)
				}
			}
		}
		if m.Type == MessageSignal {
			writeArgs(m.Signature, "out")
		} else {
			writeArgs(m.Signature, "in")
			writeArgs(m.ReturnSignature, "out")
		}
		if m.Annotation&MemberDeprecated != 0 {
			line(2, `<annotation name="%s" value="true"/>`, annotationDeprecated)
		}
		if m.Annotation&MemberNoReply != 0 {
			line(2, `<annotation name="%s" value="true"/>`, annotationNoReply)
		}
		line(1, `</%s>`, kind)
	}
	for _, p := range d.Properties() {
		line(1, `<property name="%s" type="%s" access="%s"/>`, escape(p.Name), escape(p.Signature.String()), p.Access)
	}
	line(0, `</interface>`)
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// introspectNode returns the introspection document of an object
// implementing ifaces with the given child node names.
func introspectNode(ifaces []*InterfaceDescription, children []string) string {
	var b strings.Builder
	b.WriteString(introspectDocType)
	b.WriteString("<node>\n")
	for _, iface := range ifaces {
		b.WriteString(iface.Introspect(2))
	}
	for _, c := range children {
		fmt.Fprintf(&b, "  <node name=\"%s\"/>\n", escape(c))
	}
	b.WriteString("</node>\n")
	return b.String()
}

// ObjectDescription describes a remote object's interfaces and child
// objects, as parsed from its introspection XML.
//
// Descriptions are provided by the peer hosting the object, and may
// not accurately reflect the actual exposed API or object structure.
type ObjectDescription struct {
	// Interfaces are the object's interfaces, activated.
	Interfaces []*InterfaceDescription
	// Children are the relative names of child objects.
	Children []string
}

// Interface returns the named interface of the object, or nil.
func (o *ObjectDescription) Interface(name string) *InterfaceDescription {
	for _, iface := range o.Interfaces {
		if iface.Name() == name {
			return iface
		}
	}
	return nil
}

// ParseIntrospection parses an introspection XML document.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var ret ObjectDescription
	if err := xml.Unmarshal([]byte(doc), &ret); err != nil {
		return nil, fmt.Errorf("parsing introspection XML: %w", err)
	}
	return &ret, nil
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type xmlMember struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlInterface struct {
	Name        string          `xml:"name,attr"`
	Methods     []xmlMember     `xml:"method"`
	Signals     []xmlMember     `xml:"signal"`
	Annotations []xmlAnnotation `xml:"annotation"`
	Properties  []struct {
		Name   string `xml:"name,attr"`
		Type   string `xml:"type,attr"`
		Access string `xml:"access,attr"`
	} `xml:"property"`
}

func hasAnnotation(as []xmlAnnotation, name string) bool {
	for _, a := range as {
		if a.Name == name && a.Value == "true" {
			return true
		}
	}
	return false
}

func (o *ObjectDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Interfaces []xmlInterface `xml:"interface"`
		Children   []struct {
			Name string `xml:"name,attr"`
		} `xml:"node"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	o.Interfaces = make([]*InterfaceDescription, 0, len(raw.Interfaces))
	for _, ri := range raw.Interfaces {
		iface, err := ri.build()
		if err != nil {
			return err
		}
		o.Interfaces = append(o.Interfaces, iface)
	}
	o.Children = make([]string, 0, len(raw.Children))
	for _, c := range raw.Children {
		o.Children = append(o.Children, c.Name)
	}
	return nil
}

func (ri *xmlInterface) build() (*InterfaceDescription, error) {
	iface := NewInterface(ri.Name, hasAnnotation(ri.Annotations, annotationSecure))
	add := func(typ MessageType, m xmlMember) error {
		var in, out strings.Builder
		var inNames, outNames []string
		for _, a := range m.Args {
			switch {
			case typ == MessageSignal, a.Direction == "in", a.Direction == "":
				in.WriteString(a.Type)
				inNames = append(inNames, a.Name)
			case a.Direction == "out":
				out.WriteString(a.Type)
				outNames = append(outNames, a.Name)
			default:
				return fmt.Errorf("%s.%s: unknown arg direction %q", ri.Name, m.Name, a.Direction)
			}
		}
		names := append(inNames, outNames...)
		var ann MemberAnnotation
		if hasAnnotation(m.Annotations, annotationDeprecated) {
			ann |= MemberDeprecated
		}
		if hasAnnotation(m.Annotations, annotationNoReply) {
			ann |= MemberNoReply
		}
		argNames := ""
		if slices.ContainsFunc(names, func(n string) bool { return n != "" }) {
			argNames = strings.Join(names, ",")
		}
		return iface.AddMember(typ, m.Name, in.String(), out.String(), argNames, ann)
	}
	for _, m := range ri.Methods {
		if err := add(MessageMethodCall, m); err != nil {
			return nil, err
		}
	}
	for _, m := range ri.Signals {
		if err := add(MessageSignal, m); err != nil {
			return nil, err
		}
	}
	for _, p := range ri.Properties {
		var access PropAccess
		switch p.Access {
		case "read":
			access = PropRead
		case "write":
			access = PropWrite
		case "readwrite":
			access = PropReadWrite
		default:
			return nil, fmt.Errorf("%s.%s: unknown property access %q", ri.Name, p.Name, p.Access)
		}
		if err := iface.AddProperty(p.Name, p.Type, access); err != nil {
			return nil, err
		}
	}
	iface.Activate()
	return iface, nil
}
